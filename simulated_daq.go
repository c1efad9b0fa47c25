package grabdaq

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
)

// SimVoltage is the value of the j-th voltage input at sample s.
func SimVoltage(j, s int) float64 {
	return float64(j) + 0.5*math.Sin(float64(s)/10)
}

// SimDigital is the value of the j-th digital input at sample s.
func SimDigital(j, s int) float64 {
	return float64((s >> uint(j)) & 1)
}

// SimDAQDriver is a drop-in replacement for a DAQ session (implements
// DAQDriver) that requires no hardware. Samples are produced by Advance, or
// from the wall clock at the configured rate after Run. Counter k reads
// Start + Step*(s+1) at sample s, wrapping at 2^32 like real hardware.
type SimDAQDriver struct {
	sync.Mutex
	groups    map[string][]Channel
	timing    map[string]ClockConfig
	counters  map[string]SimCounter
	tickStep  uint32
	running   bool
	finite    int
	produced  int
	consumed  map[string]int
	freeRun   bool
	runBase   int
	startTime time.Time
	digital   map[string]bool
	voltage   map[string]float64

	// FailTiming makes ConfigureTiming of the named group fail.
	FailTiming map[string]error
}

// SimCounter sets the behavior of one simulated counter.
type SimCounter struct {
	Start uint32
	Step  uint32
}

// NewSimDAQDriver returns an idle simulated DAQ.
func NewSimDAQDriver() *SimDAQDriver {
	return &SimDAQDriver{
		groups:     make(map[string][]Channel),
		timing:     make(map[string]ClockConfig),
		counters:   make(map[string]SimCounter),
		consumed:   make(map[string]int),
		digital:    make(map[string]bool),
		voltage:    make(map[string]float64),
		FailTiming: make(map[string]error),
	}
}

// SetCounter sets the raw values produced by the named counter input.
func (s *SimDAQDriver) SetCounter(name string, c SimCounter) {
	s.Lock()
	defer s.Unlock()
	s.counters[name] = c
}

func (s *SimDAQDriver) counter(name string) SimCounter {
	if c, ok := s.counters[name]; ok {
		return c
	}
	return SimCounter{Step: 1}
}

// AddChannel adds a channel to its group.
func (s *SimDAQDriver) AddChannel(ch Channel) error {
	s.Lock()
	defer s.Unlock()
	g := ch.Role.group()
	switch ch.Role {
	case DigitalOut:
		s.digital[ch.Name] = false
		return nil
	case VoltageOut:
		s.voltage[ch.Name] = 0
		return nil
	}
	if g == "" {
		return fmt.Errorf("SimDAQDriver.AddChannel(%q): unknown role %v", ch.Name, ch.Role)
	}
	for i, old := range s.groups[g] {
		if old.Name == ch.Name {
			s.groups[g][i] = ch
			return nil
		}
	}
	s.groups[g] = append(s.groups[g], ch)
	return nil
}

// ConfigureTiming records the clock of a group.
func (s *SimDAQDriver) ConfigureTiming(group string, cfg ClockConfig) error {
	s.Lock()
	defer s.Unlock()
	if err := s.FailTiming[group]; err != nil {
		return err
	}
	s.timing[group] = cfg
	if cfg.Rate > 0 {
		s.tickStep = uint32(math.Round(BaseTickRate / cfg.Rate))
	}
	return nil
}

// Timing returns the clock last applied to a group.
func (s *SimDAQDriver) Timing(group string) ClockConfig {
	s.Lock()
	defer s.Unlock()
	return s.timing[group]
}

// StartSession starts sampling; finite > 0 stops after that many samples.
func (s *SimDAQDriver) StartSession(finite int) error {
	s.Lock()
	defer s.Unlock()
	s.running = true
	s.finite = finite
	s.produced = 0
	s.consumed = make(map[string]int)
	s.startTime = time.Now()
	return nil
}

// StopSession stops sampling. Stopping a stopped session does nothing.
func (s *SimDAQDriver) StopSession() error {
	s.Lock()
	defer s.Unlock()
	s.running = false
	s.freeRun = false
	return nil
}

// Run makes samples appear at the clock rate of the voltage group.
func (s *SimDAQDriver) Run() {
	s.Lock()
	defer s.Unlock()
	s.freeRun = true
	s.startTime = time.Now()
	s.runBase = s.produced
}

// Advance produces n more samples.
func (s *SimDAQDriver) Advance(n int) {
	s.Lock()
	defer s.Unlock()
	if s.running {
		s.produced = s.limit(s.produced + n)
	}
}

func (s *SimDAQDriver) limit(n int) int {
	if s.finite > 0 && n > s.finite {
		return s.finite
	}
	return n
}

// update brings the free-running sample count up to date.
func (s *SimDAQDriver) update() {
	if !s.running || !s.freeRun {
		return
	}
	rate := s.timing[GroupVoltage].Rate
	n := s.runBase + int(time.Since(s.startTime).Seconds()*rate)
	if n > s.produced {
		s.produced = s.limit(n)
	}
}

func (s *SimDAQDriver) readPosition() int {
	pos := 0
	for _, c := range s.consumed {
		if c > pos {
			pos = c
		}
	}
	return pos
}

// AvailableSamples is the number of samples produced and not yet read.
func (s *SimDAQDriver) AvailableSamples() (int, error) {
	s.Lock()
	defer s.Unlock()
	if !s.running {
		return 0, nil
	}
	s.update()
	return s.produced - s.readPosition(), nil
}

// take reserves n samples of group, waiting up to timeout for them.
func (s *SimDAQDriver) take(group string, n int, timeout time.Duration) (int, error) {
	deadline := time.Now().Add(timeout)
	for {
		s.Lock()
		s.update()
		start := s.consumed[group]
		if s.produced-start >= n {
			s.consumed[group] = start + n
			s.Unlock()
			return start, nil
		}
		s.Unlock()
		if time.Now().After(deadline) {
			return 0, fmt.Errorf("SimDAQDriver: timeout reading %d samples from group %q", n, group)
		}
		time.Sleep(time.Millisecond)
	}
}

// ReadAnalog reads voltage or digital inputs as floats.
func (s *SimDAQDriver) ReadAnalog(group string, n int, timeout time.Duration) ([][]float64, error) {
	s.Lock()
	chans := append([]Channel(nil), s.groups[group]...)
	s.Unlock()
	if len(chans) == 0 {
		return [][]float64{}, nil
	}
	var value func(j, s int) float64
	switch group {
	case GroupVoltage:
		value = SimVoltage
	case GroupDigital:
		value = SimDigital
	default:
		return nil, fmt.Errorf("SimDAQDriver.ReadAnalog: group %q is not analog", group)
	}
	start, err := s.take(group, n, timeout)
	if err != nil {
		return nil, err
	}
	cols := make([][]float64, len(chans))
	for j := range chans {
		cols[j] = make([]float64, n)
		for k := range cols[j] {
			cols[j][k] = value(j, start+k)
		}
	}
	return cols, nil
}

// ReadCounts reads counter inputs or the clock-period counter.
func (s *SimDAQDriver) ReadCounts(group string, n int, timeout time.Duration) ([][]uint32, error) {
	if group != GroupCounter && group != GroupClockPeriod {
		return nil, fmt.Errorf("SimDAQDriver.ReadCounts: group %q is not a counter group", group)
	}
	s.Lock()
	chans := append([]Channel(nil), s.groups[group]...)
	s.Unlock()
	if len(chans) == 0 {
		return [][]uint32{}, nil
	}
	start, err := s.take(group, n, timeout)
	if err != nil {
		return nil, err
	}
	s.Lock()
	defer s.Unlock()
	cols := make([][]uint32, len(chans))
	for j, ch := range chans {
		c := s.counter(ch.Name)
		if group == GroupClockPeriod {
			c = SimCounter{Step: s.tickStep}
		}
		cols[j] = make([]uint32, n)
		for k := range cols[j] {
			cols[j][k] = c.Start + c.Step*uint32(start+k+1)
		}
	}
	return cols, nil
}

// WriteDigital sets digital outputs.
func (s *SimDAQDriver) WriteDigital(values map[string]bool) error {
	s.Lock()
	defer s.Unlock()
	for name, v := range values {
		if _, ok := s.digital[name]; !ok {
			return fmt.Errorf("SimDAQDriver.WriteDigital: no output %q", name)
		}
		s.digital[name] = v
	}
	return nil
}

// WriteVoltage sets voltage outputs.
func (s *SimDAQDriver) WriteVoltage(values map[string]float64) error {
	s.Lock()
	defer s.Unlock()
	for name, v := range values {
		if _, ok := s.voltage[name]; !ok {
			return fmt.Errorf("SimDAQDriver.WriteVoltage: no output %q", name)
		}
		s.voltage[name] = v
	}
	return nil
}

// InspectDriver prints the simulated driver state.
func (s *SimDAQDriver) InspectDriver() {
	s.Lock()
	defer s.Unlock()
	spew.Dump(s.groups, s.timing, s.produced, s.consumed)
}
