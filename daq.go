package grabdaq

import (
	"context"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/mat"
)

// ClockPeriodName is the column name of the derived clock period.
const ClockPeriodName = "clk_period"

// Include selects the kinds of input columns returned by DAQ.Read.
type Include uint8

// Input column kinds
const (
	IncludeVoltage Include = 1 << iota
	IncludeCounter
	IncludeDigital
	IncludeClockPeriod

	IncludeInputs = IncludeVoltage | IncludeCounter | IncludeDigital
	IncludeAll    = IncludeInputs | IncludeClockPeriod
)

// SampleBlock is one aligned multi-channel read. Data has one row per sample
// and one column per name; it is nil when no samples were read.
type SampleBlock struct {
	Names []string
	Data  *mat.Dense
}

// Len is the number of samples.
func (b *SampleBlock) Len() int {
	if b == nil || b.Data == nil {
		return 0
	}
	r, _ := b.Data.Dims()
	return r
}

// Column returns a copy of the named column, or nil if absent.
func (b *SampleBlock) Column(name string) []float64 {
	if b == nil || b.Data == nil {
		return nil
	}
	for j, n := range b.Names {
		if n == name {
			return mat.Col(nil, j, b.Data)
		}
	}
	return nil
}

// DAQ is a synchronized multi-channel acquisition device: all inputs share
// one sample clock and are read together so their columns stay aligned.
// A DAQ is not safe for concurrent use.
type DAQ struct {
	driver   DAQDriver
	clock    *ClockDomain
	counters *SampleStreamAccountant
	channels []Channel
	running  bool
	dout     map[string]bool
	aout     map[string]float64

	// AutoFlush samples are discarded when Read starts a stopped DAQ.
	AutoFlush int
	// Timeout bounds driver reads made by Start while flushing.
	Timeout time.Duration
	// PollInterval is used by Read while it waits for samples.
	PollInterval time.Duration
}

// NewDAQ wraps a DAQ driver running on the given sample clock.
func NewDAQ(driver DAQDriver, clock ClockConfig) (*DAQ, error) {
	cd, err := NewClockDomain(driver, clock)
	if err != nil {
		return nil, fmt.Errorf("NewDAQ: %w", err)
	}
	return &DAQ{
		driver:       driver,
		clock:        cd,
		counters:     NewSampleStreamAccountant(),
		dout:         make(map[string]bool),
		aout:         make(map[string]float64),
		Timeout:      10 * time.Second,
		PollInterval: time.Millisecond,
	}, nil
}

func (d *DAQ) addChannel(ch Channel) error {
	if d.running {
		return fmt.Errorf("DAQ: cannot add %v %q while running: %w", ch.Role, ch.Name, ErrConfiguration)
	}
	if ch.Name == "" {
		return fmt.Errorf("DAQ: %v on %q needs a name: %w", ch.Role, ch.Terminal, ErrConfiguration)
	}
	for _, old := range d.channels {
		if old.Name == ch.Name && old.Role != ch.Role {
			return fmt.Errorf("DAQ: channel %q is already a %v: %w", ch.Name, old.Role, ErrConfiguration)
		}
	}
	if err := d.driver.AddChannel(ch); err != nil {
		return fmt.Errorf("DAQ: add %v %q: %w", ch.Role, ch.Name, err)
	}
	replaced := false
	for i, old := range d.channels {
		if old.Name == ch.Name {
			d.channels[i] = ch
			replaced = true
		}
	}
	if !replaced {
		d.channels = append(d.channels, ch)
	}
	if g := ch.Role.group(); g != "" {
		if err := d.clock.Register(g); err != nil {
			return fmt.Errorf("DAQ: %w", err)
		}
	}
	return nil
}

// AddVoltageInput adds an analog input with the given range.
func (d *DAQ) AddVoltageInput(name, terminal string, rng VoltageRange) error {
	return d.addChannel(Channel{Name: name, Terminal: terminal, Role: VoltageIn, Range: rng})
}

// AddCounterInput adds an edge counter reported in the given mode.
func (d *DAQ) AddCounterInput(name, terminal string, mode CounterMode) error {
	if err := d.addChannel(Channel{Name: name, Terminal: terminal, Role: CounterIn, Mode: mode}); err != nil {
		return err
	}
	d.counters.AddChannel(name, mode)
	return nil
}

// AddDigitalInput adds a digital line read as 0 or 1.
func (d *DAQ) AddDigitalInput(name, terminal string) error {
	return d.addChannel(Channel{Name: name, Terminal: terminal, Role: DigitalIn})
}

// AddClockPeriodInput adds a counter measuring each sample clock period, so
// that rate-mode counters use measured rather than nominal periods.
func (d *DAQ) AddClockPeriodInput(terminal string) error {
	if err := d.addChannel(Channel{Name: ClockPeriodName, Terminal: terminal, Role: ClockPeriodIn}); err != nil {
		return err
	}
	d.clock.SetPeriodCounter(true)
	return nil
}

// AddDigitalOutput adds a static digital output set to initial.
func (d *DAQ) AddDigitalOutput(name, terminal string, initial bool) error {
	if err := d.addChannel(Channel{Name: name, Terminal: terminal, Role: DigitalOut}); err != nil {
		return err
	}
	d.dout[name] = initial
	return d.driver.WriteDigital(map[string]bool{name: initial})
}

// AddVoltageOutput adds a static analog output set to initial.
func (d *DAQ) AddVoltageOutput(name, terminal string, rng VoltageRange, initial float64) error {
	ch := Channel{Name: name, Terminal: terminal, Role: VoltageOut, Range: rng}
	if err := checkVoltage(ch, initial); err != nil {
		return err
	}
	if err := d.addChannel(ch); err != nil {
		return err
	}
	d.aout[name] = initial
	return d.driver.WriteVoltage(map[string]float64{name: initial})
}

func checkVoltage(ch Channel, v float64) error {
	if math.IsNaN(v) {
		return fmt.Errorf("voltage output %q: NaN: %w", ch.Name, ErrConfiguration)
	}
	if ch.Range.Max > ch.Range.Min && (v < ch.Range.Min || v > ch.Range.Max) {
		return fmt.Errorf("voltage output %q: %g V outside [%g, %g]: %w",
			ch.Name, v, ch.Range.Min, ch.Range.Max, ErrConfiguration)
	}
	return nil
}

func (d *DAQ) channel(name string, role Role) (Channel, bool) {
	for _, ch := range d.channels {
		if ch.Name == name && ch.Role == role {
			return ch, true
		}
	}
	return Channel{}, false
}

// SetDigitalOutputs sets some digital outputs; the others keep their value.
func (d *DAQ) SetDigitalOutputs(values map[string]bool) error {
	for name := range values {
		if _, ok := d.channel(name, DigitalOut); !ok {
			return fmt.Errorf("DAQ.SetDigitalOutputs: no digital output %q: %w", name, ErrConfiguration)
		}
	}
	if err := d.driver.WriteDigital(values); err != nil {
		return fmt.Errorf("DAQ.SetDigitalOutputs: %w", err)
	}
	for name, v := range values {
		d.dout[name] = v
	}
	return nil
}

// DigitalOutputs returns the values of all digital outputs.
func (d *DAQ) DigitalOutputs() map[string]bool {
	out := make(map[string]bool, len(d.dout))
	for k, v := range d.dout {
		out[k] = v
	}
	return out
}

// SetVoltageOutputs sets some analog outputs; the others keep their value.
func (d *DAQ) SetVoltageOutputs(values map[string]float64) error {
	for name, v := range values {
		ch, ok := d.channel(name, VoltageOut)
		if !ok {
			return fmt.Errorf("DAQ.SetVoltageOutputs: no voltage output %q: %w", name, ErrConfiguration)
		}
		if err := checkVoltage(ch, v); err != nil {
			return fmt.Errorf("DAQ.SetVoltageOutputs: %w", err)
		}
	}
	if err := d.driver.WriteVoltage(values); err != nil {
		return fmt.Errorf("DAQ.SetVoltageOutputs: %w", err)
	}
	for name, v := range values {
		d.aout[name] = v
	}
	return nil
}

// VoltageOutputs returns the values of all analog outputs.
func (d *DAQ) VoltageOutputs() map[string]float64 {
	out := make(map[string]float64, len(d.aout))
	for k, v := range d.aout {
		out[k] = v
	}
	return out
}

// Channels returns the channels of one role in column order.
func (d *DAQ) Channels(role Role) []Channel {
	var out []Channel
	for _, ch := range d.channels {
		if ch.Role == role {
			out = append(out, ch)
		}
	}
	return out
}

// InputChannels returns the column names Read produces for include:
// voltage inputs, counters, digital inputs, then the clock period.
func (d *DAQ) InputChannels(include Include) []string {
	names := []string{}
	if include&IncludeVoltage != 0 {
		for _, ch := range d.Channels(VoltageIn) {
			names = append(names, ch.Name)
		}
	}
	if include&IncludeCounter != 0 {
		names = append(names, d.counters.Names()...)
	}
	if include&IncludeDigital != 0 {
		for _, ch := range d.Channels(DigitalIn) {
			names = append(names, ch.Name)
		}
	}
	if include&IncludeClockPeriod != 0 {
		names = append(names, ClockPeriodName)
	}
	return names
}

// Clock returns the sample clock settings.
func (d *DAQ) Clock() ClockConfig {
	return d.clock.Config()
}

// SetupClock changes the sample clock of all inputs in place. A running DAQ
// keeps sampling and its counter state. On failure nothing changes.
func (d *DAQ) SetupClock(rate float64, source string) error {
	cfg := d.clock.Config()
	cfg.Rate, cfg.Source = rate, source
	if err := d.clock.Configure(cfg); err != nil {
		return fmt.Errorf("DAQ.SetupClock: %w", err)
	}
	return nil
}

// Running tells whether sampling is active.
func (d *DAQ) Running() bool {
	return d.running
}

// Start begins sampling with all counters at zero. flushRead samples are read
// and discarded right away; finite > 0 stops the clock after finite further
// samples.
func (d *DAQ) Start(flushRead, finite int) error {
	if d.running {
		if err := d.Stop(); err != nil {
			return err
		}
	}
	total := 0
	if finite > 0 {
		total = finite + flushRead
	}
	cfg := d.clock.Config()
	if cfg.FiniteLength != total {
		cfg.FiniteLength = total
		if err := d.clock.Configure(cfg); err != nil {
			return fmt.Errorf("DAQ.Start: %w", err)
		}
	}
	if err := d.driver.StartSession(total); err != nil {
		return fmt.Errorf("DAQ.Start: %w", err)
	}
	d.counters.Reset()
	d.running = true
	UpdateLogger.Printf("DAQ started at %.6g Hz (finite %d, flush %d)", cfg.Rate, total, flushRead)
	if flushRead > 0 {
		if _, err := d.read(flushRead, d.Timeout, 0); err != nil {
			return fmt.Errorf("DAQ.Start: flush: %w", err)
		}
	}
	return nil
}

// Stop ends sampling and zeroes the counters. Stopping a stopped DAQ is a no-op.
func (d *DAQ) Stop() error {
	if !d.running {
		return nil
	}
	d.running = false
	d.counters.Reset()
	if err := d.driver.StopSession(); err != nil {
		return fmt.Errorf("DAQ.Stop: %w", err)
	}
	UpdateLogger.Printf("DAQ stopped")
	return nil
}

// AvailableSamples is the number of samples ready to read (0 when stopped).
func (d *DAQ) AvailableSamples() (int, error) {
	if !d.running {
		return 0, nil
	}
	n, err := d.driver.AvailableSamples()
	if err != nil {
		return 0, fmt.Errorf("DAQ.AvailableSamples: %w", err)
	}
	return n, nil
}

// WaitForSample waits until at least n samples are available, checking every
// poll. It returns the number available, or 0 on timeout or when stopped.
func (d *DAQ) WaitForSample(n int, timeout, poll time.Duration) (int, error) {
	return d.WaitForSampleContext(context.Background(), n, timeout, poll)
}

// WaitForSampleContext is WaitForSample with cancellation.
func (d *DAQ) WaitForSampleContext(ctx context.Context, n int, timeout, poll time.Duration) (int, error) {
	if !d.running {
		return 0, nil
	}
	if poll <= 0 {
		poll = time.Millisecond
	}
	deadline := time.Now().Add(timeout)
	for {
		avail, err := d.AvailableSamples()
		if err != nil {
			return 0, err
		}
		if avail >= n {
			return avail, nil
		}
		if !time.Now().Before(deadline) {
			return 0, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(poll):
		}
	}
}

// Read returns n aligned samples of the included inputs, or all available
// samples if n <= 0. A stopped DAQ is started for a finite acquisition of n
// samples (after AutoFlush discarded ones) and stopped again. If n samples do
// not arrive within timeout, an empty block is returned.
func (d *DAQ) Read(n int, timeout time.Duration, include Include) (*SampleBlock, error) {
	if !d.running {
		if n <= 0 {
			return &SampleBlock{Names: d.InputChannels(include)}, nil
		}
		if err := d.Start(d.AutoFlush, n); err != nil {
			return nil, err
		}
		defer func() {
			if err := d.Stop(); err != nil {
				ProblemLogger.Printf("DAQ.Read: %v", err)
			}
		}()
	}
	return d.read(n, timeout, include)
}

func (d *DAQ) read(n int, timeout time.Duration, include Include) (*SampleBlock, error) {
	block := &SampleBlock{Names: d.InputChannels(include)}
	if n <= 0 {
		avail, err := d.AvailableSamples()
		if err != nil {
			return nil, err
		}
		n = avail
	} else {
		avail, err := d.WaitForSample(n, timeout, d.PollInterval)
		if err != nil {
			return nil, err
		}
		if avail == 0 {
			return block, nil
		}
	}
	if n == 0 {
		return block, nil
	}

	cols := make(map[string][][]float64)
	for _, g := range []string{GroupVoltage, GroupDigital} {
		if !d.hasGroup(g) {
			continue
		}
		data, err := d.driver.ReadAnalog(g, n, timeout)
		if err != nil {
			return nil, fmt.Errorf("DAQ.Read: group %q: %w", g, err)
		}
		cols[g] = data
	}
	raw := [][]uint32{}
	if d.hasGroup(GroupCounter) {
		var err error
		if raw, err = d.driver.ReadCounts(GroupCounter, n, timeout); err != nil {
			return nil, fmt.Errorf("DAQ.Read: group %q: %w", GroupCounter, err)
		}
	}
	var ticks []uint32
	if d.clock.HasPeriodCounter() {
		tc, err := d.driver.ReadCounts(GroupClockPeriod, n, timeout)
		if err != nil {
			return nil, fmt.Errorf("DAQ.Read: group %q: %w", GroupClockPeriod, err)
		}
		if len(tc) != 1 {
			return nil, fmt.Errorf("DAQ.Read: clock period group returned %d columns", len(tc))
		}
		ticks = tc[0]
	}

	conv, err := d.counters.Convert(n, raw, ticks, d.clock)
	if err != nil {
		return nil, fmt.Errorf("DAQ.Read: %w", err)
	}

	var columns [][]float64
	if include&IncludeVoltage != 0 {
		columns = append(columns, cols[GroupVoltage]...)
	}
	if include&IncludeCounter != 0 {
		columns = append(columns, conv.Counts...)
	}
	if include&IncludeDigital != 0 {
		columns = append(columns, cols[GroupDigital]...)
	}
	if include&IncludeClockPeriod != 0 {
		columns = append(columns, conv.Periods)
	}
	if len(columns) != len(block.Names) {
		return nil, fmt.Errorf("DAQ.Read: driver returned %d columns for %d channels", len(columns), len(block.Names))
	}
	for j, c := range columns {
		if len(c) != n {
			return nil, fmt.Errorf("DAQ.Read: column %q has %d samples, want %d", block.Names[j], len(c), n)
		}
	}

	d.counters.Commit(conv)
	if len(columns) > 0 {
		block.Data = mat.NewDense(n, len(columns), nil)
		for j, c := range columns {
			block.Data.SetCol(j, c)
		}
	}
	return block, nil
}

func (d *DAQ) hasGroup(g string) bool {
	for _, ch := range d.channels {
		if ch.Role.group() == g {
			return true
		}
	}
	return false
}

// ChannelParameters describes every configured channel, in insertion order.
func (d *DAQ) ChannelParameters() []Channel {
	return append([]Channel(nil), d.channels...)
}

// CounterState returns the stored state of a counter input.
func (d *DAQ) CounterState(name string) (CounterState, bool) {
	return d.counters.State(name)
}
