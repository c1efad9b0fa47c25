package grabdaq

import (
	"fmt"
	"math"
	"strings"
)

// CounterBits is the width of the hardware edge and tick counters.
const CounterBits = 32

const counterModulus = int64(1) << CounterBits

// CounterMode selects what a counter input channel reports.
type CounterMode int

// Counter output modes
const (
	CounterAccumulate   CounterMode = iota // raw cumulative count
	CounterDifferential                    // counts between consecutive samples
	CounterRate                            // differential counts divided by the sample period
)

func (m CounterMode) String() string {
	switch m {
	case CounterAccumulate:
		return "acc"
	case CounterDifferential:
		return "diff"
	case CounterRate:
		return "rate"
	}
	return fmt.Sprintf("CounterMode(%d)", int(m))
}

// ParseCounterMode converts "acc", "diff" or "rate" to a CounterMode.
func ParseCounterMode(s string) (CounterMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "acc", "accumulate":
		return CounterAccumulate, nil
	case "diff", "differential":
		return CounterDifferential, nil
	case "rate":
		return CounterRate, nil
	}
	return CounterAccumulate, fmt.Errorf("unknown counter mode %q: %w", s, ErrConfiguration)
}

// CounterState is the per-channel record carried between reads. LastRaw is
// always the last raw hardware value, never a corrected one.
type CounterState struct {
	LastRaw uint32
	Mode    CounterMode
}

// DiffCounts returns the per-sample count differences of raw, where the sample
// before raw[0] had value last. Each difference is reduced modulo 2^CounterBits,
// so a counter that wrapped between two samples (in this batch or between
// batches) still gives the true number of counts.
func DiffCounts(raw []uint32, last uint32) (deltas []float64, newLast uint32) {
	if len(raw) == 0 {
		return []float64{}, last
	}
	deltas = make([]float64, len(raw))
	prev := int64(last)
	for k, r := range raw {
		d := int64(r) - prev
		if d < 0 {
			d += counterModulus
		}
		deltas[k] = float64(d)
		prev = int64(r)
	}
	return deltas, raw[len(raw)-1]
}

// ConvertCounts turns one batch of raw counter readings into the channel's
// output stream. periods is the clock-period stream of the same batch and is
// used only in rate mode. The returned state is the one to store after the
// batch; state itself is not modified.
func ConvertCounts(raw []uint32, state CounterState, periods []float64) ([]float64, CounterState, error) {
	if len(raw) == 0 {
		return []float64{}, state, nil
	}
	next := state
	next.LastRaw = raw[len(raw)-1]

	switch state.Mode {
	case CounterAccumulate:
		out := make([]float64, len(raw))
		for k, r := range raw {
			out[k] = float64(r)
		}
		return out, next, nil

	case CounterDifferential:
		out, _ := DiffCounts(raw, state.LastRaw)
		return out, next, nil

	case CounterRate:
		if len(periods) != len(raw) {
			return nil, state, fmt.Errorf("rate conversion got %d periods for %d samples: %w",
				len(periods), len(raw), ErrConfiguration)
		}
		out, _ := DiffCounts(raw, state.LastRaw)
		for k, p := range periods {
			if p == 0 || math.IsNaN(p) || math.IsInf(p, 0) {
				return nil, state, fmt.Errorf("clock period %v at sample %d in rate mode: %w", p, k, ErrConfiguration)
			}
			out[k] /= p
		}
		return out, next, nil
	}
	return nil, state, fmt.Errorf("counter mode %v: %w", state.Mode, ErrConfiguration)
}

// SampleStreamAccountant owns the counter state of every counter input channel
// of one device and of the clock-period counter. Channels keep insertion order.
type SampleStreamAccountant struct {
	names  []string
	states []CounterState
	clock  CounterState
}

// NewSampleStreamAccountant creates an accountant with no channels.
func NewSampleStreamAccountant() *SampleStreamAccountant {
	return &SampleStreamAccountant{clock: CounterState{Mode: CounterDifferential}}
}

// AddChannel adds a counter channel, or changes the mode of an existing one
// while keeping its position. The channel state starts at zero.
func (a *SampleStreamAccountant) AddChannel(name string, mode CounterMode) {
	for i, n := range a.names {
		if n == name {
			a.states[i] = CounterState{Mode: mode}
			return
		}
	}
	a.names = append(a.names, name)
	a.states = append(a.states, CounterState{Mode: mode})
}

// Names returns the counter channel names in column order.
func (a *SampleStreamAccountant) Names() []string {
	return append([]string(nil), a.names...)
}

// State returns the stored state of the named channel.
func (a *SampleStreamAccountant) State(name string) (CounterState, bool) {
	for i, n := range a.names {
		if n == name {
			return a.states[i], true
		}
	}
	return CounterState{}, false
}

// ClockState returns the stored state of the clock-period tick counter.
func (a *SampleStreamAccountant) ClockState() CounterState {
	return a.clock
}

// Reset zeroes every stored raw value. The next differential sample of each
// channel then equals its counts since the hardware start.
func (a *SampleStreamAccountant) Reset() {
	for i := range a.states {
		a.states[i].LastRaw = 0
	}
	a.clock.LastRaw = 0
}

// Conversion is the result of converting one read batch. Nothing is stored in
// the accountant until Commit is called with it.
type Conversion struct {
	Counts  [][]float64 // one column per counter channel, in channel order
	Periods []float64   // clock period of each sample
	states  []CounterState
	clock   CounterState
}

// Convert processes one batch of n samples: raw holds one column per counter
// channel and ticks holds the raw clock-period counter column (nil when the
// clock has no period counter). Every column must have n entries. On any error
// no state is changed and no partial result is returned.
func (a *SampleStreamAccountant) Convert(n int, raw [][]uint32, ticks []uint32, clock *ClockDomain) (*Conversion, error) {
	if len(raw) != len(a.states) {
		return nil, fmt.Errorf("SampleStreamAccountant.Convert: %d counter columns for %d channels: %w",
			len(raw), len(a.states), ErrConfiguration)
	}
	if n < 0 {
		n = 0
	}
	for i, col := range raw {
		if len(col) != n {
			return nil, fmt.Errorf("SampleStreamAccountant.Convert: channel %q has %d samples, want %d",
				a.names[i], len(col), n)
		}
	}

	c := &Conversion{
		Counts: make([][]float64, len(raw)),
		states: make([]CounterState, len(raw)),
		clock:  a.clock,
	}
	if n == 0 {
		copy(c.states, a.states)
		for i := range c.Counts {
			c.Counts[i] = []float64{}
		}
		c.Periods = []float64{}
		return c, nil
	}

	if clock != nil {
		periods, last, err := clock.PeriodStream(n, ticks, a.clock.LastRaw)
		if err != nil {
			return nil, fmt.Errorf("SampleStreamAccountant.Convert: %w", err)
		}
		c.Periods = periods
		c.clock.LastRaw = last
	}
	for i, col := range raw {
		out, st, err := ConvertCounts(col, a.states[i], c.Periods)
		if err != nil {
			return nil, fmt.Errorf("SampleStreamAccountant.Convert: channel %q: %w", a.names[i], err)
		}
		c.Counts[i] = out
		c.states[i] = st
	}
	return c, nil
}

// Commit stores the counter states computed by Convert.
func (a *SampleStreamAccountant) Commit(c *Conversion) {
	if c == nil || len(c.states) != len(a.states) {
		return
	}
	copy(a.states, c.states)
	a.clock = c.clock
}
