package grabdaq

import (
	"errors"
	"fmt"
	"math"
)

// BaseTickRate is the frequency (Hz) of the timebase counted by the
// clock-period counter.
const BaseTickRate = 20e6

// ClockConfig describes the one sample clock shared by all input channels.
type ClockConfig struct {
	Rate         float64 // samples per second; with an external Source, an upper bound on its rate
	Source       string  // external clock terminal; empty means the internal clock
	FiniteLength int     // samples per channel in finite mode; 0 means continuous
}

// Validate checks the clock settings.
func (c ClockConfig) Validate() error {
	if !(c.Rate > 0) || math.IsInf(c.Rate, 0) {
		return fmt.Errorf("clock rate %v must be positive: %w", c.Rate, ErrConfiguration)
	}
	if c.FiniteLength < 0 {
		return fmt.Errorf("finite length %d must be non-negative: %w", c.FiniteLength, ErrConfiguration)
	}
	return nil
}

// Finite tells whether the clock stops after FiniteLength samples.
func (c ClockConfig) Finite() bool {
	return c.FiniteLength > 0
}

// TimingTarget is anything that can put one input group on a sample clock.
// DAQDriver satisfies it.
type TimingTarget interface {
	ConfigureTiming(group string, cfg ClockConfig) error
}

// ClockDomain tracks the shared sample clock and keeps every registered input
// group on it. A reconfiguration reaches all groups or none of them.
type ClockDomain struct {
	cfg           ClockConfig
	target        TimingTarget
	groups        []string
	periodCounter bool
	baseRate      float64
}

// NewClockDomain creates a clock domain driving the given target.
func NewClockDomain(target TimingTarget, cfg ClockConfig) (*ClockDomain, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &ClockDomain{cfg: cfg, target: target, baseRate: BaseTickRate}, nil
}

// Config returns the active clock settings.
func (cd *ClockDomain) Config() ClockConfig {
	return cd.cfg
}

// Groups returns the registered input groups in registration order.
func (cd *ClockDomain) Groups() []string {
	return append([]string(nil), cd.groups...)
}

// Register adds an input group and puts it on the current clock. Registering
// the same group twice only reapplies the timing.
func (cd *ClockDomain) Register(group string) error {
	if err := cd.target.ConfigureTiming(group, cd.cfg); err != nil {
		return fmt.Errorf("ClockDomain.Register(%q): %w", group, err)
	}
	for _, g := range cd.groups {
		if g == group {
			return nil
		}
	}
	cd.groups = append(cd.groups, group)
	return nil
}

// Configure applies new clock settings to every registered group. If group k
// fails, groups 0..k-1 are put back on the previous settings and the domain
// keeps its previous config.
func (cd *ClockDomain) Configure(cfg ClockConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("ClockDomain.Configure: %w", err)
	}
	old := cd.cfg
	for k, g := range cd.groups {
		err := cd.target.ConfigureTiming(g, cfg)
		if err == nil {
			continue
		}
		err = fmt.Errorf("ClockDomain.Configure: group %q: %w", g, err)
		for _, done := range cd.groups[:k] {
			if rerr := cd.target.ConfigureTiming(done, old); rerr != nil {
				ProblemLogger.Printf("ClockDomain rollback of group %q failed: %v", done, rerr)
				err = errors.Join(err, fmt.Errorf("rollback of group %q: %w", done, rerr))
			}
		}
		return err
	}
	cd.cfg = cfg
	UpdateLogger.Printf("Sample clock set to %.6g Hz (source %q, finite length %d) on %d groups",
		cfg.Rate, cfg.Source, cfg.FiniteLength, len(cd.groups))
	return nil
}

// SetPeriodCounter says whether a dedicated counter measures each sample
// period in ticks of BaseTickRate.
func (cd *ClockDomain) SetPeriodCounter(enable bool) {
	cd.periodCounter = enable
}

// HasPeriodCounter tells whether periods come from a tick counter.
func (cd *ClockDomain) HasPeriodCounter() bool {
	return cd.periodCounter
}

// PeriodStream returns the sample period of each of the n samples of one read.
// With a period counter, ticks are its raw readings and last is the reading
// before ticks[0]; the new last reading is returned. Otherwise the period is
// 1/Rate for every sample.
func (cd *ClockDomain) PeriodStream(n int, ticks []uint32, last uint32) ([]float64, uint32, error) {
	if !cd.periodCounter {
		periods := make([]float64, n)
		p := 1 / cd.cfg.Rate
		for k := range periods {
			periods[k] = p
		}
		return periods, last, nil
	}
	if len(ticks) != n {
		return nil, last, fmt.Errorf("clock period counter has %d samples, want %d", len(ticks), n)
	}
	deltas, newLast := DiffCounts(ticks, last)
	for k := range deltas {
		deltas[k] /= cd.baseRate
	}
	return deltas, newLast, nil
}
