package grabdaq

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

// scriptedTarget fails ConfigureTiming for chosen (group, rate) pairs.
type scriptedTarget struct {
	applied map[string]ClockConfig
	fail    map[string]float64
}

func (st *scriptedTarget) ConfigureTiming(group string, cfg ClockConfig) error {
	if rate, ok := st.fail[group]; ok && rate == cfg.Rate {
		return errors.New(group + " refused")
	}
	st.applied[group] = cfg
	return nil
}

func TestClockConfigValidate(t *testing.T) {
	bad := []ClockConfig{{Rate: 0}, {Rate: -1}, {Rate: 100, FiniteLength: -1}}
	for _, c := range bad {
		if err := c.Validate(); !errors.Is(err, ErrConfiguration) {
			t.Errorf("%+v.Validate() = %v, want ErrConfiguration", c, err)
		}
	}
	assert.NoError(t, ClockConfig{Rate: 100}.Validate())
	assert.False(t, ClockConfig{Rate: 100}.Finite())
	assert.True(t, ClockConfig{Rate: 100, FiniteLength: 5}.Finite())
	if _, err := NewClockDomain(NewSimDAQDriver(), ClockConfig{}); err == nil {
		t.Error("NewClockDomain with zero rate succeeds, should fail")
	}
}

func TestClockDomainConfigure(t *testing.T) {
	drv := NewSimDAQDriver()
	cd, err := NewClockDomain(drv, ClockConfig{Rate: 1000})
	if err != nil {
		t.Fatal(err)
	}
	for _, g := range []string{GroupVoltage, GroupCounter, GroupDigital, GroupVoltage} {
		assert.NoError(t, cd.Register(g))
	}
	assert.Equal(t, []string{GroupVoltage, GroupCounter, GroupDigital}, cd.Groups())

	assert.NoError(t, cd.Configure(ClockConfig{Rate: 2000, Source: "PFI0"}))
	for _, g := range cd.Groups() {
		assert.Equal(t, ClockConfig{Rate: 2000, Source: "PFI0"}, drv.Timing(g), "group %s", g)
	}

	refused := errors.New("digital timing refused")
	drv.FailTiming[GroupDigital] = refused
	err = cd.Configure(ClockConfig{Rate: 5000})
	if !errors.Is(err, refused) {
		t.Errorf("Configure error %v, want %v", err, refused)
	}
	assert.Equal(t, 2000.0, cd.Config().Rate)
	for _, g := range []string{GroupVoltage, GroupCounter} {
		if got := drv.Timing(g).Rate; got != 2000 {
			t.Errorf("group %s rate after failed Configure = %v, want 2000", g, got)
		}
	}
	if err := cd.Register(GroupDigital); err == nil {
		t.Error("Register of a failing group succeeds, should fail")
	}
	if err := cd.Configure(ClockConfig{Rate: -5}); err == nil {
		t.Error("Configure with negative rate succeeds, should fail")
	}
}

func TestClockDomainRollbackFailure(t *testing.T) {
	target := &scriptedTarget{applied: make(map[string]ClockConfig), fail: make(map[string]float64)}
	cd, _ := NewClockDomain(target, ClockConfig{Rate: 1000})
	cd.Register("ai")
	cd.Register("ci")
	cd.Register("di")
	target.fail["di"] = 3000
	target.fail["ai"] = 1000

	err := cd.Configure(ClockConfig{Rate: 3000})
	if err == nil {
		t.Fatal("Configure succeeds, should fail")
	}
	msg := err.Error()
	assert.True(t, strings.Contains(msg, "di refused"), msg)
	assert.True(t, strings.Contains(msg, "rollback of group \"ai\""), msg)
	assert.Equal(t, 1000.0, target.applied["ci"].Rate, "ci was not rolled back")
	assert.Equal(t, 1000.0, cd.Config().Rate)
}

func TestPeriodStream(t *testing.T) {
	cd, _ := NewClockDomain(NewSimDAQDriver(), ClockConfig{Rate: 250})
	periods, last, err := cd.PeriodStream(3, nil, 17)
	assert.NoError(t, err)
	assert.Equal(t, []float64{0.004, 0.004, 0.004}, periods)
	assert.Equal(t, uint32(17), last)

	cd.SetPeriodCounter(true)
	assert.True(t, cd.HasPeriodCounter())
	// 20000 ticks per sample, wrapping after the first reading.
	ticks := []uint32{10000, 30000, 50000}
	periods, last, err = cd.PeriodStream(3, ticks, 0xffffffff-9999)
	assert.NoError(t, err)
	assert.Equal(t, uint32(50000), last)
	for k, p := range periods {
		if p != 1e-3 {
			t.Errorf("period[%d] = %v, want 1e-3", k, p)
		}
	}
	if _, _, err := cd.PeriodStream(4, ticks, 0); err == nil {
		t.Error("PeriodStream with too few ticks succeeds, should fail")
	}
}
