package grabdaq

import (
	"strings"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

const testConfig = `
daq:
  rate: 2000
  flushread: 2
  clockperiod: ctr3
  voltage:
    - {name: pd, terminal: ai0, min: -1, max: 1}
  counters:
    - {name: apd, terminal: ctr0, mode: diff}
    - {name: pmt, terminal: ctr1}
  digital:
    - {name: gate, terminal: port0/line0}
  digitaloutputs:
    - {name: shutter, terminal: port1/line0, initial: 1}
  voltageoutputs:
    - {name: bias, terminal: ao0, min: -5, max: 5, initial: 0.25}
grabber:
  detectorwidth: 16
  detectorheight: 4
  merge: 2
  roi: {hstart: 2, hend: 10}
  nframes: 10
  missing: zero
`

func readTestConfig(t *testing.T, text string) *viper.Viper {
	t.Helper()
	v := viper.New()
	SetDefaults(v)
	v.SetConfigType("yaml")
	if err := v.ReadConfig(strings.NewReader(text)); err != nil {
		t.Fatal(err)
	}
	return v
}

func TestDAQConfigBuild(t *testing.T) {
	v := readTestConfig(t, testConfig)
	cfg, err := ReadDAQConfig(v)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, 2000.0, cfg.Rate)
	assert.Equal(t, "ctr3", cfg.ClockPeriod)

	d, err := cfg.Build(NewSimDAQDriver())
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, 2, d.AutoFlush)
	assert.Equal(t, []string{"pd", "apd", "pmt", "gate", ClockPeriodName}, d.InputChannels(IncludeAll))
	pmt, _ := d.CounterState("pmt")
	assert.Equal(t, CounterRate, pmt.Mode, "counter without a mode should default to rate")
	apd, _ := d.CounterState("apd")
	assert.Equal(t, CounterDifferential, apd.Mode)
	assert.Equal(t, map[string]bool{"shutter": true}, d.DigitalOutputs())
	assert.Equal(t, map[string]float64{"bias": 0.25}, d.VoltageOutputs())

	cfg.Counters[0].Mode = "integral"
	if _, err := cfg.Build(NewSimDAQDriver()); err == nil {
		t.Error("Build with unknown counter mode succeeds, should fail")
	}
}

func TestDAQConfigDefaults(t *testing.T) {
	v := readTestConfig(t, "grabber:\n  merge: 1\n")
	cfg, err := ReadDAQConfig(v)
	assert.NoError(t, err)
	assert.Equal(t, 1000.0, cfg.Rate)
	assert.Equal(t, 1, cfg.FlushRead)
	d, err := cfg.Build(NewSimDAQDriver())
	assert.NoError(t, err)
	assert.Empty(t, d.InputChannels(IncludeAll&^IncludeClockPeriod))
}

func TestGrabberConfigBuild(t *testing.T) {
	v := readTestConfig(t, testConfig)
	cfg, err := ReadGrabberConfig(v)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, "sequence", cfg.Mode)
	opts, err := cfg.ReadOptions()
	assert.NoError(t, err)
	assert.Equal(t, ReadOptions{Missing: MissingZero}, opts)

	drv := NewSimGrabberDriver(cfg.DetectorWidth, cfg.DetectorHeight)
	fg, err := cfg.Build(drv)
	if err != nil {
		t.Fatal(err)
	}
	defer fg.ClearAcquisition()
	assert.Equal(t, 2, fg.FrameMerge())
	assert.Equal(t, ROI{HStart: 2, HEnd: 10, VStart: 0, VEnd: 4}, fg.ROI())
	mode, n, ok := fg.AcquisitionParameters()
	assert.Equal(t, AcqSequence, mode)
	assert.Equal(t, 10, n)
	assert.True(t, ok)

	cfg.Missing = "none"
	cfg.Chunked = true
	if _, err := cfg.Build(NewSimGrabberDriver(16, 4)); err == nil {
		t.Error("Build with none+chunked succeeds, should fail")
	}
	cfg.Chunked = false
	cfg.Mode = "burst"
	if _, err := cfg.Build(NewSimGrabberDriver(16, 4)); err == nil {
		t.Error("Build with unknown mode succeeds, should fail")
	}
}
