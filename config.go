package grabdaq

import (
	"fmt"

	"github.com/spf13/viper"
)

// InputConfig configures one DAQ input or output channel.
type InputConfig struct {
	Name     string
	Terminal string
	Mode     string  // counter inputs: "acc", "diff" or "rate"
	Min      float64 // voltage channels: range in volts
	Max      float64
	Initial  float64 // outputs: value set when added (nonzero means true for digital)
}

// DAQConfig is the "daq" section of the configuration file.
type DAQConfig struct {
	Rate           float64
	ClockSource    string
	FlushRead      int
	ClockPeriod    string // terminal of the clock period counter, "" for none
	Voltage        []InputConfig
	Counters       []InputConfig
	Digital        []InputConfig
	DigitalOutputs []InputConfig
	VoltageOutputs []InputConfig
}

// GrabberConfig is the "grabber" section of the configuration file.
type GrabberConfig struct {
	DetectorWidth  int
	DetectorHeight int
	SharedMemory   string // shm name for the frame ring, "" for a heap ring
	Merge          int
	ROI            ROI
	Mode           string // "sequence" or "snap"
	NFrames        int
	Missing        string // "skip", "none" or "zero"
	Chunked        bool
}

// SetDefaults registers default values for the daq and grabber sections.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("daq.rate", 1000.0)
	v.SetDefault("daq.flushread", 1)
	v.SetDefault("grabber.detectorwidth", 512)
	v.SetDefault("grabber.detectorheight", 64)
	v.SetDefault("grabber.merge", 1)
	v.SetDefault("grabber.mode", "sequence")
	v.SetDefault("grabber.nframes", 100)
	v.SetDefault("grabber.missing", "skip")
}

// ReadDAQConfig unmarshals the "daq" section.
func ReadDAQConfig(v *viper.Viper) (DAQConfig, error) {
	var cfg DAQConfig
	if err := v.UnmarshalKey("daq", &cfg); err != nil {
		return cfg, fmt.Errorf("reading daq configuration: %w", err)
	}
	// UnmarshalKey ignores defaults of keys missing from a present section.
	cfg.Rate = v.GetFloat64("daq.rate")
	cfg.FlushRead = v.GetInt("daq.flushread")
	return cfg, nil
}

// ReadGrabberConfig unmarshals the "grabber" section.
func ReadGrabberConfig(v *viper.Viper) (GrabberConfig, error) {
	var cfg GrabberConfig
	if err := v.UnmarshalKey("grabber", &cfg); err != nil {
		return cfg, fmt.Errorf("reading grabber configuration: %w", err)
	}
	cfg.DetectorWidth = v.GetInt("grabber.detectorwidth")
	cfg.DetectorHeight = v.GetInt("grabber.detectorheight")
	cfg.Merge = v.GetInt("grabber.merge")
	cfg.Mode = v.GetString("grabber.mode")
	cfg.NFrames = v.GetInt("grabber.nframes")
	cfg.Missing = v.GetString("grabber.missing")
	return cfg, nil
}

// Build creates a DAQ on driver with the configured clock and channels.
func (c DAQConfig) Build(driver DAQDriver) (*DAQ, error) {
	d, err := NewDAQ(driver, ClockConfig{Rate: c.Rate, Source: c.ClockSource})
	if err != nil {
		return nil, err
	}
	d.AutoFlush = c.FlushRead
	for _, ch := range c.Voltage {
		if err := d.AddVoltageInput(ch.Name, ch.Terminal, VoltageRange{Min: ch.Min, Max: ch.Max}); err != nil {
			return nil, err
		}
	}
	for _, ch := range c.Counters {
		mode, err := ParseCounterMode(ch.Mode)
		if ch.Mode == "" {
			mode, err = CounterRate, nil
		}
		if err != nil {
			return nil, fmt.Errorf("counter %q: %w", ch.Name, err)
		}
		if err := d.AddCounterInput(ch.Name, ch.Terminal, mode); err != nil {
			return nil, err
		}
	}
	for _, ch := range c.Digital {
		if err := d.AddDigitalInput(ch.Name, ch.Terminal); err != nil {
			return nil, err
		}
	}
	if c.ClockPeriod != "" {
		if err := d.AddClockPeriodInput(c.ClockPeriod); err != nil {
			return nil, err
		}
	}
	for _, ch := range c.DigitalOutputs {
		if err := d.AddDigitalOutput(ch.Name, ch.Terminal, ch.Initial != 0); err != nil {
			return nil, err
		}
	}
	for _, ch := range c.VoltageOutputs {
		if err := d.AddVoltageOutput(ch.Name, ch.Terminal, VoltageRange{Min: ch.Min, Max: ch.Max}, ch.Initial); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// ReadOptions returns the configured missing-frame handling.
func (c GrabberConfig) ReadOptions() (ReadOptions, error) {
	missing, err := ParseMissingFramePolicy(c.Missing)
	if err != nil {
		return ReadOptions{}, err
	}
	opts := ReadOptions{Missing: missing, Chunked: c.Chunked}
	return opts, opts.Validate()
}

// Build creates a frame grabber on driver with the configured merge factor
// and ROI, and sets up its acquisition.
func (c GrabberConfig) Build(driver GrabberDriver) (*FrameGrabber, error) {
	if _, err := c.ReadOptions(); err != nil {
		return nil, err
	}
	mode, err := ParseAcquisitionMode(c.Mode)
	if err != nil {
		return nil, err
	}
	fg := NewFrameGrabber(driver)
	merge := c.Merge
	if merge == 0 {
		merge = 1
	}
	if err := fg.SetFrameMerge(merge); err != nil {
		return nil, err
	}
	if _, err := fg.SetROI(c.ROI); err != nil {
		return nil, err
	}
	if err := fg.SetupAcquisition(mode, c.NFrames); err != nil {
		return nil, err
	}
	return fg, nil
}
