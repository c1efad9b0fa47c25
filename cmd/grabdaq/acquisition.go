package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/usnistgov/grabdaq"
	"github.com/usnistgov/grabdaq/internal/publish"
	"github.com/usnistgov/grabdaq/internal/record"
	"github.com/usnistgov/grabdaq/internal/runlog"
)

// acquisition runs the simulated DAQ and frame grabber side by side, polling
// both and passing what they return to the recorder and the publisher.
type acquisition struct {
	daq     *grabdaq.DAQ
	daqDrv  *grabdaq.SimDAQDriver
	fg      *grabdaq.FrameGrabber
	grabDrv *grabdaq.SimGrabberDriver
	opts    grabdaq.ReadOptions

	poll        time.Duration
	framePeriod time.Duration

	rec      *record.Recorder
	drops    *record.DropLog
	dropFile *os.File

	samplesOut *publish.Queue[*grabdaq.SampleBlock]
	framesOut  *publish.Queue[*grabdaq.ImageBatch]

	db      *runlog.Connection
	daqRun  *runlog.RunMessage
	grabRun *runlog.RunMessage
	stop    chan struct{} // ends the runlog and publisher goroutines

	samples int64
	frames  int64
	skipped int64
}

func newAcquisition(v *viper.Viper, useDAQ, useGrabber bool) (*acquisition, error) {
	a := &acquisition{
		poll:        v.GetDuration("poll"),
		framePeriod: v.GetDuration("simulate.frameperiod"),
		stop:        make(chan struct{}),
	}
	if a.poll <= 0 {
		a.poll = 20 * time.Millisecond
	}

	var rcfg runlog.Config
	if err := v.UnmarshalKey("runlog", &rcfg); err != nil {
		return nil, err
	}
	a.db = runlog.Dummy()
	if rcfg.Enable {
		a.db = runlog.Connect(rcfg)
		if !a.db.IsConnected() {
			grabdaq.ProblemLogger.Printf("Could not connect to run log database: %v", a.db.Err())
		}
	}
	a.db.Start(a.stop)

	if v.GetBool("publish.enable") {
		pub, err := publish.NewPublisher(v.GetString("publish.addr"))
		if err != nil {
			return nil, err
		}
		depth := v.GetInt("publish.queuedepth")
		a.samplesOut = publish.NewQueue[*grabdaq.SampleBlock](depth)
		a.framesOut = publish.NewQueue[*grabdaq.ImageBatch](depth)
		go publish.Run(pub, a.samplesOut.Out(), a.framesOut.Out(), a.stop)
		grabdaq.UpdateLogger.Printf("Publishing on %s", pub.Addr())
	}

	if v.GetBool("record.enable") {
		dir := v.GetString("record.dir")
		if strings.Contains(dir, "$HOME") {
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, err
			}
			dir = strings.Replace(dir, "$HOME", home, 1)
		}
		dir = filepath.Join(dir, time.Now().Format("20060102_150405"))
		rec, err := record.NewRecorder(dir)
		if err != nil {
			return nil, err
		}
		a.rec = rec
		if a.dropFile, err = os.Create(filepath.Join(dir, "drops.txt")); err != nil {
			return nil, err
		}
		a.drops = record.NewDropLog(a.dropFile, 1000, time.Second)
		grabdaq.UpdateLogger.Printf("Recording to %s", dir)
	}

	if useDAQ {
		cfg, err := grabdaq.ReadDAQConfig(v)
		if err != nil {
			return nil, err
		}
		a.daqDrv = grabdaq.NewSimDAQDriver()
		if a.daq, err = cfg.Build(a.daqDrv); err != nil {
			return nil, fmt.Errorf("configuring DAQ: %w", err)
		}
	}
	if useGrabber {
		cfg, err := grabdaq.ReadGrabberConfig(v)
		if err != nil {
			return nil, err
		}
		if a.opts, err = cfg.ReadOptions(); err != nil {
			return nil, err
		}
		a.grabDrv = grabdaq.NewSimGrabberDriver(cfg.DetectorWidth, cfg.DetectorHeight)
		if cfg.SharedMemory != "" {
			a.grabDrv.UseSharedMemory(cfg.SharedMemory)
		}
		if a.fg, err = cfg.Build(a.grabDrv); err != nil {
			return nil, fmt.Errorf("configuring frame grabber: %w", err)
		}
		a.fg.SetDropHandler(func(first, dropped int64) {
			a.skipped += dropped
			if a.drops != nil {
				a.drops.Record(first, dropped)
			}
		})
	}
	return a, nil
}

func (a *acquisition) start() error {
	if a.daq != nil {
		a.daqDrv.Run()
		if err := a.daq.Start(a.daq.AutoFlush, 0); err != nil {
			return err
		}
		clk := a.daq.Clock()
		a.daqRun = runlog.NewRunMessage("daq", fmt.Sprintf("%.6g Hz, columns %s", clk.Rate,
			strings.Join(a.daq.InputChannels(grabdaq.IncludeAll), ",")))
		a.db.RecordRun(a.daqRun)
	}
	if a.fg != nil {
		if err := a.fg.StartAcquisition(); err != nil {
			return err
		}
		period := a.framePeriod
		if period <= 0 {
			period = 2 * time.Millisecond
		}
		a.grabDrv.Run(period)
		rows, cols := a.fg.DataDimensions()
		mode, nframes, _ := a.fg.AcquisitionParameters()
		a.grabRun = runlog.NewRunMessage("grabber", fmt.Sprintf("%dx%d, merge %d, %v ring of %d",
			rows, cols, a.fg.FrameMerge(), mode, nframes))
		a.db.RecordRun(a.grabRun)
	}
	return nil
}

// run polls both devices until abort is closed.
func (a *acquisition) run(abort <-chan struct{}) error {
	if err := a.start(); err != nil {
		return err
	}
	ticker := time.NewTicker(a.poll)
	defer ticker.Stop()
	for {
		select {
		case <-abort:
			return a.readOnce()
		case <-ticker.C:
			if err := a.readOnce(); err != nil {
				return err
			}
		}
	}
}

func (a *acquisition) readOnce() error {
	if a.daq != nil {
		block, err := a.daq.Read(0, time.Second, grabdaq.IncludeAll)
		if err != nil {
			return err
		}
		a.samples += int64(block.Len())
		if a.rec != nil {
			if _, err := a.rec.RecordSamples(block); err != nil {
				return err
			}
		}
		if a.samplesOut != nil && block.Len() > 0 {
			a.samplesOut.In() <- block
		}
	}
	if a.fg != nil {
		batch, err := a.fg.ReadMultipleImages(nil, a.opts)
		if err != nil {
			return err
		}
		a.frames += int64(batch.Len())
		if a.rec != nil {
			if _, err := a.rec.RecordFrames(batch); err != nil {
				return err
			}
		}
		if a.framesOut != nil && batch.Len() > 0 {
			a.framesOut.In() <- batch
		}
	}
	return nil
}

func (a *acquisition) inspect() {
	if a.daqDrv != nil {
		a.daqDrv.InspectDriver()
	}
	if a.grabDrv != nil {
		a.grabDrv.InspectDriver()
	}
}

// close stops both devices, records the end of the runs and stops the
// background goroutines.
func (a *acquisition) close() {
	if a.daq != nil {
		if err := a.daq.Stop(); err != nil {
			grabdaq.ProblemLogger.Print(err)
		}
		a.db.FinishRun(a.daqRun, a.samples, 0)
	}
	if a.fg != nil {
		if err := a.fg.StopAcquisition(); err != nil {
			grabdaq.ProblemLogger.Print(err)
		}
		if status, err := a.fg.FramesStatus(); err == nil {
			a.skipped = status.Skipped
		}
		a.db.FinishRun(a.grabRun, a.frames, a.skipped)
		if err := a.fg.ClearAcquisition(); err != nil {
			grabdaq.ProblemLogger.Print(err)
		}
	}
	if a.drops != nil {
		a.drops.Close()
		a.dropFile.Close()
	}
	close(a.stop)
	a.db.Wait()
}

func (a *acquisition) summary() string {
	s := fmt.Sprintf("Acquired %d samples and %d frames; %d frames lost to ring overwrite", a.samples, a.frames, a.skipped)
	if a.samplesOut != nil {
		s += fmt.Sprintf("\nPublisher backlog peaked at %d sample blocks and %d frame batches; %d and %d dropped",
			a.samplesOut.Peak(), a.framesOut.Peak(), a.samplesOut.Dropped(), a.framesOut.Dropped())
	}
	if a.drops != nil && a.drops.Overflow() > 0 {
		s += fmt.Sprintf(" (%d loss events not logged)", a.drops.Overflow())
	}
	if a.rec != nil {
		s += fmt.Sprintf("\nWrote %d files to %s", len(a.rec.Files()), a.rec.Dir())
	}
	return s
}
