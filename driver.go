package grabdaq

import (
	"fmt"
	"time"

	"github.com/usnistgov/grabdaq/ringbuffer"
)

// Role is the kind of a DAQ channel.
type Role int

// Channel roles
const (
	VoltageIn Role = iota
	CounterIn
	DigitalIn
	VoltageOut
	DigitalOut
	ClockPeriodIn // counter measuring each sample clock period
)

func (r Role) String() string {
	switch r {
	case VoltageIn:
		return "voltage input"
	case CounterIn:
		return "counter input"
	case DigitalIn:
		return "digital input"
	case VoltageOut:
		return "voltage output"
	case DigitalOut:
		return "digital output"
	case ClockPeriodIn:
		return "clock period input"
	}
	return fmt.Sprintf("Role(%d)", int(r))
}

// Driver channel groups. Every input group is read with one driver call and
// runs on the shared sample clock.
const (
	GroupVoltage     = "ai"
	GroupCounter     = "ci"
	GroupDigital     = "di"
	GroupClockPeriod = "cpi"
)

// group names the driver group of an input role.
func (r Role) group() string {
	switch r {
	case VoltageIn:
		return GroupVoltage
	case CounterIn:
		return GroupCounter
	case DigitalIn:
		return GroupDigital
	case ClockPeriodIn:
		return GroupClockPeriod
	}
	return ""
}

// VoltageRange is the input or output range of a voltage channel, in volts.
type VoltageRange struct {
	Min float64
	Max float64
}

// Channel describes one physical DAQ channel.
type Channel struct {
	Name     string
	Terminal string
	Role     Role
	Mode     CounterMode  // counter inputs only
	Range    VoltageRange // voltage channels only
}

// DAQDriver is the native session of a synchronized DAQ device. Read calls
// return one column per channel of the group, in the order the channels were
// added. StopSession on a stopped session is a no-op.
type DAQDriver interface {
	TimingTarget
	AddChannel(ch Channel) error
	StartSession(finite int) error
	StopSession() error
	AvailableSamples() (int, error)
	ReadAnalog(group string, n int, timeout time.Duration) ([][]float64, error)
	ReadCounts(group string, n int, timeout time.Duration) ([][]uint32, error)
	WriteDigital(values map[string]bool) error
	WriteVoltage(values map[string]float64) error
}

// Window is the region of the sensor that a frame grabber transfers, in
// pixels. Height is the height of one ring cell, so it includes the merge factor.
type Window struct {
	XOffset int
	YOffset int
	Width   int
	Height  int
}

// RingHandle is a ring of native buffer cells owned by a grabber driver.
type RingHandle interface {
	Cells() int
	CellSize() int
	Cell(i int64) []byte
	Spans(first int64, n int) []ringbuffer.Span
	Bytes(sp ringbuffer.Span) []byte
}

// GrabberDriver is the native session of a frame grabber. FrameCount counts
// ring cells filled since StartSession and never decreases while running.
type GrabberDriver interface {
	DetectorSize() (width, height int)
	SetWindow(w Window) error
	Window() Window
	BytesPerPixel() int
	AllocateRing(cells, cellSize int) (RingHandle, error)
	FreeRing(ring RingHandle) error
	StartSession(ring RingHandle, ncells int) error
	StopSession() error
	FrameCount() (int64, error)
	WaitFrame(idx int64, timeout time.Duration) (bool, error)
}
