package grabdaq

import (
	"fmt"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/usnistgov/grabdaq/getbytes"
	"github.com/usnistgov/grabdaq/ringbuffer"
)

// SimPixel is the value the simulated grabber writes at column col of the
// line-th sensor line since the acquisition start.
func SimPixel(line int64, col int) uint16 {
	return uint16(line*3 + int64(col))
}

// SimGrabberDriver is a drop-in replacement for a line-scan frame grabber
// (implements GrabberDriver) that requires no hardware. Each filled ring cell
// holds Window().Height consecutive sensor lines. Cells are filled by Grab, or
// periodically after Run.
type SimGrabberDriver struct {
	width, height int
	bpp           int
	shmName       string

	sync.Mutex
	window  Window
	ring    *ringbuffer.SlotRing
	running bool
	limit   int64
	grabbed int64
	notify  chan struct{}
	stop    chan struct{}
}

// NewSimGrabberDriver returns a simulated grabber with a 16-bit sensor of the
// given size.
func NewSimGrabberDriver(width, height int) *SimGrabberDriver {
	if width <= 0 || height <= 0 {
		panic(fmt.Sprintf("NewSimGrabberDriver(%d, %d): sensor size must be positive", width, height))
	}
	return &SimGrabberDriver{width: width, height: height, bpp: 2,
		window: Window{Width: width, Height: height}, notify: make(chan struct{})}
}

// UseSharedMemory makes later rings live in the named shared memory region.
func (s *SimGrabberDriver) UseSharedMemory(name string) {
	s.Lock()
	defer s.Unlock()
	s.shmName = name
}

// DetectorSize returns the sensor size.
func (s *SimGrabberDriver) DetectorSize() (int, int) {
	return s.width, s.height
}

// BytesPerPixel is 2.
func (s *SimGrabberDriver) BytesPerPixel() int {
	return s.bpp
}

// SetWindow accepts any window whose width and horizontal offset fit the sensor.
func (s *SimGrabberDriver) SetWindow(w Window) error {
	if w.Width <= 0 || w.Height <= 0 || w.XOffset < 0 || w.YOffset < 0 || w.XOffset+w.Width > s.width {
		return fmt.Errorf("SimGrabberDriver.SetWindow(%+v): outside %dx%d sensor", w, s.width, s.height)
	}
	s.Lock()
	defer s.Unlock()
	if s.running {
		return fmt.Errorf("SimGrabberDriver.SetWindow: acquisition running")
	}
	s.window = w
	return nil
}

// Window returns the transfer window.
func (s *SimGrabberDriver) Window() Window {
	s.Lock()
	defer s.Unlock()
	return s.window
}

// AllocateRing creates a heap or shared-memory ring.
func (s *SimGrabberDriver) AllocateRing(cells, cellSize int) (RingHandle, error) {
	s.Lock()
	defer s.Unlock()
	if s.ring != nil {
		return nil, fmt.Errorf("SimGrabberDriver.AllocateRing: a ring is already allocated")
	}
	var ring *ringbuffer.SlotRing
	var err error
	if s.shmName != "" {
		ring, err = ringbuffer.NewSharedSlotRing(s.shmName, cells, cellSize)
	} else {
		ring, err = ringbuffer.NewSlotRing(cells, cellSize)
	}
	if err != nil {
		return nil, err
	}
	s.ring = ring
	return ring, nil
}

// FreeRing releases the ring.
func (s *SimGrabberDriver) FreeRing(ring RingHandle) error {
	s.Lock()
	defer s.Unlock()
	if s.ring == nil || RingHandle(s.ring) != ring {
		return fmt.Errorf("SimGrabberDriver.FreeRing: unknown ring")
	}
	if s.running {
		return fmt.Errorf("SimGrabberDriver.FreeRing: acquisition running")
	}
	err := s.ring.Close()
	s.ring = nil
	return err
}

// StartSession starts filling ring; ncells <= 0 means no limit.
func (s *SimGrabberDriver) StartSession(ring RingHandle, ncells int) error {
	s.Lock()
	defer s.Unlock()
	if s.ring == nil || RingHandle(s.ring) != ring {
		return fmt.Errorf("SimGrabberDriver.StartSession: unknown ring")
	}
	if s.running {
		return fmt.Errorf("SimGrabberDriver.StartSession: already started")
	}
	s.running = true
	s.grabbed = 0
	s.limit = int64(ncells)
	return nil
}

// StopSession stops filling. Stopping a stopped session does nothing.
func (s *SimGrabberDriver) StopSession() error {
	s.Lock()
	defer s.Unlock()
	if !s.running {
		return nil
	}
	s.running = false
	if s.stop != nil {
		close(s.stop)
		s.stop = nil
	}
	return nil
}

// FrameCount returns the cells filled since the session start.
func (s *SimGrabberDriver) FrameCount() (int64, error) {
	s.Lock()
	defer s.Unlock()
	return s.grabbed, nil
}

// Grab fills up to n more cells and returns how many were filled.
func (s *SimGrabberDriver) Grab(n int) int {
	s.Lock()
	defer s.Unlock()
	if !s.running {
		return 0
	}
	done := 0
	for ; done < n; done++ {
		if s.limit > 0 && s.grabbed >= s.limit {
			break
		}
		s.fillCell(s.grabbed)
		s.grabbed++
	}
	if done > 0 {
		close(s.notify)
		s.notify = make(chan struct{})
	}
	return done
}

func (s *SimGrabberDriver) fillCell(cell int64) {
	w := s.window
	pixels := make([]uint16, w.Width*w.Height)
	for r := 0; r < w.Height; r++ {
		line := cell*int64(w.Height) + int64(r)
		for c := 0; c < w.Width; c++ {
			pixels[r*w.Width+c] = SimPixel(line, w.XOffset+c)
		}
	}
	copy(s.ring.Cell(cell), getbytes.FromSliceUint16(pixels))
}

// Run grabs one cell per period until the session stops.
func (s *SimGrabberDriver) Run(period time.Duration) {
	s.Lock()
	if !s.running || s.stop != nil {
		s.Unlock()
		return
	}
	stop := make(chan struct{})
	s.stop = stop
	s.Unlock()

	go func() {
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.Grab(1)
			}
		}
	}()
}

// WaitFrame waits until cell idx is filled. It returns false on timeout.
func (s *SimGrabberDriver) WaitFrame(idx int64, timeout time.Duration) (bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		s.Lock()
		if s.grabbed > idx {
			s.Unlock()
			return true, nil
		}
		if !s.running {
			s.Unlock()
			return false, nil
		}
		notify := s.notify
		s.Unlock()
		select {
		case <-notify:
		case <-timer.C:
			return false, nil
		}
	}
}

// InspectDriver prints the simulated driver state.
func (s *SimGrabberDriver) InspectDriver() {
	s.Lock()
	defer s.Unlock()
	spew.Dump(s.window, s.running, s.grabbed, s.limit)
}
