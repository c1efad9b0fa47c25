package grabdaq

import "fmt"

// FrameRange is the half-open range of frame indices [First, Last).
type FrameRange struct {
	First int64
	Last  int64
}

// Len is the number of frames in the range (0 if empty).
func (r FrameRange) Len() int64 {
	if r.Last <= r.First {
		return 0
	}
	return r.Last - r.First
}

// Empty tells whether the range holds no frames.
func (r FrameRange) Empty() bool {
	return r.Len() == 0
}

func (r FrameRange) String() string {
	return fmt.Sprintf("[%d,%d)", r.First, r.Last)
}

// RingState is the lifecycle state of a frame ring.
type RingState int

// Ring lifecycle states
const (
	RingIdle    RingState = iota // no buffers
	RingArmed                    // buffers allocated, not acquiring
	RingRunning                  // acquiring
	RingStopped                  // acquisition stopped, counters frozen but readable
)

func (s RingState) String() string {
	switch s {
	case RingIdle:
		return "idle"
	case RingArmed:
		return "armed"
	case RingRunning:
		return "running"
	case RingStopped:
		return "stopped"
	}
	return fmt.Sprintf("RingState(%d)", int(s))
}

// FramesStatus summarizes the ring counters.
type FramesStatus struct {
	Acquired int64 // frames produced since the acquisition start
	Unread   int64 // frames not yet read that are still in the ring
	Skipped  int64 // frames lost to overwrite before they were read
	Capacity int64 // ring size in frames
}

// FrameCounter maps monotonically increasing frame indices onto a ring of
// fixed capacity. It records which indices the driver has produced and which
// the application has consumed. Frame i is readable while
// lastAcquired - i < capacity. It is not safe for concurrent use.
type FrameCounter struct {
	lastAcquired int64
	lastRead     int64
	capacity     int64
	skipped      int64
	state        RingState
}

// NewFrameCounter returns an idle counter.
func NewFrameCounter() *FrameCounter {
	return &FrameCounter{lastAcquired: -1, lastRead: -1}
}

func (fc *FrameCounter) reset(capacity int64) {
	fc.lastAcquired = -1
	fc.lastRead = -1
	fc.skipped = 0
	fc.capacity = capacity
}

// Arm records a newly allocated ring of the given capacity.
func (fc *FrameCounter) Arm(capacity int64) error {
	if capacity <= 0 {
		return fmt.Errorf("FrameCounter.Arm(%d): capacity must be positive: %w", capacity, ErrConfiguration)
	}
	if fc.state == RingRunning {
		return fmt.Errorf("FrameCounter.Arm: ring is running: %w", ErrConfiguration)
	}
	fc.reset(capacity)
	fc.state = RingArmed
	return nil
}

// Start begins an acquisition: both counters go back to -1.
func (fc *FrameCounter) Start() error {
	switch fc.state {
	case RingArmed, RingStopped:
		fc.reset(fc.capacity)
		fc.state = RingRunning
		return nil
	case RingRunning:
		return fmt.Errorf("FrameCounter.Start: already running: %w", ErrConfiguration)
	}
	return fmt.Errorf("FrameCounter.Start: %w", ErrNoBuffers)
}

// Stop freezes the counters. Stopping a ring that is not running does nothing.
func (fc *FrameCounter) Stop() {
	if fc.state == RingRunning {
		fc.state = RingStopped
	}
}

// Teardown forgets the ring.
func (fc *FrameCounter) Teardown() {
	fc.reset(0)
	fc.state = RingIdle
}

// State returns the lifecycle state.
func (fc *FrameCounter) State() RingState {
	return fc.state
}

// Capacity is the ring size in frames.
func (fc *FrameCounter) Capacity() int64 {
	return fc.capacity
}

// LastAcquired is the index of the newest frame produced by the driver.
func (fc *FrameCounter) LastAcquired() int64 {
	return fc.lastAcquired
}

// LastRead is the index of the newest frame consumed.
func (fc *FrameCounter) LastRead() int64 {
	return fc.lastRead
}

// UpdateAcquired records the driver's count of produced frames. A count lower
// than the recorded one means the driver restarted behind our back; it is
// logged as data loss and the larger value is kept.
func (fc *FrameCounter) UpdateAcquired(count int64) {
	if count-1 < fc.lastAcquired {
		ProblemLogger.Printf("FrameCounter: driver frame count went backwards from %d to %d",
			fc.lastAcquired+1, count)
		return
	}
	fc.lastAcquired = count - 1
}

// NewFramesRange is the range of frames produced but not yet read.
func (fc *FrameCounter) NewFramesRange() FrameRange {
	return FrameRange{First: fc.lastRead + 1, Last: fc.lastAcquired + 1}
}

// oldestValid is the oldest frame index not yet overwritten. Before the ring
// has filled it is negative.
func (fc *FrameCounter) oldestValid() int64 {
	return fc.lastAcquired - fc.capacity + 1
}

// TrimFramesRange clips req to the frames still held in the ring. skipped is
// the number of requested frames at the start of req lost to overwrite.
// The result never has Last < First.
func (fc *FrameCounter) TrimFramesRange(req FrameRange) (trimmed FrameRange, skipped int64) {
	first := req.First
	if oldest := fc.oldestValid(); first < oldest {
		first = oldest
	}
	if first > req.Last {
		first = req.Last
	}
	last := req.Last
	if last > fc.lastAcquired+1 {
		last = fc.lastAcquired + 1
	}
	if last < first {
		last = first
	}
	skipped = first - req.First
	if skipped < 0 {
		skipped = 0
	}
	return FrameRange{First: first, Last: last}, skipped
}

// CheckAdvance reports whether AdvanceReadFrames(rng, skipped) would be
// accepted, without changing anything.
func (fc *FrameCounter) CheckAdvance(rng FrameRange, skipped int64) error {
	if rng.Empty() && skipped == 0 {
		return nil
	}
	if rng.First-skipped > fc.lastRead+1 {
		return fmt.Errorf("FrameCounter.CheckAdvance(%v, skipped=%d): gap after last read frame %d: %w",
			rng, skipped, fc.lastRead, ErrConfiguration)
	}
	if rng.Last-1 > fc.lastAcquired {
		return fmt.Errorf("FrameCounter.CheckAdvance(%v): beyond last acquired frame %d: %w",
			rng, fc.lastAcquired, ErrConfiguration)
	}
	return nil
}

// AdvanceReadFrames marks rng as consumed. skipped frames before rng.First
// must have been reported by TrimFramesRange; any other gap between the last
// read frame and rng is an error.
func (fc *FrameCounter) AdvanceReadFrames(rng FrameRange, skipped int64) error {
	if err := fc.CheckAdvance(rng, skipped); err != nil {
		return err
	}
	// Only count lost frames that were never read before.
	lostFrom := rng.First - skipped
	if lostFrom < fc.lastRead+1 {
		lostFrom = fc.lastRead + 1
	}
	if lost := rng.First - lostFrom; lost > 0 {
		fc.skipped += lost
	}
	if rng.Last-1 > fc.lastRead {
		fc.lastRead = rng.Last - 1
	}
	return nil
}

// Status summarizes the counters.
func (fc *FrameCounter) Status() FramesStatus {
	unread, _ := fc.TrimFramesRange(fc.NewFramesRange())
	return FramesStatus{
		Acquired: fc.lastAcquired + 1,
		Unread:   unread.Len(),
		Skipped:  fc.skipped,
		Capacity: fc.capacity,
	}
}
