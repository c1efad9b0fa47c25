package grabdaq

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func armedCounter(t *testing.T, capacity int64) *FrameCounter {
	t.Helper()
	fc := NewFrameCounter()
	if err := fc.Arm(capacity); err != nil {
		t.Fatal(err)
	}
	if err := fc.Start(); err != nil {
		t.Fatal(err)
	}
	return fc
}

func TestFrameCounterLifecycle(t *testing.T) {
	fc := NewFrameCounter()
	assert.Equal(t, RingIdle, fc.State())
	if err := fc.Start(); !errors.Is(err, ErrNoBuffers) {
		t.Errorf("Start on idle ring error %v, want ErrNoBuffers", err)
	}
	if err := fc.Arm(0); err == nil {
		t.Error("Arm(0) succeeds, should fail")
	}
	assert.NoError(t, fc.Arm(8))
	assert.Equal(t, RingArmed, fc.State())
	assert.NoError(t, fc.Start())
	if err := fc.Start(); err == nil {
		t.Error("second Start succeeds, should fail")
	}
	if err := fc.Arm(4); err == nil {
		t.Error("Arm while running succeeds, should fail")
	}
	fc.UpdateAcquired(3)
	fc.Stop()
	assert.Equal(t, RingStopped, fc.State())
	assert.Equal(t, int64(2), fc.LastAcquired(), "counters are frozen, not reset, by Stop")

	assert.NoError(t, fc.Start())
	assert.Equal(t, int64(-1), fc.LastAcquired())
	assert.Equal(t, int64(-1), fc.LastRead())
	fc.Teardown()
	assert.Equal(t, RingIdle, fc.State())
	assert.Equal(t, int64(0), fc.Capacity())
}

func TestFrameCounterOverwrite(t *testing.T) {
	fc := armedCounter(t, 8)

	fc.UpdateAcquired(5)
	rng := fc.NewFramesRange()
	assert.Equal(t, FrameRange{0, 5}, rng)
	trimmed, skipped := fc.TrimFramesRange(rng)
	assert.Equal(t, rng, trimmed)
	assert.Equal(t, int64(0), skipped)
	assert.NoError(t, fc.AdvanceReadFrames(trimmed, skipped))
	assert.Equal(t, int64(4), fc.LastRead())

	// Ten more frames: 5 and 6 are overwritten.
	fc.UpdateAcquired(15)
	rng = fc.NewFramesRange()
	assert.Equal(t, FrameRange{5, 15}, rng)
	trimmed, skipped = fc.TrimFramesRange(rng)
	assert.Equal(t, FrameRange{7, 15}, trimmed)
	assert.Equal(t, int64(2), skipped)
	assert.NoError(t, fc.AdvanceReadFrames(trimmed, skipped))
	assert.Equal(t, int64(14), fc.LastRead())
	assert.Equal(t, FramesStatus{Acquired: 15, Unread: 0, Skipped: 2, Capacity: 8}, fc.Status())

	// Entirely stale request
	trimmed, skipped = fc.TrimFramesRange(FrameRange{0, 3})
	assert.Equal(t, FrameRange{3, 3}, trimmed)
	assert.Equal(t, int64(3), skipped)
	assert.True(t, trimmed.Empty())
	assert.NoError(t, fc.AdvanceReadFrames(trimmed, skipped))
	assert.Equal(t, int64(14), fc.LastRead(), "stale read moved the read pointer")
	assert.Equal(t, int64(2), fc.Status().Skipped, "already read frames counted as skipped")
}

func TestTrimFramesRangeProperties(t *testing.T) {
	fc := armedCounter(t, 6)
	fc.UpdateAcquired(20)
	for first := int64(0); first < 25; first++ {
		for last := first; last < 25; last++ {
			req := FrameRange{first, last}
			a, sa := fc.TrimFramesRange(req)
			if a.Last < a.First {
				t.Errorf("TrimFramesRange(%v) = %v, Last < First", req, a)
			}
			if a.First < req.First || a.Last > req.Last {
				t.Errorf("TrimFramesRange(%v) = %v, not inside request", req, a)
			}
			if !a.Empty() && (a.First < 14 || a.Last > 20) {
				t.Errorf("TrimFramesRange(%v) = %v, outside ring [14,20)", req, a)
			}
			if sa != a.First-req.First {
				t.Errorf("TrimFramesRange(%v) skipped = %d, want %d", req, sa, a.First-req.First)
			}
			b, sb := fc.TrimFramesRange(a)
			if b != a || sb != 0 {
				t.Errorf("TrimFramesRange not idempotent on %v: got %v skipped %d", a, b, sb)
			}
		}
	}
}

func TestTrimBeforeRingFills(t *testing.T) {
	fc := armedCounter(t, 8)
	fc.UpdateAcquired(5)
	// Nothing is overwritten yet, so nothing is skipped.
	for _, req := range []FrameRange{{-3, 2}, {0, 5}, {1, 4}} {
		trimmed, skipped := fc.TrimFramesRange(req)
		assert.Equal(t, req, trimmed)
		assert.Equal(t, int64(0), skipped, "request %v", req)
	}
}

func TestAdvanceReadFrames(t *testing.T) {
	fc := armedCounter(t, 10)
	fc.UpdateAcquired(6)
	if err := fc.AdvanceReadFrames(FrameRange{2, 4}, 0); !errors.Is(err, ErrConfiguration) {
		t.Errorf("advance leaving a gap error %v, want ErrConfiguration", err)
	}
	if err := fc.AdvanceReadFrames(FrameRange{0, 7}, 0); err == nil {
		t.Error("advance beyond last acquired frame succeeds, should fail")
	}
	assert.Equal(t, int64(-1), fc.LastRead(), "failed advance changed the read pointer")

	assert.NoError(t, fc.AdvanceReadFrames(FrameRange{0, 3}, 0))
	assert.Equal(t, FrameRange{3, 6}, fc.NewFramesRange())
	// Rereading old frames never moves the pointer back.
	assert.NoError(t, fc.AdvanceReadFrames(FrameRange{1, 2}, 0))
	assert.Equal(t, int64(2), fc.LastRead())
	// Empty ranges in the future are allowed and do nothing.
	assert.NoError(t, fc.AdvanceReadFrames(FrameRange{9, 9}, 0))
	assert.Equal(t, int64(2), fc.LastRead())
}

func TestUpdateAcquiredBackwards(t *testing.T) {
	fc := armedCounter(t, 4)
	fc.UpdateAcquired(10)
	fc.UpdateAcquired(7)
	if fc.LastAcquired() != 9 {
		t.Errorf("LastAcquired after backwards count = %d, want 9", fc.LastAcquired())
	}
	fc.UpdateAcquired(11)
	assert.Equal(t, int64(10), fc.LastAcquired())
	assert.Equal(t, int64(4), fc.Status().Unread)
}

func TestFrameRange(t *testing.T) {
	assert.Equal(t, int64(0), FrameRange{5, 3}.Len())
	assert.True(t, FrameRange{4, 4}.Empty())
	assert.Equal(t, "[2,9)", FrameRange{2, 9}.String())
}
