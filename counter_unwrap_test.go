package grabdaq

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseCounterMode(t *testing.T) {
	for _, m := range []CounterMode{CounterAccumulate, CounterDifferential, CounterRate} {
		got, err := ParseCounterMode(m.String())
		if err != nil || got != m {
			t.Errorf("ParseCounterMode(%q) = (%v, %v), want (%v, nil)", m.String(), got, err, m)
		}
	}
	if _, err := ParseCounterMode("derivative"); !errors.Is(err, ErrConfiguration) {
		t.Errorf("ParseCounterMode(\"derivative\") error %v, want ErrConfiguration", err)
	}
}

func TestDiffCountsWrap(t *testing.T) {
	raw := []uint32{0xfffffff0, 0xfffffffe, 3, 10}
	deltas, last := DiffCounts(raw, 0xffffffe0)
	want := []float64{16, 14, 5, 7}
	assert.Equal(t, want, deltas)
	assert.Equal(t, uint32(10), last)

	deltas, last = DiffCounts(nil, 55)
	assert.Empty(t, deltas)
	assert.Equal(t, uint32(55), last)
}

// trueCounts returns cumulative counts that cross 2^32 partway through, and
// their raw 32-bit readings.
func trueCounts(n int) ([]int64, []uint32) {
	counts := make([]int64, n)
	raw := make([]uint32, n)
	c := int64(1)<<32 - 500
	for i := range counts {
		c += int64(7 + 3*(i%11))
		counts[i] = c
		raw[i] = uint32(c % counterModulus)
	}
	return counts, raw
}

func TestBatchSplitInvariance(t *testing.T) {
	const n = 100
	counts, raw := trueCounts(n)
	first := CounterState{LastRaw: uint32((counts[0] - 10) % counterModulus), Mode: CounterDifferential}

	whole, st, err := ConvertCounts(raw, first, nil)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, raw[n-1], st.LastRaw)
	assert.Equal(t, float64(10), whole[0])
	for k := 1; k < n; k++ {
		if want := float64(counts[k] - counts[k-1]); whole[k] != want {
			t.Errorf("delta[%d] = %v, want %v", k, whole[k], want)
		}
	}

	for _, split := range []int{1, 3, 10, 33, 99} {
		state := first
		var pieces []float64
		for start := 0; start < n; start += split {
			end := min(start+split, n)
			out, next, err := ConvertCounts(raw[start:end], state, nil)
			if err != nil {
				t.Fatal(err)
			}
			pieces = append(pieces, out...)
			state = next
		}
		assert.Equal(t, whole, pieces, "batches of %d differ from one batch", split)
		assert.Equal(t, st, state)
	}
}

func TestRateIsDiffOverPeriod(t *testing.T) {
	_, raw := trueCounts(20)
	periods := make([]float64, len(raw))
	for i := range periods {
		periods[i] = 1e-3 * float64(1+i%4)
	}
	diff, _, err := ConvertCounts(raw, CounterState{Mode: CounterDifferential, LastRaw: raw[0] - 5}, periods)
	assert.NoError(t, err)
	rate, st, err := ConvertCounts(raw, CounterState{Mode: CounterRate, LastRaw: raw[0] - 5}, periods)
	assert.NoError(t, err)
	assert.Equal(t, CounterRate, st.Mode)
	for k := range rate {
		assert.InDelta(t, diff[k]/periods[k], rate[k], 1e-9)
	}

	periods[7] = 0
	state := CounterState{Mode: CounterRate, LastRaw: 123}
	_, got, err := ConvertCounts(raw, state, periods)
	if !errors.Is(err, ErrConfiguration) {
		t.Errorf("zero period error %v, want ErrConfiguration", err)
	}
	assert.Equal(t, state, got)
	if _, _, err := ConvertCounts(raw, state, periods[:3]); !errors.Is(err, ErrConfiguration) {
		t.Errorf("short period stream error %v, want ErrConfiguration", err)
	}
}

func TestAccumulateAndEmpty(t *testing.T) {
	raw := []uint32{5, 9, 2}
	out, st, err := ConvertCounts(raw, CounterState{Mode: CounterAccumulate, LastRaw: 1}, nil)
	assert.NoError(t, err)
	assert.Equal(t, []float64{5, 9, 2}, out)
	assert.Equal(t, uint32(2), st.LastRaw)

	state := CounterState{Mode: CounterRate, LastRaw: 77}
	out, st, err = ConvertCounts(nil, state, nil)
	assert.NoError(t, err)
	assert.Empty(t, out)
	assert.Equal(t, state, st)
}

func TestAccountantFirstSampleAfterReset(t *testing.T) {
	a := NewSampleStreamAccountant()
	a.AddChannel("photons", CounterDifferential)
	a.AddChannel("trigger", CounterAccumulate)
	a.AddChannel("photons", CounterRate) // replaced in place
	assert.Equal(t, []string{"photons", "trigger"}, a.Names())

	clock, _ := NewClockDomain(NewSimDAQDriver(), ClockConfig{Rate: 100})
	conv, err := a.Convert(3, [][]uint32{{40, 50, 70}, {1, 2, 3}}, nil, clock)
	if err != nil {
		t.Fatal(err)
	}
	// First sample after a reset counts from zero.
	assert.InDeltaSlice(t, []float64{4000, 1000, 2000}, conv.Counts[0], 1e-9)
	assert.Equal(t, []float64{1, 2, 3}, conv.Counts[1])

	st, _ := a.State("photons")
	assert.Equal(t, uint32(0), st.LastRaw, "state changed before Commit")
	a.Commit(conv)
	st, _ = a.State("photons")
	assert.Equal(t, uint32(70), st.LastRaw)

	a.Reset()
	st, _ = a.State("photons")
	assert.Equal(t, uint32(0), st.LastRaw)
}

func TestAccountantAllOrNothing(t *testing.T) {
	a := NewSampleStreamAccountant()
	a.AddChannel("a", CounterDifferential)
	a.AddChannel("b", CounterRate)
	clock, _ := NewClockDomain(NewSimDAQDriver(), ClockConfig{Rate: 100})
	clock.SetPeriodCounter(true)

	// Two equal tick readings give a zero period for sample 1.
	_, err := a.Convert(2, [][]uint32{{10, 20}, {5, 6}}, []uint32{200000, 200000}, clock)
	if !errors.Is(err, ErrConfiguration) {
		t.Errorf("Convert with zero period error %v, want ErrConfiguration", err)
	}
	// Misaligned columns
	if _, err := a.Convert(2, [][]uint32{{10, 20}, {5}}, []uint32{1, 2}, clock); err == nil {
		t.Error("Convert with misaligned columns succeeds, should fail")
	}
	if _, err := a.Convert(2, [][]uint32{{10, 20}}, []uint32{1, 2}, clock); err == nil {
		t.Error("Convert with a missing column succeeds, should fail")
	}
	for _, name := range []string{"a", "b"} {
		st, _ := a.State(name)
		assert.Equal(t, uint32(0), st.LastRaw, "channel %s", name)
	}
	assert.Equal(t, uint32(0), a.ClockState().LastRaw)

	conv, err := a.Convert(0, [][]uint32{{}, {}}, []uint32{}, clock)
	assert.NoError(t, err)
	assert.Empty(t, conv.Counts[0])
	assert.Empty(t, conv.Periods)
}
