package grabdaq

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFrameMergeRanges(t *testing.T) {
	if _, err := NewFrameMerge(0); err == nil {
		t.Error("NewFrameMerge(0) succeeds, should fail")
	}
	fm, err := NewFrameMerge(4)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, 4, fm.Factor())
	assert.Equal(t, FrameRange{8, 20}, fm.PhysicalRange(FrameRange{2, 5}))
	assert.Equal(t, FrameRange{2, 5}, fm.LogicalRange(FrameRange{8, 20}))
	assert.Equal(t, FrameRange{2, 5}, fm.LogicalRange(FrameRange{9, 17}))

	aligned := []struct {
		in, want FrameRange
	}{
		{FrameRange{0, 0}, FrameRange{0, 0}},
		{FrameRange{9, 17}, FrameRange{8, 20}},
		{FrameRange{8, 20}, FrameRange{8, 20}},
		{FrameRange{7, 7}, FrameRange{4, 8}},
		{FrameRange{13, 10}, FrameRange{12, 12}},
	}
	for _, a := range aligned {
		if got := fm.Align(a.in); got != a.want {
			t.Errorf("Align(%v) = %v, want %v", a.in, got, a.want)
		}
	}

	var zero FrameMerge
	assert.Equal(t, 1, zero.Factor(), "zero FrameMerge acts as no merge")
	assert.Equal(t, FrameRange{3, 7}, zero.Align(FrameRange{3, 7}))
}

func TestFrameMergeCells(t *testing.T) {
	fm, _ := NewFrameMerge(4)
	cells := map[int]int{0: 1, 1: 1, 4: 1, 5: 2, 8: 2, 9: 3, 100: 25}
	for n, want := range cells {
		if got := fm.Cells(n); got != want {
			t.Errorf("Cells(%d) = %d, want %d", n, got, want)
		}
	}
}

func TestFrameMergeCheckROI(t *testing.T) {
	one, _ := NewFrameMerge(1)
	four, _ := NewFrameMerge(4)
	roi := ROI{HStart: 2, HEnd: 10, VStart: 3, VEnd: 8}
	assert.NoError(t, one.CheckROI(roi))
	assert.Error(t, four.CheckROI(roi))
	roi.VStart = 0
	assert.NoError(t, four.CheckROI(roi))
	assert.Equal(t, 8, roi.Width())
	assert.Equal(t, 8, roi.Height())
}

func TestMerge(t *testing.T) {
	fm, _ := NewFrameMerge(4)
	phys := make([]*Frame, 12)
	for i := range phys {
		f := NewZeroFrame(int64(8+i), 2, 3)
		for k := range f.Pixels {
			f.Pixels[k] = uint16(100*(8+i) + k)
		}
		phys[i] = f
	}
	merged, err := fm.Merge(phys)
	if err != nil {
		t.Fatal(err)
	}
	if len(merged) != 3 {
		t.Fatalf("Merge gave %d frames, want 3", len(merged))
	}
	for j, f := range merged {
		assert.Equal(t, int64(2+j), f.Index)
		assert.Equal(t, 8, f.Rows)
		assert.Equal(t, 3, f.Cols)
		// Row r of logical frame comes from physical frame 4*index + r/2.
		for r := 0; r < f.Rows; r++ {
			p := 4*f.Index + int64(r/2)
			if got, want := f.At(r, 1), uint16(100*p+int64(3*(r%2)+1)); got != want {
				t.Errorf("merged frame %d pixel (%d,1) = %d, want %d", f.Index, r, got, want)
			}
		}
	}

	if _, err := fm.Merge(phys[1:5]); err == nil {
		t.Error("Merge off a boundary succeeds, should fail")
	}
	if _, err := fm.Merge(phys[:6]); err == nil {
		t.Error("Merge of an incomplete group succeeds, should fail")
	}
	broken := append([]*Frame(nil), phys[:4]...)
	broken[2] = nil
	if _, err := fm.Merge(broken); err == nil {
		t.Error("Merge with a missing frame succeeds, should fail")
	}
}
