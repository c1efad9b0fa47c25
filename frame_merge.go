package grabdaq

import "fmt"

// Frame is one image. Pixels are stored row by row.
type Frame struct {
	Index  int64
	Rows   int
	Cols   int
	Pixels []uint16
}

// NewZeroFrame returns a zero-filled frame.
func NewZeroFrame(index int64, rows, cols int) *Frame {
	return &Frame{Index: index, Rows: rows, Cols: cols, Pixels: make([]uint16, rows*cols)}
}

// At returns the pixel at (row, col).
func (f *Frame) At(row, col int) uint16 {
	return f.Pixels[row*f.Cols+col]
}

// ROI is a region of interest in detector pixels, with exclusive ends.
type ROI struct {
	HStart, HEnd int
	VStart, VEnd int
}

// Width of the region.
func (r ROI) Width() int { return r.HEnd - r.HStart }

// Height of the region.
func (r ROI) Height() int { return r.VEnd - r.VStart }

// FrameMerge packs m physical frames (acquired back to back into one ring
// cell) into one logical frame m times taller. Ring accounting always counts
// physical frames; FrameMerge converts ranges between the two numberings.
type FrameMerge struct {
	m int64
}

// NewFrameMerge returns the transform for merge factor m >= 1.
func NewFrameMerge(m int) (FrameMerge, error) {
	if m < 1 {
		return FrameMerge{}, fmt.Errorf("frame merge factor %d must be at least 1: %w", m, ErrConfiguration)
	}
	return FrameMerge{m: int64(m)}, nil
}

// Factor is the merge factor m.
func (fm FrameMerge) Factor() int {
	if fm.m == 0 {
		return 1
	}
	return int(fm.m)
}

func (fm FrameMerge) factor() int64 {
	if fm.m == 0 {
		return 1
	}
	return fm.m
}

// PhysicalRange maps logical frames [L0,L1) to physical frames [L0*m, L1*m).
func (fm FrameMerge) PhysicalRange(logical FrameRange) FrameRange {
	m := fm.factor()
	return FrameRange{First: logical.First * m, Last: logical.Last * m}
}

// LogicalRange maps a physical range to the logical frames it touches.
func (fm FrameMerge) LogicalRange(physical FrameRange) FrameRange {
	m := fm.factor()
	return FrameRange{First: floorDiv(physical.First, m), Last: ceilDiv(physical.Last, m)}
}

// Align widens a physical range to whole merge groups: First is rounded down
// and Last rounded up to a multiple of m.
func (fm FrameMerge) Align(physical FrameRange) FrameRange {
	m := fm.factor()
	aligned := FrameRange{First: floorDiv(physical.First, m) * m, Last: ceilDiv(physical.Last, m) * m}
	if aligned.Last < aligned.First {
		aligned.Last = aligned.First
	}
	return aligned
}

// Cells is the number of ring cells needed to hold nframes physical frames.
func (fm FrameMerge) Cells(nframes int) int {
	if nframes < 1 {
		nframes = 1
	}
	return (nframes-1)/fm.Factor() + 1
}

// CheckROI rejects a non-zero vertical offset when frames are merged, since
// merging needs the full vertical extent.
func (fm FrameMerge) CheckROI(roi ROI) error {
	if fm.factor() != 1 && roi.VStart != 0 {
		return fmt.Errorf("frame merge %d needs full vertical frame size, got vstart=%d: %w",
			fm.factor(), roi.VStart, ErrConfiguration)
	}
	return nil
}

// Merge concatenates each run of m consecutive physical frames, in order,
// into one logical frame. The frames must start on a merge boundary, be
// consecutive and share one geometry; an incomplete final group is an error.
func (fm FrameMerge) Merge(frames []*Frame) ([]*Frame, error) {
	m := fm.factor()
	if int64(len(frames))%m != 0 {
		return nil, fmt.Errorf("FrameMerge.Merge: %d frames is not a multiple of %d", len(frames), m)
	}
	merged := make([]*Frame, 0, int64(len(frames))/m)
	for g := int64(0); g < int64(len(frames)); g += m {
		head := frames[g]
		if head == nil || head.Index%m != 0 {
			return nil, fmt.Errorf("FrameMerge.Merge: group %d does not start on a merge boundary", g/m)
		}
		out := &Frame{Index: head.Index / m, Rows: head.Rows * int(m), Cols: head.Cols,
			Pixels: make([]uint16, 0, len(head.Pixels)*int(m))}
		for k := int64(0); k < m; k++ {
			f := frames[g+k]
			if f == nil || f.Index != head.Index+k || f.Rows != head.Rows || f.Cols != head.Cols {
				return nil, fmt.Errorf("FrameMerge.Merge: frame %d of group %d is missing or mismatched", k, g/m)
			}
			out.Pixels = append(out.Pixels, f.Pixels...)
		}
		merged = append(merged, out)
	}
	return merged, nil
}

func floorDiv(a, m int64) int64 {
	q := a / m
	if a%m != 0 && a < 0 {
		q--
	}
	return q
}

func ceilDiv(a, m int64) int64 {
	return -floorDiv(-a, m)
}
