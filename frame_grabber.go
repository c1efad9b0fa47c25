package grabdaq

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/usnistgov/grabdaq/getbytes"
)

// AcquisitionMode selects finite or continuous grabbing.
type AcquisitionMode int

// Acquisition modes
const (
	AcqSequence AcquisitionMode = iota // continuous, the ring is overwritten cyclically
	AcqSnap                            // stop after the requested number of frames
)

func (m AcquisitionMode) String() string {
	switch m {
	case AcqSequence:
		return "sequence"
	case AcqSnap:
		return "snap"
	}
	return fmt.Sprintf("AcquisitionMode(%d)", int(m))
}

// ParseAcquisitionMode converts "sequence" or "snap".
func ParseAcquisitionMode(s string) (AcquisitionMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sequence", "":
		return AcqSequence, nil
	case "snap":
		return AcqSnap, nil
	}
	return AcqSequence, fmt.Errorf("unknown acquisition mode %q: %w", s, ErrConfiguration)
}

// MissingFramePolicy says what a read returns in place of frames lost to
// ring overwrite.
type MissingFramePolicy int

// Missing frame policies
const (
	MissingSkip MissingFramePolicy = iota // leave them out
	MissingNone                           // nil placeholders
	MissingZero                           // zero-filled frames
)

func (p MissingFramePolicy) String() string {
	switch p {
	case MissingSkip:
		return "skip"
	case MissingNone:
		return "none"
	case MissingZero:
		return "zero"
	}
	return fmt.Sprintf("MissingFramePolicy(%d)", int(p))
}

// ParseMissingFramePolicy converts "skip", "none" or "zero".
func ParseMissingFramePolicy(s string) (MissingFramePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "skip", "":
		return MissingSkip, nil
	case "none":
		return MissingNone, nil
	case "zero":
		return MissingZero, nil
	}
	return MissingSkip, fmt.Errorf("unknown missing frame policy %q: %w", s, ErrConfiguration)
}

// ReadOptions control ReadMultipleImages.
type ReadOptions struct {
	Peek    bool // return frames without marking them read
	Missing MissingFramePolicy
	Chunked bool // deliver runs of frames that were contiguous in the ring
}

// Validate rejects option combinations that cannot be served.
func (o ReadOptions) Validate() error {
	switch o.Missing {
	case MissingSkip, MissingZero:
	case MissingNone:
		if o.Chunked {
			return fmt.Errorf("missing frame policy %v cannot be used with chunked reads: %w", o.Missing, ErrConfiguration)
		}
	default:
		return fmt.Errorf("missing frame policy %v: %w", o.Missing, ErrConfiguration)
	}
	return nil
}

// FrameInfo describes one returned frame, or one chunk in chunked reads.
// Placeholders for lost frames have Valid == false.
type FrameInfo struct {
	Index int64
	Valid bool
}

// FrameChunk is a run of consecutive frames.
type FrameChunk struct {
	First  int64
	Frames []*Frame
}

// ImageBatch is the result of one read. Frames and one FrameInfo per frame are
// filled for ordinary reads; Chunks and one FrameInfo per chunk for chunked reads.
type ImageBatch struct {
	First   int64 // index of the first frame actually read from the ring
	Skipped int64 // frames lost to overwrite just before First
	Frames  []*Frame
	Chunks  []FrameChunk
	Infos   []FrameInfo
}

// Len counts returned entries, placeholders included.
func (b *ImageBatch) Len() int {
	if b == nil {
		return 0
	}
	if b.Chunks != nil {
		n := 0
		for _, c := range b.Chunks {
			n += len(c.Frames)
		}
		return n
	}
	return len(b.Frames)
}

// FrameGrabber runs continuous acquisition into a ring of driver buffers and
// serves reads from it with loss accounting. One ring cell holds m frames,
// where m is the frame merge factor. A FrameGrabber is not safe for
// concurrent use.
type FrameGrabber struct {
	driver  GrabberDriver
	merge   FrameMerge
	counter *FrameCounter
	ring    RingHandle
	mode    AcquisitionMode
	nframes int
	setup   bool
	running bool
	onDrop  func(first, dropped int64)
}

// NewFrameGrabber wraps a grabber driver. The merge factor starts at 1.
func NewFrameGrabber(driver GrabberDriver) *FrameGrabber {
	return &FrameGrabber{driver: driver, merge: FrameMerge{m: 1}, counter: NewFrameCounter()}
}

// SetDropHandler registers f to be called with the first frame read after a
// loss and the number of frames lost.
func (fg *FrameGrabber) SetDropHandler(f func(first, dropped int64)) {
	fg.onDrop = f
}

// DetectorSize returns the sensor width and height in pixels.
func (fg *FrameGrabber) DetectorSize() (width, height int) {
	return fg.driver.DetectorSize()
}

// ROI returns the region of one physical frame.
func (fg *FrameGrabber) ROI() ROI {
	w := fg.driver.Window()
	h := w.Height / fg.merge.Factor()
	return ROI{HStart: w.XOffset, HEnd: w.XOffset + w.Width, VStart: w.YOffset, VEnd: w.YOffset + h}
}

// DataDimensions returns rows and columns of one physical frame.
func (fg *FrameGrabber) DataDimensions() (rows, cols int) {
	roi := fg.ROI()
	return roi.Height(), roi.Width()
}

func truncateAxis(start, end, limit int) (int, int) {
	if end <= 0 || end > limit {
		end = limit
	}
	if start < 0 {
		start = 0
	}
	if start > end-1 {
		start = end - 1
	}
	return start, end
}

// SetROI sets the region of one physical frame, clipped to the detector.
// An end of 0 means the detector edge. A set-up acquisition is cleared and set
// up again with the new frame size. The applied ROI is returned.
func (fg *FrameGrabber) SetROI(roi ROI) (ROI, error) {
	width, height := fg.driver.DetectorSize()
	roi.HStart, roi.HEnd = truncateAxis(roi.HStart, roi.HEnd, width)
	roi.VStart, roi.VEnd = truncateAxis(roi.VStart, roi.VEnd, height)
	if err := fg.merge.CheckROI(roi); err != nil {
		return fg.ROI(), fmt.Errorf("FrameGrabber.SetROI: %w", err)
	}
	wasSetup, mode, nframes := fg.setup, fg.mode, fg.nframes
	if err := fg.ClearAcquisition(); err != nil {
		return fg.ROI(), err
	}
	if err := fg.applyROI(roi); err != nil {
		return fg.ROI(), err
	}
	if wasSetup {
		if err := fg.SetupAcquisition(mode, nframes); err != nil {
			return fg.ROI(), err
		}
	}
	return fg.ROI(), nil
}

func (fg *FrameGrabber) applyROI(roi ROI) error {
	w := Window{XOffset: roi.HStart, YOffset: roi.VStart, Width: roi.Width(),
		Height: roi.Height() * fg.merge.Factor()}
	if err := fg.driver.SetWindow(w); err != nil {
		return fmt.Errorf("FrameGrabber.SetROI(%+v): %w", roi, err)
	}
	return nil
}

// FrameMerge returns the merge factor.
func (fg *FrameGrabber) FrameMerge() int {
	return fg.merge.Factor()
}

// SetFrameMerge changes the merge factor. The acquisition is cleared, the ROI
// is reapplied for the new factor and, if an acquisition had been set up, the
// ring is allocated again for the new cell size.
func (fg *FrameGrabber) SetFrameMerge(m int) error {
	merge, err := NewFrameMerge(m)
	if err != nil {
		return fmt.Errorf("FrameGrabber.SetFrameMerge: %w", err)
	}
	if merge.Factor() == fg.merge.Factor() {
		return nil
	}
	roi := fg.ROI()
	if err := merge.CheckROI(roi); err != nil {
		return fmt.Errorf("FrameGrabber.SetFrameMerge: %w", err)
	}
	wasSetup, mode, nframes := fg.setup, fg.mode, fg.nframes
	if err := fg.ClearAcquisition(); err != nil {
		return err
	}
	fg.merge = merge
	if err := fg.applyROI(roi); err != nil {
		return err
	}
	if wasSetup {
		return fg.SetupAcquisition(mode, nframes)
	}
	return nil
}

func (fg *FrameGrabber) cellSize() int {
	w := fg.driver.Window()
	return w.Width * w.Height * fg.driver.BytesPerPixel()
}

func (fg *FrameGrabber) allocate() error {
	if fg.ring != nil {
		if err := fg.driver.FreeRing(fg.ring); err != nil {
			return fmt.Errorf("FrameGrabber: free ring: %w", err)
		}
		fg.ring = nil
	}
	cells := fg.merge.Cells(fg.nframes)
	ring, err := fg.driver.AllocateRing(cells, fg.cellSize())
	if err != nil {
		return fmt.Errorf("FrameGrabber: allocate %d cells: %w", cells, err)
	}
	fg.ring = ring
	UpdateLogger.Printf("Frame ring allocated: %d cells of %d bytes, merge %d", cells, ring.CellSize(), fg.merge.Factor())
	return fg.counter.Arm(int64(cells) * int64(fg.merge.Factor()))
}

// SetupAcquisition allocates a ring holding at least nframes frames.
func (fg *FrameGrabber) SetupAcquisition(mode AcquisitionMode, nframes int) error {
	if nframes < 1 {
		return fmt.Errorf("FrameGrabber.SetupAcquisition(%v, %d): %w", mode, nframes, ErrConfiguration)
	}
	if err := fg.ClearAcquisition(); err != nil {
		return err
	}
	fg.mode, fg.nframes = mode, nframes
	if err := fg.allocate(); err != nil {
		return fmt.Errorf("FrameGrabber.SetupAcquisition: %w", err)
	}
	fg.setup = true
	return nil
}

// AcquisitionParameters returns the mode and ring size of the set-up
// acquisition, and whether one is set up.
func (fg *FrameGrabber) AcquisitionParameters() (AcquisitionMode, int, bool) {
	return fg.mode, fg.nframes, fg.setup
}

// ClearAcquisition stops any acquisition and frees the ring.
func (fg *FrameGrabber) ClearAcquisition() error {
	if !fg.setup {
		return nil
	}
	if err := fg.StopAcquisition(); err != nil {
		return err
	}
	if fg.ring != nil {
		if err := fg.driver.FreeRing(fg.ring); err != nil {
			return fmt.Errorf("FrameGrabber.ClearAcquisition: %w", err)
		}
		fg.ring = nil
	}
	fg.counter.Teardown()
	fg.setup = false
	return nil
}

// StartAcquisition restarts grabbing with frame counters at zero. The ring is
// reallocated first if the frame size changed.
func (fg *FrameGrabber) StartAcquisition() error {
	if err := fg.StopAcquisition(); err != nil {
		return err
	}
	if !fg.setup {
		return fmt.Errorf("FrameGrabber.StartAcquisition: %w", ErrNoBuffers)
	}
	if fg.ring.CellSize() != fg.cellSize() {
		if err := fg.allocate(); err != nil {
			return fmt.Errorf("FrameGrabber.StartAcquisition: %w", err)
		}
	}
	if err := fg.counter.Start(); err != nil {
		return fmt.Errorf("FrameGrabber.StartAcquisition: %w", err)
	}
	ncells := -1
	if fg.mode == AcqSnap {
		ncells = fg.merge.Cells(fg.nframes)
	}
	if err := fg.driver.StartSession(fg.ring, ncells); err != nil {
		fg.counter.Stop()
		return fmt.Errorf("FrameGrabber.StartAcquisition: %w", err)
	}
	fg.running = true
	UpdateLogger.Printf("Frame acquisition started (%v, %d frames)", fg.mode, fg.nframes)
	return nil
}

// StopAcquisition records the final frame count and stops grabbing. Frames
// already in the ring stay readable.
func (fg *FrameGrabber) StopAcquisition() error {
	if !fg.running {
		return nil
	}
	if _, err := fg.PollAcquired(); err != nil {
		ProblemLogger.Printf("FrameGrabber.StopAcquisition: final frame count: %v", err)
	}
	err := fg.driver.StopSession()
	fg.counter.Stop()
	fg.running = false
	if err != nil {
		return fmt.Errorf("FrameGrabber.StopAcquisition: %w", err)
	}
	UpdateLogger.Printf("Frame acquisition stopped after %d frames", fg.counter.LastAcquired()+1)
	return nil
}

// AcquisitionInProgress tells whether grabbing was started and not stopped.
// In snap mode it stays true after the last frame arrived.
func (fg *FrameGrabber) AcquisitionInProgress() bool {
	return fg.running
}

// PollAcquired asks the driver how many frames were produced and updates the
// ring accounting. Once stopped, the frozen count is returned.
func (fg *FrameGrabber) PollAcquired() (int64, error) {
	if fg.running {
		cells, err := fg.driver.FrameCount()
		if err != nil {
			return fg.counter.LastAcquired() + 1, fmt.Errorf("FrameGrabber.PollAcquired: %w", err)
		}
		fg.counter.UpdateAcquired(cells * int64(fg.merge.Factor()))
	}
	return fg.counter.LastAcquired() + 1, nil
}

// NewFramesRange polls the driver and returns the frames not yet read.
func (fg *FrameGrabber) NewFramesRange() (FrameRange, error) {
	if _, err := fg.PollAcquired(); err != nil {
		return FrameRange{}, err
	}
	return fg.counter.NewFramesRange(), nil
}

// FramesStatus polls the driver and summarizes the ring counters.
func (fg *FrameGrabber) FramesStatus() (FramesStatus, error) {
	if _, err := fg.PollAcquired(); err != nil {
		return FramesStatus{}, err
	}
	return fg.counter.Status(), nil
}

// WaitForFrames waits until at least n unread frames are in the ring. It
// returns the number of unread frames, or 0 on timeout.
func (fg *FrameGrabber) WaitForFrames(n int64, timeout, poll time.Duration) (int64, error) {
	return fg.WaitForFramesContext(context.Background(), n, timeout, poll)
}

// WaitForFramesContext is WaitForFrames with cancellation.
func (fg *FrameGrabber) WaitForFramesContext(ctx context.Context, n int64, timeout, poll time.Duration) (int64, error) {
	if poll <= 0 {
		poll = time.Millisecond
	}
	deadline := time.Now().Add(timeout)
	for {
		status, err := fg.FramesStatus()
		if err != nil {
			return 0, err
		}
		if status.Unread >= n && status.Unread > 0 {
			return status.Unread, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 || !fg.running {
			return 0, nil
		}
		if remaining > poll {
			remaining = poll
		}
		next := fg.counter.LastAcquired() + 1
		if _, err := fg.driver.WaitFrame(next/int64(fg.merge.Factor()), remaining); err != nil {
			return 0, fmt.Errorf("FrameGrabber.WaitForFrames: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return 0, err
		}
	}
}

// ReadMultipleImages reads the frames in rng, or all unread frames when rng is
// nil. The range is widened to whole merge groups and clipped to the frames
// still in the ring; frames lost to overwrite are reported in Skipped and
// replaced according to opts.Missing. Unless opts.Peek is set, the frames are
// marked as read.
func (fg *FrameGrabber) ReadMultipleImages(rng *FrameRange, opts ReadOptions) (*ImageBatch, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("FrameGrabber.ReadMultipleImages: %w", err)
	}
	if !fg.setup {
		return nil, fmt.Errorf("FrameGrabber.ReadMultipleImages: %w", ErrNoBuffers)
	}
	if fg.counter.State() == RingArmed {
		return &ImageBatch{}, nil
	}
	if _, err := fg.PollAcquired(); err != nil {
		return nil, fmt.Errorf("FrameGrabber.ReadMultipleImages: %w", err)
	}

	req := fg.counter.NewFramesRange()
	if rng != nil {
		if rng.First < 0 {
			return nil, fmt.Errorf("FrameGrabber.ReadMultipleImages: range %v starts before frame 0: %w", *rng, ErrConfiguration)
		}
		req = *rng
	}
	trimmed, skipped := fg.counter.TrimFramesRange(fg.merge.Align(req))
	if !opts.Peek {
		if err := fg.counter.CheckAdvance(trimmed, skipped); err != nil {
			return nil, fmt.Errorf("FrameGrabber.ReadMultipleImages: %w", err)
		}
	}

	chunks := fg.readChunks(trimmed)
	if !opts.Peek {
		if err := fg.counter.AdvanceReadFrames(trimmed, skipped); err != nil {
			return nil, fmt.Errorf("FrameGrabber.ReadMultipleImages: %w", err)
		}
	}
	if skipped > 0 {
		ProblemLogger.Printf("FrameGrabber: %d frames lost to ring overwrite before frame %d", skipped, trimmed.First)
		if fg.onDrop != nil && !opts.Peek {
			fg.onDrop(trimmed.First, skipped)
		}
	}
	return fg.assemble(trimmed.First, skipped, chunks, opts), nil
}

// ReadMergedImages is ReadMultipleImages in logical frame numbering: each
// returned frame concatenates the m physical frames of one ring cell. Chunked
// delivery is not available here.
func (fg *FrameGrabber) ReadMergedImages(logical *FrameRange, opts ReadOptions) (*ImageBatch, error) {
	if opts.Chunked {
		return nil, fmt.Errorf("FrameGrabber.ReadMergedImages: chunked reads are not merged: %w", ErrConfiguration)
	}
	var rng *FrameRange
	if logical != nil {
		phys := fg.merge.PhysicalRange(*logical)
		rng = &phys
	}
	batch, err := fg.ReadMultipleImages(rng, opts)
	if err != nil {
		return nil, err
	}
	m := fg.merge.Factor()
	out := &ImageBatch{First: batch.First / int64(m), Skipped: batch.Skipped / int64(m)}
	for g := 0; g+m <= len(batch.Frames); g += m {
		head := batch.Frames[g]
		info := batch.Infos[g]
		if head == nil {
			out.Frames = append(out.Frames, nil)
			out.Infos = append(out.Infos, FrameInfo{Index: info.Index / int64(m)})
			continue
		}
		merged, err := fg.merge.Merge(batch.Frames[g : g+m])
		if err != nil {
			return nil, err
		}
		out.Frames = append(out.Frames, merged[0])
		out.Infos = append(out.Infos, FrameInfo{Index: merged[0].Index, Valid: info.Valid})
	}
	return out, nil
}

// readChunks copies the frames of rng out of the ring, one chunk per
// memory-contiguous run of cells.
func (fg *FrameGrabber) readChunks(rng FrameRange) []FrameChunk {
	if rng.Empty() {
		return nil
	}
	m := int64(fg.merge.Factor())
	firstCell := rng.First / m
	ncells := int((rng.Last - rng.First) / m)
	rows, cols := fg.DataDimensions()
	bpp := fg.driver.BytesPerPixel()
	frameBytes := rows * cols * bpp

	var chunks []FrameChunk
	index := rng.First
	for _, sp := range fg.ring.Spans(firstCell, ncells) {
		raw := fg.ring.Bytes(sp)
		nf := sp.Count * int(m)
		chunk := FrameChunk{First: index, Frames: make([]*Frame, nf)}
		for k := 0; k < nf; k++ {
			f := NewZeroFrame(index, rows, cols)
			decodePixels(f.Pixels, raw[k*frameBytes:(k+1)*frameBytes], bpp)
			chunk.Frames[k] = f
			index++
		}
		chunks = append(chunks, chunk)
	}
	return chunks
}

func decodePixels(dst []uint16, src []byte, bpp int) {
	switch bpp {
	case 2:
		copy(getbytes.FromSliceUint16(dst), src)
	case 1:
		for i, b := range src {
			dst[i] = uint16(b)
		}
	}
}

// assemble applies the missing frame policy and builds the returned batch.
func (fg *FrameGrabber) assemble(first, skipped int64, chunks []FrameChunk, opts ReadOptions) *ImageBatch {
	batch := &ImageBatch{First: first, Skipped: skipped}
	rows, cols := fg.DataDimensions()
	lostFrom := first - skipped

	if opts.Chunked {
		batch.Chunks = []FrameChunk{}
		batch.Infos = []FrameInfo{}
		if skipped > 0 && opts.Missing == MissingZero {
			zeros := FrameChunk{First: lostFrom, Frames: make([]*Frame, skipped)}
			for k := range zeros.Frames {
				zeros.Frames[k] = NewZeroFrame(lostFrom+int64(k), rows, cols)
			}
			batch.Chunks = append(batch.Chunks, zeros)
			batch.Infos = append(batch.Infos, FrameInfo{Index: lostFrom})
		}
		for _, c := range chunks {
			batch.Chunks = append(batch.Chunks, c)
			batch.Infos = append(batch.Infos, FrameInfo{Index: c.First, Valid: true})
		}
		return batch
	}

	batch.Frames = []*Frame{}
	batch.Infos = []FrameInfo{}
	if skipped > 0 && opts.Missing != MissingSkip {
		for k := int64(0); k < skipped; k++ {
			var f *Frame
			if opts.Missing == MissingZero {
				f = NewZeroFrame(lostFrom+k, rows, cols)
			}
			batch.Frames = append(batch.Frames, f)
			batch.Infos = append(batch.Infos, FrameInfo{Index: lostFrom + k})
		}
	}
	for _, c := range chunks {
		for _, f := range c.Frames {
			batch.Frames = append(batch.Frames, f)
			batch.Infos = append(batch.Infos, FrameInfo{Index: f.Index, Valid: true})
		}
	}
	return batch
}
