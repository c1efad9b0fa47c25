// Package record writes acquired sample blocks and frame batches to numpy
// *.npy files, one file per read. Samples are float64 matrices; frames keep
// their uint16 pixels with the stack shape in a sidecar file.
package record

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sbinet/npyio"
	"github.com/usnistgov/grabdaq"
	"gonum.org/v1/gonum/mat"
)

// Recorder numbers and writes output files in one directory.
type Recorder struct {
	dir     string
	nsample int
	nframe  int
	written []string
}

// NewRecorder creates dir if needed.
func NewRecorder(dir string) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0775); err != nil {
		return nil, err
	}
	return &Recorder{dir: dir}, nil
}

// Dir is the output directory.
func (r *Recorder) Dir() string {
	return r.dir
}

// Files lists the files written so far.
func (r *Recorder) Files() []string {
	return append([]string(nil), r.written...)
}

func writeNpy(path string, val any) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := npyio.Write(f, val); err != nil {
		f.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return f.Close()
}

// RecordSamples writes block as samples_NNNNNN.npy (one row per sample) and
// its column names, one per line, to samples_NNNNNN.columns. Empty blocks are
// skipped and return "".
func (r *Recorder) RecordSamples(block *grabdaq.SampleBlock) (string, error) {
	if block.Len() == 0 {
		return "", nil
	}
	base := filepath.Join(r.dir, fmt.Sprintf("samples_%06d", r.nsample))
	r.nsample++
	if err := writeNpy(base+".npy", block.Data); err != nil {
		return "", err
	}
	names := strings.Join(block.Names, "\n") + "\n"
	if err := os.WriteFile(base+".columns", []byte(names), 0664); err != nil {
		return "", err
	}
	r.written = append(r.written, base+".npy")
	return base + ".npy", nil
}

// FrameStack is a batch of equal-sized frames stored as nframes x rows x cols
// uint16 pixels in C order.
type FrameStack struct {
	Shape  [3]int // nframes, rows, cols
	Pixels []uint16
}

// Frame returns the pixels of the i-th frame.
func (fs *FrameStack) Frame(i int) []uint16 {
	n := fs.Shape[1] * fs.Shape[2]
	return fs.Pixels[i*n : (i+1)*n]
}

// StackFrames packs frames into a FrameStack. Missing (nil) frames become
// frames of zeros. All other frames must share one geometry.
func StackFrames(frames []*grabdaq.Frame) (*FrameStack, error) {
	var geom *grabdaq.Frame
	for _, f := range frames {
		if f != nil {
			geom = f
			break
		}
	}
	if geom == nil || len(geom.Pixels) == 0 {
		return nil, nil
	}
	rows, cols := geom.Rows, geom.Cols
	npix := rows * cols
	fs := &FrameStack{Shape: [3]int{len(frames), rows, cols}, Pixels: make([]uint16, len(frames)*npix)}
	for i, f := range frames {
		if f == nil {
			continue
		}
		if f.Rows != rows || f.Cols != cols || len(f.Pixels) != npix {
			return nil, fmt.Errorf("frame %d is %dx%d with %d pixels, want %dx%d", f.Index, f.Rows, f.Cols, len(f.Pixels), rows, cols)
		}
		copy(fs.Frame(i), f.Pixels)
	}
	return fs, nil
}

// RecordFrames writes the frames of batch (chunks flattened) as uint16
// pixels to frames_NNNNNN.npy and the stack shape "nframes rows cols" to
// frames_NNNNNN.shape. Empty batches are skipped and return "".
func (r *Recorder) RecordFrames(batch *grabdaq.ImageBatch) (string, error) {
	frames := batch.Frames
	for _, c := range batch.Chunks {
		frames = append(frames, c.Frames...)
	}
	fs, err := StackFrames(frames)
	if err != nil || fs == nil {
		return "", err
	}
	base := filepath.Join(r.dir, fmt.Sprintf("frames_%06d", r.nframe))
	r.nframe++
	if err := writeNpy(base+".npy", fs.Pixels); err != nil {
		return "", err
	}
	shape := fmt.Sprintf("%d %d %d\n", fs.Shape[0], fs.Shape[1], fs.Shape[2])
	if err := os.WriteFile(base+".shape", []byte(shape), 0664); err != nil {
		return "", err
	}
	r.written = append(r.written, base+".npy")
	return base + ".npy", nil
}

// ReadFrames reads back a frame stack written by RecordFrames.
func ReadFrames(path string) (*FrameStack, error) {
	text, err := os.ReadFile(strings.TrimSuffix(path, ".npy") + ".shape")
	if err != nil {
		return nil, err
	}
	fs := &FrameStack{}
	if _, err := fmt.Sscan(string(text), &fs.Shape[0], &fs.Shape[1], &fs.Shape[2]); err != nil {
		return nil, fmt.Errorf("reading shape of %s: %w", path, err)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if err := npyio.Read(f, &fs.Pixels); err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	if want := fs.Shape[0] * fs.Shape[1] * fs.Shape[2]; len(fs.Pixels) != want {
		return nil, fmt.Errorf("%s holds %d pixels, shape %v needs %d", path, len(fs.Pixels), fs.Shape, want)
	}
	return fs, nil
}

// ReadMatrix reads a 2-d array written by this package.
func ReadMatrix(path string) (*mat.Dense, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var m mat.Dense
	if err := npyio.Read(f, &m); err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return &m, nil
}
