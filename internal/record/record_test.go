package record

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/usnistgov/grabdaq"
	"gonum.org/v1/gonum/mat"
)

func TestRecordSamples(t *testing.T) {
	dir := t.TempDir()
	r, err := NewRecorder(filepath.Join(dir, "run1"))
	if err != nil {
		t.Fatal(err)
	}
	empty := &grabdaq.SampleBlock{Names: []string{"v0"}}
	if path, err := r.RecordSamples(empty); path != "" || err != nil {
		t.Errorf("RecordSamples(empty) = (%q, %v), want (\"\", nil)", path, err)
	}

	data := mat.NewDense(3, 2, []float64{1, 10, 2, 20, 3, 30})
	block := &grabdaq.SampleBlock{Names: []string{"v0", "cnt"}, Data: data}
	path, err := r.RecordSamples(block)
	assert.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "run1", "samples_000000.npy"), path)

	back, err := ReadMatrix(path)
	if err != nil {
		t.Fatal(err)
	}
	assert.True(t, mat.Equal(data, back), "samples read back differ")

	cols, err := os.ReadFile(strings.TrimSuffix(path, ".npy") + ".columns")
	assert.NoError(t, err)
	assert.Equal(t, "v0\ncnt\n", string(cols))
	assert.Equal(t, []string{path}, r.Files())
}

func TestRecordFrames(t *testing.T) {
	r, err := NewRecorder(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	f0 := &grabdaq.Frame{Index: 4, Rows: 1, Cols: 3, Pixels: []uint16{1, 2, 3}}
	f1 := &grabdaq.Frame{Index: 5, Rows: 1, Cols: 3, Pixels: []uint16{4, 5, 6}}
	batch := &grabdaq.ImageBatch{Frames: []*grabdaq.Frame{nil, f0}, Chunks: []grabdaq.FrameChunk{{First: 5, Frames: []*grabdaq.Frame{f1}}}}
	path, err := r.RecordFrames(batch)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, []string{path}, r.Files())
	shape, err := os.ReadFile(strings.TrimSuffix(path, ".npy") + ".shape")
	assert.NoError(t, err)
	assert.Equal(t, "3 1 3\n", string(shape))

	back, err := ReadFrames(path)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, [3]int{3, 1, 3}, back.Shape)
	assert.Equal(t, []uint16{0, 0, 0, 1, 2, 3, 4, 5, 6}, back.Pixels)
	assert.Equal(t, []uint16{4, 5, 6}, back.Frame(2))

	if path, err := r.RecordFrames(&grabdaq.ImageBatch{}); path != "" || err != nil {
		t.Errorf("RecordFrames(empty) = (%q, %v), want (\"\", nil)", path, err)
	}
	bad := &grabdaq.Frame{Index: 6, Rows: 3, Cols: 1, Pixels: []uint16{1, 2, 3}}
	if _, err := StackFrames([]*grabdaq.Frame{f0, bad}); err == nil {
		t.Error("StackFrames with mismatched geometry succeeds, should fail")
	}
}

func TestRecordFramesKeepsGeometry(t *testing.T) {
	r, err := NewRecorder(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	frames := make([]*grabdaq.Frame, 2)
	for i := range frames {
		frames[i] = grabdaq.NewZeroFrame(int64(i), 3, 4)
		for k := range frames[i].Pixels {
			frames[i].Pixels[k] = uint16(60000 + 100*i + k)
		}
	}
	path, err := r.RecordFrames(&grabdaq.ImageBatch{Frames: frames})
	if err != nil {
		t.Fatal(err)
	}
	back, err := ReadFrames(path)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, [3]int{2, 3, 4}, back.Shape)
	for i, f := range frames {
		assert.Equal(t, f.Pixels, back.Frame(i), "frame %d", i)
	}
}

func TestDropLog(t *testing.T) {
	var sb strings.Builder
	dl := NewDropLog(&sb, 10, time.Hour)
	dl.Record(7, 2)
	dl.Record(40, 16)
	dl.Flush()
	assert.Equal(t, DropLogHeader+"7,2\n40,16\n", sb.String())
	dl.Record(100, 1)
	dl.Close()
	assert.Equal(t, DropLogHeader+"7,2\n40,16\n100,1\n", sb.String())
	assert.Equal(t, int64(3), dl.Observed())
	assert.Equal(t, 0, dl.Overflow())
}
