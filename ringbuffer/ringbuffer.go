// Package ringbuffer provides the arena of fixed-size cells that a frame
// grabber writes into. Cells are addressed by integer index only; an index
// past the end wraps around to the start.
package ringbuffer

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/fabiokung/shm"
	"github.com/lorenzosaino/go-sysctl"
)

// Span is a run of consecutive cells that is also contiguous in memory.
type Span struct {
	Start int // first cell
	Count int // number of cells
}

// SlotRing is a ring of Cells() cells of CellSize() bytes each. The memory
// lives either on the Go heap or in a POSIX shared-memory region that an
// external writer (a DMA engine or another process) can map.
type SlotRing struct {
	cells    int
	cellSize int
	raw      []byte
	name     string
	file     *os.File
	owner    bool // we created the shm region and must unlink it
}

// NewSlotRing allocates a heap-backed ring.
func NewSlotRing(cells, cellSize int) (*SlotRing, error) {
	if err := checkGeometry(cells, cellSize); err != nil {
		return nil, err
	}
	return &SlotRing{cells: cells, cellSize: cellSize, raw: make([]byte, cells*cellSize)}, nil
}

func checkGeometry(cells, cellSize int) error {
	if cells <= 0 || cellSize <= 0 {
		return fmt.Errorf("ring of %d cells of %d bytes is not allowed", cells, cellSize)
	}
	return nil
}

// shmMax returns the kernel limit on one shared memory segment, or 0 if it
// cannot be read (for example on a non-Linux host).
func shmMax() uint64 {
	val, err := sysctl.Get("kernel.shmmax")
	if err != nil {
		return 0
	}
	n, err := strconv.ParseUint(strings.TrimSpace(val), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// NewSharedSlotRing creates a ring in the shared memory region called name.
// Any stale region of that name is replaced. The region is unlinked by Close.
func NewSharedSlotRing(name string, cells, cellSize int) (*SlotRing, error) {
	if err := checkGeometry(cells, cellSize); err != nil {
		return nil, err
	}
	size := cells * cellSize
	if limit := shmMax(); limit > 0 && uint64(size) > limit {
		return nil, fmt.Errorf("ring of %d bytes exceeds kernel.shmmax=%d", size, limit)
	}
	shm.Unlink(name)
	file, err := shm.Open(name, os.O_RDWR|os.O_CREATE, 0660)
	if err != nil {
		return nil, err
	}
	rb := &SlotRing{cells: cells, cellSize: cellSize, name: name, file: file, owner: true}
	fd := int(file.Fd())
	if err = syscall.Ftruncate(fd, int64(size)); err != nil {
		rb.Close()
		return nil, err
	}
	rb.raw, err = syscall.Mmap(fd, 0, size, syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		rb.Close()
		return nil, err
	}
	return rb, nil
}

// OpenSharedSlotRing maps an existing shared ring read-only.
func OpenSharedSlotRing(name string, cells, cellSize int) (*SlotRing, error) {
	if err := checkGeometry(cells, cellSize); err != nil {
		return nil, err
	}
	file, err := shm.Open(name, os.O_RDONLY, 0600)
	if err != nil {
		return nil, err
	}
	rb := &SlotRing{cells: cells, cellSize: cellSize, name: name, file: file}
	rb.raw, err = syscall.Mmap(int(file.Fd()), 0, cells*cellSize, syscall.PROT_READ, syscall.MAP_SHARED)
	if err != nil {
		rb.Close()
		return nil, err
	}
	return rb, nil
}

// Cells is the number of cells in the ring.
func (rb *SlotRing) Cells() int {
	return rb.cells
}

// CellSize is the size of one cell in bytes.
func (rb *SlotRing) CellSize() int {
	return rb.cellSize
}

// Name is the shared memory name, or "" for a heap ring.
func (rb *SlotRing) Name() string {
	return rb.name
}

// slot converts a cell index of any size to a position in the ring.
func (rb *SlotRing) slot(i int64) int {
	s := int(i % int64(rb.cells))
	if s < 0 {
		s += rb.cells
	}
	return s
}

// Cell returns the memory of cell i mod Cells(). The slice aliases the ring.
func (rb *SlotRing) Cell(i int64) []byte {
	if rb.raw == nil {
		return nil
	}
	s := rb.slot(i)
	return rb.raw[s*rb.cellSize : (s+1)*rb.cellSize]
}

// Spans splits the n cells starting at cell index first into at most two
// memory-contiguous runs, breaking at the end of the ring. n larger than the
// ring is truncated to one full turn.
func (rb *SlotRing) Spans(first int64, n int) []Span {
	if n <= 0 {
		return nil
	}
	if n > rb.cells {
		n = rb.cells
	}
	start := rb.slot(first)
	if start+n <= rb.cells {
		return []Span{{Start: start, Count: n}}
	}
	head := rb.cells - start
	return []Span{{Start: start, Count: head}, {Start: 0, Count: n - head}}
}

// Bytes returns the memory of a span. The slice aliases the ring.
func (rb *SlotRing) Bytes(sp Span) []byte {
	if rb.raw == nil || sp.Count <= 0 {
		return nil
	}
	return rb.raw[sp.Start*rb.cellSize : (sp.Start+sp.Count)*rb.cellSize]
}

// Close releases the memory. A shared region created by this ring is unlinked.
func (rb *SlotRing) Close() (err error) {
	if rb.file == nil {
		rb.raw = nil
		return nil
	}
	if rb.raw != nil {
		if err = syscall.Munmap(rb.raw); err != nil {
			return
		}
		rb.raw = nil
	}
	if err = rb.file.Close(); err != nil {
		return
	}
	rb.file = nil
	if rb.owner {
		return shm.Unlink(rb.name)
	}
	return nil
}
