package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/usnistgov/grabdaq"
	"github.com/usnistgov/grabdaq/getbytes"
	"github.com/usnistgov/grabdaq/ringbuffer"
)

func dumpcell(data []byte, max int) {
	if max > len(data) {
		max = len(data)
	}
	if max%16 > 0 {
		max -= max % 16
	}
	for i := 0; i < max; i += 16 {
		for j := i; j < i+16; j++ {
			fmt.Printf("%2.2x ", data[j])
		}
		fmt.Println()
	}
}

// dump prints the ring geometry, the spans a read of the whole ring starting
// at first would use, and the first pixels of each cell in the first span.
func dump(name string, cells, cellSize, width int, first int64, max int) error {
	fmt.Println("Dumping ring", name)
	ring, err := ringbuffer.OpenSharedSlotRing(name, cells, cellSize)
	if err != nil {
		return err
	}
	defer ring.Close()
	fmt.Printf("Ring has %d cells of %d bytes (%d total).\n", ring.Cells(), ring.CellSize(), ring.Cells()*ring.CellSize())

	spans := ring.Spans(first, cells)
	for i, sp := range spans {
		fmt.Printf("Span %d: cells [%d,%d)\n", i, sp.Start, sp.Start+sp.Count)
	}
	if len(spans) == 0 {
		return nil
	}
	for c := 0; c < spans[0].Count; c++ {
		cell := ring.Cell(int64(spans[0].Start + c))
		fmt.Printf("Cell %d:\n", spans[0].Start+c)
		dumpcell(cell, max)
		if width > 0 && len(cell) >= 2*width {
			line := make([]uint16, width)
			copy(getbytes.FromSliceUint16(line), cell[:2*width])
			fmt.Println("First line:", line)
		}
	}
	return nil
}

func main() {
	name := flag.String("name", "grabdaq_ring", "shared memory name of the frame ring")
	cells := flag.Int("cells", 0, "number of ring cells")
	cellSize := flag.Int("cellsize", 0, "bytes per ring cell")
	width := flag.Int("width", 0, "pixels per line, to decode the first line of each cell (0 to skip)")
	first := flag.Int64("first", 0, "cell index where the dump starts")
	max := flag.Int("max", 64, "bytes of each cell to print")
	flag.Usage = func() {
		fmt.Printf("ringdump (grabdaq %s), a program to dump the shared frame ring\n", grabdaq.Build.Version)
		fmt.Println("Usage:")
		flag.PrintDefaults()
	}
	flag.Parse()
	if *cells <= 0 || *cellSize <= 0 {
		fmt.Println("Both -cells and -cellsize must be positive.")
		os.Exit(2)
	}

	if err := dump(*name, *cells, *cellSize, *width, *first, *max); err != nil {
		fmt.Println("dump returned error: ", err)
		os.Exit(1)
	}
}
