package record

import (
	"bufio"
	"fmt"
	"io"
	"time"
)

type drop struct {
	first   int64
	dropped int64
}

// DropLog writes one line per frame-loss event to an io.Writer from a
// background goroutine, so that the acquisition loop never blocks on the file.
// The output is flushed every flushInterval and on Flush or Close.
type DropLog struct {
	writer        *bufio.Writer
	events        chan drop
	flushNow      chan struct{}
	flushComplete chan struct{}
	flushInterval time.Duration
	overflow      int
	observed      int64
}

// DropLogHeader is the first line of every drop log.
const DropLogHeader = "# first frame after drop, number of dropped frames\n"

// NewDropLog starts a drop log holding up to depth pending events.
func NewDropLog(w io.Writer, depth int, flushInterval time.Duration) *DropLog {
	dl := &DropLog{
		writer:        bufio.NewWriter(w),
		events:        make(chan drop, depth),
		flushNow:      make(chan struct{}),
		flushComplete: make(chan struct{}),
		flushInterval: flushInterval,
	}
	dl.writer.WriteString(DropLogHeader)
	go dl.writeLoop()
	return dl
}

// Record queues one loss event. It never blocks: when the queue is full the
// event is counted in Overflow instead.
func (dl *DropLog) Record(first, dropped int64) {
	dl.observed++
	select {
	case dl.events <- drop{first, dropped}:
	default:
		dl.overflow++
	}
}

// Observed counts events passed to Record.
func (dl *DropLog) Observed() int64 {
	return dl.observed
}

// Overflow counts events lost because the queue was full.
func (dl *DropLog) Overflow() int {
	return dl.overflow
}

// Flush writes all queued events and blocks until they reach the writer.
func (dl *DropLog) Flush() {
	dl.flushNow <- struct{}{}
	<-dl.flushComplete
}

// Close flushes and stops the background goroutine. The DropLog must not be
// used afterwards.
func (dl *DropLog) Close() {
	close(dl.flushNow)
	<-dl.flushComplete
}

func (dl *DropLog) writeLoop() {
	ticker := time.NewTicker(dl.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case ev := <-dl.events:
			dl.write(ev)

		case _, ok := <-dl.flushNow:
			dl.drain()
			dl.flushComplete <- struct{}{}
			if !ok {
				return
			}

		case <-ticker.C:
			dl.drain()
		}
	}
}

func (dl *DropLog) write(ev drop) {
	fmt.Fprintf(dl.writer, "%d,%d\n", ev.first, ev.dropped)
}

func (dl *DropLog) drain() {
	for {
		select {
		case ev := <-dl.events:
			dl.write(ev)
		default:
			dl.writer.Flush()
			return
		}
	}
}
