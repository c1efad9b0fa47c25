package publish

import "sync/atomic"

// Queue sits between the acquisition loop and Run so that a slow socket
// never stalls acquisition. Items go in through In and come out of Out in
// order. When more than limit items wait, the oldest is dropped and counted;
// limit <= 0 means no limit. Closing In flushes the backlog and closes Out.
type Queue[T any] struct {
	in      chan T
	out     chan T
	backlog []T
	limit   int
	dropped atomic.Int64
	peak    atomic.Int64
}

// NewQueue starts a queue holding at most limit waiting items.
func NewQueue[T any](limit int) *Queue[T] {
	q := &Queue[T]{
		in:    make(chan T),
		out:   make(chan T),
		limit: limit,
	}
	go q.run()
	return q
}

func (q *Queue[T]) push(v T) {
	q.backlog = append(q.backlog, v)
	if q.limit > 0 && len(q.backlog) > q.limit {
		q.backlog = q.backlog[1:]
		q.dropped.Add(1)
	}
	if n := int64(len(q.backlog)); n > q.peak.Load() {
		q.peak.Store(n)
	}
}

func (q *Queue[T]) run() {
	for {
		if len(q.backlog) == 0 {
			v, ok := <-q.in
			if !ok {
				close(q.out)
				return
			}
			q.push(v)
			continue
		}
		select {
		case q.out <- q.backlog[0]:
			q.backlog = q.backlog[1:]
		case v, ok := <-q.in:
			if !ok {
				for _, item := range q.backlog {
					q.out <- item
				}
				close(q.out)
				return
			}
			q.push(v)
		}
	}
}

// In is the sending side.
func (q *Queue[T]) In() chan<- T {
	return q.in
}

// Out is the receiving side.
func (q *Queue[T]) Out() <-chan T {
	return q.out
}

// Dropped counts items discarded because the backlog was full.
func (q *Queue[T]) Dropped() int64 {
	return q.dropped.Load()
}

// Peak is the largest backlog seen.
func (q *Queue[T]) Peak() int64 {
	return q.peak.Load()
}
