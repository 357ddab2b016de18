package ingest

import "sync/atomic"

// BatchQueue is a bounded queue whose Offer never blocks. When the queue is
// full the oldest entry is discarded to make room, since consumers only care
// about the freshest data.
type BatchQueue[T any] struct {
	ch      chan T
	dropped atomic.Uint64
}

// NewBatchQueue returns a queue holding at most depth entries.
func NewBatchQueue[T any](depth int) *BatchQueue[T] {
	if depth < 1 {
		depth = 1
	}
	return &BatchQueue[T]{ch: make(chan T, depth)}
}

// Offer enqueues v, evicting the oldest entry if the queue is full. It
// reports false only if v itself had to be dropped because another producer
// refilled the queue in between.
func (q *BatchQueue[T]) Offer(v T) bool {
	select {
	case q.ch <- v:
		return true
	default:
	}
	select {
	case <-q.ch:
		q.dropped.Add(1)
	default:
	}
	select {
	case q.ch <- v:
		return true
	default:
		q.dropped.Add(1)
		return false
	}
}

// C returns the receive side of the queue.
func (q *BatchQueue[T]) C() <-chan T { return q.ch }

// Latest returns the freshest of first and anything already queued, without
// waiting. skipped counts the entries passed over.
func (q *BatchQueue[T]) Latest(first T) (latest T, skipped int) {
	latest = first
	for {
		select {
		case v := <-q.ch:
			latest = v
			skipped++
		default:
			return latest, skipped
		}
	}
}

// Len returns the number of queued entries.
func (q *BatchQueue[T]) Len() int { return len(q.ch) }

// Dropped returns the number of entries evicted or rejected.
func (q *BatchQueue[T]) Dropped() uint64 { return q.dropped.Load() }
