package pipeline

import (
	"container/heap"
	"context"
	"sync"

	"github.com/kospibot/daytrader/internal/pkg/metrics"
)

// Queue is the bounded priority queue between analysis workers and the
// executor. Ordering is ensemble score descending with older-first
// tie-break. At capacity the lowest-priority entry is dropped to admit a
// higher one.
type Queue struct {
	mu       sync.Mutex
	items    signalHeap
	capacity int
	notify   chan struct{}
}

func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 64
	}
	return &Queue{
		capacity: capacity,
		notify:   make(chan struct{}, 1),
	}
}

// Push admits a signal, applying admission control under backpressure.
// Returns false if the signal was shed.
func (q *Queue) Push(sig *Signal) bool {
	q.mu.Lock()
	if q.items.Len() >= q.capacity {
		lowest := q.items.lowestIndex()
		if !less(sig, q.items[lowest]) {
			// new signal outranks the worst queued one
			heap.Remove(&q.items, lowest)
			metrics.SignalsDropped.WithLabelValues("queue_full").Inc()
		} else {
			q.mu.Unlock()
			metrics.SignalsDropped.WithLabelValues("queue_full").Inc()
			return false
		}
	}
	heap.Push(&q.items, sig)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// Pop blocks until a signal is available or ctx is cancelled.
func (q *Queue) Pop(ctx context.Context) (*Signal, error) {
	for {
		q.mu.Lock()
		if q.items.Len() > 0 {
			sig := heap.Pop(&q.items).(*Signal)
			q.mu.Unlock()
			return sig, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.notify:
		}
	}
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// less reports whether a has strictly lower execution priority than b.
func less(a, b *Signal) bool {
	if a.Score != b.Score {
		return a.Score < b.Score
	}
	return a.GeneratedAt.After(b.GeneratedAt) // older first on ties
}

type signalHeap []*Signal

func (h signalHeap) Len() int            { return len(h) }
func (h signalHeap) Less(i, j int) bool  { return less(h[j], h[i]) } // max-heap
func (h signalHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *signalHeap) Push(x any)         { *h = append(*h, x.(*Signal)) }
func (h *signalHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// lowestIndex finds the entry with the lowest priority; capacity is small so
// a linear scan is fine.
func (h signalHeap) lowestIndex() int {
	lowest := 0
	for i := 1; i < len(h); i++ {
		if less(h[i], h[lowest]) {
			lowest = i
		}
	}
	return lowest
}
