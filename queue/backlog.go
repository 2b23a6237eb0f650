package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// Backlog orders task ids by submission time. Pushing an id that is already
// queued is a no-op, and a re-pushed id takes the position its submission
// time gives it, not the back of the queue.
type Backlog interface {
	Push(ctx context.Context, id string, submittedAt time.Time) error
	// Pop removes and returns the oldest id. When the backlog is empty it
	// waits up to wait for one to arrive and returns "" if none does.
	Pop(ctx context.Context, wait time.Duration) (string, error)
	Len(ctx context.Context) (int64, error)
	Ping(ctx context.Context) error
}

type entry struct {
	id    string
	at    time.Time
	index int
}

type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].id < h[j].id
	}
	return h[i].at.Before(h[j].at)
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// MemoryBacklog is a process-local Backlog.
type MemoryBacklog struct {
	mu    sync.Mutex
	h     entryHeap
	index map[string]*entry
	// wake is closed and replaced on every push to release waiting Pops.
	wake chan struct{}
}

var _ Backlog = (*MemoryBacklog)(nil)

func NewMemoryBacklog() *MemoryBacklog {
	return &MemoryBacklog{
		index: make(map[string]*entry),
		wake:  make(chan struct{}),
	}
}

func (b *MemoryBacklog) Push(_ context.Context, id string, submittedAt time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.index[id]; ok {
		return nil
	}
	e := &entry{id: id, at: submittedAt}
	heap.Push(&b.h, e)
	b.index[id] = e

	close(b.wake)
	b.wake = make(chan struct{})
	return nil
}

func (b *MemoryBacklog) Pop(ctx context.Context, wait time.Duration) (string, error) {
	var timeout <-chan time.Time
	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		b.mu.Lock()
		if b.h.Len() > 0 {
			e := heap.Pop(&b.h).(*entry)
			delete(b.index, e.id)
			b.mu.Unlock()
			return e.id, nil
		}
		wake := b.wake
		b.mu.Unlock()

		if wait <= 0 {
			return "", nil
		}

		select {
		case <-wake:
		case <-timeout:
			return "", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func (b *MemoryBacklog) Len(context.Context) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(b.h.Len()), nil
}

func (b *MemoryBacklog) Ping(context.Context) error { return nil }
