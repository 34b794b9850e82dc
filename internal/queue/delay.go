// Package queue implements the in-process delay queue that feeds the dispatcher.
//
// Tokens are keyed by job ID. Enqueueing an ID that is already present replaces the
// earlier token, so at most one scheduled execution per ID is ever waiting. A token
// becomes ready once its due time has passed; among ready tokens the highest priority
// is handed out first, then the earliest due time, then insertion order.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"
)

// ErrClosed is returned by DequeueReady after Close.
var ErrClosed = errors.New("queue closed")

// Token identifies one scheduled execution.
type Token struct {
	ID       string
	DueAt    time.Time
	Priority int
}

type item struct {
	Token
	seq   uint64
	index int
	ready bool
}

// waitHeap orders not-yet-due items by due time.
type waitHeap []*item

func (h waitHeap) Len() int { return len(h) }
func (h waitHeap) Less(i, j int) bool {
	if h[i].DueAt.Equal(h[j].DueAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].DueAt.Before(h[j].DueAt)
}
func (h waitHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *waitHeap) Push(x interface{}) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}
func (h *waitHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// readyHeap orders due items by priority, then due time, then insertion order.
type readyHeap []*item

func (h readyHeap) Len() int { return len(h) }
func (h readyHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	if !h[i].DueAt.Equal(h[j].DueAt) {
		return h[i].DueAt.Before(h[j].DueAt)
	}
	return h[i].seq < h[j].seq
}
func (h readyHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *readyHeap) Push(x interface{}) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}
func (h *readyHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// Option configures a DelayQueue.
type Option func(*DelayQueue)

// WithClock overrides the time source used to decide readiness.
func WithClock(now func() time.Time) Option {
	return func(q *DelayQueue) { q.now = now }
}

// DelayQueue is safe for concurrent use by any number of producers and consumers.
type DelayQueue struct {
	mu      sync.Mutex
	waiting waitHeap
	ready   readyHeap
	items   map[string]*item
	seq     uint64
	changed chan struct{}
	closed  bool
	now     func() time.Time
}

// New creates an empty queue.
func New(opts ...Option) *DelayQueue {
	q := &DelayQueue{
		items:   make(map[string]*item),
		changed: make(chan struct{}),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// notifyLocked wakes every blocked consumer. Caller holds q.mu.
func (q *DelayQueue) notifyLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}

// removeLocked drops an item from whichever heap holds it. Caller holds q.mu.
func (q *DelayQueue) removeLocked(it *item) {
	if it.ready {
		heap.Remove(&q.ready, it.index)
	} else {
		heap.Remove(&q.waiting, it.index)
	}
	delete(q.items, it.ID)
}

// Enqueue adds tok, replacing any token already queued under the same ID.
// Reports whether an earlier token was replaced. Returns ErrClosed after Close.
func (q *DelayQueue) Enqueue(tok Token) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false, ErrClosed
	}
	replaced := false
	if old, ok := q.items[tok.ID]; ok {
		q.removeLocked(old)
		replaced = true
	}
	q.seq++
	it := &item{Token: tok, seq: q.seq}
	q.items[tok.ID] = it
	heap.Push(&q.waiting, it)
	q.notifyLocked()
	return replaced, nil
}

// EnqueueIfAbsent adds tok only when no token is queued under its ID.
// Reports whether tok was added. Returns ErrClosed after Close.
func (q *DelayQueue) EnqueueIfAbsent(tok Token) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false, ErrClosed
	}
	if _, ok := q.items[tok.ID]; ok {
		return false, nil
	}
	q.seq++
	it := &item{Token: tok, seq: q.seq}
	q.items[tok.ID] = it
	heap.Push(&q.waiting, it)
	q.notifyLocked()
	return true, nil
}

// Cancel removes the token for id. Reports whether one was queued.
func (q *DelayQueue) Cancel(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.items[id]
	if !ok {
		return false
	}
	q.removeLocked(it)
	q.notifyLocked()
	return true
}

// Contains reports whether a token for id is queued.
func (q *DelayQueue) Contains(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.items[id]
	return ok
}

// Len returns the number of queued tokens, due or not.
func (q *DelayQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// promoteLocked moves due tokens to the ready heap. Caller holds q.mu.
func (q *DelayQueue) promoteLocked(now time.Time) {
	for q.waiting.Len() > 0 && !q.waiting[0].DueAt.After(now) {
		it := heap.Pop(&q.waiting).(*item)
		it.ready = true
		heap.Push(&q.ready, it)
	}
}

// DequeueReady blocks until a token is due and returns the best ready one.
// It returns ctx.Err() when ctx is done and ErrClosed once the queue is closed.
func (q *DelayQueue) DequeueReady(ctx context.Context) (Token, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return Token{}, ErrClosed
		}
		q.promoteLocked(q.now())
		if q.ready.Len() > 0 {
			it := heap.Pop(&q.ready).(*item)
			delete(q.items, it.ID)
			q.mu.Unlock()
			return it.Token, nil
		}
		var wait <-chan time.Time
		var timer *time.Timer
		if q.waiting.Len() > 0 {
			d := q.waiting[0].DueAt.Sub(q.now())
			if d < time.Millisecond {
				d = time.Millisecond
			}
			timer = time.NewTimer(d)
			wait = timer.C
		}
		changed := q.changed
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return Token{}, ctx.Err()
		case <-changed:
		case <-wait:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// Close releases all blocked consumers with ErrClosed and drops queued tokens.
func (q *DelayQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.waiting = nil
	q.ready = nil
	q.items = make(map[string]*item)
	q.notifyLocked()
}
