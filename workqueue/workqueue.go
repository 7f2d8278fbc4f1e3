// Package workqueue runs deferred work items outside interrupt context.
//
// A Work item is either idle, pending (queued), running, or running and
// pending again. Scheduling a pending item is a no-op, scheduling a running
// item queues it once more, so no wake-up is lost and none is doubled.
// A Queue executes its items one at a time on a single worker goroutine,
// therefore an item never runs concurrently with itself.
package workqueue

import (
	"sync"
)

// Queue is a work queue shared by any number of work items.
type Queue struct {
	mu      sync.Mutex
	items   []*Work
	closed  bool
	kick    chan struct{}
	stopped chan struct{}
}

// New starts a queue and its worker goroutine.
func New() *Queue {
	q := &Queue{
		kick:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
	go q.run()
	return q
}

// Close stops the worker after all queued items ran and waits for it to exit.
// Items scheduled after Close are dropped.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.stopped
		return
	}
	q.closed = true
	q.mu.Unlock()
	q.wake()
	<-q.stopped
}

func (q *Queue) wake() {
	select {
	case q.kick <- struct{}{}:
	default:
	}
}

func (q *Queue) run() {
	defer close(q.stopped)
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			closed := q.closed
			q.mu.Unlock()
			if closed {
				return
			}
			<-q.kick
			continue
		}
		w := q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
		w.pending = false
		w.running = true
		q.mu.Unlock()

		w.fn()

		q.mu.Lock()
		w.running = false
		w.idle.Broadcast()
		q.mu.Unlock()
	}
}

// Work is a deferred function bound to a queue.
type Work struct {
	q         *Queue
	fn        func()
	pending   bool
	running   bool
	canceling bool
	idle      *sync.Cond
}

// NewWork binds fn to the queue. fn may block.
func (q *Queue) NewWork(fn func()) *Work {
	return &Work{
		q:    q,
		fn:   fn,
		idle: sync.NewCond(&q.mu),
	}
}

// Schedule queues the item unless it is already pending or being cancelled.
// It never blocks and is safe to call from an interrupt handler. It reports
// whether the item was queued by this call.
func (w *Work) Schedule() bool {
	q := w.q
	q.mu.Lock()
	if w.pending || w.canceling || q.closed {
		q.mu.Unlock()
		return false
	}
	w.pending = true
	q.items = append(q.items, w)
	q.mu.Unlock()
	q.wake()
	return true
}

// Pending reports whether the item is queued.
func (w *Work) Pending() bool {
	w.q.mu.Lock()
	defer w.q.mu.Unlock()
	return w.pending
}

// Running reports whether the item is executing.
func (w *Work) Running() bool {
	w.q.mu.Lock()
	defer w.q.mu.Unlock()
	return w.running
}

// CancelSync removes the item from the queue if pending and waits until a
// running execution finished. Schedule calls made meanwhile, including ones
// from the running item, are refused. It reports whether a pending item was
// cancelled. It must not be called from the item itself.
func (w *Work) CancelSync() bool {
	q := w.q
	q.mu.Lock()
	defer q.mu.Unlock()

	w.canceling = true
	defer func() { w.canceling = false }()

	cancelled := false
	for {
		if w.pending {
			for i, it := range q.items {
				if it == w {
					q.items = append(q.items[:i], q.items[i+1:]...)
					break
				}
			}
			w.pending = false
			cancelled = true
			w.idle.Broadcast()
		}
		if !w.running {
			return cancelled
		}
		w.idle.Wait()
	}
}

// Flush waits until the item is neither pending nor running.
// It must not be called from the item itself.
func (w *Work) Flush() {
	q := w.q
	q.mu.Lock()
	defer q.mu.Unlock()
	for w.pending || w.running {
		w.idle.Wait()
	}
}
