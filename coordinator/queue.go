package main

import (
	"context"
	"sync"
	"time"
)

// nodeQueue is a deduplicating queue of node ids awaiting
// reconciliation. A node is never handed to two workers at once: ids
// added while in flight are marked dirty and re-queued when the worker
// calls Done. Delayed adds back retry scheduling, and a newer add for
// the same node supersedes any pending timer.
type nodeQueue struct {
	mu           sync.Mutex
	queue        []string
	processing   map[string]bool
	dirty        map[string]bool
	timers       map[string]*time.Timer
	cond         *sync.Cond
	shuttingDown bool
}

func newNodeQueue() *nodeQueue {
	q := &nodeQueue{
		processing: map[string]bool{},
		dirty:      map[string]bool{},
		timers:     map[string]*time.Timer{},
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *nodeQueue) Add(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.add(id)
}

func (q *nodeQueue) add(id string) {
	if q.shuttingDown {
		return
	}

	// An immediate add supersedes a scheduled retry
	if timer, ok := q.timers[id]; ok {
		timer.Stop()
		delete(q.timers, id)
	}

	if q.processing[id] {
		q.dirty[id] = true
		return
	}

	for _, cur := range q.queue {
		if cur == id {
			return
		}
	}

	q.queue = append(q.queue, id)
	q.cond.Signal()
}

// AddAfter enqueues the node once the delay elapses. Re-adding before
// then resets the timer rather than stacking a second one.
func (q *nodeQueue) AddAfter(id string, delay time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.shuttingDown {
		return
	}

	if timer, ok := q.timers[id]; ok {
		timer.Stop()
	}
	q.timers[id] = time.AfterFunc(delay, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		delete(q.timers, id)
		q.add(id)
	})
}

// Get blocks until a node is ready, returning false on shutdown or
// context cancellation. The id stays checked out until the caller
// passes it back through Done.
func (q *nodeQueue) Get(ctx context.Context) (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.queue) == 0 && !q.shuttingDown {
		if ctx.Err() != nil {
			return "", false
		}

		// cond.Wait can't watch the context, so race a goroutine that
		// broadcasts on cancellation. Closing done ensures it exits
		// whichever way we wake up.
		done := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				q.mu.Lock()
				q.cond.Broadcast()
				q.mu.Unlock()
			case <-done:
			}
		}()

		q.cond.Wait()
		close(done)

		if ctx.Err() != nil {
			return "", false
		}
	}

	if q.shuttingDown && len(q.queue) == 0 {
		return "", false
	}

	id := q.queue[0]
	q.queue = q.queue[1:]
	q.processing[id] = true
	return id, true
}

// Done releases the node. If it was re-added while checked out it goes
// straight back into the queue.
func (q *nodeQueue) Done(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.processing, id)
	if q.dirty[id] {
		delete(q.dirty, id)
		q.queue = append(q.queue, id)
		q.cond.Signal()
	}
}

func (q *nodeQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue)
}

func (q *nodeQueue) Shutdown() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.shuttingDown = true
	for id, timer := range q.timers {
		timer.Stop()
		delete(q.timers, id)
	}
	q.cond.Broadcast()
}
