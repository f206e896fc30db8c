// Package queue enforces the admission ceilings for concurrent transfers: a
// global ceiling and a per-owner ceiling. Tasks beyond a ceiling wait in
// FIFO order; releasing a slot immediately admits the next eligible waiter.
package queue

import (
	"context"
	"sync"
)

// Queue is the two-level admission limiter. Waiters are kept in submission
// order; a slot grant always goes to the earliest waiter whose owner ceiling
// permits it, so one saturated owner cannot block other owners, and no owner
// can starve the global order among eligible tasks. Re-admission after a
// retry enqueues at the back like any fresh submission.
type Queue struct {
	mu          sync.Mutex
	global      int
	perOwner    int
	active      int
	ownerActive map[string]int
	waiters     []*waiter
}

type waiter struct {
	owner string
	ready chan struct{}
}

// New creates an admission queue with the given ceilings. Ceilings below one
// are raised to one.
func New(global, perOwner int) *Queue {
	if global < 1 {
		global = 1
	}
	if perOwner < 1 {
		perOwner = 1
	}
	return &Queue{
		global:      global,
		perOwner:    perOwner,
		ownerActive: make(map[string]int),
	}
}

// Admit blocks until both ceilings allow a transfer for owner, or until ctx
// is done. On success the caller holds one slot and must Release it.
func (q *Queue) Admit(ctx context.Context, owner string) error {
	q.mu.Lock()
	w := &waiter{owner: owner, ready: make(chan struct{})}
	q.waiters = append(q.waiters, w)
	// Earlier waiters blocked only by their owner ceiling must not hold up
	// an eligible arrival.
	q.dispatch()
	q.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		q.remove(w)
		return ctx.Err()
	}
}

// Release returns owner's slot and admits the next eligible waiter(s).
func (q *Queue) Release(owner string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.active > 0 {
		q.active--
	}
	if q.ownerActive[owner] > 0 {
		q.ownerActive[owner]--
		if q.ownerActive[owner] == 0 {
			delete(q.ownerActive, owner)
		}
	}

	q.dispatch()
}

// Active returns the number of currently held slots.
func (q *Queue) Active() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active
}

// ActiveFor returns the number of slots held by one owner.
func (q *Queue) ActiveFor(owner string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ownerActive[owner]
}

// Waiting returns the number of queued admissions.
func (q *Queue) Waiting() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiters)
}

// eligible reports whether both ceilings currently allow owner. Callers
// hold q.mu.
func (q *Queue) eligible(owner string) bool {
	return q.active < q.global && q.ownerActive[owner] < q.perOwner
}

// take consumes a slot for owner. Callers hold q.mu.
func (q *Queue) take(owner string) {
	q.active++
	q.ownerActive[owner]++
}

// dispatch admits waiters in FIFO order, skipping those blocked only by
// their owner ceiling. Callers hold q.mu.
func (q *Queue) dispatch() {
	remaining := q.waiters[:0]
	for _, w := range q.waiters {
		if q.eligible(w.owner) {
			q.take(w.owner)
			close(w.ready)
			continue
		}
		remaining = append(remaining, w)
	}
	q.waiters = remaining
}

// remove drops a waiter that gave up before admission. If the waiter was
// admitted concurrently, its slot is returned.
func (q *Queue) remove(w *waiter) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, candidate := range q.waiters {
		if candidate == w {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			return
		}
	}

	// Not found: Admit raced with dispatch and the slot was granted.
	select {
	case <-w.ready:
		if q.active > 0 {
			q.active--
		}
		if q.ownerActive[w.owner] > 0 {
			q.ownerActive[w.owner]--
			if q.ownerActive[w.owner] == 0 {
				delete(q.ownerActive, w.owner)
			}
		}
		q.dispatch()
	default:
	}
}
