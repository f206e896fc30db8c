package engine

import (
	"context"
	"sync"

	"github.com/desertthunder/mirrorbot/internal/backends"
	"github.com/desertthunder/mirrorbot/internal/models"
)

// entry pairs a task with its live control state. Each entry carries its own
// mutex so reads and writes for one task never contend with another's.
type entry struct {
	mu       sync.Mutex
	task     models.Task
	transfer backends.Transfer  // active transfer, nil outside active states
	cancel   context.CancelFunc // tears down the task's run loop
	paused   bool               // transfer suspended; inactivity checks skip it
	requeue  bool               // pause fallback: cancel was internal, re-admit
}

// snapshot returns a copy of the task. Pointers inside the copy are not
// shared with the live entry.
func (e *entry) snapshot() models.Task {
	e.mu.Lock()
	defer e.mu.Unlock()

	t := e.task
	if e.task.Err != nil {
		errCopy := *e.task.Err
		t.Err = &errCopy
	}
	return t
}

// registry is the shared task map: per-entry locking for task state, a
// registry-level RWMutex only for map membership and ordering. Terminal
// tasks are retained up to historyCap and then evicted FIFO.
type registry struct {
	mu         sync.RWMutex
	entries    map[string]*entry
	order      []string // insertion order, for List
	terminal   []string // terminal ids in completion order, for eviction
	historyCap int
}

func newRegistry(historyCap int) *registry {
	if historyCap < 1 {
		historyCap = 1
	}
	return &registry{
		entries:    make(map[string]*entry),
		historyCap: historyCap,
	}
}

func (r *registry) add(e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[e.task.ID] = e
	r.order = append(r.order, e.task.ID)
}

func (r *registry) get(id string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e, ok
}

// list returns snapshots in insertion order, filtered by owner when owner is
// non-empty.
func (r *registry) list(owner string) []models.Task {
	r.mu.RLock()
	ids := make([]string, len(r.order))
	copy(ids, r.order)
	r.mu.RUnlock()

	var out []models.Task
	for _, id := range ids {
		e, ok := r.get(id)
		if !ok {
			continue
		}
		t := e.snapshot()
		if owner == "" || t.Owner == owner {
			out = append(out, t)
		}
	}
	return out
}

// markTerminal records a task's completion and evicts the oldest terminal
// entries beyond the history cap.
func (r *registry) markTerminal(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.terminal = append(r.terminal, id)
	for len(r.terminal) > r.historyCap {
		evict := r.terminal[0]
		r.terminal = r.terminal[1:]
		delete(r.entries, evict)
		for i, oid := range r.order {
			if oid == evict {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
	}
}
