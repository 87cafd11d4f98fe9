package typing

import (
	"fmt"
	"sync"
	"time"
)

// DefaultExpiry is how long a typing indicator stays on without a
// refreshing event.
const DefaultExpiry = 3 * time.Second

// Registry tracks per-actor debounced typing state for one screen. Each
// actor owns an independent expiry timer; repeated typing events restart
// the timer instead of stacking. Close cancels everything so no timer
// fires into a torn-down screen.
type Registry struct {
	mu      sync.Mutex
	expiry  time.Duration
	entries map[string]*entry
	order   []string // actor ids in the order they started typing
	closed  bool
}

type entry struct {
	timer *time.Timer
	seq   int
}

func NewRegistry(expiry time.Duration) *Registry {
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	return &Registry{
		expiry:  expiry,
		entries: make(map[string]*entry),
	}
}

// SetTyping marks actorID as typing and (re)starts its expiry timer.
func (r *Registry) SetTyping(actorID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}

	e, ok := r.entries[actorID]
	if ok {
		e.timer.Stop()
		e.seq++
	} else {
		e = &entry{}
		r.entries[actorID] = e
		r.order = append(r.order, actorID)
	}

	seq := e.seq
	e.timer = time.AfterFunc(r.expiry, func() {
		r.expire(actorID, seq)
	})
}

func (r *Registry) expire(actorID string, seq int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[actorID]
	if !ok || e.seq != seq {
		// Restarted or explicitly stopped since this timer was armed.
		return
	}
	r.remove(actorID)
}

// SetStopped clears actorID immediately and cancels its pending timer.
func (r *Registry) SetStopped(actorID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[actorID]
	if !ok {
		return
	}
	e.timer.Stop()
	e.seq++
	r.remove(actorID)
}

func (r *Registry) remove(actorID string) {
	delete(r.entries, actorID)
	for i, id := range r.order {
		if id == actorID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

func (r *Registry) IsTyping(actorID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[actorID]
	return ok
}

// Typists returns the actors currently typing, oldest first.
func (r *Registry) Typists() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Close cancels all timers. The registry accepts no further events.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.closed = true
	for _, e := range r.entries {
		e.timer.Stop()
		e.seq++
	}
	r.entries = make(map[string]*entry)
	r.order = nil
}

// Summary renders the typing copy for a list of display names:
// "A is typing", "A and B are typing", "A, B and 2 others are typing".
func Summary(names []string) string {
	switch len(names) {
	case 0:
		return ""
	case 1:
		return names[0] + " is typing"
	case 2:
		return names[0] + " and " + names[1] + " are typing"
	default:
		return fmt.Sprintf("%s, %s and %d others are typing", names[0], names[1], len(names)-2)
	}
}
