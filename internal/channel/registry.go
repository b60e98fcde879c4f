package channel

import (
	"encoding/json"
	"sync"
)

// Handler receives the raw data of one event.
type Handler func(data json.RawMessage)

// Handle identifies one registration. The zero Handle is never issued.
type Handle struct {
	event string
	id    uint64
}

func (h Handle) Event() string { return h.event }

type listenerSet struct {
	order []uint64
	fns   map[uint64]Handler
}

// registry is a publish/subscribe table keyed by event name. Listeners of
// one event run in registration order; removal is a map delete.
type registry struct {
	mu      sync.Mutex
	next    uint64
	byEvent map[string]*listenerSet
}

func newRegistry() *registry {
	return &registry{byEvent: make(map[string]*listenerSet)}
}

func (r *registry) add(event string, fn Handler) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	set, ok := r.byEvent[event]
	if !ok {
		set = &listenerSet{fns: make(map[uint64]Handler)}
		r.byEvent[event] = set
	}
	set.order = append(set.order, r.next)
	set.fns[r.next] = fn
	return Handle{event: event, id: r.next}
}

func (r *registry) remove(h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.byEvent[h.event]
	if !ok {
		return false
	}
	if _, ok := set.fns[h.id]; !ok {
		return false
	}
	delete(set.fns, h.id)
	switch {
	case len(set.fns) == 0:
		delete(r.byEvent, h.event)
	case len(set.order) > 2*len(set.fns)+8:
		set.compact()
	}
	return true
}

// snapshot returns the handlers for event in registration order. Handlers
// removed after the snapshot was taken may still run once.
func (r *registry) snapshot(event string) []Handler {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.byEvent[event]
	if !ok {
		return nil
	}
	out := make([]Handler, 0, len(set.fns))
	for _, id := range set.order {
		if fn, ok := set.fns[id]; ok {
			out = append(out, fn)
		}
	}
	return out
}

func (r *registry) count(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if set, ok := r.byEvent[event]; ok {
		return len(set.fns)
	}
	return 0
}

func (s *listenerSet) compact() {
	kept := s.order[:0]
	for _, id := range s.order {
		if _, ok := s.fns[id]; ok {
			kept = append(kept, id)
		}
	}
	s.order = kept
}
