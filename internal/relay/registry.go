package relay

import (
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/banshee-data/navrelay/internal/metrics"
)

// Registry is the set of live subscribers. The lock is held only to mutate
// the map or copy it, never across network I/O.
type Registry struct {
	mu   sync.RWMutex
	subs map[uuid.UUID]*Subscriber
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{subs: make(map[uuid.UUID]*Subscriber)}
}

// Add registers s. It reports false if s is already present or closed.
func (r *Registry) Add(s *Subscriber) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.State() == StateClosed {
		return false
	}
	if _, ok := r.subs[s.ID()]; ok {
		return false
	}
	r.subs[s.ID()] = s
	metrics.SubscribersCurrent.Set(float64(len(r.subs)))
	return true
}

// Remove deregisters the subscriber with the given id. It reports whether
// the subscriber was present, so concurrent removals can agree on which
// one performed it.
func (r *Registry) Remove(id uuid.UUID) (*Subscriber, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.subs[id]
	if !ok {
		return nil, false
	}
	delete(r.subs, id)
	metrics.SubscribersCurrent.Set(float64(len(r.subs)))
	return s, true
}

// Get returns the subscriber with the given id.
func (r *Registry) Get(id uuid.UUID) (*Subscriber, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.subs[id]
	return s, ok
}

// Len returns the number of registered subscribers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// Snapshot returns the registered subscribers that are OPEN.
func (r *Registry) Snapshot() []*Subscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Subscriber, 0, len(r.subs))
	for _, s := range r.subs {
		if s.State() == StateOpen {
			out = append(out, s)
		}
	}
	return out
}

// CloseAll removes every subscriber and closes each with a normal-closure
// frame carrying reason. It returns once all of them are closed.
func (r *Registry) CloseAll(reason string) int {
	r.mu.Lock()
	subs := make([]*Subscriber, 0, len(r.subs))
	for id, s := range r.subs {
		subs = append(subs, s)
		delete(r.subs, id)
	}
	metrics.SubscribersCurrent.Set(0)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range subs {
		wg.Add(1)
		go func(s *Subscriber) {
			defer wg.Done()
			s.Close(websocket.CloseNormalClosure, reason)
		}(s)
	}
	wg.Wait()
	return len(subs)
}
