package agent

import (
	"sort"
	"sync"

	"github.com/hummer98/sdd-orchestrator-sub011/internal/domain"
)

// Registry indexes every known handle by agent ID. It is pure storage:
// lifecycle decisions live in the state machine and the executor.
type Registry struct {
	handles map[string]Handle
	probe   ProcessProbe
	mu      sync.RWMutex
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		handles: make(map[string]Handle),
		probe:   SystemProbe{},
	}
}

// SetProbe sets the probe given to handles built by RegisterReattached
func (r *Registry) SetProbe(probe ProcessProbe) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.probe = probe
}

// Register stores h, replacing any handle with the same agent ID
func (r *Registry) Register(h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handles[h.AgentID()] = h
}

// RegisterReattached builds a reattached handle from a persisted record and stores it
func (r *Registry) RegisterReattached(rec domain.AgentRecord) *ReattachedHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := NewReattachedHandle(rec, r.probe)
	r.handles[h.AgentID()] = h
	return h
}

// Unregister removes the handle for id, if any
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handles, id)
}

// Get returns the handle for id
func (r *Registry) Get(id string) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[id]
	return h, ok
}

// GetAll returns every handle, oldest first
func (r *Registry) GetAll() []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Handle, 0, len(r.handles))
	for _, h := range r.handles {
		out = append(out, h)
	}
	sortByStart(out)
	return out
}

// GetBySpec returns the handles owned by specID, oldest first
func (r *Registry) GetBySpec(specID string) []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Handle
	for _, h := range r.handles {
		if h.SpecID() == specID {
			out = append(out, h)
		}
	}
	sortByStart(out)
	return out
}

// GetBySession returns the most recently started handle carrying sessionID
func (r *Registry) GetBySession(sessionID string) (Handle, bool) {
	if sessionID == "" {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var found Handle
	for _, h := range r.handles {
		if h.SessionID() != sessionID {
			continue
		}
		if found == nil || h.StartedAt().After(found.StartedAt()) {
			found = h
		}
	}
	return found, found != nil
}

// Clear removes every handle
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handles = make(map[string]Handle)
}

// Len returns the number of registered handles
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}

func sortByStart(hs []Handle) {
	sort.Slice(hs, func(i, j int) bool {
		if hs[i].StartedAt().Equal(hs[j].StartedAt()) {
			return hs[i].AgentID() < hs[j].AgentID()
		}
		return hs[i].StartedAt().Before(hs[j].StartedAt())
	})
}
