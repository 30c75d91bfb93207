package session

import (
	"sync"
	"time"

	"github.com/remote-agent-terminal/gateway/internal/model"
	"github.com/remote-agent-terminal/gateway/internal/process"
)

// Entry is one registered session.
type Entry struct {
	ID        string
	OwnerID   string
	ProjectID string
	Workdir   string
	CreatedAt time.Time
	Session   *process.Session

	// relay is held by the pump while it forwards one event, so a stop
	// acknowledgement is never overtaken by output of the stopped session.
	relay sync.Mutex
}

// Registry maps session ids to entries. It is shared by every connection of
// the server and is the single source of truth for which sessions exist.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*Entry)}
}

// Add registers entry unless its owner already holds limit sessions.
// A limit of zero or less disables the check.
func (r *Registry) Add(entry *Entry, limit int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if limit > 0 && r.countLocked(entry.OwnerID) >= limit {
		return model.ErrConcurrencyLimit
	}
	r.entries[entry.ID] = entry
	return nil
}

// Get returns the entry registered under id.
func (r *Registry) Get(id string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	return e, ok
}

// Remove deletes entry if it is still the one registered under its id.
func (r *Registry) Remove(entry *Entry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.entries[entry.ID]; ok && cur == entry {
		delete(r.entries, entry.ID)
		return true
	}
	return false
}

// RemoveOwnedBy deletes and returns every entry owned by ownerID.
func (r *Registry) RemoveOwnedBy(ownerID string) []*Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []*Entry
	for id, e := range r.entries {
		if e.OwnerID == ownerID {
			removed = append(removed, e)
			delete(r.entries, id)
		}
	}
	return removed
}

// RemoveAll deletes and returns every entry.
func (r *Registry) RemoveAll() []*Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		removed = append(removed, e)
	}
	r.entries = make(map[string]*Entry)
	return removed
}

// OwnedBy returns the entries owned by ownerID.
func (r *Registry) OwnedBy(ownerID string) []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Entry
	for _, e := range r.entries {
		if e.OwnerID == ownerID {
			out = append(out, e)
		}
	}
	return out
}

// CountOwnedBy returns the number of entries owned by ownerID.
func (r *Registry) CountOwnedBy(ownerID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.countLocked(ownerID)
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *Registry) countLocked(ownerID string) int {
	n := 0
	for _, e := range r.entries {
		if e.OwnerID == ownerID {
			n++
		}
	}
	return n
}
