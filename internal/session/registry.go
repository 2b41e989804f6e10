package session

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/nfehr/auxroom/internal/domain"
)

// Registry tracks the live session machines on this instance and resolves
// join codes to machines. Lookup by join code falls back to nothing;
// cross-instance joins resolve the code against the store first and land
// here only when the machine is local.
type Registry struct {
	mu     sync.Mutex
	byID   map[uuid.UUID]*Machine
	byCode map[string]uuid.UUID
}

func NewRegistry() *Registry {
	return &Registry{
		byID:   make(map[uuid.UUID]*Machine),
		byCode: make(map[string]uuid.UUID),
	}
}

// Add registers a machine under its handle.
func (r *Registry) Add(m *Machine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[m.Handle()] = m
}

// IndexJoinCode makes a started machine resolvable by its join code.
func (r *Registry) IndexJoinCode(code string, id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byCode[code] = id
}

// Get returns the machine for a session id.
func (r *Registry) Get(id uuid.UUID) (*Machine, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.byID[id]
	return m, ok
}

// GetByCode returns the machine a join code resolves to.
func (r *Registry) GetByCode(code string) (*Machine, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byCode[code]
	if !ok {
		return nil, false
	}
	m, ok := r.byID[id]
	return m, ok
}

// Remove drops a machine and its join-code index entry.
func (r *Registry) Remove(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, id)
	for code, mapped := range r.byCode {
		if mapped == id {
			delete(r.byCode, code)
		}
	}
}

// StopAll shuts every machine down, for graceful shutdown.
func (r *Registry) StopAll() {
	r.mu.Lock()
	machines := make([]*Machine, 0, len(r.byID))
	for _, m := range r.byID {
		machines = append(machines, m)
	}
	r.byID = make(map[uuid.UUID]*Machine)
	r.byCode = make(map[string]uuid.UUID)
	r.mu.Unlock()

	for _, m := range machines {
		m.Stop()
	}
}

// Snapshots returns the current state of every public active session on
// this instance, for the discovery listing.
func (r *Registry) Snapshots(ctx context.Context) []*domain.Session {
	r.mu.Lock()
	machines := make([]*Machine, 0, len(r.byID))
	for _, m := range r.byID {
		machines = append(machines, m)
	}
	r.mu.Unlock()

	out := make([]*domain.Session, 0, len(machines))
	for _, m := range machines {
		snap, err := m.Snapshot(ctx)
		if err != nil {
			continue
		}
		if snap.State() == domain.SessionActive && snap.Join.Visibility == domain.VisibilityPublic {
			out = append(out, snap)
		}
	}
	return out
}
