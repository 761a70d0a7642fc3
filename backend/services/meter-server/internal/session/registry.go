package session

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps connection ids to active sessions. It is owned by one server instance.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Create registers s under connID.
func (r *Registry) Create(connID string, s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[connID]; exists {
		return fmt.Errorf("%w: %s", ErrSessionExists, connID)
	}
	r.sessions[connID] = s
	return nil
}

// Get returns the session bound to connID.
func (r *Registry) Get(connID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[connID]
	return s, ok
}

// FindByUserID returns the oldest session of userID.
func (r *Registry) FindByUserID(userID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var found *Session
	for _, s := range r.sessions {
		if s.userID != userID {
			continue
		}
		if found == nil || s.startedAt.Before(found.startedAt) {
			found = s
		}
	}
	return found, found != nil
}

// FindBySessionID returns the session with id and its connection id.
func (r *Registry) FindBySessionID(id string) (string, *Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for connID, s := range r.sessions {
		if s.id == id {
			return connID, s, true
		}
	}
	return "", nil, false
}

// Remove drops the session bound to connID.
func (r *Registry) Remove(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, connID)
}

// release removes connID only while it still maps to s.
func (r *Registry) release(connID string, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[connID] == s {
		delete(r.sessions, connID)
	}
}

// All returns snapshots of every registered session, oldest first.
func (r *Registry) All() []Snapshot {
	r.mu.RLock()
	list := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		list = append(list, s)
	}
	r.mu.RUnlock()

	out := make([]Snapshot, 0, len(list))
	for _, s := range list {
		out = append(out, s.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// ActiveSession returns a snapshot of the session with id while it has not ended.
func (r *Registry) ActiveSession(id string) (Snapshot, bool) {
	_, s, ok := r.FindBySessionID(id)
	if !ok {
		return Snapshot{}, false
	}
	snap := s.Snapshot()
	return snap, snap.Status == StatusActive
}
