package session

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/moby/locker"
)

// Registry maps session ids to sessions. Create, Replace and Remove on one id
// are serialised by a per-id lock; different ids never wait on each other
// beyond the brief map access.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	locks    *locker.Locker
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		locks:    locker.New(),
	}
}

// lockKey acquires the exclusive lock for id and returns its release func.
// The lock entry is dropped once no caller holds or waits for it.
func (r *Registry) lockKey(id string) func() {
	r.locks.Lock(id)
	return func() { r.locks.Unlock(id) }
}

// Get returns the session registered under id.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// Create registers the session returned by build under id. build runs under
// the id's lock and is not called if id is already taken.
func (r *Registry) Create(id string, build func() (*Session, error)) (*Session, error) {
	unlock := r.lockKey(id)
	defer unlock()

	if _, err := r.Get(id); err == nil {
		return nil, fmt.Errorf("session %s already exists", id)
	}
	s, err := build()
	if err != nil {
		return nil, err
	}
	r.put(id, s)
	return s, nil
}

// Replace stops and tears down any session under id, then registers the one
// returned by build. The old process is reaped before build runs.
func (r *Registry) Replace(ctx context.Context, id string, build func() (*Session, error)) (*Session, error) {
	unlock := r.lockKey(id)
	defer unlock()

	if old, err := r.Get(id); err == nil {
		r.delete(id, old)
		if err := old.destroy(ctx, reasonReplaced); err != nil {
			return nil, fmt.Errorf("stopping previous session %s: %w", id, err)
		}
	}
	s, err := build()
	if err != nil {
		return nil, err
	}
	r.put(id, s)
	return s, nil
}

// Remove unregisters the session under id and waits for its teardown.
func (r *Registry) Remove(ctx context.Context, id, reason string) error {
	unlock := r.lockKey(id)
	defer unlock()

	s, err := r.Get(id)
	if err != nil {
		return err
	}
	r.delete(id, s)
	return s.destroy(ctx, reason)
}

// RemoveIf unregisters id only if it still maps to s.
func (r *Registry) RemoveIf(id string, s *Session) bool {
	return r.delete(id, s)
}

func (r *Registry) put(id string, s *Session) {
	r.mu.Lock()
	r.sessions[id] = s
	r.mu.Unlock()
}

func (r *Registry) delete(id string, s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[id]; ok && cur == s {
		delete(r.sessions, id)
		return true
	}
	return false
}

// Snapshot returns the registered sessions ordered by creation time.
func (r *Registry) Snapshot() []*Session {
	r.mu.Lock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
