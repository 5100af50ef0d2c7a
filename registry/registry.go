// Package registry tracks the live sessions of a server, keyed by peer
// address. A Registry is safe for concurrent use.
package registry

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

var (
	// ErrFull is returned by Reserve when the registry is at capacity.
	ErrFull = errors.New("too many sessions")
	// ErrExists is returned by Reserve when the address is already registered.
	ErrExists = errors.New("session already registered")
)

type entry struct {
	session Session
	conn    io.Closer
}

// Registry maps peer address to session.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{entries: map[string]*entry{}}
}

// Reserve inserts the session under addr if fewer than max sessions are
// registered (max <= 0 means unlimited). The check and the insert happen
// under one lock so concurrent callers cannot overshoot max. conn is closed
// by CloseAll and may be nil.
func (r *Registry) Reserve(addr string, s Session, conn io.Closer, max int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[addr]; ok {
		return fmt.Errorf("%w: %s", ErrExists, addr)
	}
	if max > 0 && len(r.entries) >= max {
		return fmt.Errorf("%w (limit %d)", ErrFull, max)
	}
	r.entries[addr] = &entry{session: s, conn: conn}
	return nil
}

// Update applies fn to the session registered under addr. It reports false
// when there is no such session.
func (r *Registry) Update(addr string, fn func(s *Session)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[addr]
	if !ok {
		return false
	}
	fn(&e.session)
	return true
}

// Touch records activity at t.
func (r *Registry) Touch(addr string, t time.Time) bool {
	return r.Update(addr, func(s *Session) {
		s.LastActivity = Timestamp(t)
	})
}

// Remove deletes addr. It reports whether an entry was removed.
func (r *Registry) Remove(addr string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[addr]
	delete(r.entries, addr)
	return ok
}

// Get returns a copy of the session under addr.
func (r *Registry) Get(addr string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[addr]
	if !ok {
		return Session{}, false
	}
	return e.session, true
}

// Snapshot copies every session.
func (r *Registry) Snapshot() map[string]Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := make(map[string]Session, len(r.entries))
	for addr, e := range r.entries {
		m[addr] = e.session
	}
	return m
}

// Len returns the number of sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// CloseAll closes every registered connection and returns how many were
// closed. Entries stay registered; the owner of each session removes it
// once its reads fail.
func (r *Registry) CloseAll() int {
	r.mu.Lock()
	conns := make([]io.Closer, 0, len(r.entries))
	for _, e := range r.entries {
		if e.conn != nil {
			conns = append(conns, e.conn)
		}
	}
	r.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
	return len(conns)
}
