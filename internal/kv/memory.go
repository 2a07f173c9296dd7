package kv

import (
	"context"
	"fmt"
	"sync"
)

// Memory is an in-process backend shared by any number of sessions.
// Each Session behaves like one process with its own Origin, which makes
// Memory suitable for tests that simulate several tabs over one store.
type Memory struct {
	mu   sync.Mutex
	data map[string]Record
	rev  Revision
	hub  *hub
}

// NewMemory creates an empty backend.
func NewMemory() *Memory {
	return &Memory{
		data: make(map[string]Record),
		hub:  newHub(),
	}
}

// Session opens a new handle with a fresh origin.
func (m *Memory) Session() *MemorySession {
	return &MemorySession{backend: m, origin: newOrigin()}
}

// Revision returns the latest committed revision.
func (m *Memory) Revision() Revision {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rev
}

// Snapshot returns a copy of the stored value for key, bypassing sessions.
func (m *Memory) Snapshot(key string) Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.data[key]
	rec.Key = key
	rec.Value = cloneBytes(rec.Value)
	return rec
}

func (m *Memory) set(origin string, entries []Entry) Revision {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rev++
	changes := make([]Change, 0, len(entries))
	for _, e := range entries {
		value := cloneBytes(e.Value)
		m.data[e.Key] = Record{Key: e.Key, Value: value, Revision: m.rev}
		changes = append(changes, Change{Key: e.Key, Value: cloneBytes(value), Revision: m.rev, Origin: origin})
	}

	// Publishing under the lock keeps notifications in revision order.
	m.hub.publish(changes...)
	return m.rev
}

func (m *Memory) merge(origin, key string, patch []byte) (Revision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	merged, err := MergePatch(m.data[key].Value, patch)
	if err != nil {
		return 0, err
	}

	m.rev++
	m.data[key] = Record{Key: key, Value: merged, Revision: m.rev}
	m.hub.publish(Change{Key: key, Value: cloneBytes(merged), Revision: m.rev, Origin: origin})
	return m.rev, nil
}

// MemorySession is one handle onto a Memory backend.
type MemorySession struct {
	backend *Memory
	origin  string

	mu     sync.Mutex
	closed bool
	subs   []func()
}

var _ Store = (*MemorySession)(nil)

// Origin returns the session's origin identifier.
func (s *MemorySession) Origin() string {
	return s.origin
}

// Get returns the stored record for key.
func (s *MemorySession) Get(ctx context.Context, key string) (Record, error) {
	if err := s.check(ctx, "get", key); err != nil {
		return Record{}, err
	}
	return s.backend.Snapshot(key), nil
}

// Set writes all entries under one revision.
func (s *MemorySession) Set(ctx context.Context, entries ...Entry) (Revision, error) {
	if err := s.check(ctx, "set", keysOf(entries)); err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return s.backend.Revision(), nil
	}
	return s.backend.set(s.origin, entries), nil
}

// Merge applies patch to key atomically.
func (s *MemorySession) Merge(ctx context.Context, key string, patch []byte) (Revision, error) {
	if err := s.check(ctx, "merge", key); err != nil {
		return 0, err
	}
	rev, err := s.backend.merge(s.origin, key, patch)
	if err != nil {
		return 0, &StoreError{Op: "merge", Key: key, Err: err}
	}
	return rev, nil
}

// Subscribe registers fn for changes from every session of the backend.
func (s *MemorySession) Subscribe(fn func(Change)) func() {
	cancel := s.backend.hub.subscribe(fn)

	s.mu.Lock()
	s.subs = append(s.subs, cancel)
	s.mu.Unlock()

	return cancel
}

// Close detaches the session's subscriptions. The backend keeps its data.
func (s *MemorySession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	for _, cancel := range s.subs {
		cancel()
	}
	s.subs = nil
	return nil
}

func (s *MemorySession) check(ctx context.Context, op, key string) error {
	if err := ctx.Err(); err != nil {
		return &StoreError{Op: op, Key: key, Err: err}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return &StoreError{Op: op, Key: key, Err: ErrClosed}
	}
	return nil
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

// String implements fmt.Stringer for diagnostics.
func (s *MemorySession) String() string {
	return fmt.Sprintf("memory(%s)", s.origin)
}
