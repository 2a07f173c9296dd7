package testutil

import (
	"context"
	"errors"
	"sync"

	"github.com/roach88/mutq/internal/kv"
)

// ErrInjected is the transient failure returned by FaultStore.
var ErrInjected = errors.New("testutil: injected write failure")

// FaultStore wraps a kv.Store and injects write failures and stalls.
// Reads and subscriptions pass through untouched.
type FaultStore struct {
	kv.Store

	mu       sync.Mutex
	failNext int
	failAll  bool
	gate     chan struct{}
	writes   int
	failures int
}

// NewFaultStore wraps s.
func NewFaultStore(s kv.Store) *FaultStore {
	return &FaultStore{Store: s}
}

// FailWrites makes the next n writes fail.
func (f *FaultStore) FailWrites(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext = n
}

// FailAll makes every write fail until called with false.
func (f *FaultStore) FailAll(on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failAll = on
}

// Hold stalls writes until the returned release func is called.
// Stalled writes still honor their context.
func (f *FaultStore) Hold() (release func()) {
	gate := make(chan struct{})
	f.mu.Lock()
	f.gate = gate
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			if f.gate == gate {
				f.gate = nil
			}
			f.mu.Unlock()
			close(gate)
		})
	}
}

// Writes returns the number of successful writes.
func (f *FaultStore) Writes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes
}

// Failures returns the number of injected failures.
func (f *FaultStore) Failures() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failures
}

// Set injects faults before delegating.
func (f *FaultStore) Set(ctx context.Context, entries ...kv.Entry) (kv.Revision, error) {
	if err := f.before(ctx, "set"); err != nil {
		return 0, err
	}
	rev, err := f.Store.Set(ctx, entries...)
	f.after(err)
	return rev, err
}

// Merge injects faults before delegating.
func (f *FaultStore) Merge(ctx context.Context, key string, patch []byte) (kv.Revision, error) {
	if err := f.before(ctx, "merge"); err != nil {
		return 0, err
	}
	rev, err := f.Store.Merge(ctx, key, patch)
	f.after(err)
	return rev, err
}

func (f *FaultStore) before(ctx context.Context, op string) error {
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll || f.failNext > 0 {
		if f.failNext > 0 {
			f.failNext--
		}
		f.failures++
		return &kv.StoreError{Op: op, Err: ErrInjected}
	}
	return nil
}

func (f *FaultStore) after(err error) {
	if err != nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes++
}
