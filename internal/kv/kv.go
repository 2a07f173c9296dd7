package kv

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Revision is a store-wide logical clock value. Larger is newer.
type Revision uint64

// Entry is one key to write. A nil Value stores "empty".
type Entry struct {
	Key   string
	Value []byte
}

// Record is the stored state of a key. A missing key is reported as a
// Record with nil Value and zero Revision.
type Record struct {
	Key      string
	Value    []byte
	Revision Revision
}

// Empty reports whether the key holds no value.
func (r Record) Empty() bool {
	return len(r.Value) == 0
}

// Change is delivered to subscribers after a batch commits.
type Change struct {
	Key      string
	Value    []byte
	Revision Revision
	Origin   string
}

// Store is the contract the queue requires from the persisted store.
//
// Subscribe callbacks run on a store-owned goroutine or inside the writer's
// call. They must return quickly and must not call back into the Store.
type Store interface {
	Origin() string
	Get(ctx context.Context, key string) (Record, error)
	Set(ctx context.Context, entries ...Entry) (Revision, error)
	Merge(ctx context.Context, key string, patch []byte) (Revision, error)
	Subscribe(fn func(Change)) (cancel func())
	Close() error
}

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("kv: store closed")

// ErrInvalidValue is returned when a merge target or patch is not valid JSON.
var ErrInvalidValue = errors.New("kv: invalid JSON value")

// StoreError describes a failed store operation.
type StoreError struct {
	Op  string
	Key string
	Err error
}

func (e *StoreError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("kv %s %q: %v", e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("kv %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether retrying the operation may succeed.
// Closed stores, invalid values and context errors are permanent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrClosed),
		errors.Is(err, ErrInvalidValue),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

// newOrigin returns a time-ordered origin identifier.
func newOrigin() string {
	return uuid.Must(uuid.NewV7()).String()
}

func keysOf(entries []Entry) string {
	if len(entries) == 1 {
		return entries[0].Key
	}
	return ""
}
