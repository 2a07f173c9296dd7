package queue

import (
	"log/slog"

	"github.com/roach88/mutq/internal/kv"
)

// DurabilityEvent reports a change of the degraded state.
type DurabilityEvent struct {
	// Degraded is true when dirty state could not be written.
	Degraded bool

	// Err is the last write error; nil on recovery.
	Err error

	// DirtyKeys lists the keys awaiting a successful write.
	DirtyKeys []string
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithKeys overrides the persisted key names. An empty Seq is derived
// from the queue key.
func WithKeys(k Keys) Option {
	return func(m *Manager) {
		if k.Queue != "" {
			m.keys.Queue = k.Queue
			m.keys.Seq = k.Queue + seqSuffix
		}
		if k.Ongoing != "" {
			m.keys.Ongoing = k.Ongoing
		}
		if k.Seq != "" {
			m.keys.Seq = k.Seq
		}
	}
}

// WithBackoff sets the write retry policy. The same policy spaces the
// background re-flush attempts while degraded.
func WithBackoff(b kv.Backoff) Option {
	return func(m *Manager) {
		m.backoff = b
	}
}

// WithDurabilityHook registers a callback invoked on every degraded-state
// transition. It runs on the manager goroutine and must not call back into
// the manager's mutating methods.
func WithDurabilityHook(fn func(DurabilityEvent)) Option {
	return func(m *Manager) {
		m.hook = fn
	}
}

// WithIDClock supplies the clock used by NextRequestID.
// Open raises it past every persisted RequestID.
func WithIDClock(c *IDClock) Option {
	return func(m *Manager) {
		if c != nil {
			m.ids = c
		}
	}
}
