package queue

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/mutq/internal/kv"
	"github.com/roach88/mutq/internal/request"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastBackoff() kv.Backoff {
	return kv.Backoff{Initial: time.Millisecond, Max: 5 * time.Millisecond, Multiplier: 2, MaxAttempts: 2}
}

// openTestManager opens a manager with quiet logs and fast retries.
func openTestManager(t *testing.T, st kv.Store, opts ...Option) *Manager {
	t.Helper()
	base := []Option{WithLogger(discardLogger()), WithBackoff(fastBackoff())}
	m, err := Open(context.Background(), st, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func req(id int64, command string) request.Request {
	return request.Request{Command: command, RequestID: id}
}

// persistedState decodes both keys straight from the shared memory backend.
func persistedState(t *testing.T, mem *kv.Memory) ([]int64, int64) {
	t.Helper()
	q, err := DecodeQueue(mem.Snapshot(DefaultQueueKey).Value)
	require.NoError(t, err)
	o, ok, err := DecodeOngoing(mem.Snapshot(DefaultOngoingKey).Value)
	require.NoError(t, err)
	var ongoing int64
	if ok {
		ongoing = o.RequestID
	}
	return request.IDs(q), ongoing
}

// seed writes raw state as if left behind by an earlier process.
func seed(t *testing.T, mem *kv.Memory, queue []request.Request, ongoing *request.Request) {
	t.Helper()
	qb, err := EncodeQueue(queue)
	require.NoError(t, err)
	entries := []kv.Entry{{Key: DefaultQueueKey, Value: qb}}
	if ongoing != nil {
		ob, err := EncodeOngoing(*ongoing, true)
		require.NoError(t, err)
		entries = append(entries, kv.Entry{Key: DefaultOngoingKey, Value: ob})
	}
	s := mem.Session()
	defer s.Close()
	_, err = s.Set(context.Background(), entries...)
	require.NoError(t, err)
}

func ongoingID(m *Manager) int64 {
	r, ok := m.Ongoing()
	if !ok {
		return 0
	}
	return r.RequestID
}

// eventLog collects durability hook events across goroutines.
type eventLog struct {
	mu     sync.Mutex
	events []DurabilityEvent
}

func (l *eventLog) hook(e DurabilityEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) snapshot() []DurabilityEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]DurabilityEvent(nil), l.events...)
}
