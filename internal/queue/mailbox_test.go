package queue

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMailbox_FIFO(t *testing.T) {
	q := newMailbox()
	for i := 0; i < 3; i++ {
		require.True(t, q.Enqueue(message{kind: opEnqueue, index: i}))
	}
	assert.Equal(t, 3, q.Len())

	for i := 0; i < 3; i++ {
		m, ok := q.TryDequeue()
		require.True(t, ok)
		assert.Equal(t, i, m.index)
	}
	_, ok := q.TryDequeue()
	assert.False(t, ok)
}

func TestMailbox_TryDequeueIf(t *testing.T) {
	q := newMailbox()
	q.Enqueue(message{kind: opChange, index: 1})
	q.Enqueue(message{kind: opFlush, index: 2})
	isChange := func(m message) bool { return m.kind == opChange }

	m, ok := q.TryDequeueIf(isChange)
	require.True(t, ok)
	assert.Equal(t, 1, m.index)

	_, ok = q.TryDequeueIf(isChange)
	assert.False(t, ok)
	assert.Equal(t, 1, q.Len())
}

func TestMessage_Claim(t *testing.T) {
	started := message{claim: new(atomic.Int32)}
	require.True(t, started.start())
	assert.False(t, started.abandon())

	abandoned := message{claim: new(atomic.Int32)}
	require.True(t, abandoned.abandon())
	assert.False(t, abandoned.start())

	assert.True(t, message{}.start())
	assert.False(t, message{}.abandon())
}

func TestMailbox_SignalCoalesces(t *testing.T) {
	q := newMailbox()
	q.Enqueue(message{kind: opFlush})
	q.Enqueue(message{kind: opFlush})

	<-q.Wait()
	select {
	case <-q.Wait():
		t.Fatal("expected a single coalesced signal")
	default:
	}
}

func TestMailbox_CloseRejectsButDrains(t *testing.T) {
	q := newMailbox()
	q.Enqueue(message{kind: opClear})
	q.Close()

	assert.False(t, q.Enqueue(message{kind: opClear}))
	m, ok := q.TryDequeue()
	require.True(t, ok)
	assert.Equal(t, opClear, m.kind)
}

func TestMailbox_ConcurrentEnqueue(t *testing.T) {
	q := newMailbox()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.Enqueue(message{kind: opEnqueue})
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, q.Len())
}

func TestOpKind_String(t *testing.T) {
	assert.Equal(t, "take_next", opTakeNext.String())
	assert.Equal(t, "unknown", opKind(99).String())
}
