package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/mutq/internal/kv"
	"github.com/roach88/mutq/internal/request"
	"github.com/roach88/mutq/internal/testutil"
)

func TestManager_FIFO(t *testing.T) {
	ctx := context.Background()
	mem := kv.NewMemory()
	m := openTestManager(t, mem.Session())

	for i := int64(1); i <= 3; i++ {
		require.NoError(t, m.Enqueue(ctx, req(i, fmt.Sprintf("Cmd%d", i))))
	}

	var order []int64
	for {
		r, ok, err := m.TakeNext(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		order = append(order, r.RequestID)
		require.NoError(t, m.Complete(ctx, r))
	}
	assert.Equal(t, []int64{1, 2, 3}, order)

	q, ongoing := persistedState(t, mem)
	assert.Empty(t, q)
	assert.Zero(t, ongoing)
}

func TestManager_PersistedMatchesMemoryAfterEveryOperation(t *testing.T) {
	ctx := context.Background()
	mem := kv.NewMemory()
	m := openTestManager(t, mem.Session())

	check := func(step string) {
		q, ongoing := persistedState(t, mem)
		assert.Equal(t, request.IDs(m.ReadAll()), q, step)
		assert.Equal(t, ongoingID(m), ongoing, step)
	}

	require.NoError(t, m.Enqueue(ctx, req(1, "A")))
	check("enqueue 1")
	require.NoError(t, m.Enqueue(ctx, req(2, "B")))
	check("enqueue 2")
	require.NoError(t, m.Enqueue(ctx, req(3, "C")))
	check("enqueue 3")

	require.NoError(t, m.UpdateAt(ctx, 1, req(2, "B2")))
	check("update")

	r, ok, err := m.TakeNext(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	check("take")

	require.NoError(t, m.ReturnToHead(ctx, r))
	check("return")

	n, err := m.RemoveMatching(ctx, func(r request.Request) bool { return r.Command == "C" })
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	check("remove")

	require.NoError(t, m.Clear(ctx))
	check("clear")
	assert.False(t, m.Degraded())
}

func TestManager_TakeNextWritesBothKeysInOneBatch(t *testing.T) {
	ctx := context.Background()
	mem := kv.NewMemory()
	m := openTestManager(t, mem.Session())

	require.NoError(t, m.Enqueue(ctx, req(1, "OpenReport")))
	require.NoError(t, m.Enqueue(ctx, req(2, "AddComment")))

	r, ok, err := m.TakeNext(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(1), r.RequestID)

	qrec := mem.Snapshot(DefaultQueueKey)
	orec := mem.Snapshot(DefaultOngoingKey)
	assert.Equal(t, qrec.Revision, orec.Revision)

	q, ongoing := persistedState(t, mem)
	assert.Equal(t, []int64{2}, q)
	assert.Equal(t, int64(1), ongoing)
	assert.Equal(t, StateInFlight, m.State())
}

func TestManager_TakeNextEmpty(t *testing.T) {
	m := openTestManager(t, kv.NewMemory().Session())

	_, ok, err := m.TakeNext(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, StateIdle, m.State())
}

func TestManager_TakeNextWhileInFlight(t *testing.T) {
	ctx := context.Background()
	m := openTestManager(t, kv.NewMemory().Session())
	require.NoError(t, m.Enqueue(ctx, req(1, "A")))
	require.NoError(t, m.Enqueue(ctx, req(2, "B")))

	_, ok, err := m.TakeNext(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = m.TakeNext(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, []int64{2}, request.IDs(m.ReadAll()))
}

func TestManager_ReturnToHead(t *testing.T) {
	ctx := context.Background()
	mem := kv.NewMemory()
	m := openTestManager(t, mem.Session())
	require.NoError(t, m.Enqueue(ctx, req(1, "A")))
	require.NoError(t, m.Enqueue(ctx, req(2, "B")))

	r, _, err := m.TakeNext(ctx)
	require.NoError(t, err)
	require.NoError(t, m.Enqueue(ctx, req(3, "C")))
	require.NoError(t, m.ReturnToHead(ctx, r))

	assert.Equal(t, []int64{1, 2, 3}, request.IDs(m.ReadAll()))
	_, busy := m.Ongoing()
	assert.False(t, busy)

	q, ongoing := persistedState(t, mem)
	assert.Equal(t, []int64{1, 2, 3}, q)
	assert.Zero(t, ongoing)
}

func TestManager_CompleteAndReturnAreNoOpsWhenIdle(t *testing.T) {
	ctx := context.Background()
	fs := testutil.NewFaultStore(kv.NewMemory().Session())
	m := openTestManager(t, fs)
	require.NoError(t, m.Enqueue(ctx, req(1, "A")))
	writes := fs.Writes()

	require.NoError(t, m.Complete(ctx, req(1, "A")))
	require.NoError(t, m.ReturnToHead(ctx, req(1, "A")))
	require.NoError(t, m.Complete(ctx, req(7, "Other")))

	assert.Equal(t, writes, fs.Writes())
	assert.Equal(t, []int64{1}, request.IDs(m.ReadAll()))
}

func TestManager_CompleteIgnoresOtherRequest(t *testing.T) {
	ctx := context.Background()
	m := openTestManager(t, kv.NewMemory().Session())
	require.NoError(t, m.Enqueue(ctx, req(1, "A")))
	_, _, err := m.TakeNext(ctx)
	require.NoError(t, err)

	require.NoError(t, m.Complete(ctx, req(2, "B")))
	assert.Equal(t, int64(1), ongoingID(m))

	require.NoError(t, m.Complete(ctx, req(1, "A")))
	assert.Zero(t, ongoingID(m))

	// Second completion is a no-op.
	require.NoError(t, m.Complete(ctx, req(1, "A")))
	assert.Equal(t, StateIdle, m.State())
}

func TestManager_EnqueueValidation(t *testing.T) {
	ctx := context.Background()
	m := openTestManager(t, kv.NewMemory().Session())

	err := m.Enqueue(ctx, req(1, ""))
	require.Error(t, err)
	assert.True(t, IsInvalid(err))

	err = m.Enqueue(ctx, req(0, "A"))
	require.Error(t, err)
	assert.True(t, IsInvalid(err))

	assert.Zero(t, m.Len())
}

func TestManager_DuplicateEnqueueIgnored(t *testing.T) {
	ctx := context.Background()
	m := openTestManager(t, kv.NewMemory().Session())

	require.NoError(t, m.Enqueue(ctx, req(1, "A")))
	require.NoError(t, m.Enqueue(ctx, req(1, "A-again")))
	assert.Equal(t, 1, m.Len())
	assert.Equal(t, "A", m.ReadAll()[0].Command)

	_, _, err := m.TakeNext(ctx)
	require.NoError(t, err)
	require.NoError(t, m.Enqueue(ctx, req(1, "A-while-ongoing")))
	assert.Zero(t, m.Len())
}

func TestManager_UpdateAt(t *testing.T) {
	ctx := context.Background()
	mem := kv.NewMemory()
	m := openTestManager(t, mem.Session())
	require.NoError(t, m.Enqueue(ctx, req(1, "A")))
	require.NoError(t, m.Enqueue(ctx, req(2, "B")))

	updated := req(2, "B")
	updated.Data = json.RawMessage(`{"title":"new"}`)
	require.NoError(t, m.UpdateAt(ctx, 1, updated))
	assert.JSONEq(t, `{"title":"new"}`, string(m.ReadAll()[1].Data))

	t.Run("out of range is a no-op", func(t *testing.T) {
		require.NoError(t, m.UpdateAt(ctx, 5, req(9, "X")))
		require.NoError(t, m.UpdateAt(ctx, -1, req(9, "X")))
		assert.Equal(t, []int64{1, 2}, request.IDs(m.ReadAll()))
	})

	t.Run("colliding id is a no-op", func(t *testing.T) {
		require.NoError(t, m.UpdateAt(ctx, 0, req(2, "Dup")))
		assert.Equal(t, "A", m.ReadAll()[0].Command)
	})

	t.Run("new id is accepted", func(t *testing.T) {
		require.NoError(t, m.UpdateAt(ctx, 0, req(10, "A10")))
		assert.Equal(t, []int64{10, 2}, request.IDs(m.ReadAll()))
		q, _ := persistedState(t, mem)
		assert.Equal(t, []int64{10, 2}, q)
	})
}

func TestManager_RemoveMatchingAndClear(t *testing.T) {
	ctx := context.Background()
	mem := kv.NewMemory()
	m := openTestManager(t, mem.Session())
	for i, cmd := range []string{"A", "B", "A", "C"} {
		require.NoError(t, m.Enqueue(ctx, req(int64(i+1), cmd)))
	}

	n, err := m.RemoveMatching(ctx, func(r request.Request) bool { return r.Command == "A" })
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []int64{2, 4}, request.IDs(m.ReadAll()))

	n, err = m.RemoveMatching(ctx, func(r request.Request) bool { return false })
	require.NoError(t, err)
	assert.Zero(t, n)

	_, _, err = m.TakeNext(ctx)
	require.NoError(t, err)
	require.NoError(t, m.Clear(ctx))

	assert.Zero(t, m.Len())
	assert.Equal(t, StateIdle, m.State())
	q, ongoing := persistedState(t, mem)
	assert.Empty(t, q)
	assert.Zero(t, ongoing)
}

func TestManager_ReadAllReturnsCopy(t *testing.T) {
	ctx := context.Background()
	m := openTestManager(t, kv.NewMemory().Session())
	r := req(1, "A")
	r.Data = json.RawMessage(`{"a":1}`)
	require.NoError(t, m.Enqueue(ctx, r))

	got := m.ReadAll()
	got[0].Command = "mutated"
	got[0].Data[1] = 'X'

	again := m.ReadAll()
	assert.Equal(t, "A", again[0].Command)
	assert.JSONEq(t, `{"a":1}`, string(again[0].Data))
}

func TestManager_ConcurrentEnqueueLosesNothing(t *testing.T) {
	ctx := context.Background()
	mem := kv.NewMemory()
	m := openTestManager(t, mem.Session())

	const writers = 20
	const perWriter = 10
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				id := int64(w*perWriter + i + 1)
				assert.NoError(t, m.Enqueue(ctx, req(id, "Cmd")))
			}
		}(w)
	}
	wg.Wait()

	ids := request.IDs(m.ReadAll())
	assert.Len(t, ids, writers*perWriter)
	assert.ElementsMatch(t, ids, uniq(ids))

	q, _ := persistedState(t, mem)
	assert.Equal(t, ids, q)
}

func uniq(ids []int64) []int64 {
	seen := make(map[int64]bool)
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func TestManager_CanceledContextSkipsOperation(t *testing.T) {
	m := openTestManager(t, kv.NewMemory().Session())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := m.Enqueue(ctx, req(1, "A"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, m.Len())
}

func TestManager_EnqueueWaitsForStartedOperation(t *testing.T) {
	mem := kv.NewMemory()
	fs := testutil.NewFaultStore(mem.Session())
	m := openTestManager(t, fs)

	release := fs.Hold()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.Enqueue(ctx, req(1, "A")) }()

	// The actor has applied the request and is blocked writing it.
	require.Eventually(t, func() bool { return m.Len() == 1 }, time.Second, time.Millisecond)
	<-ctx.Done()
	release()

	require.NoError(t, <-done)
	assert.Equal(t, []int64{1}, request.IDs(m.ReadAll()))
	q, _ := persistedState(t, mem)
	assert.Equal(t, []int64{1}, q)
}

func TestManager_AbandonedEnqueueIsNotApplied(t *testing.T) {
	fs := testutil.NewFaultStore(kv.NewMemory().Session())
	m := openTestManager(t, fs)

	// Keep the actor busy so the second enqueue is still waiting when its
	// context ends.
	release := fs.Hold()
	busy := make(chan error, 1)
	go func() { busy <- m.Enqueue(context.Background(), req(1, "A")) }()
	require.Eventually(t, func() bool { return m.Len() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := m.Enqueue(ctx, req(2, "B"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	require.NoError(t, <-busy)
	require.NoError(t, m.Flush(context.Background()))
	assert.Equal(t, []int64{1}, request.IDs(m.ReadAll()))
}

func TestManager_AbandonedTakeNextIsReturned(t *testing.T) {
	fs := testutil.NewFaultStore(kv.NewMemory().Session())
	m := openTestManager(t, fs)
	require.NoError(t, m.Enqueue(context.Background(), req(1, "A")))

	release := fs.Hold()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, ok, err := m.TakeNext(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, ok)
	release()

	require.Eventually(t, func() bool {
		return m.State() == StateIdle && m.Len() == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int64{1}, request.IDs(m.ReadAll()))
}

func TestManager_Ready(t *testing.T) {
	m := openTestManager(t, kv.NewMemory().Session())

	select {
	case <-m.Ready():
		t.Fatal("ready signaled for empty queue")
	default:
	}

	require.NoError(t, m.Enqueue(context.Background(), req(1, "A")))
	select {
	case <-m.Ready():
	case <-time.After(time.Second):
		t.Fatal("no ready signal after enqueue")
	}
}

func TestManager_NextRequestID(t *testing.T) {
	mem := kv.NewMemory()
	seed(t, mem, []request.Request{req(41, "A"), req(7, "B")}, nil)

	m := openTestManager(t, mem.Session())
	assert.Equal(t, int64(42), m.NextRequestID())

	require.NoError(t, m.Enqueue(context.Background(), req(100, "C")))
	assert.Equal(t, int64(101), m.NextRequestID())
}

func TestManager_ClosedRejectsOperations(t *testing.T) {
	m := openTestManager(t, kv.NewMemory().Session())
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	ctx := context.Background()
	assert.ErrorIs(t, m.Enqueue(ctx, req(1, "A")), ErrClosed)
	_, _, err := m.TakeNext(ctx)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, m.Flush(ctx), ErrClosed)
}

func TestManager_CustomKeys(t *testing.T) {
	mem := kv.NewMemory()
	m := openTestManager(t, mem.Session(), WithKeys(Keys{Queue: "q", Ongoing: "o"}))
	require.NoError(t, m.Enqueue(context.Background(), req(1, "A")))

	assert.Equal(t, Keys{Queue: "q", Ongoing: "o", Seq: "q_SEQ"}, m.Keys())
	assert.False(t, mem.Snapshot("q_SEQ").Empty())
	assert.True(t, mem.Snapshot(DefaultQueueKey).Empty())
	q, err := DecodeQueue(mem.Snapshot("q").Value)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, request.IDs(q))
}

func TestManager_SQLiteRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "queue.db")

	st, err := kv.OpenSQLite(path, kv.WithPollInterval(0))
	require.NoError(t, err)
	m, err := Open(ctx, st, WithLogger(discardLogger()), WithBackoff(fastBackoff()))
	require.NoError(t, err)

	require.NoError(t, m.Enqueue(ctx, req(1, "OpenReport")))
	require.NoError(t, m.Enqueue(ctx, req(2, "AddComment")))
	_, ok, err := m.TakeNext(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	// Simulate a crash: nothing completes the ongoing request.
	require.NoError(t, m.Close())
	require.NoError(t, st.Close())

	st2, err := kv.OpenSQLite(path, kv.WithPollInterval(0))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st2.Close() })
	m2 := openTestManager(t, st2)

	assert.Equal(t, []int64{1, 2}, request.IDs(m2.ReadAll()))
	assert.Equal(t, StateIdle, m2.State())
}
