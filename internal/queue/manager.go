package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/roach88/mutq/internal/kv"
	"github.com/roach88/mutq/internal/request"
)

// Manager owns the durable request queue and the ongoing-request slot.
//
// Thread-safety: all methods are safe for concurrent use. Mutations are
// serialized through a single actor goroutine; reads use a read lock on the
// in-memory mirror.
type Manager struct {
	store   kv.Store
	keys    Keys
	logger  *slog.Logger
	backoff kv.Backoff
	hook    func(DurabilityEvent)
	ids     *IDClock

	// mu guards queue and tracker. Only the actor goroutine writes them,
	// so the actor may read them without locking.
	mu      sync.RWMutex
	queue   []request.Request
	tracker tracker

	mailbox *mailbox
	ready   chan struct{}

	// Actor-owned state.
	lastRev  map[string]kv.Revision
	dirty    map[string]bool
	pending  []kv.Change
	failures int

	degraded    atomic.Bool
	unsubscribe func()

	// ctx bounds store calls made by the actor; canceled after Close.
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// Open rehydrates the queue from st and starts the manager.
//
// A request found in the ongoing slot was interrupted by a crash. It is put
// back at the head of the queue and the slot is cleared before Open returns,
// so it is dispatched again before anything else.
//
// Open fails only if the persisted records cannot be read or decoded. A
// failed write during recovery leaves the manager degraded instead.
func Open(ctx context.Context, st kv.Store, opts ...Option) (*Manager, error) {
	m := &Manager{
		store:   st,
		keys:    DefaultKeys(),
		logger:  slog.Default(),
		backoff: kv.DefaultBackoff(),
		ids:     NewIDClock(),
		mailbox: newMailbox(),
		ready:   make(chan struct{}, 1),
		lastRev: make(map[string]kv.Revision, 3),
		dirty:   make(map[string]bool, 3),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "queue", "origin", st.Origin())
	m.ctx, m.cancel = context.WithCancel(context.Background())

	// Subscribe before reading so no change between the read and the
	// subscription is missed. Early changes wait in the mailbox.
	m.unsubscribe = st.Subscribe(m.onStoreChange)

	if err := m.rehydrate(ctx); err != nil {
		m.unsubscribe()
		m.mailbox.Close()
		m.cancel()
		return nil, err
	}

	go m.run()
	return m, nil
}

// rehydrate loads the persisted records and recovers an interrupted request.
func (m *Manager) rehydrate(ctx context.Context) error {
	var qrec, orec, srec kv.Record
	err := m.backoff.Retry(ctx, func(ctx context.Context) error {
		var err error
		if qrec, err = m.store.Get(ctx, m.keys.Queue); err != nil {
			return err
		}
		if orec, err = m.store.Get(ctx, m.keys.Ongoing); err != nil {
			return err
		}
		srec, err = m.store.Get(ctx, m.keys.Seq)
		return err
	})
	if err != nil {
		return &Error{Code: ErrCodeRehydrate, Message: "read persisted state", Err: err}
	}

	q, err := DecodeQueue(qrec.Value)
	if err != nil {
		return &Error{Code: ErrCodeRehydrate, Message: fmt.Sprintf("key %s", m.keys.Queue), Err: err}
	}
	ongoing, inFlight, err := DecodeOngoing(orec.Value)
	if err != nil {
		return &Error{Code: ErrCodeRehydrate, Message: fmt.Sprintf("key %s", m.keys.Ongoing), Err: err}
	}

	seq, err := DecodeSeq(srec.Value)
	if err != nil {
		return &Error{Code: ErrCodeRehydrate, Message: fmt.Sprintf("key %s", m.keys.Seq), Err: err}
	}

	m.lastRev[m.keys.Queue] = qrec.Revision
	m.lastRev[m.keys.Ongoing] = orec.Revision
	m.lastRev[m.keys.Seq] = srec.Revision
	m.ids.Observe(seq)

	q, dropped := normalize(q, 0)
	if dropped > 0 {
		m.logger.Warn("dropped duplicate requests from persisted queue", "count", dropped)
		m.dirty[m.keys.Queue] = true
	}

	if inFlight {
		m.logger.Warn("re-queueing interrupted request",
			"request_id", ongoing.RequestID,
			"command", ongoing.Command)
		rest, _ := normalize(q, ongoing.RequestID)
		q = append([]request.Request{ongoing}, rest...)
		m.dirty[m.keys.Queue] = true
		m.dirty[m.keys.Ongoing] = true
	}

	for _, r := range q {
		m.ids.Observe(r.RequestID)
	}
	m.queue = q

	m.logger.Info("queue rehydrated",
		"queued", len(q),
		"recovered", inFlight,
		"last_request_id", m.ids.Current(),
		"queue_revision", qrec.Revision,
		"ongoing_revision", orec.Revision)

	if len(m.dirty) > 0 {
		// Errors leave the manager degraded; the actor keeps retrying.
		_ = m.flush()
	}
	m.signalReady()
	return nil
}

// Enqueue appends r to the tail of the queue and persists the queue.
//
// Enqueue never fails for durability reasons. A request whose RequestID is
// already queued or ongoing is ignored.
//
// A context error means the request was not queued. Once the request has
// been applied, Enqueue waits for it even if ctx ends meanwhile.
func (m *Manager) Enqueue(ctx context.Context, r request.Request) error {
	if err := r.Validate(); err != nil {
		return &Error{Code: ErrCodeInvalidRequest, Message: "enqueue", RequestID: r.RequestID, Err: err}
	}
	_, err := m.call(ctx, message{kind: opEnqueue, req: r.Clone()})
	return err
}

// ReadAll returns a copy of the queue in FIFO order.
func (m *Manager) ReadAll() []request.Request {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return request.CloneAll(m.queue)
}

// Len returns the number of queued requests.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.queue)
}

// Ongoing returns the request currently being dispatched, if any.
func (m *Manager) Ongoing() (request.Request, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tracker.current()
}

// State returns the tracker state.
func (m *Manager) State() TrackerState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tracker.state
}

// UpdateAt replaces the request at index. Out-of-range indexes and
// replacements whose RequestID belongs to another request are ignored.
func (m *Manager) UpdateAt(ctx context.Context, index int, r request.Request) error {
	if err := r.Validate(); err != nil {
		return &Error{Code: ErrCodeInvalidRequest, Message: "update", RequestID: r.RequestID, Err: err}
	}
	_, err := m.call(ctx, message{kind: opUpdateAt, index: index, req: r.Clone()})
	return err
}

// RemoveMatching drops every queued request for which pred returns true and
// reports how many were removed. The ongoing request is not affected.
func (m *Manager) RemoveMatching(ctx context.Context, pred func(request.Request) bool) (int, error) {
	if pred == nil {
		return 0, nil
	}
	res, err := m.call(ctx, message{kind: opRemoveMatching, pred: pred})
	return res.n, err
}

// Clear empties the queue and the ongoing slot.
func (m *Manager) Clear(ctx context.Context) error {
	_, err := m.call(ctx, message{kind: opClear})
	return err
}

// TakeNext moves the head of the queue into the ongoing slot and persists
// both keys in one batch. It returns false if the queue is empty or a
// request is already in flight.
//
// If ctx ends after the request was taken but before the caller received
// it, the request is returned to the head of the queue.
func (m *Manager) TakeNext(ctx context.Context) (request.Request, bool, error) {
	reply, err := m.send(ctx, message{kind: opTakeNext})
	if err != nil {
		return request.Request{}, false, err
	}
	select {
	case res := <-reply:
		return res.req, res.ok, res.err
	case <-ctx.Done():
		go m.salvage(reply)
		return request.Request{}, false, ctx.Err()
	}
}

// salvage returns a request taken on behalf of a caller that stopped waiting.
func (m *Manager) salvage(reply <-chan result) {
	res := <-reply
	if res.err != nil || !res.ok {
		return
	}
	m.logger.Warn("returning request taken by abandoned caller", "request_id", res.req.RequestID)
	if err := m.ReturnToHead(context.Background(), res.req); err != nil {
		m.logger.Error("return abandoned request", "request_id", res.req.RequestID, "error", err)
	}
}

// Complete clears the ongoing slot if it holds r. Otherwise it is a no-op.
func (m *Manager) Complete(ctx context.Context, r request.Request) error {
	_, err := m.call(ctx, message{kind: opComplete, req: r})
	return err
}

// ReturnToHead puts the ongoing request back at the head of the queue and
// clears the slot. It is a no-op unless the slot holds r.
func (m *Manager) ReturnToHead(ctx context.Context, r request.Request) error {
	_, err := m.call(ctx, message{kind: opReturnToHead, req: r})
	return err
}

// Flush synchronously writes any dirty keys. It is the only operation that
// reports durability failures.
func (m *Manager) Flush(ctx context.Context) error {
	_, err := m.call(ctx, message{kind: opFlush})
	return err
}

// Degraded reports whether memory is ahead of the store.
func (m *Manager) Degraded() bool {
	return m.degraded.Load()
}

// Ready returns a channel that receives a value whenever the queue may
// have become non-empty. Signals are coalesced.
func (m *Manager) Ready() <-chan struct{} {
	return m.ready
}

// NextRequestID returns an ID larger than every ID this manager has seen.
func (m *Manager) NextRequestID() int64 {
	return m.ids.Next()
}

// Keys returns the persisted key names.
func (m *Manager) Keys() Keys {
	return m.keys
}

// Close performs a final flush and stops the manager. The store is not
// closed. Close returns the final flush error, if any.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		reply := make(chan result, 1)
		if m.mailbox.Enqueue(message{kind: opClose, reply: reply}) {
			res := <-reply
			m.closeErr = res.err
		}
		<-m.done
		m.unsubscribe()
	})
	return m.closeErr
}

// send posts msg to the actor and returns its reply channel.
func (m *Manager) send(ctx context.Context, msg message) (<-chan result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	msg.ctx = ctx
	reply := make(chan result, 1)
	msg.reply = reply
	if !m.mailbox.Enqueue(msg) {
		return nil, ErrClosed
	}
	return reply, nil
}

// call posts msg and waits for the reply. If ctx ends before the actor
// starts msg, msg is withdrawn; otherwise the actor's reply is returned.
func (m *Manager) call(ctx context.Context, msg message) (result, error) {
	msg.claim = new(atomic.Int32)
	reply, err := m.send(ctx, msg)
	if err != nil {
		return result{}, err
	}
	select {
	case res := <-reply:
		return res, res.err
	case <-ctx.Done():
		if msg.abandon() {
			return result{}, ctx.Err()
		}
		res := <-reply
		return res, res.err
	}
}

// onStoreChange runs on the store's notification path and must not block.
func (m *Manager) onStoreChange(c kv.Change) {
	if !m.keys.has(c.Key) {
		return
	}
	if c.Origin == m.store.Origin() {
		return
	}
	m.mailbox.Enqueue(message{kind: opChange, change: c})
}

func (m *Manager) signalReady() {
	if len(m.queue) == 0 {
		return
	}
	select {
	case m.ready <- struct{}{}:
	default:
	}
}
