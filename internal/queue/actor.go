package queue

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/roach88/mutq/internal/kv"
	"github.com/roach88/mutq/internal/request"
)

// run is the actor loop. It applies one message at a time and re-flushes
// dirty keys on a backoff timer while degraded.
func (m *Manager) run() {
	defer close(m.done)
	defer m.cancel()

	for {
		if msg, ok := m.mailbox.TryDequeue(); ok {
			if m.handle(msg) {
				return
			}
			continue
		}

		var retry <-chan time.Time
		if len(m.dirty) > 0 {
			retry = time.After(m.backoff.Delay(m.failures))
		}

		select {
		case <-m.mailbox.Wait():
		case <-retry:
			m.logger.Debug("retrying dirty keys", "keys", m.dirtyKeys(), "failures", m.failures)
			_ = m.flush()
		}
	}
}

// handle applies msg. Returns true when the actor must stop.
func (m *Manager) handle(msg message) bool {
	switch msg.kind {
	case opChange:
		// A write's changes are published back to back; apply them together.
		batch := []kv.Change{msg.change}
		for {
			next, ok := m.mailbox.TryDequeueIf(func(n message) bool {
				return n.kind == opChange && sameWrite(n.change, msg.change)
			})
			if !ok {
				break
			}
			batch = append(batch, next.change)
		}
		m.onChange(batch)
		return false
	case opClose:
		m.shutdown(msg)
		return true
	}

	// Skip operations whose caller already gave up.
	if !msg.start() || msg.ctx.Err() != nil {
		msg.reply <- result{err: msg.ctx.Err()}
		return false
	}

	var res result
	switch msg.kind {
	case opEnqueue:
		m.enqueue(msg.req)
	case opUpdateAt:
		m.updateAt(msg.index, msg.req)
	case opRemoveMatching:
		res.n = m.removeMatching(msg.pred)
	case opClear:
		m.clear()
	case opTakeNext:
		res.req, res.ok = m.takeNext()
	case opComplete:
		m.complete(msg.req)
	case opReturnToHead:
		m.returnToHead(msg.req)
	case opFlush:
		res.err = m.flush()
	default:
		m.logger.Error("unknown operation", "op", msg.kind)
	}
	msg.reply <- res
	return false
}

func (m *Manager) shutdown(msg message) {
	var err error
	if len(m.dirty) > 0 {
		err = m.flush()
		if err != nil {
			m.logger.Error("final flush failed; unsaved state lost",
				"keys", m.dirtyKeys(), "error", err)
		}
	}

	m.mailbox.Close()
	for {
		rest, ok := m.mailbox.TryDequeue()
		if !ok {
			break
		}
		if rest.reply != nil {
			rest.reply <- result{err: ErrClosed}
		}
	}
	m.logger.Debug("queue manager stopped")
	msg.reply <- result{err: err}
}

// holdsID reports whether id is queued or ongoing. Actor only.
func (m *Manager) holdsID(id int64) bool {
	if m.tracker.holds(id) {
		return true
	}
	return m.indexOf(id) >= 0
}

func (m *Manager) indexOf(id int64) int {
	for i, r := range m.queue {
		if r.RequestID == id {
			return i
		}
	}
	return -1
}

func (m *Manager) enqueue(r request.Request) {
	if m.holdsID(r.RequestID) {
		m.logger.Info("ignoring duplicate request", "request_id", r.RequestID, "command", r.Command)
		return
	}

	m.mu.Lock()
	m.queue = append(m.queue, r)
	m.mu.Unlock()

	m.ids.Observe(r.RequestID)
	m.logger.Debug("enqueued", "request_id", r.RequestID, "command", r.Command, "queued", len(m.queue))
	m.persist(m.keys.Queue)
	m.signalReady()
}

func (m *Manager) updateAt(i int, r request.Request) {
	if i < 0 || i >= len(m.queue) {
		m.logger.Warn("update index out of range", "index", i, "queued", len(m.queue))
		return
	}
	if cur := m.queue[i].RequestID; r.RequestID != cur && m.holdsID(r.RequestID) {
		m.logger.Warn("update would duplicate request id",
			"index", i, "request_id", r.RequestID, "replaced_id", cur)
		return
	}

	m.mu.Lock()
	m.queue[i] = r
	m.mu.Unlock()

	m.ids.Observe(r.RequestID)
	m.persist(m.keys.Queue)
}

func (m *Manager) removeMatching(pred func(request.Request) bool) int {
	kept := make([]request.Request, 0, len(m.queue))
	for _, r := range m.queue {
		if !pred(r.Clone()) {
			kept = append(kept, r)
		}
	}
	removed := len(m.queue) - len(kept)
	if removed == 0 {
		return 0
	}

	m.mu.Lock()
	m.queue = kept
	m.mu.Unlock()

	m.logger.Info("removed requests", "count", removed, "queued", len(kept))
	m.persist(m.keys.Queue)
	return removed
}

func (m *Manager) clear() {
	queued := len(m.queue)

	m.mu.Lock()
	m.queue = nil
	_, hadOngoing := m.tracker.reset()
	m.mu.Unlock()

	m.logger.Info("queue cleared", "dropped", queued, "ongoing", hadOngoing)
	m.persist(m.keys.Queue, m.keys.Ongoing)
}

func (m *Manager) takeNext() (request.Request, bool) {
	if cur, busy := m.tracker.current(); busy {
		m.logger.Warn("take while a request is in flight", "ongoing_id", cur.RequestID)
		return request.Request{}, false
	}
	if len(m.queue) == 0 {
		return request.Request{}, false
	}

	head := m.queue[0]
	m.mu.Lock()
	m.queue = append([]request.Request(nil), m.queue[1:]...)
	m.tracker.begin(head)
	m.mu.Unlock()

	m.logger.Debug("taken", "request_id", head.RequestID, "command", head.Command)
	m.persist(m.keys.Queue, m.keys.Ongoing)
	return head.Clone(), true
}

func (m *Manager) complete(r request.Request) {
	m.mu.Lock()
	_, ok := m.tracker.finish(r.RequestID)
	m.mu.Unlock()

	if !ok {
		m.logger.Warn("complete ignored: request not in flight", "request_id", r.RequestID)
		return
	}
	m.logger.Debug("completed", "request_id", r.RequestID)
	m.persist(m.keys.Ongoing)
}

func (m *Manager) returnToHead(r request.Request) {
	if !m.tracker.holds(r.RequestID) {
		m.logger.Warn("return ignored: request not in flight", "request_id", r.RequestID)
		return
	}

	m.mu.Lock()
	cur, _ := m.tracker.finish(r.RequestID)
	rest, _ := normalize(m.queue, cur.RequestID)
	m.queue = append([]request.Request{cur}, rest...)
	m.mu.Unlock()

	m.logger.Debug("returned to head", "request_id", cur.RequestID, "queued", len(m.queue))
	m.persist(m.keys.Queue, m.keys.Ongoing)
	m.signalReady()
}

// persist marks keys dirty and writes every dirty key.
func (m *Manager) persist(keys ...string) {
	for _, k := range keys {
		m.dirty[k] = true
	}
	// Failures are reported through the degraded state.
	_ = m.flush()
}

// flush writes all dirty keys in one batch from the current memory state.
func (m *Manager) flush() error {
	if len(m.dirty) == 0 {
		return nil
	}

	entries, err := m.dirtyEntries()
	if err != nil {
		m.failures++
		m.setDegraded(true, err)
		return &Error{Code: ErrCodeDurability, Message: "encode", Err: err}
	}

	var rev kv.Revision
	err = m.backoff.Retry(m.ctx, func(ctx context.Context) error {
		var err error
		rev, err = m.store.Set(ctx, entries...)
		return err
	})
	if err != nil {
		m.failures++
		m.setDegraded(true, err)
		return &Error{Code: ErrCodeDurability, Message: "write " + strings.Join(m.dirtyKeys(), ","), Err: err}
	}

	for _, e := range entries {
		m.lastRev[e.Key] = rev
		delete(m.dirty, e.Key)
	}
	m.failures = 0
	m.setDegraded(false, nil)
	m.drainPending()
	return nil
}

func (m *Manager) dirtyEntries() ([]kv.Entry, error) {
	entries := make([]kv.Entry, 0, 3)
	if m.dirty[m.keys.Queue] {
		b, err := EncodeQueue(m.queue)
		if err != nil {
			return nil, err
		}
		entries = append(entries,
			kv.Entry{Key: m.keys.Queue, Value: b},
			kv.Entry{Key: m.keys.Seq, Value: EncodeSeq(m.ids.Current())})
	}
	if m.dirty[m.keys.Ongoing] {
		b, err := EncodeOngoing(m.tracker.current())
		if err != nil {
			return nil, err
		}
		entries = append(entries, kv.Entry{Key: m.keys.Ongoing, Value: b})
	}
	return entries, nil
}

func (m *Manager) dirtyKeys() []string {
	keys := make([]string, 0, len(m.dirty))
	for k := range m.dirty {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (m *Manager) setDegraded(degraded bool, err error) {
	if m.degraded.Swap(degraded) == degraded {
		return
	}
	keys := m.dirtyKeys()
	if degraded {
		m.logger.Error("durable write failed; queue degraded", "keys", keys, "error", err)
	} else {
		m.logger.Info("durable write recovered")
	}
	if m.hook != nil {
		m.hook(DurabilityEvent{Degraded: degraded, Err: err, DirtyKeys: keys})
	}
}

// onChange applies the reconciliation rule to the changes of one foreign
// write.
func (m *Manager) onChange(batch []kv.Change) {
	if len(m.dirty) > 0 {
		m.logger.Debug("buffering change while write pending",
			"keys", changeKeys(batch), "revision", batch[0].Revision)
		m.pending = append(m.pending, batch...)
		return
	}
	m.adopt(batch)
}

// drainPending adopts buffered writes until one of them leaves local state
// to persist.
func (m *Manager) drainPending() {
	for len(m.pending) > 0 && len(m.dirty) == 0 {
		n := 1
		for n < len(m.pending) && sameWrite(m.pending[n], m.pending[0]) {
			n++
		}
		batch := m.pending[:n:n]
		m.pending = m.pending[n:]
		m.adopt(batch)
	}
	if len(m.pending) == 0 {
		m.pending = nil
	}
}

// adopt applies one foreign write. The queue record goes before the
// ongoing record so a request moved between them is never lost in between.
// Where the write contradicts the request in flight here, memory wins and
// is written back.
func (m *Manager) adopt(batch []kv.Change) {
	var queueChange, ongoingChange *kv.Change
	for i := range batch {
		c := &batch[i]
		if last := m.lastRev[c.Key]; c.Revision <= last {
			m.logger.Debug("ignoring stale change", "key", c.Key, "revision", c.Revision, "last", last)
			continue
		}
		switch c.Key {
		case m.keys.Seq:
			m.adoptSeq(*c)
		case m.keys.Queue:
			queueChange = c
		case m.keys.Ongoing:
			ongoingChange = c
		}
	}
	if queueChange != nil {
		m.adoptQueue(*queueChange)
	}
	if ongoingChange != nil {
		m.adoptOngoing(*ongoingChange)
	}

	m.signalReady()
	if len(m.dirty) > 0 {
		_ = m.flush()
	}
}

func (m *Manager) adoptSeq(c kv.Change) {
	id, err := DecodeSeq(c.Value)
	if err != nil {
		m.logger.Warn("ignoring undecodable change", "key", c.Key, "revision", c.Revision, "error", err)
		return
	}
	m.ids.Observe(id)
	m.lastRev[c.Key] = c.Revision
}

func (m *Manager) adoptQueue(c kv.Change) {
	q, err := DecodeQueue(c.Value)
	if err != nil {
		m.logger.Warn("ignoring undecodable change", "key", c.Key, "revision", c.Revision, "error", err)
		return
	}

	cur, inFlight := m.tracker.current()
	// The other writer put its request back.
	released := inFlight && m.tracker.foreign && containsID(q, cur.RequestID)

	var exclude int64
	if m.tracker.local() {
		exclude = cur.RequestID
	}
	q, dropped := normalize(q, exclude)
	if dropped > 0 {
		m.logger.Warn("normalized adopted queue", "dropped", dropped, "in_flight", exclude)
		m.dirty[m.keys.Queue] = true
	}
	for _, r := range q {
		m.ids.Observe(r.RequestID)
	}

	m.mu.Lock()
	m.queue = q
	if released {
		m.tracker.reset()
	}
	m.mu.Unlock()

	m.lastRev[c.Key] = c.Revision
	m.logger.Debug("adopted external change", "key", c.Key, "revision", c.Revision, "origin", c.Origin)
}

func (m *Manager) adoptOngoing(c kv.Change) {
	r, inFlight, err := DecodeOngoing(c.Value)
	if err != nil {
		m.logger.Warn("ignoring undecodable change", "key", c.Key, "revision", c.Revision, "error", err)
		return
	}
	m.lastRev[c.Key] = c.Revision
	if inFlight {
		m.ids.Observe(r.RequestID)
	}

	if cur, ok := m.tracker.current(); ok && m.tracker.local() {
		switch {
		case inFlight && r.RequestID == cur.RequestID:
			return
		case inFlight && r.RequestID < cur.RequestID:
			// Two writers each took a request. The older one keeps the slot
			// and ours goes back to the head of the queue.
			m.logger.Warn("request in flight displaced by older foreign request",
				"request_id", cur.RequestID, "foreign_id", r.RequestID, "origin", c.Origin)
			m.mu.Lock()
			rest, _ := normalize(m.queue, r.RequestID)
			m.queue = append([]request.Request{cur}, rest...)
			m.tracker.mirror(r)
			m.mu.Unlock()
			m.dirty[m.keys.Queue] = true
			return
		}
		// The request being sent from here keeps the slot. A newer request
		// the other writer claimed goes back to the head of the queue.
		m.logger.Warn("foreign write displaced the request in flight; keeping it",
			"request_id", cur.RequestID, "origin", c.Origin, "revision", c.Revision)
		if inFlight && !m.holdsID(r.RequestID) {
			m.mu.Lock()
			m.queue = append([]request.Request{r}, m.queue...)
			m.mu.Unlock()
			m.dirty[m.keys.Queue] = true
		}
		m.dirty[m.keys.Ongoing] = true
		return
	}

	m.mu.Lock()
	m.tracker.reset()
	if inFlight {
		m.tracker.mirror(r)
		if i := m.indexOf(r.RequestID); i >= 0 {
			m.queue = append(m.queue[:i:i], m.queue[i+1:]...)
			m.dirty[m.keys.Queue] = true
		}
	}
	m.mu.Unlock()

	m.logger.Debug("adopted external change", "key", c.Key, "revision", c.Revision, "origin", c.Origin)
}

// sameWrite reports whether a and b were published by the same Set.
func sameWrite(a, b kv.Change) bool {
	return a.Revision == b.Revision && a.Origin == b.Origin
}

func changeKeys(batch []kv.Change) []string {
	keys := make([]string, len(batch))
	for i, c := range batch {
		keys[i] = c.Key
	}
	return keys
}

func containsID(q []request.Request, id int64) bool {
	for _, r := range q {
		if r.RequestID == id {
			return true
		}
	}
	return false
}
