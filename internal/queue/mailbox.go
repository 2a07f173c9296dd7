package queue

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/roach88/mutq/internal/kv"
	"github.com/roach88/mutq/internal/request"
)

// opKind distinguishes mailbox messages.
type opKind int

const (
	opEnqueue opKind = iota + 1
	opUpdateAt
	opRemoveMatching
	opClear
	opTakeNext
	opComplete
	opReturnToHead
	opFlush
	opChange
	opClose
)

func (k opKind) String() string {
	switch k {
	case opEnqueue:
		return "enqueue"
	case opUpdateAt:
		return "update_at"
	case opRemoveMatching:
		return "remove_matching"
	case opClear:
		return "clear"
	case opTakeNext:
		return "take_next"
	case opComplete:
		return "complete"
	case opReturnToHead:
		return "return_to_head"
	case opFlush:
		return "flush"
	case opChange:
		return "change"
	case opClose:
		return "close"
	default:
		return "unknown"
	}
}

// message is one unit of work for the actor.
type message struct {
	kind   opKind
	ctx    context.Context // caller context; nil for store changes
	req    request.Request
	index  int
	pred   func(request.Request) bool
	change kv.Change
	reply  chan result // buffered, size 1; nil for store changes

	// claim settles the race between the actor starting the operation and
	// the caller giving up on it. Nil when the caller never gives up.
	claim *atomic.Int32
}

const (
	claimWaiting int32 = iota
	claimStarted
	claimAbandoned
)

// start claims msg for the actor. False if the caller already gave up.
func (msg message) start() bool {
	return msg.claim == nil || msg.claim.CompareAndSwap(claimWaiting, claimStarted)
}

// abandon withdraws msg on behalf of its caller. False if the actor has
// already started it.
func (msg message) abandon() bool {
	return msg.claim != nil && msg.claim.CompareAndSwap(claimWaiting, claimAbandoned)
}

// result is the actor's answer to a message.
type result struct {
	req request.Request
	ok  bool
	n   int
	err error
}

// mailbox is a thread-safe, unbounded FIFO of messages.
//
// Callers enqueue from any goroutine; only the actor dequeues. A buffered
// signal channel of size 1 coalesces wake-ups so the actor can select on
// it together with its retry timer.
type mailbox struct {
	mu       sync.Mutex
	messages []message
	closed   bool
	signal   chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{
		messages: make([]message, 0, 16),
		signal:   make(chan struct{}, 1),
	}
}

// Enqueue adds a message to the back. Returns false once closed.
func (q *mailbox) Enqueue(m message) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.messages = append(q.messages, m)

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue removes the front message without blocking.
// Works after Close so the actor can drain what is left.
func (q *mailbox) TryDequeue() (message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.messages) == 0 {
		return message{}, false
	}

	m := q.messages[0]
	// Clear the slot so the backing array does not pin request payloads.
	q.messages[0] = message{}
	if len(q.messages) == 1 {
		q.messages = q.messages[:0]
	} else {
		q.messages = q.messages[1:]
	}
	return m, true
}

// TryDequeueIf removes the front message only if match accepts it.
func (q *mailbox) TryDequeueIf(match func(message) bool) (message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.messages) == 0 || !match(q.messages[0]) {
		return message{}, false
	}
	m := q.messages[0]
	q.messages[0] = message{}
	q.messages = q.messages[1:]
	return m, true
}

// Wait returns a channel that signals when messages may be available.
func (q *mailbox) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the number of queued messages.
func (q *mailbox) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}

// Close rejects further messages. Already queued messages stay dequeuable.
func (q *mailbox) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}
