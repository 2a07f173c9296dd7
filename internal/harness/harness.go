package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"time"

	"github.com/roach88/mutq/internal/kv"
	"github.com/roach88/mutq/internal/queue"
	"github.com/roach88/mutq/internal/request"
	"github.com/roach88/mutq/internal/testutil"
)

// Harness is the test execution engine.
// It runs one scenario against a fresh in-memory store.
type Harness struct {
	mem     *kv.Memory
	faults  *testutil.FaultStore
	manager *queue.Manager
	logger  *slog.Logger
	seq     int64
}

// writePolicy makes each durable write exactly one attempt and disables
// background retries, so injected failures map one-to-one onto steps.
var writePolicy = kv.Backoff{Initial: time.Hour, Max: time.Hour, Multiplier: 1, MaxAttempts: 1}

// Run executes a test scenario and returns the result.
//
// Execution flow:
// 1. Create a fresh in-memory store and seed the setup state
// 2. Open a manager (which performs crash recovery)
// 3. Execute flow steps with expect validation
// 4. Capture final state and evaluate assertions
func Run(scenario *Scenario) (*Result, error) {
	return RunWithLogger(scenario, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// RunWithLogger is Run with manager logs sent to logger.
func RunWithLogger(scenario *Scenario, logger *slog.Logger) (*Result, error) {
	ctx := context.Background()
	h := &Harness{mem: kv.NewMemory(), logger: logger}

	if err := h.seed(ctx, scenario.Setup); err != nil {
		return nil, fmt.Errorf("failed to seed setup: %w", err)
	}
	if err := h.open(ctx); err != nil {
		return nil, err
	}
	defer func() { _ = h.manager.Close() }()

	result := NewResult()
	for i, step := range scenario.Flow {
		if err := h.execute(ctx, i, step, result); err != nil {
			return nil, fmt.Errorf("flow[%d] %s: %w", i, step.Op, err)
		}
	}

	state, err := h.finalState()
	if err != nil {
		return nil, err
	}
	result.State = state

	for _, msg := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

func (h *Harness) open(ctx context.Context) error {
	h.faults = testutil.NewFaultStore(h.mem.Session())
	m, err := queue.Open(ctx, h.faults,
		queue.WithLogger(h.logger),
		queue.WithBackoff(writePolicy))
	if err != nil {
		return fmt.Errorf("failed to open queue: %w", err)
	}
	h.manager = m
	return nil
}

func (h *Harness) seed(ctx context.Context, setup *Setup) error {
	if setup == nil {
		return nil
	}
	return writeState(ctx, h.mem, setup.Queue, setup.Ongoing)
}

// writeState writes both keys from a separate session.
func writeState(ctx context.Context, mem *kv.Memory, specs []RequestSpec, ongoing *RequestSpec) error {
	q := make([]request.Request, 0, len(specs))
	for _, s := range specs {
		r, err := s.Request()
		if err != nil {
			return err
		}
		q = append(q, r)
	}
	qb, err := queue.EncodeQueue(q)
	if err != nil {
		return err
	}
	entries := []kv.Entry{{Key: queue.DefaultQueueKey, Value: qb}}

	if ongoing != nil {
		r, err := ongoing.Request()
		if err != nil {
			return err
		}
		ob, err := queue.EncodeOngoing(r, true)
		if err != nil {
			return err
		}
		entries = append(entries, kv.Entry{Key: queue.DefaultOngoingKey, Value: ob})
	}

	s := mem.Session()
	defer s.Close()
	_, err = s.Set(ctx, entries...)
	return err
}

// execute runs one step, records it in the trace and checks its expect clause.
func (h *Harness) execute(ctx context.Context, i int, step FlowStep, result *Result) error {
	m := h.manager
	ev := TraceEvent{Op: step.Op, Result: "ok"}
	var opErr error
	var taken int64
	removed := -1

	switch step.Op {
	case OpEnqueue:
		r, err := step.Request.Request()
		if err != nil {
			return err
		}
		ev.RequestID = r.RequestID
		opErr = m.Enqueue(ctx, r)

	case OpTakeNext:
		r, ok, err := m.TakeNext(ctx)
		opErr = err
		if ok {
			taken = r.RequestID
			ev.RequestID = r.RequestID
			ev.Result = "taken"
		} else if err == nil {
			ev.Result = "empty"
		}

	case OpComplete:
		ev.RequestID = step.RequestID
		opErr = m.Complete(ctx, request.Request{RequestID: step.RequestID})

	case OpReturnToHead:
		ev.RequestID = step.RequestID
		opErr = m.ReturnToHead(ctx, request.Request{RequestID: step.RequestID})

	case OpUpdateAt:
		r, err := step.Request.Request()
		if err != nil {
			return err
		}
		ev.RequestID = r.RequestID
		opErr = m.UpdateAt(ctx, step.Index, r)

	case OpRemove:
		removed, opErr = m.RemoveMatching(ctx, func(r request.Request) bool {
			return r.Command == step.Command
		})
		ev.Result = fmt.Sprintf("removed %d", removed)

	case OpClear:
		opErr = m.Clear(ctx)

	case OpRestart:
		// Stop without settling the ongoing request, as a crash would.
		_ = m.Close()
		if err := h.open(ctx); err != nil {
			return err
		}
		m = h.manager

	case OpExternalWrite:
		if err := writeState(ctx, h.mem, step.Queue, step.Ongoing); err != nil {
			return err
		}
		// The change is already in the mailbox. A no-op round-trip through
		// the mailbox waits until the manager has reconciled it.
		if _, err := m.RemoveMatching(ctx, func(request.Request) bool { return false }); err != nil {
			return err
		}

	case OpFailWrites:
		h.faults.FailWrites(step.Count)
		ev.Result = fmt.Sprintf("fail next %d", step.Count)

	case OpFlush:
		opErr = m.Flush(ctx)
	}

	if opErr != nil {
		ev.Result = "error"
	}
	h.seq++
	ev.Seq = h.seq
	ev.Queue = request.IDs(m.ReadAll())
	if r, ok := m.Ongoing(); ok {
		ev.Ongoing = r.RequestID
	}
	ev.Degraded = m.Degraded()
	result.AddTrace(ev)

	if step.Expect != nil {
		for _, msg := range checkExpect(i, step, step.Expect, ev, opErr, taken, removed) {
			result.AddError(msg)
		}
	}
	return nil
}

func checkExpect(i int, step FlowStep, exp *ExpectClause, ev TraceEvent, opErr error, taken int64, removed int) []string {
	var errs []string
	prefix := fmt.Sprintf("flow[%d] %s", i, step.Op)

	if exp.RequestID != nil && *exp.RequestID != taken {
		errs = append(errs, fmt.Sprintf("%s: expected request %d, got %d", prefix, *exp.RequestID, taken))
	}
	if exp.Removed != nil && *exp.Removed != removed {
		errs = append(errs, fmt.Sprintf("%s: expected %d removed, got %d", prefix, *exp.Removed, removed))
	}
	if exp.Error != nil && *exp.Error != (opErr != nil) {
		errs = append(errs, fmt.Sprintf("%s: expected error=%t, got %v", prefix, *exp.Error, opErr))
	}
	if exp.Queue != nil && !slices.Equal(exp.Queue, ev.Queue) {
		errs = append(errs, fmt.Sprintf("%s: expected queue %v, got %v", prefix, exp.Queue, ev.Queue))
	}
	return errs
}

func (h *Harness) finalState() (FinalState, error) {
	m := h.manager
	st := FinalState{
		Queue:    request.IDs(m.ReadAll()),
		Degraded: m.Degraded(),
	}
	if r, ok := m.Ongoing(); ok {
		st.Ongoing = r.RequestID
	}

	q, err := queue.DecodeQueue(h.mem.Snapshot(queue.DefaultQueueKey).Value)
	if err != nil {
		return FinalState{}, fmt.Errorf("persisted queue: %w", err)
	}
	st.PersistedQueue = request.IDs(q)

	o, ok, err := queue.DecodeOngoing(h.mem.Snapshot(queue.DefaultOngoingKey).Value)
	if err != nil {
		return FinalState{}, fmt.Errorf("persisted ongoing: %w", err)
	}
	if ok {
		st.PersistedOngoing = o.RequestID
	}
	return st, nil
}
