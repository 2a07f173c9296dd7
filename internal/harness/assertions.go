package harness

import (
	"fmt"
	"slices"
	"strings"
)

// AssertionError is returned when an assertion fails.
// It includes the trace to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, ev := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s", ev.Seq, ev.Op)
			if ev.RequestID != 0 {
				fmt.Fprintf(&buf, " #%d", ev.RequestID)
			}
			fmt.Fprintf(&buf, " -> %s queue=%v ongoing=%d\n", ev.Result, ev.Queue, ev.Ongoing)
		}
	}
	return buf.String()
}

// EvaluateAssertions runs every assertion and returns failure messages.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var errs []string
	for i, a := range assertions {
		if err := evaluate(result, a); err != nil {
			errs = append(errs, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return errs
}

func evaluate(result *Result, a Assertion) error {
	st := result.State
	switch a.Type {
	case AssertQueue:
		return compareIDs(a.Type, a.IDs, st.Queue, result.Trace)
	case AssertPersistedQueue:
		return compareIDs(a.Type, a.IDs, st.PersistedQueue, result.Trace)
	case AssertOngoing:
		return compareID(a.Type, a.ID, st.Ongoing, result.Trace)
	case AssertPersistedOngoing:
		return compareID(a.Type, a.ID, st.PersistedOngoing, result.Trace)
	case AssertConverged:
		return assertConverged(result)
	case AssertDegraded:
		if *a.Value != st.Degraded {
			return &AssertionError{
				Type:     a.Type,
				Expected: fmt.Sprintf("degraded=%t", *a.Value),
				Actual:   fmt.Sprintf("degraded=%t", st.Degraded),
				Trace:    result.Trace,
			}
		}
		return nil
	case AssertTraceContains:
		return assertTraceContains(result.Trace, a)
	case AssertTraceOrder:
		return assertTraceOrder(result.Trace, a)
	case AssertTraceCount:
		return assertTraceCount(result.Trace, a)
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
}

func compareIDs(kind string, want, got []int64, trace []TraceEvent) error {
	if len(want) == 0 && len(got) == 0 {
		return nil
	}
	if slices.Equal(want, got) {
		return nil
	}
	return &AssertionError{
		Type:     kind,
		Expected: fmt.Sprintf("%v", want),
		Actual:   fmt.Sprintf("%v", got),
		Trace:    trace,
	}
}

func compareID(kind string, want, got int64, trace []TraceEvent) error {
	if want == got {
		return nil
	}
	return &AssertionError{
		Type:     kind,
		Expected: fmt.Sprintf("%d", want),
		Actual:   fmt.Sprintf("%d", got),
		Trace:    trace,
	}
}

// assertConverged checks that the store holds exactly what memory holds.
func assertConverged(result *Result) error {
	st := result.State
	if slices.Equal(st.Queue, st.PersistedQueue) && st.Ongoing == st.PersistedOngoing {
		return nil
	}
	return &AssertionError{
		Type:     AssertConverged,
		Expected: fmt.Sprintf("store queue=%v ongoing=%d", st.Queue, st.Ongoing),
		Actual:   fmt.Sprintf("store queue=%v ongoing=%d", st.PersistedQueue, st.PersistedOngoing),
		Trace:    result.Trace,
	}
}

// assertTraceContains checks for a step with the given op and, if set,
// request ID.
func assertTraceContains(trace []TraceEvent, a Assertion) error {
	for _, ev := range trace {
		if ev.Op == a.Op && (a.RequestID == 0 || ev.RequestID == a.RequestID) {
			return nil
		}
	}
	expected := a.Op
	if a.RequestID != 0 {
		expected = fmt.Sprintf("%s #%d", a.Op, a.RequestID)
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: expected,
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks that ops appear in the given order.
// Ops don't need to be consecutive.
func assertTraceOrder(trace []TraceEvent, a Assertion) error {
	next := 0
	for _, ev := range trace {
		if next < len(a.Ops) && ev.Op == a.Ops[next] {
			next++
		}
	}
	if next == len(a.Ops) {
		return nil
	}

	seen := make([]string, len(trace))
	for i, ev := range trace {
		seen[i] = ev.Op
	}
	return &AssertionError{
		Type:     AssertTraceOrder,
		Expected: strings.Join(a.Ops, " -> "),
		Actual:   strings.Join(seen, " -> "),
		Trace:    trace,
	}
}

// assertTraceCount checks that op appears exactly Count times.
func assertTraceCount(trace []TraceEvent, a Assertion) error {
	n := 0
	for _, ev := range trace {
		if ev.Op == a.Op {
			n++
		}
	}
	if n == a.Count {
		return nil
	}
	return &AssertionError{
		Type:     AssertTraceCount,
		Expected: fmt.Sprintf("%s x%d", a.Op, a.Count),
		Actual:   fmt.Sprintf("%s x%d", a.Op, n),
		Trace:    trace,
	}
}
