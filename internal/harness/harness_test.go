package harness

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadTestScenario(t *testing.T, name string) *Scenario {
	t.Helper()
	s, err := LoadScenario(filepath.Join("testdata", "scenarios", name+".yaml"))
	require.NoError(t, err)
	return s
}

func TestScenarios_Golden(t *testing.T) {
	for _, name := range []string{
		"open_report_add_comment",
		"crash_recovery",
		"degraded_write",
		"external_change",
	} {
		t.Run(name, func(t *testing.T) {
			result, err := RunWithGolden(t, loadTestScenario(t, name))
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
		})
	}
}

func TestScenarios_AllPass(t *testing.T) {
	files, err := FindScenarios(filepath.Join("testdata", "scenarios"), "")
	require.NoError(t, err)
	require.Len(t, files, 5)

	for _, f := range files {
		t.Run(filepath.Base(f), func(t *testing.T) {
			s, err := LoadScenario(f)
			require.NoError(t, err)
			result, err := Run(s)
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
		})
	}
}

func TestFindScenarios_Filter(t *testing.T) {
	files, err := FindScenarios(filepath.Join("testdata", "scenarios"), "crash*")
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "crash_recovery.yaml", filepath.Base(files[0]))

	_, err = FindScenarios(filepath.Join("testdata", "scenarios"), "[")
	assert.Error(t, err)
}

func TestRun_FinalState(t *testing.T) {
	result, err := Run(loadTestScenario(t, "crash_recovery"))
	require.NoError(t, err)

	assert.Equal(t, FinalState{
		Queue:            []int64{2, 3},
		PersistedQueue:   []int64{2, 3},
		Ongoing:          0,
		PersistedOngoing: 0,
		Degraded:         false,
	}, result.State)
}

func TestRun_FailingExpectationsAreReported(t *testing.T) {
	s, err := ParseScenario([]byte(`
name: wrong_expectations
description: "expectations that do not hold"
flow:
  - op: enqueue
    request: { command: A, request_id: 1 }
  - op: take_next
    expect: { request_id: 5 }
  - op: flush
    expect: { error: true }
assertions:
  - type: queue
    ids: [1]
  - type: ongoing
    id: 1
  - type: trace_count
    op: enqueue
    count: 2
`))
	require.NoError(t, err)

	result, err := Run(s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 4)
	assert.Contains(t, result.Errors[0], "expected request 5, got 1")
	assert.Contains(t, result.Errors[1], "expected error=true")
	assert.Contains(t, result.Errors[2], "Assertion failed: queue")
	assert.Contains(t, result.Errors[3], "Assertion failed: trace_count")
}

func TestRun_InvalidEnqueueIsAnError(t *testing.T) {
	s, err := ParseScenario([]byte(`
name: invalid_enqueue
description: "zero request id is rejected"
flow:
  - op: enqueue
    request: { command: A, request_id: 0 }
    expect: { error: true }
assertions:
  - type: queue
`))
	require.NoError(t, err)

	result, err := Run(s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Equal(t, "error", result.Trace[0].Result)
}

func TestAssertionError_IncludesTrace(t *testing.T) {
	err := &AssertionError{
		Type:     AssertQueue,
		Expected: "[1]",
		Actual:   "[]",
		Trace:    []TraceEvent{{Seq: 1, Op: OpTakeNext, RequestID: 1, Result: "taken", Queue: []int64{}, Ongoing: 1}},
	}
	msg := err.Error()
	assert.True(t, strings.HasPrefix(msg, "Assertion failed: queue\n"))
	assert.Contains(t, msg, "[1] take_next #1 -> taken queue=[] ongoing=1")
}
