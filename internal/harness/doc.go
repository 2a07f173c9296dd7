// Package harness runs queue conformance scenarios.
//
// A scenario seeds the store, drives a queue.Manager through a flow of
// operations, and checks assertions against the trace and the final
// in-memory and persisted state. Every scenario runs against a fresh
// in-memory store with fault injection, so runs are deterministic.
//
// # Scenario Format
//
//	name: open_report_add_comment
//	description: "What this scenario validates"
//	setup:
//	  queue:
//	    - { command: AddComment, request_id: 2 }
//	  ongoing: { command: OpenReport, request_id: 1 }
//	flow:
//	  - op: enqueue
//	    request: { command: CloseReport, request_id: 3, data: { reportId: r1 } }
//	  - op: take_next
//	    expect: { request_id: 1 }
//	  - op: complete
//	    request_id: 1
//	assertions:
//	  - type: queue
//	    ids: [2, 3]
//	  - type: converged
//
// # Operations
//
//   - enqueue, update_at, remove, clear: business-logic operations
//   - take_next, complete, return_to_head: dispatcher operations
//   - restart: stop the manager without settling and open a new one
//   - external_write: another session overwrites the persisted keys
//   - fail_writes: the next count writes fail
//   - flush: force a synchronous write of dirty state
//
// # Assertion Types
//
//   - queue, persisted_queue: queue IDs in order (memory / store)
//   - ongoing, persisted_ongoing: ongoing request ID, 0 for none
//   - converged: memory and store agree on both keys
//   - degraded: the manager's degraded flag
//   - trace_contains, trace_order, trace_count: operations in the trace
//
// # Golden Files
//
// RunWithGolden compares the canonical JSON trace against
// testdata/golden/<name>.golden. Regenerate with:
//
//	go test ./internal/harness -update
package harness
