// Package queue implements the durable write-mutation queue.
//
// ARCHITECTURE:
//
// Single-Writer Actor:
// Every operation that changes the queue or the ongoing slot is posted to a
// mailbox and applied by one goroutine, which also performs the durable
// write. The next operation starts only after the previous write has been
// acknowledged by the store. This ensures:
//   - No two writes from this process are in flight at once
//   - FIFO order is decided by mailbox arrival, not by write completion
//   - Memory and store agree whenever no operation is running
//
// Reads (ReadAll, Ongoing, Len) take a read lock on the in-memory mirror and
// never wait for a write.
//
// Reconciliation:
// Store change notifications are posted to the same mailbox. A foreign
// change is adopted only if no local write is pending and its revision is
// newer than the last revision this manager wrote or adopted for that key.
// While a write is pending, changes are buffered and re-evaluated after the
// write is acknowledged, so the local writer wins. The changes of one
// foreign write are applied together. A request in flight here is never
// dropped by an adopted change: it keeps the slot, or yields it to an older
// request by going back to the head. Memory is written back whenever it
// differs from what was adopted.
//
// Request IDs:
// The highest ID issued is persisted with every queue write and seeds the
// ID clock on Open, so IDs are not reused after the queue drains.
//
// Ongoing slot:
// TakeNext moves the head of the queue into the ongoing slot and writes both
// keys in one batch. On Open, a non-empty ongoing slot is re-queued at the
// head before anything can be dispatched.
//
// Durability failures:
// A write that still fails after the adapter's backoff leaves the manager
// degraded. Memory stays authoritative, the dirty keys are retried in the
// background and Flush forces a synchronous attempt.
package queue
