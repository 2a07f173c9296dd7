// Package kv provides the durable key-value adapters the mutation queue is
// built on.
//
// Every adapter implements Store:
//   - Get: read one key with its revision
//   - Set: write one or more keys as a single atomic batch
//   - Merge: atomically apply an RFC 7386 JSON merge patch to one key
//   - Subscribe: observe changes made by any writer, including other processes
//
// # Revisions and origins
//
// Each committed batch is stamped with a store-wide, strictly increasing
// Revision. Each Store handle has an Origin (UUIDv7) that tags the changes it
// writes, so a subscriber can tell its own writes from foreign ones.
//
// # Adapters
//
//   - Memory: shared in-process backend; each Session is one "process"
//   - SQLite: file-backed, WAL mode, single writer connection; foreign
//     commits are detected by polling PRAGMA data_version
//   - Redis: keys stored as hashes, batches applied by a Lua script,
//     changes fanned out over Pub/Sub
package kv
