// Package request defines the value types that flow through the mutation queue.
//
// This package contains type definitions and pure functions only. All other
// internal packages import request; request imports nothing internal.
//
// Key design constraints:
//   - RequestID is supplied by the caller and is the only identity the queue uses
//   - SuccessData and FailureData are opaque: the queue never inspects them
//   - All JSON tags use camelCase to match the persisted record shape
package request
