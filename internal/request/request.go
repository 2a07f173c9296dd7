package request

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Update methods understood by store adapters when applying SuccessData
// and FailureData.
const (
	MethodSet   = "set"
	MethodMerge = "merge"
)

// Update is a single store-mutation instruction carried by a Request.
// The queue passes updates through unmodified; the dispatcher applies them.
type Update struct {
	Method string          `json:"method"`
	Key    string          `json:"key"`
	Value  json.RawMessage `json:"value,omitempty"`
}

// Request is one queued write mutation.
type Request struct {
	// Command identifies the mutation type (e.g. "OpenReport").
	Command string `json:"command"`

	// Data is the command payload. Must be valid JSON when present.
	Data json.RawMessage `json:"data,omitempty"`

	// SuccessData is applied to the store when the remote call succeeds.
	SuccessData []Update `json:"successData,omitempty"`

	// FailureData is applied to the store when the remote call fails permanently.
	FailureData []Update `json:"failureData,omitempty"`

	// RequestID is process-unique and monotonically increasing. It orders
	// requests and lets the dispatcher detect re-submission after recovery.
	RequestID int64 `json:"requestID"`
}

// ErrInvalid is wrapped by every validation failure returned from Validate.
var ErrInvalid = errors.New("invalid request")

// Validate checks the fields the queue relies on.
func (r Request) Validate() error {
	if r.Command == "" {
		return fmt.Errorf("%w: command is required", ErrInvalid)
	}
	if r.RequestID <= 0 {
		return fmt.Errorf("%w: requestID must be positive, got %d", ErrInvalid, r.RequestID)
	}
	if len(r.Data) > 0 && !json.Valid(r.Data) {
		return fmt.Errorf("%w: data is not valid JSON", ErrInvalid)
	}
	for i, u := range append(append([]Update(nil), r.SuccessData...), r.FailureData...) {
		if err := u.Validate(); err != nil {
			return fmt.Errorf("%w: update %d: %v", ErrInvalid, i, err)
		}
	}
	return nil
}

// Validate checks that the update names a known method and a key.
func (u Update) Validate() error {
	if u.Key == "" {
		return errors.New("key is required")
	}
	switch u.Method {
	case MethodSet, MethodMerge:
	default:
		return fmt.Errorf("unknown method %q", u.Method)
	}
	if len(u.Value) > 0 && !json.Valid(u.Value) {
		return errors.New("value is not valid JSON")
	}
	return nil
}

// Clone returns a deep copy so callers holding a snapshot cannot mutate
// queue state through shared byte slices.
func (r Request) Clone() Request {
	out := r
	out.Data = cloneRaw(r.Data)
	out.SuccessData = cloneUpdates(r.SuccessData)
	out.FailureData = cloneUpdates(r.FailureData)
	return out
}

// Equal reports whether two requests carry the same command, payload and
// ID. Update lists are compared element-wise.
func (r Request) Equal(o Request) bool {
	if r.RequestID != o.RequestID || r.Command != o.Command {
		return false
	}
	if !bytes.Equal(r.Data, o.Data) {
		return false
	}
	return updatesEqual(r.SuccessData, o.SuccessData) && updatesEqual(r.FailureData, o.FailureData)
}

// CloneAll deep-copies a slice of requests.
func CloneAll(rs []Request) []Request {
	if rs == nil {
		return []Request{}
	}
	out := make([]Request, len(rs))
	for i, r := range rs {
		out[i] = r.Clone()
	}
	return out
}

// IDs returns the RequestIDs of rs in order.
func IDs(rs []Request) []int64 {
	ids := make([]int64, len(rs))
	for i, r := range rs {
		ids[i] = r.RequestID
	}
	return ids
}

func cloneRaw(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	return append(json.RawMessage(nil), b...)
}

func cloneUpdates(us []Update) []Update {
	if us == nil {
		return nil
	}
	out := make([]Update, len(us))
	for i, u := range us {
		out[i] = Update{Method: u.Method, Key: u.Key, Value: cloneRaw(u.Value)}
	}
	return out
}

func updatesEqual(a, b []Update) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Method != b[i].Method || a[i].Key != b[i].Key || !bytes.Equal(a[i].Value, b[i].Value) {
			return false
		}
	}
	return true
}
