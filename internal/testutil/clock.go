package testutil

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/roach88/mutq/internal/request"
)

// RequestFactory builds requests with deterministic, monotonic IDs.
//
// The same sequence of calls always produces identical requests, which keeps
// golden traces byte-stable.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type RequestFactory struct {
	mu  sync.Mutex
	seq int64
}

// NewRequestFactory creates a factory whose first request has ID 1.
func NewRequestFactory() *RequestFactory {
	return &RequestFactory{}
}

// Next returns a request for command with the next ID.
// data is marshaled to JSON; nil leaves Data empty.
func (f *RequestFactory) Next(command string, data any) request.Request {
	f.mu.Lock()
	f.seq++
	id := f.seq
	f.mu.Unlock()

	r := request.Request{Command: command, RequestID: id}
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			panic(fmt.Sprintf("testutil: marshal request data: %v", err))
		}
		r.Data = b
	}
	return r
}

// Current returns the last issued ID without incrementing.
func (f *RequestFactory) Current() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seq
}

// Reset restarts the sequence. After Reset(), the next ID is 1.
func (f *RequestFactory) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq = 0
}
