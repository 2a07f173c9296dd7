package queue

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/goccy/go-json"

	"github.com/roach88/mutq/internal/request"
)

// Default store keys.
const (
	DefaultQueueKey   = "PERSISTED_REQUEST_QUEUE"
	DefaultOngoingKey = "PERSISTED_ONGOING_REQUEST"
	DefaultSeqKey     = DefaultQueueKey + seqSuffix
)

const seqSuffix = "_SEQ"

// Keys names the persisted records.
type Keys struct {
	Queue   string
	Ongoing string

	// Seq holds the highest request ID ever issued. It is written in the
	// same batch as the queue so IDs, and the idempotency keys derived from
	// them, are not reused once the queue has drained.
	Seq string
}

// DefaultKeys returns the standard key names.
func DefaultKeys() Keys {
	return Keys{Queue: DefaultQueueKey, Ongoing: DefaultOngoingKey, Seq: DefaultSeqKey}
}

// has reports whether key is one of the managed records.
func (k Keys) has(key string) bool {
	return key == k.Queue || key == k.Ongoing || key == k.Seq
}

// EncodeQueue renders the queue record. An empty queue is "[]".
func EncodeQueue(q []request.Request) ([]byte, error) {
	if len(q) == 0 {
		return []byte("[]"), nil
	}
	b, err := json.Marshal(q)
	if err != nil {
		return nil, fmt.Errorf("encode queue: %w", err)
	}
	return b, nil
}

// DecodeQueue parses a queue record. A missing record is an empty queue.
func DecodeQueue(b []byte) ([]request.Request, error) {
	if isAbsent(b) {
		return nil, nil
	}
	var q []request.Request
	if err := json.Unmarshal(b, &q); err != nil {
		return nil, fmt.Errorf("decode queue: %w", err)
	}
	return q, nil
}

// EncodeOngoing renders the ongoing record. An idle slot is no value.
func EncodeOngoing(r request.Request, ok bool) ([]byte, error) {
	if !ok {
		return nil, nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode ongoing: %w", err)
	}
	return b, nil
}

// DecodeOngoing parses an ongoing record. Missing and "null" mean idle.
func DecodeOngoing(b []byte) (request.Request, bool, error) {
	if isAbsent(b) {
		return request.Request{}, false, nil
	}
	var r request.Request
	if err := json.Unmarshal(b, &r); err != nil {
		return request.Request{}, false, fmt.Errorf("decode ongoing: %w", err)
	}
	return r, true, nil
}

// EncodeSeq renders the request ID high-water mark.
func EncodeSeq(id int64) []byte {
	return []byte(strconv.FormatInt(id, 10))
}

// DecodeSeq parses a high-water mark. A missing record is 0.
func DecodeSeq(b []byte) (int64, error) {
	if isAbsent(b) {
		return 0, nil
	}
	var id int64
	if err := json.Unmarshal(b, &id); err != nil {
		return 0, fmt.Errorf("decode seq: %w", err)
	}
	if id < 0 {
		return 0, fmt.Errorf("decode seq: negative id %d", id)
	}
	return id, nil
}

func isAbsent(b []byte) bool {
	t := bytes.TrimSpace(b)
	return len(t) == 0 || bytes.Equal(t, []byte("null"))
}

// normalize drops duplicate IDs (first occurrence wins) and the excluded ID.
// exclude <= 0 excludes nothing.
func normalize(q []request.Request, exclude int64) ([]request.Request, int) {
	seen := make(map[int64]struct{}, len(q))
	out := make([]request.Request, 0, len(q))
	dropped := 0
	for _, r := range q {
		if _, dup := seen[r.RequestID]; dup || (exclude > 0 && r.RequestID == exclude) {
			dropped++
			continue
		}
		seen[r.RequestID] = struct{}{}
		out = append(out, r)
	}
	return out, dropped
}
