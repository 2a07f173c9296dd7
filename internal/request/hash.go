package request

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Domain prefixes for content-addressed identity.
// The version suffix allows a future algorithm change without collisions.
const (
	DomainRequest     = "mutq/request/v1"
	DomainIdempotency = "mutq/idempotency/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
// The null separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Fingerprint computes a content hash of the request's command, payload and
// ID. SuccessData and FailureData are excluded: they describe local store
// effects, not what is sent to the server.
func Fingerprint(r Request) (string, error) {
	var data any
	if len(bytes.TrimSpace(r.Data)) > 0 {
		dec := json.NewDecoder(bytes.NewReader(r.Data))
		dec.UseNumber()
		if err := dec.Decode(&data); err != nil {
			return "", fmt.Errorf("fingerprint: decode data: %w", err)
		}
	}

	canonical, err := MarshalCanonical(map[string]any{
		"command":   r.Command,
		"data":      data,
		"requestID": r.RequestID,
	})
	if err != nil {
		return "", fmt.Errorf("fingerprint: %w", err)
	}

	return hashWithDomain(DomainRequest, canonical), nil
}

// IdempotencyKey derives the key a dispatcher sends with the outbound call
// so the server can drop a re-submitted request after crash recovery.
func IdempotencyKey(r Request) (string, error) {
	fp, err := Fingerprint(r)
	if err != nil {
		return "", err
	}
	return hashWithDomain(DomainIdempotency, []byte(fp))[:32], nil
}

// MustFingerprint is like Fingerprint but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustFingerprint(r Request) string {
	fp, err := Fingerprint(r)
	if err != nil {
		panic(err)
	}
	return fp
}
