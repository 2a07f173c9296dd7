package kv

import (
	"bytes"
	"fmt"

	json "github.com/goccy/go-json"
)

// MergePatch applies an RFC 7386 JSON merge patch to base.
//
// A non-object patch replaces base. Object members set to null are removed.
// An empty base is treated as an empty object.
func MergePatch(base, patch []byte) ([]byte, error) {
	p, err := decodeValue(patch)
	if err != nil {
		return nil, fmt.Errorf("%w: patch: %v", ErrInvalidValue, err)
	}

	var b any
	if len(bytes.TrimSpace(base)) > 0 {
		if b, err = decodeValue(base); err != nil {
			return nil, fmt.Errorf("%w: base: %v", ErrInvalidValue, err)
		}
	}

	merged := mergeValue(b, p)
	out, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("merge: encode: %w", err)
	}
	return out, nil
}

func mergeValue(target, patch any) any {
	pobj, ok := patch.(map[string]any)
	if !ok {
		return patch
	}

	tobj, ok := target.(map[string]any)
	if !ok {
		tobj = make(map[string]any, len(pobj))
	}
	for k, v := range pobj {
		if v == nil {
			delete(tobj, k)
			continue
		}
		tobj[k] = mergeValue(tobj[k], v)
	}
	return tobj
}

func decodeValue(b []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}
