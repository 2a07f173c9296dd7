package kv

import (
	"context"
	"fmt"

	"github.com/roach88/mutq/internal/request"
)

// Apply executes request updates against s in order. It stops at the first
// failure; earlier updates stay applied.
func Apply(ctx context.Context, s Store, updates []request.Update) error {
	for i, u := range updates {
		var err error
		switch u.Method {
		case request.MethodSet:
			var value []byte
			if len(u.Value) > 0 {
				value = []byte(u.Value)
			}
			_, err = s.Set(ctx, Entry{Key: u.Key, Value: value})
		case request.MethodMerge:
			_, err = s.Merge(ctx, u.Key, u.Value)
		default:
			err = fmt.Errorf("unknown method %q", u.Method)
		}
		if err != nil {
			return fmt.Errorf("apply update %d (%s %s): %w", i, u.Method, u.Key, err)
		}
	}
	return nil
}
