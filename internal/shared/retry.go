package shared

import (
	"context"
	"errors"
)

// RetryOnConflict calls fn up to attempts times while it fails with
// ErrConcurrentUpdate. The last error is returned when every attempt loses.
func RetryOnConflict(ctx context.Context, attempts int, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		err = fn()
		if !errors.Is(err, ErrConcurrentUpdate) || ctx.Err() != nil {
			return err
		}
	}
	return err
}
