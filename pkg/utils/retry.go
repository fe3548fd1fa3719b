package utils

import (
	"context"
	"time"
)

// Retry calls fn up to attempts times while retryable(err) is true, sleeping
// backoff*attempt between tries. The last error is returned. A cancelled ctx
// stops the loop early with ctx.Err().
func Retry(ctx context.Context, attempts int, backoff time.Duration, retryable func(error) bool, fn func(attempt int) error) error {
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for i := 1; i <= attempts; i++ {
		err = fn(i)
		if err == nil || !retryable(err) || i == attempts {
			return err
		}
		if backoff > 0 {
			t := time.NewTimer(backoff * time.Duration(i))
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
	}
	return err
}
