package source

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// transient wraps errors worth retrying. Everything else aborts the retry
// loop immediately.
type transient struct{ err error }

func (t *transient) Error() string { return t.err.Error() }
func (t *transient) Unwrap() error { return t.err }

func markTransient(err error) error {
	if err == nil {
		return nil
	}
	return &transient{err: err}
}

// withRetry runs op with bounded exponential backoff. Only errors wrapped by
// markTransient are retried; after the attempt budget the last error
// surfaces as ErrUnavailable.
func withRetry(ctx context.Context, attempts int, initial time.Duration, op func() error) error {
	backoff := initial
	var err error

	for attempt := 1; attempt <= attempts; attempt++ {
		err = op()
		if err == nil {
			return nil
		}

		var tr *transient
		if !errors.As(err, &tr) {
			return err
		}

		if attempt == attempts {
			break
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
	}

	return fmt.Errorf("%w: after %d attempts: %v", ErrUnavailable, attempts, errors.Unwrap(err))
}
