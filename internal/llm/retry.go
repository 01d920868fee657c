package llm

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// HTTPError carries a non-2xx provider response.
type HTTPError struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("provider returned %d: %s", e.Status, e.Body)
}

// retryable reports whether a provider error is worth retrying: rate limits
// and upstream 5xx, but not auth or validation failures.
func retryable(err error) bool {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.Status == 429 || he.Status >= 500
	}
	// Transport-level failures (conn reset, DNS) are retryable.
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// retryConnect retries the connection phase of a provider call with
// exponential backoff. Once a stream is open there is no retry.
func retryConnect[T any](ctx context.Context, op func() (T, error)) (T, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 15 * time.Second
	bo.MaxElapsedTime = time.Minute

	var result T
	err := backoff.Retry(func() error {
		v, err := op()
		if err != nil {
			if !retryable(err) {
				return backoff.Permanent(err)
			}
			// Honor the provider's Retry-After before handing control back
			// to the exponential schedule.
			var he *HTTPError
			if errors.As(err, &he) && he.RetryAfter > 0 {
				select {
				case <-ctx.Done():
					return backoff.Permanent(ctx.Err())
				case <-time.After(he.RetryAfter):
				}
			}
			return err
		}
		result = v
		return nil
	}, backoff.WithContext(bo, ctx))
	return result, err
}

// parseRetryAfter interprets a Retry-After header value in seconds.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
