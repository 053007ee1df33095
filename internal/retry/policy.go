// Package retry provides the fixed-schedule retry policy used by the
// auth token exchange and other short request loops.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Class buckets an attempt failure for scheduling decisions.
type Class string

const (
	// ClassRetryable covers transport faults and 5xx responses.
	ClassRetryable Class = "retryable"
	// ClassFatal covers failures where retrying cannot help, like a
	// rejected credential.
	ClassFatal Class = "fatal"
)

// ClassifyFunc buckets an error; nil errors are never classified.
type ClassifyFunc func(err error) Class

// Policy retries an operation on a fixed delay schedule. The attempt
// count is the schedule length plus the initial try.
type Policy struct {
	// Delays between attempts, consumed in order.
	Delays []time.Duration
	// Classify decides whether a failure is worth another attempt.
	// Nil treats every failure as retryable.
	Classify ClassifyFunc
	// Sleep defaults to a context-aware wait; tests inject a recorder.
	Sleep func(ctx context.Context, d time.Duration) error
}

// AuthSchedule is the token exchange schedule: three retries spaced
// 2s, 4s and 8s after the initial attempt.
func AuthSchedule() []time.Duration {
	return []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}
}

// Do runs op until it succeeds, fails fatally, or the schedule is
// exhausted. The returned error is the last attempt's error, wrapped
// with the attempt count when the schedule ran out.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	classify := p.Classify
	if classify == nil {
		classify = func(error) Class { return ClassRetryable }
	}

	var lastErr error
	attempts := len(p.Delays) + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, p.Delays[attempt-1]); err != nil {
				return err
			}
		}
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if classify(lastErr) == ClassFatal {
			return lastErr
		}
		if ctx.Err() != nil {
			return errors.Join(lastErr, ctx.Err())
		}
	}
	return fmt.Errorf("after %d attempts: %w", attempts, lastErr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
