package middleware

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/retry"

	"gen-rpc/registry"
)

// RetryMiddleware runs an invocation again, with doubling delays, while it
// fails with a timeout. Other errors and successful results are returned
// as they are. Only use it in front of idempotent procedures.
//
//	attempt 1 ──timeout──▶ wait baseDelay
//	attempt 2 ──timeout──▶ wait 2*baseDelay
//	...
//	attempt maxRetries+1 ──▶ its result, whatever it is
//
// Retrying stops early when ctx is done.
func RetryMiddleware(maxRetries int, baseDelay time.Duration, clk clock.Clock) Middleware {
	if clk == nil {
		clk = clock.WallClock
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *registry.Call) (any, error) {
			var result any
			err := retry.Call(retry.CallArgs{
				Func: func() error {
					var err error
					result, err = next(ctx, call)
					return err
				},
				IsFatalError: func(err error) bool {
					return !errors.Is(err, errors.Timeout) // only timeouts are retried
				},
				NotifyFunc: func(err error, attempt int) {
					logger.Debugf("retry attempt %d for %s: %v", attempt, call.Procedure, err)
				},
				Attempts:    maxRetries + 1,
				Delay:       baseDelay,
				BackoffFunc: retry.DoubleDelay,
				Clock:       clk,
				Stop:        ctx.Done(),
			})
			// Unwrap the retry bookkeeping so callers see the procedure's error.
			if retry.IsAttemptsExceeded(err) || retry.IsRetryStopped(err) {
				err = retry.LastError(err)
			}
			return result, err
		}
	}
}
