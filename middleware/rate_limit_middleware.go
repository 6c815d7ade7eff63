package middleware

import (
	"context"

	"github.com/juju/errors"
	"golang.org/x/time/rate"

	"gen-rpc/registry"
)

// RateLimitMiddleware rejects invocations above r per second, allowing
// bursts of up to burst, using a token bucket shared by all procedures.
//
//	bucket holds at most burst tokens, refilled at r per second
//	each call takes one token; an empty bucket refuses the call
//
// A refused call fails with QuotaLimitExceeded and never reaches the
// procedure. It is not queued.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *registry.Call) (any, error) {
			if !limiter.Allow() { // no token left, refuse now
				return nil, errors.QuotaLimitExceededf("rate limit for %s", call.Procedure)
			}
			return next(ctx, call)
		}
	}
}
