package middleware

import (
	"context"

	"github.com/juju/clock"

	"gen-rpc/metrics"
	"gen-rpc/registry"
	"gen-rpc/session"
)

// MetricsMiddleware records every invocation in c.
func MetricsMiddleware(c *metrics.Collector, clk clock.Clock) Middleware {
	if clk == nil {
		clk = clock.WallClock
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *registry.Call) (any, error) {
			start := clk.Now()
			c.CallStarted()
			result, err := next(ctx, call)
			outcome := metrics.OutcomeResult
			switch {
			case err != nil:
				outcome = metrics.OutcomeError
			case session.IsStream(result):
				outcome = metrics.OutcomeStream
			}
			c.CallFinished(call.Procedure, outcome, clk.Now().Sub(start))
			return result, err
		}
	}
}
