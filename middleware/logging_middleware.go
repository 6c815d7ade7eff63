package middleware

import (
	"context"
	"time"

	"github.com/juju/clock"

	"gen-rpc/registry"
	"gen-rpc/session"
)

// LoggingMiddleware logs every invocation with its duration and outcome.
func LoggingMiddleware(clk clock.Clock) Middleware {
	if clk == nil {
		clk = clock.WallClock
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *registry.Call) (any, error) {
			start := clk.Now()
			result, err := next(ctx, call)
			duration := clk.Now().Sub(start).Round(time.Microsecond)
			switch {
			case err != nil:
				logger.Infof("%s [%s] from %s failed after %s: %v", call.Procedure, call.MsgID, call.Peer, duration, err)
			case session.IsStream(result):
				logger.Debugf("%s [%s] from %s opened a stream in %s", call.Procedure, call.MsgID, call.Peer, duration)
			default:
				logger.Debugf("%s [%s] from %s returned in %s", call.Procedure, call.MsgID, call.Peer, duration)
			}
			return result, err
		}
	}
}
