package middleware

import (
	"context"
	"time"

	"gen-rpc/registry"
	"gen-rpc/rpcerr"
	"gen-rpc/session"
)

// TimeOutMiddleware fails invocations that run longer than timeout. The
// procedure's context is cancelled, but a procedure that ignores it keeps
// running to completion; a generator it returns late is closed.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *registry.Call) (any, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)

			type outcome struct {
				result any
				err    error
			}
			done := make(chan outcome, 1)
			go func() {
				defer cancel()
				result, err := next(ctx, call)
				done <- outcome{result, err}
			}()

			select {
			case o := <-done:
				return o.result, o.err
			case <-ctx.Done():
				go func() {
					o := <-done
					if g, ok := session.Adapt(o.result); ok {
						_ = g.Close()
					}
				}()
				return nil, rpcerr.Timeoutf("%s exceeded %s", call.Procedure, timeout)
			}
		}
	}
}
