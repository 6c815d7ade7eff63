// Package middleware wraps procedure invocation in an onion of handlers.
//
//	Chain(A, B, C)(handler) → A(B(C(handler)))
//	A.before → B.before → C.before → handler → C.after → B.after → A.after
//
// A handler returns what the procedure returned. For a streaming
// procedure that is the generator, so middleware sees the call that
// opened the stream, not the individual steps.
package middleware

import (
	"context"

	"github.com/juju/loggo"

	"gen-rpc/registry"
)

var logger = loggo.GetLogger("genrpc.middleware")

// HandlerFunc invokes one procedure call. It returns the procedure's
// result, or the generator for a streaming procedure.
type HandlerFunc func(ctx context.Context, call *registry.Call) (any, error)

// Middleware wraps a HandlerFunc. It may act before calling next, after
// it returns, or instead of calling it at all (a rate limiter refusing a
// call never reaches the procedure).
type Middleware func(next HandlerFunc) HandlerFunc

// Chain combines middlewares into one, the first being the outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
