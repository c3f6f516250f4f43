// Package middleware wraps servant invocations on the serving side of a connection.
//
// The endpoint turns every Call frame into a HandlerFunc invocation; the innermost handler
// runs the servant and the middlewares around it may observe, limit or short-circuit the
// call. A middleware that refuses a call sets Return.Err, which the endpoint sends back to
// the caller as a fault.
package middleware

import (
	"context"

	"grain-rpc/message"
)

type HandlerFunc func(ctx context.Context, call *message.Call) *message.Return

type Middleware func(next HandlerFunc) HandlerFunc

// Chain 将多个中间件组合成一个中间件
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
