package middleware

import (
	"context"
	"time"

	"grain-rpc/message"
	"grain-rpc/rpcerr"

	"github.com/pkg/errors"
)

// TimeOutMiddleware answers with ErrInvocationTimeout when the servant does not return within
// timeout. The servant keeps running; its context is cancelled so that it can stop early.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.Call) *message.Return {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.Return, 1)
			go func() {
				done <- next(ctx, call)
			}()

			select {
			case ret := <-done:
				return ret
			case <-ctx.Done():
				return &message.Return{Err: errors.Wrapf(rpcerr.ErrInvocationTimeout, "%s.%s after %v", call.Interface, call.Method, timeout)}
			}
		}
	}
}
