package middleware

import (
	"context"
	"runtime/debug"

	"grain-rpc/message"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// RecoverMiddleware turns a panicking servant into a failed invocation instead of a crashed
// endpoint.
func RecoverMiddleware(logger *logrus.Entry) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.Call) (ret *message.Return) {
			defer func() {
				if r := recover(); r != nil {
					logger.WithFields(logrus.Fields{
						"objectID":  call.ObjectID,
						"interface": call.Interface,
						"method":    call.Method,
						"stack":     string(debug.Stack()),
					}).Errorf("servant panicked: %v", r)
					ret = &message.Return{Err: errors.Errorf("%s.%s panicked: %v", call.Interface, call.Method, r)}
				}
			}()
			return next(ctx, call)
		}
	}
}
