package middleware

import (
	"context"
	"time"

	"grain-rpc/message"

	"github.com/sirupsen/logrus"
)

// LoggingMiddleware logs every invocation with its duration at debug level, and failed ones
// at warn level.
func LoggingMiddleware(logger *logrus.Entry) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.Call) *message.Return {
			start := time.Now()
			ret := next(ctx, call)
			entry := logger.WithFields(logrus.Fields{
				"objectID":  call.ObjectID,
				"interface": call.Interface,
				"method":    call.Method,
				"duration":  time.Since(start),
			})
			if ret.Err != nil {
				entry.WithError(ret.Err).Warn("invocation failed")
			} else {
				entry.Debug("invocation done")
			}
			return ret
		}
	}
}
