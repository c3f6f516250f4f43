package middleware

import (
	"context"

	"grain-rpc/message"
	"grain-rpc/rpcerr"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

// RateLimitMiddleware 创建一个基于令牌桶算法的限流中间件
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.Call) *message.Return {
			if !limiter.Allow() {
				return &message.Return{Err: errors.WithStack(rpcerr.ErrRateLimited)}
			}
			return next(ctx, call)
		}
	}
}
