package middleware

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"obelisk/message"
)

var ErrRateLimited = errors.New("middleware: rate limit exceeded")

// RateLimit rejects sends beyond r per second with the given burst, using a
// token bucket. Rejections are counted on rejected when it is not nil.
func RateLimit(r float64, burst int, rejected prometheus.Counter) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next SendFunc) SendFunc {
		return func(ctx context.Context, req *message.Request) error {
			if !limiter.Allow() {
				if rejected != nil {
					rejected.Inc()
				}
				return ErrRateLimited
			}
			return next(ctx, req)
		}
	}
}

// WaitRateLimit blocks until a token is available or ctx is done.
func WaitRateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next SendFunc) SendFunc {
		return func(ctx context.Context, req *message.Request) error {
			if err := limiter.Wait(ctx); err != nil {
				return err
			}
			return next(ctx, req)
		}
	}
}
