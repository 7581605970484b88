package middleware

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"obelisk/message"
	"obelisk/retry"
)

const (
	// DefaultSendAttempts bounds a policy that leaves MaxAttempts unset.
	DefaultSendAttempts = 5
	// MinSendDelay is the shortest wait between two send attempts.
	MinSendDelay = 10 * time.Millisecond
)

// Retry resends when the engine refuses a request with an error that retryable
// accepts, waiting policy.Delay between attempts. This covers local send failures
// only; a request the server never answers is handled by the reconnect engine.
// Send retries are always bounded: an unbounded policy gets DefaultSendAttempts,
// and no wait is shorter than MinSendDelay.
func Retry(policy retry.Policy, retryable func(error) bool, logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = DefaultSendAttempts
	}
	var mu sync.Mutex
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	return func(next SendFunc) SendFunc {
		return func(ctx context.Context, req *message.Request) error {
			err := next(ctx, req)
			for attempt := 1; err != nil && retryable(err); attempt++ {
				if policy.Exhausted(attempt) {
					return err
				}
				mu.Lock()
				delay := policy.Delay(attempt, rng)
				mu.Unlock()
				if delay < MinSendDelay {
					delay = MinSendDelay
				}
				logger.Info("retrying send",
					zap.String("command", req.Command),
					zap.Int("attempt", attempt),
					zap.Duration("delay", delay),
					zap.Error(err),
				)
				t := time.NewTimer(delay)
				select {
				case <-ctx.Done():
					t.Stop()
					return ctx.Err()
				case <-t.C:
				}
				err = next(ctx, req)
			}
			return err
		}
	}
}
