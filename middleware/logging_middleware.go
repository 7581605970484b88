package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"obelisk/message"
)

// Logging records every send at debug level and failures at warn.
func Logging(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next SendFunc) SendFunc {
		return func(ctx context.Context, req *message.Request) error {
			start := time.Now()
			err := next(ctx, req)
			fields := []zap.Field{
				zap.String("command", req.Command),
				zap.Int("payload", len(req.Payload)),
				zap.Duration("duration", time.Since(start)),
			}
			if err != nil {
				logger.Warn("send failed", append(fields, zap.Error(err))...)
				return err
			}
			logger.Debug("sent", append(fields, zap.Uint32("tx_id", req.TxID))...)
			return nil
		}
	}
}
