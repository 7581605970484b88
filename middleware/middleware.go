// Package middleware wraps the outbound half of a command: everything that runs
// before the request reaches the correlation table and the query socket.
package middleware

import (
	"context"

	"obelisk/message"
)

// SendFunc hands a request to the engine. On success the engine has filled in
// req.TxID.
type SendFunc func(ctx context.Context, req *message.Request) error

type Middleware func(next SendFunc) SendFunc

// Chain composes middlewares; the first one runs outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next SendFunc) SendFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
