package client

import (
	"context"
	"time"

	"go.uber.org/zap"

	"obelisk/event"
	"obelisk/protocol"
	"obelisk/retry"
	"obelisk/transport"
)

// reconnectNotes collects what a reconnect step wants published once c.mu is
// released; bus handlers may call back into the client.
type reconnectNotes struct {
	reconnected *event.Reconnected
	dropped     []event.RequestDropped
}

func (n reconnectNotes) publish(bus *event.Bus) {
	for _, d := range n.dropped {
		bus.PublishDropped(d)
	}
	if n.reconnected != nil {
		bus.PublishReconnected(*n.reconnected)
	}
}

// onTimeoutLocked decides what a request timeout leads to: an immediate
// reconnect, a scheduled one, or giving up on everything pending.
func (c *Client) onTimeoutLocked() reconnectNotes {
	if c.reconnectPending {
		return reconnectNotes{}
	}
	c.attempts++
	return c.attemptLocked(0)
}

// attemptLocked runs or schedules reconnect attempt c.attempts, waiting at
// least floor.
func (c *Client) attemptLocked(floor time.Duration) reconnectNotes {
	if c.opts.Retry.Exhausted(c.attempts) {
		return c.abandonLocked()
	}
	delay := c.opts.Retry.Delay(c.attempts, c.rng)
	if delay < floor {
		delay = floor
	}
	if delay <= 0 {
		return c.reconnectLocked()
	}

	c.reconnectPending = true
	c.reconnectGen++
	gen := c.reconnectGen
	c.logger.Info("reconnect scheduled", zap.Int("attempt", c.attempts), zap.Duration("delay", delay))
	c.clock.AfterFunc(delay, func() { c.runScheduled(gen) })
	return reconnectNotes{}
}

func (c *Client) runScheduled(gen uint64) {
	c.mu.Lock()
	if c.closed || !c.reconnectPending || c.reconnectGen != gen {
		c.mu.Unlock()
		return
	}
	c.reconnectPending = false
	notes := c.reconnectLocked()
	c.mu.Unlock()
	notes.publish(c.bus)
}

// reconnectLocked replaces the query socket, resends every pending request under
// a fresh id with the same callback, and re-issues every address subscription.
func (c *Client) reconnectLocked() reconnectNotes {
	c.metrics.Reconnects.Inc()
	if c.query != nil {
		if err := c.query.Close(); err != nil {
			c.logger.Warn("closing query socket", zap.Error(err))
		}
		c.query = nil
	}

	if err := c.redialLocked(); err != nil {
		c.logger.Error("reconnect failed", zap.Int("attempt", c.attempts), zap.Error(err))
		c.attempts++
		return c.attemptLocked(c.opts.Timeout)
	}

	stale := c.pendingInOrderLocked()
	c.pending = make(map[uint32]*pendingRequest, len(stale))
	notes := reconnectNotes{reconnected: &event.Reconnected{Attempt: c.attempts}}
	for _, p := range stale {
		p.timer.Stop()
		np, err := c.sendLocked(p.command, p.payload, p.cb)
		if err != nil {
			c.logger.Error("resend failed", zap.String("command", p.command), zap.Error(err))
			notes.dropped = append(notes.dropped, event.RequestDropped{TxID: p.txID, Command: p.command, Err: err})
			continue
		}
		c.logger.Debug("resent request",
			zap.String("command", p.command),
			zap.Uint32("old_tx_id", p.txID),
			zap.Uint32("tx_id", np.txID),
		)
		notes.reconnected.Resent++
	}

	for _, address := range c.subOrder {
		sub := c.subs[address]
		for range sub.callbacks {
			if _, err := c.sendLocked(cmdSubscribe, sub.payload, nil); err != nil {
				c.logger.Error("resubscribe failed", zap.String("address", address), zap.Error(err))
				continue
			}
			notes.reconnected.Resubscribed++
		}
	}

	c.logger.Info("query socket rebuilt",
		zap.Int("attempt", c.attempts),
		zap.Int("resent", notes.reconnected.Resent),
		zap.Int("resubscribed", notes.reconnected.Resubscribed),
	)
	return notes
}

// abandonLocked drops every pending request once the policy gives up. The
// socket stays as it is for new requests.
func (c *Client) abandonLocked() reconnectNotes {
	var notes reconnectNotes
	for _, p := range c.pendingInOrderLocked() {
		p.timer.Stop()
		notes.dropped = append(notes.dropped, event.RequestDropped{
			TxID:    p.txID,
			Command: p.command,
			Err:     retry.ErrAttemptsExhausted,
		})
	}
	c.logger.Error("giving up on obelisk server",
		zap.Int("attempts", c.attempts-1),
		zap.Int("dropped", len(notes.dropped)),
	)
	c.pending = make(map[uint32]*pendingRequest)
	c.metrics.Pending.Set(0)
	c.attempts = 0
	c.reconnectPending = false
	return notes
}

// redialLocked opens a query socket with a fresh command assembler.
func (c *Client) redialLocked() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.Timeout)
	defer cancel()
	sock, err := c.dialQuery(ctx)
	if err != nil {
		return err
	}
	c.query = sock
	return nil
}

func (c *Client) dialQuery(ctx context.Context) (transport.Socket, error) {
	asm := protocol.NewCommandAssembler(c.assemblerConfig(), c.dispatch)
	return c.dialer.Dial(ctx, transport.Endpoint{
		Kind:      transport.Query,
		Address:   c.opts.Address,
		PublicKey: c.opts.PublicKey,
		Version:   c.opts.Version,
	}, asm.Push)
}

func (c *Client) assemblerConfig() protocol.Config {
	return protocol.Config{
		Logger:   c.logger,
		Reporter: c.bus,
		Strict:   c.opts.Strict,
	}
}
