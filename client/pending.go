package client

import (
	"fmt"
	"sort"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"obelisk/codec"
	"obelisk/event"
	"obelisk/message"
)

// Result is the decoded reply handed to a Callback, e.g.
// {message.ErrorCode, uint32} for fetch_last_height.
type Result []any

// Callback receives the result of a request at most once. Callbacks are
// compared by identity: keep the pointer to Unsubscribe later.
type Callback struct {
	fn func(Result)
}

func NewCallback(fn func(Result)) *Callback {
	return &Callback{fn: fn}
}

func (cb *Callback) invoke(r Result) {
	if cb != nil && cb.fn != nil {
		cb.fn(r)
	}
}

type pendingRequest struct {
	txID    uint32
	seq     uint64 // send order, used to resend in order
	command string
	payload []byte
	cb      *Callback
	timer   *clock.Timer
}

// enqueue sends a request and tracks it until it is resolved, cancelled or
// times out.
func (c *Client) enqueue(command string, payload []byte, cb *Callback) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, ErrClosed
	}
	if c.query == nil {
		if err := c.redialLocked(); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrNotConnected, err)
		}
	}
	p, err := c.sendLocked(command, payload, cb)
	if err != nil {
		return 0, err
	}
	return p.txID, nil
}

// sendLocked allocates an id, arms the timeout and writes the three frames.
// A failed write leaves no entry behind.
func (c *Client) sendLocked(command string, payload []byte, cb *Callback) (*pendingRequest, error) {
	if c.query == nil {
		return nil, ErrNotConnected
	}
	c.seq++
	p := &pendingRequest{
		txID:    c.newID(),
		seq:     c.seq,
		command: command,
		payload: payload,
		cb:      cb,
	}
	if old, ok := c.pending[p.txID]; ok {
		old.timer.Stop()
		c.logger.Warn("transaction id collision, replacing pending request",
			zap.Uint32("tx_id", p.txID),
			zap.String("replaced", old.command),
			zap.String("command", command),
		)
	}
	c.pending[p.txID] = p
	p.timer = c.clock.AfterFunc(c.opts.Timeout, func() { c.expire(p) })

	if err := c.writeLocked(message.Request{Command: command, TxID: p.txID, Payload: payload}); err != nil {
		p.timer.Stop()
		delete(c.pending, p.txID)
		c.metrics.Pending.Set(float64(len(c.pending)))
		return nil, err
	}
	c.metrics.RequestsSent.WithLabelValues(command).Inc()
	c.metrics.Pending.Set(float64(len(c.pending)))
	return p, nil
}

func (c *Client) writeLocked(req message.Request) error {
	frames := codec.EncodeRequest(req)
	for i, f := range frames {
		if err := c.query.Send(f, i < len(frames)-1); err != nil {
			return fmt.Errorf("client: write %s: %w", req.Command, err)
		}
	}
	return nil
}

// resolve completes a request: its timer is stopped and its callback invoked
// once, outside the lock.
func (c *Client) resolve(txID uint32, command string, result Result) {
	c.mu.Lock()
	p, ok := c.pending[txID]
	if ok {
		p.timer.Stop()
		delete(c.pending, txID)
		c.attempts = 0
		c.metrics.Pending.Set(float64(len(c.pending)))
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Warn("reply for unknown transaction id", zap.Uint32("tx_id", txID), zap.String("command", command))
		c.bus.Report(event.Anomaly{
			Kind:    event.UnknownCorrelation,
			Channel: message.ChannelCommand,
			Command: command,
			TxID:    txID,
		})
		return
	}
	c.metrics.Replies.WithLabelValues(p.command).Inc()
	p.cb.invoke(result)
}

// Unsubscribe forgets every pending request registered with cb. Their replies,
// if they still arrive, are reported as unknown correlations.
func (c *Client) Unsubscribe(cb *Callback) int {
	if cb == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for id, p := range c.pending {
		if p.cb == cb {
			p.timer.Stop()
			delete(c.pending, id)
			n++
		}
	}
	c.metrics.Pending.Set(float64(len(c.pending)))
	return n
}

// Pending returns the number of requests waiting for a reply.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// expire runs on the timer goroutine. A timer that lost its entry to a reply,
// a cancel or a resend does nothing.
func (c *Client) expire(p *pendingRequest) {
	c.mu.Lock()
	if c.closed || c.pending[p.txID] != p {
		c.mu.Unlock()
		return
	}
	c.metrics.Timeouts.Inc()
	c.logger.Error("obelisk server timed out, refreshing socket and resending requests",
		zap.Uint32("tx_id", p.txID),
		zap.String("command", p.command),
		zap.Duration("timeout", c.opts.Timeout),
	)
	notes := c.onTimeoutLocked()
	c.mu.Unlock()
	notes.publish(c.bus)
}

func (c *Client) pendingInOrderLocked() []*pendingRequest {
	out := make([]*pendingRequest, 0, len(c.pending))
	for _, p := range c.pending {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}
