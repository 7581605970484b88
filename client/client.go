// Package client is the obelisk protocol engine: it correlates replies with
// requests, rebuilds the query socket when the server stops answering, and
// routes replies and notifications to callbacks.
package client

import (
	"context"
	"encoding/hex"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"obelisk/event"
	"obelisk/message"
	"obelisk/metrics"
	"obelisk/middleware"
	"obelisk/protocol"
	"obelisk/transport"
)

var (
	ErrClosed       = errors.New("client: closed")
	ErrNotConnected = errors.New("client: query socket not connected")
	ErrNilCallback  = errors.New("client: nil callback")
	ErrNoAddress    = errors.New("client: no query address")
)

type Client struct {
	opts       Options
	dialer     transport.Dialer
	logger     *zap.Logger
	bus        *event.Bus
	metrics    *metrics.Metrics
	registerer prometheus.Registerer
	clock      clock.Clock
	newID      func() uint32
	rng        *rand.Rand // reconnect jitter, guarded by mu
	extra      []middleware.Middleware
	chain      middleware.Middleware

	handlersMu sync.RWMutex
	handlers   map[string]HandlerFunc

	// mu guards the correlation table, the subscriptions and every write
	// to the query socket.
	mu               sync.Mutex
	closed           bool
	query            transport.Socket
	feeds            []transport.Socket
	pending          map[uint32]*pendingRequest
	seq              uint64
	subs             map[string]*subscription
	subOrder         []string
	attempts         int
	reconnectPending bool
	reconnectGen     uint64
	onBlock          func(message.Block)
	onTx             func(message.Transaction)
}

// New connects to the server described by opts. The block and transaction
// feeds are opened only when their addresses are set.
func New(ctx context.Context, dialer transport.Dialer, opts Options, options ...Option) (*Client, error) {
	opts = opts.withDefaults()
	if opts.Address == "" {
		return nil, ErrNoAddress
	}
	if err := opts.Retry.Validate(); err != nil {
		return nil, err
	}

	c := &Client{
		opts:    opts,
		dialer:  dialer,
		logger:  zap.NewNop(),
		clock:   clock.New(),
		newID:   rand.Uint32,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		pending: make(map[uint32]*pendingRequest),
		subs:    make(map[string]*subscription),
	}
	for _, o := range options {
		o(c)
	}
	c.logger = c.logger.With(zap.String("server", opts.Address))
	c.onBlock = c.logBlock
	c.onTx = c.logTransaction

	m, err := metrics.New(c.registerer)
	if err != nil {
		return nil, err
	}
	c.metrics = m
	if c.bus == nil {
		c.bus = event.NewBus()
	}
	if err := c.bus.OnAnomaly(m.ObserveAnomaly); err != nil {
		return nil, err
	}
	if err := c.bus.OnRequestDropped(m.ObserveDropped); err != nil {
		return nil, err
	}

	c.handlers = c.defaultHandlers()
	mws := []middleware.Middleware{middleware.Logging(c.logger)}
	switch {
	case opts.RateLimit > 0 && opts.RateLimitWait:
		mws = append(mws, middleware.WaitRateLimit(opts.RateLimit, opts.Burst))
	case opts.RateLimit > 0:
		mws = append(mws, middleware.RateLimit(opts.RateLimit, opts.Burst, m.RateLimited))
	}
	c.chain = middleware.Chain(append(mws, c.extra...)...)

	sock, err := c.dialQuery(ctx)
	if err != nil {
		return nil, err
	}
	c.query = sock

	if opts.BlockAddress != "" {
		asm := protocol.NewBlockAssembler(c.assemblerConfig(), c.deliverBlock)
		if err := c.dialFeed(ctx, opts.BlockAddress, asm); err != nil {
			c.Close()
			return nil, err
		}
	}
	if opts.TxAddress != "" {
		asm := protocol.NewTransactionAssembler(c.assemblerConfig(), c.deliverTransaction)
		if err := c.dialFeed(ctx, opts.TxAddress, asm); err != nil {
			c.Close()
			return nil, err
		}
	}

	c.logger.Info("connected",
		zap.String("block_feed", opts.BlockAddress),
		zap.String("tx_feed", opts.TxAddress),
		zap.Bool("curve", opts.PublicKey != ""),
	)
	return c, nil
}

func (c *Client) dialFeed(ctx context.Context, address string, asm *protocol.Assembler) error {
	sock, err := c.dialer.Dial(ctx, transport.Endpoint{
		Kind:    transport.Subscribe,
		Address: address,
		Version: c.opts.Version,
	}, asm.Push)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.feeds = append(c.feeds, sock)
	c.mu.Unlock()
	return nil
}

// SendCommand sends a raw command. cb, which may be nil, is invoked at most once
// with the handler's decoded reply. The returned id is the one on the wire now;
// a reconnect resends under a new id.
func (c *Client) SendCommand(command string, payload []byte, cb *Callback) (uint32, error) {
	return c.SendCommandContext(context.Background(), command, payload, cb)
}

// SendCommandContext is SendCommand with a context for the outbound middlewares.
func (c *Client) SendCommandContext(ctx context.Context, command string, payload []byte, cb *Callback) (uint32, error) {
	req := &message.Request{Command: command, Payload: payload}
	send := c.chain(func(ctx context.Context, req *message.Request) error {
		id, err := c.enqueue(req.Command, req.Payload, cb)
		if err != nil {
			return err
		}
		req.TxID = id
		return nil
	})
	if err := send(ctx, req); err != nil {
		return 0, err
	}
	return req.TxID, nil
}

// OnBlock replaces the block notification handler. The default logs the block.
func (c *Client) OnBlock(fn func(message.Block)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if fn == nil {
		fn = c.logBlock
	}
	c.onBlock = fn
}

// OnTransaction replaces the transaction notification handler. The default
// logs the raw transaction.
func (c *Client) OnTransaction(fn func(message.Transaction)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if fn == nil {
		fn = c.logTransaction
	}
	c.onTx = fn
}

func (c *Client) deliverBlock(b message.Block) {
	c.mu.Lock()
	fn := c.onBlock
	c.mu.Unlock()
	fn(b)
}

func (c *Client) deliverTransaction(tx message.Transaction) {
	c.mu.Lock()
	fn := c.onTx
	c.mu.Unlock()
	fn(tx)
}

func (c *Client) logBlock(b message.Block) {
	c.logger.Info("block", zap.Uint32("height", b.Height), zap.Int("tx_hashes", len(b.TxHashes)))
}

func (c *Client) logTransaction(tx message.Transaction) {
	c.logger.Info("tx", zap.String("raw", hex.EncodeToString(tx.Raw)))
}

// Metrics returns the client's instruments.
func (c *Client) Metrics() *metrics.Metrics {
	return c.metrics
}

// Bus returns the bus anomalies and connectivity events are published on.
func (c *Client) Bus() *event.Bus {
	return c.bus
}

// Close stops every timer and closes all sockets. Requests still pending are
// reported as dropped; their callbacks are not invoked.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	var dropped []event.RequestDropped
	for _, p := range c.pendingInOrderLocked() {
		p.timer.Stop()
		dropped = append(dropped, event.RequestDropped{TxID: p.txID, Command: p.command, Err: ErrClosed})
	}
	c.pending = make(map[uint32]*pendingRequest)
	c.reconnectPending = false
	sockets := c.feeds
	if c.query != nil {
		sockets = append(sockets, c.query)
	}
	c.query = nil
	c.feeds = nil
	c.mu.Unlock()

	reconnectNotes{dropped: dropped}.publish(c.bus)
	var errs []error
	for _, s := range sockets {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	c.logger.Info("closed", zap.Int("dropped", len(dropped)))
	return errors.Join(errs...)
}
