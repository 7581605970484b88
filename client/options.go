package client

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"obelisk/config"
	"obelisk/event"
	"obelisk/middleware"
	"obelisk/retry"
)

// DefaultTimeout is how long a request may stay unanswered before the query
// socket is rebuilt.
const DefaultTimeout = 4 * time.Second

// DefaultVersion is the transport protocol version tag.
const DefaultVersion = 3

// Options are the connection settings of a Client.
type Options struct {
	Address      string // query endpoint
	PublicKey    string // server CURVE key, Z85; empty for plaintext
	BlockAddress string // block publisher; empty disables block notifications
	TxAddress    string // transaction publisher; empty disables tx notifications
	Version      int
	Timeout      time.Duration
	Retry        retry.Policy
	// Strict drops block notifications with a short tx count frame.
	Strict bool
	Params *chaincfg.Params

	// RateLimit bounds outbound commands per second; zero disables it.
	RateLimit float64
	Burst     int
	// RateLimitWait makes senders wait for a token instead of failing with
	// middleware.ErrRateLimited.
	RateLimitWait bool
}

func (o Options) withDefaults() Options {
	if o.Version == 0 {
		o.Version = DefaultVersion
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.Params == nil {
		o.Params = &chaincfg.MainNetParams
	}
	if o.RateLimit > 0 && o.Burst <= 0 {
		o.Burst = 1
	}
	return o
}

// OptionsFromConfig maps a loaded configuration onto client options.
func OptionsFromConfig(cfg config.Config) (Options, error) {
	params, err := cfg.ChainParams()
	if err != nil {
		return Options{}, err
	}
	return Options{
		Address:      cfg.Address,
		PublicKey:    cfg.PublicKey,
		BlockAddress: cfg.BlockAddress,
		TxAddress:    cfg.TxAddress,
		Version:      cfg.Version,
		Timeout:      cfg.Timeout,
		Retry:        cfg.Retry,
		Strict:       cfg.StrictBlocks,
		Params:       params,
		RateLimit:    cfg.RateLimit.RequestsPerSecond,
		Burst:        cfg.RateLimit.Burst,

		RateLimitWait: cfg.RateLimit.Wait,
	}, nil
}

// Option injects a collaborator.
type Option func(*Client)

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithBus publishes anomalies, reconnects and dropped requests on bus.
func WithBus(bus *event.Bus) Option {
	return func(c *Client) {
		c.bus = bus
	}
}

// WithRegisterer registers the client's metrics on reg instead of a private registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *Client) {
		c.registerer = reg
	}
}

// WithClock replaces the wall clock used for request timers and reconnect backoff.
func WithClock(clk clock.Clock) Option {
	return func(c *Client) {
		if clk != nil {
			c.clock = clk
		}
	}
}

// WithIDSource replaces the random transaction id generator.
func WithIDSource(next func() uint32) Option {
	return func(c *Client) {
		if next != nil {
			c.newID = next
		}
	}
}

// WithMiddleware appends outbound middlewares after logging and rate limiting.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(c *Client) {
		c.extra = append(c.extra, mws...)
	}
}
