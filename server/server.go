// Package server is a small obelisk server: a ROUTER socket answering commands
// and PUB sockets publishing the block and transaction feeds. It backs the
// integration tests and the CLI's stub command.
//
// Request processing:
//
//	Serve loop (owns the ROUTER socket)
//	  → recv [identity][command][tx id][payload]
//	  → go handle (parallel) → HandlerFunc → reply queued
//	  → Serve loop flushes queued replies between polls
package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	zmq "github.com/pebbe/zmq4"
	"go.uber.org/zap"

	"obelisk/codec"
	"obelisk/message"
	"obelisk/registry"
)

const (
	pollInterval = 10 * time.Millisecond
	registryTTL  = 10 // seconds, renewed by KeepAlive
	curveDomain  = "obelisk"

	// ROUTER prepends the peer identity to the three request frames.
	requestFrames = 4
)

var (
	ErrNotListening = errors.New("server: not listening")
	ErrNoFeed       = errors.New("server: feed not bound")
)

// HandlerFunc answers one command. Returning ok=false sends no reply at all.
type HandlerFunc func(ctx context.Context, req message.Request) (payload []byte, ok bool)

// Config holds the bind addresses. Block and Transaction are optional.
type Config struct {
	Query       string
	Block       string
	Transaction string
	SecretKey   string // Z85 CURVE secret key; empty serves plaintext
}

type Server struct {
	logger *zap.Logger

	handlersMu sync.RWMutex
	handlers   map[string]HandlerFunc

	router    *zmq.Socket // used only by the Serve goroutine once serving
	endpoints Config

	pubMu sync.Mutex
	block *zmq.Socket
	tx    *zmq.Socket

	replies  chan [][]byte
	wg       sync.WaitGroup // in-flight handlers
	shutdown atomic.Bool
	serving  atomic.Bool
	stopped  chan struct{}
	curve    bool

	registry registry.Registry
	network  string
}

func New(logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		logger:   logger,
		handlers: make(map[string]HandlerFunc),
		replies:  make(chan [][]byte, 64),
		stopped:  make(chan struct{}),
	}
}

// Handle registers fn for the full command name, e.g. "blockchain.fetch_last_height".
func (s *Server) Handle(command string, fn HandlerFunc) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.handlers[command] = fn
}

// Listen binds the sockets named in cfg. Addresses may use a wildcard port;
// Endpoints reports what was actually bound.
func (s *Server) Listen(cfg Config) error {
	if cfg.SecretKey != "" {
		if err := zmq.AuthStart(); err != nil {
			return fmt.Errorf("server: start auth: %w", err)
		}
		zmq.AuthCurveAdd(curveDomain, zmq.CURVE_ALLOW_ANY)
		s.curve = true
	}

	router, err := s.bind(zmq.ROUTER, cfg.Query, cfg.SecretKey)
	if err != nil {
		s.closeAll()
		return err
	}
	s.router = router
	s.endpoints.Query = lastEndpoint(router, cfg.Query)

	if cfg.Block != "" {
		if s.block, err = s.bind(zmq.PUB, cfg.Block, ""); err != nil {
			s.closeAll()
			return err
		}
		s.endpoints.Block = lastEndpoint(s.block, cfg.Block)
	}
	if cfg.Transaction != "" {
		if s.tx, err = s.bind(zmq.PUB, cfg.Transaction, ""); err != nil {
			s.closeAll()
			return err
		}
		s.endpoints.Transaction = lastEndpoint(s.tx, cfg.Transaction)
	}
	s.logger.Info("listening",
		zap.String("query", s.endpoints.Query),
		zap.String("block", s.endpoints.Block),
		zap.String("tx", s.endpoints.Transaction),
		zap.Bool("curve", s.curve),
	)
	return nil
}

func (s *Server) bind(typ zmq.Type, address, secretKey string) (*zmq.Socket, error) {
	sock, err := zmq.NewSocket(typ)
	if err != nil {
		return nil, fmt.Errorf("server: new socket: %w", err)
	}
	if err := sock.SetLinger(0); err != nil {
		sock.Close()
		return nil, fmt.Errorf("server: set linger: %w", err)
	}
	if secretKey != "" {
		if err := sock.ServerAuthCurve(curveDomain, secretKey); err != nil {
			sock.Close()
			return nil, fmt.Errorf("server: curve auth: %w", err)
		}
	}
	if err := sock.Bind(address); err != nil {
		sock.Close()
		return nil, fmt.Errorf("server: bind %s: %w", address, err)
	}
	return sock, nil
}

func lastEndpoint(sock *zmq.Socket, fallback string) string {
	ep, err := sock.GetLastEndpoint()
	if err != nil || ep == "" {
		return fallback
	}
	return ep
}

// Endpoints returns the bound addresses.
func (s *Server) Endpoints() Config {
	return s.endpoints
}

// Instance describes this server for a registry.
func (s *Server) Instance(publicKey string, version int) registry.ServerInstance {
	return registry.ServerInstance{
		Query:       s.endpoints.Query,
		Block:       s.endpoints.Block,
		Transaction: s.endpoints.Transaction,
		PublicKey:   publicKey,
		Weight:      1,
		Version:     version,
	}
}

// Advertise registers the server under network. Shutdown deregisters it.
func (s *Server) Advertise(ctx context.Context, reg registry.Registry, network string, inst registry.ServerInstance) error {
	if err := reg.Register(ctx, network, inst, registryTTL); err != nil {
		return err
	}
	s.registry = reg
	s.network = network
	s.logger.Info("registered", zap.String("network", network), zap.String("query", inst.Query))
	return nil
}

// Serve runs the query loop until ctx is done or Shutdown is called.
func (s *Server) Serve(ctx context.Context) error {
	if s.router == nil {
		return ErrNotListening
	}
	s.serving.Store(true)
	defer close(s.stopped)
	defer s.router.Close()

	poller := zmq.NewPoller()
	poller.Add(s.router, zmq.POLLIN)
	for {
		if ctx.Err() != nil || s.shutdown.Load() {
			return nil
		}
		s.flushReplies()

		polled, err := poller.Poll(pollInterval)
		if err != nil {
			if zmq.AsErrno(err) == zmq.ETERM {
				return nil
			}
			return fmt.Errorf("server: poll: %w", err)
		}
		if len(polled) == 0 {
			continue
		}
		frames, err := s.router.RecvMessageBytes(0)
		if err != nil {
			s.logger.Warn("receive failed", zap.Error(err))
			continue
		}
		s.accept(ctx, frames)
	}
}

func (s *Server) accept(ctx context.Context, frames [][]byte) {
	if len(frames) != requestFrames {
		s.logger.Warn("dropped request", zap.Int("frames", len(frames)))
		return
	}
	id, err := codec.DecodeTxID(frames[2])
	if err != nil {
		s.logger.Warn("dropped request", zap.Error(err))
		return
	}
	identity := frames[0]
	req := message.Request{Command: string(frames[1]), TxID: id, Payload: frames[3]}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.handle(context.WithValue(ctx, peerKey{}, identity), identity, req)
	}()
}

type peerKey struct{}

// Peer returns the ROUTER identity of the peer whose request is being handled.
func Peer(ctx context.Context) []byte {
	id, _ := ctx.Value(peerKey{}).([]byte)
	return id
}

func (s *Server) handle(ctx context.Context, identity []byte, req message.Request) {
	s.handlersMu.RLock()
	fn, ok := s.handlers[req.Command]
	s.handlersMu.RUnlock()

	var payload []byte
	if !ok {
		s.logger.Warn("unknown command", zap.String("command", req.Command), zap.Uint32("tx_id", req.TxID))
		payload = codec.EncodeUint32(uint32(message.NotFound))
	} else if payload, ok = fn(ctx, req); !ok {
		s.logger.Debug("reply withheld", zap.String("command", req.Command), zap.Uint32("tx_id", req.TxID))
		return
	}
	s.logger.Debug("reply", zap.String("command", req.Command), zap.Uint32("tx_id", req.TxID), zap.Int("payload", len(payload)))
	s.Notify(identity, message.Request{Command: req.Command, TxID: req.TxID, Payload: payload})
}

// Notify queues an unsolicited message for the peer with identity, such as an
// address.update.
func (s *Server) Notify(identity []byte, msg message.Request) {
	frames := append([][]byte{identity}, codec.EncodeRequest(msg)...)
	select {
	case s.replies <- frames:
	case <-s.stopped:
	}
}

func (s *Server) flushReplies() {
	for {
		select {
		case frames := <-s.replies:
			if err := sendFrames(s.router, frames); err != nil {
				s.logger.Warn("reply failed", zap.Error(err))
			}
		default:
			return
		}
	}
}

func sendFrames(sock *zmq.Socket, frames [][]byte) error {
	for i, f := range frames {
		var flags zmq.Flag
		if i < len(frames)-1 {
			flags = zmq.SNDMORE
		}
		if _, err := sock.SendBytes(f, flags); err != nil {
			return err
		}
	}
	return nil
}

// PublishBlock sends a block notification on the block feed.
func (s *Server) PublishBlock(height uint32, header *wire.BlockHeader, txHashes []chainhash.Hash) error {
	frames, err := codec.EncodeBlockNotification(height, header, txHashes)
	if err != nil {
		return err
	}
	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	if s.block == nil {
		return ErrNoFeed
	}
	return sendFrames(s.block, frames)
}

// PublishTransaction sends a raw transaction on the transaction feed.
func (s *Server) PublishTransaction(tx *wire.MsgTx) error {
	raw, err := codec.EncodeTransaction(tx)
	if err != nil {
		return err
	}
	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	if s.tx == nil {
		return ErrNoFeed
	}
	return sendFrames(s.tx, [][]byte{raw})
}

// Shutdown deregisters the server, stops the query loop and waits up to
// timeout for in-flight handlers.
func (s *Server) Shutdown(timeout time.Duration) error {
	if s.registry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := s.registry.Deregister(ctx, s.network, s.endpoints.Query); err != nil {
			s.logger.Warn("deregister failed", zap.Error(err))
		}
		cancel()
	}
	s.shutdown.Store(true)

	done := make(chan struct{})
	go func() {
		if s.serving.Load() {
			<-s.stopped
		} else if s.router != nil {
			s.router.Close()
		}
		s.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		err = fmt.Errorf("server: timeout waiting for ongoing requests to finish")
	}
	s.closeFeeds()
	if s.curve {
		zmq.AuthStop()
	}
	s.logger.Info("stopped")
	return err
}

func (s *Server) closeFeeds() {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	for _, sock := range []*zmq.Socket{s.block, s.tx} {
		if sock != nil {
			sock.Close()
		}
	}
	s.block, s.tx = nil, nil
}

func (s *Server) closeAll() {
	if s.router != nil {
		s.router.Close()
		s.router = nil
	}
	s.closeFeeds()
}
