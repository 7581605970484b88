package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	zmq "github.com/pebbe/zmq4"
	"go.uber.org/zap"
)

// DefaultPollInterval bounds how long a writer can wait behind the read loop.
const DefaultPollInterval = 10 * time.Millisecond

// ZMQDialer opens ZeroMQ sockets: DEALER for queries, SUB for notifications.
type ZMQDialer struct {
	PollInterval time.Duration
	Logger       *zap.Logger
}

// NewZMQDialer returns a dialer with default polling.
func NewZMQDialer(logger *zap.Logger) *ZMQDialer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZMQDialer{PollInterval: DefaultPollInterval, Logger: logger}
}

// Dial connects a socket and starts its read loop.
//
// A libzmq socket must never be used by two goroutines at once, so the read loop
// and Send share one mutex. The read loop polls with a short timeout and releases
// the mutex between polls; a writer waits at most one PollInterval.
func (d *ZMQDialer) Dial(ctx context.Context, ep Endpoint, onFrame FrameHandler) (Socket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if major, _, _ := zmq.Version(); ep.Version > major {
		return nil, fmt.Errorf("%w: want %d, libzmq is %d", ErrVersion, ep.Version, major)
	}

	typ := zmq.DEALER
	if ep.Kind == Subscribe {
		typ = zmq.SUB
	}
	sock, err := zmq.NewSocket(typ)
	if err != nil {
		return nil, fmt.Errorf("transport: new %s socket: %w", ep.Kind, err)
	}
	if err := configure(sock, ep); err != nil {
		sock.Close()
		return nil, err
	}
	if err := sock.Connect(ep.Address); err != nil {
		sock.Close()
		return nil, fmt.Errorf("transport: connect %s: %w", ep.Address, err)
	}

	poller := zmq.NewPoller()
	poller.Add(sock, zmq.POLLIN)

	interval := d.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &zmqSocket{
		sock:     sock,
		poller:   poller,
		kind:     ep.Kind,
		interval: interval,
		logger:   logger.With(zap.String("endpoint", ep.Address), zap.Stringer("kind", ep.Kind)),
	}
	go s.recvLoop(onFrame)
	return s, nil
}

func configure(sock *zmq.Socket, ep Endpoint) error {
	if err := sock.SetLinger(0); err != nil {
		return fmt.Errorf("transport: set linger: %w", err)
	}
	if ep.PublicKey != "" {
		if !zmq.HasCurve() {
			return fmt.Errorf("transport: libzmq built without CURVE, cannot use public key")
		}
		pub, sec, err := zmq.NewCurveKeypair()
		if err != nil {
			return fmt.Errorf("transport: curve keypair: %w", err)
		}
		if err := sock.ClientAuthCurve(ep.PublicKey, pub, sec); err != nil {
			return fmt.Errorf("transport: curve auth: %w", err)
		}
	}
	if ep.Kind == Subscribe {
		if err := sock.SetSubscribe(""); err != nil {
			return fmt.Errorf("transport: subscribe: %w", err)
		}
	}
	return nil
}

type zmqSocket struct {
	mu       sync.Mutex
	sock     *zmq.Socket
	poller   *zmq.Poller
	kind     Kind
	closed   bool
	interval time.Duration
	logger   *zap.Logger
}

type inbound struct {
	data []byte
	more bool
}

func (s *zmqSocket) Send(frame []byte, more bool) error {
	if s.kind == Subscribe {
		return ErrReadOnly
	}
	var flags zmq.Flag
	if more {
		flags = zmq.SNDMORE
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, err := s.sock.SendBytes(frame, flags); err != nil {
		return fmt.Errorf("transport: send: %w", err)
	}
	return nil
}

func (s *zmqSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.sock.Close()
}

// recvLoop polls for input and hands every frame of a ready message to onFrame
// outside the socket mutex, so the handler may call Send.
func (s *zmqSocket) recvLoop(onFrame FrameHandler) {
	for {
		frames, ok := s.poll()
		if !ok {
			return
		}
		for _, f := range frames {
			onFrame(f.data, f.more)
		}
	}
}

func (s *zmqSocket) poll() ([]inbound, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false
	}

	polled, err := s.poller.Poll(s.interval)
	if err != nil {
		if zmq.AsErrno(err) == zmq.ETERM {
			return nil, false
		}
		s.logger.Debug("poll failed", zap.Error(err))
		return nil, true
	}
	if len(polled) == 0 {
		return nil, true
	}

	var frames []inbound
	for {
		data, err := s.sock.RecvBytes(zmq.DONTWAIT)
		if err != nil {
			if len(frames) > 0 {
				s.logger.Warn("receive failed mid-message", zap.Error(err), zap.Int("frames", len(frames)))
			}
			break
		}
		more, err := s.sock.GetRcvmore()
		if err != nil {
			more = false
		}
		frames = append(frames, inbound{data: data, more: more})
		if !more {
			break
		}
	}
	return frames, true
}
