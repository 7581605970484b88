package client

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"obelisk/codec"
	"obelisk/message"
	"obelisk/transport"
)

// fakeSocket records what the client writes and lets a test play the server.
type fakeSocket struct {
	ep      transport.Endpoint
	onFrame transport.FrameHandler

	mu      sync.Mutex
	current [][]byte
	sent    [][][]byte
	closed  bool
	sendErr error
}

func (s *fakeSocket) Send(frame []byte, more bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return transport.ErrClosed
	}
	if s.sendErr != nil {
		return s.sendErr
	}
	s.current = append(s.current, append([]byte(nil), frame...))
	if !more {
		s.sent = append(s.sent, s.current)
		s.current = nil
	}
	return nil
}

func (s *fakeSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSocket) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSocket) failSends(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendErr = err
}

// requests decodes every complete message written so far.
func (s *fakeSocket) requests() []message.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]message.Request, 0, len(s.sent))
	for _, m := range s.sent {
		id, _ := codec.DecodeTxID(m[1])
		out = append(out, message.Request{Command: string(m[0]), TxID: id, Payload: m[2]})
	}
	return out
}

func (s *fakeSocket) lastRequest() message.Request {
	reqs := s.requests()
	return reqs[len(reqs)-1]
}

// deliver pushes frames as if they arrived from the server.
func (s *fakeSocket) deliver(frames ...[]byte) {
	for i, f := range frames {
		s.onFrame(f, i < len(frames)-1)
	}
}

func (s *fakeSocket) reply(command string, txID uint32, payload []byte) {
	s.deliver(codec.EncodeRequest(message.Request{Command: command, TxID: txID, Payload: payload})...)
}

type fakeDialer struct {
	mu      sync.Mutex
	queries []*fakeSocket
	feeds   map[string]*fakeSocket
	dialErr error
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{feeds: make(map[string]*fakeSocket)}
}

func (d *fakeDialer) Dial(ctx context.Context, ep transport.Endpoint, onFrame transport.FrameHandler) (transport.Socket, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ep.Kind == transport.Query && d.dialErr != nil {
		return nil, d.dialErr
	}
	s := &fakeSocket{ep: ep, onFrame: onFrame}
	if ep.Kind == transport.Subscribe {
		d.feeds[ep.Address] = s
	} else {
		d.queries = append(d.queries, s)
	}
	return s, nil
}

func (d *fakeDialer) query(i int) *fakeSocket {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queries[i]
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queries)
}

func (d *fakeDialer) feed(address string) *fakeSocket {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.feeds[address]
}

func (d *fakeDialer) failDials(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dialErr = err
}

// sequentialIDs hands out 1, 2, 3, ...
func sequentialIDs() func() uint32 {
	var n atomic.Uint32
	return func() uint32 { return n.Add(1) }
}

var errDown = errors.New("server down")
