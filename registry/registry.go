package registry

import (
	"context"
	"errors"
)

var ErrNoServers = errors.New("registry: no servers registered")

// ServerInstance describes one obelisk server: its three endpoints and how to
// talk to it.
type ServerInstance struct {
	Query       string `json:"query"`
	Block       string `json:"block,omitempty"`
	Transaction string `json:"transaction,omitempty"`
	PublicKey   string `json:"public_key,omitempty"`
	Weight      int    `json:"weight"`  // weight for load balancing
	Version     int    `json:"version"` // transport protocol version
}

type Registry interface {
	Register(ctx context.Context, network string, instance ServerInstance, ttl int64) error
	Deregister(ctx context.Context, network string, query string) error
	Discover(ctx context.Context, network string) ([]ServerInstance, error)
	Watch(ctx context.Context, network string) <-chan []ServerInstance
}

// Static serves a fixed list, for setups without etcd.
type Static []ServerInstance

func (s Static) Register(context.Context, string, ServerInstance, int64) error {
	return errors.New("registry: static registry is read-only")
}

func (s Static) Deregister(context.Context, string, string) error {
	return errors.New("registry: static registry is read-only")
}

func (s Static) Discover(context.Context, string) ([]ServerInstance, error) {
	if len(s) == 0 {
		return nil, ErrNoServers
	}
	return append([]ServerInstance(nil), s...), nil
}

// Watch emits the list once and closes when ctx is done.
func (s Static) Watch(ctx context.Context, _ string) <-chan []ServerInstance {
	ch := make(chan []ServerInstance, 1)
	ch <- append([]ServerInstance(nil), s...)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch
}
