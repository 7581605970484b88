// Package registry discovers obelisk servers.
//
// Servers, or whoever operates them, publish themselves in etcd:
//
//	Key:   /obelisk/{network}/{query endpoint}
//	Value: JSON-encoded ServerInstance
//
// Entries carry a TTL lease, so a server that stops renewing disappears on its own.
package registry

import (
	"context"
	"encoding/json"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const keyPrefix = "/obelisk/"

func networkPrefix(network string) string {
	return keyPrefix + network + "/"
}

// EtcdRegistry implements Registry on etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client // thread-safe, shared across goroutines
	logger *zap.Logger
}

// NewEtcdRegistry connects to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, dialTimeout time.Duration, logger *zap.Logger) (*EtcdRegistry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
		Logger:      logger.Named("etcd"),
	})
	if err != nil {
		return nil, err
	}
	return &EtcdRegistry{client: c, logger: logger}, nil
}

// Register publishes instance under a lease of ttl seconds and keeps the lease
// alive until ctx is done.
//
// The lease id stays local so several registrations can share one registry.
func (r *EtcdRegistry) Register(ctx context.Context, network string, instance ServerInstance, ttl int64) error {
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return err
	}
	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}
	_, err = r.client.Put(ctx, networkPrefix(network)+instance.Query, string(val), clientv3.WithLease(lease.ID))
	if err != nil {
		return err
	}

	ch, err := r.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		return err
	}
	// Drain keepalive responses so the channel never fills up.
	go func() {
		for range ch {
		}
		r.logger.Debug("lease keepalive stopped", zap.String("query", instance.Query))
	}()
	return nil
}

// Deregister removes a server, e.g. during graceful shutdown.
func (r *EtcdRegistry) Deregister(ctx context.Context, network string, query string) error {
	_, err := r.client.Delete(ctx, networkPrefix(network)+query)
	return err
}

// Watch emits the full server list of network every time it changes, until
// ctx is done.
func (r *EtcdRegistry) Watch(ctx context.Context, network string) <-chan []ServerInstance {
	ch := make(chan []ServerInstance, 1)
	go func() {
		defer close(ch)
		watchChan := r.client.Watch(ctx, networkPrefix(network), clientv3.WithPrefix())
		for range watchChan {
			// Re-fetch the full list rather than applying individual events.
			instances, err := r.Discover(ctx, network)
			if err != nil {
				r.logger.Warn("discover after watch event", zap.Error(err))
				continue
			}
			select {
			case ch <- instances:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

// Discover returns the servers currently registered for network.
func (r *EtcdRegistry) Discover(ctx context.Context, network string) ([]ServerInstance, error) {
	resp, err := r.client.Get(ctx, networkPrefix(network), clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	instances := make([]ServerInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance ServerInstance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			r.logger.Warn("skipping malformed registry entry", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

// Close releases the etcd connection.
func (r *EtcdRegistry) Close() error {
	return r.client.Close()
}
