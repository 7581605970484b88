// Package loadbalance picks the obelisk server a client connects to.
//
// Three strategies are implemented:
//   - RoundRobin:      spread clients evenly over equal servers
//   - WeightedRandom:  favour bigger servers by their registered weight
//   - ConsistentHash:  keep a client on the same server across restarts, so
//     address subscriptions land where they were renewed
package loadbalance

import (
	"errors"
	"fmt"

	"obelisk/registry"
)

var ErrNoInstances = errors.New("loadbalance: no instances available")

// Balancer selects one server. Pick is called on every (re)connect and must be
// goroutine-safe.
type Balancer interface {
	Pick(instances []registry.ServerInstance) (*registry.ServerInstance, error)
	Name() string
}

// New returns the balancer registered under name. key only matters for
// consistent_hash.
func New(name, key string) (Balancer, error) {
	switch name {
	case "", "round_robin":
		return &RoundRobinBalancer{}, nil
	case "weighted_random":
		return &WeightedRandomBalancer{}, nil
	case "consistent_hash":
		return NewConsistentHashBalancer(key), nil
	default:
		return nil, fmt.Errorf("loadbalance: unknown balancer %q", name)
	}
}
