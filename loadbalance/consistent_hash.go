package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"

	"obelisk/registry"
)

// ConsistentHashBalancer maps a fixed affinity key onto a hash ring of the
// current servers. While the server set is stable the same key keeps picking
// the same server; when one leaves, only the keys it owned move.
//
// Each server gets replicas virtual nodes, hashed from "{query}#{i}", so a few
// servers still spread evenly around the ring.
//
//	         0
//	       ╱   ╲
//	B ●               ● A
//	  │    key ◆──►   │   (clockwise to nearest node → A)
//	C ●               ● A'
//	       ╲   ╱
type ConsistentHashBalancer struct {
	key      string
	replicas int
}

// NewConsistentHashBalancer uses 100 virtual nodes per server.
func NewConsistentHashBalancer(key string) *ConsistentHashBalancer {
	return &ConsistentHashBalancer{key: key, replicas: 100}
}

// Pick builds the ring from instances, which may change between calls, and
// walks clockwise from the key's hash to the first node.
func (b *ConsistentHashBalancer) Pick(instances []registry.ServerInstance) (*registry.ServerInstance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}
	return b.PickKey(instances, b.key), nil
}

// PickKey is Pick for an explicit key.
func (b *ConsistentHashBalancer) PickKey(instances []registry.ServerInstance, key string) *registry.ServerInstance {
	ring := make([]uint32, 0, len(instances)*b.replicas)
	nodes := make(map[uint32]int, len(instances)*b.replicas)
	for i, inst := range instances {
		for r := 0; r < b.replicas; r++ {
			h := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", inst.Query, r)))
			if _, taken := nodes[h]; taken {
				continue
			}
			ring = append(ring, h)
			nodes[h] = i
		}
	}
	sort.Slice(ring, func(i, j int) bool { return ring[i] < ring[j] })

	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(ring), func(i int) bool { return ring[i] >= hash })
	if idx == len(ring) {
		idx = 0
	}
	return &instances[nodes[ring[idx]]]
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}
