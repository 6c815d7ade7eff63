package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"strings"
	"sync"
)

// ConsistentHashBalancer maps keys to peers using a hash ring.
// The same key always maps to the same peer (until the peer set changes).
//
// Virtual nodes: each peer is mapped to N virtual nodes on the ring so a
// handful of peers still spread evenly.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	              ╱       ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	              ╲       ╱
//	                ╲   ╱
type ConsistentHashBalancer struct {
	replicas int

	mu    sync.Mutex
	sig   string            // peer ids the ring was built from
	ring  []uint32          // sorted hash values on the ring
	nodes map[uint32]string // hash value → peer id
}

// NewConsistentHashBalancer creates a hash ring with 100 virtual nodes per peer.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{replicas: 100}
}

// rebuild places every peer on the ring with N virtual nodes, hashed from
// "{id}#{i}". Caller holds mu.
func (b *ConsistentHashBalancer) rebuild(peers []Peer, sig string) {
	b.ring = b.ring[:0]
	b.nodes = make(map[uint32]string, len(peers)*b.replicas)
	for _, p := range peers {
		for i := 0; i < b.replicas; i++ {
			hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", p.ID, i)))
			b.ring = append(b.ring, hash)
			b.nodes[hash] = p.ID
		}
	}
	sort.Slice(b.ring, func(i, j int) bool {
		return b.ring[i] < b.ring[j]
	})
	b.sig = sig
}

// Pick finds the peer responsible for key: the first ring node clockwise
// from the key's hash, wrapping around past the largest node.
func (b *ConsistentHashBalancer) Pick(peers []Peer, key string) (*Peer, error) {
	if len(peers) == 0 {
		return nil, ErrNoPeers
	}
	ids := make([]string, len(peers))
	for i, p := range peers {
		ids[i] = p.ID
	}
	sort.Strings(ids)
	sig := strings.Join(ids, "\x00")

	b.mu.Lock()
	if sig != b.sig || b.nodes == nil {
		b.rebuild(peers, sig)
	}
	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	if idx == len(b.ring) {
		idx = 0
	}
	id := b.nodes[b.ring[idx]]
	b.mu.Unlock()

	for i := range peers {
		if peers[i].ID == id {
			return &peers[i], nil
		}
	}
	return &peers[0], nil
}

func (b *ConsistentHashBalancer) Name() string {
	return "consistent_hash"
}
