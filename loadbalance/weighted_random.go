package loadbalance

import (
	"math/rand/v2"
)

// WeightedRandomBalancer picks peers at random, in proportion to their
// weight. A peer of weight 3 gets three times the sends of a peer of
// weight 1. Peers without a weight count as 1.
//
// Best for: services whose instances differ in capacity.
//
//	weights:  A=1  B=3
//	          [A][B  B  B]
//	r = 2  ──────────▲      → B
type WeightedRandomBalancer struct{}

// Pick draws r in [0, total weight), then walks the peers subtracting
// each weight until r goes negative; that peer owns the slot r fell in.
func (b *WeightedRandomBalancer) Pick(peers []Peer, _ string) (*Peer, error) {
	if len(peers) == 0 {
		return nil, ErrNoPeers
	}

	totalWeight := 0
	for _, p := range peers {
		totalWeight += weightOf(p)
	}

	r := rand.IntN(totalWeight)
	for i := range peers {
		r -= weightOf(peers[i])
		if r < 0 {
			return &peers[i], nil
		}
	}
	return &peers[len(peers)-1], nil
}

// Name returns "weighted_random", the name used in configuration.
func (b *WeightedRandomBalancer) Name() string {
	return "weighted_random"
}
