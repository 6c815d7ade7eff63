// Package loadbalance decides which peer an untargeted envelope goes to.
//
// Three strategies are implemented:
//   - RoundRobin:      the default; equal-capacity peers
//   - WeightedRandom:  heterogeneous peers, weights usually from discovery
//   - ConsistentHash:  affinity, the same key (procedure name) sticks to a peer
package loadbalance

import (
	"github.com/juju/errors"
)

// Peer is one candidate destination.
type Peer struct {
	ID       string // connection manager peer id
	Endpoint string // endpoint the peer was reached through
	Weight   int    // relative capacity, <= 0 counts as 1
}

// Balancer is the interface for load balancing strategies.
// The connection manager calls Pick() for every send without a target.
type Balancer interface {
	// Pick selects one peer from the available list. key identifies what
	// is being sent; strategies without affinity ignore it.
	// Called concurrently, must be goroutine-safe.
	Pick(peers []Peer, key string) (*Peer, error)

	// Name returns the strategy name (for logging/configuration).
	Name() string
}

// ErrNoPeers is returned by every strategy for an empty peer list.
var ErrNoPeers = errors.NotFoundf("peers")

// New returns the balancer with the given configuration name.
func New(name string) (Balancer, error) {
	switch name {
	case "", "round_robin":
		return &RoundRobinBalancer{}, nil
	case "weighted_random":
		return &WeightedRandomBalancer{}, nil
	case "consistent_hash":
		return NewConsistentHashBalancer(), nil
	}
	return nil, errors.NotValidf("balancer %q", name)
}

func weightOf(p Peer) int {
	if p.Weight <= 0 {
		return 1
	}
	return p.Weight
}
