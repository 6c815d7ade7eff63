package loadbalance

import (
	"sync/atomic"
)

// RoundRobinBalancer hands sends to the peers in turn.
//
// Best for: identical instances and calls of similar cost.
//
//	send:  1  2  3  4  5
//	peer:  A  B  C  A  B
//
// The counter is shared by all goroutines, so concurrent sends still
// take consecutive slots. When the peer set changes the rotation simply
// continues over the new list.
type RoundRobinBalancer struct {
	counter atomic.Uint64
}

// Pick takes the next counter value and maps it onto peers by modulo.
func (b *RoundRobinBalancer) Pick(peers []Peer, _ string) (*Peer, error) {
	if len(peers) == 0 {
		return nil, ErrNoPeers
	}
	index := (b.counter.Add(1) - 1) % uint64(len(peers))
	return &peers[index], nil
}

// Name returns "round_robin", the name used in configuration.
func (b *RoundRobinBalancer) Name() string {
	return "round_robin"
}
