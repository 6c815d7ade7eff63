// Package discovery lets services advertise their bound endpoints and
// clients find them.
package discovery

import (
	"context"
	"sort"
	"time"

	"github.com/juju/loggo"
)

var logger = loggo.GetLogger("genrpc.discovery")

// Instance is one advertised endpoint of a service.
type Instance struct {
	Endpoint string `json:"endpoint"`
	Weight   int    `json:"weight,omitempty"` // Weight for load balancing
	Version  string `json:"version,omitempty"`
}

type Registry interface {
	// Register advertises inst under service for as long as the
	// registry can renew it, expiring ttl after renewal stops.
	Register(ctx context.Context, service string, inst Instance, ttl time.Duration) error
	Deregister(ctx context.Context, service, endpoint string) error
	Discover(ctx context.Context, service string) ([]Instance, error)
	// Watch sends the full instance list now and after every change,
	// until ctx is done, then closes the channel.
	Watch(ctx context.Context, service string) (<-chan []Instance, error)
}

func sortInstances(instances []Instance) {
	sort.Slice(instances, func(i, j int) bool { return instances[i].Endpoint < instances[j].Endpoint })
}
