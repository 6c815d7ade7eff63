// etcd is a distributed key-value store that provides strong consistency
// (Raft protocol). The EtcdRegistry uses it as a phonebook for services:
//
//	Key:   {prefix}/{service}/{endpoint}
//	Value: JSON-encoded Instance
//
// Registration uses TTL-based leases: if the server crashes, the lease
// expires and the entry is removed automatically, so no ghost instances
// are left behind.

package discovery

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/juju/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// DefaultPrefix is the key prefix used when none is configured.
const DefaultPrefix = "/gen-rpc"

// EtcdRegistry implements Registry on etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client // thread-safe, shared across goroutines
	prefix string

	mu     sync.Mutex
	leases map[string]lease // key → lease kept alive by this registry
}

type lease struct {
	id     clientv3.LeaseID
	cancel context.CancelFunc
}

// NewEtcdRegistry connects to the given etcd endpoints. An empty prefix
// means DefaultPrefix.
func NewEtcdRegistry(endpoints []string, prefix string, dialTimeout time.Duration) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, errors.Annotate(err, "connecting to etcd")
	}
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &EtcdRegistry{
		client: c,
		prefix: strings.TrimSuffix(prefix, "/"),
		leases: make(map[string]lease),
	}, nil
}

func (r *EtcdRegistry) servicePrefix(service string) string {
	return r.prefix + "/" + service + "/"
}

// Register stores inst with a TTL lease and keeps the lease alive until
// Deregister or Close.
//
// Flow:
//  1. Create a lease with the given TTL
//  2. Put the key-value pair with the lease attached
//  3. Start KeepAlive to renew the lease automatically
func (r *EtcdRegistry) Register(ctx context.Context, service string, inst Instance, ttl time.Duration) error {
	seconds := int64(ttl / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	granted, err := r.client.Grant(ctx, seconds)
	if err != nil {
		return errors.Annotatef(err, "granting lease for %s", service)
	}

	val, err := json.Marshal(inst)
	if err != nil {
		return errors.Trace(err)
	}

	key := r.servicePrefix(service) + inst.Endpoint
	if _, err := r.client.Put(ctx, key, string(val), clientv3.WithLease(granted.ID)); err != nil {
		return errors.Annotatef(err, "registering %s", key)
	}

	// The keepalive outlives ctx, which only bounds the registration.
	keepCtx, cancel := context.WithCancel(context.Background())
	ch, err := r.client.KeepAlive(keepCtx, granted.ID)
	if err != nil {
		cancel()
		return errors.Annotatef(err, "keeping %s alive", key)
	}
	// Consume KeepAlive responses so the channel does not fill up.
	go func() {
		for range ch {
		}
		logger.Debugf("keepalive for %s stopped", key)
	}()

	r.mu.Lock()
	old, replaced := r.leases[key]
	r.leases[key] = lease{id: granted.ID, cancel: cancel}
	r.mu.Unlock()
	if replaced {
		old.cancel()
	}
	logger.Infof("registered %s", key)
	return nil
}

// Deregister removes an instance. Called during graceful shutdown before
// the endpoints are closed.
func (r *EtcdRegistry) Deregister(ctx context.Context, service, endpoint string) error {
	key := r.servicePrefix(service) + endpoint
	r.mu.Lock()
	l, ok := r.leases[key]
	delete(r.leases, key)
	r.mu.Unlock()
	if ok {
		l.cancel()
	}
	if _, err := r.client.Delete(ctx, key); err != nil {
		return errors.Annotatef(err, "deregistering %s", key)
	}
	if ok {
		if _, err := r.client.Revoke(ctx, l.id); err != nil {
			logger.Debugf("revoking lease for %s: %v", key, err)
		}
	}
	return nil
}

// Discover returns the instances currently registered for service.
func (r *EtcdRegistry) Discover(ctx context.Context, service string) ([]Instance, error) {
	resp, err := r.client.Get(ctx, r.servicePrefix(service), clientv3.WithPrefix())
	if err != nil {
		return nil, errors.Annotatef(err, "discovering %s", service)
	}

	instances := make([]Instance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var inst Instance
		if err := json.Unmarshal(kv.Value, &inst); err != nil {
			logger.Warningf("skipping malformed instance %s: %v", kv.Key, err)
			continue
		}
		instances = append(instances, inst)
	}
	sortInstances(instances)
	return instances, nil
}

// Watch uses etcd's server-push Watch API and re-reads the full list on
// every change, which is simpler than applying individual events.
func (r *EtcdRegistry) Watch(ctx context.Context, service string) (<-chan []Instance, error) {
	first, err := r.Discover(ctx, service)
	if err != nil {
		return nil, errors.Trace(err)
	}
	ch := make(chan []Instance, 1)
	ch <- first

	go func() {
		defer close(ch)
		watchChan := r.client.Watch(clientv3.WithRequireLeader(ctx), r.servicePrefix(service), clientv3.WithPrefix())
		for resp := range watchChan {
			if err := resp.Err(); err != nil {
				logger.Warningf("watching %s: %v", service, err)
				continue
			}
			instances, err := r.Discover(ctx, service)
			if err != nil {
				logger.Warningf("refreshing %s: %v", service, err)
				continue
			}
			select {
			case ch <- instances:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// Close stops every keepalive and closes the etcd client. Registered
// instances expire with their leases.
func (r *EtcdRegistry) Close() error {
	r.mu.Lock()
	leases := r.leases
	r.leases = make(map[string]lease)
	r.mu.Unlock()
	for _, l := range leases {
		l.cancel()
	}
	return errors.Trace(r.client.Close())
}
