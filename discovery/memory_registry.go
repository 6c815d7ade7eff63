package discovery

import (
	"context"
	"sync"
	"time"
)

// MemoryRegistry is an in-process Registry, for tests and single-host
// setups. TTLs are not enforced: instances stay until deregistered.
type MemoryRegistry struct {
	mu       sync.Mutex
	services map[string]map[string]Instance
	watchers map[string][]chan []Instance
}

// NewMemoryRegistry returns an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		services: make(map[string]map[string]Instance),
		watchers: make(map[string][]chan []Instance),
	}
}

func (r *MemoryRegistry) Register(ctx context.Context, service string, inst Instance, ttl time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.services[service] == nil {
		r.services[service] = make(map[string]Instance)
	}
	r.services[service][inst.Endpoint] = inst
	r.notifyLocked(service)
	return nil
}

func (r *MemoryRegistry) Deregister(ctx context.Context, service, endpoint string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.services[service], endpoint)
	r.notifyLocked(service)
	return nil
}

func (r *MemoryRegistry) Discover(ctx context.Context, service string) ([]Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listLocked(service), nil
}

func (r *MemoryRegistry) Watch(ctx context.Context, service string) (<-chan []Instance, error) {
	ch := make(chan []Instance, 1)
	r.mu.Lock()
	ch <- r.listLocked(service)
	r.watchers[service] = append(r.watchers[service], ch)
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		defer r.mu.Unlock()
		ws := r.watchers[service]
		for i, w := range ws {
			if w == ch {
				r.watchers[service] = append(ws[:i], ws[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch, nil
}

func (r *MemoryRegistry) listLocked(service string) []Instance {
	instances := make([]Instance, 0, len(r.services[service]))
	for _, inst := range r.services[service] {
		instances = append(instances, inst)
	}
	sortInstances(instances)
	return instances
}

// notifyLocked replaces any update a watcher has not read yet with the
// latest list.
func (r *MemoryRegistry) notifyLocked(service string) {
	list := r.listLocked(service)
	for _, ch := range r.watchers[service] {
		select {
		case <-ch:
		default:
		}
		ch <- list
	}
}
