package discovery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRegisterAndDiscover(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx := context.Background()

	inst1 := Instance{Endpoint: "tcp://127.0.0.1:8002", Weight: 5}
	inst2 := Instance{Endpoint: "tcp://127.0.0.1:8001", Weight: 10}
	require.NoError(t, reg.Register(ctx, "arith", inst1, time.Second))
	require.NoError(t, reg.Register(ctx, "arith", inst2, time.Second))

	instances, err := reg.Discover(ctx, "arith")
	require.NoError(t, err)
	assert.Equal(t, []Instance{inst2, inst1}, instances)

	require.NoError(t, reg.Deregister(ctx, "arith", inst2.Endpoint))
	instances, err = reg.Discover(ctx, "arith")
	require.NoError(t, err)
	assert.Equal(t, []Instance{inst1}, instances)

	instances, err = reg.Discover(ctx, "unknown")
	require.NoError(t, err)
	assert.Empty(t, instances)
}

func TestMemoryWatch(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := reg.Watch(ctx, "arith")
	require.NoError(t, err)
	assert.Empty(t, <-ch)

	inst := Instance{Endpoint: "tcp://127.0.0.1:8001"}
	require.NoError(t, reg.Register(context.Background(), "arith", inst, time.Second))
	assert.Equal(t, []Instance{inst}, <-ch)

	// Unread updates collapse into the latest list.
	require.NoError(t, reg.Deregister(context.Background(), "arith", inst.Endpoint))
	require.NoError(t, reg.Register(context.Background(), "arith", inst, time.Second))
	assert.Equal(t, []Instance{inst}, <-ch)

	cancel()
	for range ch {
	}
}
