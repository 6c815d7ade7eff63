package connmgr

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"gen-rpc/message"
	"gen-rpc/protocol"
	"gen-rpc/rpcerr"
	"gen-rpc/transport"
)

func request(name string) *message.Envelope {
	return &message.Envelope{MsgID: uuid.NewString(), Kind: message.Request, Procedure: name}
}

func receive(t *testing.T, m *Manager) Inbound {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	in, err := m.Receive(ctx)
	require.NoError(t, err)
	return in
}

func pair(t *testing.T, serverCfg, clientCfg Config) (*Manager, *Manager, string) {
	t.Helper()
	server := New(serverCfg)
	t.Cleanup(func() { server.Close() })
	bound, err := server.Bind([]string{"tcp://127.0.0.1:0"}, false)
	require.NoError(t, err)
	require.Len(t, bound, 1)

	client := New(clientCfg)
	t.Cleanup(func() { client.Close() })
	_, err = client.Connect(context.Background(), bound, false)
	require.NoError(t, err)
	return server, client, bound[0]
}

func TestRoundTrip(t *testing.T) {
	defer goleak.VerifyNone(t)
	server, client, endpoint := pair(t, Config{}, Config{})

	req := request("echo")
	peer, err := client.Send(req, "")
	require.NoError(t, err)
	assert.Equal(t, endpoint, peer)

	in := receive(t, server)
	assert.Equal(t, req.MsgID, in.Envelope.MsgID)
	assert.Equal(t, "echo", in.Envelope.Procedure)
	assert.NotEmpty(t, in.Peer)

	_, err = server.SendWith(in.Codec, in.Envelope.Reply(message.Result, []byte("null")), in.Peer)
	require.NoError(t, err)

	back := receive(t, client)
	assert.Equal(t, req.MsgID, back.Envelope.MsgID)
	assert.Equal(t, message.Result, back.Envelope.Kind)
	assert.Equal(t, endpoint, back.Peer)

	require.NoError(t, client.Close())
	require.NoError(t, server.Close())
}

func TestBindIsIdempotent(t *testing.T) {
	m := New(Config{})
	defer m.Close()

	first, err := m.Bind([]string{"tcp://127.0.0.1:0"}, false)
	require.NoError(t, err)
	again, err := m.Bind(first, false)
	require.NoError(t, err)
	assert.Equal(t, first, again)

	// The requested wildcard form maps to the same listener.
	again, err = m.Bind([]string{"tcp://127.0.0.1:0"}, false)
	require.NoError(t, err)
	assert.Equal(t, first, again)
}

func TestBindOnly(t *testing.T) {
	m := New(Config{})
	defer m.Close()

	a, err := m.Bind([]string{"tcp://127.0.0.1:0"}, false)
	require.NoError(t, err)
	l, err := transport.Listen("tcp://127.0.0.1:0")
	require.NoError(t, err)
	free := l.Endpoint()
	require.NoError(t, l.Close())

	both, err := m.Bind([]string{free}, false)
	require.NoError(t, err)
	assert.Len(t, both, 2)

	only, err := m.Bind([]string{free}, true)
	require.NoError(t, err)
	assert.Equal(t, []string{free}, only)
	assert.NotContains(t, m.Bound(), a[0])
}

func TestRoleConflict(t *testing.T) {
	m := New(Config{})
	defer m.Close()

	bound, err := m.Bind([]string{"tcp://127.0.0.1:0"}, false)
	require.NoError(t, err)
	_, err = m.Connect(context.Background(), bound, false)
	assert.True(t, errors.Is(err, rpcerr.ErrConnect), "%v", err)

	other := New(Config{})
	defer other.Close()
	_, err = other.Connect(context.Background(), bound, false)
	require.NoError(t, err)
	_, err = other.Bind(bound, false)
	assert.True(t, errors.Is(err, rpcerr.ErrBind), "%v", err)
}

func TestBadEndpoints(t *testing.T) {
	m := New(Config{})
	defer m.Close()

	_, err := m.Bind([]string{"nonsense"}, false)
	assert.True(t, errors.Is(err, rpcerr.ErrBind))
	_, err = m.Connect(context.Background(), []string{"nonsense"}, false)
	assert.True(t, errors.Is(err, rpcerr.ErrConnect))

	// Nothing is listening on a port we just released.
	l, err := transport.Listen("tcp://127.0.0.1:0")
	require.NoError(t, err)
	dead := l.Endpoint()
	require.NoError(t, l.Close())
	_, err = m.Connect(context.Background(), []string{dead}, false)
	assert.True(t, errors.Is(err, rpcerr.ErrConnect))
	assert.Empty(t, m.Connected())
}

func TestSendWithoutPeers(t *testing.T) {
	m := New(Config{})
	defer m.Close()

	_, err := m.Send(request("x"), "")
	assert.True(t, errors.Is(err, rpcerr.ErrConnection))
	assert.True(t, errors.Is(err, rpcerr.ErrNoPeer))

	_, err = m.Send(request("x"), "tcp://127.0.0.1:1")
	assert.True(t, errors.Is(err, rpcerr.ErrConnection))
}

func TestOversizedEnvelopeKeepsPeer(t *testing.T) {
	server, client, endpoint := pair(t, Config{}, Config{})

	big := request("big")
	big.Payload = make([]byte, protocol.MaxBodyLen+1)
	_, err := client.Send(big, "")
	assert.True(t, errors.Is(err, errors.NotValid), "%v", err)
	assert.Equal(t, []string{endpoint}, client.Peers())

	_, err = client.Send(request("small"), "")
	require.NoError(t, err)
	assert.Equal(t, "small", receive(t, server).Envelope.Procedure)
}

func TestClosed(t *testing.T) {
	m := New(Config{})
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	_, err := m.Bind([]string{"tcp://127.0.0.1:0"}, false)
	assert.Equal(t, rpcerr.ErrClosed, err)
	_, err = m.Connect(context.Background(), []string{"tcp://127.0.0.1:1"}, false)
	assert.Equal(t, rpcerr.ErrClosed, err)
	_, err = m.Send(request("x"), "")
	assert.Equal(t, rpcerr.ErrClosed, err)
	_, err = m.Receive(context.Background())
	assert.Equal(t, rpcerr.ErrClosed, err)
}

func TestPeerLost(t *testing.T) {
	lost := make(chan PeerLost, 1)
	server, client, endpoint := pair(t, Config{}, Config{OnPeerLost: func(p PeerLost) { lost <- p }})

	require.NoError(t, server.Close())
	select {
	case p := <-lost:
		assert.Equal(t, endpoint, p.Peer)
		assert.True(t, p.Dialed)
	case <-time.After(5 * time.Second):
		t.Fatal("peer loss not reported")
	}
	assert.Empty(t, client.Peers())
	// The endpoint stays connected and is dialed again on demand.
	assert.Equal(t, []string{endpoint}, client.Connected())
}

func TestReconnect(t *testing.T) {
	server := New(Config{})
	defer server.Close()
	bound, err := server.Bind([]string{"tcp://127.0.0.1:0"}, false)
	require.NoError(t, err)

	lost := make(chan PeerLost, 1)
	client := New(Config{OnPeerLost: func(p PeerLost) { lost <- p }})
	defer client.Close()
	_, err = client.Connect(context.Background(), bound, false)
	require.NoError(t, err)

	in := func() Inbound {
		_, err := client.Send(request("ping"), "")
		require.NoError(t, err)
		return receive(t, server)
	}
	first := in()

	// Drop the accepted side so the client loses its link.
	server.mu.Lock()
	p := server.peers[first.Peer]
	server.mu.Unlock()
	p.shutdown()
	<-lost

	_, err = client.Connect(context.Background(), bound, false)
	require.NoError(t, err)
	assert.Len(t, client.Peers(), 1)
	in()
}

func TestHeartbeatLiveness(t *testing.T) {
	lost := make(chan PeerLost, 1)
	server := New(Config{
		HeartbeatInterval: 20 * time.Millisecond,
		HeartbeatLiveness: 2,
		OnPeerLost:        func(p PeerLost) { lost <- p },
	})
	defer server.Close()
	bound, err := server.Bind([]string{"tcp://127.0.0.1:0"}, false)
	require.NoError(t, err)

	// A raw link that never writes anything.
	conn, err := transport.Dial(context.Background(), bound[0])
	require.NoError(t, err)
	defer conn.Close()

	select {
	case p := <-lost:
		assert.False(t, p.Dialed)
	case <-time.After(5 * time.Second):
		t.Fatal("silent peer not detected")
	}
}

func TestHeartbeatLivenessFollowsClock(t *testing.T) {
	clk := testclock.NewClock(time.Now())
	lost := make(chan PeerLost, 1)
	server := New(Config{
		HeartbeatInterval: time.Second,
		HeartbeatLiveness: 2,
		Clock:             clk,
		OnPeerLost:        func(p PeerLost) { lost <- p },
	})
	defer server.Close()
	bound, err := server.Bind([]string{"tcp://127.0.0.1:0"}, false)
	require.NoError(t, err)

	conn, err := transport.Dial(context.Background(), bound[0])
	require.NoError(t, err)
	defer conn.Close()

	// Two intervals of silence are still within liveness.
	for i := 0; i < 2; i++ {
		require.NoError(t, clk.WaitAdvance(time.Second, 5*time.Second, 1))
	}
	select {
	case p := <-lost:
		t.Fatalf("lost %s early: %v", p.Peer, p.Err)
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, clk.WaitAdvance(time.Second, 5*time.Second, 1))
	select {
	case p := <-lost:
		assert.True(t, errors.Is(p.Err, errors.Timeout), "%v", p.Err)
	case <-time.After(5 * time.Second):
		t.Fatal("silent peer not detected")
	}
}

func TestHeartbeatsKeepLinkAlive(t *testing.T) {
	lost := make(chan PeerLost, 2)
	cfg := Config{
		HeartbeatInterval: 20 * time.Millisecond,
		HeartbeatLiveness: 3,
		OnPeerLost:        func(p PeerLost) { lost <- p },
	}
	_, client, _ := pair(t, cfg, cfg)

	select {
	case p := <-lost:
		t.Fatalf("lost %s: %v", p.Peer, p.Err)
	case <-time.After(300 * time.Millisecond):
	}
	assert.Len(t, client.Peers(), 1)
}

func TestPrefersConnectedPeers(t *testing.T) {
	upstream := New(Config{})
	defer upstream.Close()
	up, err := upstream.Bind([]string{"tcp://127.0.0.1:0"}, false)
	require.NoError(t, err)

	// mid both accepts from downstream and connects to upstream.
	mid, downstream, _ := pair(t, Config{}, Config{})
	_, err = mid.Connect(context.Background(), up, false)
	require.NoError(t, err)

	_, err = downstream.Send(request("hello"), "")
	require.NoError(t, err)
	receive(t, mid)

	for i := 0; i < 5; i++ {
		peer, err := mid.Send(request("fwd"), "")
		require.NoError(t, err)
		assert.Equal(t, up[0], peer)
	}
}
