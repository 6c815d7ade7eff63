package transport

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gen-rpc/protocol"
)

func TestParseEndpoint(t *testing.T) {
	ep, err := ParseEndpoint("tcp://127.0.0.1:4242")
	require.NoError(t, err)
	assert.Equal(t, Endpoint{Scheme: "tcp", Address: "127.0.0.1:4242"}, ep)
	assert.Equal(t, "tcp://127.0.0.1:4242", ep.String())

	ep, err = ParseEndpoint("unix:///run/app.sock")
	require.NoError(t, err)
	assert.Equal(t, "/run/app.sock", ep.Address)
	assert.Equal(t, "unix:///run/app.sock", ep.String())

	ep, err = ParseEndpoint("ws://localhost:80/rpc")
	require.NoError(t, err)
	assert.Equal(t, "/rpc", ep.Path)
	assert.Equal(t, "ws://localhost:80/rpc", ep.String())

	for _, bad := range []string{"127.0.0.1:4242", "tcp://nohost", "unix://", "::::"} {
		_, err := ParseEndpoint(bad)
		assert.True(t, errors.Is(err, errors.NotValid), bad)
	}
}

func TestUnknownScheme(t *testing.T) {
	_, err := Listen("carrier-pigeon://host:1")
	assert.True(t, errors.Is(err, errors.NotSupported))
	_, err = Dial(context.Background(), "carrier-pigeon://host:1")
	assert.True(t, errors.Is(err, errors.NotSupported))
}

func exchange(t *testing.T, endpoint string) {
	l, err := Listen(endpoint)
	require.NoError(t, err)
	defer l.Close()

	accepted := make(chan Conn, 1)
	go func() {
		c, err := l.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := Dial(ctx, l.Endpoint())
	require.NoError(t, err)
	defer client.Close()

	var server Conn
	select {
	case server = <-accepted:
	case <-ctx.Done():
		t.Fatal("no connection accepted")
	}
	defer server.Close()

	require.NoError(t, client.WriteFrame(&protocol.Header{CodecType: protocol.CodecTypeBinary}, []byte("ping")))
	require.NoError(t, client.WriteFrame(&protocol.Header{FrameType: protocol.FrameHeartbeat}, nil))

	h, body, err := server.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, protocol.CodecTypeBinary, h.CodecType)
	assert.Equal(t, "ping", string(body))

	h, _, err = server.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, protocol.FrameHeartbeat, h.FrameType)

	require.NoError(t, server.WriteFrame(&protocol.Header{}, []byte("pong")))
	_, body, err = client.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, "pong", string(body))

	require.NoError(t, server.SetReadDeadline(time.Now().Add(10*time.Millisecond)))
	_, _, err = server.ReadFrame()
	assert.Error(t, err)
}

func TestTCP(t *testing.T) {
	exchange(t, "tcp://127.0.0.1:0")
}

func TestUnix(t *testing.T) {
	exchange(t, "unix://"+filepath.Join(t.TempDir(), "rpc.sock"))
}

func TestWebsocket(t *testing.T) {
	exchange(t, "ws://127.0.0.1:0/rpc")
}

func TestResolvedEndpoint(t *testing.T) {
	l, err := Listen("tcp://127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	assert.True(t, strings.HasPrefix(l.Endpoint(), "tcp://127.0.0.1:"))
	assert.NotEqual(t, "tcp://127.0.0.1:0", l.Endpoint())
}

func TestAddressInUse(t *testing.T) {
	l, err := Listen("tcp://127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	_, err = Listen(l.Endpoint())
	assert.Error(t, err)
}

func TestWebsocketAcceptAfterClose(t *testing.T) {
	l, err := Listen("ws://127.0.0.1:0/rpc")
	require.NoError(t, err)
	require.NoError(t, l.Close())
	_, err = l.Accept()
	assert.Error(t, err)
}
