package transport

import (
	"bufio"
	"context"
	"net"
	"sync"
	"time"

	"github.com/juju/errors"

	"gen-rpc/protocol"
)

// streamTransport carries frames over a net.Conn byte stream (tcp, unix).
type streamTransport struct {
	network string
}

func (t streamTransport) Listen(ep Endpoint) (Listener, error) {
	l, err := net.Listen(t.network, ep.Address)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &streamListener{l: l, scheme: ep.Scheme}, nil
}

func (t streamTransport) Dial(ctx context.Context, ep Endpoint) (Conn, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, t.network, ep.Address)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return newStreamConn(c), nil
}

type streamListener struct {
	l      net.Listener
	scheme string
}

func (l *streamListener) Accept() (Conn, error) {
	c, err := l.l.Accept()
	if err != nil {
		return nil, err
	}
	return newStreamConn(c), nil
}

func (l *streamListener) Endpoint() string {
	return Endpoint{Scheme: l.scheme, Address: l.l.Addr().String()}.String()
}

func (l *streamListener) Close() error {
	return l.l.Close()
}

// streamConn reads frames through a buffered reader; writes are serialized
// so frames from different goroutines never interleave on the stream.
type streamConn struct {
	conn    net.Conn
	r       *bufio.Reader
	sending sync.Mutex
}

func newStreamConn(c net.Conn) *streamConn {
	return &streamConn{conn: c, r: bufio.NewReader(c)}
}

func (c *streamConn) WriteFrame(h *protocol.Header, body []byte) error {
	c.sending.Lock()
	defer c.sending.Unlock()
	return protocol.Encode(c.conn, h, body)
}

func (c *streamConn) ReadFrame() (*protocol.Header, []byte, error) {
	return protocol.Decode(c.r)
}

func (c *streamConn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

func (c *streamConn) RemoteAddr() string {
	if addr := c.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

func (c *streamConn) Close() error {
	return c.conn.Close()
}
