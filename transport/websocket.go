package transport

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juju/errors"

	"gen-rpc/protocol"
)

// wsTransport carries one protocol frame per websocket binary message.
type wsTransport struct{}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

func (wsTransport) Listen(ep Endpoint) (Listener, error) {
	l, err := net.Listen("tcp", ep.Address)
	if err != nil {
		return nil, errors.Trace(err)
	}
	path := ep.Path
	if path == "" {
		path = "/"
	}
	wl := &wsListener{
		l:       l,
		path:    path,
		accepts: make(chan *wsConn),
		closed:  make(chan struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc(path, wl.upgrade)
	wl.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := wl.srv.Serve(l); err != nil && err != http.ErrServerClosed {
			logger.Warningf("websocket listener %s stopped: %v", wl.Endpoint(), err)
		}
	}()
	return wl, nil
}

func (wsTransport) Dial(ctx context.Context, ep Endpoint) (Conn, error) {
	c, resp, err := websocket.DefaultDialer.DialContext(ctx, ep.String(), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &wsConn{conn: c}, nil
}

type wsListener struct {
	l       net.Listener
	srv     *http.Server
	path    string
	accepts chan *wsConn
	once    sync.Once
	closed  chan struct{}
}

func (l *wsListener) upgrade(w http.ResponseWriter, r *http.Request) {
	c, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Debugf("websocket upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}
	select {
	case l.accepts <- &wsConn{conn: c}:
	case <-l.closed:
		c.Close()
	}
}

func (l *wsListener) Accept() (Conn, error) {
	select {
	case c := <-l.accepts:
		return c, nil
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

func (l *wsListener) Endpoint() string {
	return Endpoint{Scheme: "ws", Address: l.l.Addr().String(), Path: l.path}.String()
}

func (l *wsListener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.closed)
		err = l.srv.Close()
	})
	return err
}

type wsConn struct {
	conn    *websocket.Conn
	sending sync.Mutex
}

func (c *wsConn) WriteFrame(h *protocol.Header, body []byte) error {
	frame, err := protocol.Marshal(h, body)
	if err != nil {
		return err
	}
	c.sending.Lock()
	defer c.sending.Unlock()
	return c.conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (c *wsConn) ReadFrame() (*protocol.Header, []byte, error) {
	typ, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, nil, err
	}
	if typ != websocket.BinaryMessage {
		return nil, nil, errors.NotValidf("websocket message type %d", typ)
	}
	return protocol.Decode(bytes.NewReader(data))
}

func (c *wsConn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

func (c *wsConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}
