// Package transport provides the byte-level links the connection manager
// runs on.
//
// Endpoints are URIs whose scheme selects a Transport:
//
//	tcp://127.0.0.1:4242     stream socket, frames from the protocol package
//	unix:///run/app.sock     same framing over a unix socket
//	ws://127.0.0.1:8080/rpc  one protocol frame per websocket binary message
//
// Every Conn preserves frame order; WriteFrame may be called from several
// goroutines, ReadFrame from one.
package transport

import (
	"context"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/juju/loggo"

	"gen-rpc/protocol"
)

var logger = loggo.GetLogger("genrpc.transport")

// Conn is one established link to a peer.
type Conn interface {
	WriteFrame(h *protocol.Header, body []byte) error
	ReadFrame() (*protocol.Header, []byte, error)
	SetReadDeadline(t time.Time) error
	RemoteAddr() string
	Close() error
}

// Listener accepts inbound links on a bound endpoint.
type Listener interface {
	Accept() (Conn, error)
	// Endpoint returns the endpoint actually bound, with wildcard ports
	// resolved.
	Endpoint() string
	Close() error
}

// Transport implements one endpoint scheme.
type Transport interface {
	Listen(ep Endpoint) (Listener, error)
	Dial(ctx context.Context, ep Endpoint) (Conn, error)
}

// Endpoint is a parsed endpoint URI.
type Endpoint struct {
	Scheme  string
	Address string // host:port, or socket path for unix
	Path    string // request path for ws
}

func (e Endpoint) String() string {
	switch e.Scheme {
	case "unix":
		return "unix://" + e.Address
	default:
		return e.Scheme + "://" + e.Address + e.Path
	}
}

var (
	mu         sync.RWMutex
	transports = map[string]Transport{}
)

// Register makes a transport available under scheme, replacing any
// transport already registered for it.
func Register(scheme string, t Transport) {
	mu.Lock()
	defer mu.Unlock()
	transports[scheme] = t
}

func lookup(scheme string) (Transport, error) {
	mu.RLock()
	defer mu.RUnlock()
	t, ok := transports[scheme]
	if !ok {
		return nil, errors.NotSupportedf("endpoint scheme %q", scheme)
	}
	return t, nil
}

// ParseEndpoint parses and validates an endpoint URI.
func ParseEndpoint(s string) (Endpoint, error) {
	u, err := url.Parse(s)
	if err != nil {
		return Endpoint{}, errors.NewNotValid(err, "malformed endpoint "+s)
	}
	if u.Scheme == "" {
		return Endpoint{}, errors.NotValidf("endpoint %q without scheme", s)
	}
	ep := Endpoint{Scheme: u.Scheme}
	switch u.Scheme {
	case "unix":
		ep.Address = u.Host + u.Path
		if ep.Address == "" {
			return Endpoint{}, errors.NotValidf("unix endpoint %q without path", s)
		}
	default:
		if _, _, err := net.SplitHostPort(u.Host); err != nil {
			return Endpoint{}, errors.NewNotValid(err, "endpoint "+s)
		}
		ep.Address = u.Host
		ep.Path = u.Path
	}
	return ep, nil
}

// Normalize returns the canonical form of an endpoint URI.
func Normalize(s string) (string, error) {
	ep, err := ParseEndpoint(s)
	if err != nil {
		return "", err
	}
	return ep.String(), nil
}

// Listen binds endpoint with the transport registered for its scheme.
func Listen(endpoint string) (Listener, error) {
	ep, err := ParseEndpoint(endpoint)
	if err != nil {
		return nil, errors.Trace(err)
	}
	t, err := lookup(ep.Scheme)
	if err != nil {
		return nil, errors.Trace(err)
	}
	l, err := t.Listen(ep)
	if err != nil {
		return nil, errors.Annotatef(err, "listening on %s", endpoint)
	}
	logger.Debugf("listening on %s", l.Endpoint())
	return l, nil
}

// Dial connects to endpoint with the transport registered for its scheme.
func Dial(ctx context.Context, endpoint string) (Conn, error) {
	ep, err := ParseEndpoint(endpoint)
	if err != nil {
		return nil, errors.Trace(err)
	}
	t, err := lookup(ep.Scheme)
	if err != nil {
		return nil, errors.Trace(err)
	}
	c, err := t.Dial(ctx, ep)
	if err != nil {
		return nil, errors.Annotatef(err, "dialing %s", endpoint)
	}
	return c, nil
}

func init() {
	Register("tcp", streamTransport{network: "tcp"})
	Register("unix", streamTransport{network: "unix"})
	Register("ws", wsTransport{})
}
