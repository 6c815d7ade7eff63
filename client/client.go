// Package client implements the calling side of the protocol.
//
// A Client correlates replies with calls by msg id, never by arrival
// order. A call whose procedure turns out to be a generator resolves to a
// Stream instead of a value; the Stream drives the remote generator with
// GEN_NEXT/GEN_SEND/GEN_THROW and must be closed, which sends GEN_CLOSE.
//
//	c, _ := client.New(client.Config{Timeout: 5 * time.Second})
//	c.Connect(ctx, []string{"tcp://127.0.0.1:4242"}, false)
//	reply, err := c.Call(ctx, "math.double", 21)
package client

import (
	"context"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"gopkg.in/tomb.v2"

	"gen-rpc/codec"
	"gen-rpc/connmgr"
	"gen-rpc/discovery"
	"gen-rpc/loadbalance"
	"gen-rpc/message"
	"gen-rpc/rpcerr"
)

var logger = loggo.GetLogger("genrpc.client")

// Config holds the client settings. The zero value is usable.
type Config struct {
	// Codec encodes requests. Defaults to JSON.
	Codec codec.Codec

	// Balancer picks the service peer for each request. Defaults to
	// round robin.
	Balancer loadbalance.Balancer

	// Timeout bounds each call and each stream step unless the call
	// sets its own. Zero waits forever.
	Timeout time.Duration

	// Reserved names are refused in addition to the protocol reserved
	// names.
	Reserved []string

	// RetryAttempts is how many times a request is transmitted while no
	// service peer is available. Defaults to 1.
	RetryAttempts int
	RetryDelay    time.Duration

	HeartbeatInterval time.Duration
	HeartbeatLiveness int

	Clock clock.Clock
}

func (c *Config) setDefaults() {
	if c.Codec == nil {
		c.Codec = codec.GetCodec(codec.CodecTypeJSON)
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 1
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 100 * time.Millisecond
	}
	if c.Clock == nil {
		c.Clock = clock.WallClock
	}
}

// Client calls procedures on one or more services.
type Client struct {
	cfg      Config
	conns    *connmgr.Manager
	reserved set.Strings
	tomb     tomb.Tomb

	mu      sync.Mutex
	closed  bool
	pending map[string]*Future
	streams map[string]*streamState
}

// New returns a client with nothing connected.
func New(cfg Config) (*Client, error) {
	cfg.setDefaults()
	reserved := set.NewStrings(cfg.Reserved...)
	for _, name := range cfg.Reserved {
		if name == "" {
			return nil, errors.NotValidf("empty reserved name")
		}
	}
	c := &Client{
		cfg:      cfg,
		reserved: reserved,
		pending:  make(map[string]*Future),
		streams:  make(map[string]*streamState),
	}
	c.conns = connmgr.New(connmgr.Config{
		Codec:             cfg.Codec,
		Balancer:          cfg.Balancer,
		HeartbeatInterval: cfg.HeartbeatInterval,
		HeartbeatLiveness: cfg.HeartbeatLiveness,
		OnPeerLost:        c.peerLost,
		Clock:             cfg.Clock,
	})
	c.tomb.Go(c.loop)
	return c, nil
}

// Connect dials service endpoints; see connmgr.Manager.Connect.
func (c *Client) Connect(ctx context.Context, endpoints []string, only bool) ([]string, error) {
	return c.conns.Connect(ctx, endpoints, only)
}

// Bind listens for services that connect to the client; see
// connmgr.Manager.Bind.
func (c *Client) Bind(endpoints []string, only bool) ([]string, error) {
	return c.conns.Bind(endpoints, only)
}

// Peers returns the ids of the live links.
func (c *Client) Peers() []string {
	return c.conns.Peers()
}

// ConnectService connects to every advertised instance of service. With
// watch set the connected set follows later changes until the client is
// closed.
func (c *Client) ConnectService(ctx context.Context, reg discovery.Registry, service string, watch bool) error {
	instances, err := reg.Discover(ctx, service)
	if err != nil {
		return errors.Annotatef(err, "discovering %s", service)
	}
	if len(instances) == 0 && !watch {
		return errors.NotFoundf("instances of %s", service)
	}
	if err := c.follow(ctx, instances); err != nil {
		return errors.Trace(err)
	}
	if !watch {
		return nil
	}
	updates, err := reg.Watch(c.tomb.Context(context.Background()), service)
	if err != nil {
		return errors.Annotatef(err, "watching %s", service)
	}
	c.tomb.Go(func() error {
		for {
			select {
			case <-c.tomb.Dying():
				return nil
			case instances, ok := <-updates:
				if !ok {
					return nil
				}
				if err := c.follow(c.tomb.Context(context.Background()), instances); err != nil {
					logger.Warningf("following %s: %v", service, err)
				}
			}
		}
	})
	return nil
}

// follow makes the connected set match the reachable instances. An
// instance that cannot be dialed is skipped; it fails the call only when
// no instance could be reached.
func (c *Client) follow(ctx context.Context, instances []discovery.Instance) error {
	var (
		reachable []string
		lastErr   error
	)
	for _, inst := range instances {
		if _, err := c.conns.Connect(ctx, []string{inst.Endpoint}, false); err != nil {
			logger.Warningf("skipping instance %s: %v", inst.Endpoint, err)
			lastErr = err
			continue
		}
		c.conns.SetWeight(inst.Endpoint, inst.Weight)
		reachable = append(reachable, inst.Endpoint)
	}
	if _, err := c.conns.Connect(ctx, reachable, true); err != nil {
		return errors.Trace(err)
	}
	if len(reachable) == 0 && lastErr != nil {
		return errors.Trace(lastErr)
	}
	return nil
}

// Close fails every outstanding call with ErrClosed, closes every open
// stream and disconnects.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.Trace(c.tomb.Wait())
	}
	c.closed = true
	pending := c.pending
	c.pending = make(map[string]*Future)
	streams := make([]*streamState, 0, len(c.streams))
	for _, st := range c.streams {
		streams = append(streams, st)
	}
	c.mu.Unlock()

	for _, f := range pending {
		f.resolve(nil, errors.Annotatef(rpcerr.ErrClosed, "call %s", f.procedure))
	}
	for _, st := range streams {
		if err := st.close(); err != nil {
			logger.Debugf("closing stream %s: %v", st.id, err)
		}
	}
	c.tomb.Kill(nil)
	err := c.conns.Close()
	if waitErr := c.tomb.Wait(); waitErr != nil {
		return errors.Trace(waitErr)
	}
	return errors.Trace(err)
}

func (c *Client) loop() error {
	ctx := c.tomb.Context(context.Background())
	for {
		in, err := c.conns.Receive(ctx)
		if err != nil {
			select {
			case <-c.tomb.Dying():
				return nil
			default:
			}
			if errors.Is(err, rpcerr.ErrClosed) {
				return nil
			}
			return errors.Trace(err)
		}
		c.dispatch(in)
	}
}

func (c *Client) dispatch(in connmgr.Inbound) {
	env := in.Envelope
	c.mu.Lock()
	if f, ok := c.pending[env.MsgID]; ok {
		delete(c.pending, env.MsgID)
		var st *streamState
		if env.Kind == message.Yield || env.Kind == message.GenEnd {
			st = newStreamState(c, env.MsgID, in.Peer, in.Codec, f.timeout)
			if env.Kind == message.Yield {
				st.primed = codec.NewValue(in.Codec, env.Payload)
				st.hasPrimed = true
				c.streams[env.MsgID] = st
			} else {
				st.state = stateEnded
			}
		}
		c.mu.Unlock()
		c.resolveFirst(f, in, st)
		return
	}
	st, ok := c.streams[env.MsgID]
	c.mu.Unlock()
	if ok {
		st.deliver(in)
		return
	}
	if env.Kind == message.Yield {
		// Nobody waits for this call any more, usually because it timed
		// out; release the session it opened.
		logger.Debugf("closing orphan stream %s on %s", env.MsgID, in.Peer)
		if _, err := c.conns.SendWith(in.Codec, &message.Envelope{MsgID: env.MsgID, Kind: message.GenClose}, in.Peer); err != nil {
			logger.Debugf("closing orphan stream %s: %v", env.MsgID, err)
		}
		return
	}
	logger.Debugf("dropping %s %s from %s: no call waiting", env.Kind, env.MsgID, in.Peer)
}

// resolveFirst turns the first reply to a call into its outcome.
func (c *Client) resolveFirst(f *Future, in connmgr.Inbound, st *streamState) {
	env := in.Envelope
	switch env.Kind {
	case message.Result:
		f.resolve(&Reply{value: codec.NewValue(in.Codec, env.Payload)}, nil)
	case message.Error:
		f.resolve(nil, remoteError(in.Codec, env.Payload))
	case message.Yield, message.GenEnd:
		f.resolve(&Reply{stream: newStream(st)}, nil)
	default:
		f.resolve(nil, errors.NotValidf("%s reply to call %s", env.Kind, f.procedure))
	}
}

func remoteError(c codec.Codec, payload []byte) error {
	info, err := codec.DecodeError(c, payload)
	if err != nil {
		return errors.Trace(err)
	}
	return rpcerr.FromInfo(info)
}

// peerLost fails the calls and streams pinned to the lost peer.
func (c *Client) peerLost(p connmgr.PeerLost) {
	c.mu.Lock()
	var calls []*Future
	for id, f := range c.pending {
		if f.peer == p.Peer {
			delete(c.pending, id)
			calls = append(calls, f)
		}
	}
	var streams []*streamState
	for id, st := range c.streams {
		if st.peer == p.Peer {
			delete(c.streams, id)
			streams = append(streams, st)
		}
	}
	c.mu.Unlock()

	lost := &rpcerr.ConnectionError{Peer: p.Peer, Err: p.Err}
	for _, f := range calls {
		f.resolve(nil, lost)
	}
	for _, st := range streams {
		st.fail(lost)
	}
}

func (c *Client) forgetStream(st *streamState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.streams[st.id] == st {
		delete(c.streams, st.id)
	}
}

// isReserved reports whether name may not be called.
func (c *Client) isReserved(name string) bool {
	return message.IsReserved(name) || c.reserved.Contains(name) || c.reserved.Contains(message.LastSegment(name))
}
