// Package connmgr owns the links of one RPC endpoint.
//
// A Manager binds listening endpoints and dials remote ones, then carries
// whole envelopes in both directions. Every link gets a peer id; inbound
// envelopes are tagged with the id of the link they arrived on so replies
// can be routed back to it, and outbound envelopes either name a peer or
// are spread over the available peers by a load balancer.
//
//	Bind("tcp://127.0.0.1:0") ──→ listener ──accept──→ peer "tcp://127.0.0.1:4242#1"
//	Connect("tcp://host:4242")   ──dial──────────────→ peer "tcp://host:4242"
//
//	per peer: readLoop ──→ inbox ──→ Receive()
//	          heartbeatLoop (optional) keeps idle links observable
package connmgr

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"gopkg.in/tomb.v2"

	"gen-rpc/codec"
	"gen-rpc/loadbalance"
	"gen-rpc/message"
	"gen-rpc/protocol"
	"gen-rpc/rpcerr"
	"gen-rpc/transport"
)

var logger = loggo.GetLogger("genrpc.connmgr")

// Inbound is an envelope together with where it came from.
type Inbound struct {
	Envelope *message.Envelope
	// Peer is the id of the link the envelope arrived on.
	Peer string
	// Codec is the codec the sender used; values inside the envelope
	// must be decoded with it.
	Codec codec.Codec
}

// PeerLost describes a link that went away.
type PeerLost struct {
	Peer     string
	Endpoint string
	Dialed   bool
	Err      error
}

// Config holds the Manager settings. The zero value is usable.
type Config struct {
	// Codec encodes outbound envelopes. Defaults to JSON.
	Codec codec.Codec

	// Balancer picks the peer for untargeted sends. Defaults to round robin.
	Balancer loadbalance.Balancer

	// HeartbeatInterval enables heartbeat frames when positive. A peer
	// silent for HeartbeatInterval*HeartbeatLiveness is considered lost.
	HeartbeatInterval time.Duration
	HeartbeatLiveness int

	// InboxSize bounds the number of received envelopes not yet taken
	// by Receive.
	InboxSize int

	// OnPeerLost, if set, is called once for every link that fails
	// while the manager is open.
	OnPeerLost func(PeerLost)

	Clock clock.Clock
}

func (c *Config) setDefaults() {
	if c.Codec == nil {
		c.Codec = codec.GetCodec(codec.CodecTypeJSON)
	}
	if c.Balancer == nil {
		c.Balancer = &loadbalance.RoundRobinBalancer{}
	}
	if c.HeartbeatLiveness <= 0 {
		c.HeartbeatLiveness = 3
	}
	if c.InboxSize <= 0 {
		c.InboxSize = 128
	}
	if c.Clock == nil {
		c.Clock = clock.WallClock
	}
}

type peer struct {
	id       string
	endpoint string
	dialed   bool
	conn     transport.Conn
	done     chan struct{}
	once     sync.Once
	lastSeen atomic.Int64 // unix nanos on Clock of the last frame read
}

// Manager multiplexes envelopes over any number of bound and connected
// endpoints.
type Manager struct {
	cfg   Config
	tomb  tomb.Tomb
	inbox chan Inbound

	// opMu serializes Bind and Connect so dialing can happen without
	// holding mu.
	opMu sync.Mutex

	mu        sync.Mutex
	closed    bool
	bound     set.Strings // resolved endpoints
	boundAs   map[string]string
	listeners map[string]transport.Listener
	connected set.Strings
	weights   map[string]int
	peers     map[string]*peer
	dialed    map[string]*peer // endpoint → live dialed peer
	accepted  int
}

// New returns an open Manager with nothing bound or connected.
func New(cfg Config) *Manager {
	cfg.setDefaults()
	m := &Manager{
		cfg:       cfg,
		inbox:     make(chan Inbound, cfg.InboxSize),
		bound:     set.NewStrings(),
		boundAs:   make(map[string]string),
		listeners: make(map[string]transport.Listener),
		connected: set.NewStrings(),
		weights:   make(map[string]int),
		peers:     make(map[string]*peer),
		dialed:    make(map[string]*peer),
	}
	// Keeps the tomb alive until Close.
	m.tomb.Go(func() error {
		<-m.tomb.Dying()
		return nil
	})
	return m
}

// Codec returns the codec used for outbound envelopes.
func (m *Manager) Codec() codec.Codec {
	return m.cfg.Codec
}

// Bind listens on each endpoint and returns every endpoint bound after
// the call, with wildcard ports resolved. Binding an endpoint that is
// already bound is a no-op. With only set, endpoints bound earlier but
// not named are unbound; links already accepted through them stay up.
func (m *Manager) Bind(endpoints []string, only bool) ([]string, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	wanted, err := normalizeAll(endpoints, rpcerr.BindError)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, rpcerr.ErrClosed
	}
	for _, ep := range wanted {
		if m.connected.Contains(ep) {
			return nil, rpcerr.BindError(ep, errors.New("endpoint is connected"))
		}
	}

	keep := set.NewStrings()
	var fresh []transport.Listener
	for _, ep := range wanted {
		if resolved, ok := m.boundAs[ep]; ok {
			keep.Add(resolved)
			continue
		}
		if m.bound.Contains(ep) {
			keep.Add(ep)
			continue
		}
		l, err := transport.Listen(ep)
		if err != nil {
			for _, l := range fresh {
				m.unbindLocked(l.Endpoint())
			}
			return nil, rpcerr.BindError(ep, err)
		}
		resolved := l.Endpoint()
		m.boundAs[ep] = resolved
		m.bound.Add(resolved)
		m.listeners[resolved] = l
		keep.Add(resolved)
		fresh = append(fresh, l)
	}
	if only {
		for _, ep := range m.bound.Difference(keep).Values() {
			m.unbindLocked(ep)
		}
	}
	for _, l := range fresh {
		m.tomb.Go(func() error {
			m.acceptLoop(l)
			return nil
		})
	}
	return m.bound.SortedValues(), nil
}

func (m *Manager) unbindLocked(resolved string) {
	if l, ok := m.listeners[resolved]; ok {
		_ = l.Close()
		delete(m.listeners, resolved)
	}
	m.bound.Remove(resolved)
	for req, res := range m.boundAs {
		if res == resolved {
			delete(m.boundAs, req)
		}
	}
	logger.Debugf("unbound %s", resolved)
}

// Connect dials each endpoint and returns every connected endpoint
// after the call. An endpoint with a live link is left alone; one whose
// link was lost is dialed again. With only set, endpoints connected
// earlier but not named are disconnected.
func (m *Manager) Connect(ctx context.Context, endpoints []string, only bool) ([]string, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	wanted, err := normalizeAll(endpoints, rpcerr.ConnectError)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, rpcerr.ErrClosed
	}
	var dial []string
	for _, ep := range wanted {
		if _, ok := m.boundAs[ep]; ok || m.bound.Contains(ep) {
			m.mu.Unlock()
			return nil, rpcerr.ConnectError(ep, errors.New("endpoint is bound"))
		}
		if _, ok := m.dialed[ep]; !ok {
			dial = append(dial, ep)
		}
	}
	m.mu.Unlock()

	conns := make([]transport.Conn, 0, len(dial))
	for _, ep := range dial {
		conn, err := transport.Dial(ctx, ep)
		if err != nil {
			for _, c := range conns {
				_ = c.Close()
			}
			return nil, rpcerr.ConnectError(ep, err)
		}
		conns = append(conns, conn)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		for _, c := range conns {
			_ = c.Close()
		}
		return nil, rpcerr.ErrClosed
	}
	for i, ep := range dial {
		m.connected.Add(ep)
		m.startPeerLocked(&peer{id: ep, endpoint: ep, dialed: true, conn: conns[i]})
	}
	if only {
		keep := set.NewStrings(wanted...)
		for _, ep := range m.connected.Difference(keep).Values() {
			m.connected.Remove(ep)
			if p, ok := m.dialed[ep]; ok {
				m.removePeerLocked(p)
				p.shutdown()
			}
			logger.Debugf("disconnected %s", ep)
		}
	}
	return m.connected.SortedValues(), nil
}

func normalizeAll(endpoints []string, wrap func(string, error) error) ([]string, error) {
	out := make([]string, 0, len(endpoints))
	for _, ep := range endpoints {
		n, err := transport.Normalize(ep)
		if err != nil {
			return nil, wrap(ep, err)
		}
		out = append(out, n)
	}
	return out, nil
}

// SetWeight sets the balancer weight of the peer reached through
// endpoint.
func (m *Manager) SetWeight(endpoint string, weight int) {
	if n, err := transport.Normalize(endpoint); err == nil {
		endpoint = n
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.weights[endpoint] = weight
}

// Bound returns the currently bound endpoints.
func (m *Manager) Bound() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bound.SortedValues()
}

// Connected returns the currently connected endpoints, including those
// whose link is down and will be dialed again by the next Connect.
func (m *Manager) Connected() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected.SortedValues()
}

// Peers returns the ids of all live links.
func (m *Manager) Peers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := set.NewStrings()
	for id := range m.peers {
		ids.Add(id)
	}
	return ids.SortedValues()
}

// Send writes env to the peer named by target, or to a peer chosen by
// the balancer when target is empty, and returns the peer used.
// Connected peers are preferred over accepted ones for untargeted sends.
func (m *Manager) Send(env *message.Envelope, target string) (string, error) {
	return m.SendWith(m.cfg.Codec, env, target)
}

// SendWith is Send with an explicit codec. Replies use it to answer in
// the codec the request arrived in.
func (m *Manager) SendWith(c codec.Codec, env *message.Envelope, target string) (string, error) {
	data, err := codec.EncodeEnvelope(c, env)
	if err != nil {
		return "", errors.Trace(err)
	}
	// An envelope that cannot be framed says nothing about the link, so
	// it is refused before a peer is picked.
	if len(data) > protocol.MaxBodyLen {
		return "", errors.NotValidf("%s envelope %s of %d bytes", env.Kind, env.MsgID, len(data))
	}
	p, err := m.pick(target, env.Procedure)
	if err != nil {
		return "", err
	}
	h := &protocol.Header{
		CodecType: byte(c.Type()),
		FrameType: protocol.FrameEnvelope,
		BodyLen:   uint32(len(data)),
	}
	if err := p.conn.WriteFrame(h, data); err != nil {
		m.dropPeer(p, err)
		return "", &rpcerr.ConnectionError{Peer: p.id, Err: err}
	}
	return p.id, nil
}

func (m *Manager) pick(target, key string) (*peer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, rpcerr.ErrClosed
	}
	if target != "" {
		p, ok := m.peers[target]
		if !ok {
			return nil, &rpcerr.ConnectionError{Peer: target, Err: rpcerr.ErrNoPeer}
		}
		return p, nil
	}
	var candidates []loadbalance.Peer
	for _, p := range m.dialed {
		candidates = append(candidates, loadbalance.Peer{ID: p.id, Endpoint: p.endpoint, Weight: m.weights[p.endpoint]})
	}
	if len(candidates) == 0 {
		for _, p := range m.peers {
			candidates = append(candidates, loadbalance.Peer{ID: p.id, Endpoint: p.endpoint, Weight: m.weights[p.endpoint]})
		}
	}
	if len(candidates) == 0 {
		return nil, &rpcerr.ConnectionError{Peer: "any", Err: rpcerr.ErrNoPeer}
	}
	// Map iteration order is random; balancers expect a stable list.
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })
	chosen, err := m.cfg.Balancer.Pick(candidates, key)
	if err != nil {
		return nil, &rpcerr.ConnectionError{Peer: "any", Err: err}
	}
	return m.peers[chosen.ID], nil
}

// Receive returns the next inbound envelope.
func (m *Manager) Receive(ctx context.Context) (Inbound, error) {
	select {
	case in := <-m.inbox:
		return in, nil
	case <-ctx.Done():
		return Inbound{}, ctx.Err()
	case <-m.tomb.Dying():
		return Inbound{}, rpcerr.ErrClosed
	}
}

// Dying is closed when the manager starts closing.
func (m *Manager) Dying() <-chan struct{} {
	return m.tomb.Dying()
}

// Close unbinds and disconnects everything. Later operations return
// ErrClosed. Close is idempotent.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return m.tomb.Wait()
	}
	m.closed = true
	listeners := m.listeners
	peers := m.peers
	m.listeners = make(map[string]transport.Listener)
	m.peers = make(map[string]*peer)
	m.dialed = make(map[string]*peer)
	m.bound = set.NewStrings()
	m.boundAs = make(map[string]string)
	m.connected = set.NewStrings()
	m.mu.Unlock()

	for _, l := range listeners {
		_ = l.Close()
	}
	for _, p := range peers {
		p.shutdown()
	}
	m.tomb.Kill(nil)
	return m.tomb.Wait()
}

func (m *Manager) acceptLoop(l transport.Listener) {
	for {
		conn, err := l.Accept()
		if err != nil {
			logger.Tracef("accept loop on %s finished: %v", l.Endpoint(), err)
			return
		}
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			_ = conn.Close()
			return
		}
		m.accepted++
		id := fmt.Sprintf("%s#%d", l.Endpoint(), m.accepted)
		m.startPeerLocked(&peer{id: id, endpoint: l.Endpoint(), conn: conn})
		m.mu.Unlock()
		logger.Debugf("accepted %s from %s", id, conn.RemoteAddr())
	}
}

func (m *Manager) startPeerLocked(p *peer) {
	p.done = make(chan struct{})
	p.lastSeen.Store(m.cfg.Clock.Now().UnixNano())
	m.peers[p.id] = p
	if p.dialed {
		m.dialed[p.endpoint] = p
	}
	m.tomb.Go(func() error {
		m.readLoop(p)
		return nil
	})
	if m.cfg.HeartbeatInterval > 0 {
		m.tomb.Go(func() error {
			m.heartbeatLoop(p)
			return nil
		})
	}
}

func (m *Manager) removePeerLocked(p *peer) {
	if m.peers[p.id] == p {
		delete(m.peers, p.id)
	}
	if p.dialed && m.dialed[p.endpoint] == p {
		delete(m.dialed, p.endpoint)
	}
}

func (p *peer) shutdown() bool {
	first := false
	p.once.Do(func() {
		first = true
		close(p.done)
		_ = p.conn.Close()
	})
	return first
}

// dropPeer tears a failed link down and reports it once.
func (m *Manager) dropPeer(p *peer, cause error) {
	if !p.shutdown() {
		return
	}
	m.mu.Lock()
	closed := m.closed
	m.removePeerLocked(p)
	m.mu.Unlock()
	if closed {
		return
	}
	logger.Infof("lost peer %s: %v", p.id, cause)
	if m.cfg.OnPeerLost != nil {
		m.cfg.OnPeerLost(PeerLost{Peer: p.id, Endpoint: p.endpoint, Dialed: p.dialed, Err: cause})
	}
}

func (m *Manager) readLoop(p *peer) {
	for {
		h, body, err := p.conn.ReadFrame()
		if err != nil {
			m.dropPeer(p, err)
			return
		}
		p.lastSeen.Store(m.cfg.Clock.Now().UnixNano())
		if h.FrameType == protocol.FrameHeartbeat {
			continue
		}
		c, err := codec.Lookup(codec.CodecType(h.CodecType))
		if err != nil {
			logger.Warningf("dropping frame from %s: %v", p.id, err)
			continue
		}
		env, err := codec.DecodeEnvelope(c, body)
		if err != nil {
			logger.Warningf("dropping malformed envelope from %s: %v", p.id, err)
			continue
		}
		select {
		case m.inbox <- Inbound{Envelope: env, Peer: p.id, Codec: c}:
		case <-p.done:
			return
		case <-m.tomb.Dying():
			return
		}
	}
}

// heartbeatLoop sends a heartbeat every interval and drops the peer once
// nothing was read from it for interval*liveness. Both run on Clock.
func (m *Manager) heartbeatLoop(p *peer) {
	h := &protocol.Header{FrameType: protocol.FrameHeartbeat}
	liveness := m.cfg.HeartbeatInterval * time.Duration(m.cfg.HeartbeatLiveness)
	for {
		select {
		case <-p.done:
			return
		case <-m.tomb.Dying():
			return
		case <-m.cfg.Clock.After(m.cfg.HeartbeatInterval):
		}
		silent := m.cfg.Clock.Now().Sub(time.Unix(0, p.lastSeen.Load()))
		if silent > liveness {
			m.dropPeer(p, errors.Timeoutf("no frame from %s for %s", p.id, silent))
			return
		}
		if err := p.conn.WriteFrame(h, nil); err != nil {
			m.dropPeer(p, err)
			return
		}
	}
}
