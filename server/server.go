// Package server implements the service side of the protocol: procedure
// registration, the dispatch loop, generator sessions and graceful
// shutdown.
//
// Request processing pipeline:
//
//	connmgr.Receive → dispatch (single goroutine, never blocks on a procedure)
//	  → REQUEST:  lookup → executor → middleware chain → procedure
//	      → RESULT | ERROR, or open a session and answer the primed YIELD
//	  → GEN_*:    post to the session queue → executor drains it in order
//	      → YIELD | GEN_END | ERROR (nothing for GEN_CLOSE)
//
// Every reply goes back to the peer the request arrived from, encoded
// with the codec the request used.
package server

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"gopkg.in/tomb.v2"

	"gen-rpc/codec"
	"gen-rpc/connmgr"
	"gen-rpc/discovery"
	"gen-rpc/executor"
	"gen-rpc/loadbalance"
	"gen-rpc/message"
	"gen-rpc/metrics"
	"gen-rpc/middleware"
	"gen-rpc/registry"
	"gen-rpc/rpcerr"
	"gen-rpc/session"
)

var logger = loggo.GetLogger("genrpc.server")

// Config holds the service settings. Only Name is required.
type Config struct {
	// Name identifies the service in discovery and introspection.
	Name string

	// Codec encodes envelopes the service originates. Replies always use
	// the codec of the request. Defaults to JSON.
	Codec codec.Codec

	// Executor runs invocations and generator steps. Defaults to
	// executor.Go().
	Executor executor.Executor

	// Reserved names are added to the protocol reserved names.
	Reserved []string

	// SessionTTL closes generator sessions left idle for longer. Zero
	// disables reaping.
	SessionTTL time.Duration

	HeartbeatInterval time.Duration
	HeartbeatLiveness int

	// Discovery, if set, advertises the bound endpoints (or Advertise,
	// when given) under Name on Start and removes them on Shutdown.
	Discovery    discovery.Registry
	DiscoveryTTL time.Duration
	Advertise    []string
	Weight       int
	Version      string

	// Balancer picks the peer for envelopes the service originates when
	// it dials out instead of listening.
	Balancer loadbalance.Balancer

	Metrics *metrics.Collector
	Clock   clock.Clock
}

func (c *Config) setDefaults() {
	if c.Codec == nil {
		c.Codec = codec.GetCodec(codec.CodecTypeJSON)
	}
	if c.Executor == nil {
		c.Executor = executor.Go()
	}
	if c.DiscoveryTTL <= 0 {
		c.DiscoveryTTL = 10 * time.Second
	}
	if c.Clock == nil {
		c.Clock = clock.WallClock
	}
}

// Server is one RPC service.
type Server struct {
	cfg      Config
	registry *registry.Registry
	conns    *connmgr.Manager
	sessions *session.Table

	// ctx is passed to procedures. It outlives the dispatch loop so that
	// in-flight calls can finish during Shutdown.
	ctx    context.Context
	cancel context.CancelFunc

	tomb tomb.Tomb
	wg   sync.WaitGroup // steps run outside the executor

	mu          sync.Mutex
	started     bool
	closing     bool
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc
	advertised  []string
}

// New returns a service with the built-in procedures registered and
// nothing bound.
func New(cfg Config) (*Server, error) {
	if cfg.Name == "" {
		return nil, errors.NotValidf("empty service name")
	}
	cfg.setDefaults()
	s := &Server{
		cfg:      cfg,
		registry: registry.New(cfg.Reserved...),
		sessions: session.NewTable(cfg.Clock),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.conns = connmgr.New(connmgr.Config{
		Codec:             cfg.Codec,
		Balancer:          cfg.Balancer,
		HeartbeatInterval: cfg.HeartbeatInterval,
		HeartbeatLiveness: cfg.HeartbeatLiveness,
		OnPeerLost:        s.peerLost,
		Clock:             cfg.Clock,
	})
	if err := s.registerBuiltins(); err != nil {
		return nil, errors.Trace(err)
	}
	return s, nil
}

// Name returns the service name.
func (s *Server) Name() string {
	return s.cfg.Name
}

// Registry gives access to the procedure registry.
func (s *Server) Registry() *registry.Registry {
	return s.registry
}

// Register registers fn under name.
func (s *Server) Register(name string, fn registry.Func) error {
	return errors.Trace(s.registry.Register(name, fn))
}

// RegisterProcedure registers p, keeping its documentation.
func (s *Server) RegisterProcedure(p registry.Procedure) error {
	return errors.Trace(s.registry.Add(p))
}

// RegisterObject registers every method of obj; see
// registry.Registry.RegisterObject.
func (s *Server) RegisterObject(obj *registry.Object, restricted ...string) error {
	return errors.Trace(s.registry.RegisterObject(obj, restricted...))
}

// Use adds a middleware around every invocation. Middlewares are applied
// in the order they are added and must be added before Start.
func (s *Server) Use(mw middleware.Middleware) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		logger.Warningf("middleware added after start is ignored")
		return
	}
	s.middlewares = append(s.middlewares, mw)
}

// Bind listens on endpoints; see connmgr.Manager.Bind.
func (s *Server) Bind(endpoints []string, only bool) ([]string, error) {
	return s.conns.Bind(endpoints, only)
}

// Connect dials out to endpoints, for topologies where clients listen
// and services connect to them; see connmgr.Manager.Connect.
func (s *Server) Connect(ctx context.Context, endpoints []string, only bool) ([]string, error) {
	return s.conns.Connect(ctx, endpoints, only)
}

// Bound returns the bound endpoints.
func (s *Server) Bound() []string {
	return s.conns.Bound()
}

// Sessions returns the msg ids of the open generator sessions.
func (s *Server) Sessions() []string {
	return s.sessions.IDs()
}

// Start begins dispatching and, with discovery configured, advertises the
// service. It does not block.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return errors.Annotatef(rpcerr.ErrClosed, "starting %s", s.cfg.Name)
	}
	if s.started {
		s.mu.Unlock()
		return errors.AlreadyExistsf("server %s started", s.cfg.Name)
	}
	s.started = true
	// Build the chain once at startup, not per request.
	s.handler = middleware.Chain(s.middlewares...)(s.businessHandler)
	s.mu.Unlock()

	if err := s.advertise(ctx); err != nil {
		return errors.Trace(err)
	}
	s.tomb.Go(s.loop)
	if s.cfg.SessionTTL > 0 {
		s.tomb.Go(s.reaper)
	}
	logger.Infof("service %s dispatching on %v", s.cfg.Name, s.conns.Bound())
	return nil
}

func (s *Server) advertise(ctx context.Context) error {
	if s.cfg.Discovery == nil {
		return nil
	}
	endpoints := s.cfg.Advertise
	if len(endpoints) == 0 {
		endpoints = s.conns.Bound()
	}
	for _, ep := range endpoints {
		inst := discovery.Instance{Endpoint: ep, Weight: s.cfg.Weight, Version: s.cfg.Version}
		if err := s.cfg.Discovery.Register(ctx, s.cfg.Name, inst, s.cfg.DiscoveryTTL); err != nil {
			return errors.Annotatef(err, "advertising %s", ep)
		}
		s.advertised = append(s.advertised, ep)
	}
	return nil
}

// Wait blocks until the dispatch loop has stopped.
func (s *Server) Wait() error {
	return s.tomb.Wait()
}

func (s *Server) loop() error {
	ctx := s.tomb.Context(context.Background())
	for {
		in, err := s.conns.Receive(ctx)
		if err != nil {
			select {
			case <-s.tomb.Dying():
				return nil
			default:
			}
			if errors.Is(err, rpcerr.ErrClosed) {
				return nil
			}
			return errors.Trace(err)
		}
		s.dispatch(in)
	}
}

func (s *Server) dispatch(in connmgr.Inbound) {
	env := in.Envelope
	s.cfg.Metrics.EnvelopeReceived(env.Kind)
	switch env.Kind {
	case message.Request:
		s.handleRequest(in)
	case message.GenNext, message.GenSend, message.GenThrow, message.GenClose:
		s.handleControl(in)
	default:
		logger.Warningf("dropping unexpected %s %s from %s", env.Kind, env.MsgID, in.Peer)
	}
}

func (s *Server) handleRequest(in connmgr.Inbound) {
	env := in.Envelope
	if _, open := s.sessions.Get(env.MsgID); open {
		logger.Warningf("dropping request %s from %s: msg id in use", env.MsgID, in.Peer)
		return
	}
	if s.registry.IsReserved(env.Procedure) {
		s.replyError(in.Peer, in.Codec, env.MsgID,
			errors.Annotatef(rpcerr.ErrReservedName, "procedure %q", env.Procedure))
		return
	}
	if _, err := s.registry.Lookup(env.Procedure); err != nil {
		s.replyError(in.Peer, in.Codec, env.MsgID, notImplemented(env.Procedure))
		return
	}
	if _, err := s.cfg.Executor.Submit(func() { s.invoke(in) }); err != nil {
		s.replyError(in.Peer, in.Codec, env.MsgID, errors.Annotate(err, "service shutting down"))
	}
}

func notImplemented(name string) error {
	return errors.NotImplementedf("procedure %q", name)
}

// businessHandler is the innermost handler wrapped by the middleware
// chain: it finds the procedure and calls it, turning panics into
// errors.
func (s *Server) businessHandler(ctx context.Context, call *registry.Call) (result any, err error) {
	proc, err := s.registry.Lookup(call.Procedure)
	if err != nil {
		return nil, notImplemented(call.Procedure)
	}
	defer func() {
		if v := recover(); v != nil {
			logger.Errorf("procedure %s panicked: %v\n%s", call.Procedure, v, debug.Stack())
			result, err = nil, &rpcerr.PanicError{Value: v}
		}
	}()
	return proc.Func(ctx, call)
}

func (s *Server) invoke(in connmgr.Inbound) {
	env := in.Envelope
	call := registry.NewCall(env.MsgID, env.Procedure, in.Peer, in.Codec, env.Args, env.Kwargs)
	result, err := s.handler(s.ctx, call)
	if err != nil {
		s.replyError(in.Peer, in.Codec, env.MsgID, err)
		return
	}
	if gen, ok := session.Adapt(result); ok {
		s.openStream(in, gen)
		return
	}
	payload, err := in.Codec.Encode(result)
	if err != nil {
		s.replyError(in.Peer, in.Codec, env.MsgID, errors.Annotatef(err, "encoding result of %s", env.Procedure))
		return
	}
	s.reply(in.Peer, in.Codec, env.Reply(message.Result, payload))
}

// openStream registers gen under the request's msg id and answers with
// its first step.
func (s *Server) openStream(in connmgr.Inbound, gen session.Generator) {
	env := in.Envelope
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		_ = gen.Close()
		s.replyError(in.Peer, in.Codec, env.MsgID, errors.Annotate(rpcerr.ErrClosed, "service shutting down"))
		return
	}
	sess, err := s.sessions.Open(env.MsgID, in.Peer, env.Procedure, in.Codec, gen)
	s.mu.Unlock()
	if err != nil {
		_ = gen.Close()
		s.replyError(in.Peer, in.Codec, env.MsgID, err)
		return
	}
	s.cfg.Metrics.SessionOpened()
	s.drain(sess, &session.Control{Kind: message.GenNext})
}

func (s *Server) handleControl(in connmgr.Inbound) {
	env := in.Envelope
	sess, ok := s.sessions.Get(env.MsgID)
	if !ok || sess.Peer != in.Peer {
		if env.Kind == message.GenClose {
			logger.Debugf("ignoring close of unknown session %s", env.MsgID)
			return
		}
		s.replyError(in.Peer, in.Codec, env.MsgID, errors.NotFoundf("generator session %s", env.MsgID))
		return
	}
	ctl := session.Control{Kind: env.Kind}
	switch env.Kind {
	case message.GenSend:
		if len(env.Payload) > 0 {
			ctl.Value = codec.NewValue(in.Codec, env.Payload)
		}
	case message.GenThrow:
		info, err := codec.DecodeError(in.Codec, env.Payload)
		if err != nil {
			info = rpcerr.Describe(err)
		}
		ctl.Err = rpcerr.FromInfo(info)
	}
	if sess.Post(ctl) {
		s.spawn(func() { s.drain(sess, nil) })
	}
}

// spawn runs fn on the executor, or on its own goroutine once the
// executor no longer accepts work, so sessions can still be closed
// during shutdown.
func (s *Server) spawn(fn func()) {
	if _, err := s.cfg.Executor.Submit(fn); err == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// drain applies first, if given, then every queued control of sess.
// The caller must own the session's queue.
func (s *Server) drain(sess *session.Session, first *session.Control) {
	if first != nil {
		s.step(sess, *first)
	}
	for c, ok := sess.Take(); ok; c, ok = sess.Take() {
		s.step(sess, c)
	}
}

func (s *Server) step(sess *session.Session, c session.Control) {
	st, ok := s.apply(sess, c)
	if !ok {
		logger.Tracef("ignoring %s for finished session %s", c.Kind, sess.ID)
		return
	}
	if !st.Done {
		payload, err := sess.Codec.Encode(st.Value)
		if err == nil {
			err = s.send(sess.Peer, sess.Codec, &message.Envelope{MsgID: sess.ID, Kind: message.Yield, Payload: payload})
			if err == nil || !errors.Is(err, errors.NotValid) {
				return
			}
		}
		// The value cannot be sent, so the stream cannot go on.
		_, _ = s.apply(sess, session.Control{Kind: message.GenClose})
		st = session.Step{Done: true, Err: errors.Annotatef(err, "sending value yielded by %s", sess.Procedure)}
		c.Kind = message.GenNext
	}

	reason := metrics.ReasonEnded
	if c.Kind == message.GenClose {
		reason = metrics.ReasonClosed
	}
	if _, ok := s.sessions.Remove(sess.ID); ok {
		s.cfg.Metrics.SessionFinished(reason)
	}
	switch {
	case c.Kind == message.GenClose:
		if st.Err != nil {
			logger.Debugf("closing session %s: %v", sess.ID, st.Err)
		}
	case st.Err != nil:
		s.replyError(sess.Peer, sess.Codec, sess.ID, st.Err)
	default:
		s.reply(sess.Peer, sess.Codec, &message.Envelope{MsgID: sess.ID, Kind: message.GenEnd})
	}
}

// apply advances the generator, turning a panic into an error.
func (s *Server) apply(sess *session.Session, c session.Control) (st session.Step, ok bool) {
	defer func() {
		if v := recover(); v != nil {
			logger.Errorf("generator %s panicked: %v\n%s", sess.Procedure, v, debug.Stack())
			st, ok = session.Step{Done: true, Err: &rpcerr.PanicError{Value: v}}, true
		}
	}()
	return sess.Apply(s.ctx, c)
}

// closeSessions closes sessions already removed from the table, queued
// behind whatever step they are running.
func (s *Server) closeSessions(sessions []*session.Session, reason string) {
	for _, sess := range sessions {
		s.cfg.Metrics.SessionFinished(reason)
		logger.Debugf("closing session %s of %s: %s", sess.ID, sess.Peer, reason)
		if sess.Post(session.Control{Kind: message.GenClose}) {
			s.spawn(func() { s.drain(sess, nil) })
		}
	}
}

func (s *Server) reaper() error {
	interval := s.cfg.SessionTTL / 2
	for {
		select {
		case <-s.tomb.Dying():
			return nil
		case <-s.cfg.Clock.After(interval):
		}
		s.closeSessions(s.sessions.Expire(s.cfg.SessionTTL), metrics.ReasonExpired)
	}
}

func (s *Server) peerLost(p connmgr.PeerLost) {
	s.closeSessions(s.sessions.RemovePeer(p.Peer), metrics.ReasonPeerLost)
}

// reply sends env to peer. A reply too large to frame is replaced by an
// ERROR so the caller is not left waiting.
func (s *Server) reply(peer string, c codec.Codec, env *message.Envelope) {
	err := s.send(peer, c, env)
	if err != nil && env.Kind != message.Error && errors.Is(err, errors.NotValid) {
		s.replyError(peer, c, env.MsgID, errors.Annotatef(err, "sending %s", env.Kind))
	}
}

func (s *Server) send(peer string, c codec.Codec, env *message.Envelope) error {
	_, err := s.conns.SendWith(c, env, peer)
	if err != nil {
		logger.Warningf("sending %s %s to %s: %v", env.Kind, env.MsgID, peer, err)
	}
	return err
}

func (s *Server) replyError(peer string, c codec.Codec, msgID string, err error) {
	info := rpcerr.Describe(err)
	payload, encErr := codec.EncodeError(c, info)
	if encErr != nil {
		logger.Errorf("encoding error reply for %s: %v", msgID, encErr)
		return
	}
	s.reply(peer, c, &message.Envelope{MsgID: msgID, Kind: message.Error, Payload: payload})
}

// Shutdown stops the service gracefully:
//  1. Remove the service from discovery, so clients stop picking it
//  2. Stop dispatching new envelopes
//  3. Close every generator session, running its cleanup
//  4. Wait up to timeout for in-flight invocations and steps
//  5. Close all endpoints
func (s *Server) Shutdown(timeout time.Duration) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return errors.Trace(s.tomb.Wait())
	}
	s.closing = true
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	for _, ep := range s.advertised {
		if err := s.cfg.Discovery.Deregister(ctx, s.cfg.Name, ep); err != nil {
			logger.Warningf("deregistering %s: %v", ep, err)
		}
	}

	s.tomb.Kill(nil)
	if !s.isStarted() {
		// Nothing was started, so nothing else will mark the tomb dead.
		s.tomb.Go(func() error { return nil })
	}
	loopErr := s.tomb.Wait()

	s.closeSessions(s.sessions.RemoveAll(), metrics.ReasonShutdown)
	waitErr := s.cfg.Executor.Shutdown(ctx, false)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if waitErr == nil {
			waitErr = errors.Annotate(ctx.Err(), "waiting for generator steps")
		}
	}

	s.cancel()
	if err := s.conns.Close(); err != nil {
		logger.Warningf("closing endpoints: %v", err)
	}
	if waitErr != nil {
		return rpcerr.Timeoutf("shutting down %s: %v", s.cfg.Name, waitErr)
	}
	return errors.Trace(loopErr)
}

func (s *Server) isStarted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

func (s *Server) registerBuiltins() error {
	builtins := []registry.Procedure{{
		Name: message.PingName,
		Doc:  "Returns the service name.",
		Func: func(context.Context, *registry.Call) (any, error) { return s.cfg.Name, nil },
	}, {
		Name: message.NameName,
		Doc:  "Returns the service name.",
		Func: func(context.Context, *registry.Call) (any, error) { return s.cfg.Name, nil },
	}, {
		Name: message.ListName,
		Doc:  "Lists the public procedures.",
		Func: func(context.Context, *registry.Call) (any, error) { return s.registry.ListNames(), nil },
	}, {
		Name: message.InspectName,
		Doc:  "Describes the public procedures.",
		Func: func(context.Context, *registry.Call) (any, error) { return s.inspect(), nil },
	}}
	for _, p := range builtins {
		if err := s.registry.AddBuiltin(p); err != nil {
			return errors.Annotatef(err, "registering %s", p.Name)
		}
	}
	return nil
}

func (s *Server) inspect() message.Inspection {
	procs := s.registry.Procedures()
	out := message.Inspection{Name: s.cfg.Name, Procedures: make([]message.ProcedureInfo, len(procs))}
	for i, p := range procs {
		out.Procedures[i] = message.ProcedureInfo{Name: p.Name, Doc: p.Doc}
	}
	return out
}

// String implements fmt.Stringer.
func (s *Server) String() string {
	return fmt.Sprintf("server %s %v", s.cfg.Name, s.conns.Bound())
}
