package client

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/juju/retry"

	"gen-rpc/codec"
	"gen-rpc/message"
	"gen-rpc/rpcerr"
)

// Request describes one call.
type Request struct {
	Procedure string
	Args      []any
	Kwargs    map[string]any
	// Timeout overrides Config.Timeout when positive.
	Timeout time.Duration
}

// Reply is the outcome of a successful call: a value, or a Stream when
// the procedure is a generator.
type Reply struct {
	value  codec.Value
	stream *Stream
}

// IsStream reports whether the procedure returned a generator.
func (r *Reply) IsStream() bool {
	return r.stream != nil
}

// Stream returns the stream of a generator call, or nil.
func (r *Reply) Stream() *Stream {
	return r.stream
}

// Value returns the encoded result of a plain call.
func (r *Reply) Value() codec.Value {
	return r.value
}

// Decode decodes the result of a plain call into dst.
func (r *Reply) Decode(dst any) error {
	if r.stream != nil {
		return errors.NotValidf("decoding a stream as a value")
	}
	return r.value.Decode(dst)
}

// Future is a call in flight. It is resolved exactly once.
type Future struct {
	MsgID     string
	procedure string
	peer      string        // set once the request is sent
	timeout   time.Duration // per reply, also bounds each step of a stream

	once  sync.Once
	done  chan struct{}
	reply *Reply
	err   error
}

func newFuture(procedure string) *Future {
	return &Future{
		MsgID:     uuid.NewString(),
		procedure: procedure,
		done:      make(chan struct{}),
	}
}

func (f *Future) resolve(reply *Reply, err error) {
	f.once.Do(func() {
		f.reply, f.err = reply, err
		close(f.done)
	})
}

// Done is closed once the call is resolved.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the call is resolved or ctx is done. Giving up on
// ctx leaves the call outstanding.
func (f *Future) Wait(ctx context.Context) (*Reply, error) {
	select {
	case <-f.done:
		return f.reply, f.err
	case <-ctx.Done():
		return nil, errors.Trace(ctx.Err())
	}
}

// Go sends req and returns without waiting for the reply.
func (c *Client) Go(ctx context.Context, req Request) *Future {
	f := newFuture(req.Procedure)
	f.timeout = req.Timeout
	if f.timeout <= 0 {
		f.timeout = c.cfg.Timeout
	}
	if c.isReserved(req.Procedure) {
		f.resolve(nil, errors.Annotatef(rpcerr.ErrReservedName, "calling %q", req.Procedure))
		return f
	}
	env := &message.Envelope{MsgID: f.MsgID, Kind: message.Request, Procedure: req.Procedure}
	var err error
	if env.Args, err = codec.EncodeArgs(c.cfg.Codec, req.Args); err != nil {
		f.resolve(nil, errors.Annotatef(err, "calling %s", req.Procedure))
		return f
	}
	if env.Kwargs, err = codec.EncodeKwargs(c.cfg.Codec, req.Kwargs); err != nil {
		f.resolve(nil, errors.Annotatef(err, "calling %s", req.Procedure))
		return f
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		f.resolve(nil, errors.Annotatef(rpcerr.ErrClosed, "calling %s", req.Procedure))
		return f
	}
	// Registered before sending, the reply may beat the send's return.
	c.pending[f.MsgID] = f
	c.mu.Unlock()

	peer, err := c.send(ctx, env)
	c.mu.Lock()
	if err != nil {
		delete(c.pending, f.MsgID)
	} else {
		f.peer = peer
	}
	c.mu.Unlock()
	if err != nil {
		f.resolve(nil, errors.Annotatef(err, "calling %s", req.Procedure))
		return f
	}

	if f.timeout > 0 {
		go c.expire(f, f.timeout)
	}
	return f
}

// send transmits env, retrying while no peer is available. A write that
// failed part way is not retried, the service may have seen it.
func (c *Client) send(ctx context.Context, env *message.Envelope) (string, error) {
	var peer string
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			var err error
			peer, err = c.conns.Send(env, "")
			return err
		},
		IsFatalError: func(err error) bool {
			return !errors.Is(err, rpcerr.ErrNoPeer)
		},
		NotifyFunc: func(err error, attempt int) {
			logger.Debugf("sending %s, attempt %d: %v", env.Procedure, attempt, err)
		},
		Attempts: c.cfg.RetryAttempts,
		Delay:    c.cfg.RetryDelay,
		Clock:    c.cfg.Clock,
		Stop:     ctx.Done(),
	})
	if retry.IsAttemptsExceeded(err) || retry.IsRetryStopped(err) {
		err = retry.LastError(err)
	}
	return peer, err
}

// expire fails f with a timeout unless it resolves first. The request
// stays outstanding at the service.
func (c *Client) expire(f *Future, timeout time.Duration) {
	select {
	case <-f.done:
		return
	case <-c.cfg.Clock.After(timeout):
	}
	c.mu.Lock()
	owned := c.pending[f.MsgID] == f
	if owned {
		delete(c.pending, f.MsgID)
	}
	c.mu.Unlock()
	if owned {
		f.resolve(nil, rpcerr.Timeoutf("call %s after %s", f.procedure, timeout))
	}
}

// Invoke sends req and waits for its reply.
func (c *Client) Invoke(ctx context.Context, req Request) (*Reply, error) {
	return c.Go(ctx, req).Wait(ctx)
}

// Call invokes procedure with positional arguments.
func (c *Client) Call(ctx context.Context, procedure string, args ...any) (*Reply, error) {
	return c.Invoke(ctx, Request{Procedure: procedure, Args: args})
}

// CallAs calls a plain procedure and decodes its result into a T.
func CallAs[T any](ctx context.Context, c *Client, procedure string, args ...any) (T, error) {
	var out T
	reply, err := c.Call(ctx, procedure, args...)
	if err != nil {
		return out, err
	}
	err = reply.Decode(&out)
	return out, errors.Annotatef(err, "result of %s", procedure)
}

// Proc is a procedure name built segment by segment:
//
//	c.Path("math").Path("double").Call(ctx, 21)
type Proc struct {
	c    *Client
	name string
}

// Path starts a procedure name.
func (c *Client) Path(segments ...string) Proc {
	return Proc{c: c, name: strings.Join(segments, ".")}
}

// Path appends segments to the name.
func (p Proc) Path(segments ...string) Proc {
	if p.name == "" {
		return p.c.Path(segments...)
	}
	return Proc{c: p.c, name: p.name + "." + strings.Join(segments, ".")}
}

// Name returns the dotted procedure name.
func (p Proc) Name() string {
	return p.name
}

// Call invokes the procedure.
func (p Proc) Call(ctx context.Context, args ...any) (*Reply, error) {
	return p.c.Call(ctx, p.name, args...)
}

// Go invokes the procedure without waiting.
func (p Proc) Go(ctx context.Context, args ...any) *Future {
	return p.c.Go(ctx, Request{Procedure: p.name, Args: args})
}

// Ping returns the name of a service, proving it is reachable.
func (c *Client) Ping(ctx context.Context) (string, error) {
	return CallAs[string](ctx, c, message.PingName)
}

// List returns the public procedure names of a service.
func (c *Client) List(ctx context.Context) ([]string, error) {
	return CallAs[[]string](ctx, c, message.ListName)
}

// Inspect describes the public procedures of a service.
func (c *Client) Inspect(ctx context.Context) (message.Inspection, error) {
	return CallAs[message.Inspection](ctx, c, message.InspectName)
}
