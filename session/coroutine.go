package session

import (
	"context"

	"github.com/juju/errors"

	"gen-rpc/codec"
	"gen-rpc/rpcerr"
)

type resumeKind int

const (
	resumeNext resumeKind = iota
	resumeSend
	resumeThrow
)

type resume struct {
	kind  resumeKind
	value codec.Value
	err   error
}

type step struct {
	value any
	err   error
	done  bool
}

// Yielder is handed to a coroutine body to suspend it.
type Yielder struct {
	c *coroutine
}

// Yield suspends the body with v as the next value. It returns the value
// passed to Send (zero for Next) or the error passed to Throw. Once the
// generator is closed Yield returns rpcerr.ErrClosed, and the body should
// return promptly.
func (y *Yielder) Yield(v any) (codec.Value, error) {
	c := y.c
	if c.ctx.Err() != nil {
		return codec.Value{}, rpcerr.ErrClosed
	}
	select {
	case c.out <- step{value: v}:
	case <-c.ctx.Done():
		return codec.Value{}, rpcerr.ErrClosed
	}
	select {
	case r := <-c.resume:
		switch r.kind {
		case resumeSend:
			return r.value, nil
		case resumeThrow:
			return codec.Value{}, r.err
		}
		return codec.Value{}, nil
	case <-c.ctx.Done():
		return codec.Value{}, rpcerr.ErrClosed
	}
}

type coroutine struct {
	body   func(context.Context, *Yielder) error
	ctx    context.Context
	cancel context.CancelFunc

	resume chan resume
	out    chan step
	exited chan struct{}

	started  bool
	finished bool
}

// Coroutine returns a generator running body on its own goroutine, one
// step at a time. body does not start until the first Next; it receives
// a context that is cancelled when the generator is closed. Returning
// nil ends the sequence, returning an error fails the current step.
func Coroutine(body func(ctx context.Context, y *Yielder) error) Generator {
	ctx, cancel := context.WithCancel(context.Background())
	return &coroutine{
		body:   body,
		ctx:    ctx,
		cancel: cancel,
		resume: make(chan resume),
		out:    make(chan step, 1),
		exited: make(chan struct{}),
	}
}

func (c *coroutine) run() {
	defer close(c.exited)
	err := func() (err error) {
		defer func() {
			if v := recover(); v != nil {
				err = &rpcerr.PanicError{Value: v}
			}
		}()
		return c.body(c.ctx, &Yielder{c: c})
	}()
	select {
	case c.out <- step{done: true, err: err}:
	default:
	}
}

func (c *coroutine) Next(ctx context.Context) (any, error) {
	return c.step(ctx, resume{kind: resumeNext})
}

func (c *coroutine) Send(ctx context.Context, v codec.Value) (any, error) {
	return c.step(ctx, resume{kind: resumeSend, value: v})
}

func (c *coroutine) Throw(ctx context.Context, err error) (any, error) {
	return c.step(ctx, resume{kind: resumeThrow, err: err})
}

func (c *coroutine) step(ctx context.Context, r resume) (any, error) {
	if c.finished {
		return nil, ErrStop
	}
	if !c.started {
		switch {
		case r.kind == resumeSend && !r.value.IsZero():
			return nil, errors.NotValidf("sending a value into a generator that has not started")
		case r.kind == resumeThrow:
			c.finished = true
			c.cancel()
			return nil, r.err
		}
		c.started = true
		go c.run()
	} else {
		select {
		case c.resume <- r:
		case <-c.exited:
		case <-ctx.Done():
			c.abandon()
			return nil, ctx.Err()
		}
	}
	select {
	case s := <-c.out:
		if !s.done {
			return s.value, nil
		}
		c.finished = true
		if s.err == nil || errors.Is(s.err, rpcerr.ErrClosed) {
			return nil, ErrStop
		}
		return nil, s.err
	case <-ctx.Done():
		c.abandon()
		return nil, ctx.Err()
	}
}

// abandon closes a generator whose step was interrupted by the caller.
func (c *coroutine) abandon() {
	c.finished = true
	c.cancel()
}

func (c *coroutine) Close() error {
	c.finished = true
	c.cancel()
	if !c.started {
		return nil
	}
	<-c.exited
	return nil
}
