// Package session holds the generator side of streaming calls.
//
// A procedure streams by returning a Generator. Plain Go iterators are
// adapted with FromSeq/FromSeq2; procedures that need values sent in or
// errors thrown at their suspension point use Coroutine. On the service
// side every open generator lives in a Session of a Table, keyed by the
// msg id of the call that created it.
package session

import (
	"context"
	"iter"

	"github.com/juju/errors"

	"gen-rpc/codec"
)

// ErrStop is returned by a Generator that has no more values.
const ErrStop = errors.ConstError("generator exhausted")

// Generator is a suspended sequence of values driven step by step.
// Implementations need not be safe for concurrent use.
type Generator interface {
	// Next resumes the generator and returns the next value, or ErrStop.
	Next(ctx context.Context) (any, error)

	// Send resumes the generator with v as the result of its current
	// suspension.
	Send(ctx context.Context, v codec.Value) (any, error)

	// Throw raises err at the generator's suspension point. If the
	// generator does not handle it, Throw returns it and the generator
	// is finished.
	Throw(ctx context.Context, err error) (any, error)

	// Close finishes the generator, running its deferred cleanup once.
	// Closing a finished or never started generator is a no-op.
	Close() error
}

// Adapt returns the Generator behind a procedure result, if it is one.
func Adapt(v any) (Generator, bool) {
	switch g := v.(type) {
	case Generator:
		return g, true
	case iter.Seq[any]:
		return FromSeq(g), true
	case func(func(any) bool):
		return FromSeq(iter.Seq[any](g)), true
	case iter.Seq2[any, error]:
		return FromSeq2(g), true
	case func(func(any, error) bool):
		return FromSeq2(iter.Seq2[any, error](g)), true
	}
	return nil, false
}

// IsStream reports whether Adapt would accept v, without adapting it.
func IsStream(v any) bool {
	switch v.(type) {
	case Generator, iter.Seq[any], func(func(any) bool), iter.Seq2[any, error], func(func(any, error) bool):
		return true
	}
	return false
}

type pullGen struct {
	next func() (any, error, bool)
	stop func()
	done bool
}

// FromSeq adapts an iterator. Sending a value into it is not supported;
// throwing stops it and returns the thrown error.
func FromSeq[T any](seq iter.Seq[T]) Generator {
	next, stop := iter.Pull(seq)
	return &pullGen{
		next: func() (any, error, bool) {
			v, ok := next()
			return v, nil, ok
		},
		stop: stop,
	}
}

// FromSeq2 adapts an iterator of values and errors. A non-nil error ends
// the sequence with that error.
func FromSeq2[T any](seq iter.Seq2[T, error]) Generator {
	next, stop := iter.Pull2(seq)
	return &pullGen{
		next: func() (any, error, bool) {
			v, err, ok := next()
			return v, err, ok
		},
		stop: stop,
	}
}

func (g *pullGen) Next(ctx context.Context) (any, error) {
	if g.done {
		return nil, ErrStop
	}
	v, err, ok := g.next()
	switch {
	case !ok:
		g.finish()
		return nil, ErrStop
	case err != nil:
		g.finish()
		return nil, err
	}
	return v, nil
}

func (g *pullGen) Send(ctx context.Context, v codec.Value) (any, error) {
	if v.IsZero() {
		return g.Next(ctx)
	}
	g.finish()
	return nil, errors.NotSupportedf("sending a value into an iterator")
}

func (g *pullGen) Throw(ctx context.Context, err error) (any, error) {
	g.finish()
	return nil, err
}

func (g *pullGen) Close() error {
	g.finish()
	return nil
}

func (g *pullGen) finish() {
	if !g.done {
		g.done = true
		g.stop()
	}
}
