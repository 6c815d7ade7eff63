package client

import (
	"context"
	"iter"
	"runtime"
	"sync"
	"time"

	"github.com/juju/errors"

	"gen-rpc/codec"
	"gen-rpc/connmgr"
	"gen-rpc/message"
	"gen-rpc/rpcerr"
	"gen-rpc/session"
)

type streamStatus int

const (
	stateStreaming streamStatus = iota
	stateEnded
	stateClosed
)

// Stream is the handle of a remote generator. Its methods are safe for
// concurrent use but steps are taken one at a time.
//
// A Stream must be closed unless it ended. A handle that is dropped
// without closing is closed when the garbage collector reclaims it.
type Stream struct {
	*streamState
	cleanup runtime.Cleanup
}

// streamState is everything a Stream needs, kept apart from the handle so
// the cleanup can close it after the handle is unreachable.
type streamState struct {
	client *Client
	id     string
	peer   string
	codec  codec.Codec
	// timeout bounds each step; zero waits forever.
	timeout time.Duration

	replies chan connmgr.Inbound
	stop    chan struct{} // closed when the stream closes or fails

	// step is held for a whole round trip.
	step sync.Mutex

	mu        sync.Mutex
	state     streamStatus
	primed    codec.Value
	hasPrimed bool
	started   bool // the primed value was consumed
	err       error
}

func newStreamState(c *Client, id, peer string, cdc codec.Codec, timeout time.Duration) *streamState {
	return &streamState{
		client:  c,
		id:      id,
		peer:    peer,
		codec:   cdc,
		timeout: timeout,
		replies: make(chan connmgr.Inbound, 1),
		stop:    make(chan struct{}),
	}
}

func newStream(st *streamState) *Stream {
	s := &Stream{streamState: st}
	s.cleanup = runtime.AddCleanup(s, func(st *streamState) {
		if err := st.close(); err != nil {
			logger.Debugf("closing dropped stream %s: %v", st.id, err)
		}
	}, st)
	return s
}

// ID returns the msg id of the call that opened the stream.
func (s *Stream) ID() string {
	return s.id
}

// State reports whether the remote generator is still streaming.
func (s *Stream) State() session.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case stateEnded:
		return session.Ended
	case stateClosed:
		return session.Closed
	}
	return session.Streaming
}

// Next returns the next value. It returns session.ErrStop once the
// generator is exhausted.
func (s *Stream) Next(ctx context.Context) (codec.Value, error) {
	s.step.Lock()
	defer s.step.Unlock()
	s.mu.Lock()
	if s.hasPrimed {
		v := s.primed
		s.primed, s.hasPrimed, s.started = codec.Value{}, false, true
		s.mu.Unlock()
		return v, nil
	}
	s.mu.Unlock()
	return s.round(ctx, message.GenNext, nil)
}

// Send resumes the generator with v. The first value of a stream must be
// taken with Next.
func (s *Stream) Send(ctx context.Context, v any) (codec.Value, error) {
	s.step.Lock()
	defer s.step.Unlock()
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return codec.Value{}, errors.NotValidf("sending to a stream before its first value")
	}
	payload, err := s.codec.Encode(v)
	if err != nil {
		return codec.Value{}, errors.Annotate(err, "encoding sent value")
	}
	return s.round(ctx, message.GenSend, payload)
}

// Throw raises err at the generator's suspension point. A generator that
// does not handle it fails with it.
func (s *Stream) Throw(ctx context.Context, err error) (codec.Value, error) {
	s.step.Lock()
	defer s.step.Unlock()
	payload, encErr := codec.EncodeError(s.codec, rpcerr.Describe(err))
	if encErr != nil {
		return codec.Value{}, errors.Annotate(encErr, "encoding thrown error")
	}
	s.mu.Lock()
	// The primed value is skipped: the generator is already past it.
	s.primed, s.hasPrimed, s.started = codec.Value{}, false, true
	s.mu.Unlock()
	return s.round(ctx, message.GenThrow, payload)
}

// Close closes the remote generator, running its cleanup. Closing an
// ended stream is a no-op.
func (s *Stream) Close() error {
	s.cleanup.Stop()
	return s.close()
}

// All iterates over the remaining values. Breaking out of the loop closes
// the stream; an error is yielded once, last.
func (s *Stream) All(ctx context.Context) iter.Seq2[codec.Value, error] {
	return func(yield func(codec.Value, error) bool) {
		for {
			v, err := s.Next(ctx)
			if errors.Is(err, session.ErrStop) {
				return
			}
			if err != nil {
				yield(codec.Value{}, err)
				return
			}
			if !yield(v, nil) {
				if err := s.Close(); err != nil {
					logger.Debugf("closing stream %s: %v", s.id, err)
				}
				return
			}
		}
	}
}

// round sends one control envelope and waits for its reply. The caller
// holds step.
func (st *streamState) round(ctx context.Context, kind message.Kind, payload []byte) (codec.Value, error) {
	st.mu.Lock()
	if st.state != stateStreaming {
		err := st.err
		st.mu.Unlock()
		if err == nil {
			err = session.ErrStop
		}
		return codec.Value{}, err
	}
	st.mu.Unlock()

	env := &message.Envelope{MsgID: st.id, Kind: kind, Payload: payload}
	if _, err := st.client.conns.SendWith(st.codec, env, st.peer); err != nil {
		st.fail(err)
		return codec.Value{}, errors.Annotatef(err, "stream %s", st.id)
	}

	var timeout <-chan time.Time
	if st.timeout > 0 {
		timeout = st.client.cfg.Clock.After(st.timeout)
	}
	select {
	case in := <-st.replies:
		return st.handle(in)
	case <-st.stop:
		st.mu.Lock()
		err := st.err
		st.mu.Unlock()
		if err == nil {
			err = errors.Annotatef(rpcerr.ErrClosed, "stream %s", st.id)
		}
		return codec.Value{}, err
	case <-ctx.Done():
		// The reply to this step would arrive out of turn, so the stream
		// cannot go on.
		_ = st.close()
		return codec.Value{}, errors.Trace(ctx.Err())
	case <-timeout:
		_ = st.close()
		return codec.Value{}, rpcerr.Timeoutf("stream %s step after %s", st.id, st.timeout)
	}
}

func (st *streamState) handle(in connmgr.Inbound) (codec.Value, error) {
	env := in.Envelope
	switch env.Kind {
	case message.Yield:
		return codec.NewValue(in.Codec, env.Payload), nil
	case message.GenEnd:
		st.finish(stateEnded, nil)
		return codec.Value{}, session.ErrStop
	case message.Error:
		err := remoteError(in.Codec, env.Payload)
		st.finish(stateEnded, err)
		return codec.Value{}, err
	}
	err := errors.NotValidf("%s reply on stream %s", env.Kind, st.id)
	st.fail(err)
	return codec.Value{}, err
}

// deliver hands a reply to the step waiting for it.
func (st *streamState) deliver(in connmgr.Inbound) {
	select {
	case st.replies <- in:
	default:
		logger.Warningf("dropping %s on stream %s: no step waiting", in.Envelope.Kind, st.id)
	}
}

// finish moves the stream to a terminal state. It reports whether the
// stream was still streaming.
func (st *streamState) finish(state streamStatus, err error) bool {
	st.mu.Lock()
	if st.state != stateStreaming {
		st.mu.Unlock()
		return false
	}
	st.state, st.err = state, err
	st.hasPrimed = false
	close(st.stop)
	st.mu.Unlock()
	st.client.forgetStream(st)
	return true
}

// fail ends the stream locally without telling the service.
func (st *streamState) fail(err error) {
	st.finish(stateEnded, err)
}

func (st *streamState) close() error {
	if !st.finish(stateClosed, nil) {
		return nil
	}
	env := &message.Envelope{MsgID: st.id, Kind: message.GenClose}
	_, err := st.client.conns.SendWith(st.codec, env, st.peer)
	return errors.Annotatef(err, "closing stream %s", st.id)
}
