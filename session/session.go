package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"

	"gen-rpc/codec"
	"gen-rpc/message"
)

// State is the lifecycle state of a session.
type State int

const (
	Streaming State = iota
	// Ended: the generator finished, by exhaustion or by an error.
	Ended
	// Closed: the generator was closed before it finished.
	Closed
)

func (s State) String() string {
	switch s {
	case Streaming:
		return "streaming"
	case Ended:
		return "ended"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// Control is one request to advance or close a generator.
type Control struct {
	Kind  message.Kind // GenNext, GenSend, GenThrow or GenClose
	Value codec.Value  // GenSend
	Err   error        // GenThrow
}

// Step is the outcome of applying a Control.
type Step struct {
	Value any
	// Err is the error the generator failed with. It is nil when the
	// generator yielded, was exhausted or was closed.
	Err error
	// Done is set when the session reached a terminal state.
	Done bool
}

// Session is one open generator call.
type Session struct {
	ID        string
	Peer      string
	Procedure string
	// Codec is the codec of the request that opened the session; every
	// reply for it uses the same one.
	Codec codec.Codec

	gen   Generator
	clock clock.Clock

	mu         sync.Mutex
	state      State
	queue      []Control
	draining   bool
	lastActive time.Time
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Post queues c. It reports whether the caller must start draining the
// queue with Take; at most one drain runs per session at a time, so
// controls are applied strictly in the order they were posted.
func (s *Session) Post(c Control) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, c)
	s.lastActive = s.clock.Now()
	if s.draining {
		return false
	}
	s.draining = true
	return true
}

// Take pops the next queued control. When the queue is empty it ends the
// current drain and returns false.
func (s *Session) Take() (Control, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		s.draining = false
		return Control{}, false
	}
	c := s.queue[0]
	s.queue = s.queue[1:]
	return c, true
}

// Apply runs c against the generator. Only the goroutine draining the
// session may call it. It reports false, without touching the generator,
// for controls that arrive after the session reached a terminal state.
func (s *Session) Apply(ctx context.Context, c Control) (Step, bool) {
	if s.State() != Streaming {
		return Step{}, false
	}
	var (
		v   any
		err error
	)
	switch c.Kind {
	case message.GenClose:
		err := s.gen.Close()
		s.setState(Closed)
		return Step{Err: err, Done: true}, true
	case message.GenSend:
		v, err = s.gen.Send(ctx, c.Value)
	case message.GenThrow:
		v, err = s.gen.Throw(ctx, c.Err)
	default:
		v, err = s.gen.Next(ctx)
	}
	s.touch()
	switch {
	case errors.Is(err, ErrStop):
		s.setState(Ended)
		return Step{Done: true}, true
	case err != nil:
		_ = s.gen.Close()
		s.setState(Ended)
		return Step{Err: err, Done: true}, true
	}
	return Step{Value: v}, true
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
	s.queue = nil
}

func (s *Session) touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActive = s.clock.Now()
}

func (s *Session) idleSince(now time.Time) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.draining {
		return 0, false
	}
	return now.Sub(s.lastActive), true
}

// Table indexes the open sessions by msg id.
type Table struct {
	clock clock.Clock

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewTable returns an empty table. A nil clock means the wall clock.
func NewTable(clk clock.Clock) *Table {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Table{clock: clk, sessions: make(map[string]*Session)}
}

// Open adds a session for gen. The new session starts out draining: the
// caller owns it and must call Take until it returns false, which lets
// controls that arrive while the first step runs queue up behind it.
func (t *Table) Open(id, peer, procedure string, c codec.Codec, gen Generator) (*Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.sessions[id]; ok {
		return nil, errors.AlreadyExistsf("session %s", id)
	}
	s := &Session{
		ID:         id,
		Peer:       peer,
		Procedure:  procedure,
		Codec:      c,
		gen:        gen,
		clock:      t.clock,
		draining:   true,
		lastActive: t.clock.Now(),
	}
	t.sessions[id] = s
	return s, nil
}

// Get returns the session for id.
func (t *Table) Get(id string) (*Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[id]
	return s, ok
}

// Remove drops the session for id from the table and returns it.
func (t *Table) Remove(id string) (*Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[id]
	delete(t.sessions, id)
	return s, ok
}

// Len returns the number of open sessions.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// IDs returns the msg ids of the open sessions in order.
func (t *Table) IDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.sessions))
	for id := range t.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Expire removes and returns the sessions idle for longer than ttl.
// Sessions with a step in progress are never idle.
func (t *Table) Expire(ttl time.Duration) []*Session {
	now := t.clock.Now()
	return t.removeIf(func(s *Session) bool {
		idle, ok := s.idleSince(now)
		return ok && idle > ttl
	})
}

// RemovePeer removes and returns the sessions opened through peer.
func (t *Table) RemovePeer(peer string) []*Session {
	return t.removeIf(func(s *Session) bool { return s.Peer == peer })
}

// RemoveAll empties the table and returns what it held.
func (t *Table) RemoveAll() []*Session {
	return t.removeIf(func(*Session) bool { return true })
}

func (t *Table) removeIf(match func(*Session) bool) []*Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*Session
	for id, s := range t.sessions {
		if match(s) {
			out = append(out, s)
			delete(t.sessions, id)
		}
	}
	return out
}
