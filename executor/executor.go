// Package executor runs procedure invocations off the dispatch loop.
//
// Every backend queues instead of dropping: Submit never blocks, and a
// task that cannot start yet waits in FIFO order for a slot to free up.
//
//	Go()      one goroutine per task, unbounded
//	Pool(n)   at most n tasks at a time
//	Serial()  one task at a time, in submission order
package executor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/juju/errors"
	"github.com/juju/loggo"
	"golang.org/x/sync/semaphore"

	"gen-rpc/rpcerr"
)

var logger = loggo.GetLogger("genrpc.executor")

// Executor runs functions asynchronously.
type Executor interface {
	// Submit schedules fn and returns its handle. It fails with
	// rpcerr.ErrClosed after Shutdown.
	Submit(fn func()) (*Task, error)

	// Shutdown stops accepting tasks and waits for submitted ones until
	// ctx is done. With cancel set, tasks that have not started are
	// dropped and their handles report rpcerr.ErrClosed.
	Shutdown(ctx context.Context, cancel bool) error

	// Running and Queued report the current load.
	Running() int
	Queued() int

	Name() string
}

// Task is the handle of one submitted function.
type Task struct {
	done chan struct{}
	err  error
}

func newTask() *Task {
	return &Task{done: make(chan struct{})}
}

func (t *Task) finish(err error) {
	t.err = err
	close(t.done)
}

// Done is closed when the task has finished or was dropped.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Err returns why the task did not complete normally: rpcerr.ErrClosed
// if it never ran, a *rpcerr.PanicError if it panicked. Only valid once
// Done is closed.
func (t *Task) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Wait blocks until the task finishes or ctx is done.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type job struct {
	fn   func()
	task *Task
}

type executor struct {
	name string
	sem  *semaphore.Weighted // nil when unbounded

	mu      sync.Mutex
	closed  bool
	pending []job // FIFO, waiting for a slot
	wg      sync.WaitGroup

	running atomic.Int64
}

func newExecutor(name string, sem *semaphore.Weighted) *executor {
	return &executor{name: name, sem: sem}
}

// Go returns an executor that starts a goroutine per task.
func Go() Executor {
	return newExecutor("go", nil)
}

// Pool returns an executor running at most size tasks at once.
func Pool(size int) Executor {
	if size <= 0 {
		size = 1
	}
	return newExecutor(fmt.Sprintf("pool(%d)", size), semaphore.NewWeighted(int64(size)))
}

// Serial returns an executor running one task at a time in submission
// order.
func Serial() Executor {
	return newExecutor("serial", semaphore.NewWeighted(1))
}

// New returns the executor with the given configuration name: "go",
// "pool" or "serial".
func New(kind string, size int) (Executor, error) {
	switch kind {
	case "", "go":
		return Go(), nil
	case "pool":
		return Pool(size), nil
	case "serial":
		return Serial(), nil
	}
	return nil, errors.NotValidf("executor %q", kind)
}

func (e *executor) Name() string { return e.name }

func (e *executor) Running() int { return int(e.running.Load()) }

func (e *executor) Queued() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

func (e *executor) Submit(fn func()) (*Task, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, rpcerr.ErrClosed
	}
	j := job{fn: fn, task: newTask()}
	e.wg.Add(1)
	if e.sem != nil && (len(e.pending) > 0 || !e.sem.TryAcquire(1)) {
		e.pending = append(e.pending, j)
		return j.task, nil
	}
	e.start(j)
	return j.task, nil
}

func (e *executor) start(j job) {
	e.running.Add(1)
	go func() {
		err := run(j.fn)
		e.running.Add(-1)
		j.task.finish(err)
		e.next()
		e.wg.Done()
	}()
}

// next hands the finished task's slot to the oldest pending job.
func (e *executor) next() {
	if e.sem == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.pending) == 0 {
		e.sem.Release(1)
		return
	}
	j := e.pending[0]
	e.pending = e.pending[1:]
	e.start(j)
}

func run(fn func()) (err error) {
	defer func() {
		if v := recover(); v != nil {
			logger.Errorf("task panicked: %v", v)
			err = &rpcerr.PanicError{Value: v}
		}
	}()
	fn()
	return nil
}

func (e *executor) Shutdown(ctx context.Context, cancel bool) error {
	e.mu.Lock()
	e.closed = true
	var dropped []job
	if cancel {
		dropped, e.pending = e.pending, nil
	}
	e.mu.Unlock()
	for _, j := range dropped {
		j.task.finish(rpcerr.ErrClosed)
		e.wg.Done()
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Annotatef(ctx.Err(), "waiting for %d running and %d queued tasks", e.Running(), e.Queued())
	}
}
