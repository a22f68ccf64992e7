// Package executor provides lane-based task execution with FIFO ordering
// per lane. It is the bridge between synchronous callers and the background
// context that owns browser and agent state: callers submit closures and
// block (optionally with a bound) until the closure settles.
//
// Invariants:
//   - Tasks in the same lane execute in FIFO order, one at a time.
//   - Tasks in different lanes may execute concurrently.
//   - A bounded wait that elapses cancels the task's context and returns
//     ErrTimeout; the task itself is responsible for honouring the context.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Task is a unit of work executed on a lane.
type Task func(ctx context.Context) (any, error)

// Lane names used by the controller. Callers may submit to arbitrary
// lanes; unknown lanes are created on first use with concurrency 1.
const (
	LaneRun     = "run"
	LaneControl = "control"
)

// ErrTimeout is returned when a bounded wait elapses before the task
// settles.
var ErrTimeout = errors.New("executor: task timed out")

// ErrClosed is returned for submissions after Close.
var ErrClosed = errors.New("executor: closed")

type taskRecord struct {
	run    Task
	ctx    context.Context
	cancel context.CancelFunc
	result chan settled
}

type settled struct {
	value any
	err   error
}

type lane struct {
	mu      sync.Mutex
	queue   []*taskRecord
	running bool
}

// Executor serializes tasks per lane on worker goroutines.
type Executor struct {
	mu     sync.Mutex
	lanes  map[string]*lane
	closed bool

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	logger  zerolog.Logger
}

// New creates an executor. The run and control lanes exist from the start.
func New(logger zerolog.Logger) *Executor {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Executor{
		lanes:   make(map[string]*lane),
		baseCtx: ctx,
		cancel:  cancel,
		logger:  logger,
	}
	e.lanes[LaneRun] = &lane{}
	e.lanes[LaneControl] = &lane{}
	return e
}

func (e *Executor) lane(name string) (*lane, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	l, ok := e.lanes[name]
	if !ok {
		l = &lane{}
		e.lanes[name] = l
	}
	return l, nil
}

// submit enqueues a task and returns its result channel.
func (e *Executor) submit(laneName string, run Task) (*taskRecord, error) {
	l, err := e.lane(laneName)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(e.baseCtx)
	rec := &taskRecord{
		run:    run,
		ctx:    ctx,
		cancel: cancel,
		result: make(chan settled, 1),
	}

	l.mu.Lock()
	l.queue = append(l.queue, rec)
	l.mu.Unlock()

	e.wg.Add(1)
	go e.pump(laneName, l)
	return rec, nil
}

// pump drains one lane. At most one pump runs per lane at a time.
func (e *Executor) pump(laneName string, l *lane) {
	defer e.wg.Done()

	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return
	}
	l.running = true
	l.mu.Unlock()

	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			l.running = false
			l.mu.Unlock()
			return
		}
		rec := l.queue[0]
		l.queue = l.queue[1:]
		l.mu.Unlock()

		e.execute(laneName, rec)
	}
}

func (e *Executor) execute(laneName string, rec *taskRecord) {
	defer rec.cancel()

	if err := rec.ctx.Err(); err != nil {
		rec.result <- settled{err: err}
		return
	}

	start := time.Now()
	value, err := e.runTask(laneName, rec)
	if err != nil {
		e.logger.Debug().
			Str("lane", laneName).
			Dur("elapsed", time.Since(start)).
			Err(err).
			Msg("Task settled with error")
	}
	rec.result <- settled{value: value, err: err}
}

// runTask settles a panicking task as an error so one bad closure cannot
// take the lane's worker down with it.
func (e *Executor) runTask(laneName string, rec *taskRecord) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().
				Str("lane", laneName).
				Interface("panic", r).
				Msg("Task panicked")
			err = fmt.Errorf("executor: task panicked: %v", r)
		}
	}()
	return rec.run(rec.ctx)
}

// Do submits a task on the named lane and blocks until it settles or ctx
// is done. Cancelling ctx cancels the task's own context too.
func (e *Executor) Do(ctx context.Context, laneName string, run Task) (any, error) {
	rec, err := e.submit(laneName, run)
	if err != nil {
		return nil, err
	}
	select {
	case r := <-rec.result:
		return r.value, r.err
	case <-ctx.Done():
		rec.cancel()
		// The task may still settle; don't leak the goroutine's send.
		return nil, ctx.Err()
	}
}

// DoTimeout submits a task and waits for at most timeout. A timeout of
// zero or less waits indefinitely. On expiry the task's context is
// cancelled and ErrTimeout is returned.
func (e *Executor) DoTimeout(laneName string, timeout time.Duration, run Task) (any, error) {
	rec, err := e.submit(laneName, run)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		r := <-rec.result
		return r.value, r.err
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r := <-rec.result:
		return r.value, r.err
	case <-timer.C:
		rec.cancel()
		return nil, ErrTimeout
	}
}

// Go submits a task and returns immediately. The done callback, when
// non-nil, is invoked with the task's result once it settles.
func (e *Executor) Go(laneName string, run Task, done func(any, error)) error {
	rec, err := e.submit(laneName, run)
	if err != nil {
		return err
	}
	go func() {
		r := <-rec.result
		if done != nil {
			done(r.value, r.err)
		}
	}()
	return nil
}

// Close cancels all in-flight task contexts, rejects further submissions
// and waits up to timeout for workers to finish.
func (e *Executor) Close(timeout time.Duration) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.cancel()

	finished := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-time.After(timeout):
		return ErrTimeout
	}
}
