// Package executor runs handler invocations in the execution context an actor
// declares: inline on the job goroutine, on a bounded pool of OS threads, or
// on a bounded pool of worker processes.
package executor

import (
	"context"
	"fmt"
	goruntime "runtime"
	"runtime/debug"
	"sync"

	errorspkg "github.com/drblury/actorflow/internal/runtime/errors"
)

// Job is one handler invocation.
type Job struct {
	// Name identifies the handler inside a worker process.
	Name string
	// Payload is the raw message body handed to worker processes.
	Payload []byte
	// Weight is the scheduling priority used when the pool is contended.
	Weight int
	// Run invokes the handler in-process.
	Run func(ctx context.Context) error
}

// Executor runs a job and returns its outcome. Execute returns ctx.Err() as
// soon as ctx is done, even if the handler keeps running; its late result is
// discarded. Failures to schedule the job are InfrastructureErrors.
type Executor interface {
	Execute(ctx context.Context, job Job) error
}

// Inline runs jobs on their own goroutine without a shared pool.
type Inline struct{}

func (Inline) Execute(ctx context.Context, job Job) error {
	done := make(chan error, 1)
	go func() {
		done <- Safe(ctx, job.Run)
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Safe calls fn and converts a panic into a PanicError.
func Safe(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &errorspkg.PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return fn(ctx)
}

// ThreadPool runs jobs on goroutines locked to their OS thread. At most Size
// jobs run at once; a slot stays taken until the handler really returns, even
// when the caller already gave up on it.
type ThreadPool struct {
	sched *Scheduler

	mu     sync.RWMutex
	closed bool
}

// DefaultThreads mirrors the usual thread pool sizing of min(32, NumCPU+4).
func DefaultThreads() int {
	return min(32, goruntime.NumCPU()+4)
}

// NewThreadPool returns a pool of size threads. Zero picks DefaultThreads.
func NewThreadPool(size int) *ThreadPool {
	if size <= 0 {
		size = DefaultThreads()
	}
	return &ThreadPool{sched: NewScheduler(size)}
}

// Scheduler exposes the slot scheduler, mainly for stats.
func (p *ThreadPool) Scheduler() *Scheduler { return p.sched }

func (p *ThreadPool) Execute(ctx context.Context, job Job) error {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return &errorspkg.InfrastructureError{Op: "thread pool", Err: errorspkg.ErrPoolClosed}
	}
	if err := p.sched.Acquire(ctx, job.Weight); err != nil {
		return &errorspkg.InfrastructureError{Op: "thread pool acquire", Err: err}
	}

	done := make(chan error, 1)
	go func() {
		defer p.sched.Release()
		goruntime.LockOSThread()
		defer goruntime.UnlockOSThread()
		done <- Safe(ctx, job.Run)
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close rejects further jobs. Running jobs are not interrupted.
func (p *ThreadPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// Kind names an execution context.
type Kind int

const (
	// KindUnset is rejected by actor validation.
	KindUnset Kind = iota
	KindInline
	KindThread
	KindProcess
)

func (k Kind) String() string {
	switch k {
	case KindInline:
		return "inline"
	case KindThread:
		return "thread"
	case KindProcess:
		return "process"
	default:
		return fmt.Sprintf("unset(%d)", int(k))
	}
}
