package executor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	goruntime "runtime"
	"sync"
	"sync/atomic"

	"github.com/bytedance/sonic"

	"github.com/drblury/actorflow/internal/runtime/codec"
	errorspkg "github.com/drblury/actorflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/actorflow/internal/runtime/logging"
)

// WorkerEnv is set to "1" in the environment of spawned worker processes.
const WorkerEnv = "ACTORFLOW_WORKER"

// request and response are the frames exchanged with a worker, one JSON
// document per line.
type request struct {
	ID      uint64 `json:"id"`
	Handler string `json:"handler"`
	Payload []byte `json:"payload"`
}

type response struct {
	ID     uint64 `json:"id"`
	Error  string `json:"error,omitempty"`
	Panic  bool   `json:"panic,omitempty"`
	Result []byte `json:"result,omitempty"`
}

// ProcessPool runs jobs in re-executed copies of the current binary. Workers
// are spawned lazily, reused across jobs and killed when a job outlives its
// context, which makes timeouts a real cancellation.
type ProcessPool struct {
	sched   *Scheduler
	command func() *exec.Cmd
	logger  loggingpkg.ServiceLogger
	nextID  atomic.Uint64

	mu      sync.Mutex
	idle    []*worker
	spawned int
	closed  bool
}

// ProcessOption customises a ProcessPool.
type ProcessOption func(*ProcessPool)

// WithCommand replaces the worker command. The default re-executes
// os.Args[0] with WorkerEnv=1.
func WithCommand(command func() *exec.Cmd) ProcessOption {
	return func(p *ProcessPool) { p.command = command }
}

// WithProcessLogger sets the logger used for worker lifecycle events.
func WithProcessLogger(logger loggingpkg.ServiceLogger) ProcessOption {
	return func(p *ProcessPool) { p.logger = logger }
}

// NewProcessPool returns a pool of at most size workers. Zero picks NumCPU.
func NewProcessPool(size int, opts ...ProcessOption) *ProcessPool {
	if size <= 0 {
		size = goruntime.NumCPU()
	}
	p := &ProcessPool{
		sched:   NewScheduler(size),
		command: selfCommand,
		logger:  loggingpkg.NewDiscardLogger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func selfCommand() *exec.Cmd {
	cmd := exec.Command(os.Args[0])
	cmd.Env = append(os.Environ(), WorkerEnv+"=1")
	cmd.Stderr = os.Stderr
	return cmd
}

// Scheduler exposes the slot scheduler, mainly for stats.
func (p *ProcessPool) Scheduler() *Scheduler { return p.sched }

// Spawned returns the number of live worker processes.
func (p *ProcessPool) Spawned() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.spawned
}

func (p *ProcessPool) Execute(ctx context.Context, job Job) error {
	if err := p.sched.Acquire(ctx, job.Weight); err != nil {
		return &errorspkg.InfrastructureError{Op: "process pool acquire", Err: err}
	}
	defer p.sched.Release()

	w, err := p.take()
	if err != nil {
		return &errorspkg.InfrastructureError{Op: "process pool spawn", Err: err}
	}

	req := request{ID: p.nextID.Add(1), Handler: job.Name, Payload: job.Payload}
	done := make(chan workerResult, 1)
	go func() {
		resp, sent, err := w.call(req)
		done <- workerResult{resp: resp, sent: sent, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			p.discard(w)
			if !res.sent {
				return &errorspkg.InfrastructureError{Op: "worker process", Err: res.err}
			}
			return &errorspkg.WorkerCrashError{Handler: job.Name, Err: res.err}
		}
		p.put(w)
		if res.resp.Error == "" {
			if res.resp.Result != nil {
				SetResult(ctx, res.resp.Result)
			}
			return nil
		}
		if res.resp.Panic {
			return &errorspkg.PanicError{Value: res.resp.Error}
		}
		if res.resp.Error == errorspkg.ErrUnknownHandler.Error() {
			return &errorspkg.InfrastructureError{Op: "worker process", Err: fmt.Errorf("%w: %s", errorspkg.ErrUnknownHandler, job.Name)}
		}
		return &errorspkg.HandlerError{Message: res.resp.Error}
	case <-ctx.Done():
		p.discard(w)
		<-done
		return ctx.Err()
	}
}

type workerResult struct {
	resp response
	// sent is true once the worker accepted the request.
	sent bool
	err  error
}

func (p *ProcessPool) take() (*worker, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errorspkg.ErrPoolClosed
	}
	for len(p.idle) > 0 {
		w := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		select {
		case <-w.exited:
			// Died while idle; nothing was running in it.
			p.spawned--
			continue
		default:
		}
		p.mu.Unlock()
		return w, nil
	}
	p.spawned++
	p.mu.Unlock()

	w, err := startWorker(p.command())
	if err != nil {
		p.mu.Lock()
		p.spawned--
		p.mu.Unlock()
		return nil, err
	}
	p.logger.Debug("Worker process started", loggingpkg.LogFields{"pid": w.cmd.Process.Pid})
	return w, nil
}

func (p *ProcessPool) put(w *worker) {
	p.mu.Lock()
	if !p.closed {
		p.idle = append(p.idle, w)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	p.discard(w)
}

func (p *ProcessPool) discard(w *worker) {
	pid := w.cmd.Process.Pid
	w.kill()
	p.mu.Lock()
	p.spawned--
	p.mu.Unlock()
	p.logger.Debug("Worker process stopped", loggingpkg.LogFields{"pid": pid})
}

// Close stops idle workers and rejects new jobs. Busy workers are stopped
// when their job returns.
func (p *ProcessPool) Close() error {
	p.mu.Lock()
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	var errs []error
	for _, w := range idle {
		if err := w.stop(); err != nil {
			errs = append(errs, err)
		}
		p.mu.Lock()
		p.spawned--
		p.mu.Unlock()
	}
	return errors.Join(errs...)
}

type worker struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	dec    sonic.Decoder
	exited chan struct{}
}

func startWorker(cmd *exec.Cmd) (*worker, error) {
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	w := &worker{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		dec:    codec.NewDecoder(bufio.NewReader(stdout)),
		exited: make(chan struct{}),
	}
	go func() {
		_ = cmd.Wait()
		close(w.exited)
	}()
	return w, nil
}

// call sends req and waits for its response. sent reports whether the
// request was written, after which a failure means the worker died with the
// job in hand.
func (w *worker) call(req request) (resp response, sent bool, err error) {
	if err := codec.Encode(w.stdin, req); err != nil {
		return response{}, false, fmt.Errorf("write request: %w", err)
	}
	if err := w.dec.Decode(&resp); err != nil {
		return response{}, true, fmt.Errorf("read response: %w", err)
	}
	if resp.ID != req.ID {
		return response{}, true, fmt.Errorf("response id %d does not match request %d", resp.ID, req.ID)
	}
	return resp, true, nil
}

func (w *worker) kill() {
	_ = w.cmd.Process.Kill()
	<-w.exited
}

// stop closes stdin so the worker exits on its own.
func (w *worker) stop() error {
	if err := w.stdin.Close(); err != nil {
		w.kill()
		return err
	}
	<-w.exited
	return nil
}
