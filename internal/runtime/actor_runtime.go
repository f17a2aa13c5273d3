package runtime

import (
	"context"
	"errors"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/semaphore"

	"github.com/drblury/actorflow/broker"
	errorspkg "github.com/drblury/actorflow/internal/runtime/errors"
	"github.com/drblury/actorflow/internal/runtime/executor"
	idspkg "github.com/drblury/actorflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/actorflow/internal/runtime/logging"
	"github.com/drblury/actorflow/internal/runtime/metadata"
)

// resolveTimeout bounds a single ack, nak or progress call.
const resolveTimeout = 5 * time.Second

// undeliveredTTL drops the undelivered count of a sequence that was not seen
// again for this long, e.g. because another instance finished it.
const undeliveredTTL = time.Hour

type runtimeOptions struct {
	// pullers is shared by all runtimes of an engine and caps concurrent
	// pull requests. Nil means no cap.
	pullers       *semaphore.Weighted
	pollDelay     time.Duration
	batch         int
	shutdownGrace time.Duration
	burst         bool
	// notifier publishes request replies. Nil disables replies.
	notifier broker.Notifier
	// middlewares run before the actor's own middlewares.
	middlewares []Middleware
}

// actorRuntime pulls and processes the messages of one actor.
//
// Every pulled message holds one of MaxPolls poll slots until it is acked
// or nak'd, and runs its handler only while holding one of MaxJobs job
// slots plus, when the engine caps jobs globally, a slot of the shared
// scheduler granted by priority.
type actorRuntime struct {
	actor    *Actor
	consumer broker.Consumer
	exec     executor.Executor
	global   *executor.Scheduler
	chain    middlewareChain
	logger   loggingpkg.ServiceLogger
	stats    *ActorStats
	opts     runtimeOptions

	polls *semaphore.Weighted
	jobs  *semaphore.Weighted

	stopping atomic.Bool

	// infra counts, per stream sequence, deliveries that never reached the
	// handler. They are subtracted from the broker delivery count so they do
	// not use up attempts.
	infraMu    sync.Mutex
	infra      map[uint64]undelivered
	lastPruned time.Time
	now        func() time.Time
}

type undelivered struct {
	count  int
	lastAt time.Time
}

func newActorRuntime(actor *Actor, consumer broker.Consumer, exec executor.Executor, global *executor.Scheduler, logger loggingpkg.ServiceLogger, opts runtimeOptions) *actorRuntime {
	if opts.batch < 1 {
		opts.batch = 1
	}
	return &actorRuntime{
		actor:    actor,
		consumer: consumer,
		exec:     exec,
		global:   global,
		chain:    middlewareChain{middlewares: append(slices.Clone(opts.middlewares), actor.middlewares...), logger: logger},
		logger:   logger,
		stats:    newActorStats(),
		opts:     opts,
		polls:    semaphore.NewWeighted(int64(actor.maxPolls)),
		jobs:     semaphore.NewWeighted(int64(actor.maxJobs)),
		infra:    make(map[uint64]undelivered),
		now:      time.Now,
	}
}

// run processes messages until ctx is cancelled, or until the first batch is
// done in burst mode. After cancellation, running jobs get the shutdown
// grace period before their context is cancelled too.
func (r *actorRuntime) run(ctx context.Context) {
	jobsCtx, cancelJobs := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelJobs()

	var wg sync.WaitGroup
	r.pull(ctx, func(msg broker.Message) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.dispatch(ctx, jobsCtx, msg)
		}()
	})

	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()
	if ctx.Err() == nil {
		<-drained
		return
	}

	r.stopping.Store(true)
	r.logger.Info("Actor stopping", loggingpkg.LogFields{"grace": r.opts.shutdownGrace.String()})
	grace := time.NewTimer(r.opts.shutdownGrace)
	defer grace.Stop()
	select {
	case <-drained:
	case <-grace.C:
		r.logger.Info("Shutdown grace elapsed, cancelling running jobs", nil)
		cancelJobs()
		<-drained
	}
	r.logger.Info("Actor stopped", nil)
}

// pull fetches messages while poll slots are free and hands each to handle.
func (r *actorRuntime) pull(ctx context.Context, handle func(broker.Message)) {
	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = 30 * time.Second

	for {
		if err := r.polls.Acquire(ctx, 1); err != nil {
			return
		}
		n := 1
		for n < r.opts.batch && r.polls.TryAcquire(1) {
			n++
		}

		msgs, err := r.fetch(ctx, n)
		if unused := n - len(msgs); unused > 0 {
			r.polls.Release(int64(unused))
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			wait := bo.NextBackOff()
			r.logger.Error("Pull failed", err, loggingpkg.LogFields{"retry_in": wait.String()})
			if !sleep(ctx, wait) {
				return
			}
			continue
		}
		bo.Reset()

		if len(msgs) > 0 {
			r.stats.onPulled(len(msgs))
		}
		for _, msg := range msgs {
			handle(msg)
		}
		if r.opts.burst {
			return
		}
	}
}

func (r *actorRuntime) fetch(ctx context.Context, n int) ([]broker.Message, error) {
	if r.opts.pullers != nil {
		if err := r.opts.pullers.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		defer r.opts.pullers.Release(1)
	}
	return r.consumer.Fetch(ctx, n, r.opts.pollDelay)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// dispatch takes one message from pulled to resolved.
func (r *actorRuntime) dispatch(ctx, jobsCtx context.Context, msg broker.Message) {
	defer r.polls.Release(1)
	defer r.stats.onResolved()

	res := &resolution{msg: msg}
	md, err := msg.Metadata()
	if err != nil {
		r.logger.Error("Message metadata unavailable", err, nil)
		r.nak(res, 0)
		return
	}
	headers := msg.Headers()

	if target := headers.Get(metadata.HeaderReplayFor); target != "" && target != r.actor.Key() {
		r.stats.onSkipped()
		r.ack(res, md)
		return
	}

	attempt := r.attempt(md)
	if r.actor.maxAttempts > 0 && attempt > r.actor.maxAttempts {
		r.logger.Info("Dropping message past its last attempt", loggingpkg.LogFields{
			"sequence": md.Sequence,
			"attempt":  attempt,
		})
		r.stats.onSkipped()
		r.ack(res, md)
		return
	}

	stopPulse := r.startPulse(res)
	defer stopPulse()

	jc := &Context{
		Actor:   r.actor,
		Payload: msg.Data(),
		Metadata: MessageMetadata{
			MessageID: headers.Get(metadata.HeaderMessageID),
			Sequence:  md.Sequence,
			Attempt:   attempt,
			Timestamp: md.Timestamp,
			TraceID:   headers.Get(metadata.HeaderTraceID),
			Headers:   headers,
		},
		JobID: idspkg.CreateULID(),
	}

	if err := r.jobs.Acquire(ctx, 1); err != nil {
		r.unscheduled(jobsCtx, res, jc, md, err)
		return
	}
	defer r.jobs.Release(1)
	if r.global != nil {
		if err := r.global.Acquire(ctx, int(r.actor.priority)); err != nil {
			r.unscheduled(jobsCtx, res, jc, md, err)
			return
		}
		defer r.global.Release()
	}

	r.execute(jobsCtx, res, jc, md)
}

// attempt is the 1-based delivery count excluding deliveries that never
// reached the handler.
func (r *actorRuntime) attempt(md broker.MessageMetadata) int {
	r.infraMu.Lock()
	skipped := r.infra[md.Sequence].count
	r.infraMu.Unlock()
	return max(int(md.NumDelivered)-skipped, 1)
}

func (r *actorRuntime) markUndelivered(seq uint64) int {
	r.infraMu.Lock()
	defer r.infraMu.Unlock()
	now := r.now()
	if now.Sub(r.lastPruned) >= undeliveredTTL/4 {
		for s, u := range r.infra {
			if now.Sub(u.lastAt) >= undeliveredTTL {
				delete(r.infra, s)
			}
		}
		r.lastPruned = now
	}
	u := r.infra[seq]
	u.count++
	u.lastAt = now
	r.infra[seq] = u
	return u.count
}

func (r *actorRuntime) forget(seq uint64) {
	r.infraMu.Lock()
	delete(r.infra, seq)
	r.infraMu.Unlock()
}

// unscheduled handles a message that lost its wait for a job slot.
func (r *actorRuntime) unscheduled(ctx context.Context, res *resolution, jc *Context, md broker.MessageMetadata, err error) {
	kind := FailureInfrastructure
	if r.stopping.Load() || errors.Is(err, context.Canceled) {
		kind = FailureShutdown
		err = errorspkg.ErrShuttingDown
	}
	r.fail(ctx, res, jc, md, kind, err, 0)
}

func (r *actorRuntime) execute(ctx context.Context, res *resolution, jc *Context, md broker.MessageMetadata) {
	start := time.Now()
	hookCtx := withContext(ctx, jc)

	msg, err := r.actor.decode(jc.Payload)
	if err != nil {
		r.fail(hookCtx, res, jc, md, FailureDecode, err, 0)
		return
	}
	jc.Message = msg

	if err := r.chain.start(hookCtx, jc); err != nil {
		r.fail(hookCtx, res, jc, md, FailureMiddleware, err, time.Since(start))
		return
	}

	r.stats.onRunning(1)
	runCtx, cancel := context.WithTimeout(hookCtx, r.actor.jobTimeout)
	runCtx, result := executor.WithResult(runCtx)
	err = r.exec.Execute(runCtx, executor.Job{
		Name:    r.actor.Key(),
		Payload: jc.Payload,
		Weight:  int(r.actor.priority),
		Run: func(ctx context.Context) error {
			return r.actor.invoke(ctx, msg)
		},
	})
	timedOut := errors.Is(runCtx.Err(), context.DeadlineExceeded)
	cancel()
	r.stats.onRunning(-1)
	duration := time.Since(start)

	if err == nil {
		r.succeed(hookCtx, res, jc, md, duration)
		if data, ok := result.Bytes(); ok {
			r.reply(jc, data, nil)
		}
		return
	}

	kind := FailureHandler
	var panicErr *errorspkg.PanicError
	switch {
	case errors.As(err, &panicErr):
		kind = FailurePanic
	case errorspkg.IsInfrastructure(err):
		kind = FailureInfrastructure
	case ctx.Err() != nil:
		kind = FailureShutdown
	case timedOut:
		kind = FailureTimeout
		err = &errorspkg.TimeoutError{Timeout: r.actor.jobTimeout}
	}
	r.fail(hookCtx, res, jc, md, kind, err, duration)
}

func (r *actorRuntime) succeed(ctx context.Context, res *resolution, jc *Context, md broker.MessageMetadata, duration time.Duration) {
	r.chain.success(ctx, &OkContext{Context: *jc, Duration: duration})
	r.ack(res, md)
	r.stats.onSuccess(duration)
	r.logger.Debug("Job succeeded", r.jobFields(jc))
}

func (r *actorRuntime) fail(ctx context.Context, res *resolution, jc *Context, md broker.MessageMetadata, kind FailureKind, err error, duration time.Duration) {
	retry, delay := true, time.Duration(0)
	switch {
	case kind == FailureShutdown:
		r.markUndelivered(md.Sequence)
	case !kind.consumesAttempt():
		delay = r.actor.retryDelayFor(r.markUndelivered(md.Sequence))
	case r.actor.exhausted(jc.Metadata.Attempt):
		retry = false
	default:
		delay = r.actor.retryDelayFor(jc.Metadata.Attempt)
	}

	fields := r.jobFields(jc)
	fields["kind"] = string(kind)
	fields["retry"] = retry
	fields["delay"] = delay.String()
	if err != nil {
		fields["error"] = err.Error()
	}
	r.logger.Debug("Job failed", fields)

	r.chain.failure(ctx, &ErrorContext{
		Context:  *jc,
		Err:      err,
		Kind:     kind,
		Retry:    retry,
		Delay:    delay,
		Duration: duration,
	})
	defer r.stats.onFailure(kind, err, duration, retry)

	if retry {
		r.nak(res, delay)
		return
	}
	r.logger.Info("Message dropped after its last attempt", fields)
	r.ack(res, md)
	if err == nil {
		err = errors.New("job failed: " + string(kind))
	}
	r.reply(jc, nil, err)
}

func (r *actorRuntime) jobFields(jc *Context) loggingpkg.LogFields {
	return loggingpkg.LogFields{
		"job_id":   jc.JobID,
		"sequence": strconv.FormatUint(jc.Metadata.Sequence, 10),
		"attempt":  jc.Metadata.Attempt,
	}
}

// ack ends the message for good. The undelivered count is forgotten even
// when the ack fails: a redelivery of a finished message needs no budget.
func (r *actorRuntime) ack(res *resolution, md broker.MessageMetadata) {
	defer r.forget(md.Sequence)
	ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
	defer cancel()
	if err := res.ack(ctx); err != nil {
		r.logger.Error("Ack failed", err, loggingpkg.LogFields{"sequence": md.Sequence})
	}
}

func (r *actorRuntime) nak(res *resolution, delay time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
	defer cancel()
	if err := res.nak(ctx, delay); err != nil {
		r.logger.Error("Nak failed", err, nil)
	}
}

// startPulse keeps the delivery alive while the message waits for a slot or
// runs, by reporting progress every AckWait/2.
func (r *actorRuntime) startPulse(res *resolution) (stop func()) {
	if !r.actor.pulse {
		return func() {}
	}
	interval := r.actor.ackWait / 2
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
				err := res.progress(ctx)
				cancel()
				if err != nil && !errors.Is(err, errResolved) {
					r.logger.Error("Progress report failed", err, nil)
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

var errResolved = errors.New("message already resolved")

// resolution guarantees that a message is acked or nak'd at most once.
type resolution struct {
	msg  broker.Message
	mu   sync.Mutex
	done bool
}

func (s *resolution) ack(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return errResolved
	}
	s.done = true
	return s.msg.Ack(ctx)
}

func (s *resolution) nak(ctx context.Context, delay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return errResolved
	}
	s.done = true
	return s.msg.Nak(ctx, delay)
}

func (s *resolution) progress(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return errResolved
	}
	return s.msg.InProgress(ctx)
}
