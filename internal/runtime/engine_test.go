package runtime

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/actorflow/broker"
	"github.com/drblury/actorflow/broker/memory"
	errorspkg "github.com/drblury/actorflow/internal/runtime/errors"
	"github.com/drblury/actorflow/internal/runtime/executor"
	loggingpkg "github.com/drblury/actorflow/internal/runtime/logging"
	"github.com/drblury/actorflow/internal/runtime/metadata"
)

func statsOf(t *testing.T, e *Engine, name string) *ActorStats {
	t.Helper()
	for _, info := range e.Stats().Actors {
		if info.Name == name && info.Stats != nil {
			return info.Stats
		}
	}
	return &ActorStats{}
}

func TestNewEngineValidation(t *testing.T) {
	log := loggingpkg.NewDiscardLogger()
	b := memory.New()

	_, err := NewEngine(nil, log, b, EngineDependencies{})
	assert.ErrorIs(t, err, errorspkg.ErrConfigRequired)

	_, err = NewEngine(testConfig(), nil, b, EngineDependencies{})
	assert.ErrorIs(t, err, errorspkg.ErrLoggerRequired)

	_, err = NewEngine(testConfig(), log, nil, EngineDependencies{})
	assert.ErrorIs(t, err, errorspkg.ErrBrokerRequired)

	conf := testConfig()
	conf.Batch = 0
	_, err = NewEngine(conf, log, b, EngineDependencies{})
	assert.Error(t, err)
}

func TestEngineAddRejectsDuplicates(t *testing.T) {
	handler := func(context.Context, order) error { return nil }
	first := MustActor(ActorRegistration[order]{Name: "billing", Event: orders, Handler: handler, ExecuteIn: ExecuteInline})
	second := MustActor(ActorRegistration[order]{Name: "billing", Event: orders, Handler: handler, ExecuteIn: ExecuteThread})

	e, _ := newTestEngine(t, nil, first)
	err := e.Add(second)
	assert.ErrorIs(t, err, errorspkg.ErrDuplicateActor)
	assert.Len(t, e.Actors(), 1)
}

func TestEngineRegisterCreatesStreamsAndConsumers(t *testing.T) {
	handler := func(context.Context, order) error { return nil }
	actor := MustActor(ActorRegistration[order]{
		Name:        "billing",
		Description: "charges orders",
		Event:       orders,
		Handler:     handler,
		ExecuteIn:   ExecuteInline,
		MaxAttempts: 3,
		Priority:    PriorityHigh,
	})
	e, b := newTestEngine(t, nil, actor)

	stream, ok := b.StreamInfo("orders")
	require.True(t, ok)
	assert.Equal(t, []string{"orders"}, stream.Subjects)

	state, ok := b.ConsumerInfo("orders", "billing")
	require.True(t, ok)
	assert.Equal(t, "charges orders", state.Config.Description)
	assert.Equal(t, DefaultAckWait, state.Config.AckWait)
	assert.Equal(t, "3", state.Config.Metadata["actorflow_max_attempts"])
	assert.Equal(t, "4", state.Config.Metadata["actorflow_priority"])
	assert.Equal(t, "inline", state.Config.Metadata["actorflow_execute_in"])

	require.NoError(t, e.Register(context.Background()), "register is idempotent")
}

func TestListenRequiresRegister(t *testing.T) {
	e, err := NewEngine(testConfig(), loggingpkg.NewDiscardLogger(), memory.New(), EngineDependencies{DisableDefaultMiddlewares: true})
	require.NoError(t, err)
	require.NoError(t, e.Add(MustActor(ActorRegistration[order]{
		Name: "billing", Event: orders, ExecuteIn: ExecuteInline,
		Handler: func(context.Context, order) error { return nil },
	})))
	assert.Error(t, e.Listen(context.Background()))
}

func TestEngineProcessesMessages(t *testing.T) {
	var mu sync.Mutex
	var seen []int
	actor := MustActor(ActorRegistration[order]{
		Name:      "billing",
		Event:     orders,
		ExecuteIn: ExecuteInline,
		Handler: func(_ context.Context, o order) error {
			mu.Lock()
			seen = append(seen, o.ID)
			mu.Unlock()
			return nil
		},
	})
	e, b := newTestEngine(t, nil, actor)
	listen(t, e)
	emitOrders(t, b, 1, 2, 3)

	require.Eventually(t, func() bool {
		return statsOf(t, e, "billing").Succeeded == 3
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.ElementsMatch(t, []int{1, 2, 3}, seen)
	mu.Unlock()
	state, _ := b.ConsumerInfo("orders", "billing")
	assert.ElementsMatch(t, []uint64{1, 2, 3}, state.Acked)
	assert.Zero(t, state.Naks)
}

func TestEngineMaxJobsBoundsConcurrency(t *testing.T) {
	var c concurrency
	actor := MustActor(ActorRegistration[order]{
		Name:      "billing",
		Event:     orders,
		ExecuteIn: ExecuteInline,
		MaxJobs:   2,
		Handler: func(context.Context, order) error {
			c.enter()
			defer c.leave()
			time.Sleep(50 * time.Millisecond)
			return nil
		},
	})
	conf := testConfig()
	conf.Batch = 5
	e, b := newTestEngine(t, conf, actor)
	emitOrders(t, b, 1, 2, 3, 4, 5)

	start := time.Now()
	listen(t, e)
	require.Eventually(t, func() bool {
		return statsOf(t, e, "billing").Succeeded == 5
	}, 3*time.Second, 5*time.Millisecond)

	assert.EqualValues(t, 2, c.peak.Load())
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond, "five jobs two at a time take three rounds")
}

func TestEngineGlobalMaxJobs(t *testing.T) {
	var c concurrency
	handler := func(context.Context, order) error {
		c.enter()
		defer c.leave()
		time.Sleep(20 * time.Millisecond)
		return nil
	}
	invoices := Event[order]{Name: "invoices", Serializer: orders.Serializer}
	billing := MustActor(ActorRegistration[order]{Name: "billing", Event: orders, Handler: handler, ExecuteIn: ExecuteInline, MaxJobs: 4})
	mailing := MustActor(ActorRegistration[order]{Name: "mailing", Event: invoices, Handler: handler, ExecuteIn: ExecuteInline, MaxJobs: 4})

	conf := testConfig()
	conf.MaxJobs = 1
	conf.Batch = 4
	e, b := newTestEngine(t, conf, billing, mailing)
	emitOrders(t, b, 1, 2, 3)
	for i := range 3 {
		require.NoError(t, Emit(context.Background(), b, invoices, order{ID: i}))
	}

	listen(t, e)
	require.Eventually(t, func() bool {
		return statsOf(t, e, "billing").Succeeded == 3 && statsOf(t, e, "mailing").Succeeded == 3
	}, 3*time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 1, c.peak.Load())

	jobs := e.Stats().Jobs
	require.NotNil(t, jobs)
	assert.Equal(t, 1, jobs.Size)
}

func TestEngineRetriesUntilSuccess(t *testing.T) {
	var mu sync.Mutex
	var attempts []int
	actor := MustActor(ActorRegistration[order]{
		Name:       "billing",
		Event:      orders,
		ExecuteIn:  ExecuteInline,
		RetryDelay: fastRetry(),
		Handler: func(ctx context.Context, _ order) error {
			jc, ok := ContextFrom(ctx)
			assert.True(t, ok)
			mu.Lock()
			defer mu.Unlock()
			attempts = append(attempts, jc.Metadata.Attempt)
			if len(attempts) < 3 {
				return errBoom
			}
			return nil
		},
	})
	e, b := newTestEngine(t, nil, actor)
	listen(t, e)
	emitOrders(t, b, 1)

	require.Eventually(t, func() bool {
		return statsOf(t, e, "billing").Succeeded == 1
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []int{1, 2, 3}, attempts)
	mu.Unlock()

	state, _ := b.ConsumerInfo("orders", "billing")
	assert.Equal(t, []uint64{1}, state.Acked, "acked exactly once")
	assert.Equal(t, 2, state.Naks)

	stats := statsOf(t, e, "billing")
	assert.EqualValues(t, 2, stats.Failed)
	assert.EqualValues(t, 2, stats.Retried)
	assert.EqualValues(t, 2, stats.Errors.ByKind[FailureHandler])
}

func TestEngineDropsAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	var dropped atomic.Int32
	actor := MustActor(ActorRegistration[order]{
		Name:        "billing",
		Event:       orders,
		ExecuteIn:   ExecuteInline,
		MaxAttempts: 3,
		RetryDelay:  fastRetry(),
		Handler: func(context.Context, order) error {
			calls.Add(1)
			return errBoom
		},
		Middlewares: []Middleware{HooksMiddleware{Hooks: AlertingHooks(func(jc JobContext, err error) {
			assert.Equal(t, 3, jc.Attempt)
			assert.ErrorIs(t, err, errBoom)
			dropped.Add(1)
		})}},
	})
	e, b := newTestEngine(t, nil, actor)
	listen(t, e)
	emitOrders(t, b, 1)

	require.Eventually(t, func() bool {
		return statsOf(t, e, "billing").Dropped == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 1, dropped.Load())
	assert.EqualValues(t, 3, calls.Load())

	state, _ := b.ConsumerInfo("orders", "billing")
	assert.Equal(t, []uint64{1}, state.Acked)
}

func TestEngineClassifiesFailures(t *testing.T) {
	tests := []struct {
		name    string
		handler Handler[order]
		payload []byte
		kind    FailureKind
	}{
		{
			name:    "handler",
			handler: func(context.Context, order) error { return errBoom },
			kind:    FailureHandler,
		},
		{
			name: "timeout",
			handler: func(ctx context.Context, _ order) error {
				<-ctx.Done()
				return ctx.Err()
			},
			kind: FailureTimeout,
		},
		{
			name:    "panic",
			handler: func(context.Context, order) error { panic("kaboom") },
			kind:    FailurePanic,
		},
		{
			name:    "decode",
			handler: func(context.Context, order) error { return nil },
			payload: []byte("{not json"),
			kind:    FailureDecode,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recorder := &failureRecorder{}
			actor := MustActor(ActorRegistration[order]{
				Name:        "billing",
				Event:       orders,
				ExecuteIn:   ExecuteInline,
				MaxAttempts: 1,
				JobTimeout:  30 * time.Millisecond,
				Handler:     tt.handler,
				Middlewares: []Middleware{recorder},
			})
			e, b := newTestEngine(t, nil, actor)
			listen(t, e)
			if tt.payload != nil {
				require.NoError(t, b.Publish(context.Background(), "orders", tt.payload, metadata.New()))
			} else {
				emitOrders(t, b, 1)
			}

			require.Eventually(t, func() bool { return len(recorder.all()) == 1 }, 2*time.Second, 5*time.Millisecond)
			failure := recorder.all()[0]
			assert.Equal(t, tt.kind, failure.Kind)
			assert.False(t, failure.Retry)
			assert.Error(t, failure.Err)
			if tt.kind == FailureTimeout {
				assert.True(t, errorspkg.IsTimeout(failure.Err))
			}
		})
	}
}

func TestEngineMiddlewareRejection(t *testing.T) {
	var called atomic.Bool
	outer := &failureRecorder{}
	reject := &rejectingMiddleware{err: errors.New("not today")}
	inner := &failureRecorder{}
	actor := MustActor(ActorRegistration[order]{
		Name:        "billing",
		Event:       orders,
		ExecuteIn:   ExecuteInline,
		MaxAttempts: 1,
		Middlewares: []Middleware{outer, reject, inner},
		Handler: func(context.Context, order) error {
			called.Store(true)
			return nil
		},
	})
	e, b := newTestEngine(t, nil, actor)
	listen(t, e)
	emitOrders(t, b, 1)

	require.Eventually(t, func() bool { return len(outer.all()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.False(t, called.Load())

	failure := outer.all()[0]
	assert.Equal(t, FailureMiddleware, failure.Kind)
	var mwErr *errorspkg.MiddlewareError
	require.ErrorAs(t, failure.Err, &mwErr)
	assert.Len(t, inner.all(), 1, "failure hooks run for every middleware")
}

type rejectingMiddleware struct {
	BaseMiddleware
	err error
}

func (m *rejectingMiddleware) OnStart(context.Context, *Context) error { return m.err }

func TestEngineSkipsReplaysForOtherActors(t *testing.T) {
	var calls atomic.Int32
	handler := func(context.Context, order) error {
		calls.Add(1)
		return nil
	}
	billing := MustActor(ActorRegistration[order]{Name: "billing", Event: orders, Handler: handler, ExecuteIn: ExecuteInline})
	e, b := newTestEngine(t, nil, billing)
	listen(t, e)

	require.NoError(t, Emit(context.Background(), b, orders, order{ID: 1},
		WithMeta(metadata.New(metadata.HeaderReplayFor, "orders/shipping"))))
	require.NoError(t, Emit(context.Background(), b, orders, order{ID: 2},
		WithMeta(metadata.New(metadata.HeaderReplayFor, "orders/billing"))))

	require.Eventually(t, func() bool {
		s := statsOf(t, e, "billing")
		return s.Skipped == 1 && s.Succeeded == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 1, calls.Load())
}

func TestEngineBurstReturnsAfterFirstPull(t *testing.T) {
	var calls atomic.Int32
	actor := MustActor(ActorRegistration[order]{
		Name:      "billing",
		Event:     orders,
		ExecuteIn: ExecuteThread,
		Handler: func(context.Context, order) error {
			calls.Add(1)
			return nil
		},
	})
	conf := testConfig()
	conf.Burst = true
	conf.Batch = 3
	e, b := newTestEngine(t, conf, actor)
	emitOrders(t, b, 1, 2, 3)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.Listen(ctx))
	assert.EqualValues(t, 3, calls.Load())
	assert.NoError(t, ctx.Err(), "listen returned on its own")
}

func TestEngineShutdownNaksRunningJobs(t *testing.T) {
	started := make(chan struct{})
	recorder := &failureRecorder{}
	actor := MustActor(ActorRegistration[order]{
		Name:        "billing",
		Event:       orders,
		ExecuteIn:   ExecuteInline,
		MaxAttempts: 1,
		Middlewares: []Middleware{recorder},
		Handler: func(ctx context.Context, _ order) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		},
	})
	conf := testConfig()
	conf.ShutdownGrace = 30 * time.Millisecond
	e, b := newTestEngine(t, conf, actor)
	stop := listen(t, e)
	emitOrders(t, b, 1)

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not start")
	}
	stop()

	failures := recorder.all()
	require.Len(t, failures, 1)
	assert.Equal(t, FailureShutdown, failures[0].Kind)
	assert.True(t, failures[0].Retry, "shutdown never uses up the last attempt")

	state, _ := b.ConsumerInfo("orders", "billing")
	assert.Empty(t, state.Acked)
	assert.Equal(t, 1, state.Naks)
}

// flakyExecutor fails the first n jobs as if the pool was unavailable.
type flakyExecutor struct {
	n     atomic.Int32
	inner executor.Executor
}

func (f *flakyExecutor) Execute(ctx context.Context, job executor.Job) error {
	if f.n.Add(-1) >= 0 {
		return &errorspkg.InfrastructureError{Op: "test pool", Err: errors.New("unavailable")}
	}
	return f.inner.Execute(ctx, job)
}

func TestInfrastructureFailuresDoNotUseAttempts(t *testing.T) {
	var attempts []int
	var mu sync.Mutex
	actor := MustActor(ActorRegistration[order]{
		Name:        "billing",
		Event:       orders,
		ExecuteIn:   ExecuteInline,
		MaxAttempts: 1,
		RetryDelay:  fastRetry(),
		Handler: func(ctx context.Context, _ order) error {
			jc, _ := ContextFrom(ctx)
			mu.Lock()
			attempts = append(attempts, jc.Metadata.Attempt)
			mu.Unlock()
			return nil
		},
	})

	b := memory.New()
	defer b.Close()
	ctx := context.Background()
	require.NoError(t, b.EnsureStream(ctx, orders.Stream(1)))
	consumer, err := b.EnsureConsumer(ctx, actor.ConsumerConfig())
	require.NoError(t, err)
	emitOrders(t, b, 1)

	exec := &flakyExecutor{inner: executor.Inline{}}
	exec.n.Store(2)
	rt := newActorRuntime(actor, consumer, exec, nil, loggingpkg.NewDiscardLogger(), runtimeOptions{
		pollDelay:     20 * time.Millisecond,
		batch:         1,
		shutdownGrace: time.Second,
	})

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		rt.run(runCtx)
		close(done)
	}()
	require.Eventually(t, func() bool { return rt.stats.Snapshot().Succeeded == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	mu.Lock()
	assert.Equal(t, []int{1}, attempts, "the handler saw its first attempt")
	mu.Unlock()

	snapshot := rt.stats.Snapshot()
	assert.EqualValues(t, 2, snapshot.Errors.ByKind[FailureInfrastructure])
	assert.Zero(t, snapshot.Dropped)

	state, _ := b.ConsumerInfo("orders", "billing")
	assert.Equal(t, []uint64{1}, state.Acked)
	assert.Equal(t, 2, state.Naks)

	rt.infraMu.Lock()
	assert.Empty(t, rt.infra, "acked sequences are forgotten")
	rt.infraMu.Unlock()
}

func TestEnginePulseKeepsSlowJobsAlive(t *testing.T) {
	var calls atomic.Int32
	actor := MustActor(ActorRegistration[order]{
		Name:      "billing",
		Event:     orders,
		ExecuteIn: ExecuteInline,
		AckWait:   40 * time.Millisecond,
		Handler: func(context.Context, order) error {
			calls.Add(1)
			time.Sleep(150 * time.Millisecond)
			return nil
		},
	})
	e, b := newTestEngine(t, nil, actor)
	listen(t, e)
	emitOrders(t, b, 1)

	require.Eventually(t, func() bool {
		return statsOf(t, e, "billing").Succeeded == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 1, calls.Load(), "the delivery never expired")
}

func TestEngineStatsDescribeActors(t *testing.T) {
	handler := func(context.Context, order) error { return nil }
	billing := MustActor(ActorRegistration[order]{Name: "billing", Event: orders, Handler: handler, ExecuteIn: ExecuteInline, MaxJobs: 3})
	audit := MustActor(ActorRegistration[order]{Name: "audit", Event: orders, Handler: handler, ExecuteIn: ExecuteThread})
	e, _ := newTestEngine(t, nil, billing, audit)

	stats := e.Stats()
	require.Len(t, stats.Actors, 2)
	assert.Equal(t, "audit", stats.Actors[0].Name)
	assert.Equal(t, "thread", stats.Actors[0].ExecuteIn)
	assert.Equal(t, "billing", stats.Actors[1].Name)
	assert.Equal(t, 3, stats.Actors[1].MaxJobs)
	assert.Equal(t, 3, stats.Actors[1].MaxPolls)
	assert.Nil(t, stats.Actors[1].Stats, "no runtime before Listen")
	assert.NotNil(t, stats.Drops)
	assert.NotZero(t, stats.Resources.Goroutines)
}

// lockedBuffer lets concurrent jobs share one log sink.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestEngineLogsEachFailureOnceAtError(t *testing.T) {
	var out lockedBuffer
	logger := loggingpkg.NewZerologServiceLogger(zerolog.New(&out).Level(zerolog.DebugLevel))
	b := memory.New()
	e, err := NewEngine(testConfig(), logger, b, EngineDependencies{Registerer: prometheus.NewRegistry()})
	require.NoError(t, err)
	require.NoError(t, e.Add(MustActor(ActorRegistration[order]{
		Name:        "billing",
		Event:       orders,
		ExecuteIn:   ExecuteInline,
		MaxAttempts: 1,
		Handler:     func(context.Context, order) error { return errBoom },
	})))
	require.NoError(t, e.Register(context.Background()))
	t.Cleanup(func() { _ = e.Close() })
	stop := listen(t, e)
	emitOrders(t, b, 1)

	require.Eventually(t, func() bool {
		return statsOf(t, e, "billing").Dropped == 1
	}, 2*time.Second, 5*time.Millisecond)
	stop()

	errorLines := 0
	for _, line := range strings.Split(out.String(), "\n") {
		if strings.Contains(line, `"level":"error"`) && strings.Contains(line, `"message":"Job failed"`) {
			errorLines++
		}
	}
	assert.Equal(t, 1, errorLines)
}

// stubMessage is a delivery whose ack always fails.
type stubMessage struct {
	broker.Message
	ackErr error
}

func (m stubMessage) Ack(context.Context) error { return m.ackErr }

func TestUndeliveredCountsAreForgotten(t *testing.T) {
	rt := newActorRuntime(testActor, nil, executor.Inline{}, nil, loggingpkg.NewDiscardLogger(), runtimeOptions{})
	now := time.Unix(10_000, 0)
	rt.now = func() time.Time { return now }

	assert.Equal(t, 1, rt.markUndelivered(1))
	assert.Equal(t, 1, rt.markUndelivered(2))
	assert.Equal(t, 2, rt.markUndelivered(2))

	rt.ack(&resolution{msg: stubMessage{ackErr: errBoom}}, broker.MessageMetadata{Sequence: 2})

	now = now.Add(2 * undeliveredTTL)
	rt.markUndelivered(3)

	rt.infraMu.Lock()
	defer rt.infraMu.Unlock()
	assert.NotContains(t, rt.infra, uint64(1), "stale sequences expire")
	assert.NotContains(t, rt.infra, uint64(2), "a failed ack still ends the message")
	assert.Contains(t, rt.infra, uint64(3))
}

func TestEngineMaxPollsBoundsInFlight(t *testing.T) {
	var c concurrency
	actor := MustActor(ActorRegistration[order]{
		Name:      "billing",
		Event:     orders,
		ExecuteIn: ExecuteInline,
		MaxJobs:   2,
		MaxPolls:  4,
		Handler: func(context.Context, order) error {
			c.enter()
			defer c.leave()
			time.Sleep(10 * time.Millisecond)
			return nil
		},
	})
	conf := testConfig()
	conf.Batch = 50
	e, b := newTestEngine(t, conf, actor)
	ids := make([]int, 20)
	for i := range ids {
		ids[i] = i
	}
	emitOrders(t, b, ids...)

	listen(t, e)
	require.Eventually(t, func() bool {
		return statsOf(t, e, "billing").Succeeded == 20
	}, 5*time.Second, 5*time.Millisecond)

	backlog := statsOf(t, e, "billing").Backlog
	assert.LessOrEqual(t, backlog.MaxInFlight, int64(4))
	assert.Greater(t, backlog.MaxInFlight, int64(2), "polls run ahead of jobs")
	assert.LessOrEqual(t, backlog.MaxRunning, int64(2))
	assert.EqualValues(t, 2, c.peak.Load())
}
