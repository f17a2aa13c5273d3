package runtime

import (
	"context"
	"fmt"
	"os/exec"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/drblury/actorflow/broker"
	"github.com/drblury/actorflow/transport"
	"github.com/drblury/actorflow/transport/transports"

	configpkg "github.com/drblury/actorflow/internal/runtime/config"
	errorspkg "github.com/drblury/actorflow/internal/runtime/errors"
	"github.com/drblury/actorflow/internal/runtime/executor"
	loggingpkg "github.com/drblury/actorflow/internal/runtime/logging"
)

// EngineDependencies holds the optional collaborators of an Engine. Leave
// fields nil to use the defaults.
type EngineDependencies struct {
	// Middlewares run for every actor, after the default middlewares and
	// before the actor's own.
	Middlewares               []Middleware
	DisableDefaultMiddlewares bool // Skips the log, tracer, metrics and dead-letter middlewares when true.
	// Registerer receives the Prometheus collectors. Defaults to
	// prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer
	// TransportRegistry builds the dead-letter transport. Defaults to the
	// built-in transports.
	TransportRegistry *transport.Registry
	// ProcessCommand replaces the worker command of the process pool.
	ProcessCommand func() *exec.Cmd
}

// Engine owns the actors of a service and runs them against a broker.
type Engine struct {
	conf   *configpkg.Config
	logger loggingpkg.ServiceLogger
	broker broker.Broker

	registerer  prometheus.Registerer
	registry    *transport.Registry
	processCmd  func() *exec.Cmd
	middlewares []Middleware
	deadLetters transport.Transport
	drops       *DropMetrics

	mu        sync.RWMutex
	actors    []*Actor
	keys      map[string]*Actor
	consumers map[string]broker.Consumer
	runtimes  map[string]*actorRuntime
	global    *executor.Scheduler
	threads   *executor.ThreadPool
	processes *executor.ProcessPool

	resources *resourceTracker
}

// NewEngine validates conf and constructs an Engine. Add actors and call
// Register before Listen.
func NewEngine(conf *configpkg.Config, log loggingpkg.ServiceLogger, b broker.Broker, deps EngineDependencies) (*Engine, error) {
	switch {
	case conf == nil:
		return nil, errorspkg.ErrConfigRequired
	case log == nil:
		return nil, errorspkg.ErrLoggerRequired
	case b == nil:
		return nil, errorspkg.ErrBrokerRequired
	}
	if err := configpkg.ValidateConfig(conf); err != nil {
		return nil, err
	}

	log.Info("Creating actor engine", loggingpkg.LogFields{"config": conf.String()})

	e := &Engine{
		conf:       conf,
		logger:     log,
		broker:     b,
		registerer: deps.Registerer,
		registry:   deps.TransportRegistry,
		processCmd: deps.ProcessCommand,
		keys:       make(map[string]*Actor),
		consumers:  make(map[string]broker.Consumer),
		runtimes:   make(map[string]*actorRuntime),
		resources:  newResourceTracker(),
	}
	if e.registerer == nil {
		e.registerer = prometheus.DefaultRegisterer
	}
	if e.registry == nil {
		e.registry = transports.NewRegistry()
	}

	if !deps.DisableDefaultMiddlewares {
		if err := e.registerDefaultMiddlewares(); err != nil {
			return nil, multierr.Append(err, e.deadLetters.Close())
		}
	}
	e.middlewares = append(e.middlewares, deps.Middlewares...)
	return e, nil
}

func (e *Engine) registerDefaultMiddlewares() error {
	e.middlewares = append(e.middlewares, LogMiddleware{Logger: e.logger}, &TracerMiddleware{})

	if e.conf.MetricsEnabled {
		prom, err := NewPrometheusMiddleware(e.registerer)
		if err != nil {
			return fmt.Errorf("register job metrics: %w", err)
		}
		e.middlewares = append(e.middlewares, prom)
		if e.drops, err = NewDropMetrics(e.registerer); err != nil {
			return fmt.Errorf("register drop metrics: %w", err)
		}
	}

	if e.conf.DeadLetterTransport == "" {
		return nil
	}
	t, err := e.registry.Build(context.Background(), e.conf, loggingpkg.NewWatermillAdapter(e.logger))
	if err != nil {
		return fmt.Errorf("build dead-letter transport: %w", err)
	}
	e.deadLetters = t
	e.middlewares = append(e.middlewares, &DeadLetterMiddleware{
		Publisher: t.Publisher,
		Topic:     e.conf.DeadLetterTopic,
		Metrics:   e.drops,
		Logger:    e.logger,
	})
	return nil
}

// Add registers actors. Two actors of the same event may not share a name.
func (e *Engine) Add(actors ...*Actor) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, a := range actors {
		if a == nil {
			return errorspkg.ErrHandlerRequired
		}
		if _, ok := e.keys[a.Key()]; ok {
			return fmt.Errorf("%w: %s", errorspkg.ErrDuplicateActor, a.Key())
		}
		e.keys[a.Key()] = a
		e.actors = append(e.actors, a)
		e.logger.Info("Actor added", loggingpkg.LogFields{
			"actor":      a.Name(),
			"event":      a.EventName(),
			"execute_in": a.ExecuteIn().String(),
			"max_jobs":   a.MaxJobs(),
			"max_polls":  a.MaxPolls(),
		})
	}
	return nil
}

// Actors returns the added actors in insertion order.
func (e *Engine) Actors() []*Actor {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]*Actor(nil), e.actors...)
}

// Register ensures the streams of all events and the durable consumers of
// all actors. It is idempotent.
func (e *Engine) Register(ctx context.Context) error {
	actors := e.Actors()

	events, err := NewEvents()
	if err != nil {
		return err
	}
	for _, a := range actors {
		if err := events.Add(a.event); err != nil {
			return err
		}
	}
	if err := events.Register(ctx, e.broker, e.conf.StreamReplicas); err != nil {
		return err
	}

	consumers := make([]broker.Consumer, len(actors))
	g, gctx := errgroup.WithContext(ctx)
	for i, a := range actors {
		g.Go(func() error {
			c, err := e.broker.EnsureConsumer(gctx, a.ConsumerConfig())
			if err != nil {
				return &errorspkg.InfrastructureError{Op: "ensure consumer " + a.Key(), Err: err}
			}
			consumers[i] = c
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	e.mu.Lock()
	for i, a := range actors {
		e.consumers[a.Key()] = consumers[i]
	}
	e.mu.Unlock()
	e.logger.Info("Actors registered", loggingpkg.LogFields{
		"actors": len(actors),
		"events": events.Names(),
	})
	return nil
}

// Listen runs every registered actor until ctx is cancelled, or until each
// actor processed its first pull when burst is configured. Running jobs get
// the shutdown grace period to finish.
func (e *Engine) Listen(ctx context.Context) error {
	actors := e.Actors()
	if len(actors) == 0 {
		e.logger.Info("No actors to run", nil)
		return nil
	}

	e.mu.Lock()
	for _, a := range actors {
		if _, ok := e.consumers[a.Key()]; !ok {
			e.mu.Unlock()
			return fmt.Errorf("actor %s is not registered: call Register first", a.Key())
		}
	}
	e.buildPools(actors)
	opts := runtimeOptions{
		pollDelay:     e.conf.PollDelay,
		batch:         e.conf.Batch,
		shutdownGrace: e.conf.ShutdownGrace,
		burst:         e.conf.Burst,
		middlewares:   e.middlewares,
	}
	if n, ok := e.broker.(broker.Notifier); ok {
		opts.notifier = n
	}
	if e.conf.MaxPolls > 0 {
		opts.pullers = semaphore.NewWeighted(int64(e.conf.MaxPolls))
	}
	runtimes := make([]*actorRuntime, 0, len(actors))
	for _, a := range actors {
		logger := e.logger.With(loggingpkg.LogFields{"actor": a.Name(), "event": a.EventName()})
		rt := newActorRuntime(a, e.consumers[a.Key()], e.executorFor(a), e.global, logger, opts)
		e.runtimes[a.Key()] = rt
		runtimes = append(runtimes, rt)
	}
	e.mu.Unlock()

	e.logger.Info("Engine listening", loggingpkg.LogFields{
		"actors":   len(actors),
		"max_jobs": e.conf.MaxJobs,
		"burst":    e.conf.Burst,
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var statusErr error
	var statusWG sync.WaitGroup
	if e.conf.StatusPort > 0 {
		statusWG.Add(1)
		go func() {
			defer statusWG.Done()
			statusErr = e.serveStatus(runCtx)
		}()
	}

	var wg sync.WaitGroup
	for _, rt := range runtimes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rt.run(runCtx)
		}()
	}
	wg.Wait()
	cancel()
	statusWG.Wait()

	err := multierr.Append(statusErr, e.closePools())
	e.logger.Info("Engine stopped", nil)
	return err
}

// buildPools creates the shared executors the actors need. Callers hold mu.
func (e *Engine) buildPools(actors []*Actor) {
	if e.conf.MaxJobs > 0 {
		e.global = executor.NewScheduler(e.conf.MaxJobs)
	}
	for _, a := range actors {
		switch a.ExecuteIn() {
		case ExecuteThread:
			if e.threads == nil {
				e.threads = executor.NewThreadPool(e.conf.MaxThreads)
			}
		case ExecuteProcess:
			if e.processes == nil {
				opts := []executor.ProcessOption{executor.WithProcessLogger(e.logger)}
				if e.processCmd != nil {
					opts = append(opts, executor.WithCommand(e.processCmd))
				}
				e.processes = executor.NewProcessPool(e.conf.MaxProcesses, opts...)
			}
		}
	}
}

func (e *Engine) executorFor(a *Actor) executor.Executor {
	switch a.ExecuteIn() {
	case ExecuteThread:
		return e.threads
	case ExecuteProcess:
		return e.processes
	default:
		return executor.Inline{}
	}
}

func (e *Engine) closePools() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var err error
	if e.threads != nil {
		err = multierr.Append(err, e.threads.Close())
		e.threads = nil
	}
	if e.processes != nil {
		err = multierr.Append(err, e.processes.Close())
		e.processes = nil
	}
	return err
}

// EngineStats is the status snapshot served by the status API.
type EngineStats struct {
	Actors    []ActorInfo          `json:"actors"`
	Resources ResourceUsage        `json:"resources"`
	Jobs      *SchedulerStats      `json:"jobs,omitempty"`
	Drops     *DropMetricsSnapshot `json:"drops,omitempty"`
}

// SchedulerStats shows the occupancy of the global job slots.
type SchedulerStats struct {
	Size    int `json:"size"`
	InUse   int `json:"in_use"`
	Waiting int `json:"waiting"`
}

// Stats returns a snapshot of every actor plus process-level usage.
func (e *Engine) Stats() EngineStats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	stats := EngineStats{
		Actors:    make([]ActorInfo, 0, len(e.actors)),
		Resources: e.resources.Snapshot(),
	}
	for _, a := range e.actors {
		info := ActorInfo{
			Name:        a.Name(),
			Event:       a.EventName(),
			Description: a.Description(),
			ExecuteIn:   a.ExecuteIn().String(),
			Priority:    int(a.Priority()),
			MaxJobs:     a.MaxJobs(),
			MaxPolls:    a.MaxPolls(),
			MaxAttempts: a.MaxAttempts(),
			AckWait:     a.AckWait().String(),
			JobTimeout:  a.JobTimeout().String(),
		}
		if rt, ok := e.runtimes[a.Key()]; ok {
			info.Stats = rt.stats.Snapshot()
		}
		stats.Actors = append(stats.Actors, info)
	}
	sort.SliceStable(stats.Actors, func(i, j int) bool {
		if stats.Actors[i].Event != stats.Actors[j].Event {
			return stats.Actors[i].Event < stats.Actors[j].Event
		}
		return stats.Actors[i].Name < stats.Actors[j].Name
	})
	if e.processes != nil {
		stats.Resources.WorkerProcesses = e.processes.Spawned()
	}
	if e.global != nil {
		stats.Jobs = &SchedulerStats{Size: e.global.Size(), InUse: e.global.InUse(), Waiting: e.global.Waiting()}
	}
	if e.drops != nil {
		snapshot := e.drops.Snapshot()
		stats.Drops = &snapshot
	}
	return stats
}

// ReplayDeadLetters publishes the dead letters of the configured dead-letter
// transport back to their events until ctx is done. filter may be nil;
// letters it rejects stay on the dead-letter topic.
func (e *Engine) ReplayDeadLetters(ctx context.Context, filter func(event, actor string) bool) error {
	if e.deadLetters.Subscriber == nil {
		return fmt.Errorf("replay dead letters: %w", errorspkg.ErrPublisherRequired)
	}
	return ReplayDeadLetters(ctx, e.deadLetters.Subscriber, e.conf.DeadLetterTopic, e.broker, ReplayOptions{
		Filter:  filter,
		Metrics: e.drops,
		Logger:  e.logger,
	})
}

// RunWorkerIfRequested turns the current process into a process pool worker
// serving the process actors added so far, and never returns, when the
// process was started as a worker. Call it after Add and before any other
// side effect in main.
func (e *Engine) RunWorkerIfRequested() {
	if !executor.IsWorker() {
		return
	}
	handlers := make(map[string]executor.HandlerFunc)
	for _, a := range e.Actors() {
		if a.ExecuteIn() == ExecuteProcess {
			handlers[a.Key()] = a.WorkerHandler()
		}
	}
	executor.RunWorkerIfRequested(handlers)
}

// Close releases the dead-letter transport and the broker.
func (e *Engine) Close() error {
	return multierr.Combine(e.closePools(), e.deadLetters.Close(), e.broker.Close())
}
