package runtime

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/drblury/actorflow/broker"
	errorspkg "github.com/drblury/actorflow/internal/runtime/errors"
	"github.com/drblury/actorflow/internal/runtime/executor"
)

// Actor defaults applied to zero-valued registration fields.
const (
	DefaultMaxJobs       = 16
	DefaultAckWait       = 16 * time.Second
	DefaultJobTimeout    = 32 * time.Second
	DefaultMaxAckPending = 1000
)

// Metadata keys stored on the durable consumer.
const (
	consumerMetaMaxAttempts = "actorflow_max_attempts"
	consumerMetaPriority    = "actorflow_priority"
	consumerMetaExecuteIn   = "actorflow_execute_in"
)

// Handler processes one decoded message. Returning an error asks for a
// redelivery until the actor runs out of attempts.
type Handler[T any] func(ctx context.Context, msg T) error

// ExecuteIn selects where handler calls run.
type ExecuteIn = executor.Kind

const (
	// ExecuteInline runs the handler on the job goroutine.
	ExecuteInline = executor.KindInline
	// ExecuteThread runs the handler on the shared pool of locked OS threads.
	ExecuteThread = executor.KindThread
	// ExecuteProcess runs the handler in the shared pool of worker processes.
	// The payload crosses the process boundary in its encoded form.
	ExecuteProcess = executor.KindProcess
)

// Priority weights the share of contended job slots an actor receives.
type Priority int

const (
	PriorityLow    Priority = 1
	PriorityNormal Priority = 2
	PriorityHigh   Priority = 4
)

// ActorRegistration describes an actor before validation.
type ActorRegistration[T any] struct {
	// Name identifies the actor within its event. It names the durable consumer.
	Name        string
	Description string
	Event       Event[T]
	Handler     Handler[T]
	// ExecuteIn is required.
	ExecuteIn ExecuteIn

	// MaxJobs caps concurrent handler calls of this actor.
	MaxJobs int
	// MaxPolls caps pulled but unresolved messages. Defaults to MaxJobs and
	// may not be lower.
	MaxPolls int
	// MaxAttempts caps deliveries. Zero means unlimited.
	MaxAttempts int
	// AckWait is how long the broker waits for an ack before redelivering.
	AckWait time.Duration
	// JobTimeout bounds a single handler call.
	JobTimeout    time.Duration
	MaxAckPending int
	Priority      Priority
	// RetryDelay computes the nak delay from the attempt that failed.
	RetryDelay   BackoffPolicy
	Middlewares  []Middleware
	DisablePulse bool
}

// Actor is a validated, immutable binding of a handler to an event.
type Actor struct {
	name          string
	description   string
	event         EventDeclaration
	executeIn     ExecuteIn
	maxJobs       int
	maxPolls      int
	maxAttempts   int
	ackWait       time.Duration
	jobTimeout    time.Duration
	maxAckPending int
	priority      Priority
	retryDelay    BackoffPolicy
	middlewares   []Middleware
	pulse         bool

	decode func([]byte) (any, error)
	invoke func(context.Context, any) error
}

// NewActor validates reg, applies defaults and returns the actor.
func NewActor[T any](reg ActorRegistration[T]) (*Actor, error) {
	if reg.Name == "" {
		return nil, errorspkg.ErrActorNameRequired
	}
	if err := reg.Event.Validate(); err != nil {
		return nil, fmt.Errorf("actor %s: %w", reg.Name, err)
	}
	if reg.Handler == nil {
		return nil, fmt.Errorf("actor %s: %w", reg.Name, errorspkg.ErrHandlerRequired)
	}
	if reg.ExecuteIn < ExecuteInline || reg.ExecuteIn > ExecuteProcess {
		return nil, fmt.Errorf("actor %s: %w", reg.Name, errorspkg.ErrExecuteInRequired)
	}

	a := &Actor{
		name:          reg.Name,
		description:   reg.Description,
		event:         reg.Event,
		executeIn:     reg.ExecuteIn,
		maxJobs:       reg.MaxJobs,
		maxPolls:      reg.MaxPolls,
		maxAttempts:   reg.MaxAttempts,
		ackWait:       reg.AckWait,
		jobTimeout:    reg.JobTimeout,
		maxAckPending: reg.MaxAckPending,
		priority:      reg.Priority,
		retryDelay:    reg.RetryDelay,
		middlewares:   append([]Middleware(nil), reg.Middlewares...),
		pulse:         !reg.DisablePulse,
	}
	if err := a.applyDefaults(); err != nil {
		return nil, err
	}

	event, handler := reg.Event, reg.Handler
	a.decode = func(data []byte) (any, error) { return event.Decode(data) }
	a.invoke = func(ctx context.Context, msg any) error {
		typed, ok := msg.(T)
		if !ok {
			return fmt.Errorf("actor %s: unexpected message type %T", reg.Name, msg)
		}
		return handler(ctx, typed)
	}
	return a, nil
}

// MustActor is NewActor that panics on configuration errors.
func MustActor[T any](reg ActorRegistration[T]) *Actor {
	a, err := NewActor(reg)
	if err != nil {
		panic(err)
	}
	return a
}

func (a *Actor) applyDefaults() error {
	scope := "actor " + a.name
	invalid := func(field, reason string) error {
		return &errorspkg.ConfigValidationError{Scope: scope, Field: field, Reason: reason}
	}

	switch {
	case a.maxJobs < 0:
		return invalid("max_jobs", "cannot be negative")
	case a.maxPolls < 0:
		return invalid("max_polls", "cannot be negative")
	case a.maxAttempts < 0:
		return invalid("max_attempts", "cannot be negative")
	case a.ackWait < 0:
		return invalid("ack_wait", "cannot be negative")
	case a.jobTimeout < 0:
		return invalid("job_timeout", "cannot be negative")
	case a.maxAckPending < 0:
		return invalid("max_ack_pending", "cannot be negative")
	case a.priority < 0:
		return invalid("priority", "cannot be negative")
	}

	if a.maxJobs == 0 {
		a.maxJobs = DefaultMaxJobs
	}
	if a.maxPolls == 0 {
		a.maxPolls = a.maxJobs
	}
	if a.maxPolls < a.maxJobs {
		return invalid("max_polls", fmt.Sprintf("%d is lower than max_jobs %d", a.maxPolls, a.maxJobs))
	}
	if a.ackWait == 0 {
		a.ackWait = DefaultAckWait
	}
	if a.jobTimeout == 0 {
		a.jobTimeout = DefaultJobTimeout
	}
	if a.maxAckPending == 0 {
		a.maxAckPending = max(DefaultMaxAckPending, a.maxPolls)
	}
	if a.maxAckPending < a.maxPolls {
		return invalid("max_ack_pending", fmt.Sprintf("%d is lower than max_polls %d", a.maxAckPending, a.maxPolls))
	}
	if a.priority == 0 {
		a.priority = PriorityNormal
	}
	if a.retryDelay == nil {
		a.retryDelay = DefaultBackoff()
	}
	return nil
}

func (a *Actor) Name() string              { return a.name }
func (a *Actor) Description() string       { return a.description }
func (a *Actor) EventName() string         { return a.event.EventName() }
func (a *Actor) ExecuteIn() ExecuteIn      { return a.executeIn }
func (a *Actor) MaxJobs() int              { return a.maxJobs }
func (a *Actor) MaxPolls() int             { return a.maxPolls }
func (a *Actor) MaxAttempts() int          { return a.maxAttempts }
func (a *Actor) AckWait() time.Duration    { return a.ackWait }
func (a *Actor) JobTimeout() time.Duration { return a.jobTimeout }
func (a *Actor) Priority() Priority        { return a.priority }

// Key is "<event>/<actor>", unique per engine.
func (a *Actor) Key() string { return a.EventName() + "/" + a.name }

// Durable returns the durable consumer name, which is the actor name scoped
// to the event stream. Characters brokers reject in durable names are
// replaced with underscores.
func (a *Actor) Durable() string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', '/', '\\', ' ', '\t':
			return '_'
		}
		return r
	}, a.name)
}

// ConsumerConfig is the durable consumer derived from the actor.
func (a *Actor) ConsumerConfig() broker.ConsumerConfig {
	return broker.ConsumerConfig{
		Stream:        a.EventName(),
		Durable:       a.Durable(),
		Description:   a.description,
		FilterSubject: a.EventName(),
		AckWait:       a.ackWait,
		MaxAckPending: a.maxAckPending,
		Metadata: map[string]string{
			consumerMetaMaxAttempts: fmt.Sprint(a.maxAttempts),
			consumerMetaPriority:    fmt.Sprint(int(a.priority)),
			consumerMetaExecuteIn:   a.executeIn.String(),
		},
	}
}

// WorkerHandler decodes and handles a raw payload. Worker processes serve
// it under Key.
func (a *Actor) WorkerHandler() executor.HandlerFunc {
	return func(ctx context.Context, payload []byte) error {
		msg, err := a.decode(payload)
		if err != nil {
			return err
		}
		return a.invoke(ctx, msg)
	}
}

// retryDelayFor returns the nak delay after attempt failed.
func (a *Actor) retryDelayFor(attempt int) time.Duration {
	return a.retryDelay.Delay(attempt)
}

// exhausted reports whether attempt is the last one allowed.
func (a *Actor) exhausted(attempt int) bool {
	return a.maxAttempts > 0 && attempt >= a.maxAttempts
}
