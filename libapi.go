package actorflow

import (
	"context"
	"time"

	"github.com/drblury/actorflow/broker"
	runtimepkg "github.com/drblury/actorflow/internal/runtime"
	clockpkg "github.com/drblury/actorflow/internal/runtime/clock"
	ce "github.com/drblury/actorflow/internal/runtime/cloudevents"
	"github.com/drblury/actorflow/internal/runtime/codec"
	configpkg "github.com/drblury/actorflow/internal/runtime/config"
	"github.com/drblury/actorflow/internal/runtime/decorators"
	errspkg "github.com/drblury/actorflow/internal/runtime/errors"
	"github.com/drblury/actorflow/internal/runtime/executor"
	idspkg "github.com/drblury/actorflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/actorflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/actorflow/internal/runtime/metadata"
	"google.golang.org/protobuf/proto"
)

type (
	Config             = configpkg.Config
	Engine             = runtimepkg.Engine
	EngineDependencies = runtimepkg.EngineDependencies
	EngineStats        = runtimepkg.EngineStats

	Broker         = broker.Broker
	Publisher      = broker.Publisher
	Limits         = broker.Limits
	StreamConfig   = broker.StreamConfig
	ConsumerConfig = broker.ConsumerConfig
	Notifier       = broker.Notifier
	Requester      = broker.Requester
	Notification   = broker.Notification

	Event[T any]             = runtimepkg.Event[T]
	EventDeclaration         = runtimepkg.EventDeclaration
	Events                   = runtimepkg.Events
	EmitOption               = runtimepkg.EmitOption
	Serializer[T any]        = codec.Serializer[T]
	Handler[T any]           = runtimepkg.Handler[T]
	ActorRegistration[T any] = runtimepkg.ActorRegistration[T]
	Actor                    = runtimepkg.Actor
	ExecuteIn                = runtimepkg.ExecuteIn
	Priority                 = runtimepkg.Priority

	BackoffPolicy      = runtimepkg.BackoffPolicy
	BackoffFunc        = runtimepkg.BackoffFunc
	StepBackoff        = runtimepkg.StepBackoff
	ExponentialBackoff = runtimepkg.ExponentialBackoff
	ConstantBackoff    = runtimepkg.ConstantBackoff

	Middleware               = runtimepkg.Middleware
	BaseMiddleware           = runtimepkg.BaseMiddleware
	Context                  = runtimepkg.Context
	OkContext                = runtimepkg.OkContext
	ErrorContext             = runtimepkg.ErrorContext
	MessageMetadata          = runtimepkg.MessageMetadata
	FailureKind              = runtimepkg.FailureKind
	LogMiddleware            = runtimepkg.LogMiddleware
	TracerMiddleware         = runtimepkg.TracerMiddleware
	PrometheusMiddleware     = runtimepkg.PrometheusMiddleware
	ErrorThresholdConfig     = runtimepkg.ErrorThresholdConfig
	ErrorThresholdMiddleware = runtimepkg.ErrorThresholdMiddleware
	FrequencyConfig          = runtimepkg.FrequencyConfig
	FrequencyMode            = runtimepkg.FrequencyMode
	FrequencyMiddleware      = runtimepkg.FrequencyMiddleware
	DeadLetterMiddleware     = runtimepkg.DeadLetterMiddleware
	ReplayOptions            = runtimepkg.ReplayOptions

	// Job lifecycle hooks
	JobContext      = runtimepkg.JobContext
	JobHooks        = runtimepkg.JobHooks
	HooksMiddleware = runtimepkg.HooksMiddleware

	// Stats
	ActorInfo           = runtimepkg.ActorInfo
	ActorStats          = runtimepkg.ActorStats
	LatencyMetrics      = runtimepkg.LatencyMetrics
	ThroughputMetrics   = runtimepkg.ThroughputMetrics
	ErrorBreakdown      = runtimepkg.ErrorBreakdown
	ResourceUsage       = runtimepkg.ResourceUsage
	DropMetrics         = runtimepkg.DropMetrics
	DropMetricsSnapshot = runtimepkg.DropMetricsSnapshot

	Clock       = clockpkg.Clock
	ClockOption = clockpkg.Option
	TimePattern = decorators.TimePattern

	CloudEventAttributes = ce.Attributes
	Metadata             = metadatapkg.Metadata

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	ConfigValidationError = errspkg.ConfigValidationError
	TimeoutError          = errspkg.TimeoutError
	InfrastructureError   = errspkg.InfrastructureError
	PanicError            = errspkg.PanicError
	MiddlewareError       = errspkg.MiddlewareError
	WorkerCrashError      = errspkg.WorkerCrashError
)

const (
	ExecuteInline  = runtimepkg.ExecuteInline
	ExecuteThread  = runtimepkg.ExecuteThread
	ExecuteProcess = runtimepkg.ExecuteProcess

	PriorityLow    = runtimepkg.PriorityLow
	PriorityNormal = runtimepkg.PriorityNormal
	PriorityHigh   = runtimepkg.PriorityHigh

	FrequencyDelay = runtimepkg.FrequencyDelay
	FrequencyDrop  = runtimepkg.FrequencyDrop

	FailureHandler        = runtimepkg.FailureHandler
	FailureTimeout        = runtimepkg.FailureTimeout
	FailurePanic          = runtimepkg.FailurePanic
	FailureDecode         = runtimepkg.FailureDecode
	FailureMiddleware     = runtimepkg.FailureMiddleware
	FailureInfrastructure = runtimepkg.FailureInfrastructure
	FailureShutdown       = runtimepkg.FailureShutdown

	DefaultRequestTimeout = runtimepkg.DefaultRequestTimeout
)

var (
	NewEngine      = runtimepkg.NewEngine
	NewEvents      = runtimepkg.NewEvents
	LoadConfig     = configpkg.Load
	DefaultConfig  = configpkg.Default
	ValidateConfig = configpkg.ValidateConfig

	WithMessageID  = runtimepkg.WithMessageID
	WithTraceID    = runtimepkg.WithTraceID
	WithMeta       = runtimepkg.WithMeta
	WithCloudEvent = runtimepkg.WithCloudEvent
	NewCloudEvent  = ce.New

	DefaultBackoff = runtimepkg.DefaultBackoff
	ContextFrom    = runtimepkg.ContextFrom

	NewPrometheusMiddleware     = runtimepkg.NewPrometheusMiddleware
	NewErrorThresholdMiddleware = runtimepkg.NewErrorThresholdMiddleware
	NewFrequencyMiddleware      = runtimepkg.NewFrequencyMiddleware
	NewDropMetrics              = runtimepkg.NewDropMetrics
	ReplayDeadLetters           = runtimepkg.ReplayDeadLetters

	// Job lifecycle hooks
	LoggingHooks  = runtimepkg.LoggingHooks
	MetricsHooks  = runtimepkg.MetricsHooks
	AlertingHooks = runtimepkg.AlertingHooks

	// Clock
	MinutePassed    = clockpkg.MinutePassed
	WithClockOrigin = clockpkg.WithOrigin
	WithClockMeta   = clockpkg.WithMeta
	WithClockLogger = clockpkg.WithLogger
	WithClockBurst  = clockpkg.WithBurst
	Every           = decorators.Every

	// Serializers
	StringSerializer = codec.String
	BytesSerializer  = codec.Bytes
	TimeSerializer   = codec.Time
	Marshal          = codec.Marshal
	Unmarshal        = codec.Unmarshal

	NewMetadata             = metadatapkg.New
	CreateULID              = idspkg.CreateULID
	NewSlogServiceLogger    = loggingpkg.NewSlogServiceLogger
	NewZerologServiceLogger = loggingpkg.NewZerologServiceLogger
	NewDiscardLogger        = loggingpkg.NewDiscardLogger
	IsWorker                = executor.IsWorker

	ErrActorNameRequired  = errspkg.ErrActorNameRequired
	ErrEventRequired      = errspkg.ErrEventRequired
	ErrEventNameRequired  = errspkg.ErrEventNameRequired
	ErrSerializerRequired = errspkg.ErrSerializerRequired
	ErrHandlerRequired    = errspkg.ErrHandlerRequired
	ErrExecuteInRequired  = errspkg.ErrExecuteInRequired
	ErrInvalidLimits      = errspkg.ErrInvalidLimits
	ErrDuplicateActor     = errspkg.ErrDuplicateActor
	ErrConflictingEvent   = errspkg.ErrConflictingEvent
	ErrBrokerRequired     = errspkg.ErrBrokerRequired
	ErrPublisherRequired  = errspkg.ErrPublisherRequired
	ErrLoggerRequired     = errspkg.ErrLoggerRequired
	ErrConfigRequired     = errspkg.ErrConfigRequired
	ErrCircuitOpen        = errspkg.ErrCircuitOpen
	ErrThrottled          = errspkg.ErrThrottled
	ErrShuttingDown       = errspkg.ErrShuttingDown
	ErrRequestTimeout     = errspkg.ErrRequestTimeout
	ErrNotifierRequired   = errspkg.ErrNotifierRequired
	IsTimeout             = errspkg.IsTimeout
	IsInfrastructure      = errspkg.IsInfrastructure
)

func NewActor[T any](reg ActorRegistration[T]) (*Actor, error) {
	return runtimepkg.NewActor(reg)
}

func MustActor[T any](reg ActorRegistration[T]) *Actor {
	return runtimepkg.MustActor(reg)
}

// Emit encodes value with the event serializer and publishes it.
func Emit[T any](ctx context.Context, pub Publisher, event Event[T], value T, opts ...EmitOption) error {
	return runtimepkg.Emit(ctx, pub, event, value, opts...)
}

// Request emits value and waits for the reply of an actor built with Reply.
func Request[T, R any](ctx context.Context, b Requester, event Event[T], value T, response Serializer[R], opts ...EmitOption) (R, error) {
	return runtimepkg.Request(ctx, b, event, value, response, opts...)
}

// Reply turns a handler returning a result into an actor handler that
// answers Request.
func Reply[T, R any](response Serializer[R], h func(context.Context, T) (R, error)) Handler[T] {
	return runtimepkg.Reply(response, h)
}

func JSONSerializer[T any]() Serializer[T] {
	return codec.JSON[T]()
}

func ProtoSerializer[T proto.Message](prototype T) Serializer[T] {
	return codec.Proto(prototype)
}

func ProtoJSONSerializer[T proto.Message](prototype T) Serializer[T] {
	return codec.ProtoJSON(prototype)
}

// NewClock returns a clock publishing event every period. A zero event
// selects MinutePassed.
func NewClock(event Event[time.Time], period time.Duration, opts ...ClockOption) (*Clock, error) {
	return clockpkg.New(event, period, opts...)
}

// RateLimit lets at most n calls of h start per period.
func RateLimit[T any](h Handler[T], n int, period time.Duration) (Handler[T], error) {
	return decorators.RateLimit(h, n, period)
}

// Suppress acks messages whose handler error matches one of targets.
func Suppress[T any](h Handler[T], logger ServiceLogger, targets ...error) Handler[T] {
	return decorators.Suppress(h, logger, targets...)
}

// Require delays h until predicate reports true.
func Require[T any](h Handler[T], predicate func() bool, pause time.Duration) Handler[T] {
	return decorators.Require(h, predicate, pause)
}

// FilterTime runs h only for clock ticks matching pattern.
func FilterTime(h Handler[time.Time], pattern TimePattern) Handler[time.Time] {
	return decorators.FilterTime(h, pattern)
}
