package runtime

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	errorspkg "github.com/drblury/actorflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/actorflow/internal/runtime/logging"
)

// Middleware observes every handler call of the actors it is attached to.
//
// OnStart runs before the handler, in declaration order. An error or panic
// from OnStart stops the chain and fails the job without calling the
// handler. OnSuccess or OnFailure then run for every middleware in reverse
// order. Their errors and panics are logged and never change whether the
// message is acked or retried.
//
// Implementations are shared by concurrent jobs and must synchronise their
// own state.
type Middleware interface {
	OnStart(ctx context.Context, c *Context) error
	OnSuccess(ctx context.Context, c *OkContext) error
	OnFailure(ctx context.Context, c *ErrorContext) error
}

// BaseMiddleware implements every hook as a no-op. Embed it to implement
// only the hooks you need.
type BaseMiddleware struct{}

func (BaseMiddleware) OnStart(context.Context, *Context) error        { return nil }
func (BaseMiddleware) OnSuccess(context.Context, *OkContext) error    { return nil }
func (BaseMiddleware) OnFailure(context.Context, *ErrorContext) error { return nil }

type middlewareChain struct {
	middlewares []Middleware
	logger      loggingpkg.ServiceLogger
}

func middlewareName(mw Middleware) string {
	return fmt.Sprintf("%T", mw)
}

// start runs the pre hooks and returns a MiddlewareError for the first one
// that rejects the job.
func (c middlewareChain) start(ctx context.Context, jc *Context) error {
	for _, mw := range c.middlewares {
		if err := guard(func() error { return mw.OnStart(ctx, jc) }); err != nil {
			return &errorspkg.MiddlewareError{Middleware: middlewareName(mw), Err: err}
		}
	}
	return nil
}

func (c middlewareChain) success(ctx context.Context, oc *OkContext) {
	for i := len(c.middlewares) - 1; i >= 0; i-- {
		mw := c.middlewares[i]
		if err := guard(func() error { return mw.OnSuccess(ctx, oc) }); err != nil {
			c.report(mw, i, "on_success", err, &oc.Context)
		}
	}
}

func (c middlewareChain) failure(ctx context.Context, ec *ErrorContext) {
	for i := len(c.middlewares) - 1; i >= 0; i-- {
		mw := c.middlewares[i]
		if err := guard(func() error { return mw.OnFailure(ctx, ec) }); err != nil {
			c.report(mw, i, "on_failure", err, &ec.Context)
		}
	}
}

func (c middlewareChain) report(mw Middleware, index int, hook string, err error, jc *Context) {
	c.logger.Error("Middleware failed", err, loggingpkg.LogFields{
		"middleware": middlewareName(mw),
		"index":      index,
		"hook":       hook,
		"actor":      jc.Actor.Name(),
		"event":      jc.Actor.EventName(),
		"job_id":     jc.JobID,
	})
}

func guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &errorspkg.PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return fn()
}

// LogMiddleware logs the lifecycle of every job.
type LogMiddleware struct {
	Logger loggingpkg.ServiceLogger
}

func (m LogMiddleware) fields(c *Context) loggingpkg.LogFields {
	return loggingpkg.LogFields{
		"actor":      c.Actor.Name(),
		"event":      c.Actor.EventName(),
		"job_id":     c.JobID,
		"message_id": c.Metadata.MessageID,
		"sequence":   c.Metadata.Sequence,
		"attempt":    c.Metadata.Attempt,
	}
}

func (m LogMiddleware) OnStart(_ context.Context, c *Context) error {
	m.Logger.Debug("Job started", m.fields(c))
	return nil
}

func (m LogMiddleware) OnSuccess(_ context.Context, c *OkContext) error {
	fields := m.fields(&c.Context)
	fields["duration_ms"] = c.Duration.Milliseconds()
	m.Logger.Info("Job completed", fields)
	return nil
}

func (m LogMiddleware) OnFailure(_ context.Context, c *ErrorContext) error {
	fields := m.fields(&c.Context)
	fields["kind"] = string(c.Kind)
	fields["retry"] = c.Retry
	fields["delay"] = c.Delay.String()
	m.Logger.Error("Job failed", c.Err, fields)
	return nil
}

// TracerMiddleware wraps every job in an OpenTelemetry span.
type TracerMiddleware struct {
	// Tracer defaults to the global "actorflow" tracer.
	Tracer trace.Tracer

	spans sync.Map
}

func (m *TracerMiddleware) tracer() trace.Tracer {
	if m.Tracer != nil {
		return m.Tracer
	}
	return otel.Tracer("actorflow")
}

func (m *TracerMiddleware) OnStart(ctx context.Context, c *Context) error {
	_, span := m.tracer().Start(ctx, c.Actor.Key(),
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("actorflow.actor", c.Actor.Name()),
			attribute.String("actorflow.event", c.Actor.EventName()),
			attribute.String("actorflow.job_id", c.JobID),
			attribute.String("actorflow.message_id", c.Metadata.MessageID),
			attribute.String("actorflow.trace_id", c.Metadata.TraceID),
			attribute.Int64("actorflow.sequence", int64(c.Metadata.Sequence)),
			attribute.Int("actorflow.attempt", c.Metadata.Attempt),
		),
	)
	m.spans.Store(c.JobID, span)
	return nil
}

func (m *TracerMiddleware) OnSuccess(_ context.Context, c *OkContext) error {
	if span, ok := m.spans.LoadAndDelete(c.JobID); ok {
		span.(trace.Span).SetStatus(codes.Ok, "")
		span.(trace.Span).End()
	}
	return nil
}

func (m *TracerMiddleware) OnFailure(_ context.Context, c *ErrorContext) error {
	if span, ok := m.spans.LoadAndDelete(c.JobID); ok {
		s := span.(trace.Span)
		s.RecordError(c.Err)
		s.SetAttributes(
			attribute.String("actorflow.failure_kind", string(c.Kind)),
			attribute.Bool("actorflow.retry", c.Retry),
		)
		s.SetStatus(codes.Error, c.Err.Error())
		s.End()
	}
	return nil
}
