package runtime

import (
	"context"
	"time"

	loggingpkg "github.com/drblury/actorflow/internal/runtime/logging"
	"github.com/drblury/actorflow/internal/runtime/metadata"
)

// JobContext provides information about a job execution to hooks.
type JobContext struct {
	// Actor and Event name the actor processing the job.
	Actor string
	Event string
	// JobID is unique per handler invocation.
	JobID string
	// MessageID is the publisher-assigned message id.
	MessageID string
	// Headers are the message headers.
	Headers metadata.Metadata
	// Context is the context associated with the job.
	Context context.Context
	// Attempt is 1 for the first delivery.
	Attempt int
	// Duration is how long the job took (only set in OnJobDone and OnJobError).
	Duration time.Duration
	// Kind is the failure kind (only set in OnJobError).
	Kind FailureKind
	// Dropped is set in OnJobError when the message will not be redelivered.
	Dropped bool
}

// JobHooks defines callbacks for job lifecycle events.
// All hooks are optional - nil hooks are simply not called.
type JobHooks struct {
	// OnJobStart is called before the handler is invoked.
	OnJobStart func(ctx JobContext)

	// OnJobDone is called when a handler successfully completes processing.
	OnJobDone func(ctx JobContext)

	// OnJobError is called when a job fails, whatever the failure kind.
	OnJobError func(ctx JobContext, err error)
}

// Merge combines two JobHooks, creating a new JobHooks that calls both.
// The hooks from 'other' are called after the hooks from 'h'.
func (h JobHooks) Merge(other JobHooks) JobHooks {
	return JobHooks{
		OnJobStart: chainHooks(h.OnJobStart, other.OnJobStart),
		OnJobDone:  chainHooks(h.OnJobDone, other.OnJobDone),
		OnJobError: chainErrorHooks(h.OnJobError, other.OnJobError),
	}
}

func chainHooks(a, b func(JobContext)) func(JobContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErrorHooks(a, b func(JobContext, error)) func(JobContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

// HooksMiddleware adapts JobHooks to the Middleware interface.
type HooksMiddleware struct {
	Hooks JobHooks
}

func jobContext(ctx context.Context, c *Context) JobContext {
	return JobContext{
		Actor:     c.Actor.Name(),
		Event:     c.Actor.EventName(),
		JobID:     c.JobID,
		MessageID: c.Metadata.MessageID,
		Headers:   c.Metadata.Headers,
		Context:   ctx,
		Attempt:   c.Metadata.Attempt,
	}
}

func (m HooksMiddleware) OnStart(ctx context.Context, c *Context) error {
	if m.Hooks.OnJobStart != nil {
		m.Hooks.OnJobStart(jobContext(ctx, c))
	}
	return nil
}

func (m HooksMiddleware) OnSuccess(ctx context.Context, c *OkContext) error {
	if m.Hooks.OnJobDone != nil {
		jc := jobContext(ctx, &c.Context)
		jc.Duration = c.Duration
		m.Hooks.OnJobDone(jc)
	}
	return nil
}

func (m HooksMiddleware) OnFailure(ctx context.Context, c *ErrorContext) error {
	if m.Hooks.OnJobError != nil {
		jc := jobContext(ctx, &c.Context)
		jc.Duration = c.Duration
		jc.Kind = c.Kind
		jc.Dropped = !c.Retry
		m.Hooks.OnJobError(jc, c.Err)
	}
	return nil
}

// LoggingHooks returns pre-built hooks that log job lifecycle events.
func LoggingHooks(logger loggingpkg.ServiceLogger) JobHooks {
	return JobHooks{
		OnJobStart: func(ctx JobContext) {
			logger.Info("Job started", loggingpkg.LogFields{
				"actor":      ctx.Actor,
				"event":      ctx.Event,
				"message_id": ctx.MessageID,
				"attempt":    ctx.Attempt,
			})
		},
		OnJobDone: func(ctx JobContext) {
			logger.Info("Job completed", loggingpkg.LogFields{
				"actor":       ctx.Actor,
				"event":       ctx.Event,
				"message_id":  ctx.MessageID,
				"duration_ms": ctx.Duration.Milliseconds(),
			})
		},
		OnJobError: func(ctx JobContext, err error) {
			logger.Error("Job failed", err, loggingpkg.LogFields{
				"actor":       ctx.Actor,
				"event":       ctx.Event,
				"message_id":  ctx.MessageID,
				"duration_ms": ctx.Duration.Milliseconds(),
				"attempt":     ctx.Attempt,
				"kind":        string(ctx.Kind),
				"dropped":     ctx.Dropped,
			})
		},
	}
}

// MetricsHooks returns pre-built hooks that record job metrics.
func MetricsHooks(onStart, onDone, onError func(event, actor string)) JobHooks {
	return JobHooks{
		OnJobStart: func(ctx JobContext) {
			if onStart != nil {
				onStart(ctx.Event, ctx.Actor)
			}
		},
		OnJobDone: func(ctx JobContext) {
			if onDone != nil {
				onDone(ctx.Event, ctx.Actor)
			}
		},
		OnJobError: func(ctx JobContext, err error) {
			if onError != nil {
				onError(ctx.Event, ctx.Actor)
			}
		},
	}
}

// AlertingHooks returns hooks that call alertFunc for messages that are
// dropped after their last attempt.
func AlertingHooks(alertFunc func(ctx JobContext, err error)) JobHooks {
	return JobHooks{
		OnJobError: func(ctx JobContext, err error) {
			if ctx.Dropped {
				alertFunc(ctx, err)
			}
		},
	}
}
