package runtime

import (
	"context"
	"time"

	"github.com/drblury/actorflow/internal/runtime/cloudevents"
	"github.com/drblury/actorflow/internal/runtime/metadata"
)

// FailureKind classifies why a job failed.
type FailureKind string

const (
	FailureHandler        FailureKind = "handler"
	FailureTimeout        FailureKind = "timeout"
	FailurePanic          FailureKind = "panic"
	FailureDecode         FailureKind = "decode"
	FailureMiddleware     FailureKind = "middleware"
	FailureInfrastructure FailureKind = "infrastructure"
	FailureShutdown       FailureKind = "shutdown"
)

// consumesAttempt reports whether a failure of this kind counts against
// MaxAttempts. Failures that happened before the handler ran do not.
func (k FailureKind) consumesAttempt() bool {
	return k != FailureInfrastructure && k != FailureShutdown
}

// MessageMetadata is the broker metadata of the delivery being handled.
type MessageMetadata struct {
	MessageID string
	Sequence  uint64
	// Attempt is 1 for the first delivery.
	Attempt   int
	Timestamp time.Time
	TraceID   string
	Headers   metadata.Metadata
}

// CloudEvent returns the CloudEvents attributes carried by the message, if any.
func (m MessageMetadata) CloudEvent() (cloudevents.Attributes, bool) {
	attrs, ok, err := cloudevents.FromHeaders(m.Headers)
	if err != nil {
		return cloudevents.Attributes{}, false
	}
	return attrs, ok
}

// Context is the snapshot of one handler invocation shared with middleware.
// It must be treated as read-only.
type Context struct {
	Actor *Actor
	// Message is the decoded payload, nil if decoding failed.
	Message  any
	Payload  []byte
	Metadata MessageMetadata
	JobID    string
}

// OkContext is passed to OnSuccess.
type OkContext struct {
	Context
	Duration time.Duration
}

// ErrorContext is passed to OnFailure. Retry and Delay hold the decision
// the runtime is about to apply: a nak after Delay, or a terminal ack.
type ErrorContext struct {
	Context
	Err      error
	Kind     FailureKind
	Retry    bool
	Delay    time.Duration
	Duration time.Duration
}

type contextKey struct{}

// ContextFrom returns the invocation Context inside a handler running inline
// or on a thread.
func ContextFrom(ctx context.Context) (*Context, bool) {
	c, ok := ctx.Value(contextKey{}).(*Context)
	return c, ok
}

func withContext(ctx context.Context, c *Context) context.Context {
	return context.WithValue(ctx, contextKey{}, c)
}
