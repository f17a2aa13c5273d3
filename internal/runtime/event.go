package runtime

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/drblury/actorflow/broker"
	"github.com/drblury/actorflow/internal/runtime/cloudevents"
	"github.com/drblury/actorflow/internal/runtime/codec"
	errorspkg "github.com/drblury/actorflow/internal/runtime/errors"
	idspkg "github.com/drblury/actorflow/internal/runtime/ids"
	"github.com/drblury/actorflow/internal/runtime/metadata"
)

// Event declares a named stream of typed messages. The name doubles as the
// subject messages are published to and as the stream name.
type Event[T any] struct {
	Name        string
	Description string
	Serializer  codec.Serializer[T]
	Limits      broker.Limits
}

// EventDeclaration is the type-erased view of an Event used by registries.
type EventDeclaration interface {
	EventName() string
	Stream(replicas int) broker.StreamConfig
	Validate() error
}

var _ EventDeclaration = Event[string]{}

func (e Event[T]) EventName() string { return e.Name }

// Validate reports configuration errors of the declaration.
func (e Event[T]) Validate() error {
	if e.Name == "" {
		return errorspkg.ErrEventNameRequired
	}
	if e.Serializer == nil {
		return fmt.Errorf("event %s: %w", e.Name, errorspkg.ErrSerializerRequired)
	}
	if err := e.Limits.Validate(); err != nil {
		return &errorspkg.ConfigValidationError{Scope: "event " + e.Name, Field: "limits", Reason: err.Error()}
	}
	return nil
}

// Stream returns the broker stream backing the event.
func (e Event[T]) Stream(replicas int) broker.StreamConfig {
	return broker.StreamConfig{
		Name:            e.Name,
		Subjects:        []string{e.Name},
		Description:     e.Description,
		Limits:          e.Limits,
		Replicas:        replicas,
		DuplicateWindow: broker.DefaultDuplicateWindow,
	}
}

// Encode serializes a value with the event serializer.
func (e Event[T]) Encode(v T) ([]byte, error) {
	data, err := e.Serializer.Encode(v)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", e.Name, err)
	}
	return data, nil
}

// Decode deserializes a payload with the event serializer.
func (e Event[T]) Decode(data []byte) (T, error) {
	v, err := e.Serializer.Decode(data)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("decode %s: %w", e.Name, err)
	}
	return v, nil
}

// Events is a producer-side registry of event declarations.
type Events struct {
	mu     sync.RWMutex
	events map[string]EventDeclaration
}

// NewEvents validates and collects declarations. Declaring the same name
// twice is allowed only with identical stream settings.
func NewEvents(events ...EventDeclaration) (*Events, error) {
	r := &Events{events: make(map[string]EventDeclaration, len(events))}
	for _, e := range events {
		if err := r.Add(e); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Add registers one more declaration.
func (r *Events) Add(e EventDeclaration) error {
	if e == nil {
		return errorspkg.ErrEventRequired
	}
	if err := e.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.events[e.EventName()]; ok {
		if !sameStream(existing.Stream(1), e.Stream(1)) {
			return fmt.Errorf("%w: %s", errorspkg.ErrConflictingEvent, e.EventName())
		}
		return nil
	}
	r.events[e.EventName()] = e
	return nil
}

func sameStream(a, b broker.StreamConfig) bool {
	return a.Name == b.Name && a.Limits == b.Limits && a.Description == b.Description &&
		slices.Equal(a.Subjects, b.Subjects)
}

// Names returns the registered event names, sorted.
func (r *Events) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.events))
	for name := range r.events {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Register ensures a stream for every event. Safe to call from several
// processes at once; limits already widened on the broker are kept.
func (r *Events) Register(ctx context.Context, b broker.Broker, replicas int) error {
	if b == nil {
		return errorspkg.ErrBrokerRequired
	}
	r.mu.RLock()
	events := make([]EventDeclaration, 0, len(r.events))
	for _, e := range r.events {
		events = append(events, e)
	}
	r.mu.RUnlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, e := range events {
		g.Go(func() error {
			if err := b.EnsureStream(ctx, e.Stream(replicas)); err != nil {
				return &errorspkg.InfrastructureError{Op: "ensure stream " + e.EventName(), Err: err}
			}
			return nil
		})
	}
	return g.Wait()
}

// EmitOption customises a single Emit call.
type EmitOption func(*emitOptions)

type emitOptions struct {
	messageID string
	traceID   string
	meta      metadata.Metadata
	cloud     *cloudevents.Attributes
}

// WithMessageID sets the deduplication id. Messages with the same id
// published within the stream duplicate window are stored once.
func WithMessageID(id string) EmitOption {
	return func(o *emitOptions) { o.messageID = id }
}

// WithTraceID propagates a trace id to consumers.
func WithTraceID(id string) EmitOption {
	return func(o *emitOptions) { o.traceID = id }
}

// WithMeta adds custom headers.
func WithMeta(meta metadata.Metadata) EmitOption {
	return func(o *emitOptions) { o.meta = o.meta.WithAll(meta) }
}

// WithCloudEvent attaches CloudEvents attributes as ce- headers.
func WithCloudEvent(attrs cloudevents.Attributes) EmitOption {
	return func(o *emitOptions) { o.cloud = &attrs }
}

// Emit encodes value and publishes it on the event subject.
func Emit[T any](ctx context.Context, pub broker.Publisher, event Event[T], value T, opts ...EmitOption) error {
	if pub == nil {
		return errorspkg.ErrPublisherRequired
	}
	if err := event.Validate(); err != nil {
		return err
	}
	var o emitOptions
	for _, opt := range opts {
		opt(&o)
	}

	data, err := event.Encode(value)
	if err != nil {
		return err
	}

	headers := o.meta.Clone()
	if o.cloud != nil {
		if err := o.cloud.Validate(); err != nil {
			return err
		}
		headers = headers.WithAll(o.cloud.Headers())
	}
	if o.messageID == "" {
		o.messageID = idspkg.CreateULID()
	}
	headers[metadata.HeaderMessageID] = o.messageID
	headers[metadata.HeaderEmittedAt] = time.Now().UTC().Format(time.RFC3339Nano)
	if o.traceID != "" {
		headers[metadata.HeaderTraceID] = o.traceID
	}

	if err := pub.Publish(ctx, event.Name, data, headers); err != nil {
		return fmt.Errorf("emit %s: %w", event.Name, err)
	}
	return nil
}
