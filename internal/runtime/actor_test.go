package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errorspkg "github.com/drblury/actorflow/internal/runtime/errors"
)

func accept(context.Context, order) error { return nil }

func TestNewActorDefaults(t *testing.T) {
	a, err := NewActor(ActorRegistration[order]{Name: "billing", Event: orders, Handler: accept, ExecuteIn: ExecuteInline})
	require.NoError(t, err)

	assert.Equal(t, "orders/billing", a.Key())
	assert.Equal(t, DefaultMaxJobs, a.MaxJobs())
	assert.Equal(t, DefaultMaxJobs, a.MaxPolls())
	assert.Zero(t, a.MaxAttempts())
	assert.Equal(t, DefaultAckWait, a.AckWait())
	assert.Equal(t, DefaultJobTimeout, a.JobTimeout())
	assert.Equal(t, PriorityNormal, a.Priority())
	assert.Equal(t, time.Second, a.retryDelayFor(1))
	assert.Equal(t, DefaultMaxAckPending, a.ConsumerConfig().MaxAckPending)
	assert.True(t, a.pulse)
}

func TestNewActorValidation(t *testing.T) {
	tests := []struct {
		name string
		reg  ActorRegistration[order]
		want error
	}{
		{"missing name", ActorRegistration[order]{Event: orders, Handler: accept, ExecuteIn: ExecuteInline}, errorspkg.ErrActorNameRequired},
		{"missing event", ActorRegistration[order]{Name: "a", Handler: accept, ExecuteIn: ExecuteInline}, errorspkg.ErrEventNameRequired},
		{"missing handler", ActorRegistration[order]{Name: "a", Event: orders, ExecuteIn: ExecuteInline}, errorspkg.ErrHandlerRequired},
		{"missing execute_in", ActorRegistration[order]{Name: "a", Event: orders, Handler: accept}, errorspkg.ErrExecuteInRequired},
		{"negative jobs", ActorRegistration[order]{Name: "a", Event: orders, Handler: accept, ExecuteIn: ExecuteInline, MaxJobs: -1}, errorspkg.ErrInvalidLimits},
		{"polls below jobs", ActorRegistration[order]{Name: "a", Event: orders, Handler: accept, ExecuteIn: ExecuteInline, MaxJobs: 4, MaxPolls: 2}, errorspkg.ErrInvalidLimits},
		{"ack pending below polls", ActorRegistration[order]{Name: "a", Event: orders, Handler: accept, ExecuteIn: ExecuteInline, MaxPolls: 20, MaxAckPending: 10}, errorspkg.ErrInvalidLimits},
		{"negative timeout", ActorRegistration[order]{Name: "a", Event: orders, Handler: accept, ExecuteIn: ExecuteInline, JobTimeout: -time.Second}, errorspkg.ErrInvalidLimits},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewActor(tt.reg)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	assert.Panics(t, func() { MustActor(ActorRegistration[order]{}) })
}

func TestActorLimitsAndConsumer(t *testing.T) {
	a := MustActor(ActorRegistration[order]{
		Name:          "bill.ing/eu",
		Event:         orders,
		Handler:       accept,
		ExecuteIn:     ExecuteProcess,
		MaxJobs:       2,
		MaxPolls:      8,
		MaxAttempts:   5,
		AckWait:       time.Minute,
		MaxAckPending: 2000,
		Priority:      PriorityLow,
		RetryDelay:    ConstantBackoff(time.Second),
	})

	assert.Equal(t, "bill_ing_eu", a.Durable())
	cc := a.ConsumerConfig()
	assert.Equal(t, "orders", cc.Stream)
	assert.Equal(t, "orders", cc.FilterSubject)
	assert.Equal(t, time.Minute, cc.AckWait)
	assert.Equal(t, 2000, cc.MaxAckPending)
	assert.Equal(t, "process", cc.Metadata["actorflow_execute_in"])
	assert.Equal(t, "1", cc.Metadata["actorflow_priority"])

	assert.False(t, a.exhausted(4))
	assert.True(t, a.exhausted(5))
	unlimited := MustActor(ActorRegistration[order]{Name: "a", Event: orders, Handler: accept, ExecuteIn: ExecuteInline})
	assert.False(t, unlimited.exhausted(1_000))
}

func TestActorWorkerHandler(t *testing.T) {
	var got order
	a := MustActor(ActorRegistration[order]{
		Name:      "billing",
		Event:     orders,
		ExecuteIn: ExecuteProcess,
		Handler: func(_ context.Context, o order) error {
			got = o
			return nil
		},
	})
	handler := a.WorkerHandler()
	require.NoError(t, handler(context.Background(), []byte(`{"id":42}`)))
	assert.Equal(t, order{ID: 42}, got)
	assert.Error(t, handler(context.Background(), []byte("not json")))
}
