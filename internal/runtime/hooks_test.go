package runtime

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	loggingpkg "github.com/drblury/actorflow/internal/runtime/logging"
	"github.com/drblury/actorflow/internal/runtime/metadata"
)

func hookJob() *Context {
	return &Context{
		Actor: testActor,
		JobID: "job-1",
		Metadata: MessageMetadata{
			MessageID: "msg-1",
			Attempt:   2,
			Headers:   metadata.New("tenant", "acme"),
		},
	}
}

func TestHooksMiddleware_OnJobStart(t *testing.T) {
	var captured JobContext
	mw := HooksMiddleware{Hooks: JobHooks{OnJobStart: func(jc JobContext) { captured = jc }}}

	require.NoError(t, mw.OnStart(context.Background(), hookJob()))
	assert.Equal(t, "billing", captured.Actor)
	assert.Equal(t, "orders", captured.Event)
	assert.Equal(t, "job-1", captured.JobID)
	assert.Equal(t, "msg-1", captured.MessageID)
	assert.Equal(t, 2, captured.Attempt)
	assert.Equal(t, "acme", captured.Headers.Get("tenant"))
	assert.NotNil(t, captured.Context)
}

func TestHooksMiddleware_OnJobDone(t *testing.T) {
	var captured JobContext
	mw := HooksMiddleware{Hooks: JobHooks{OnJobDone: func(jc JobContext) { captured = jc }}}

	require.NoError(t, mw.OnSuccess(context.Background(), &OkContext{Context: *hookJob(), Duration: 5 * time.Millisecond}))
	assert.Equal(t, 5*time.Millisecond, captured.Duration)
}

func TestHooksMiddleware_OnJobError(t *testing.T) {
	var captured JobContext
	var capturedErr error
	mw := HooksMiddleware{Hooks: JobHooks{OnJobError: func(jc JobContext, err error) {
		captured, capturedErr = jc, err
	}}}

	require.NoError(t, mw.OnFailure(context.Background(), &ErrorContext{
		Context: *hookJob(), Err: errBoom, Kind: FailureTimeout, Retry: false, Duration: time.Second,
	}))
	assert.ErrorIs(t, capturedErr, errBoom)
	assert.Equal(t, FailureTimeout, captured.Kind)
	assert.True(t, captured.Dropped)
	assert.Equal(t, time.Second, captured.Duration)
}

func TestHooksMiddleware_NilHooks(t *testing.T) {
	mw := HooksMiddleware{}
	ctx := context.Background()
	assert.NoError(t, mw.OnStart(ctx, hookJob()))
	assert.NoError(t, mw.OnSuccess(ctx, &OkContext{Context: *hookJob()}))
	assert.NoError(t, mw.OnFailure(ctx, &ErrorContext{Context: *hookJob(), Err: errBoom}))
}

func TestJobHooks_Merge(t *testing.T) {
	var calls []string
	first := JobHooks{
		OnJobStart: func(JobContext) { calls = append(calls, "first.start") },
		OnJobError: func(JobContext, error) { calls = append(calls, "first.error") },
	}
	second := JobHooks{
		OnJobStart: func(JobContext) { calls = append(calls, "second.start") },
		OnJobDone:  func(JobContext) { calls = append(calls, "second.done") },
	}

	merged := first.Merge(second)
	merged.OnJobStart(JobContext{})
	merged.OnJobDone(JobContext{})
	merged.OnJobError(JobContext{}, errBoom)

	assert.Equal(t, []string{"first.start", "second.start", "second.done", "first.error"}, calls)
	assert.Nil(t, JobHooks{}.Merge(JobHooks{}).OnJobDone)
}

func TestLoggingHooks(t *testing.T) {
	var buf bytes.Buffer
	logger := loggingpkg.NewZerologServiceLogger(zerolog.New(&buf))
	mw := HooksMiddleware{Hooks: LoggingHooks(logger)}
	ctx := context.Background()

	require.NoError(t, mw.OnStart(ctx, hookJob()))
	require.NoError(t, mw.OnSuccess(ctx, &OkContext{Context: *hookJob()}))
	require.NoError(t, mw.OnFailure(ctx, &ErrorContext{Context: *hookJob(), Err: errBoom, Kind: FailureHandler, Retry: true}))

	out := buf.String()
	assert.Contains(t, out, "Job started")
	assert.Contains(t, out, "Job completed")
	assert.Contains(t, out, "Job failed")
	assert.Contains(t, out, `"kind":"handler"`)
}

func TestMetricsHooks(t *testing.T) {
	var started, done, failed []string
	hooks := MetricsHooks(
		func(event, actor string) { started = append(started, event+"/"+actor) },
		func(event, actor string) { done = append(done, event+"/"+actor) },
		func(event, actor string) { failed = append(failed, event+"/"+actor) },
	)
	jc := JobContext{Event: "orders", Actor: "billing"}
	hooks.OnJobStart(jc)
	hooks.OnJobDone(jc)
	hooks.OnJobError(jc, errBoom)

	assert.Equal(t, []string{"orders/billing"}, started)
	assert.Equal(t, []string{"orders/billing"}, done)
	assert.Equal(t, []string{"orders/billing"}, failed)

	assert.NotPanics(t, func() { MetricsHooks(nil, nil, nil).OnJobError(jc, errBoom) })
}

func TestAlertingHooks(t *testing.T) {
	var alerts int
	hooks := AlertingHooks(func(JobContext, error) { alerts++ })

	hooks.OnJobError(JobContext{Dropped: false}, errBoom)
	hooks.OnJobError(JobContext{Dropped: true}, errBoom)
	assert.Equal(t, 1, alerts)
	assert.Nil(t, hooks.OnJobStart)
}
