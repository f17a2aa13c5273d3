package runtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/drblury/actorflow/broker/memory"
	"github.com/drblury/actorflow/internal/runtime/codec"
	configpkg "github.com/drblury/actorflow/internal/runtime/config"
	loggingpkg "github.com/drblury/actorflow/internal/runtime/logging"
)

type order struct {
	ID int `json:"id"`
}

var orders = Event[order]{Name: "orders", Serializer: codec.JSON[order]()}

func testConfig() *configpkg.Config {
	conf := configpkg.Default()
	conf.PollDelay = 20 * time.Millisecond
	conf.ShutdownGrace = time.Second
	return &conf
}

func fastRetry() BackoffPolicy { return ConstantBackoff(time.Millisecond) }

func newTestEngine(t *testing.T, conf *configpkg.Config, actors ...*Actor) (*Engine, *memory.Broker) {
	t.Helper()
	if conf == nil {
		conf = testConfig()
	}
	b := memory.New()
	e, err := NewEngine(conf, loggingpkg.NewDiscardLogger(), b, EngineDependencies{
		Registerer: prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	require.NoError(t, e.Add(actors...))
	require.NoError(t, e.Register(context.Background()))
	t.Cleanup(func() { _ = e.Close() })
	return e, b
}

// listen runs the engine in the background. The returned func stops it and
// waits for Listen to return.
func listen(t *testing.T, e *Engine) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Listen(ctx) }()

	var once sync.Once
	stop = func() {
		once.Do(func() {
			cancel()
			select {
			case err := <-done:
				require.NoError(t, err)
			case <-time.After(5 * time.Second):
				t.Fatal("engine did not stop")
			}
		})
	}
	t.Cleanup(stop)
	return stop
}

func emitOrders(t *testing.T, b *memory.Broker, ids ...int) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, Emit(context.Background(), b, orders, order{ID: id}))
	}
}

// concurrency tracks the highest number of overlapping calls.
type concurrency struct {
	current atomic.Int32
	peak    atomic.Int32
}

func (c *concurrency) enter() {
	n := c.current.Add(1)
	for {
		peak := c.peak.Load()
		if n <= peak || c.peak.CompareAndSwap(peak, n) {
			return
		}
	}
}

func (c *concurrency) leave() { c.current.Add(-1) }

// failureRecorder is a middleware that keeps every OnFailure context.
type failureRecorder struct {
	BaseMiddleware
	mu       sync.Mutex
	failures []ErrorContext
}

func (r *failureRecorder) OnFailure(_ context.Context, c *ErrorContext) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, *c)
	return nil
}

func (r *failureRecorder) all() []ErrorContext {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ErrorContext(nil), r.failures...)
}

var errBoom = errors.New("boom")
