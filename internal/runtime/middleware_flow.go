package runtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	errorspkg "github.com/drblury/actorflow/internal/runtime/errors"
)

// wrapped forwards hooks to an inner middleware for the jobs the wrapper
// admitted.
type wrapped struct {
	inner    Middleware
	admitted sync.Map
}

func (w *wrapped) start(ctx context.Context, c *Context) error {
	if w.inner == nil {
		return nil
	}
	w.admitted.Store(c.JobID, struct{}{})
	return w.inner.OnStart(ctx, c)
}

func (w *wrapped) success(ctx context.Context, c *OkContext) error {
	if w.inner == nil {
		return nil
	}
	if _, ok := w.admitted.LoadAndDelete(c.JobID); !ok {
		return nil
	}
	return w.inner.OnSuccess(ctx, c)
}

func (w *wrapped) failure(ctx context.Context, c *ErrorContext) error {
	if w.inner == nil {
		return nil
	}
	if _, ok := w.admitted.LoadAndDelete(c.JobID); !ok {
		return nil
	}
	return w.inner.OnFailure(ctx, c)
}

// ErrorThresholdConfig configures an ErrorThresholdMiddleware.
type ErrorThresholdConfig struct {
	// Name labels the breaker in state change callbacks.
	Name string
	// Threshold is the number of consecutive failures that opens the circuit.
	Threshold int
	// Window restarts the failure streak when its first failure is older
	// than Window. Zero keeps counting until a success.
	Window time.Duration
	// Cooldown is how long the circuit stays open before a trial job is let through.
	Cooldown time.Duration
	// Inner receives the hooks of every job the circuit lets through.
	Inner Middleware
	// OnStateChange is called on every transition, e.g. "closed" to "open".
	OnStateChange func(name, from, to string)
}

const (
	defaultThreshold = 20
	defaultCooldown  = 30 * time.Second
)

// ErrorThresholdMiddleware is a circuit breaker around the handlers of the
// actors it is attached to. Once Threshold consecutive jobs failed it rejects
// jobs with ErrCircuitOpen for Cooldown, then lets one trial job through and
// closes again if it succeeds.
//
// Only handler failures, timeouts and panics count. Jobs rejected by other
// middleware or lost to the infrastructure neither extend nor break the
// streak. A trial job that ends that way reopens the circuit for another
// Cooldown.
type ErrorThresholdMiddleware struct {
	breaker *gobreaker.TwoStepCircuitBreaker
	wrapped
	pending sync.Map // job id -> admission

	threshold int
	window    time.Duration
	now       func() time.Time

	mu          sync.Mutex
	streak      int
	streakStart time.Time
}

type admission struct {
	done  func(bool)
	trial bool
}

// NewErrorThresholdMiddleware builds the breaker, filling zero fields with
// defaults.
func NewErrorThresholdMiddleware(cfg ErrorThresholdConfig) *ErrorThresholdMiddleware {
	if cfg.Threshold <= 0 {
		cfg.Threshold = defaultThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = defaultCooldown
	}
	if cfg.Name == "" {
		cfg.Name = "error-threshold"
	}
	m := &ErrorThresholdMiddleware{
		wrapped:   wrapped{inner: cfg.Inner},
		threshold: cfg.Threshold,
		window:    cfg.Window,
		now:       time.Now,
	}
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Timeout:     cfg.Cooldown,
		ReadyToTrip: func(gobreaker.Counts) bool { return m.tripped() },
	}
	if cfg.OnStateChange != nil {
		settings.OnStateChange = func(name string, from, to gobreaker.State) {
			cfg.OnStateChange(name, from.String(), to.String())
		}
	}
	m.breaker = gobreaker.NewTwoStepCircuitBreaker(settings)
	return m
}

// State returns "closed", "half-open" or "open".
func (m *ErrorThresholdMiddleware) State() string {
	return m.breaker.State().String()
}

func (m *ErrorThresholdMiddleware) OnStart(ctx context.Context, c *Context) error {
	done, err := m.breaker.Allow()
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return errorspkg.ErrCircuitOpen
		}
		return err
	}
	m.pending.Store(c.JobID, admission{done: done, trial: m.breaker.State() == gobreaker.StateHalfOpen})
	return m.start(ctx, c)
}

func (m *ErrorThresholdMiddleware) OnSuccess(ctx context.Context, c *OkContext) error {
	m.record(false)
	m.resolve(c.JobID, true)
	return m.success(ctx, c)
}

func (m *ErrorThresholdMiddleware) OnFailure(ctx context.Context, c *ErrorContext) error {
	switch c.Kind {
	case FailureHandler, FailureTimeout, FailurePanic:
		m.record(true)
		m.resolve(c.JobID, false)
	default:
		m.release(c.JobID)
	}
	return m.failure(ctx, c)
}

// record updates the streak before the breaker is told, so ReadyToTrip sees it.
func (m *ErrorThresholdMiddleware) record(failed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !failed {
		m.streak = 0
		return
	}
	now := m.now()
	if m.streak == 0 || (m.window > 0 && now.Sub(m.streakStart) > m.window) {
		m.streak = 0
		m.streakStart = now
	}
	m.streak++
}

func (m *ErrorThresholdMiddleware) tripped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.streak >= m.threshold
}

func (m *ErrorThresholdMiddleware) resolve(jobID string, success bool) {
	if v, ok := m.pending.LoadAndDelete(jobID); ok {
		v.(admission).done(success)
	}
}

// release ends an admission that says nothing about the handler. The breaker
// counts it as a success while closed, which leaves the streak untouched.
func (m *ErrorThresholdMiddleware) release(jobID string) {
	if v, ok := m.pending.LoadAndDelete(jobID); ok {
		a := v.(admission)
		a.done(!a.trial)
	}
}

// FrequencyMode selects what happens to a job that comes too early.
type FrequencyMode int

const (
	// FrequencyDelay holds the job until the interval has passed.
	FrequencyDelay FrequencyMode = iota
	// FrequencyDrop fails the job with ErrThrottled.
	FrequencyDrop
)

// FrequencyConfig configures a FrequencyMiddleware.
type FrequencyConfig struct {
	// MinInterval is the minimum spacing between two jobs of the same key.
	MinInterval time.Duration
	// KeyFunc groups jobs. Nil applies one interval to all jobs.
	KeyFunc func(*Context) string
	Mode    FrequencyMode
	// Inner receives the hooks of every job that was let through.
	Inner Middleware
}

// maxFrequencyKeys bounds the remembered keys before stale ones are pruned.
const maxFrequencyKeys = 4096

// FrequencyMiddleware enforces a minimum interval between successive jobs.
type FrequencyMiddleware struct {
	cfg FrequencyConfig
	now func() time.Time
	wrapped

	mu   sync.Mutex
	next map[string]time.Time
}

// NewFrequencyMiddleware returns a middleware spacing jobs by
// cfg.MinInterval. The zero Mode delays early jobs.
func NewFrequencyMiddleware(cfg FrequencyConfig) *FrequencyMiddleware {
	return &FrequencyMiddleware{
		cfg:     cfg,
		now:     time.Now,
		wrapped: wrapped{inner: cfg.Inner},
		next:    make(map[string]time.Time),
	}
}

func (m *FrequencyMiddleware) OnStart(ctx context.Context, c *Context) error {
	key := ""
	if m.cfg.KeyFunc != nil {
		key = m.cfg.KeyFunc(c)
	}

	wait, err := m.reserve(key)
	if err != nil {
		return err
	}
	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return m.start(ctx, c)
}

// reserve claims the next free slot for key and returns how long to wait
// for it.
func (m *FrequencyMiddleware) reserve(key string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if len(m.next) >= maxFrequencyKeys {
		for k, at := range m.next {
			if !at.After(now) {
				delete(m.next, k)
			}
		}
	}

	slot := m.next[key]
	if slot.Before(now) {
		slot = now
	}
	if slot.After(now) && m.cfg.Mode == FrequencyDrop {
		return 0, errorspkg.ErrThrottled
	}
	m.next[key] = slot.Add(m.cfg.MinInterval)
	return slot.Sub(now), nil
}

func (m *FrequencyMiddleware) OnSuccess(ctx context.Context, c *OkContext) error {
	return m.success(ctx, c)
}

func (m *FrequencyMiddleware) OnFailure(ctx context.Context, c *ErrorContext) error {
	return m.failure(ctx, c)
}
