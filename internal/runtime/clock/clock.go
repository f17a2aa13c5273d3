// Package clock publishes a tick event on a fixed period. Ticks are aligned
// to an origin, so several clocks with the same settings publish the same
// ticks under the same message ids and broker deduplication keeps one copy.
package clock

import (
	"context"
	"fmt"
	"time"

	"github.com/drblury/actorflow/broker"
	"github.com/drblury/actorflow/internal/runtime"
	"github.com/drblury/actorflow/internal/runtime/codec"
	loggingpkg "github.com/drblury/actorflow/internal/runtime/logging"
	"github.com/drblury/actorflow/internal/runtime/metadata"
)

// DefaultPeriod is the tick period of a clock created with a zero period.
const DefaultPeriod = time.Minute

// MinutePassed is the default tick event.
var MinutePassed = runtime.Event[time.Time]{
	Name:        "minute-passed",
	Description: "published once a minute by the clock",
	Serializer:  codec.Time(),
}

// Clock emits its event once per period. Build it with New.
type Clock struct {
	event  runtime.Event[time.Time]
	period time.Duration
	origin time.Time
	meta   metadata.Metadata
	burst  bool
	logger loggingpkg.ServiceLogger

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

// Option customises a Clock.
type Option func(*Clock)

// WithOrigin aligns ticks to origin instead of the Unix epoch.
func WithOrigin(origin time.Time) Option {
	return func(c *Clock) { c.origin = origin }
}

// WithMeta adds headers to every tick.
func WithMeta(meta metadata.Metadata) Option {
	return func(c *Clock) { c.meta = c.meta.WithAll(meta) }
}

// WithBurst makes Run return after the first tick.
func WithBurst() Option {
	return func(c *Clock) { c.burst = true }
}

// WithLogger sets the logger for skipped and failed ticks.
func WithLogger(logger loggingpkg.ServiceLogger) Option {
	return func(c *Clock) { c.logger = logger }
}

// WithTime replaces the wall clock and the sleep function.
func WithTime(now func() time.Time, sleep func(context.Context, time.Duration) error) Option {
	return func(c *Clock) {
		c.now = now
		c.sleep = sleep
	}
}

// New returns a clock for event. A zero event selects MinutePassed and a
// zero period selects DefaultPeriod.
func New(event runtime.Event[time.Time], period time.Duration, opts ...Option) (*Clock, error) {
	if event.Name == "" {
		event = MinutePassed
	}
	if err := event.Validate(); err != nil {
		return nil, err
	}
	if period < 0 {
		return nil, fmt.Errorf("clock %s: period cannot be negative: %s", event.Name, period)
	}
	if period == 0 {
		period = DefaultPeriod
	}
	c := &Clock{
		event:  event,
		period: period,
		origin: time.Unix(0, 0),
		logger: loggingpkg.NewDiscardLogger(),
		now:    time.Now,
		sleep:  sleep,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Event is the event the clock publishes.
func (c *Clock) Event() runtime.Event[time.Time] { return c.event }

// Period is the distance between two ticks.
func (c *Clock) Period() time.Duration { return c.period }

// Next returns the first tick strictly after t.
func (c *Clock) Next(t time.Time) time.Time {
	elapsed := t.Sub(c.origin)
	k := elapsed / c.period
	if elapsed < 0 && elapsed%c.period != 0 {
		k--
	}
	return c.origin.Add((k + 1) * c.period)
}

// MessageID is the id a tick is published under.
func (c *Clock) MessageID(tick time.Time) string {
	return fmt.Sprintf("%s:%d", c.event.Name, tick.UnixNano())
}

// Run publishes ticks until ctx is cancelled. A tick that could not be
// published before the next one was due is skipped. Run returns nil on
// cancellation; in burst mode it returns the result of the single tick.
func (c *Clock) Run(ctx context.Context, pub broker.Publisher) error {
	fields := loggingpkg.LogFields{"event": c.event.Name, "period": c.period.String()}
	c.logger.Info("Clock started", fields)
	defer c.logger.Info("Clock stopped", fields)

	for {
		tick := c.Next(c.now())
		if err := c.sleep(ctx, tick.Sub(c.now())); err != nil {
			return nil
		}
		if late := c.now().Sub(tick); late >= c.period {
			c.logger.Info("Clock tick skipped", loggingpkg.LogFields{
				"event": c.event.Name,
				"tick":  tick.Format(time.RFC3339Nano),
				"late":  late.String(),
			})
			continue
		}

		err := runtime.Emit(ctx, pub, c.event, tick.UTC(),
			runtime.WithMessageID(c.MessageID(tick)),
			runtime.WithMeta(c.meta),
		)
		if err != nil && ctx.Err() == nil {
			c.logger.Error("Clock tick failed", err, loggingpkg.LogFields{
				"event": c.event.Name,
				"tick":  tick.Format(time.RFC3339Nano),
			})
		}
		if c.burst {
			return err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
