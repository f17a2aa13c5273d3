// Package decorators wraps actor handlers with common gating behaviour.
// Decorators compose: the outermost wrapper runs first.
package decorators

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"golang.org/x/time/rate"

	"github.com/drblury/actorflow/internal/runtime"
	loggingpkg "github.com/drblury/actorflow/internal/runtime/logging"
)

// DefaultRequirePause is the interval between predicate checks when Require
// is given a zero pause.
const DefaultRequirePause = 50 * time.Millisecond

// RateLimit lets at most n calls of h start per period. Calls over the limit
// wait for a free slot or for ctx to end.
func RateLimit[T any](h runtime.Handler[T], n int, period time.Duration) (runtime.Handler[T], error) {
	if n < 1 {
		return nil, fmt.Errorf("rate limit: jobs must be at least 1, got %d", n)
	}
	if period <= 0 {
		return nil, fmt.Errorf("rate limit: period must be positive, got %s", period)
	}
	limiter := rate.NewLimiter(rate.Every(period/time.Duration(n)), n)
	return func(ctx context.Context, msg T) error {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		return h(ctx, msg)
	}, nil
}

// Suppress turns errors matching any of targets into success, so the
// message is acked instead of retried. Suppressed errors are logged when
// logger is not nil. Without targets every error is suppressed.
func Suppress[T any](h runtime.Handler[T], logger loggingpkg.ServiceLogger, targets ...error) runtime.Handler[T] {
	return func(ctx context.Context, msg T) error {
		err := h(ctx, msg)
		if err == nil {
			return nil
		}
		if len(targets) > 0 && !slices.ContainsFunc(targets, func(target error) bool { return errors.Is(err, target) }) {
			return err
		}
		if logger != nil {
			logger.Error("Handler error suppressed", err, nil)
		}
		return nil
	}
}

// Require delays h until predicate reports true, checking every pause.
func Require[T any](h runtime.Handler[T], predicate func() bool, pause time.Duration) runtime.Handler[T] {
	if pause <= 0 {
		pause = DefaultRequirePause
	}
	return func(ctx context.Context, msg T) error {
		for !predicate() {
			t := time.NewTimer(pause)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
		return h(ctx, msg)
	}
}

// TimePattern selects times in the way a cron line does. An empty field
// accepts any value; otherwise the time must match one of the listed values.
type TimePattern struct {
	Year   []int
	Month  []int
	Day    []int
	Hour   []int
	Minute []int
}

// Every returns the values in [0, limit) divisible by step, for building
// patterns such as every fifth minute.
func Every(step, limit int) []int {
	if step <= 0 {
		return nil
	}
	out := make([]int, 0, limit/step+1)
	for v := 0; v < limit; v += step {
		out = append(out, v)
	}
	return out
}

// Match reports whether t matches every non-empty field of p.
func (p TimePattern) Match(t time.Time) bool {
	fields := []struct {
		allowed []int
		value   int
	}{
		{p.Year, t.Year()},
		{p.Month, int(t.Month())},
		{p.Day, t.Day()},
		{p.Hour, t.Hour()},
		{p.Minute, t.Minute()},
	}
	for _, f := range fields {
		if len(f.allowed) > 0 && !slices.Contains(f.allowed, f.value) {
			return false
		}
	}
	return true
}

// FilterTime calls h only for ticks that match pattern. Other ticks are
// acked without running h. It pairs with the clock so one clock can drive
// actors with coarser schedules.
func FilterTime(h runtime.Handler[time.Time], pattern TimePattern) runtime.Handler[time.Time] {
	return func(ctx context.Context, tick time.Time) error {
		if !pattern.Match(tick) {
			return nil
		}
		return h(ctx, tick)
	}
}
