package runtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStepBackoff(t *testing.T) {
	policy := DefaultBackoff()
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{50, 8 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, policy.Delay(tt.attempt), "attempt %d", tt.attempt)
	}
	assert.Zero(t, StepBackoff{}.Delay(3))
}

func TestExponentialBackoff(t *testing.T) {
	policy := ExponentialBackoff{Initial: 100 * time.Millisecond, Max: time.Second}
	assert.Equal(t, 100*time.Millisecond, policy.Delay(1))
	assert.Equal(t, 200*time.Millisecond, policy.Delay(2))
	assert.Equal(t, 800*time.Millisecond, policy.Delay(4))
	assert.Equal(t, time.Second, policy.Delay(5))
	assert.Equal(t, time.Second, policy.Delay(500))

	triple := ExponentialBackoff{Initial: time.Millisecond, Multiplier: 3}
	assert.Equal(t, 9*time.Millisecond, triple.Delay(3))
	assert.Zero(t, ExponentialBackoff{}.Delay(3))
}

func TestConstantAndFuncBackoff(t *testing.T) {
	assert.Equal(t, time.Minute, ConstantBackoff(time.Minute).Delay(7))
	f := BackoffFunc(func(attempt int) time.Duration { return time.Duration(attempt) * time.Second })
	assert.Equal(t, 3*time.Second, f.Delay(3))
}
