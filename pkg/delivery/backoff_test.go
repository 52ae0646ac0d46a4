package delivery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryPolicyDelay(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, BaseDelay: 10 * time.Second, MaxDelay: time.Minute}

	assert.Equal(t, 10*time.Second, p.Delay(0))
	assert.Equal(t, 10*time.Second, p.Delay(1))
	assert.Equal(t, 20*time.Second, p.Delay(2))
	assert.Equal(t, 40*time.Second, p.Delay(3))
	assert.Equal(t, time.Minute, p.Delay(4))
	assert.Equal(t, time.Minute, p.Delay(40))
}

func TestRetryPolicyDelayNeverDecreases(t *testing.T) {
	p := DefaultRetryPolicy()
	prev := time.Duration(0)
	for attempt := 1; attempt < 64; attempt++ {
		d := p.Delay(attempt)
		assert.GreaterOrEqual(t, d, prev, "attempt %d", attempt)
		assert.LessOrEqual(t, d, p.MaxDelay)
		prev = d
	}
}

func TestRetryPolicyExhausted(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.False(t, p.Exhausted(1))
	assert.False(t, p.Exhausted(2))
	assert.True(t, p.Exhausted(3))
	assert.True(t, p.Exhausted(4))
}
