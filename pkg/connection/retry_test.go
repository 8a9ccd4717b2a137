package connection

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExponentialBackoffRetryer(t *testing.T) {
	t.Run("default configuration", func(t *testing.T) {
		retryer := NewExponentialBackoffRetryer()

		delay, shouldRetry := retryer.NextDelay(0, nil)
		assert.True(t, shouldRetry)
		assert.Equal(t, 300*time.Millisecond, delay)

		delay, shouldRetry = retryer.NextDelay(1, nil)
		assert.True(t, shouldRetry)
		assert.Equal(t, 600*time.Millisecond, delay)

		_, shouldRetry = retryer.NextDelay(5, nil)
		assert.False(t, shouldRetry)
	})

	t.Run("capped by max delay", func(t *testing.T) {
		retryer := &ExponentialBackoffRetryer{
			InitialDelay: 100 * time.Millisecond,
			MaxDelay:     250 * time.Millisecond,
			Multiplier:   2.0,
		}

		delay, _ := retryer.NextDelay(0, nil)
		assert.Equal(t, 100*time.Millisecond, delay)
		delay, _ = retryer.NextDelay(1, nil)
		assert.Equal(t, 200*time.Millisecond, delay)
		delay, shouldRetry := retryer.NextDelay(10, nil)
		assert.True(t, shouldRetry)
		assert.Equal(t, 250*time.Millisecond, delay)
	})

	t.Run("with jitter", func(t *testing.T) {
		retryer := &ExponentialBackoffRetryer{
			InitialDelay: time.Second,
			MaxDelay:     time.Minute,
			Multiplier:   2.0,
			Jitter:       true,
			JitterFactor: 0.3,
		}

		for i := 0; i < 20; i++ {
			delay, _ := retryer.NextDelay(0, nil)
			assert.GreaterOrEqual(t, delay, 700*time.Millisecond)
			assert.LessOrEqual(t, delay, 1300*time.Millisecond)
		}
	})
}

func TestFixedDelayRetryer(t *testing.T) {
	retryer := NewFixedDelayRetryer(100*time.Millisecond, 2)

	for attempt := 0; attempt < 2; attempt++ {
		delay, shouldRetry := retryer.NextDelay(attempt, nil)
		assert.True(t, shouldRetry)
		assert.Equal(t, 100*time.Millisecond, delay)
	}
	_, shouldRetry := retryer.NextDelay(2, nil)
	assert.False(t, shouldRetry)

	infinite := NewFixedDelayRetryer(time.Millisecond, 0)
	_, shouldRetry = infinite.NextDelay(1000, nil)
	assert.True(t, shouldRetry)
}

func TestSleep(t *testing.T) {
	assert.NoError(t, Sleep(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
}
