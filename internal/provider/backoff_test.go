package provider

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryScheduleIsCappedAndNonNegative(t *testing.T) {
	for n := 0; n < 10; n++ {
		d := retrySchedule(n)
		assert.LessOrEqual(t, d, 30*time.Second)
		assert.GreaterOrEqual(t, d, time.Duration(0))
	}
}

func TestIsRetryableStatus(t *testing.T) {
	assert.True(t, isRetryableStatus(429))
	assert.True(t, isRetryableStatus(408))
	assert.True(t, isRetryableStatus(500))
	assert.True(t, isRetryableStatus(503))
	assert.False(t, isRetryableStatus(400))
	assert.False(t, isRetryableStatus(404))
	assert.False(t, isRetryableStatus(200))
}

func TestSleepWithContextRespectsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := sleepWithContext(ctx, time.Second)
	require.Error(t, err)
}

func TestSleepWithContextReturnsAfterDuration(t *testing.T) {
	start := time.Now()
	err := sleepWithContext(context.Background(), 10*time.Millisecond)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}
