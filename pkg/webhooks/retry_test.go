package webhooks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryPolicy_ShouldRetry(t *testing.T) {
	policy := NewRetryPolicy(RetryConfig{MaxAttempts: 3})
	failure := errors.New("boom")

	assert.True(t, policy.ShouldRetry(1, failure))
	assert.True(t, policy.ShouldRetry(2, failure))
	assert.False(t, policy.ShouldRetry(3, failure))
	assert.False(t, policy.ShouldRetry(1, nil))
}

func TestRetryPolicy_NextRetryDelay(t *testing.T) {
	policy := NewRetryPolicy(RetryConfig{
		MaxAttempts:       10,
		InitialDelay:      time.Second,
		MaxDelay:          10 * time.Second,
		BackoffMultiplier: 2,
	})

	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{9, 10 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, policy.NextRetryDelay(tt.attempts), "attempts=%d", tt.attempts)
	}
}

func TestNewRetryPolicy_Defaults(t *testing.T) {
	policy := NewRetryPolicy(RetryConfig{BackoffMultiplier: 0.5})
	assert.Equal(t, DefaultRetryConfig(), policy.config)
}

func TestRetryWorker_StopIsIdempotent(t *testing.T) {
	m := NewManager(DefaultConfig())
	m.retryWorker.Stop()
	m.retryWorker.Stop()

	started := NewManager(DefaultConfig())
	started.StartRetryWorker(context.Background())
	done := make(chan struct{})
	go func() {
		started.Close()
		started.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("retry worker did not stop")
	}
}

func TestRetryWorker_StopsWithContext(t *testing.T) {
	m := NewManager(DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	m.retryWorker.Start(ctx, time.Millisecond)
	cancel()

	select {
	case <-m.retryWorker.done:
	case <-time.After(5 * time.Second):
		t.Fatal("retry worker ignored context cancellation")
	}
	m.retryWorker.Stop()
}

func TestRateLimiter(t *testing.T) {
	clock := newTestClock()
	limiter := NewRateLimiter(2, time.Minute)
	limiter.now = clock.Now

	assert.True(t, limiter.Allow("w1"))
	assert.True(t, limiter.Allow("w1"))
	assert.False(t, limiter.Allow("w1"))
	assert.True(t, limiter.Allow("w2"), "buckets are per endpoint")

	clock.Advance(time.Minute)
	assert.Equal(t, 1, limiter.Remaining("w1"))
	assert.True(t, limiter.Allow("w1"))
	assert.False(t, limiter.Allow("w1"))

	clock.Advance(time.Hour)
	assert.Equal(t, 2, limiter.Remaining("w1"), "refill is capped at the burst size")

	limiter.Allow("w1")
	limiter.Allow("w1")
	limiter.Reset("w1")
	assert.Equal(t, 2, limiter.Remaining("w1"))
}
