package webhooks

import (
	"context"
	"fmt"
	"math"
	"runtime/debug"
	"sync"
	"time"
)

// RetryConfig configures retry behavior
type RetryConfig struct {
	MaxAttempts       int           `json:"max_attempts"`
	InitialDelay      time.Duration `json:"initial_delay"`
	MaxDelay          time.Duration `json:"max_delay"`
	BackoffMultiplier float64       `json:"backoff_multiplier"`
}

// DefaultRetryConfig returns the default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       5,
		InitialDelay:      1 * time.Second,
		MaxDelay:          5 * time.Minute,
		BackoffMultiplier: 2.0,
	}
}

// RetryPolicy implements exponential backoff retry logic
type RetryPolicy struct {
	config RetryConfig
}

// NewRetryPolicy creates a retry policy; zero or out of range settings take the defaults
func NewRetryPolicy(config RetryConfig) *RetryPolicy {
	defaults := DefaultRetryConfig()
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = defaults.InitialDelay
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = defaults.MaxDelay
	}
	if config.BackoffMultiplier <= 1.0 {
		config.BackoffMultiplier = defaults.BackoffMultiplier
	}
	return &RetryPolicy{config: config}
}

// ShouldRetry determines if a delivery should be retried
func (p *RetryPolicy) ShouldRetry(attempts int, err error) bool {
	return err != nil && attempts < p.config.MaxAttempts
}

// NextRetryDelay returns initialDelay * multiplier^(attempts-1), capped at MaxDelay
func (p *RetryPolicy) NextRetryDelay(attempts int) time.Duration {
	if attempts <= 0 {
		return p.config.InitialDelay
	}

	delay := float64(p.config.InitialDelay) * math.Pow(p.config.BackoffMultiplier, float64(attempts-1))
	if delay > float64(p.config.MaxDelay) {
		return p.config.MaxDelay
	}
	return time.Duration(delay)
}

// RetryWorker periodically re-sends deliveries whose retry is due
type RetryWorker struct {
	manager       *Manager
	deliveryStore *DeliveryLogStore
	retryPolicy   *RetryPolicy
	stopCh        chan struct{}
	stopOnce      sync.Once
	done          chan struct{}
	started       bool
}

// NewRetryWorker creates a new retry worker
func NewRetryWorker(manager *Manager, deliveryStore *DeliveryLogStore, retryPolicy *RetryPolicy) *RetryWorker {
	return &RetryWorker{
		manager:       manager,
		deliveryStore: deliveryStore,
		retryPolicy:   retryPolicy,
		stopCh:        make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// Start runs the worker until ctx is done or Stop is called
func (w *RetryWorker) Start(ctx context.Context, checkInterval time.Duration) {
	w.started = true
	ticker := time.NewTicker(checkInterval)

	go func() {
		defer close(w.done)
		defer ticker.Stop()
		defer func() {
			if r := recover(); r != nil {
				w.manager.logger.WithFields(map[string]interface{}{
					"panic": fmt.Sprint(r),
					"stack": string(debug.Stack()),
				}).Error("Webhook retry worker recovered from panic")
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case <-w.stopCh:
				return
			case <-ticker.C:
				w.processRetries(ctx)
			}
		}
	}()
}

// Stop stops the worker and waits for the current pass to finish. It is safe to call more
// than once.
func (w *RetryWorker) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		if w.started {
			<-w.done
		}
	})
}

// processRetries re-sends every due delivery once
func (w *RetryWorker) processRetries(ctx context.Context) {
	for _, delivery := range w.deliveryStore.GetPendingRetries(w.manager.now()) {
		endpoint, ok := w.manager.endpoint(delivery.WebhookID)
		switch {
		case !ok:
			w.abandon(delivery, "webhook no longer exists")
			continue
		case !endpoint.Active:
			w.abandon(delivery, "webhook is inactive")
			continue
		}

		attemptCtx, cancel := context.WithTimeout(ctx, w.manager.timeout)
		result := w.manager.attempt(attemptCtx, endpoint, delivery)
		cancel()

		if result.Status == DeliveryStatusFailed {
			result.ErrorMessage = fmt.Sprintf("max retries exceeded: %s", result.ErrorMessage)
			w.deliveryStore.Update(result)
		}
	}
}

func (w *RetryWorker) abandon(delivery DeliveryLog, reason string) {
	now := w.manager.now()
	delivery.Status = DeliveryStatusFailed
	delivery.ErrorMessage = reason
	delivery.NextRetryAt = nil
	delivery.CompletedAt = &now
	w.deliveryStore.Update(delivery)
}
