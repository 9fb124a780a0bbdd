package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/rolegraph/pkg/async"
	"github.com/platinummonkey/rolegraph/pkg/audit"
	"github.com/platinummonkey/rolegraph/pkg/observability"
)

var (
	// ErrNotFound is returned for unknown endpoint ids
	ErrNotFound = errors.New("webhook not found")
	// ErrInvalid is returned when an endpoint definition is rejected
	ErrInvalid = errors.New("invalid webhook")
)

// Request headers sent with every delivery
const (
	HeaderEvent     = "X-Rolegraph-Event"
	HeaderEventID   = "X-Rolegraph-Event-ID"
	HeaderDelivery  = "X-Rolegraph-Delivery"
	HeaderSignature = "X-Rolegraph-Signature"
)

// Format selects how an event is rendered for an endpoint
type Format string

const (
	FormatJSON  Format = "json"
	FormatSlack Format = "slack"
	FormatTeams Format = "teams"
)

// Endpoint is a registered receiver of graph change notifications. Events lists the event
// types to deliver: empty means all, and "rule.*" matches a whole family.
type Endpoint struct {
	ID          string            `json:"id"`
	URL         string            `json:"url"`
	Events      []audit.EventType `json:"events,omitempty"`
	Format      Format            `json:"format"`
	Secret      string            `json:"secret,omitempty"`
	Active      bool              `json:"active"`
	Description string            `json:"description,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// EndpointUpdate carries the fields to change; nil fields are left alone
type EndpointUpdate struct {
	URL         *string            `json:"url,omitempty"`
	Events      *[]audit.EventType `json:"events,omitempty"`
	Format      *Format            `json:"format,omitempty"`
	Secret      *string            `json:"secret,omitempty"`
	Description *string            `json:"description,omitempty"`
}

func (e *Endpoint) wants(eventType audit.EventType) bool {
	if len(e.Events) == 0 {
		return true
	}
	for _, want := range e.Events {
		if want == eventType {
			return true
		}
		if prefix, ok := strings.CutSuffix(string(want), ".*"); ok && strings.HasPrefix(string(eventType), prefix+".") {
			return true
		}
	}
	return false
}

// redacted returns a copy without the signing secret
func (e *Endpoint) redacted() Endpoint {
	out := *e
	out.Events = append([]audit.EventType(nil), e.Events...)
	out.Secret = ""
	return out
}

func validateEndpoint(e *Endpoint) error {
	u, err := url.Parse(e.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: url must be an absolute http(s) URL", ErrInvalid)
	}
	switch e.Format {
	case FormatJSON, FormatSlack, FormatTeams:
	default:
		return fmt.Errorf("%w: unknown format %q", ErrInvalid, e.Format)
	}
	return nil
}

// Config configures a Manager
type Config struct {
	Timeout         time.Duration
	Retry           RetryConfig
	RetryInterval   time.Duration
	RateLimit       int
	RatePeriod      time.Duration
	MaxDeliveryLogs int
	Logger          *observability.Logger
	Client          *http.Client
}

// DefaultConfig returns the default manager configuration
func DefaultConfig() Config {
	return Config{
		Timeout:         10 * time.Second,
		Retry:           DefaultRetryConfig(),
		RetryInterval:   30 * time.Second,
		RateLimit:       100,
		RatePeriod:      time.Minute,
		MaxDeliveryLogs: 1000,
	}
}

// Manager delivers audit events to registered endpoints. It implements audit.Logger so it
// can sit behind an audit.Recorder next to the persistent stores.
type Manager struct {
	mu        sync.RWMutex
	endpoints map[string]*Endpoint

	client        *http.Client
	timeout       time.Duration
	deliveryStore *DeliveryLogStore
	retryPolicy   *RetryPolicy
	retryWorker   *RetryWorker
	retryInterval time.Duration
	rateLimiter   *RateLimiter
	logger        *observability.Logger
	inflight      sync.WaitGroup
	now           func() time.Time
}

var _ audit.Logger = (*Manager)(nil)

// NewManager creates a new webhook manager
func NewManager(config Config) *Manager {
	defaults := DefaultConfig()
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.RetryInterval <= 0 {
		config.RetryInterval = defaults.RetryInterval
	}
	if config.RateLimit <= 0 {
		config.RateLimit = defaults.RateLimit
	}
	if config.RatePeriod <= 0 {
		config.RatePeriod = defaults.RatePeriod
	}
	if config.Client == nil {
		config.Client = &http.Client{Timeout: config.Timeout}
	}
	if config.Logger == nil {
		config.Logger = observability.Discard()
	}

	deliveryStore := NewDeliveryLogStore(config.MaxDeliveryLogs)
	m := &Manager{
		endpoints:     make(map[string]*Endpoint),
		client:        config.Client,
		timeout:       config.Timeout,
		deliveryStore: deliveryStore,
		retryPolicy:   NewRetryPolicy(config.Retry),
		retryInterval: config.RetryInterval,
		rateLimiter:   NewRateLimiter(config.RateLimit, config.RatePeriod),
		logger:        config.Logger,
		now:           time.Now,
	}
	m.retryWorker = NewRetryWorker(m, deliveryStore, m.retryPolicy)
	return m
}

// StartRetryWorker starts the retry worker
func (m *Manager) StartRetryWorker(ctx context.Context) {
	m.retryWorker.Start(ctx, m.retryInterval)
}

// Register adds an endpoint. The id, timestamps and active flag are assigned here.
func (m *Manager) Register(endpoint *Endpoint) error {
	if endpoint.Format == "" {
		endpoint.Format = FormatJSON
	}
	if err := validateEndpoint(endpoint); err != nil {
		return err
	}

	now := m.now()
	endpoint.ID = uuid.NewString()
	endpoint.Active = true
	endpoint.CreatedAt = now
	endpoint.UpdatedAt = now

	stored := *endpoint
	stored.Events = append([]audit.EventType(nil), endpoint.Events...)

	m.mu.Lock()
	m.endpoints[endpoint.ID] = &stored
	m.mu.Unlock()

	m.logger.WithFields(map[string]interface{}{
		"webhook_id": endpoint.ID,
		"url":        endpoint.URL,
		"format":     endpoint.Format,
	}).Info("Webhook registered")
	return nil
}

// Unregister removes an endpoint
func (m *Manager) Unregister(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.endpoints[id]; !exists {
		return ErrNotFound
	}
	delete(m.endpoints, id)
	m.rateLimiter.Reset(id)
	return nil
}

// Update changes an endpoint and returns it without its secret
func (m *Manager) Update(id string, update EndpointUpdate) (Endpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, exists := m.endpoints[id]
	if !exists {
		return Endpoint{}, ErrNotFound
	}
	updated := *current
	if update.URL != nil {
		updated.URL = *update.URL
	}
	if update.Events != nil {
		updated.Events = append([]audit.EventType(nil), (*update.Events)...)
	}
	if update.Format != nil {
		updated.Format = *update.Format
	}
	if update.Secret != nil {
		updated.Secret = *update.Secret
	}
	if update.Description != nil {
		updated.Description = *update.Description
	}
	if err := validateEndpoint(&updated); err != nil {
		return Endpoint{}, err
	}
	updated.UpdatedAt = m.now()
	m.endpoints[id] = &updated
	return updated.redacted(), nil
}

// SetActive activates or deactivates an endpoint
func (m *Manager) SetActive(id string, active bool) (Endpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	endpoint, exists := m.endpoints[id]
	if !exists {
		return Endpoint{}, ErrNotFound
	}
	endpoint.Active = active
	endpoint.UpdatedAt = m.now()
	return endpoint.redacted(), nil
}

// List returns every endpoint without secrets, oldest first
func (m *Manager) List() []Endpoint {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Endpoint, 0, len(m.endpoints))
	for _, endpoint := range m.endpoints {
		out = append(out, endpoint.redacted())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Get returns one endpoint without its secret
func (m *Manager) Get(id string) (Endpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	endpoint, exists := m.endpoints[id]
	if !exists {
		return Endpoint{}, ErrNotFound
	}
	return endpoint.redacted(), nil
}

// endpoint returns a private copy, secret included
func (m *Manager) endpoint(id string) (Endpoint, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	endpoint, exists := m.endpoints[id]
	if !exists {
		return Endpoint{}, false
	}
	return *endpoint, true
}

// DeliveryLogs returns the newest delivery logs of an endpoint
func (m *Manager) DeliveryLogs(id string, limit int) []DeliveryLog {
	return m.deliveryStore.GetByWebhook(id, limit)
}

// DeliveryStats summarises the deliveries of an endpoint
func (m *Manager) DeliveryStats(id string) DeliveryStats {
	return m.deliveryStore.GetStats(id)
}

// Log dispatches the event to every active endpoint that wants it. Deliveries run in the
// background; failures are retried by the retry worker.
func (m *Manager) Log(ctx context.Context, event *audit.Event) error {
	m.mu.RLock()
	targets := make([]Endpoint, 0, len(m.endpoints))
	for _, endpoint := range m.endpoints {
		if endpoint.Active && endpoint.wants(event.EventType) {
			targets = append(targets, *endpoint)
		}
	}
	m.mu.RUnlock()

	for _, endpoint := range targets {
		payload, err := renderPayload(endpoint.Format, event)
		if err != nil {
			return fmt.Errorf("failed to render event %s for webhook %s: %w", event.ID, endpoint.ID, err)
		}
		delivery := DeliveryLog{
			ID:        uuid.NewString(),
			WebhookID: endpoint.ID,
			EventID:   event.ID,
			EventType: event.EventType,
			URL:       endpoint.URL,
			Status:    DeliveryStatusPending,
			CreatedAt: m.now(),
			Payload:   payload,
		}
		m.deliveryStore.Add(delivery)

		endpoint := endpoint
		m.inflight.Add(1)
		// detached from ctx: the caller's deadline covers queuing, not delivery
		async.SafeGoNoError(context.WithoutCancel(ctx), m.timeout, "webhook delivery", func(ctx context.Context) {
			defer m.inflight.Done()
			m.attempt(ctx, endpoint, delivery)
		})
	}
	return nil
}

// Close stops the retry worker and waits for in-flight deliveries
func (m *Manager) Close() error {
	m.retryWorker.Stop()
	m.inflight.Wait()
	return nil
}

// attempt sends one delivery and records the outcome
func (m *Manager) attempt(ctx context.Context, endpoint Endpoint, delivery DeliveryLog) DeliveryLog {
	delivery.Attempts++
	start := m.now()
	err := m.send(ctx, endpoint, &delivery)
	delivery.Duration = m.now().Sub(start)

	now := m.now()
	switch {
	case err == nil:
		delivery.Status = DeliveryStatusSuccess
		delivery.ErrorMessage = ""
		delivery.NextRetryAt = nil
		delivery.CompletedAt = &now
	case m.retryPolicy.ShouldRetry(delivery.Attempts, err):
		next := now.Add(m.retryPolicy.NextRetryDelay(delivery.Attempts))
		delivery.Status = DeliveryStatusRetrying
		delivery.ErrorMessage = err.Error()
		delivery.NextRetryAt = &next
	default:
		delivery.Status = DeliveryStatusFailed
		delivery.ErrorMessage = err.Error()
		delivery.NextRetryAt = nil
		delivery.CompletedAt = &now
	}
	m.deliveryStore.Update(delivery)

	if err != nil {
		m.logger.WithFields(map[string]interface{}{
			"webhook_id":  endpoint.ID,
			"delivery_id": delivery.ID,
			"attempts":    delivery.Attempts,
			"status":      delivery.Status,
		}).WithError(err).Warn("Webhook delivery failed")
	}
	return delivery
}

// send performs one HTTP request for a delivery
func (m *Manager) send(ctx context.Context, endpoint Endpoint, delivery *DeliveryLog) error {
	if !m.rateLimiter.Allow(endpoint.ID) {
		return fmt.Errorf("rate limit exceeded for webhook %s", endpoint.ID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.URL, bytes.NewReader(delivery.Payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(delivery.EventType))
	req.Header.Set(HeaderEventID, delivery.EventID)
	req.Header.Set(HeaderDelivery, delivery.ID)
	if endpoint.Secret != "" {
		req.Header.Set(HeaderSignature, generateSignature(delivery.Payload, endpoint.Secret))
	}

	delivery.RequestHeaders = make(map[string]string, len(req.Header))
	for key, values := range req.Header {
		if len(values) > 0 && key != HeaderSignature {
			delivery.RequestHeaders[key] = values[0]
		}
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	delivery.StatusCode = resp.StatusCode
	delivery.ResponseBody = string(body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned non-2xx status: %d", resp.StatusCode)
	}
	return nil
}

const maxResponseBody = 1024

// Ping sends a synthetic event to one endpoint synchronously, ignoring its event filter
func (m *Manager) Ping(ctx context.Context, id string) (DeliveryLog, error) {
	endpoint, ok := m.endpoint(id)
	if !ok {
		return DeliveryLog{}, ErrNotFound
	}
	event := &audit.Event{
		ID:           uuid.NewString(),
		Timestamp:    m.now().UTC(),
		EventType:    "webhook.ping",
		ResourceType: audit.ResourceTypeGraph,
		Details:      map[string]any{"webhook_id": id},
	}
	payload, err := renderPayload(endpoint.Format, event)
	if err != nil {
		return DeliveryLog{}, err
	}
	delivery := DeliveryLog{
		ID:        uuid.NewString(),
		WebhookID: id,
		EventID:   event.ID,
		EventType: event.EventType,
		URL:       endpoint.URL,
		Status:    DeliveryStatusPending,
		CreatedAt: m.now(),
		Payload:   payload,
	}
	m.deliveryStore.Add(delivery)

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	return m.attempt(ctx, endpoint, delivery), nil
}

func renderPayload(format Format, event *audit.Event) ([]byte, error) {
	switch format {
	case FormatSlack:
		return json.Marshal(FormatSlackMessage(event))
	case FormatTeams:
		return json.Marshal(FormatTeamsMessage(event))
	default:
		return json.Marshal(event)
	}
}

// VerifySignature verifies the webhook signature
func VerifySignature(payload []byte, signature, secret string) bool {
	expected := generateSignature(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// generateSignature generates HMAC-SHA256 signature
func generateSignature(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
