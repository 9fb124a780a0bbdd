package webhooks

import (
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/platinummonkey/rolegraph/pkg/audit"
)

// DeliveryStatus represents the status of a webhook delivery
type DeliveryStatus string

const (
	DeliveryStatusPending  DeliveryStatus = "pending"
	DeliveryStatusSuccess  DeliveryStatus = "success"
	DeliveryStatusFailed   DeliveryStatus = "failed"
	DeliveryStatusRetrying DeliveryStatus = "retrying"
)

// DeliveryLog tracks one event delivered to one endpoint across its attempts
type DeliveryLog struct {
	ID             string            `json:"id"`
	WebhookID      string            `json:"webhook_id"`
	EventID        string            `json:"event_id"`
	EventType      audit.EventType   `json:"event_type"`
	URL            string            `json:"url"`
	Status         DeliveryStatus    `json:"status"`
	StatusCode     int               `json:"status_code,omitempty"`
	ErrorMessage   string            `json:"error_message,omitempty"`
	Attempts       int               `json:"attempts"`
	NextRetryAt    *time.Time        `json:"next_retry_at,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty"`
	Duration       time.Duration     `json:"duration,omitempty"`
	RequestHeaders map[string]string `json:"request_headers,omitempty"`
	ResponseBody   string            `json:"response_body,omitempty"`
	Payload        []byte            `json:"-"`
}

// DeliveryLogStore keeps the most recently written delivery logs in memory.
// Logs are stored and returned by value, so callers never share one with a
// delivery in progress.
type DeliveryLogStore struct {
	mu   sync.RWMutex
	logs *simplelru.LRU[string, DeliveryLog]
}

func NewDeliveryLogStore(maxLogs int) *DeliveryLogStore {
	if maxLogs <= 0 {
		maxLogs = 1000
	}
	logs, _ := simplelru.NewLRU[string, DeliveryLog](maxLogs, nil)
	return &DeliveryLogStore{logs: logs}
}

// Add stores log, evicting the least recently written one when full.
func (s *DeliveryLogStore) Add(log DeliveryLog) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs.Add(log.ID, log)
}

func (s *DeliveryLogStore) Get(id string) (DeliveryLog, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.logs.Peek(id)
}

// Update replaces a stored log. Logs evicted in the meantime stay evicted.
func (s *DeliveryLogStore) Update(log DeliveryLog) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.logs.Contains(log.ID) {
		s.logs.Add(log.ID, log)
	}
}

func (s *DeliveryLogStore) filter(keep func(DeliveryLog) bool) []DeliveryLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []DeliveryLog
	for _, log := range s.logs.Values() {
		if keep(log) {
			out = append(out, log)
		}
	}
	return out
}

// GetByWebhook returns the newest logs of an endpoint
func (s *DeliveryLogStore) GetByWebhook(webhookID string, limit int) []DeliveryLog {
	result := s.filter(func(l DeliveryLog) bool { return l.WebhookID == webhookID })
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	if result == nil {
		result = []DeliveryLog{}
	}
	return result
}

func (s *DeliveryLogStore) GetByEvent(eventID string) []DeliveryLog {
	return s.filter(func(l DeliveryLog) bool { return l.EventID == eventID })
}

// GetPendingRetries returns retrying logs due at now, earliest first.
func (s *DeliveryLogStore) GetPendingRetries(now time.Time) []DeliveryLog {
	result := s.filter(func(l DeliveryLog) bool {
		return l.Status == DeliveryStatusRetrying && l.NextRetryAt != nil && !l.NextRetryAt.After(now)
	})
	sort.Slice(result, func(i, j int) bool {
		return result[i].NextRetryAt.Before(*result[j].NextRetryAt)
	})
	return result
}

// GetStats returns delivery statistics for a webhook
func (s *DeliveryLogStore) GetStats(webhookID string) DeliveryStats {
	stats := DeliveryStats{WebhookID: webhookID}
	for _, log := range s.filter(func(l DeliveryLog) bool { return l.WebhookID == webhookID }) {
		stats.Total++
		switch log.Status {
		case DeliveryStatusSuccess:
			stats.Successful++
			stats.TotalDuration += log.Duration
		case DeliveryStatusFailed:
			stats.Failed++
		case DeliveryStatusRetrying:
			stats.Retrying++
		}
	}

	if stats.Successful > 0 {
		stats.AverageDuration = stats.TotalDuration / time.Duration(stats.Successful)
	}
	if stats.Total > 0 {
		stats.SuccessRate = float64(stats.Successful) / float64(stats.Total)
	}
	return stats
}

// DeliveryStats represents delivery statistics
type DeliveryStats struct {
	WebhookID       string        `json:"webhook_id"`
	Total           int           `json:"total"`
	Successful      int           `json:"successful"`
	Failed          int           `json:"failed"`
	Retrying        int           `json:"retrying"`
	SuccessRate     float64       `json:"success_rate"`
	AverageDuration time.Duration `json:"average_duration"`
	TotalDuration   time.Duration `json:"total_duration"`
}
