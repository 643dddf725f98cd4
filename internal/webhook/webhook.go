// Package webhook holds the domain model shared by the dispatcher, the ledger
// and the registry: tenant-owned subscriptions, delivery attempts and the
// payload envelope placed on the wire.
package webhook

import (
	"encoding/json"
	"strings"
	"time"
)

const (
	// DefaultMaxRetries is used when a subscription does not set MaxRetries.
	DefaultMaxRetries = 3
	// MaxAllowedRetries bounds the attempts a subscription may configure.
	MaxAllowedRetries = 10
	// TestEventType is the synthetic event sent by the registry's test trigger.
	TestEventType = "webhook.test"
	// TimestampLayout is the ISO-8601 layout used for payload timestamps.
	TimestampLayout = "2006-01-02T15:04:05.000Z07:00"
)

// TenantID identifies the owner of a subscription. Every store query that
// reads or mutates subscriptions takes one.
type TenantID string

func (t TenantID) String() string { return string(t) }

// Valid reports whether the tenant id is non-blank.
func (t TenantID) Valid() bool { return strings.TrimSpace(string(t)) != "" }

// Subscription is a tenant-owned registration of a target URL and the event
// types it wants delivered.
type Subscription struct {
	ID         string            `json:"id"`
	TenantID   TenantID          `json:"tenant_id"`
	Name       string            `json:"name"`
	URL        string            `json:"url"`
	Secret     string            `json:"-"`
	Events     []string          `json:"events"`
	Active     bool              `json:"active"`
	Headers    map[string]string `json:"headers,omitempty"`
	MaxRetries int               `json:"max_retries"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// Subscribes reports whether eventType is one of the subscription's events.
func (s Subscription) Subscribes(eventType string) bool {
	for _, e := range s.Events {
		if e == eventType {
			return true
		}
	}
	return false
}

// Retries returns the configured attempt budget, falling back to the default.
func (s Subscription) Retries() int {
	if s.MaxRetries <= 0 {
		return DefaultMaxRetries
	}
	return s.MaxRetries
}

// HasSecret reports whether outbound payloads get signed.
func (s Subscription) HasSecret() bool { return s.Secret != "" }

// Clone returns a deep copy, so a pipeline keeps a snapshot that later edits
// to the registry cannot change.
func (s Subscription) Clone() Subscription {
	c := s
	if s.Events != nil {
		c.Events = append([]string(nil), s.Events...)
	}
	if s.Headers != nil {
		c.Headers = make(map[string]string, len(s.Headers))
		for k, v := range s.Headers {
			c.Headers[k] = v
		}
	}
	return c
}

// Payload is the JSON body POSTed to a subscriber.
type Payload struct {
	Event     string `json:"event"`
	Timestamp string `json:"timestamp"`
	Data      any    `json:"data"`
	WebhookID string `json:"webhookId"`
}

// NewPayload builds the envelope for one attempt, stamped with at.
func NewPayload(eventType string, data any, subscriptionID string, at time.Time) Payload {
	return Payload{
		Event:     eventType,
		Timestamp: at.UTC().Format(TimestampLayout),
		Data:      data,
		WebhookID: subscriptionID,
	}
}

// Attempt is the immutable ledger row written for every HTTP attempt.
type Attempt struct {
	ID              string            `json:"id"`
	SubscriptionID  string            `json:"webhook_id"`
	DeliveryID      string            `json:"delivery_id"`
	EventType       string            `json:"event_type"`
	Payload         json.RawMessage   `json:"payload"`
	StatusCode      *int              `json:"status_code,omitempty"`
	ResponseBody    string            `json:"response_body"`
	ResponseHeaders map[string]string `json:"response_headers,omitempty"`
	DurationMs      int64             `json:"duration_ms"`
	Success         bool              `json:"success"`
	AttemptNumber   int               `json:"attempt_number"`
	Error           string            `json:"error,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
}

// Stats aggregates the most recent attempts of one subscription.
type Stats struct {
	Total         int     `json:"total"`
	Successful    int     `json:"successful"`
	Failed        int     `json:"failed"`
	SuccessRate   float64 `json:"success_rate"`
	AvgDurationMs int64   `json:"avg_duration_ms"`
}

// AttemptPage is one page of delivery history, newest first.
type AttemptPage struct {
	Attempts []Attempt `json:"attempts"`
	Total    int       `json:"total"`
	Page     int       `json:"page"`
	Limit    int       `json:"limit"`
}
