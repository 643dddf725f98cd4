package delivery

import (
	"encoding/json"
	"time"
)

const ExhaustedType = "delivery.exhausted"

// Exhausted is published when a pipeline used every attempt without success.
type Exhausted struct {
	Type           string          `json:"type"`    // "delivery.exhausted"
	Version        string          `json:"version"` // schema version
	At             string          `json:"at"`      // RFC3339 time the envelope was emitted
	Reason         string          `json:"reason"`  // failure class of the last attempt
	TenantID       string          `json:"tenant_id"`
	SubscriptionID string          `json:"subscription_id"`
	URL            string          `json:"url"`
	EventType      string          `json:"event_type"`
	Attempts       int             `json:"attempts"`
	HTTPStatus     int             `json:"http_status,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
	LastDeliveryID string          `json:"last_delivery_id"`
	Payload        json.RawMessage `json:"payload,omitempty"` // last wire body
}

func NewExhausted(job Job, attempts int, last Result, at time.Time) Exhausted {
	e := Exhausted{
		Type:           ExhaustedType,
		Version:        "v1",
		At:             at.UTC().Format(time.RFC3339Nano),
		Reason:         last.Reason,
		TenantID:       job.Subscription.TenantID.String(),
		SubscriptionID: job.Subscription.ID,
		URL:            job.Subscription.URL,
		EventType:      job.EventType,
		Attempts:       attempts,
		HTTPStatus:     last.StatusCode,
		LastDeliveryID: last.DeliveryID,
		Payload:        json.RawMessage(last.Body),
	}
	if last.Err != nil {
		e.LastError = last.Err.Error()
	}
	return e
}
