// Package events carries the dispatcher's NSQ traffic: inbound domain events
// and outbound exhaustion notices.
package events

import (
	"encoding/json"
	"errors"
	"strings"
)

// EventMessage is the body published to the events topic by event sources.
type EventMessage struct {
	TenantID     string            `json:"tenant_id"`
	EventType    string            `json:"event_type"`
	Data         json.RawMessage   `json:"data,omitempty"`
	OccurredAt   string            `json:"occurred_at,omitempty"` // RFC3339
	TraceHeaders map[string]string `json:"trace_headers,omitempty"`
}

func (m EventMessage) Validate() error {
	var problems []string
	if strings.TrimSpace(m.TenantID) == "" {
		problems = append(problems, "tenant_id is required")
	}
	if strings.TrimSpace(m.EventType) == "" {
		problems = append(problems, "event_type is required")
	}
	if len(m.Data) > 0 && !json.Valid(m.Data) {
		problems = append(problems, "data is not valid JSON")
	}
	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}

// Payload returns the event data to embed in webhook payloads.
func (m EventMessage) Payload() any {
	if len(m.Data) == 0 {
		return map[string]any{}
	}
	return m.Data
}
