package webhook

import (
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// Headers the dispatcher owns. Subscriptions may not configure them.
const (
	SignatureHeader  = "X-Webhook-Signature"
	DeliveryIDHeader = "X-Webhook-Delivery-ID"
)

// ReservedHeader reports whether name is owned by the dispatcher.
func ReservedHeader(name string) bool {
	return strings.EqualFold(name, SignatureHeader) || strings.EqualFold(name, DeliveryIDHeader)
}

// Normalize trims string fields, drops blank and duplicate event types and
// fills in the default retry budget.
func Normalize(s *Subscription) {
	s.Name = strings.TrimSpace(s.Name)
	s.URL = strings.TrimSpace(s.URL)

	seen := make(map[string]struct{}, len(s.Events))
	events := s.Events[:0:0]
	for _, e := range s.Events {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if _, dup := seen[e]; dup {
			continue
		}
		seen[e] = struct{}{}
		events = append(events, e)
	}
	s.Events = events

	if s.MaxRetries == 0 {
		s.MaxRetries = DefaultMaxRetries
	}
}

// Validate checks a normalized subscription and returns a *ValidationError
// listing every problem, or nil.
func Validate(s *Subscription) error {
	var problems []string

	if !s.TenantID.Valid() {
		problems = append(problems, "tenant_id is required")
	}
	if s.Name == "" {
		problems = append(problems, "name is required")
	}
	if s.URL == "" {
		problems = append(problems, "url is required")
	} else if err := validateURL(s.URL); err != nil {
		problems = append(problems, err.Error())
	}
	if len(s.Events) == 0 {
		problems = append(problems, "at least one event type is required")
	}
	if s.MaxRetries < 1 || s.MaxRetries > MaxAllowedRetries {
		problems = append(problems, fmt.Sprintf("max_retries must be between 1 and %d", MaxAllowedRetries))
	}
	for name, value := range s.Headers {
		switch {
		case !httpguts.ValidHeaderFieldName(name):
			problems = append(problems, fmt.Sprintf("invalid header name %q", name))
		case ReservedHeader(name):
			problems = append(problems, fmt.Sprintf("header %s is reserved", name))
		case !httpguts.ValidHeaderFieldValue(value):
			problems = append(problems, fmt.Sprintf("invalid value for header %q", name))
		}
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

func validateURL(raw string) error {
	u, err := url.ParseRequestURI(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("url must be absolute")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("url scheme must be http or https")
	}
	return nil
}
