package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_dispatch/internal/signing"
	"github.com/austindbirch/harbor_dispatch/internal/tracing"
	"github.com/austindbirch/harbor_dispatch/internal/webhook"
)

const (
	EventHeader      = "X-Webhook-Event"
	DefaultUserAgent = "HarborDispatch-Webhook/1.0"
	DefaultTimeout   = 30 * time.Second
	DefaultBodyLimit = 5000
)

// Doer is the transport used for outbound requests; *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// AttempterConfig is injected instead of relying on a shared client.
type AttempterConfig struct {
	Timeout   time.Duration
	UserAgent string
	BodyLimit int // characters kept from response bodies and error messages
}

func DefaultAttempterConfig() AttempterConfig {
	return AttempterConfig{
		Timeout:   DefaultTimeout,
		UserAgent: DefaultUserAgent,
		BodyLimit: DefaultBodyLimit,
	}
}

// Attempter performs a single HTTP POST for a subscription.
type Attempter struct {
	cfg    AttempterConfig
	client Doer
	newID  func() string
}

// NewAttempter fills zero config fields with defaults. A nil client gets an
// *http.Client bounded by cfg.Timeout.
func NewAttempter(cfg AttempterConfig, client Doer) *Attempter {
	def := DefaultAttempterConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}
	if cfg.BodyLimit <= 0 {
		cfg.BodyLimit = def.BodyLimit
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Attempter{cfg: cfg, client: client, newID: uuid.NewString}
}

// Result is the outcome of one attempt. Every failure mode is captured here;
// Attempt never returns an error.
type Result struct {
	DeliveryID      string
	Body            []byte // exact bytes sent
	StatusCode      int    // 0 when no response was received
	ResponseBody    string
	ResponseHeaders map[string]string
	Duration        time.Duration
	Success         bool
	Err             error
	Reason          string // failure class, empty on success
}

// Attempt serializes p once, signs those bytes when the subscription has a
// secret, and POSTs them to the subscription URL.
func (a *Attempter) Attempt(ctx context.Context, sub webhook.Subscription, p webhook.Payload, n int) Result {
	res := Result{DeliveryID: a.newID()}

	ctx, span := tracing.StartSpan(ctx, "delivery.attempt",
		attribute.String("subscription_id", sub.ID),
		attribute.String("tenant_id", sub.TenantID.String()),
		attribute.String("event_type", p.Event),
		attribute.String("delivery_id", res.DeliveryID),
		attribute.Int("attempt", n),
	)
	defer span.End()

	body, err := json.Marshal(p)
	if err != nil {
		res.Err = fmt.Errorf("encode payload: %w", err)
		res.Reason = ReasonEncode
		tracing.SetSpanError(ctx, res.Err)
		return res
	}
	res.Body = body

	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		res.Err = fmt.Errorf("build request: %w", err)
		res.Reason = ReasonRequest
		tracing.SetSpanError(ctx, res.Err)
		return res
	}
	a.setHeaders(req.Header, sub, p.Event, res.DeliveryID, body)

	start := time.Now()
	resp, err := a.client.Do(req)
	if err != nil {
		res.Duration = time.Since(start)
		res.Err = err
		res.Reason = classifyReason(err, 0)
		span.SetAttributes(attribute.String("http.error", err.Error()))
		tracing.SetSpanError(ctx, err)
		return res
	}
	res.ResponseBody = readBody(resp.Body, a.cfg.BodyLimit)
	_ = resp.Body.Close()
	res.Duration = time.Since(start)
	res.StatusCode = resp.StatusCode
	res.ResponseHeaders = firstValues(resp.Header)
	res.Success = resp.StatusCode >= 200 && resp.StatusCode < 300

	span.SetAttributes(
		attribute.Int("http.status_code", res.StatusCode),
		attribute.Int64("http.latency_ms", res.Duration.Milliseconds()),
	)
	if !res.Success {
		res.Err = fmt.Errorf("unexpected status %d", resp.StatusCode)
		res.Reason = classifyReason(nil, resp.StatusCode)
		span.SetAttributes(attribute.String("failure_reason", res.Reason))
	}
	return res
}

// setHeaders applies defaults, then subscription headers, then the signature.
func (a *Attempter) setHeaders(h http.Header, sub webhook.Subscription, eventType, deliveryID string, body []byte) {
	h.Set("Content-Type", "application/json")
	h.Set("User-Agent", a.cfg.UserAgent)
	h.Set(EventHeader, eventType)

	for k, v := range sub.Headers {
		if webhook.ReservedHeader(k) {
			continue
		}
		h.Set(k, v)
	}

	h.Set(webhook.DeliveryIDHeader, deliveryID)
	if sub.HasSecret() {
		h.Set(signing.Header, signing.Sign(body, sub.Secret))
	} else {
		h.Del(signing.Header)
	}
}

// readBody returns at most limit characters; a read error yields "".
func readBody(r io.Reader, limit int) string {
	b, err := io.ReadAll(io.LimitReader(r, int64(limit)*utf8.UTFMax))
	if err != nil {
		return ""
	}
	return Truncate(string(b), limit)
}

// Truncate cuts s to at most limit characters after replacing invalid UTF-8.
func Truncate(s string, limit int) string {
	s = strings.ToValidUTF8(s, "�")
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	i, n := 0, 0
	for i < len(s) && n < limit {
		_, size := utf8.DecodeRuneInString(s[i:])
		i += size
		n++
	}
	return s[:i]
}

func firstValues(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}
