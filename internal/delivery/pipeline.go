package delivery

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_dispatch/internal/logging"
	"github.com/austindbirch/harbor_dispatch/internal/metrics"
	"github.com/austindbirch/harbor_dispatch/internal/tracing"
	"github.com/austindbirch/harbor_dispatch/internal/webhook"
)

// Recorder appends one attempt to the delivery ledger.
type Recorder interface {
	Record(ctx context.Context, a *webhook.Attempt) error
}

// ExhaustedNotifier is told about deliveries that used every attempt.
type ExhaustedNotifier interface {
	NotifyExhausted(ctx context.Context, e Exhausted) error
}

// Job is one logical delivery: one subscription reacting to one event.
type Job struct {
	Subscription webhook.Subscription // snapshot, not re-read between attempts
	EventType    string
	Data         any
	// MaxAttempts overrides the subscription's retry budget when > 0.
	MaxAttempts int
}

func (j Job) maxAttempts() int {
	if j.MaxAttempts > 0 {
		return j.MaxAttempts
	}
	return j.Subscription.Retries()
}

// Outcome is the terminal state of a pipeline.
type Outcome struct {
	SubscriptionID string
	Attempts       int
	Success        bool
	Exhausted      bool
	Cancelled      bool
	Stale          bool // ledger rejected the attempt because the subscription is gone
	Last           Result
}

// Pipeline runs the attempts of one Job sequentially, recording each one
// before deciding on a retry.
type Pipeline struct {
	Attempter *Attempter
	Policy    RetryPolicy
	Recorder  Recorder
	Notifier  ExhaustedNotifier // optional
	Logger    *logging.Logger
	Now       func() time.Time
}

func (p *Pipeline) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// Run blocks until the job succeeds, is exhausted, or ctx is cancelled. The
// backoff wait is a timer inside the calling goroutine. Cancellation stops
// pending retries; an attempt already in flight is finished and recorded.
func (p *Pipeline) Run(ctx context.Context, job Job) Outcome {
	sub := job.Subscription
	budget := job.maxAttempts()
	out := Outcome{SubscriptionID: sub.ID}

	log := func() *logging.LogEntry {
		return p.Logger.WithContext(ctx).
			WithTenant(sub.TenantID.String()).
			WithSubscription(sub.ID).
			WithEvent(job.EventType)
	}

	for n := 1; ; n++ {
		payload := webhook.NewPayload(job.EventType, job.Data, sub.ID, p.now())
		// A started attempt runs to completion, bounded only by its own
		// timeout, so the receiver's view and the ledger agree.
		res := p.Attempter.Attempt(context.WithoutCancel(ctx), sub, payload, n)

		out.Attempts = n
		out.Last = res
		metrics.RecordAttempt(res.Success, res.Duration)

		attempt := p.toAttempt(sub.ID, job.EventType, n, res)
		if err := p.Recorder.Record(context.WithoutCancel(ctx), attempt); err != nil {
			if errors.Is(err, webhook.ErrStaleDelivery) {
				out.Stale = true
				log().WithDelivery(res.DeliveryID).WithError(err).Warn("subscription removed mid-delivery, stopping")
				return out
			}
			log().WithDelivery(res.DeliveryID).WithError(err).Error("record attempt failed")
		}

		if res.Success {
			out.Success = true
			log().WithDelivery(res.DeliveryID).WithFields(map[string]any{
				"attempt":     n,
				"status_code": res.StatusCode,
				"duration_ms": res.Duration.Milliseconds(),
			}).Info("webhook delivered")
			return out
		}

		if !p.Policy.ShouldRetry(n, budget) {
			out.Exhausted = true
			metrics.RecordExhausted(res.Reason)
			log().WithDelivery(res.DeliveryID).WithError(res.Err).WithFields(map[string]any{
				"attempts": n,
				"reason":   res.Reason,
			}).Warn("webhook delivery exhausted")
			p.notify(ctx, job, n, res)
			return out
		}

		if ctx.Err() != nil {
			out.Cancelled = true
			log().WithDelivery(res.DeliveryID).WithField("attempt", n).Info("delivery cancelled, no retry scheduled")
			return out
		}

		delay := p.Policy.Delay(n)
		metrics.RecordRetry(res.Reason)
		tracing.AddSpanEvent(ctx, "delivery.retry_scheduled",
			attribute.Int("attempt", n),
			attribute.String("delay", delay.String()),
		)
		log().WithDelivery(res.DeliveryID).WithError(res.Err).WithFields(map[string]any{
			"attempt": n,
			"delay":   delay.String(),
			"reason":  res.Reason,
		}).Info("webhook attempt failed, retry scheduled")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			out.Cancelled = true
			log().WithField("attempt", n).Info("pending retry cancelled")
			return out
		case <-timer.C:
		}
	}
}

func (p *Pipeline) notify(ctx context.Context, job Job, attempts int, last Result) {
	if p.Notifier == nil {
		return
	}
	env := NewExhausted(job, attempts, last, p.now())
	if err := p.Notifier.NotifyExhausted(context.WithoutCancel(ctx), env); err != nil {
		p.Logger.WithContext(ctx).WithSubscription(job.Subscription.ID).WithError(err).Error("exhaustion notify failed")
	}
}

func (p *Pipeline) toAttempt(subscriptionID, eventType string, n int, res Result) *webhook.Attempt {
	limit := p.Attempter.cfg.BodyLimit
	a := &webhook.Attempt{
		ID:              uuid.NewString(),
		SubscriptionID:  subscriptionID,
		DeliveryID:      res.DeliveryID,
		EventType:       eventType,
		Payload:         res.Body,
		ResponseBody:    res.ResponseBody,
		ResponseHeaders: res.ResponseHeaders,
		DurationMs:      res.Duration.Milliseconds(),
		Success:         res.Success,
		AttemptNumber:   n,
		CreatedAt:       p.now().UTC(),
	}
	if len(a.Payload) == 0 {
		a.Payload = []byte("null")
	}
	if res.StatusCode > 0 {
		code := res.StatusCode
		a.StatusCode = &code
	}
	if res.Err != nil {
		a.Error = Truncate(res.Err.Error(), limit)
	}
	return a
}
