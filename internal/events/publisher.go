package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nsqio/go-nsq"

	"github.com/austindbirch/harbor_dispatch/internal/delivery"
	"github.com/austindbirch/harbor_dispatch/internal/logging"
	"github.com/austindbirch/harbor_dispatch/internal/tracing"
)

// Producer is the publishing half of *nsq.Producer.
type Producer interface {
	Publish(topic string, body []byte) error
}

var _ Producer = (*nsq.Producer)(nil)

// ExhaustedPublisher publishes delivery.exhausted envelopes.
type ExhaustedPublisher struct {
	producer Producer
	topic    string
	logger   *logging.Logger
}

func NewExhaustedPublisher(p Producer, topic string, logger *logging.Logger) *ExhaustedPublisher {
	return &ExhaustedPublisher{producer: p, topic: topic, logger: logger}
}

func (p *ExhaustedPublisher) NotifyExhausted(ctx context.Context, e delivery.Exhausted) error {
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode exhausted envelope: %w", err)
	}
	if err := p.producer.Publish(p.topic, b); err != nil {
		tracing.SetSpanError(ctx, err)
		return fmt.Errorf("publish to %s: %w", p.topic, err)
	}
	tracing.AddSpanEvent(ctx, "nsq.published_exhausted")
	p.logger.WithContext(ctx).WithTenant(e.TenantID).WithSubscription(e.SubscriptionID).
		WithField("topic", p.topic).Info("exhausted delivery published")
	return nil
}

// PublishEvent sends an event message, stamping it with the trace in ctx.
func PublishEvent(ctx context.Context, p Producer, topic string, msg EventMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	if msg.TraceHeaders == nil {
		msg.TraceHeaders = tracing.PropagateTraceToNSQ(ctx)
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := p.Publish(topic, b); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}
