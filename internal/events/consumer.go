package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nsqio/go-nsq"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_dispatch/internal/config"
	"github.com/austindbirch/harbor_dispatch/internal/logging"
	"github.com/austindbirch/harbor_dispatch/internal/tracing"
	"github.com/austindbirch/harbor_dispatch/internal/webhook"
)

// Trigger is the dispatcher entry point; *dispatch.Dispatcher satisfies it.
type Trigger interface {
	TriggerEvent(ctx context.Context, eventType string, data any, tenant webhook.TenantID)
}

// Handler turns event messages into TriggerEvent calls. Messages are always
// finished: malformed ones are logged and dropped, and webhook delivery
// failures never requeue the event.
type Handler struct {
	trigger Trigger
	logger  *logging.Logger
}

func NewHandler(trigger Trigger, logger *logging.Logger) *Handler {
	return &Handler{trigger: trigger, logger: logger}
}

func (h *Handler) HandleMessage(m *nsq.Message) error {
	var msg EventMessage
	if err := json.Unmarshal(m.Body, &msg); err != nil {
		h.logger.Plain().WithError(err).WithField("nsq_message_id", string(m.ID[:])).Error("bad event payload")
		return nil
	}
	if err := msg.Validate(); err != nil {
		h.logger.Plain().WithTenant(msg.TenantID).WithEvent(msg.EventType).WithError(err).Error("invalid event message")
		return nil
	}

	ctx := tracing.ExtractTraceFromNSQ(context.Background(), msg.TraceHeaders)
	ctx, span := tracing.StartSpan(ctx, "events.consume",
		attribute.String("tenant_id", msg.TenantID),
		attribute.String("event_type", msg.EventType),
		attribute.Int("nsq.attempts", int(m.Attempts)),
	)
	defer span.End()

	h.trigger.TriggerEvent(ctx, msg.EventType, msg.Payload(), webhook.TenantID(msg.TenantID))
	return nil
}

// StartConsumer subscribes h to the events topic on the dispatcher channel.
func StartConsumer(cfg config.NSQ, h *Handler, logger *logging.Logger) (*nsq.Consumer, error) {
	conf := nsq.NewConfig()
	if cfg.MaxInFlight > 0 {
		conf.MaxInFlight = cfg.MaxInFlight
	}
	consumer, err := nsq.NewConsumer(cfg.EventsTopic, cfg.DispatcherChannel, conf)
	if err != nil {
		return nil, fmt.Errorf("nsq consumer creation failed: %w", err)
	}
	consumer.SetLogger(nsqLogger{logger}, nsq.LogLevelWarning)
	consumer.AddHandler(h)

	// Connecting directly to nsqd creates the channel before the first publish
	if err := consumer.ConnectToNSQD(cfg.NsqdTCPAddr); err != nil {
		consumer.Stop()
		return nil, fmt.Errorf("connect to nsqd failed: %w", err)
	}
	if cfg.LookupHTTPAddr != "" {
		if err := consumer.ConnectToNSQLookupd(cfg.LookupHTTPAddr); err != nil {
			consumer.Stop()
			return nil, fmt.Errorf("connect to lookupd failed: %w", err)
		}
	}
	return consumer, nil
}

// nsqLogger routes go-nsq's internal logging into the structured logger.
type nsqLogger struct {
	logger *logging.Logger
}

func (l nsqLogger) Output(_ int, s string) error {
	l.logger.Plain().WithField("component", "nsq").Warn(s)
	return nil
}
