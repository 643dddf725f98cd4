// Package dispatch matches triggered events to tenant subscriptions and runs
// one delivery pipeline per match.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/austindbirch/harbor_dispatch/internal/delivery"
	"github.com/austindbirch/harbor_dispatch/internal/logging"
	"github.com/austindbirch/harbor_dispatch/internal/metrics"
	"github.com/austindbirch/harbor_dispatch/internal/tracing"
	"github.com/austindbirch/harbor_dispatch/internal/webhook"
)

var ErrShutdown = errors.New("dispatcher is shut down")

// Runner runs one delivery job to completion; *delivery.Pipeline satisfies it.
type Runner interface {
	Run(ctx context.Context, job delivery.Job) delivery.Outcome
}

// Handle tracks one started pipeline. Done receives exactly one Outcome.
type Handle struct {
	SubscriptionID string
	Done           <-chan delivery.Outcome
}

type Dispatcher struct {
	subs    webhook.SubscriptionReader
	runner  Runner
	tracker *delivery.Tracker
	logger  *logging.Logger

	// pipelines outlive the triggering request; they stop only on Shutdown
	// or CancelSubscription.
	base   context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     conc.WaitGroup
}

func New(subs webhook.SubscriptionReader, runner Runner, logger *logging.Logger) *Dispatcher {
	base, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		subs:    subs,
		runner:  runner,
		tracker: delivery.NewTracker(),
		logger:  logger,
		base:    base,
		cancel:  cancel,
	}
}

// TriggerEvent fans eventType out to the tenant's matching active
// subscriptions. It returns once every pipeline has started and never
// reports failure to the caller.
func (d *Dispatcher) TriggerEvent(ctx context.Context, eventType string, data any, tenant webhook.TenantID) {
	_, _ = d.Dispatch(ctx, eventType, data, tenant)
}

// Dispatch is TriggerEvent with the started pipelines and lookup error
// exposed. Errors are already logged.
func (d *Dispatcher) Dispatch(ctx context.Context, eventType string, data any, tenant webhook.TenantID) ([]Handle, error) {
	ctx, span := tracing.StartSpan(ctx, "dispatch.trigger",
		attribute.String("tenant_id", tenant.String()),
		attribute.String("event_type", eventType),
	)
	defer span.End()

	log := d.logger.WithContext(ctx).WithTenant(tenant.String()).WithEvent(eventType)

	if !tenant.Valid() {
		metrics.RecordEventTriggered(metrics.EventDropped)
		log.Error("event triggered without tenant, dropping")
		tracing.SetSpanError(ctx, webhook.ErrTenantRequired)
		return nil, webhook.ErrTenantRequired
	}

	subs, err := d.subs.ListActive(ctx, tenant)
	if err != nil {
		metrics.RecordEventTriggered(metrics.EventLookupFailed)
		err = fmt.Errorf("list active subscriptions: %w", err)
		log.WithError(err).Error("subscription lookup failed, event not dispatched")
		tracing.SetSpanError(ctx, err)
		return nil, err
	}

	metrics.RecordEventTriggered(metrics.EventDispatched)
	handles := make([]Handle, 0, len(subs))
	for _, sub := range subs {
		if !sub.Subscribes(eventType) {
			continue
		}
		h, err := d.start(ctx, delivery.Job{Subscription: sub.Clone(), EventType: eventType, Data: data})
		if err != nil {
			log.WithSubscription(sub.ID).WithError(err).Warn("pipeline not started")
			continue
		}
		handles = append(handles, h)
	}

	span.SetAttributes(
		attribute.Int("subscriptions.active", len(subs)),
		attribute.Int("pipelines.started", len(handles)),
	)
	log.WithFields(map[string]any{
		"active":    len(subs),
		"pipelines": len(handles),
	}).Debug("event dispatched")
	return handles, nil
}

// Deliver starts a pipeline for one job without matching its event type.
func (d *Dispatcher) Deliver(ctx context.Context, job delivery.Job) (Handle, error) {
	job.Subscription = job.Subscription.Clone()
	return d.start(ctx, job)
}

func (d *Dispatcher) start(ctx context.Context, job delivery.Job) (Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return Handle{}, ErrShutdown
	}

	// keep the trace of the trigger, drop its cancellation
	pctx := oteltrace.ContextWithSpanContext(d.base, oteltrace.SpanContextFromContext(ctx))
	pctx, release := d.tracker.Track(pctx, job.Subscription.ID)

	done := make(chan delivery.Outcome, 1)
	metrics.RecordPipelineStarted()

	d.wg.Go(func() {
		defer release()
		defer metrics.RecordPipelineFinished()

		var out delivery.Outcome
		var pc panics.Catcher
		pc.Try(func() { out = d.runner.Run(pctx, job) })
		if r := pc.Recovered(); r != nil {
			d.logger.WithContext(pctx).
				WithSubscription(job.Subscription.ID).
				WithEvent(job.EventType).
				WithField("panic", r.String()).
				Error("delivery pipeline panicked")
			out = delivery.Outcome{SubscriptionID: job.Subscription.ID}
		}
		done <- out
	})

	return Handle{SubscriptionID: job.Subscription.ID, Done: done}, nil
}

// CancelSubscription stops running and pending pipelines of a subscription.
func (d *Dispatcher) CancelSubscription(subscriptionID string) int {
	n := d.tracker.Cancel(subscriptionID)
	if n > 0 {
		d.logger.Plain().WithSubscription(subscriptionID).WithField("pipelines", n).Info("cancelled outstanding deliveries")
	}
	return n
}

// Shutdown refuses new pipelines, cancels pending retries and waits for
// running pipelines to return, or for ctx to end.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.cancel()

	finished := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for delivery pipelines: %w", ctx.Err())
	}
}
