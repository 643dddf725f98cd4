// Package registry owns subscription configuration. Every operation checks
// that the subscription belongs to the calling tenant.
package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/austindbirch/harbor_dispatch/internal/delivery"
	"github.com/austindbirch/harbor_dispatch/internal/dispatch"
	"github.com/austindbirch/harbor_dispatch/internal/ledger"
	"github.com/austindbirch/harbor_dispatch/internal/logging"
	"github.com/austindbirch/harbor_dispatch/internal/webhook"
)

// Deliverer starts single-subscription deliveries and cancels outstanding
// ones; *dispatch.Dispatcher satisfies it.
type Deliverer interface {
	Deliver(ctx context.Context, job delivery.Job) (dispatch.Handle, error)
	CancelSubscription(subscriptionID string) int
}

// Input carries create and update fields. Nil fields are left unchanged on
// update.
type Input struct {
	Name       *string           `json:"name,omitempty"`
	URL        *string           `json:"url,omitempty"`
	Secret     *string           `json:"secret,omitempty"`
	Events     []string          `json:"events,omitempty"`
	Active     *bool             `json:"active,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	MaxRetries *int              `json:"max_retries,omitempty"`
}

// TestResult is the outcome of a synthetic webhook.test delivery.
type TestResult struct {
	Success      bool   `json:"success"`
	StatusCode   int    `json:"status_code,omitempty"`
	DurationMs   int64  `json:"duration_ms"`
	DeliveryID   string `json:"delivery_id"`
	ResponseBody string `json:"response_body,omitempty"`
	Error        string `json:"error,omitempty"`
}

type Registry struct {
	store     webhook.SubscriptionStore
	ledger    *ledger.Ledger
	deliverer Deliverer
	logger    *logging.Logger
	now       func() time.Time

	defaultRetries int
}

func New(store webhook.SubscriptionStore, l *ledger.Ledger, d Deliverer, logger *logging.Logger) *Registry {
	return &Registry{store: store, ledger: l, deliverer: d, logger: logger, now: time.Now}
}

// WithDefaultRetries sets the attempt budget given to new subscriptions that
// do not specify one.
func (r *Registry) WithDefaultRetries(n int) *Registry {
	r.defaultRetries = n
	return r
}

func (r *Registry) List(ctx context.Context, tenant webhook.TenantID) ([]webhook.Subscription, error) {
	if !tenant.Valid() {
		return nil, webhook.ErrTenantRequired
	}
	return r.store.List(ctx, tenant)
}

// Get returns ErrNotFound for unknown ids and ErrForbidden for another
// tenant's subscription.
func (r *Registry) Get(ctx context.Context, tenant webhook.TenantID, id string) (*webhook.Subscription, error) {
	if !tenant.Valid() {
		return nil, webhook.ErrTenantRequired
	}
	sub, err := r.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if sub.TenantID != tenant {
		return nil, webhook.ErrForbidden
	}
	return sub, nil
}

func (r *Registry) Create(ctx context.Context, tenant webhook.TenantID, in Input) (*webhook.Subscription, error) {
	if !tenant.Valid() {
		return nil, webhook.ErrTenantRequired
	}
	sub := &webhook.Subscription{TenantID: tenant, Active: true}
	apply(sub, in)
	if sub.MaxRetries == 0 && r.defaultRetries > 0 {
		sub.MaxRetries = r.defaultRetries
	}

	webhook.Normalize(sub)
	if err := webhook.Validate(sub); err != nil {
		return nil, err
	}
	if err := r.store.Create(ctx, sub); err != nil {
		return nil, fmt.Errorf("create subscription: %w", err)
	}

	r.logger.WithContext(ctx).WithTenant(tenant.String()).WithSubscription(sub.ID).
		WithField("events", sub.Events).Info("subscription created")
	return sub, nil
}

// Update merges in over the stored subscription. Deactivating cancels
// pending retries.
func (r *Registry) Update(ctx context.Context, tenant webhook.TenantID, id string, in Input) (*webhook.Subscription, error) {
	sub, err := r.Get(ctx, tenant, id)
	if err != nil {
		return nil, err
	}
	wasActive := sub.Active
	apply(sub, in)

	webhook.Normalize(sub)
	if err := webhook.Validate(sub); err != nil {
		return nil, err
	}
	if err := r.store.Update(ctx, tenant, sub); err != nil {
		return nil, err
	}

	if wasActive && !sub.Active {
		r.deliverer.CancelSubscription(sub.ID)
	}
	r.logger.WithContext(ctx).WithTenant(tenant.String()).WithSubscription(sub.ID).Info("subscription updated")
	return sub, nil
}

// Delete removes the subscription and its delivery history and cancels
// pending retries.
func (r *Registry) Delete(ctx context.Context, tenant webhook.TenantID, id string) error {
	if !tenant.Valid() {
		return webhook.ErrTenantRequired
	}
	if err := r.store.Delete(ctx, tenant, id); err != nil {
		return err
	}
	r.deliverer.CancelSubscription(id)
	r.logger.WithContext(ctx).WithTenant(tenant.String()).WithSubscription(id).Info("subscription deleted")
	return nil
}

// Test sends one webhook.test event to the subscription, without retries,
// and waits for the outcome. The attempt is recorded like any other.
func (r *Registry) Test(ctx context.Context, tenant webhook.TenantID, id string) (TestResult, error) {
	sub, err := r.Get(ctx, tenant, id)
	if err != nil {
		return TestResult{}, err
	}

	h, err := r.deliverer.Deliver(ctx, delivery.Job{
		Subscription: *sub,
		EventType:    webhook.TestEventType,
		Data: map[string]any{
			"message":   "This is a test webhook delivery",
			"test":      true,
			"timestamp": r.now().UTC().Format(webhook.TimestampLayout),
		},
		MaxAttempts: 1,
	})
	if err != nil {
		return TestResult{}, fmt.Errorf("start test delivery: %w", err)
	}

	select {
	case out := <-h.Done:
		res := TestResult{
			Success:      out.Success,
			StatusCode:   out.Last.StatusCode,
			DurationMs:   out.Last.Duration.Milliseconds(),
			DeliveryID:   out.Last.DeliveryID,
			ResponseBody: out.Last.ResponseBody,
		}
		if out.Last.Err != nil {
			res.Error = out.Last.Err.Error()
		}
		return res, nil
	case <-ctx.Done():
		return TestResult{}, ctx.Err()
	}
}

func (r *Registry) Deliveries(ctx context.Context, tenant webhook.TenantID, id string, page, limit int) (webhook.AttemptPage, error) {
	if _, err := r.Get(ctx, tenant, id); err != nil {
		return webhook.AttemptPage{}, err
	}
	return r.ledger.History(ctx, id, page, limit)
}

func (r *Registry) Stats(ctx context.Context, tenant webhook.TenantID, id string) (webhook.Stats, error) {
	if _, err := r.Get(ctx, tenant, id); err != nil {
		return webhook.Stats{}, err
	}
	return r.ledger.Stats(ctx, id)
}

func apply(sub *webhook.Subscription, in Input) {
	if in.Name != nil {
		sub.Name = *in.Name
	}
	if in.URL != nil {
		sub.URL = *in.URL
	}
	if in.Secret != nil {
		sub.Secret = *in.Secret
	}
	if in.Events != nil {
		sub.Events = append([]string(nil), in.Events...)
	}
	if in.Active != nil {
		sub.Active = *in.Active
	}
	if in.Headers != nil {
		sub.Headers = make(map[string]string, len(in.Headers))
		for k, v := range in.Headers {
			sub.Headers[k] = v
		}
	}
	if in.MaxRetries != nil {
		sub.MaxRetries = *in.MaxRetries
	}
}
