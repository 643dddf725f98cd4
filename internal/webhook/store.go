package webhook

import "context"

// SubscriptionReader is the read side the dispatcher needs.
type SubscriptionReader interface {
	// ListActive returns active subscriptions owned by tenant. The tenant
	// filter is part of the query; implementations must reject a blank tenant.
	ListActive(ctx context.Context, tenant TenantID) ([]Subscription, error)
	// GetByID returns ErrNotFound when no subscription has this id.
	GetByID(ctx context.Context, id string) (*Subscription, error)
}

// SubscriptionStore is the full registry persistence contract.
type SubscriptionStore interface {
	SubscriptionReader
	List(ctx context.Context, tenant TenantID) ([]Subscription, error)
	Create(ctx context.Context, sub *Subscription) error
	Update(ctx context.Context, tenant TenantID, sub *Subscription) error
	// Delete removes the subscription and cascades to its attempts.
	Delete(ctx context.Context, tenant TenantID, id string) error
}

// DeliveryStore persists attempts. Rows are append-only.
type DeliveryStore interface {
	// Insert returns ErrStaleDelivery when the subscription no longer exists.
	Insert(ctx context.Context, a *Attempt) error
	// ListRecent returns at most limit attempts, newest first.
	ListRecent(ctx context.Context, subscriptionID string, limit int) ([]Attempt, error)
	// ListPage returns one page of attempts, newest first, and the total count.
	ListPage(ctx context.Context, subscriptionID string, limit, offset int) ([]Attempt, int, error)
}
