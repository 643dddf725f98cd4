// Package memory is an in-process implementation of the subscription and
// delivery stores, used in dev mode and by tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/austindbirch/harbor_dispatch/internal/webhook"
)

type Store struct {
	mu       sync.RWMutex
	subs     map[string]webhook.Subscription
	attempts map[string][]webhook.Attempt // insertion order, oldest first
	now      func() time.Time
}

func New() *Store {
	return &Store{
		subs:     make(map[string]webhook.Subscription),
		attempts: make(map[string][]webhook.Attempt),
		now:      time.Now,
	}
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) ListActive(_ context.Context, tenant webhook.TenantID) ([]webhook.Subscription, error) {
	return s.list(tenant, true)
}

func (s *Store) List(_ context.Context, tenant webhook.TenantID) ([]webhook.Subscription, error) {
	return s.list(tenant, false)
}

func (s *Store) list(tenant webhook.TenantID, activeOnly bool) ([]webhook.Subscription, error) {
	if !tenant.Valid() {
		return nil, webhook.ErrTenantRequired
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]webhook.Subscription, 0)
	for _, sub := range s.subs {
		if sub.TenantID != tenant || (activeOnly && !sub.Active) {
			continue
		}
		out = append(out, sub.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) GetByID(_ context.Context, id string) (*webhook.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subs[id]
	if !ok {
		return nil, webhook.ErrNotFound
	}
	c := sub.Clone()
	return &c, nil
}

func (s *Store) Create(_ context.Context, sub *webhook.Subscription) error {
	if !sub.TenantID.Valid() {
		return webhook.ErrTenantRequired
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	if _, exists := s.subs[sub.ID]; exists {
		return fmt.Errorf("create subscription %s: already exists", sub.ID)
	}
	now := s.now().UTC()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	sub.UpdatedAt = now
	s.subs[sub.ID] = sub.Clone()
	return nil
}

func (s *Store) Update(_ context.Context, tenant webhook.TenantID, sub *webhook.Subscription) error {
	if !tenant.Valid() {
		return webhook.ErrTenantRequired
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.owned(tenant, sub.ID)
	if err != nil {
		return err
	}
	sub.TenantID = existing.TenantID
	sub.CreatedAt = existing.CreatedAt
	sub.UpdatedAt = s.now().UTC()
	s.subs[sub.ID] = sub.Clone()
	return nil
}

func (s *Store) Delete(_ context.Context, tenant webhook.TenantID, id string) error {
	if !tenant.Valid() {
		return webhook.ErrTenantRequired
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.owned(tenant, id); err != nil {
		return err
	}
	delete(s.subs, id)
	delete(s.attempts, id)
	return nil
}

// owned must be called with s.mu held.
func (s *Store) owned(tenant webhook.TenantID, id string) (webhook.Subscription, error) {
	sub, ok := s.subs[id]
	if !ok {
		return webhook.Subscription{}, webhook.ErrNotFound
	}
	if sub.TenantID != tenant {
		return webhook.Subscription{}, webhook.ErrForbidden
	}
	return sub, nil
}

func (s *Store) Insert(_ context.Context, a *webhook.Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subs[a.SubscriptionID]; !ok {
		return webhook.ErrStaleDelivery
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now().UTC()
	}
	s.attempts[a.SubscriptionID] = append(s.attempts[a.SubscriptionID], copyAttempt(*a))
	return nil
}

func (s *Store) ListRecent(_ context.Context, subscriptionID string, limit int) ([]webhook.Attempt, error) {
	page, _ := s.page(subscriptionID, limit, 0)
	return page, nil
}

func (s *Store) ListPage(_ context.Context, subscriptionID string, limit, offset int) ([]webhook.Attempt, int, error) {
	page, total := s.page(subscriptionID, limit, offset)
	return page, total, nil
}

func (s *Store) page(subscriptionID string, limit, offset int) ([]webhook.Attempt, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.attempts[subscriptionID]
	total := len(all)
	out := make([]webhook.Attempt, 0)
	if offset < 0 {
		offset = 0
	}
	for i := total - 1 - offset; i >= 0 && len(out) < limit; i-- {
		out = append(out, copyAttempt(all[i]))
	}
	return out, total
}

func copyAttempt(a webhook.Attempt) webhook.Attempt {
	c := a
	if a.Payload != nil {
		c.Payload = append([]byte(nil), a.Payload...)
	}
	if a.StatusCode != nil {
		code := *a.StatusCode
		c.StatusCode = &code
	}
	if a.ResponseHeaders != nil {
		c.ResponseHeaders = make(map[string]string, len(a.ResponseHeaders))
		for k, v := range a.ResponseHeaders {
			c.ResponseHeaders[k] = v
		}
	}
	return c
}
