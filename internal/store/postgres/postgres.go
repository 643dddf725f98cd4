// Package postgres implements the subscription and delivery stores on pgx.
// Every subscription query carries the tenant in its WHERE clause.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/austindbirch/harbor_dispatch/internal/webhook"
)

const foreignKeyViolation = "23503"

const subscriptionColumns = `id, tenant_id, name, url, secret, events, active, headers, max_retries, created_at, updated_at`

const attemptColumns = `id, subscription_id, delivery_id, event_type, payload, status_code, response_body,
	response_headers, duration_ms, success, attempt_number, error, created_at`

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) ListActive(ctx context.Context, tenant webhook.TenantID) ([]webhook.Subscription, error) {
	if !tenant.Valid() {
		return nil, webhook.ErrTenantRequired
	}
	return s.querySubscriptions(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE tenant_id = $1 AND active
		ORDER BY created_at, id`, tenant.String())
}

func (s *Store) List(ctx context.Context, tenant webhook.TenantID) ([]webhook.Subscription, error) {
	if !tenant.Valid() {
		return nil, webhook.ErrTenantRequired
	}
	return s.querySubscriptions(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE tenant_id = $1
		ORDER BY created_at, id`, tenant.String())
}

func (s *Store) querySubscriptions(ctx context.Context, query string, args ...any) ([]webhook.Subscription, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query subscriptions: %w", err)
	}
	defer rows.Close()

	out := make([]webhook.Subscription, 0)
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		out = append(out, *sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate subscriptions: %w", err)
	}
	return out, nil
}

func (s *Store) GetByID(ctx context.Context, id string) (*webhook.Subscription, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, webhook.ErrNotFound
	}
	row := s.pool.QueryRow(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id)
	sub, err := scanSubscription(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, webhook.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

func (s *Store) Create(ctx context.Context, sub *webhook.Subscription) error {
	if !sub.TenantID.Valid() {
		return webhook.ErrTenantRequired
	}
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO subscriptions (id, tenant_id, name, url, secret, events, active, headers, max_retries)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at`,
		sub.ID, sub.TenantID.String(), sub.Name, sub.URL, sub.Secret, sub.Events, sub.Active,
		headersOrEmpty(sub.Headers), sub.MaxRetries,
	).Scan(&sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create subscription: %w", err)
	}
	return nil
}

func (s *Store) Update(ctx context.Context, tenant webhook.TenantID, sub *webhook.Subscription) error {
	if !tenant.Valid() {
		return webhook.ErrTenantRequired
	}
	if _, err := uuid.Parse(sub.ID); err != nil {
		return webhook.ErrNotFound
	}
	var owner string
	err := s.pool.QueryRow(ctx, `
		UPDATE subscriptions
		SET name = $3, url = $4, secret = $5, events = $6, active = $7, headers = $8,
			max_retries = $9, updated_at = now()
		WHERE id = $1 AND tenant_id = $2
		RETURNING tenant_id, created_at, updated_at`,
		sub.ID, tenant.String(), sub.Name, sub.URL, sub.Secret, sub.Events, sub.Active,
		headersOrEmpty(sub.Headers), sub.MaxRetries,
	).Scan(&owner, &sub.CreatedAt, &sub.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return s.missOrForbidden(ctx, sub.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}
	sub.TenantID = webhook.TenantID(owner)
	return nil
}

// Delete removes the subscription; delivery_attempts cascade in the schema.
func (s *Store) Delete(ctx context.Context, tenant webhook.TenantID, id string) error {
	if !tenant.Valid() {
		return webhook.ErrTenantRequired
	}
	if _, err := uuid.Parse(id); err != nil {
		return webhook.ErrNotFound
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM subscriptions WHERE id = $1 AND tenant_id = $2`, id, tenant.String())
	if err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missOrForbidden(ctx, id)
	}
	return nil
}

func (s *Store) missOrForbidden(ctx context.Context, id string) error {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM subscriptions WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check subscription: %w", err)
	}
	if exists {
		return webhook.ErrForbidden
	}
	return webhook.ErrNotFound
}

func (s *Store) Insert(ctx context.Context, a *webhook.Attempt) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	// TEXT columns cannot hold NUL; payload is a json column, which keeps a
	// \u0000 escape that jsonb would reject.
	a.EventType = stripNUL(a.EventType)
	a.ResponseBody = stripNUL(a.ResponseBody)
	a.Error = stripNUL(a.Error)
	a.ResponseHeaders = stripHeaderNUL(a.ResponseHeaders)

	err := s.pool.QueryRow(ctx, `
		INSERT INTO delivery_attempts (`+attemptColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, COALESCE($13, now()))
		RETURNING created_at`,
		a.ID, a.SubscriptionID, a.DeliveryID, a.EventType, a.Payload, a.StatusCode, a.ResponseBody,
		a.ResponseHeaders, a.DurationMs, a.Success, a.AttemptNumber, nullString(a.Error), nullTime(a),
	).Scan(&a.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation {
			return fmt.Errorf("%w: %s", webhook.ErrStaleDelivery, a.SubscriptionID)
		}
		return fmt.Errorf("failed to insert delivery attempt: %w", err)
	}
	return nil
}

func (s *Store) ListRecent(ctx context.Context, subscriptionID string, limit int) ([]webhook.Attempt, error) {
	if _, err := uuid.Parse(subscriptionID); err != nil {
		return []webhook.Attempt{}, nil
	}
	return s.queryAttempts(ctx, `
		SELECT `+attemptColumns+`
		FROM delivery_attempts
		WHERE subscription_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, subscriptionID, limit)
}

func (s *Store) ListPage(ctx context.Context, subscriptionID string, limit, offset int) ([]webhook.Attempt, int, error) {
	if _, err := uuid.Parse(subscriptionID); err != nil {
		return []webhook.Attempt{}, 0, nil
	}
	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM delivery_attempts WHERE subscription_id = $1`,
		subscriptionID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count delivery attempts: %w", err)
	}
	attempts, err := s.queryAttempts(ctx, `
		SELECT `+attemptColumns+`
		FROM delivery_attempts
		WHERE subscription_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3`, subscriptionID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	return attempts, total, nil
}

func (s *Store) queryAttempts(ctx context.Context, query string, args ...any) ([]webhook.Attempt, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query delivery attempts: %w", err)
	}
	defer rows.Close()

	out := make([]webhook.Attempt, 0)
	for rows.Next() {
		var a webhook.Attempt
		var errText *string
		if err := rows.Scan(
			&a.ID, &a.SubscriptionID, &a.DeliveryID, &a.EventType, &a.Payload, &a.StatusCode, &a.ResponseBody,
			&a.ResponseHeaders, &a.DurationMs, &a.Success, &a.AttemptNumber, &errText, &a.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan delivery attempt: %w", err)
		}
		if errText != nil {
			a.Error = *errText
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate delivery attempts: %w", err)
	}
	return out, nil
}

func scanSubscription(row pgx.Row) (*webhook.Subscription, error) {
	var sub webhook.Subscription
	var tenant string
	if err := row.Scan(
		&sub.ID, &tenant, &sub.Name, &sub.URL, &sub.Secret, &sub.Events, &sub.Active,
		&sub.Headers, &sub.MaxRetries, &sub.CreatedAt, &sub.UpdatedAt,
	); err != nil {
		return nil, err
	}
	sub.TenantID = webhook.TenantID(tenant)
	if len(sub.Headers) == 0 {
		sub.Headers = nil
	}
	return &sub, nil
}

func stripNUL(s string) string {
	return strings.ReplaceAll(s, "\x00", "")
}

func stripHeaderNUL(h map[string]string) map[string]string {
	if h == nil {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[stripNUL(k)] = stripNUL(v)
	}
	return out
}

func headersOrEmpty(h map[string]string) map[string]string {
	if h == nil {
		return map[string]string{}
	}
	return h
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullTime(a *webhook.Attempt) any {
	if a.CreatedAt.IsZero() {
		return nil
	}
	return a.CreatedAt
}
