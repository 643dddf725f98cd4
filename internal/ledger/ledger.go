// Package ledger records delivery attempts and derives per-subscription
// statistics and history from them.
package ledger

import (
	"context"
	"fmt"
	"math"

	"github.com/austindbirch/harbor_dispatch/internal/webhook"
)

const (
	DefaultStatsWindow = 1000
	DefaultPageLimit   = 20
	MaxPageLimit       = 100
)

type Ledger struct {
	store       webhook.DeliveryStore
	statsWindow int
}

func New(store webhook.DeliveryStore, statsWindow int) *Ledger {
	if statsWindow <= 0 {
		statsWindow = DefaultStatsWindow
	}
	return &Ledger{store: store, statsWindow: statsWindow}
}

// Record appends one attempt. It is a single insert; concurrent pipelines
// need no coordination beyond the store's own atomicity.
func (l *Ledger) Record(ctx context.Context, a *webhook.Attempt) error {
	if err := l.store.Insert(ctx, a); err != nil {
		return fmt.Errorf("record attempt %d for %s: %w", a.AttemptNumber, a.SubscriptionID, err)
	}
	return nil
}

// Stats aggregates the newest statsWindow attempts of a subscription.
func (l *Ledger) Stats(ctx context.Context, subscriptionID string) (webhook.Stats, error) {
	attempts, err := l.store.ListRecent(ctx, subscriptionID, l.statsWindow)
	if err != nil {
		return webhook.Stats{}, fmt.Errorf("load attempts for stats: %w", err)
	}
	return Summarize(attempts), nil
}

// Summarize computes stats over attempts. Rates and averages are 0 for an
// empty set.
func Summarize(attempts []webhook.Attempt) webhook.Stats {
	st := webhook.Stats{Total: len(attempts)}
	if st.Total == 0 {
		return st
	}
	var totalMs int64
	for _, a := range attempts {
		if a.Success {
			st.Successful++
		}
		totalMs += a.DurationMs
	}
	st.Failed = st.Total - st.Successful
	st.SuccessRate = math.Round(float64(st.Successful)/float64(st.Total)*100*100) / 100
	st.AvgDurationMs = int64(math.Round(float64(totalMs) / float64(st.Total)))
	return st
}

// History returns one page of attempts, newest first. page is 1-based; limit
// defaults to DefaultPageLimit and is capped at MaxPageLimit.
func (l *Ledger) History(ctx context.Context, subscriptionID string, page, limit int) (webhook.AttemptPage, error) {
	page, limit = NormalizePage(page, limit)
	attempts, total, err := l.store.ListPage(ctx, subscriptionID, limit, (page-1)*limit)
	if err != nil {
		return webhook.AttemptPage{}, fmt.Errorf("load delivery history: %w", err)
	}
	return webhook.AttemptPage{Attempts: attempts, Total: total, Page: page, Limit: limit}, nil
}

func NormalizePage(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = DefaultPageLimit
	}
	if limit > MaxPageLimit {
		limit = MaxPageLimit
	}
	return page, limit
}
