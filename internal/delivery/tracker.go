package delivery

import (
	"context"
	"sync"
)

// Tracker indexes running pipelines by subscription id so they can be
// cancelled when the subscription is deleted or deactivated.
type Tracker struct {
	mu    sync.Mutex
	next  uint64
	bySub map[string]map[uint64]context.CancelFunc
}

func NewTracker() *Tracker {
	return &Tracker{bySub: make(map[string]map[uint64]context.CancelFunc)}
}

// Track returns a context cancelled by Cancel(subscriptionID) and a release
// func the pipeline must call when it ends.
func (t *Tracker) Track(ctx context.Context, subscriptionID string) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)

	t.mu.Lock()
	t.next++
	id := t.next
	if t.bySub[subscriptionID] == nil {
		t.bySub[subscriptionID] = make(map[uint64]context.CancelFunc)
	}
	t.bySub[subscriptionID][id] = cancel
	t.mu.Unlock()

	release := func() {
		t.mu.Lock()
		if m := t.bySub[subscriptionID]; m != nil {
			delete(m, id)
			if len(m) == 0 {
				delete(t.bySub, subscriptionID)
			}
		}
		t.mu.Unlock()
		cancel()
	}
	return ctx, release
}

// Cancel stops every pipeline of the subscription and returns how many there were.
func (t *Tracker) Cancel(subscriptionID string) int {
	t.mu.Lock()
	m := t.bySub[subscriptionID]
	delete(t.bySub, subscriptionID)
	t.mu.Unlock()

	for _, cancel := range m {
		cancel()
	}
	return len(m)
}

// Outstanding returns the number of tracked pipelines for a subscription.
func (t *Tracker) Outstanding(subscriptionID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.bySub[subscriptionID])
}
