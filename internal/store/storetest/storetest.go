// Package storetest holds the behavioural suite shared by every store
// implementation.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/austindbirch/harbor_dispatch/internal/webhook"
)

type Store interface {
	webhook.SubscriptionStore
	webhook.DeliveryStore
}

// Run exercises both store contracts. newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) Store) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s Store)
	}{
		{"TenantIsolation", testTenantIsolation},
		{"GetByIDMissing", testGetByIDMissing},
		{"UpdateOwnership", testUpdateOwnership},
		{"DeleteCascades", testDeleteCascades},
		{"DeleteOwnership", testDeleteOwnership},
		{"AttemptsNewestFirst", testAttemptsNewestFirst},
		{"AttemptFields", testAttemptFields},
		{"AttemptWithNULBytes", testAttemptWithNULBytes},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

func NewSubscription(tenant webhook.TenantID, active bool, events ...string) *webhook.Subscription {
	if len(events) == 0 {
		events = []string{"video.deleted"}
	}
	return &webhook.Subscription{
		ID:         uuid.NewString(),
		TenantID:   tenant,
		Name:       "hook",
		URL:        "https://example.com/hook",
		Secret:     "s3cret",
		Events:     events,
		Active:     active,
		Headers:    map[string]string{"X-Custom": "1"},
		MaxRetries: 3,
	}
}

func mustCreate(t *testing.T, s Store, sub *webhook.Subscription) {
	t.Helper()
	if err := s.Create(context.Background(), sub); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
}

func newAttempt(subID string, n int, at time.Time) *webhook.Attempt {
	return &webhook.Attempt{
		ID:             uuid.NewString(),
		SubscriptionID: subID,
		DeliveryID:     uuid.NewString(),
		EventType:      "video.deleted",
		Payload:        json.RawMessage(`{"event":"video.deleted","data":{"id":1}}`),
		DurationMs:     int64(10 * n),
		AttemptNumber:  n,
		CreatedAt:      at,
	}
}

func ids(subs []webhook.Subscription) map[string]bool {
	out := make(map[string]bool, len(subs))
	for _, s := range subs {
		out[s.ID] = true
	}
	return out
}

func testTenantIsolation(t *testing.T, s Store) {
	ctx := context.Background()
	aActive := NewSubscription("tenant-a", true)
	aInactive := NewSubscription("tenant-a", false)
	bActive := NewSubscription("tenant-b", true)
	for _, sub := range []*webhook.Subscription{aActive, aInactive, bActive} {
		mustCreate(t, s, sub)
	}

	active, err := s.ListActive(ctx, "tenant-a")
	if err != nil {
		t.Fatalf("ListActive() error = %v", err)
	}
	if got := ids(active); len(got) != 1 || !got[aActive.ID] {
		t.Errorf("ListActive(tenant-a) = %v, want only %s", got, aActive.ID)
	}

	all, err := s.List(ctx, "tenant-a")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if got := ids(all); len(got) != 2 || got[bActive.ID] {
		t.Errorf("List(tenant-a) = %v, want tenant-a's two subscriptions", got)
	}

	if _, err := s.ListActive(ctx, ""); !errors.Is(err, webhook.ErrTenantRequired) {
		t.Errorf("ListActive(\"\") error = %v, want ErrTenantRequired", err)
	}
	if _, err := s.List(ctx, "  "); !errors.Is(err, webhook.ErrTenantRequired) {
		t.Errorf("List(blank) error = %v, want ErrTenantRequired", err)
	}
}

func testGetByIDMissing(t *testing.T, s Store) {
	for _, id := range []string{uuid.NewString(), "not-a-uuid"} {
		if _, err := s.GetByID(context.Background(), id); !errors.Is(err, webhook.ErrNotFound) {
			t.Errorf("GetByID(%q) error = %v, want ErrNotFound", id, err)
		}
	}
}

func testUpdateOwnership(t *testing.T, s Store) {
	ctx := context.Background()
	sub := NewSubscription("tenant-a", true)
	mustCreate(t, s, sub)
	created := sub.CreatedAt

	changed := sub.Clone()
	changed.Name = "renamed"
	changed.Events = []string{"folder.created"}
	changed.Active = false

	if err := s.Update(ctx, "tenant-b", &changed); !errors.Is(err, webhook.ErrForbidden) {
		t.Errorf("Update(other tenant) error = %v, want ErrForbidden", err)
	}

	missing := changed.Clone()
	missing.ID = uuid.NewString()
	if err := s.Update(ctx, "tenant-a", &missing); !errors.Is(err, webhook.ErrNotFound) {
		t.Errorf("Update(unknown id) error = %v, want ErrNotFound", err)
	}

	if err := s.Update(ctx, "tenant-a", &changed); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	got, err := s.GetByID(ctx, sub.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.Name != "renamed" || got.Active || !reflect.DeepEqual(got.Events, []string{"folder.created"}) {
		t.Errorf("GetByID() = %+v, update not persisted", got)
	}
	if got.TenantID != "tenant-a" {
		t.Errorf("TenantID = %q, want tenant-a", got.TenantID)
	}
	if !got.CreatedAt.Equal(created) {
		t.Errorf("CreatedAt = %v, want preserved %v", got.CreatedAt, created)
	}
	if got.Secret != "s3cret" || got.Headers["X-Custom"] != "1" {
		t.Errorf("secret or headers lost: %+v", got)
	}
}

func testDeleteCascades(t *testing.T, s Store) {
	ctx := context.Background()
	sub := NewSubscription("tenant-a", true)
	mustCreate(t, s, sub)

	base := time.Now().UTC().Truncate(time.Millisecond)
	for n := 1; n <= 3; n++ {
		if err := s.Insert(ctx, newAttempt(sub.ID, n, base.Add(time.Duration(n)*time.Second))); err != nil {
			t.Fatalf("Insert() error = %v", err)
		}
	}
	if got, _ := s.ListRecent(ctx, sub.ID, 10); len(got) != 3 {
		t.Fatalf("ListRecent() before delete = %d attempts, want 3", len(got))
	}

	if err := s.Delete(ctx, "tenant-a", sub.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	got, err := s.ListRecent(ctx, sub.ID, 10)
	if err != nil {
		t.Fatalf("ListRecent() error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("ListRecent() after delete = %d attempts, want 0", len(got))
	}
	if _, err := s.GetByID(ctx, sub.ID); !errors.Is(err, webhook.ErrNotFound) {
		t.Errorf("GetByID() after delete error = %v, want ErrNotFound", err)
	}
	if err := s.Insert(ctx, newAttempt(sub.ID, 4, base.Add(5*time.Second))); !errors.Is(err, webhook.ErrStaleDelivery) {
		t.Errorf("Insert() after delete error = %v, want ErrStaleDelivery", err)
	}
}

func testDeleteOwnership(t *testing.T, s Store) {
	ctx := context.Background()
	sub := NewSubscription("tenant-a", true)
	mustCreate(t, s, sub)

	if err := s.Delete(ctx, "tenant-b", sub.ID); !errors.Is(err, webhook.ErrForbidden) {
		t.Errorf("Delete(other tenant) error = %v, want ErrForbidden", err)
	}
	if err := s.Delete(ctx, "tenant-a", uuid.NewString()); !errors.Is(err, webhook.ErrNotFound) {
		t.Errorf("Delete(unknown id) error = %v, want ErrNotFound", err)
	}
	if _, err := s.GetByID(ctx, sub.ID); err != nil {
		t.Errorf("subscription gone after rejected deletes: %v", err)
	}
}

func testAttemptsNewestFirst(t *testing.T, s Store) {
	ctx := context.Background()
	sub := NewSubscription("tenant-a", true)
	other := NewSubscription("tenant-a", true)
	mustCreate(t, s, sub)
	mustCreate(t, s, other)

	base := time.Now().UTC().Truncate(time.Millisecond)
	for n := 1; n <= 5; n++ {
		if err := s.Insert(ctx, newAttempt(sub.ID, n, base.Add(time.Duration(n)*time.Second))); err != nil {
			t.Fatalf("Insert() error = %v", err)
		}
	}
	if err := s.Insert(ctx, newAttempt(other.ID, 1, base)); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	recent, err := s.ListRecent(ctx, sub.ID, 3)
	if err != nil {
		t.Fatalf("ListRecent() error = %v", err)
	}
	if got := numbers(recent); !reflect.DeepEqual(got, []int{5, 4, 3}) {
		t.Errorf("ListRecent(limit 3) = %v, want [5 4 3]", got)
	}

	page, total, err := s.ListPage(ctx, sub.ID, 2, 2)
	if err != nil {
		t.Fatalf("ListPage() error = %v", err)
	}
	if total != 5 {
		t.Errorf("ListPage() total = %d, want 5", total)
	}
	if got := numbers(page); !reflect.DeepEqual(got, []int{3, 2}) {
		t.Errorf("ListPage(limit 2, offset 2) = %v, want [3 2]", got)
	}

	past, total, err := s.ListPage(ctx, sub.ID, 2, 10)
	if err != nil {
		t.Fatalf("ListPage() error = %v", err)
	}
	if len(past) != 0 || total != 5 {
		t.Errorf("ListPage(past end) = %d attempts, total %d; want 0, 5", len(past), total)
	}
}

func numbers(as []webhook.Attempt) []int {
	out := make([]int, 0, len(as))
	for _, a := range as {
		out = append(out, a.AttemptNumber)
	}
	return out
}

func testAttemptFields(t *testing.T, s Store) {
	ctx := context.Background()
	sub := NewSubscription("tenant-a", true)
	mustCreate(t, s, sub)

	at := time.Now().UTC().Truncate(time.Millisecond)
	failed := newAttempt(sub.ID, 1, at)
	failed.Error = "dial tcp: connection refused"

	code := 201
	ok := newAttempt(sub.ID, 2, at.Add(time.Second))
	ok.StatusCode = &code
	ok.Success = true
	ok.ResponseBody = "created"
	ok.ResponseHeaders = map[string]string{"Content-Type": "text/plain"}

	for _, a := range []*webhook.Attempt{failed, ok} {
		if err := s.Insert(ctx, a); err != nil {
			t.Fatalf("Insert() error = %v", err)
		}
	}

	got, err := s.ListRecent(ctx, sub.ID, 10)
	if err != nil || len(got) != 2 {
		t.Fatalf("ListRecent() = %d attempts, err %v", len(got), err)
	}

	gotOK, gotFailed := got[0], got[1]
	if gotOK.StatusCode == nil || *gotOK.StatusCode != 201 || !gotOK.Success || gotOK.ResponseBody != "created" {
		t.Errorf("successful attempt = %+v", gotOK)
	}
	if gotOK.ResponseHeaders["Content-Type"] != "text/plain" {
		t.Errorf("ResponseHeaders = %v", gotOK.ResponseHeaders)
	}
	if gotFailed.StatusCode != nil {
		t.Errorf("failed attempt StatusCode = %v, want nil", *gotFailed.StatusCode)
	}
	if gotFailed.Error != failed.Error {
		t.Errorf("Error = %q, want %q", gotFailed.Error, failed.Error)
	}
	if gotFailed.DeliveryID != failed.DeliveryID || gotFailed.EventType != "video.deleted" || gotFailed.DurationMs != 10 {
		t.Errorf("failed attempt = %+v", gotFailed)
	}
	if !gotFailed.CreatedAt.Equal(at) {
		t.Errorf("CreatedAt = %v, want %v", gotFailed.CreatedAt, at)
	}

	var want, have any
	_ = json.Unmarshal(failed.Payload, &want)
	_ = json.Unmarshal(gotFailed.Payload, &have)
	if !reflect.DeepEqual(want, have) {
		t.Errorf("Payload = %s, want %s", gotFailed.Payload, failed.Payload)
	}
}

// Receivers and event sources may send NUL; the attempt must still be kept.
func testAttemptWithNULBytes(t *testing.T, s Store) {
	ctx := context.Background()
	sub := NewSubscription("tenant-a", true)
	mustCreate(t, s, sub)

	code := 500
	a := newAttempt(sub.ID, 1, time.Now().UTC())
	a.Payload = json.RawMessage(`{"event":"video.deleted","data":{"title":"a\u0000b"}}`)
	a.StatusCode = &code
	a.ResponseBody = "boom\x00trailer"
	a.ResponseHeaders = map[string]string{"X-Debug": "x\x00y"}
	a.Error = "unexpected status 500\x00"

	if err := s.Insert(ctx, a); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	got, err := s.ListRecent(ctx, sub.ID, 10)
	if err != nil || len(got) != 1 {
		t.Fatalf("ListRecent() = %d attempts, err %v, want 1", len(got), err)
	}

	noNUL := func(v string) string { return strings.ReplaceAll(v, "\x00", "") }
	if body := noNUL(got[0].ResponseBody); body != "boomtrailer" {
		t.Errorf("ResponseBody = %q, want boomtrailer", body)
	}
	if e := noNUL(got[0].Error); e != "unexpected status 500" {
		t.Errorf("Error = %q, want unexpected status 500", e)
	}
	if h := noNUL(got[0].ResponseHeaders["X-Debug"]); h != "xy" {
		t.Errorf("ResponseHeaders[X-Debug] = %q, want xy", h)
	}

	var data struct {
		Data struct {
			Title string `json:"title"`
		} `json:"data"`
	}
	if err := json.Unmarshal(got[0].Payload, &data); err != nil {
		t.Fatalf("Payload %s does not decode: %v", got[0].Payload, err)
	}
	if data.Data.Title != "a\x00b" {
		t.Errorf("payload title = %q, want %q", data.Data.Title, "a\x00b")
	}
}
