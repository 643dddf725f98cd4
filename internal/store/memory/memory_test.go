package memory

import (
	"context"
	"testing"

	"github.com/austindbirch/harbor_dispatch/internal/store/storetest"
)

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storetest.Store { return New() })
}

func TestCreateDuplicateID(t *testing.T) {
	s := New()
	sub := storetest.NewSubscription("tenant-a", true)
	if err := s.Create(context.Background(), sub); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	dup := *sub
	if err := s.Create(context.Background(), &dup); err == nil {
		t.Error("Create() with duplicate id should fail")
	}
}

func TestReturnedCopiesAreIsolated(t *testing.T) {
	s := New()
	sub := storetest.NewSubscription("tenant-a", true)
	if err := s.Create(context.Background(), sub); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	got, _ := s.GetByID(context.Background(), sub.ID)
	got.Events[0] = "mutated"
	got.Headers["X-Custom"] = "mutated"
	sub.Events[0] = "mutated-too"

	again, _ := s.GetByID(context.Background(), sub.ID)
	if again.Events[0] != "video.deleted" || again.Headers["X-Custom"] != "1" {
		t.Errorf("stored subscription changed through a returned copy: %+v", again)
	}
}

func TestPing(t *testing.T) {
	if err := New().Ping(context.Background()); err != nil {
		t.Errorf("Ping() error = %v", err)
	}
}
