package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/alaaotay8/taxini-app-public-sub000/internal/models"
)

func TestMemoryStoreCAS(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	tr := &models.Trip{ID: "t1", RiderID: "r1", Status: models.TripRequested}
	if err := s.Create(ctx, tr); err != nil {
		t.Fatal(err)
	}

	// First writer wins.
	assigned := tr.Clone()
	assigned.Status = models.TripAssigned
	assigned.DriverID = "d1"
	if err := s.UpdateCAS(ctx, assigned, models.TripRequested); err != nil {
		t.Fatal(err)
	}

	// Second writer loaded the same requested status and must lose.
	cancelled := tr.Clone()
	cancelled.Status = models.TripCancelled
	if err := s.UpdateCAS(ctx, cancelled, models.TripRequested); !errors.Is(err, ErrStaleStatus) {
		t.Fatalf("expected stale status, got %v", err)
	}

	got, err := s.Get(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.TripAssigned || got.DriverID != "d1" {
		t.Fatalf("lost write: %+v", got)
	}
}

func TestMemoryStoreGetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if err := s.Create(ctx, &models.Trip{ID: "t1", Status: models.TripRequested}); err != nil {
		t.Fatal(err)
	}
	a, _ := s.Get(ctx, "t1")
	a.Status = models.TripCancelled
	b, _ := s.Get(ctx, "t1")
	if b.Status != models.TripRequested {
		t.Fatal("store handed out its internal copy")
	}
}

func TestMemoryStoreNotFound(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := s.UpdateCAS(ctx, &models.Trip{ID: "missing"}, models.TripRequested); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
