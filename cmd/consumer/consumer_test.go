package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alaaotay8/taxini-app-public-sub000/internal/models"
)

// fakeUpserter implements Upserter for tests
type fakeUpserter struct {
	failures int // number of times to fail before succeeding
	calls    int
}

func (f *fakeUpserter) Upsert(ctx context.Context, d models.Driver) error {
	f.calls++
	if f.calls <= f.failures {
		return errors.New("index fail")
	}
	return nil
}

func TestUpsertWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakeUpserter{failures: 2}
	d := models.Driver{ID: "d1", Loc: models.Coord{Lat: 36.8, Lon: 10.18}, Status: models.DriverOnline, Account: models.AccountVerified}
	start := time.Now()
	if err := upsertWithRetry(context.Background(), f, d, 3, 10*time.Millisecond); err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if f.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", f.calls)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Fatalf("expected at least one backoff")
	}
}

func TestUpsertWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakeUpserter{failures: 5}
	d := models.Driver{ID: "d1", Loc: models.Coord{Lat: 36.8, Lon: 10.18}}
	if err := upsertWithRetry(context.Background(), f, d, 3, 5*time.Millisecond); err == nil {
		t.Fatalf("expected error after retries")
	}
	if f.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", f.calls)
	}
}
