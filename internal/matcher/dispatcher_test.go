package matcher

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/alaaotay8/taxini-app-public-sub000/internal/geo"
	"github.com/alaaotay8/taxini-app-public-sub000/internal/models"
	"github.com/alaaotay8/taxini-app-public-sub000/internal/offers"
	"github.com/alaaotay8/taxini-app-public-sub000/internal/storage"
	"github.com/alaaotay8/taxini-app-public-sub000/internal/trip"
)

var pickup = models.Coord{Lat: 36.80, Lon: 10.18}

// roughly 1 km of latitude
const degPerKm = 0.009

type fakeSender struct {
	calls   []string
	failFor map[string]error
	pending map[string]bool
}

func (f *fakeSender) Offer(_ context.Context, driverID string, _ *models.Trip, _ map[string]struct{}, _ float64) error {
	f.calls = append(f.calls, driverID)
	if f.failFor != nil {
		if err, ok := f.failFor[driverID]; ok {
			return err
		}
	}
	return nil
}

func (f *fakeSender) HasPending(driverID string) bool { return f.pending[driverID] }

type reachSet map[string]bool

func (r reachSet) IsReachable(id string) bool { return r[id] }

func newTestDispatcher(t *testing.T, drivers []models.Driver, reach reachSet, sender *fakeSender) (*Dispatcher, *trip.Machine) {
	t.Helper()
	idx := geo.NewIndex()
	for _, d := range drivers {
		if err := idx.Upsert(context.Background(), d); err != nil {
			t.Fatal(err)
		}
	}
	machine := trip.NewMachine(storage.NewMemoryStore(), 0.9, nil)
	return NewDispatcher(idx, reach, machine, sender, 10, nil), machine
}

func onlineDriver(id string, kmNorth float64) models.Driver {
	return models.Driver{
		ID:      id,
		Loc:     models.Coord{Lat: pickup.Lat + kmNorth*degPerKm, Lon: pickup.Lon},
		Status:  models.DriverOnline,
		Account: models.AccountVerified,
	}
}

func requestTrip(t *testing.T, m *trip.Machine) *models.Trip {
	t.Helper()
	tr, err := m.Create(context.Background(), "rider-1", pickup, models.Coord{Lat: 36.85, Lon: 10.20}, "", "")
	if err != nil {
		t.Fatal(err)
	}
	return tr
}

func TestDispatchPicksNearest(t *testing.T) {
	sender := &fakeSender{}
	d, m := newTestDispatcher(t,
		[]models.Driver{onlineDriver("B", 3), onlineDriver("A", 1)},
		reachSet{"A": true, "B": true}, sender)
	tr := requestTrip(t, m)

	got, err := d.Dispatch(context.Background(), tr.ID, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got != "A" {
		t.Fatalf("expected nearest driver A, got %s", got)
	}
	cur, _ := m.Get(context.Background(), tr.ID)
	if cur.Status != models.TripAssigned || cur.DriverID != "A" {
		t.Fatalf("trip not assigned to A: %+v", cur)
	}
}

func TestDispatchTieBreaksOnInputOrder(t *testing.T) {
	sender := &fakeSender{}
	d, m := newTestDispatcher(t,
		[]models.Driver{onlineDriver("first", 2), onlineDriver("second", 2)},
		reachSet{"first": true, "second": true}, sender)
	tr := requestTrip(t, m)

	for i := 0; i < 5; i++ {
		got, err := d.Dispatch(context.Background(), tr.ID, nil)
		if err != nil {
			t.Fatal(err)
		}
		if got != "first" {
			t.Fatalf("tie must resolve to first candidate, got %s", got)
		}
	}
}

func TestDispatchSkipsExcludedAndUnreachable(t *testing.T) {
	sender := &fakeSender{}
	d, m := newTestDispatcher(t,
		[]models.Driver{onlineDriver("A", 1), onlineDriver("B", 2), onlineDriver("C", 3)},
		reachSet{"A": true, "C": true}, sender) // B never connected
	tr := requestTrip(t, m)

	got, err := d.Dispatch(context.Background(), tr.ID, map[string]struct{}{"A": {}})
	if err != nil {
		t.Fatal(err)
	}
	if got != "C" {
		t.Fatalf("expected C (A excluded, B unreachable), got %s", got)
	}
}

func TestDispatchSkipsDriverMidDecision(t *testing.T) {
	sender := &fakeSender{pending: map[string]bool{"A": true}}
	d, m := newTestDispatcher(t,
		[]models.Driver{onlineDriver("A", 1), onlineDriver("B", 3)},
		reachSet{"A": true, "B": true}, sender)
	tr := requestTrip(t, m)

	got, err := d.Dispatch(context.Background(), tr.ID, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got != "B" {
		t.Fatalf("expected B while A holds a pending offer, got %s", got)
	}
	if len(sender.calls) != 1 || sender.calls[0] != "B" {
		t.Fatalf("A must never be offered mid decision, got %v", sender.calls)
	}
}

func TestDispatchEndsWhenOfferResolvedConcurrently(t *testing.T) {
	sender := &fakeSender{failFor: map[string]error{"A": offers.ErrSuperseded}}
	d, m := newTestDispatcher(t,
		[]models.Driver{onlineDriver("A", 1), onlineDriver("B", 3)},
		reachSet{"A": true, "B": true}, sender)
	tr := requestTrip(t, m)

	got, err := d.Dispatch(context.Background(), tr.ID, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got != "" {
		t.Fatalf("superseded dispatch must not claim a driver, got %s", got)
	}
	// The resolving side owns the retry chain; this one must not touch B
	// or cancel the trip.
	if len(sender.calls) != 1 || sender.calls[0] != "A" {
		t.Fatalf("expected no further offers after handoff, got %v", sender.calls)
	}
	cur, _ := m.Get(context.Background(), tr.ID)
	if cur.Status == models.TripCancelled {
		t.Fatalf("superseded dispatch must not cancel the trip: %+v", cur)
	}
}

func TestDispatchNoDriversCancelsTrip(t *testing.T) {
	sender := &fakeSender{}
	d, m := newTestDispatcher(t, nil, reachSet{}, sender)
	tr := requestTrip(t, m)

	_, err := d.Dispatch(context.Background(), tr.ID, nil)
	if !errors.Is(err, ErrNoDrivers) {
		t.Fatalf("expected ErrNoDrivers, got %v", err)
	}
	cur, _ := m.Get(context.Background(), tr.ID)
	if cur.Status != models.TripCancelled || cur.CancelReason != "no available drivers" {
		t.Fatalf("trip not cancelled properly: %+v", cur)
	}
}

func TestDispatchTreatsUndeliverableAsRejection(t *testing.T) {
	sender := &fakeSender{failFor: map[string]error{
		"A": fmt.Errorf("%w: connection reset", offers.ErrNotDelivered),
	}}
	d, m := newTestDispatcher(t,
		[]models.Driver{onlineDriver("A", 1), onlineDriver("B", 3)},
		reachSet{"A": true, "B": true}, sender)
	tr := requestTrip(t, m)

	got, err := d.Dispatch(context.Background(), tr.ID, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got != "B" {
		t.Fatalf("expected fallback to B, got %s", got)
	}
	if len(sender.calls) != 2 || sender.calls[0] != "A" || sender.calls[1] != "B" {
		t.Fatalf("expected offers to A then B, got %v", sender.calls)
	}
}

func TestDispatchTerminatesAfterEveryCandidateFails(t *testing.T) {
	sender := &fakeSender{failFor: map[string]error{
		"A": offers.ErrNotDelivered,
		"B": offers.ErrNotDelivered,
		"C": offers.ErrNotDelivered,
	}}
	d, m := newTestDispatcher(t,
		[]models.Driver{onlineDriver("A", 1), onlineDriver("B", 2), onlineDriver("C", 3)},
		reachSet{"A": true, "B": true, "C": true}, sender)
	tr := requestTrip(t, m)

	_, err := d.Dispatch(context.Background(), tr.ID, nil)
	if !errors.Is(err, ErrNoDrivers) {
		t.Fatalf("expected ErrNoDrivers, got %v", err)
	}
	// Exactly one attempt per candidate, never more.
	if len(sender.calls) != 3 {
		t.Fatalf("expected 3 offer attempts, got %v", sender.calls)
	}
	cur, _ := m.Get(context.Background(), tr.ID)
	if cur.Status != models.TripCancelled {
		t.Fatalf("expected cancellation after exhaustion: %+v", cur)
	}
}

func TestDispatchStopsWhenTripAlreadyCancelled(t *testing.T) {
	sender := &fakeSender{}
	d, m := newTestDispatcher(t,
		[]models.Driver{onlineDriver("A", 1)},
		reachSet{"A": true}, sender)
	tr := requestTrip(t, m)
	if _, err := m.Cancel(context.Background(), tr.ID, "cancelled by rider"); err != nil {
		t.Fatal(err)
	}

	var conflict *trip.ConflictError
	if _, err := d.Dispatch(context.Background(), tr.ID, nil); !errors.As(err, &conflict) {
		t.Fatalf("expected conflict against cancelled trip, got %v", err)
	}
	if len(sender.calls) != 0 {
		t.Fatalf("no offer may go out for a cancelled trip, got %v", sender.calls)
	}
}
