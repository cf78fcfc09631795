package trip

import (
	"context"
	"errors"
	"testing"

	"github.com/alaaotay8/taxini-app-public-sub000/internal/models"
	"github.com/alaaotay8/taxini-app-public-sub000/internal/storage"
)

var (
	pickup = models.Coord{Lat: 36.80, Lon: 10.18}
	dest   = models.Coord{Lat: 36.85, Lon: 10.20}
)

func newTestMachine() *Machine {
	return NewMachine(storage.NewMemoryStore(), 0.9, nil)
}

func createTrip(t *testing.T, m *Machine) *models.Trip {
	t.Helper()
	tr, err := m.Create(context.Background(), "rider-1", pickup, dest, "Avenue Habib Bourguiba", "La Marsa")
	if err != nil {
		t.Fatal(err)
	}
	return tr
}

func TestCreateSetsRequestedAndEstimate(t *testing.T) {
	m := newTestMachine()
	tr := createTrip(t, m)
	if tr.Status != models.TripRequested {
		t.Fatalf("expected requested, got %s", tr.Status)
	}
	if tr.ID == "" || tr.RequestedAt.IsZero() {
		t.Fatal("missing id or requested timestamp")
	}
	if tr.EstimatedDistanceKm <= 0 || tr.EstimatedCost <= 0 {
		t.Fatalf("missing estimate: km=%f cost=%f", tr.EstimatedDistanceKm, tr.EstimatedCost)
	}
	if tr.DriverID != "" {
		t.Fatal("requested trip must not carry a driver")
	}
}

func TestFullLifecycle(t *testing.T) {
	ctx := context.Background()
	m := newTestMachine()
	tr := createTrip(t, m)

	tr, err := m.Assign(ctx, tr.ID, "driver-A")
	if err != nil {
		t.Fatal(err)
	}
	if tr.Status != models.TripAssigned || tr.DriverID != "driver-A" || tr.AssignedAt == nil {
		t.Fatalf("bad assign: %+v", tr)
	}

	tr, err = m.Accept(ctx, tr.ID, "driver-A", 1.5, 0.45, "pi_123")
	if err != nil {
		t.Fatal(err)
	}
	if tr.Status != models.TripAccepted || tr.ApproachDistanceKm != 1.5 || tr.ApproachFee != 0.45 || tr.AcceptedAt == nil {
		t.Fatalf("bad accept: %+v", tr)
	}

	if tr, err = m.Start(ctx, tr.ID, "driver-A"); err != nil || tr.Status != models.TripStarted {
		t.Fatalf("bad start: %+v err=%v", tr, err)
	}
	if tr, err = m.Complete(ctx, tr.ID, "driver-A"); err != nil || tr.Status != models.TripCompleted {
		t.Fatalf("bad complete: %+v err=%v", tr, err)
	}
	if tr.DriverID != "driver-A" {
		t.Fatal("completed trip must keep its driver")
	}
}

func TestReassignmentKeepsFirstAssignedAt(t *testing.T) {
	ctx := context.Background()
	m := newTestMachine()
	tr := createTrip(t, m)

	first, err := m.Assign(ctx, tr.ID, "driver-A")
	if err != nil {
		t.Fatal(err)
	}
	second, err := m.Assign(ctx, tr.ID, "driver-B")
	if err != nil {
		t.Fatal(err)
	}
	if second.Status != models.TripAssigned || second.DriverID != "driver-B" {
		t.Fatalf("bad reassignment: %+v", second)
	}
	if !second.AssignedAt.Equal(*first.AssignedAt) {
		t.Fatal("AssignedAt must be set at most once")
	}
}

func TestGuardsRejectWrongDriver(t *testing.T) {
	ctx := context.Background()
	m := newTestMachine()
	tr := createTrip(t, m)
	if _, err := m.Assign(ctx, tr.ID, "driver-A"); err != nil {
		t.Fatal(err)
	}

	var conflict *ConflictError
	if _, err := m.Accept(ctx, tr.ID, "driver-B", 0, 0, ""); !errors.As(err, &conflict) {
		t.Fatalf("expected conflict for wrong driver, got %v", err)
	}
}

func TestNoRegressionFromTerminalStates(t *testing.T) {
	ctx := context.Background()
	m := newTestMachine()

	cancelled := createTrip(t, m)
	if _, err := m.Cancel(ctx, cancelled.ID, "rider changed mind"); err != nil {
		t.Fatal(err)
	}
	for _, attempt := range []func() error{
		func() error { _, err := m.Assign(ctx, cancelled.ID, "driver-A"); return err },
		func() error { _, err := m.Cancel(ctx, cancelled.ID, "again"); return err },
		func() error { _, err := m.Accept(ctx, cancelled.ID, "driver-A", 0, 0, ""); return err },
	} {
		var conflict *ConflictError
		if err := attempt(); !errors.As(err, &conflict) {
			t.Fatalf("terminal state must be absorbing, got %v", err)
		}
	}
}

func TestCancelClearsDriverAndRecordsReason(t *testing.T) {
	ctx := context.Background()
	m := newTestMachine()
	tr := createTrip(t, m)
	if _, err := m.Assign(ctx, tr.ID, "driver-A"); err != nil {
		t.Fatal(err)
	}

	tr, err := m.Cancel(ctx, tr.ID, "no available drivers")
	if err != nil {
		t.Fatal(err)
	}
	if tr.DriverID != "" || tr.CancelReason != "no available drivers" || tr.CancelledAt == nil {
		t.Fatalf("bad cancel: %+v", tr)
	}
}

func TestStaleTransitionConflicts(t *testing.T) {
	ctx := context.Background()
	m := newTestMachine()
	tr := createTrip(t, m)
	if _, err := m.Assign(ctx, tr.ID, "driver-A"); err != nil {
		t.Fatal(err)
	}

	// A rider cancel and a driver accept race; whichever runs second must
	// observe the moved status and conflict.
	if _, err := m.Cancel(ctx, tr.ID, "cancelled by rider"); err != nil {
		t.Fatal(err)
	}
	var conflict *ConflictError
	if _, err := m.Accept(ctx, tr.ID, "driver-A", 1, 0.3, ""); !errors.As(err, &conflict) {
		t.Fatalf("expected conflict after cancellation, got %v", err)
	}
}
