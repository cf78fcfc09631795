// Package trip owns the trip lifecycle. Every other component requests
// transitions through Machine; nothing else writes a trip's status.
package trip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alaaotay8/taxini-app-public-sub000/internal/geo"
	"github.com/alaaotay8/taxini-app-public-sub000/internal/models"
	"github.com/alaaotay8/taxini-app-public-sub000/internal/storage"
)

// ConflictError reports a transition that lost a race: the trip's
// persisted status moved on between load and write, or the caller's view
// of the trip was already stale.
type ConflictError struct {
	TripID string
	From   models.TripStatus
	Event  string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("trip %s: cannot %s from status %q", e.TripID, e.Event, e.From)
}

// Machine validates and persists lifecycle transitions. The
// check-then-write on status is atomic per trip because the store's
// UpdateCAS only lands while the loaded status still holds.
type Machine struct {
	Store  storage.TripStore
	Logger *slog.Logger

	// CostPerKm prices the estimated trip cost at creation time.
	CostPerKm float64
}

func NewMachine(store storage.TripStore, costPerKm float64, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{Store: store, Logger: logger, CostPerKm: costPerKm}
}

// Create registers a new trip in the requested status and derives the
// straight-line estimate the dispatcher and pricing need.
func (m *Machine) Create(ctx context.Context, riderID string, pickup, dest models.Coord, pickupAddr, destAddr string) (*models.Trip, error) {
	if riderID == "" {
		return nil, errors.New("rider id required")
	}
	km := geo.DistanceKm(pickup, dest)
	t := &models.Trip{
		ID:                  uuid.NewString(),
		RiderID:             riderID,
		Pickup:              pickup,
		PickupAddress:       pickupAddr,
		Destination:         dest,
		DestinationAddress:  destAddr,
		EstimatedDistanceKm: km,
		EstimatedCost:       km * m.CostPerKm,
		Status:              models.TripRequested,
		RequestedAt:         time.Now().UTC(),
	}
	if err := m.Store.Create(ctx, t); err != nil {
		return nil, fmt.Errorf("create trip: %w", err)
	}
	m.Logger.Info("trip requested", "trip_id", t.ID, "rider_id", riderID, "estimated_km", km)
	return t, nil
}

func (m *Machine) Get(ctx context.Context, tripID string) (*models.Trip, error) {
	return m.Store.Get(ctx, tripID)
}

// Assign moves requested→assigned, or assigned→assigned when a rejected
// or timed-out offer hands the trip to a new driver. AssignedAt is set
// only on the first assignment.
func (m *Machine) Assign(ctx context.Context, tripID, driverID string) (*models.Trip, error) {
	if driverID == "" {
		return nil, errors.New("driver id required")
	}
	return m.transition(ctx, tripID, "assign driver", func(t *models.Trip) error {
		if t.Status != models.TripRequested && t.Status != models.TripAssigned {
			return &ConflictError{TripID: tripID, From: t.Status, Event: "assign driver"}
		}
		t.DriverID = driverID
		t.Status = models.TripAssigned
		if t.AssignedAt == nil {
			t.AssignedAt = nowPtr()
		}
		return nil
	})
}

// Accept moves assigned→accepted for the assigned driver, recording the
// approach leg and the payment hold taken for it.
func (m *Machine) Accept(ctx context.Context, tripID, driverID string, approachKm, approachFee float64, paymentRef string) (*models.Trip, error) {
	return m.transition(ctx, tripID, "accept", func(t *models.Trip) error {
		if t.Status != models.TripAssigned || t.DriverID != driverID {
			return &ConflictError{TripID: tripID, From: t.Status, Event: "accept"}
		}
		t.Status = models.TripAccepted
		t.ApproachDistanceKm = approachKm
		t.ApproachFee = approachFee
		t.PaymentRef = paymentRef
		t.AcceptedAt = nowPtr()
		return nil
	})
}

// Start moves accepted→started for the assigned driver.
func (m *Machine) Start(ctx context.Context, tripID, driverID string) (*models.Trip, error) {
	return m.transition(ctx, tripID, "start", func(t *models.Trip) error {
		if t.Status != models.TripAccepted || t.DriverID != driverID {
			return &ConflictError{TripID: tripID, From: t.Status, Event: "start"}
		}
		t.Status = models.TripStarted
		t.StartedAt = nowPtr()
		return nil
	})
}

// Complete moves started→completed for the assigned driver.
func (m *Machine) Complete(ctx context.Context, tripID, driverID string) (*models.Trip, error) {
	return m.transition(ctx, tripID, "complete", func(t *models.Trip) error {
		if t.Status != models.TripStarted || t.DriverID != driverID {
			return &ConflictError{TripID: tripID, From: t.Status, Event: "complete"}
		}
		t.Status = models.TripCompleted
		t.CompletedAt = nowPtr()
		return nil
	})
}

// Cancel moves any non-terminal status to cancelled. The driver id is
// cleared so the cancelled trip holds no claim on anybody.
func (m *Machine) Cancel(ctx context.Context, tripID, reason string) (*models.Trip, error) {
	return m.transition(ctx, tripID, "cancel", func(t *models.Trip) error {
		if t.Status.Terminal() {
			return &ConflictError{TripID: tripID, From: t.Status, Event: "cancel"}
		}
		t.Status = models.TripCancelled
		t.DriverID = ""
		t.CancelReason = reason
		t.CancelledAt = nowPtr()
		return nil
	})
}

// transition runs load → guard+mutate → CAS write, retrying never: a CAS
// miss means a concurrent caller won, which is a conflict by definition.
func (m *Machine) transition(ctx context.Context, tripID, event string, mutate func(*models.Trip) error) (*models.Trip, error) {
	t, err := m.Store.Get(ctx, tripID)
	if err != nil {
		return nil, fmt.Errorf("load trip %s: %w", tripID, err)
	}
	prev := t.Status
	if err := mutate(t); err != nil {
		return nil, err
	}
	if err := m.Store.UpdateCAS(ctx, t, prev); err != nil {
		if errors.Is(err, storage.ErrStaleStatus) {
			return nil, &ConflictError{TripID: tripID, From: prev, Event: event}
		}
		return nil, fmt.Errorf("persist trip %s: %w", tripID, err)
	}
	m.Logger.Info("trip transition",
		"trip_id", tripID, "event", event, "from", prev, "to", t.Status, "driver_id", t.DriverID)
	return t, nil
}

func nowPtr() *time.Time {
	now := time.Now().UTC()
	return &now
}
