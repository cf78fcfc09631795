// Package matcher selects the driver for a trip: nearest eligible
// candidate within the search radius, with rejected and timed-out
// drivers excluded on subsequent attempts.
package matcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alaaotay8/taxini-app-public-sub000/internal/geo"
	"github.com/alaaotay8/taxini-app-public-sub000/internal/models"
	"github.com/alaaotay8/taxini-app-public-sub000/internal/observability"
	"github.com/alaaotay8/taxini-app-public-sub000/internal/offers"
	"github.com/alaaotay8/taxini-app-public-sub000/internal/trip"
)

// ErrNoDrivers is terminal for a dispatch attempt: the trip has been
// cancelled with reason "no available drivers".
var ErrNoDrivers = &NoDriversError{}

type NoDriversError struct{}

func (e *NoDriversError) Error() string { return "no available drivers" }

// Reachability gates whether a driver may receive a dispatch at all.
type Reachability interface {
	IsReachable(driverID string) bool
}

// OfferSender arms an offer for the selected driver and exposes which
// drivers are already mid decision on one.
type OfferSender interface {
	Offer(ctx context.Context, driverID string, t *models.Trip, excluded map[string]struct{}, pickupKm float64) error
	HasPending(driverID string) bool
}

type Dispatcher struct {
	Index    geo.DriverIndex
	Presence Reachability
	Machine  *trip.Machine
	Offers   OfferSender
	Riders   offers.Channel // optional rider echo for terminal cancellation
	RadiusKm float64
	Logger   *slog.Logger
}

func NewDispatcher(index geo.DriverIndex, reach Reachability, machine *trip.Machine, sender OfferSender, radiusKm float64, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if radiusKm <= 0 {
		radiusKm = 10
	}
	return &Dispatcher{Index: index, Presence: reach, Machine: machine, Offers: sender, RadiusKm: radiusKm, Logger: logger}
}

// Dispatch assigns the nearest eligible driver and hands the trip to the
// offer coordinator. Eligible means online, verified, reachable, inside
// the radius, not excluded, and not already mid decision on another
// offer. Synchronous offer failures stay inside the loop: the driver
// joins the exclusion set and selection continues. The loop is bounded
// by the candidate pool because every iteration grows the exclusion set.
//
// Returns the offered driver's id, or ErrNoDrivers after cancelling the
// trip when nobody qualifies.
func (d *Dispatcher) Dispatch(ctx context.Context, tripID string, excluded map[string]struct{}) (string, error) {
	if excluded == nil {
		excluded = make(map[string]struct{})
	}
	t, err := d.Machine.Get(ctx, tripID)
	if err != nil {
		return "", fmt.Errorf("load trip for dispatch: %w", err)
	}

	for {
		cands, err := d.eligible(ctx, t.Pickup)
		if err != nil {
			return "", err
		}
		best, pickupKm, found := nearest(cands, t.Pickup, d.RadiusKm, excluded, d.Presence, d.Offers)
		if !found {
			return "", d.exhausted(ctx, tripID)
		}

		observability.DispatchAttemptsTotal.Inc()
		t, err = d.Machine.Assign(ctx, tripID, best.ID)
		if err != nil {
			// Typically a conflict: the rider cancelled while the retry
			// chain was still running.
			return "", err
		}

		err = d.Offers.Offer(ctx, best.ID, t, excluded, pickupKm)
		switch {
		case err == nil:
			d.Logger.Info("dispatched", "trip_id", tripID, "driver_id", best.ID, "pickup_km", pickupKm)
			return best.ID, nil
		case errors.Is(err, offers.ErrSuperseded):
			// A disconnect mid delivery already resolved the offer and its
			// hook is redispatching; continuing here would run a second
			// chain against the same trip.
			d.Logger.Info("dispatch handed off to concurrent resolution", "trip_id", tripID, "driver_id", best.ID)
			return "", nil
		case errors.Is(err, offers.ErrAlreadyPending):
			// Should never happen: nearest filters out drivers holding an
			// offer, so only a race between that check and the reservation
			// lands here.
			d.Logger.Error("pending-offer invariant violated", "trip_id", tripID, "driver_id", best.ID)
			excluded[best.ID] = struct{}{}
		case errors.Is(err, offers.ErrNotDelivered):
			d.Logger.Warn("offer undeliverable, trying next driver", "trip_id", tripID, "driver_id", best.ID, "error", err)
			excluded[best.ID] = struct{}{}
		default:
			return "", fmt.Errorf("offer driver %s: %w", best.ID, err)
		}
	}
}

// eligible loads the candidate read model, retrying the store read at
// most once.
func (d *Dispatcher) eligible(ctx context.Context, pickup models.Coord) ([]models.Driver, error) {
	cands, err := d.Index.Eligible(ctx, pickup, d.RadiusKm, 0)
	if err != nil {
		d.Logger.Warn("candidate read failed, retrying once", "error", err)
		cands, err = d.Index.Eligible(ctx, pickup, d.RadiusKm, 0)
		if err != nil {
			return nil, fmt.Errorf("load candidates: %w", err)
		}
	}
	return cands, nil
}

// exhausted cancels the trip because nobody can serve it.
func (d *Dispatcher) exhausted(ctx context.Context, tripID string) error {
	observability.DispatchExhaustedTotal.Inc()
	t, err := d.Machine.Cancel(ctx, tripID, "no available drivers")
	if err != nil {
		var conflict *trip.ConflictError
		if errors.As(err, &conflict) {
			// Someone else already finished the trip's lifecycle.
			d.Logger.Info("exhausted dispatch lost to concurrent transition", "trip_id", tripID)
			return ErrNoDrivers
		}
		return fmt.Errorf("cancel exhausted trip: %w", err)
	}
	d.Logger.Warn("trip cancelled, no available drivers", "trip_id", tripID)
	if d.Riders != nil {
		out := models.Outcome{TripID: t.ID, Status: t.Status, Reason: t.CancelReason}
		if err := d.Riders.Send(t.RiderID, offers.Envelope{Type: "trip_update", Outcome: &out}); err != nil {
			d.Logger.Debug("rider echo failed", "rider_id", t.RiderID, "error", err)
		}
	}
	return ErrNoDrivers
}

// nearest scans candidates in input order and keeps the first one at the
// minimum distance, which makes tie-breaking deterministic. Drivers
// already holding a pending offer are mid decision and never assigned.
func nearest(cands []models.Driver, pickup models.Coord, radiusKm float64, excluded map[string]struct{}, reach Reachability, busy OfferSender) (models.Driver, float64, bool) {
	var (
		best   models.Driver
		bestKm float64
		found  bool
	)
	for _, c := range cands {
		if _, skip := excluded[c.ID]; skip {
			continue
		}
		if reach != nil && !reach.IsReachable(c.ID) {
			continue
		}
		if busy != nil && busy.HasPending(c.ID) {
			continue
		}
		km := geo.DistanceKm(c.Loc, pickup)
		if km > radiusKm {
			continue
		}
		if !found || km < bestKm {
			best, bestKm, found = c, km, true
		}
	}
	return best, bestKm, found
}
