// Package offers coordinates the accept/reject/timeout protocol for
// trip offers. It owns the pending-notification table: per driver, at
// most one outstanding offer, resolved by exactly one of accept, reject,
// timeout, or disconnect.
package offers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/alaaotay8/taxini-app-public-sub000/internal/geo"
	"github.com/alaaotay8/taxini-app-public-sub000/internal/models"
	"github.com/alaaotay8/taxini-app-public-sub000/internal/observability"
	"github.com/alaaotay8/taxini-app-public-sub000/internal/pricing"
	"github.com/alaaotay8/taxini-app-public-sub000/internal/trip"
)

var (
	// ErrAlreadyPending means the driver already holds a live offer.
	// Outside the normal offer/clear sequence this is an invariant
	// violation and is logged as such by the dispatcher.
	ErrAlreadyPending = errors.New("driver already has a pending offer")
	// ErrNotFound means accept/reject referenced a driver/trip pair with
	// no matching pending entry; callers treat it as a logged no-op.
	ErrNotFound = errors.New("no matching pending offer")
	// ErrNotDelivered means the transport could not push the offer; the
	// driver is functionally equivalent to one who rejected.
	ErrNotDelivered = errors.New("offer delivery failed")
	// ErrSuperseded means a concurrent disconnect resolved the offer while
	// it was being delivered. The disconnect hook owns the retry chain, so
	// the caller's dispatch loop must end instead of starting a second one.
	ErrSuperseded = errors.New("offer resolved concurrently")
)

const (
	reasonTimeout      = "no response within timeout"
	reasonDisconnected = "driver disconnected"
)

// Channel pushes a JSON payload to one connected peer.
type Channel interface {
	Send(peerID string, v any) error
}

// Redispatcher re-runs driver selection for a trip with an updated
// exclusion set. Implemented by the matcher; wired after construction to
// break the mutual dependency.
type Redispatcher interface {
	Dispatch(ctx context.Context, tripID string, excluded map[string]struct{}) (string, error)
}

// Payments places and releases holds for the accepted fare.
type Payments interface {
	Hold(ctx context.Context, amountMinor int64, currency string) (string, error)
	Release(ctx context.Context, ref string) error
}

// Envelope is the websocket message shape shared by offers and outcome
// echoes.
type Envelope struct {
	Type    string          `json:"type"`
	Offer   *models.Offer   `json:"offer,omitempty"`
	Outcome *models.Outcome `json:"outcome,omitempty"`
}

type pendingOffer struct {
	trip     *models.Trip // snapshot at offer time
	excluded map[string]struct{}
	payload  models.Offer
	created  time.Time
	timer    *time.Timer // nil until armed
}

// Coordinator is constructed once per process and injected wherever
// offers are made or resolved. The table mutex guards only map and timer
// bookkeeping; side effects run outside it.
type Coordinator struct {
	Machine  *trip.Machine
	Index    geo.DriverIndex
	Drivers  Channel
	Riders   Channel
	Payments Payments // optional
	Rates    pricing.Rates
	Currency string
	Timeout  time.Duration
	Logger   *slog.Logger

	mu         sync.Mutex
	pending    map[string]*pendingOffer
	redispatch Redispatcher
}

func NewCoordinator(machine *trip.Machine, index geo.DriverIndex, drivers, riders Channel, rates pricing.Rates, timeout time.Duration, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Coordinator{
		Machine: machine,
		Index:   index,
		Drivers: drivers,
		Riders:  riders,
		Rates:   rates,
		Timeout: timeout,
		Logger:  logger,
		pending: make(map[string]*pendingOffer),
	}
}

// SetRedispatcher wires the retry path. Must be called before the first
// offer is armed.
func (c *Coordinator) SetRedispatcher(r Redispatcher) { c.redispatch = r }

// Offer sends a trip offer to the driver and arms the response timeout.
// The trip-scoped exclusion set travels with the entry so a later
// rejection can resume dispatch where it left off.
func (c *Coordinator) Offer(ctx context.Context, driverID string, t *models.Trip, excluded map[string]struct{}, pickupKm float64) error {
	e := &pendingOffer{
		trip:     t.Clone(),
		excluded: cloneSet(excluded),
		created:  time.Now(),
		payload: models.Offer{
			TripID:             t.ID,
			Pickup:             t.Pickup,
			PickupAddress:      t.PickupAddress,
			Destination:        t.Destination,
			DestinationAddress: t.DestinationAddress,
			EstimatedCost:      t.EstimatedCost,
			PickupDistanceKm:   pickupKm,
			ExpiresAt:          time.Now().Add(c.Timeout),
		},
	}

	c.mu.Lock()
	if _, exists := c.pending[driverID]; exists {
		c.mu.Unlock()
		return ErrAlreadyPending
	}
	c.pending[driverID] = e
	observability.OffersPending.Inc()
	c.mu.Unlock()

	if err := c.Drivers.Send(driverID, Envelope{Type: "trip_offer", Offer: &e.payload}); err != nil {
		// The driver never saw the offer; roll back the reservation. A
		// failed write can tear the channel down and fire the disconnect
		// hook before Send returns, in which case CancelFor has already
		// resolved this entry and is running the retry chain.
		c.mu.Lock()
		owned := c.pending[driverID] == e
		if owned {
			delete(c.pending, driverID)
			observability.OffersPending.Dec()
		}
		c.mu.Unlock()
		if !owned {
			return ErrSuperseded
		}
		return fmt.Errorf("%w: %v", ErrNotDelivered, err)
	}

	// A disconnect may have resolved the entry between send and here; in
	// that case the timer must not be armed against a dead entry.
	c.mu.Lock()
	if c.pending[driverID] == e {
		tripID := t.ID
		e.timer = time.AfterFunc(c.Timeout, func() { c.onTimeout(driverID, tripID) })
	}
	c.mu.Unlock()

	c.Logger.Info("offer sent", "driver_id", driverID, "trip_id", t.ID, "pickup_km", pickupKm)
	return nil
}

// Accept resolves the pending entry in the driver's favor: computes the
// approach leg, places the payment hold, and requests assigned→accepted.
// A trip.ConflictError return means the trip moved on (e.g. the rider
// cancelled mid-offer) and the offer is no longer valid.
func (c *Coordinator) Accept(ctx context.Context, driverID, tripID string) (*models.Trip, error) {
	e, ok := c.resolve(driverID, tripID)
	if !ok {
		c.Logger.Info("accept ignored", "driver_id", driverID, "trip_id", tripID)
		return nil, ErrNotFound
	}

	approachKm := 0.0
	if loc, err := c.Index.LastCoordinate(ctx, driverID); err == nil {
		approachKm = geo.DistanceKm(loc, e.trip.Pickup)
	} else {
		c.Logger.Warn("no last coordinate for accepting driver", "driver_id", driverID, "error", err)
	}
	fee := c.Rates.ApproachFee(approachKm)

	paymentRef := ""
	if c.Payments != nil {
		amount := minorUnits(e.trip.EstimatedCost + fee)
		ref, err := c.Payments.Hold(ctx, amount, c.Currency)
		if err != nil {
			c.Logger.Warn("payment hold failed", "trip_id", tripID, "error", err)
		} else {
			paymentRef = ref
		}
	}

	t, err := c.Machine.Accept(ctx, tripID, driverID, approachKm, fee, paymentRef)
	if err != nil {
		if paymentRef != "" {
			if rerr := c.Payments.Release(ctx, paymentRef); rerr != nil {
				c.Logger.Warn("payment release failed", "payment_ref", paymentRef, "error", rerr)
			}
		}
		return nil, err
	}

	observability.OffersResolvedTotal.WithLabelValues("accepted").Inc()
	c.echoRider(t, "")
	c.Logger.Info("offer accepted", "driver_id", driverID, "trip_id", tripID, "approach_km", approachKm)
	return t, nil
}

// Reject resolves the pending entry against the driver and resumes
// dispatch with the driver excluded.
func (c *Coordinator) Reject(ctx context.Context, driverID, tripID, reason string) error {
	e, ok := c.resolve(driverID, tripID)
	if !ok {
		c.Logger.Info("reject ignored", "driver_id", driverID, "trip_id", tripID)
		return ErrNotFound
	}
	observability.OffersResolvedTotal.WithLabelValues("rejected").Inc()
	c.Logger.Info("offer rejected", "driver_id", driverID, "trip_id", tripID, "reason", reason)
	c.retry(ctx, e, driverID)
	return nil
}

// CancelFor is the presence registry's disconnect hook: a driver who
// drops their channel mid-offer cannot hold the trip hostage.
func (c *Coordinator) CancelFor(driverID string) {
	e, ok := c.resolve(driverID, "")
	if !ok {
		return
	}
	observability.OffersResolvedTotal.WithLabelValues("disconnected").Inc()
	c.Logger.Info("offer cancelled", "driver_id", driverID, "trip_id", e.trip.ID, "reason", reasonDisconnected)
	c.retry(context.Background(), e, driverID)
}

// onTimeout fires from the armed timer. Losing the race to an accept or
// reject leaves no entry to resolve, and the handler no-ops.
func (c *Coordinator) onTimeout(driverID, tripID string) {
	e, ok := c.resolve(driverID, tripID)
	if !ok {
		return
	}
	observability.OffersResolvedTotal.WithLabelValues("timeout").Inc()
	c.Logger.Info("offer timed out", "driver_id", driverID, "trip_id", tripID, "reason", reasonTimeout)
	if err := c.Drivers.Send(driverID, Envelope{Type: "offer_expired", Outcome: &models.Outcome{TripID: tripID, Reason: reasonTimeout}}); err != nil {
		c.Logger.Debug("offer expiry echo failed", "driver_id", driverID, "error", err)
	}
	c.retry(context.Background(), e, driverID)
}

// resolve is the mutual-exclusion boundary: the first caller removes the
// entry and stops its timer; everyone else observes "already resolved".
// An empty tripID matches any entry for the driver.
func (c *Coordinator) resolve(driverID, tripID string) (*pendingOffer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.pending[driverID]
	if !ok || (tripID != "" && e.trip.ID != tripID) {
		return nil, false
	}
	delete(c.pending, driverID)
	if e.timer != nil {
		e.timer.Stop()
	}
	observability.OffersPending.Dec()
	return e, true
}

// HasPending reports whether the driver currently holds a live offer.
func (c *Coordinator) HasPending(driverID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[driverID]
	return ok
}

// retry re-enters the dispatcher with the resolved driver excluded. The
// dispatcher reports exhaustion itself; a conflict just means the trip
// already moved on.
func (c *Coordinator) retry(ctx context.Context, e *pendingOffer, driverID string) {
	if c.redispatch == nil {
		c.Logger.Error("no redispatcher wired, dropping retry", "trip_id", e.trip.ID)
		return
	}
	excluded := cloneSet(e.excluded)
	excluded[driverID] = struct{}{}
	if _, err := c.redispatch.Dispatch(ctx, e.trip.ID, excluded); err != nil {
		var conflict *trip.ConflictError
		if errors.As(err, &conflict) {
			c.Logger.Info("redispatch abandoned, trip moved on", "trip_id", e.trip.ID)
			return
		}
		c.Logger.Warn("redispatch failed", "trip_id", e.trip.ID, "error", err)
	}
}

func (c *Coordinator) echoRider(t *models.Trip, reason string) {
	if c.Riders == nil {
		return
	}
	out := models.Outcome{TripID: t.ID, Status: t.Status, DriverID: t.DriverID, Reason: reason}
	if err := c.Riders.Send(t.RiderID, Envelope{Type: "trip_update", Outcome: &out}); err != nil {
		c.Logger.Debug("rider echo failed", "rider_id", t.RiderID, "error", err)
	}
}

// minorUnits converts a major-unit amount to the smallest currency unit
// (millimes for TND).
func minorUnits(amount float64) int64 {
	return int64(math.Round(amount * 1000))
}

func cloneSet(in map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(in)+1)
	for k := range in {
		out[k] = struct{}{}
	}
	return out
}
