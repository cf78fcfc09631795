package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// TripStatus is the authoritative lifecycle state of a trip. Only the
// trip state machine may move a trip between statuses.
type TripStatus string

const (
	TripRequested TripStatus = "requested"
	TripAssigned  TripStatus = "assigned"
	TripAccepted  TripStatus = "accepted"
	TripStarted   TripStatus = "started"
	TripCompleted TripStatus = "completed"
	TripCancelled TripStatus = "cancelled"
)

// HasDriver reports whether a trip in this status must carry a driver id.
func (s TripStatus) HasDriver() bool {
	switch s {
	case TripAssigned, TripAccepted, TripStarted, TripCompleted:
		return true
	}
	return false
}

// Terminal reports whether the status is absorbing.
func (s TripStatus) Terminal() bool {
	return s == TripCompleted || s == TripCancelled
}

type Trip struct {
	ID       string `json:"id"`
	RiderID  string `json:"rider_id"`
	DriverID string `json:"driver_id,omitempty"` // empty until assigned

	Pickup             Coord  `json:"pickup"`
	PickupAddress      string `json:"pickup_address,omitempty"`
	Destination        Coord  `json:"destination"`
	DestinationAddress string `json:"destination_address,omitempty"`

	// Set once at creation from the straight-line route.
	EstimatedDistanceKm float64 `json:"estimated_distance_km"`
	EstimatedCost       float64 `json:"estimated_cost"`

	// Set when a driver accepts: distance from the driver's last known
	// position to the pickup, and the derived fee.
	ApproachDistanceKm float64 `json:"approach_distance_km,omitempty"`
	ApproachFee        float64 `json:"approach_fee,omitempty"`

	PaymentRef string `json:"payment_ref,omitempty"`

	Status       TripStatus `json:"status"`
	CancelReason string     `json:"cancel_reason,omitempty"`

	RequestedAt time.Time  `json:"requested_at"`
	AssignedAt  *time.Time `json:"assigned_at,omitempty"`
	AcceptedAt  *time.Time `json:"accepted_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
}

// Clone returns a deep copy so callers can mutate a trip without racing
// the store's own copy.
func (t *Trip) Clone() *Trip {
	c := *t
	c.AssignedAt = cloneTime(t.AssignedAt)
	c.AcceptedAt = cloneTime(t.AcceptedAt)
	c.StartedAt = cloneTime(t.StartedAt)
	c.CompletedAt = cloneTime(t.CompletedAt)
	c.CancelledAt = cloneTime(t.CancelledAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

type OperationalStatus string

const (
	DriverOffline OperationalStatus = "offline"
	DriverOnline  OperationalStatus = "online"
	DriverOnTrip  OperationalStatus = "on_trip"
)

type AccountStatus string

const (
	AccountLocked   AccountStatus = "locked"
	AccountVerified AccountStatus = "verified"
	AccountBanned   AccountStatus = "banned"
)

// Driver is the dispatcher's read model of a candidate plus the record
// shape published on the location ingest topic.
type Driver struct {
	ID      string            `json:"id"`
	Loc     Coord             `json:"loc"`
	Status  OperationalStatus `json:"status"`
	Account AccountStatus     `json:"account"`
	Updated time.Time         `json:"updated"`
}

// Eligible reports whether the driver may receive a dispatch at all;
// reachability is checked separately against the presence registry.
func (d Driver) Eligible() bool {
	return d.Status == DriverOnline && d.Account == AccountVerified
}

// Offer is the payload pushed to exactly one driver over the delivery
// transport; it stays outstanding until accept/reject/timeout/disconnect.
type Offer struct {
	TripID             string    `json:"trip_id"`
	Pickup             Coord     `json:"pickup"`
	PickupAddress      string    `json:"pickup_address,omitempty"`
	Destination        Coord     `json:"destination"`
	DestinationAddress string    `json:"destination_address,omitempty"`
	EstimatedCost      float64   `json:"estimated_cost"`
	PickupDistanceKm   float64   `json:"pickup_distance_km"`
	ExpiresAt          time.Time `json:"expires_at"`
}

// Outcome is the rider/driver echo pushed when an offer resolves.
type Outcome struct {
	TripID   string     `json:"trip_id"`
	Status   TripStatus `json:"status"`
	DriverID string     `json:"driver_id,omitempty"`
	Reason   string     `json:"reason,omitempty"`
}
