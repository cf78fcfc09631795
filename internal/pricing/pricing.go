// Package pricing supplies the per-km rates the dispatch core reads.
// The core treats the approach rate as a single numeric read, not a
// policy it owns.
package pricing

// Rates holds the two inputs the dispatcher and coordinator need:
// the trip estimate rate and the approach-fee rate.
type Rates struct {
	TripPerKm     float64
	ApproachPerKm float64
}

// ApproachFee prices the leg from the driver's position at acceptance
// time to the pickup point.
func (r Rates) ApproachFee(km float64) float64 { return km * r.ApproachPerKm }

// EstimateTripCost prices the straight-line trip distance at creation.
func (r Rates) EstimateTripCost(km float64) float64 { return km * r.TripPerKm }
