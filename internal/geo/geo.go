package geo

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/alaaotay8/taxini-app-public-sub000/internal/models"
)

// DriverIndex is the minimal candidate-store interface required by the
// dispatcher and the location ingest path.
type DriverIndex interface {
	// Eligible returns online+verified drivers within radiusKm of the
	// pickup, nearest first, so a limit always keeps the closest
	// candidates.
	Eligible(ctx context.Context, pickup models.Coord, radiusKm float64, limit int) ([]models.Driver, error)
	LastCoordinate(ctx context.Context, driverID string) (models.Coord, error)
	Upsert(ctx context.Context, d models.Driver) error
}

// DistanceKm is the Haversine great-circle distance in kilometers.
func DistanceKm(a, b models.Coord) float64 {
	const earthRadiusKm = 6371.0
	toRad := func(deg float64) float64 { return deg * math.Pi / 180.0 }
	dLat := toRad(b.Lat - a.Lat)
	dLon := toRad(b.Lon - a.Lon)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(a.Lat))*math.Cos(toRad(b.Lat))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return earthRadiusKm * c
}

// Index is an in-memory DriverIndex. Results are sorted nearest first;
// equal distances keep the order drivers were first seen, which makes
// tie-breaking deterministic.
type Index struct {
	mu      sync.RWMutex
	drivers map[string]models.Driver
	order   []string
}

func NewIndex() *Index {
	return &Index{drivers: make(map[string]models.Driver)}
}

func (g *Index) Upsert(_ context.Context, d models.Driver) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	d.Updated = time.Now()
	if _, seen := g.drivers[d.ID]; !seen {
		g.order = append(g.order, d.ID)
	}
	g.drivers[d.ID] = d
	return nil
}

func (g *Index) Eligible(_ context.Context, pickup models.Coord, radiusKm float64, limit int) ([]models.Driver, error) {
	type candidate struct {
		d  models.Driver
		km float64
	}
	g.mu.RLock()
	cands := make([]candidate, 0, len(g.order))
	for _, id := range g.order {
		d := g.drivers[id]
		if !d.Eligible() {
			continue
		}
		km := DistanceKm(pickup, d.Loc)
		if km > radiusKm {
			continue
		}
		cands = append(cands, candidate{d, km})
	}
	g.mu.RUnlock()

	sort.SliceStable(cands, func(i, j int) bool { return cands[i].km < cands[j].km })
	if limit > 0 && len(cands) > limit {
		cands = cands[:limit]
	}
	out := make([]models.Driver, 0, len(cands))
	for _, c := range cands {
		out = append(out, c.d)
	}
	return out, nil
}

func (g *Index) LastCoordinate(_ context.Context, driverID string) (models.Coord, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	d, ok := g.drivers[driverID]
	if !ok {
		return models.Coord{}, ErrUnknownDriver
	}
	return d.Loc, nil
}

var ErrUnknownDriver = &UnknownDriverError{}

type UnknownDriverError struct{}

func (e *UnknownDriverError) Error() string { return "driver not in index" }
