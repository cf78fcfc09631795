package geo

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alaaotay8/taxini-app-public-sub000/internal/models"
)

// RedisIndex implements DriverIndex on Redis GEO commands plus a
// per-driver metadata hash for the status fields the GEO set cannot hold.
type RedisIndex struct {
	client *redis.Client
	key    string
}

func NewRedisIndex(addr, password, key string) *RedisIndex {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisIndex{client: c, key: key}
}

func (r *RedisIndex) Upsert(ctx context.Context, d models.Driver) error {
	if _, err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{
		Longitude: d.Loc.Lon,
		Latitude:  d.Loc.Lat,
		Name:      d.ID,
	}).Result(); err != nil {
		return err
	}
	return r.client.HSet(ctx, metaKey(d.ID), map[string]interface{}{
		"status":  string(d.Status),
		"account": string(d.Account),
		"lat":     strconv.FormatFloat(d.Loc.Lat, 'f', 6, 64),
		"lon":     strconv.FormatFloat(d.Loc.Lon, 'f', 6, 64),
		"updated": time.Now().Format(time.RFC3339),
	}).Err()
}

func (r *RedisIndex) Eligible(ctx context.Context, pickup models.Coord, radiusKm float64, limit int) ([]models.Driver, error) {
	res, err := r.client.GeoSearchLocation(ctx, r.key, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  pickup.Lon,
			Latitude:   pickup.Lat,
			Radius:     radiusKm,
			RadiusUnit: "km",
			Sort:       "ASC",
			Count:      limit,
		},
		WithCoord: true,
		WithDist:  true,
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.Driver, 0, len(res))
	for _, g := range res {
		d := models.Driver{ID: g.Name, Loc: models.Coord{Lat: g.Latitude, Lon: g.Longitude}}
		meta, err := r.client.HGetAll(ctx, metaKey(g.Name)).Result()
		if err != nil {
			continue
		}
		d.Status = models.OperationalStatus(meta["status"])
		d.Account = models.AccountStatus(meta["account"])
		if !d.Eligible() {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func (r *RedisIndex) LastCoordinate(ctx context.Context, driverID string) (models.Coord, error) {
	pos, err := r.client.GeoPos(ctx, r.key, driverID).Result()
	if err != nil {
		return models.Coord{}, err
	}
	if len(pos) == 0 || pos[0] == nil {
		return models.Coord{}, ErrUnknownDriver
	}
	return models.Coord{Lat: pos[0].Latitude, Lon: pos[0].Longitude}, nil
}

func (r *RedisIndex) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

func (r *RedisIndex) Close() error { return r.client.Close() }

func metaKey(id string) string { return "driver:meta:" + id }
