package geo

import (
	"context"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/redis/go-redis/v9"
)

// RedisGeo mirrors vehicle positions into a Redis GEO set so other processes can
// run radius queries without going through the simulator.
type RedisGeo struct {
	client   *redis.Client
	key      string
	radiusKm float64
}

func NewRedisGeo(addr, password, key string) *RedisGeo {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisGeo{client: c, key: key, radiusKm: 5}
}

// RecordPosition stores the vehicle in the GEO set and its class in a metadata hash.
func (r *RedisGeo) RecordPosition(ctx context.Context, v models.Vehicle) error {
	pipe := r.client.TxPipeline()
	pipe.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: v.Loc.Lon, Latitude: v.Loc.Lat, Name: v.ID})
	pipe.HSet(ctx, metaKey(v.ID), map[string]interface{}{"class": string(v.Class), "updated": v.Updated.Format(time.RFC3339)})
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisGeo) Nearby(ctx context.Context, c models.Coord, limit int) ([]models.Vehicle, error) {
	res, err := r.client.GeoRadius(ctx, r.key, c.Lon, c.Lat, &redis.GeoRadiusQuery{Radius: r.radiusKm, Unit: "km", WithCoord: true, Count: limit, Sort: "ASC"}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.Vehicle, 0, len(res))
	for _, g := range res {
		v := models.Vehicle{ID: g.Name, Loc: models.Coord{Lat: g.Latitude, Lon: g.Longitude}}
		if m, err := r.client.HGetAll(ctx, metaKey(g.Name)).Result(); err == nil {
			v.Class = models.VehicleClass(m["class"])
			if t, err := time.Parse(time.RFC3339, m["updated"]); err == nil {
				v.Updated = t
			}
		}
		out = append(out, v)
	}
	return out, nil
}

func (r *RedisGeo) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

func (r *RedisGeo) Close() error { return r.client.Close() }

func metaKey(id string) string { return "vehicle:meta:" + id }
