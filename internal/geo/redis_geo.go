package geo

import (
	"context"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-tracking/internal/models"
)

// RedisGeo implements Geo using Redis GEO commands.
type RedisGeo struct {
	client *redis.Client
	key    string
}

func NewRedisGeo(client *redis.Client, key string) *RedisGeo {
	return &RedisGeo{client: client, key: key}
}

func (r *RedisGeo) Upsert(ctx context.Context, p models.DriverPosition) error {
	if !p.Online {
		pipe := r.client.TxPipeline()
		pipe.ZRem(ctx, r.key, p.DriverID)
		pipe.Del(ctx, metaKey(p.DriverID))
		_, err := pipe.Exec(ctx)
		return err
	}
	// store as GEOADD and HSET for metadata
	pipe := r.client.TxPipeline()
	pipe.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: p.Lng, Latitude: p.Lat, Name: p.DriverID})
	pipe.HSet(ctx, metaKey(p.DriverID), map[string]interface{}{"updated": strconv.FormatInt(p.Timestamp, 10)})
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisGeo) Nearby(ctx context.Context, center models.Point, radiusM float64, limit int) ([]models.DriverPosition, error) {
	res, err := r.client.GeoRadius(ctx, r.key, center.Lng, center.Lat, &redis.GeoRadiusQuery{
		Radius: radiusM, Unit: "m", WithCoord: true, WithDist: true, Count: limit, Sort: "ASC",
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.DriverPosition, 0, len(res))
	for _, g := range res {
		p := models.DriverPosition{DriverID: g.Name, Lat: g.Latitude, Lng: g.Longitude, Online: true}
		if v, err := r.client.HGet(ctx, metaKey(g.Name), "updated").Result(); err == nil {
			if ts, err := strconv.ParseInt(v, 10, 64); err == nil {
				p.Timestamp = ts
			}
		}
		out = append(out, p)
	}
	return out, nil
}

func metaKey(id string) string { return "driver:meta:" + id }
