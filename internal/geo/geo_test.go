package geo

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-tracking/internal/models"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestHaversineKnownDistance(t *testing.T) {
	// one degree of latitude is roughly 111km
	d := Haversine(12.0, 77.6, 13.0, 77.6)
	assert.InDelta(t, 111195, d, 200)
}

func TestIndex_NearbySortedAndFiltered(t *testing.T) {
	ctx := context.Background()
	g := NewIndex()
	require.NoError(t, g.Upsert(ctx, models.DriverPosition{DriverID: "far", Lat: 13.5, Lng: 77.6, Online: true}))
	require.NoError(t, g.Upsert(ctx, models.DriverPosition{DriverID: "mid", Lat: 12.91, Lng: 77.6, Online: true}))
	require.NoError(t, g.Upsert(ctx, models.DriverPosition{DriverID: "near", Lat: 12.9001, Lng: 77.6, Online: true}))

	got, err := g.Nearby(ctx, models.Point{Lat: 12.9, Lng: 77.6}, 5000, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "near", got[0].DriverID)
	assert.Equal(t, "mid", got[1].DriverID)

	got, err = g.Nearby(ctx, models.Point{Lat: 12.9, Lng: 77.6}, 5000, 1)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestIndex_OfflineRemoves(t *testing.T) {
	ctx := context.Background()
	g := NewIndex()
	require.NoError(t, g.Upsert(ctx, models.DriverPosition{DriverID: "d1", Lat: 12.9, Lng: 77.6, Online: true}))
	require.NoError(t, g.Upsert(ctx, models.DriverPosition{DriverID: "d1", Online: false}))

	got, err := g.Nearby(ctx, models.Point{Lat: 12.9, Lng: 77.6}, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRedisGeo_UpsertNearbyRemove(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	g := NewRedisGeo(client, "drivers_geo")
	require.NoError(t, g.Upsert(ctx, models.DriverPosition{DriverID: "d1", Lat: 12.9, Lng: 77.6, Online: true, Timestamp: 42}))
	require.NoError(t, g.Upsert(ctx, models.DriverPosition{DriverID: "d2", Lat: 40.7, Lng: -74.0, Online: true, Timestamp: 43}))

	got, err := g.Nearby(ctx, models.Point{Lat: 12.9, Lng: 77.6}, 5000, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "d1", got[0].DriverID)
	assert.Equal(t, int64(42), got[0].Timestamp)
	assert.InDelta(t, 12.9, got[0].Lat, 0.001)

	require.NoError(t, g.Upsert(ctx, models.DriverPosition{DriverID: "d1", Online: false}))
	got, err = g.Nearby(ctx, models.Point{Lat: 12.9, Lng: 77.6}, 5000, 10)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.False(t, mr.Exists("driver:meta:d1"))
}
