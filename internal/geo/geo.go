package geo

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/example/ride-tracking/internal/models"
)

// Geo keeps the last known position of every online driver.
type Geo interface {
	Nearby(ctx context.Context, center models.Point, radiusM float64, limit int) ([]models.DriverPosition, error)
	// Upsert stores p, or forgets the driver when p.Online is false.
	Upsert(ctx context.Context, p models.DriverPosition) error
}

type Index struct {
	mu      sync.RWMutex
	drivers map[string]models.DriverPosition
}

func NewIndex() *Index {
	return &Index{drivers: make(map[string]models.DriverPosition)}
}

func (g *Index) Upsert(_ context.Context, p models.DriverPosition) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !p.Online {
		delete(g.drivers, p.DriverID)
		return nil
	}
	g.drivers[p.DriverID] = p
	return nil
}

// naive scan; fine for a single process worth of drivers
func (g *Index) Nearby(_ context.Context, center models.Point, radiusM float64, limit int) ([]models.DriverPosition, error) {
	g.mu.RLock()
	type pair struct {
		p    models.DriverPosition
		dist float64
	}
	arr := make([]pair, 0, len(g.drivers))
	for _, p := range g.drivers {
		dist := Haversine(center.Lat, center.Lng, p.Lat, p.Lng)
		if radiusM > 0 && dist > radiusM {
			continue
		}
		arr = append(arr, pair{p, dist})
	}
	g.mu.RUnlock()

	sort.Slice(arr, func(i, j int) bool { return arr[i].dist < arr[j].dist })
	if limit > 0 && len(arr) > limit {
		arr = arr[:limit]
	}
	out := make([]models.DriverPosition, 0, len(arr))
	for _, a := range arr {
		out = append(out, a.p)
	}
	return out, nil
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
