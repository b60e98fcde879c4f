package geo

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/example/cleaner-tracking/internal/models"
)

// EarthRadiusMeters is the mean radius of the spherical earth approximation.
const EarthRadiusMeters = 6371000.0

// Store keeps the last known cleaner position per job. Only the latest
// sample is retained.
type Store interface {
	Save(ctx context.Context, s models.LocationSample) error
	Latest(ctx context.Context, jobID string) (models.LocationSample, bool, error)
}

type Index struct {
	mu      sync.RWMutex
	samples map[string]models.LocationSample
}

func NewIndex() *Index {
	return &Index{samples: make(map[string]models.LocationSample)}
}

func (g *Index) Save(_ context.Context, s models.LocationSample) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if s.CapturedAt.IsZero() {
		s.CapturedAt = time.Now()
	}
	// an older sample arriving late never replaces a newer one
	if prev, ok := g.samples[s.JobID]; ok && prev.CapturedAt.After(s.CapturedAt) {
		return nil
	}
	g.samples[s.JobID] = s
	return nil
}

func (g *Index) Latest(_ context.Context, jobID string) (models.LocationSample, bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	s, ok := g.samples[jobID]
	return s, ok, nil
}

// Distance is the great-circle distance between a and b in meters.
func Distance(a, b models.Coord) float64 {
	return Haversine(a.Lat, a.Lng, b.Lat, b.Lng)
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusMeters * c
}
