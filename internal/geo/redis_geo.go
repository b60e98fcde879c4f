package geo

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/cleaner-tracking/internal/models"
)

// RedisLocations implements Store using Redis GEO commands. The job ID is the
// GEO member; sample metadata lives in a hash next to it.
type RedisLocations struct {
	client *redis.Client
	key    string
}

func NewRedisLocations(addr, password, key string) *RedisLocations {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisLocations{client: c, key: key}
}

func (r *RedisLocations) Save(ctx context.Context, s models.LocationSample) error {
	if s.CapturedAt.IsZero() {
		s.CapturedAt = time.Now()
	}
	if err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: s.Coord.Lng, Latitude: s.Coord.Lat, Name: s.JobID}).Err(); err != nil {
		return err
	}
	return r.client.HSet(ctx, MetaKey(s.JobID), map[string]interface{}{
		"cleaner_id":  s.CleanerID,
		"captured_at": s.CapturedAt.UTC().Format(time.RFC3339Nano),
	}).Err()
}

func (r *RedisLocations) Latest(ctx context.Context, jobID string) (models.LocationSample, bool, error) {
	pos, err := r.client.GeoPos(ctx, r.key, jobID).Result()
	if err != nil {
		return models.LocationSample{}, false, err
	}
	if len(pos) == 0 || pos[0] == nil {
		return models.LocationSample{}, false, nil
	}
	s := models.LocationSample{JobID: jobID, Coord: models.Coord{Lat: pos[0].Latitude, Lng: pos[0].Longitude}}
	if m, err := r.client.HGetAll(ctx, MetaKey(jobID)).Result(); err == nil {
		s.CleanerID = m["cleaner_id"]
		if v, ok := m["captured_at"]; ok {
			if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
				s.CapturedAt = ts
			}
		}
	}
	return s, true, nil
}

// Ping reports redis connectivity for readiness checks.
func (r *RedisLocations) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

func (r *RedisLocations) Close() error { return r.client.Close() }

// MetaKey is the hash holding the latest sample metadata of a job.
func MetaKey(jobID string) string { return "job:location:" + jobID }
