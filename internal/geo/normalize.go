package geo

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/example/cleaner-tracking/internal/models"
)

// Normalize turns the coordinate shapes seen on the wire into a Coord.
//
// Accepted inputs:
//   - "lat,lng" strings (comma, semicolon or whitespace delimited)
//   - objects with lat/latitude and lng/lon/longitude keys, or a models.Coord
//   - ordered pairs in GeoJSON order, [lng, lat]
//
// When the latitude is out of range the swapped reading is tried before the
// value is rejected, since some producers get the pair order backwards.
// The second return value is false when no valid reading exists, in which
// case the coordinate must be treated as absent.
func Normalize(v any) (models.Coord, bool) {
	switch t := v.(type) {
	case nil:
		return models.Coord{}, false
	case models.Coord:
		return validate(t.Lat, t.Lng)
	case *models.Coord:
		if t == nil {
			return models.Coord{}, false
		}
		return validate(t.Lat, t.Lng)
	case string:
		return fromString(t)
	case json.RawMessage:
		var decoded any
		if err := json.Unmarshal(t, &decoded); err != nil {
			return fromString(string(t))
		}
		return Normalize(decoded)
	case map[string]any:
		return fromMap(func(k string) (any, bool) { v, ok := t[k]; return v, ok })
	case map[string]float64:
		return fromMap(func(k string) (any, bool) { v, ok := t[k]; return v, ok })
	case map[string]string:
		return fromMap(func(k string) (any, bool) { v, ok := t[k]; return v, ok })
	case [2]float64:
		return validate(t[1], t[0])
	case []float64:
		if len(t) != 2 {
			return models.Coord{}, false
		}
		return validate(t[1], t[0])
	case []any:
		if len(t) != 2 {
			return models.Coord{}, false
		}
		lng, ok1 := toFloat(t[0])
		lat, ok2 := toFloat(t[1])
		if !ok1 || !ok2 {
			return models.Coord{}, false
		}
		return validate(lat, lng)
	}
	return models.Coord{}, false
}

func fromString(s string) (models.Coord, bool) {
	parts := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ';' || r == ' ' || r == '\t'
	})
	if len(parts) != 2 {
		return models.Coord{}, false
	}
	lat, err1 := strconv.ParseFloat(parts[0], 64)
	lng, err2 := strconv.ParseFloat(parts[1], 64)
	if err1 != nil || err2 != nil {
		return models.Coord{}, false
	}
	return validate(lat, lng)
}

func fromMap(get func(string) (any, bool)) (models.Coord, bool) {
	lat, ok := lookupFloat(get, "lat", "latitude")
	if !ok {
		return models.Coord{}, false
	}
	lng, ok := lookupFloat(get, "lng", "lon", "longitude")
	if !ok {
		return models.Coord{}, false
	}
	return validate(lat, lng)
}

func lookupFloat(get func(string) (any, bool), keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := get(k); ok {
			return toFloat(v)
		}
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

func validate(lat, lng float64) (models.Coord, bool) {
	if inRange(lat, lng) {
		return models.Coord{Lat: lat, Lng: lng}, true
	}
	if !latOK(lat) && inRange(lng, lat) {
		return models.Coord{Lat: lng, Lng: lat}, true
	}
	return models.Coord{}, false
}

func inRange(lat, lng float64) bool { return latOK(lat) && lngOK(lng) }

func latOK(v float64) bool { return !math.IsNaN(v) && v >= -90 && v <= 90 }

func lngOK(v float64) bool { return !math.IsNaN(v) && v >= -180 && v <= 180 }
