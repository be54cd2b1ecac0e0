package model

import (
	"errors"

	"go.mongodb.org/mongo-driver/bson"
)

// Point is a GeoJSON point: coordinates are [longitude, latitude]
type Point struct {
	Type        string    `bson:"type" json:"type"`
	Coordinates []float64 `bson:"coordinates" json:"coordinates"`
}

// DefaultPoint is used when no location was provided
func DefaultPoint() Point {
	return Point{Type: "Point", Coordinates: []float64{0.0, 0.0}}
}

// Validate checks GeoJSON shape and coordinate ranges
func (p Point) Validate() error {
	if p.Type != "Point" {
		return errors.New("Location type must be 'Point'")
	}
	if len(p.Coordinates) != 2 {
		return errors.New("Location coordinates must be [longitude, latitude]")
	}
	lon, lat := p.Coordinates[0], p.Coordinates[1]
	if lon < -180 || lon > 180 || lat < -90 || lat > 90 {
		return errors.New("Invalid coordinate values")
	}
	return nil
}

// PointFromDocument decodes a location value out of an open document
func PointFromDocument(v interface{}) (Point, bool) {
	switch loc := v.(type) {
	case Point:
		return loc, true
	case bson.M:
		p := Point{}
		if t, ok := loc["type"].(string); ok {
			p.Type = t
		}
		p.Coordinates = floatSlice(loc["coordinates"])
		return p, true
	case map[string]interface{}:
		return PointFromDocument(bson.M(loc))
	default:
		return Point{}, false
	}
}

// Document converts the point to its open-map form
func (p Point) Document() bson.M {
	coords := make([]interface{}, len(p.Coordinates))
	for i, c := range p.Coordinates {
		coords[i] = c
	}
	return bson.M{"type": p.Type, "coordinates": coords}
}

func floatSlice(v interface{}) []float64 {
	switch vals := v.(type) {
	case []float64:
		return vals
	case []interface{}:
		out := make([]float64, 0, len(vals))
		for _, item := range vals {
			f, ok := toFloat(item)
			if !ok {
				return nil
			}
			out = append(out, f)
		}
		return out
	case bson.A:
		return floatSlice([]interface{}(vals))
	default:
		return nil
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
