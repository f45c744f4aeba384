// Package preserve loads Midpen open space preserve boundaries from
// GeoJSON and detects which preserves an activity track passes through.
package preserve

import (
	"fmt"
	"os"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
	"github.com/sirupsen/logrus"
	"github.com/twpayne/go-polyline"
)

// Preserve is a named open space boundary.
type Preserve struct {
	Name string
	URL  string

	// Boundary as a multipolygon. Single-polygon features are wrapped
	// so intersection checks have one shape to deal with.
	Geometry orb.MultiPolygon
}

// Index holds the loaded preserve boundaries and answers intersection
// queries against them. It is immutable after load and safe for
// concurrent use.
type Index struct {
	preserves []Preserve
}

// LoadFile reads a GeoJSON feature collection from disk.
func LoadFile(path string) (*Index, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read preserves file: %w", err)
	}
	return Load(data)
}

// Load parses a GeoJSON feature collection. Features without a "url"
// property are closed to the public and skipped. Features whose
// geometry is not a Polygon or MultiPolygon are rejected.
func Load(data []byte) (*Index, error) {
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("parse preserves geojson: %w", err)
	}

	var preserves []Preserve
	for _, feature := range fc.Features {
		name := feature.Properties.MustString("name", "Unknown")
		url := feature.Properties.MustString("url", "")
		if url == "" {
			continue
		}

		var geom orb.MultiPolygon
		switch g := feature.Geometry.(type) {
		case orb.Polygon:
			geom = orb.MultiPolygon{g}
		case orb.MultiPolygon:
			geom = g
		default:
			return nil, fmt.Errorf("preserve %q: unsupported geometry %T", name, feature.Geometry)
		}

		preserves = append(preserves, Preserve{Name: name, URL: url, Geometry: geom})
	}

	logrus.WithField("count", len(preserves)).Info("Loaded preserves")
	return &Index{preserves: preserves}, nil
}

// Preserves returns all loaded preserves.
func (ix *Index) Preserves() []Preserve {
	return ix.preserves
}

// FindIntersections returns the names of every preserve the track
// passes through, in load order.
func (ix *Index) FindIntersections(track orb.LineString) []string {
	var names []string
	for _, p := range ix.preserves {
		if lineIntersectsMultiPolygon(track, p.Geometry) {
			names = append(names, p.Name)
		}
	}
	return names
}

// FindIntersectionsFromPolyline decodes a Strava summary polyline
// (precision 5, lat/lng order) and checks it against the index.
func (ix *Index) FindIntersectionsFromPolyline(encoded string) ([]string, error) {
	coords, _, err := polyline.DecodeCoords([]byte(encoded))
	if err != nil {
		return nil, fmt.Errorf("decode polyline: %w", err)
	}

	track := make(orb.LineString, len(coords))
	for i, c := range coords {
		// Polyline pairs are lat,lng; orb points are lng,lat.
		track[i] = orb.Point{c[1], c[0]}
	}
	return ix.FindIntersections(track), nil
}

func lineIntersectsMultiPolygon(line orb.LineString, mp orb.MultiPolygon) bool {
	if len(line) == 0 {
		return false
	}

	// A track intersects the boundary if any vertex lies inside, or if
	// any track segment crosses a ring edge. The vertex check catches
	// tracks fully contained in the preserve.
	for _, pt := range line {
		if planar.MultiPolygonContains(mp, pt) {
			return true
		}
	}

	for i := 0; i+1 < len(line); i++ {
		for _, poly := range mp {
			for _, ring := range poly {
				for j := 0; j+1 < len(ring); j++ {
					if segmentsIntersect(line[i], line[i+1], ring[j], ring[j+1]) {
						return true
					}
				}
			}
		}
	}
	return false
}

// segmentsIntersect reports whether segments ab and cd intersect,
// including touching endpoints and collinear overlap.
func segmentsIntersect(a, b, c, d orb.Point) bool {
	d1 := cross(c, d, a)
	d2 := cross(c, d, b)
	d3 := cross(a, b, c)
	d4 := cross(a, b, d)

	if ((d1 > 0 && d2 < 0) || (d1 < 0 && d2 > 0)) &&
		((d3 > 0 && d4 < 0) || (d3 < 0 && d4 > 0)) {
		return true
	}

	switch {
	case d1 == 0 && onSegment(c, d, a):
		return true
	case d2 == 0 && onSegment(c, d, b):
		return true
	case d3 == 0 && onSegment(a, b, c):
		return true
	case d4 == 0 && onSegment(a, b, d):
		return true
	}
	return false
}

func cross(p, q, r orb.Point) float64 {
	return (q[0]-p[0])*(r[1]-p[1]) - (q[1]-p[1])*(r[0]-p[0])
}

// onSegment assumes r is collinear with pq and checks it lies within
// the segment's bounding box.
func onSegment(p, q, r orb.Point) bool {
	return min(p[0], q[0]) <= r[0] && r[0] <= max(p[0], q[0]) &&
		min(p[1], q[1]) <= r[1] && r[1] <= max(p[1], q[1])
}
