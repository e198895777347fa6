package config

import (
	"encoding/json"
	"fmt"

	"github.com/JakeFAU/geotile-pipeline/internal/pipeline"
)

type geoJSON struct {
	Type        string          `json:"type"`
	Coordinates json.RawMessage `json:"coordinates"`
	Geometry    *geoJSON        `json:"geometry"`
	Features    []geoJSON       `json:"features"`
}

// ParseGeoJSON returns the outer ring of a GeoJSON polygon. Holes are ignored.
func ParseGeoJSON(data []byte) ([]pipeline.Point, error) {
	var g geoJSON
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, pipeline.InvalidGeometryf("decode geojson: %v", err)
	}
	return outerRing(g)
}

func outerRing(g geoJSON) ([]pipeline.Point, error) {
	switch g.Type {
	case "FeatureCollection":
		if len(g.Features) == 0 {
			return nil, pipeline.InvalidGeometryf("feature collection is empty")
		}
		return outerRing(g.Features[0])
	case "Feature":
		if g.Geometry == nil {
			return nil, pipeline.InvalidGeometryf("feature has no geometry")
		}
		return outerRing(*g.Geometry)
	case "Polygon":
		var rings [][][]float64
		if err := json.Unmarshal(g.Coordinates, &rings); err != nil {
			return nil, pipeline.InvalidGeometryf("polygon coordinates: %v", err)
		}
		if len(rings) == 0 {
			return nil, pipeline.InvalidGeometryf("polygon has no rings")
		}
		ring := make([]pipeline.Point, 0, len(rings[0]))
		for i, pos := range rings[0] {
			if len(pos) < 2 {
				return nil, pipeline.InvalidGeometryf("position %d has %d coordinates", i, len(pos))
			}
			ring = append(ring, pipeline.Point{X: pos[0], Y: pos[1]})
		}
		return ring, nil
	default:
		return nil, fmt.Errorf("%w: unsupported geojson type %q", pipeline.ErrInvalidGeometry, g.Type)
	}
}
