package storage

import (
	"fmt"

	geojson "github.com/paulmach/go.geojson"
	"github.com/parcelmap/parcelmap-go/internal/geometry"
)

// ringFromStoredGeoJSON decodes the ST_AsGeoJSON output of a geometry column
// into an exterior ring.
func ringFromStoredGeoJSON(data string) (geometry.Ring, error) {
	g, err := geojson.UnmarshalGeometry([]byte(data))
	if err != nil {
		return nil, fmt.Errorf("unmarshal stored geometry: %w", err)
	}
	return geometry.RingFromGeoJSON(g)
}
