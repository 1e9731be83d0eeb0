package tilematrix

import (
	"github.com/go-spatial/geom"

	"github.com/pdok/tegel/tms"
)

// FromTileMatrixSet creates a TileMatrix from a local OGC Tile Matrix Set
// definition instead of service capabilities, for services that are addressed
// by URL template rather than WMTS KVP. The caller supplies the per-tile
// fetcher. Layer and format are recorded as-is; no capability validation is
// possible (or needed) for this path.
//
// A bottomLeft corner of origin is converted to the equivalent top left
// origin, so tile indices follow the same top-left-origin convention.
func FromTileMatrixSet(set tms.TileMatrixSet, level, layer, format string, fetch TileFetcher) (*TileMatrix, error) {
	tm, ok := set.TileMatrices[level]
	if !ok {
		return nil, &ConfigurationError{Constraint: "tile matrix", Value: level}
	}

	pixelSpan := tm.ScaleDenominator * standardizedRenderingPixelSize
	topLeft := geom.Point{tm.PointOfOrigin[0], tm.PointOfOrigin[1]}
	if tm.CornerOfOrigin == tms.BottomLeft {
		spanY := float64(tm.TileHeight) * pixelSpan
		topLeft[1] += float64(tm.MatrixHeight) * spanY
	}

	return newTileMatrix(layer, set.ID, level, format,
		tm.ScaleDenominator, topLeft,
		tm.TileWidth, tm.TileHeight, tm.MatrixWidth, tm.MatrixHeight,
		fetch)
}
