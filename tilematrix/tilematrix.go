// Package tilematrix maps bounding boxes in a tile matrix' native planar
// units to tile indices and back, and fetches all tiles intersecting a
// bounding box from a WMTS service.
// See 07-057r7_Web_Map_Tile_Service_Standard.pdf, pp. 8-9 + annex H.
//
// A TileMatrix is immutable after construction. The geometry operations
// (BBoxTiles, TileBBox) are pure and safe for concurrent use.
package tilematrix

import (
	"context"
	"fmt"
	"iter"
	"math"
	"strings"

	"github.com/go-spatial/geom"

	"github.com/pdok/tegel/wmts"
)

const (
	// standardizedRenderingPixelSize is the physical pixel size (0.28 mm, in
	// metres) the WMTS standard assumes when deriving ground resolution from
	// a scale denominator. Part of the protocol, not a tunable.
	// Assumes the tile matrix set's CRS uses 1-metre units (e.g. Rijksdriehoek).
	standardizedRenderingPixelSize = 0.28e-3

	// boundaryEpsilon absorbs floating point error when a bounding box edge
	// lands exactly on a grid line. It is added before flooring at the min
	// end and subtracted at the max end, so such an edge keeps the tile on
	// the box's interior side and excludes the adjacent tile outside it.
	boundaryEpsilon = 1e-6
)

// TileIndex addresses a cell in a tile matrix. The origin is the top left
// corner: row grows southward, col grows eastward. Never swap these.
type TileIndex struct {
	Row int
	Col int
}

// Tile is a fetched tile: its index, the path of the downloaded image and its
// bounding box in the native CRS. A Tile is only meaningful together with the
// TileMatrix that produced it.
type Tile struct {
	Index    TileIndex
	Filename string
	BBox     geom.Extent
}

// Service is the WMTS capability a TileMatrix is built on.
// *wmts.Client implements it.
type Service interface {
	Capabilities(ctx context.Context) (*wmts.Capabilities, error)
	GetTile(ctx context.Context, req wmts.TileRequest) ([]byte, error)
}

// TileFetcher retrieves the raw image bytes for one tile index.
type TileFetcher func(ctx context.Context, index TileIndex) ([]byte, error)

// TileMatrix is one WMTS layer at one fixed zoom level of one tile matrix set.
type TileMatrix struct {
	layer         string
	tileMatrixSet string
	tileMatrix    string
	format        string

	// derived once at construction, constant afterwards
	pixelSpan float64
	spanX     float64
	spanY     float64

	topLeft      geom.Point
	matrixWidth  int
	matrixHeight int

	fetchTile TileFetcher
}

// New creates a TileMatrix for the given layer, tile matrix set, tile matrix
// (zoom level) and image format, after validating against the service's
// capabilities that the combination is actually offered. It returns a
// *ConfigurationError naming the failed constraint otherwise.
func New(ctx context.Context, svc Service, layer, tileMatrixSet, tileMatrix, format string) (*TileMatrix, error) {
	caps, err := svc.Capabilities(ctx)
	if err != nil {
		return nil, fmt.Errorf("get capabilities: %w", err)
	}

	l, ok := caps.Layer(layer)
	if !ok {
		return nil, &ConfigurationError{Constraint: "layer", Value: layer}
	}
	set, ok := caps.TileMatrixSet(tileMatrixSet)
	if !ok {
		return nil, &ConfigurationError{Constraint: "tile matrix set", Value: tileMatrixSet}
	}
	if !l.LinksTileMatrixSet(tileMatrixSet) {
		return nil, &ConfigurationError{Constraint: "tile matrix set link", Value: tileMatrixSet}
	}
	if !l.HasFormat(format) {
		return nil, &ConfigurationError{Constraint: "format", Value: format}
	}
	meta, ok := set.Matrix(tileMatrix)
	if !ok {
		return nil, &ConfigurationError{Constraint: "tile matrix", Value: tileMatrix}
	}

	fetch := func(ctx context.Context, index TileIndex) ([]byte, error) {
		return svc.GetTile(ctx, wmts.TileRequest{
			Layer:         layer,
			TileMatrixSet: tileMatrixSet,
			TileMatrix:    tileMatrix,
			Row:           index.Row,
			Col:           index.Col,
			Format:        format,
		})
	}

	return newTileMatrix(layer, tileMatrixSet, tileMatrix, format,
		meta.ScaleDenominator, meta.TopLeft,
		meta.TileWidth, meta.TileHeight, meta.MatrixWidth, meta.MatrixHeight,
		fetch)
}

func newTileMatrix(layer, tileMatrixSet, tileMatrix, format string,
	scaleDenominator float64, topLeft geom.Point,
	tileWidth, tileHeight, matrixWidth, matrixHeight uint,
	fetch TileFetcher,
) (*TileMatrix, error) {
	pixelSpan := scaleDenominator * standardizedRenderingPixelSize
	m := &TileMatrix{
		layer:         layer,
		tileMatrixSet: tileMatrixSet,
		tileMatrix:    tileMatrix,
		format:        format,
		pixelSpan:     pixelSpan,
		spanX:         float64(tileWidth) * pixelSpan,
		spanY:         float64(tileHeight) * pixelSpan,
		topLeft:       topLeft,
		matrixWidth:   int(matrixWidth),
		matrixHeight:  int(matrixHeight),
		fetchTile:     fetch,
	}
	if !(m.pixelSpan > 0) || !(m.spanX > 0) || !(m.spanY > 0) {
		return nil, &ConfigurationError{Constraint: "scale denominator", Value: fmt.Sprintf("%g", scaleDenominator)}
	}
	if m.matrixWidth < 1 || m.matrixHeight < 1 {
		return nil, &ConfigurationError{Constraint: "matrix size", Value: fmt.Sprintf("%dx%d", matrixWidth, matrixHeight)}
	}
	return m, nil
}

func (m *TileMatrix) Layer() string         { return m.layer }
func (m *TileMatrix) TileMatrixSet() string { return m.tileMatrixSet }
func (m *TileMatrix) Level() string         { return m.tileMatrix }
func (m *TileMatrix) Format() string        { return m.format }

// PixelSpan is the ground size of one pixel in the native linear unit.
func (m *TileMatrix) PixelSpan() float64 { return m.pixelSpan }

// SpanX and SpanY are the ground extents of one tile.
func (m *TileMatrix) SpanX() float64 { return m.spanX }
func (m *TileMatrix) SpanY() float64 { return m.spanY }

func (m *TileMatrix) MatrixWidth() int  { return m.matrixWidth }
func (m *TileMatrix) MatrixHeight() int { return m.matrixHeight }

// BBoxTiles returns all tile indices whose tiles intersect the bounding box,
// in row-major order. The sequence is lazy and restartable: ranging over it
// again yields the same indices. A box outside the grid yields an empty
// sequence. A malformed box (min > max) yields a *GeometryError.
func (m *TileMatrix) BBoxTiles(box geom.Extent) (iter.Seq[TileIndex], error) {
	rng, err := m.tileRange(box)
	if err != nil {
		return nil, err
	}
	return rng.all(), nil
}

// tileRange maps a bounding box to the clamped inclusive index range of
// intersecting tiles, following annex H.1.
func (m *TileMatrix) tileRange(box geom.Extent) (tileRange, error) {
	if math.IsNaN(box.MinX()) || math.IsNaN(box.MinY()) || math.IsNaN(box.MaxX()) || math.IsNaN(box.MaxY()) {
		return tileRange{}, &GeometryError{Reason: "NaN ordinate"}
	}
	if box.MinX() > box.MaxX() || box.MinY() > box.MaxY() {
		return tileRange{}, &GeometryError{Reason: fmt.Sprintf("lower corner beyond upper corner: %v", box)}
	}

	// Row grows southward, so the corners pair crosswise: the lower (south
	// west) corner has the max fractional row and the min fractional col.
	rowMaxF, colMinF := m.toFractional(box.Min())
	rowMinF, colMaxF := m.toFractional(box.Max())

	rng := tileRange{
		rowMin: max(int(math.Floor(rowMinF+boundaryEpsilon)), 0),
		colMin: max(int(math.Floor(colMinF+boundaryEpsilon)), 0),
		rowMax: min(int(math.Floor(rowMaxF-boundaryEpsilon)), m.matrixHeight-1),
		colMax: min(int(math.Floor(colMaxF-boundaryEpsilon)), m.matrixWidth-1),
	}
	return rng, nil
}

// toFractional maps one native coordinate to an unrounded (row, col) position.
func (m *TileMatrix) toFractional(pt [2]float64) (row, col float64) {
	row = (m.topLeft.Y() - pt[1]) / m.spanY
	col = (pt[0] - m.topLeft.X()) / m.spanX
	return row, col
}

// TileBBox maps a tile index to its bounding box in the native CRS, the
// inverse of BBoxTiles (annex H.2). Pure arithmetic: the index is not checked
// against the matrix extent.
func (m *TileMatrix) TileBBox(index TileIndex) geom.Extent {
	xMin := float64(index.Col)*m.spanX + m.topLeft.X()
	yMax := m.topLeft.Y() - float64(index.Row)*m.spanY
	return geom.Extent{xMin, yMax - m.spanY, xMin + m.spanX, yMax}
}

// tileRange is a clamped, inclusive range of tile indices.
type tileRange struct {
	rowMin, colMin int
	rowMax, colMax int
}

// empty reports whether the range contains no tiles, which happens when the
// bounding box lies outside the grid.
func (r tileRange) empty() bool {
	return r.rowMin > r.rowMax || r.colMin > r.colMax
}

func (r tileRange) size() int {
	if r.empty() {
		return 0
	}
	return (r.rowMax - r.rowMin + 1) * (r.colMax - r.colMin + 1)
}

// all yields the cross product of rows and columns in row-major order.
func (r tileRange) all() iter.Seq[TileIndex] {
	return func(yield func(TileIndex) bool) {
		if r.empty() {
			return
		}
		for row := r.rowMin; row <= r.rowMax; row++ {
			for col := r.colMin; col <= r.colMax; col++ {
				if !yield(TileIndex{Row: row, Col: col}) {
					return
				}
			}
		}
	}
}

// fileExt derives a file extension from the image format mime type.
func (m *TileMatrix) fileExt() string {
	if i := strings.LastIndex(m.format, "/"); i >= 0 {
		return m.format[i+1:]
	}
	return m.format
}
