package tilematrix

import (
	"iter"
	"slices"
	"testing"

	"github.com/go-spatial/geom"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testMatrix has spanX = spanY = 100, top left corner (0, 1000) and a 10x10 grid.
func testMatrix(t *testing.T, fetch TileFetcher) *TileMatrix {
	t.Helper()
	// derive the scale denominator back from the desired 100-unit tile span
	scaleDenominator := 100.0 / 256 / standardizedRenderingPixelSize
	m, err := newTileMatrix("lufo", "nl_grid", "12", "image/jpeg",
		scaleDenominator, geom.Point{0, 1000}, 256, 256, 10, 10, fetch)
	require.NoError(t, err)
	return m
}

func collect(t *testing.T, seq iter.Seq[TileIndex]) []TileIndex {
	t.Helper()
	var indices []TileIndex
	for index := range seq {
		indices = append(indices, index)
	}
	return indices
}

func TestNewTileMatrixDerivedSpans(t *testing.T) {
	m := testMatrix(t, nil)
	assert.InDelta(t, 100.0/256, m.PixelSpan(), 1e-9)
	assert.InDelta(t, 100, m.SpanX(), 1e-9)
	assert.InDelta(t, 100, m.SpanY(), 1e-9)
	assert.Equal(t, 10, m.MatrixWidth())
	assert.Equal(t, 10, m.MatrixHeight())
}

func TestNewTileMatrixInvalidMeta(t *testing.T) {
	_, err := newTileMatrix("lufo", "nl_grid", "12", "image/jpeg",
		0, geom.Point{0, 1000}, 256, 256, 10, 10, nil)
	var configErr *ConfigurationError
	require.ErrorAs(t, err, &configErr)
}

func TestBBoxTiles(t *testing.T) {
	m := testMatrix(t, nil)

	tests := []struct {
		name    string
		box     geom.Extent
		rowMin  int
		rowMax  int
		colMin  int
		colMax  int
		count   int
		wantErr bool
	}{
		{
			// 2.5 tile widths horizontally, the full grid vertically
			name: "spans full vertical extent",
			box:  geom.Extent{0, 0, 250, 1000},
			rowMin: 0, rowMax: 9, colMin: 0, colMax: 2, count: 30,
		},
		{
			name: "single tile interior",
			box:  geom.Extent{110, 110, 190, 190},
			rowMin: 8, rowMax: 8, colMin: 1, colMax: 1, count: 1,
		},
		{
			// edges exactly on grid lines: only the tile on the interior side
			name: "edges on tile boundary",
			box:  geom.Extent{100, 100, 200, 200},
			rowMin: 8, rowMax: 8, colMin: 1, colMax: 1, count: 1,
		},
		{
			name: "zero area box inside a tile",
			box:  geom.Extent{150, 150, 150, 150},
			rowMin: 8, rowMax: 8, colMin: 1, colMax: 1, count: 1,
		},
		{
			name:  "box outside the grid",
			box:   geom.Extent{2000, 2000, 3000, 3000},
			count: 0,
		},
		{
			name:  "box below the grid",
			box:   geom.Extent{0, -500, 100, -100},
			count: 0,
		},
		{
			name: "box partially outside clamps",
			box:  geom.Extent{-500, 850, 150, 1500},
			rowMin: 0, rowMax: 1, colMin: 0, colMax: 1, count: 4,
		},
		{
			name:    "lower beyond upper",
			box:     geom.Extent{200, 200, 100, 100},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seq, err := m.BBoxTiles(tt.box)
			if tt.wantErr {
				var geomErr *GeometryError
				require.ErrorAs(t, err, &geomErr)
				return
			}
			require.NoError(t, err)

			indices := collect(t, seq)
			assert.Len(t, indices, tt.count)
			for _, index := range indices {
				assert.GreaterOrEqual(t, index.Row, tt.rowMin)
				assert.LessOrEqual(t, index.Row, tt.rowMax)
				assert.GreaterOrEqual(t, index.Col, tt.colMin)
				assert.LessOrEqual(t, index.Col, tt.colMax)
			}
		})
	}
}

func TestBBoxTilesRowMajorOrder(t *testing.T) {
	m := testMatrix(t, nil)
	seq, err := m.BBoxTiles(geom.Extent{50, 750, 250, 950})
	require.NoError(t, err)

	want := []TileIndex{
		{Row: 0, Col: 0}, {Row: 0, Col: 1}, {Row: 0, Col: 2},
		{Row: 1, Col: 0}, {Row: 1, Col: 1}, {Row: 1, Col: 2},
		{Row: 2, Col: 0}, {Row: 2, Col: 1}, {Row: 2, Col: 2},
	}
	assert.Equal(t, want, collect(t, seq))
}

func TestBBoxTilesIsRestartable(t *testing.T) {
	m := testMatrix(t, nil)
	seq, err := m.BBoxTiles(geom.Extent{0, 0, 250, 1000})
	require.NoError(t, err)

	first := collect(t, seq)
	second := collect(t, seq)
	assert.Equal(t, first, second)

	// early break must not affect a later full iteration
	for range seq {
		break
	}
	assert.Equal(t, first, collect(t, seq))
}

func TestBBoxTilesInsideGridStaysInBounds(t *testing.T) {
	m := testMatrix(t, nil)
	boxes := []geom.Extent{
		{0, 0, 1000, 1000},
		{1, 1, 999, 999},
		{333, 47, 334, 48},
		{0, 999.5, 0.5, 1000},
	}
	for _, box := range boxes {
		seq, err := m.BBoxTiles(box)
		require.NoError(t, err)
		indices := collect(t, seq)
		assert.NotEmpty(t, indices)
		for _, index := range indices {
			assert.True(t, index.Row >= 0 && index.Row < m.MatrixHeight(), "row %d out of bounds", index.Row)
			assert.True(t, index.Col >= 0 && index.Col < m.MatrixWidth(), "col %d out of bounds", index.Col)
		}
	}
}

func TestTileBBox(t *testing.T) {
	m := testMatrix(t, nil)

	tests := []struct {
		index TileIndex
		want  geom.Extent
	}{
		{index: TileIndex{Row: 0, Col: 0}, want: geom.Extent{0, 900, 100, 1000}},
		{index: TileIndex{Row: 9, Col: 9}, want: geom.Extent{900, 0, 1000, 100}},
		{index: TileIndex{Row: 2, Col: 5}, want: geom.Extent{500, 700, 600, 800}},
		// no bounds check, pure arithmetic
		{index: TileIndex{Row: 10, Col: 10}, want: geom.Extent{1000, -100, 1100, 0}},
	}
	for _, tt := range tests {
		got := m.TileBBox(tt.index)
		for i := range tt.want {
			assert.InDelta(t, tt.want[i], got[i], 1e-9)
		}
	}
}

func TestTileBBoxRoundTrip(t *testing.T) {
	m := testMatrix(t, nil)
	for _, index := range []TileIndex{
		{Row: 0, Col: 0}, {Row: 9, Col: 9}, {Row: 3, Col: 7}, {Row: 5, Col: 0},
	} {
		seq, err := m.BBoxTiles(m.TileBBox(index))
		require.NoError(t, err)
		indices := collect(t, seq)
		assert.True(t, slices.Contains(indices, index), "round trip lost %v, got %v", index, indices)
		// the tile's own bbox has all edges on grid lines: only the tile itself
		assert.Equal(t, []TileIndex{index}, indices)
	}
}

func TestBBoxTilesIntersectQuery(t *testing.T) {
	m := testMatrix(t, nil)
	box := geom.Extent{120, 333, 480, 710}
	seq, err := m.BBoxTiles(box)
	require.NoError(t, err)
	for index := range seq {
		tileBox := m.TileBBox(index)
		assert.True(t, tileBox.MinX() < box.MaxX() && tileBox.MaxX() > box.MinX(), "tile %v does not overlap in x", index)
		assert.True(t, tileBox.MinY() < box.MaxY() && tileBox.MaxY() > box.MinY(), "tile %v does not overlap in y", index)
	}
}
