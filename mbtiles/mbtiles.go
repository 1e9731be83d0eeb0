// Package mbtiles persists a fetched tile set to an MBTiles file.
// See https://github.com/mapbox/mbtiles-spec
package mbtiles

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/pdok/tegel/tilematrix"
)

// Metadata ends up in the MBTiles metadata table.
type Metadata struct {
	Name        string
	Description string
}

// Writer writes tiles of one TileMatrix into an MBTiles file.
// Not safe for concurrent use.
type Writer struct {
	db           *sql.DB
	zoom         int
	matrixHeight int
}

// NewWriter creates (or opens) the MBTiles file at path and prepares it for
// tiles from the given matrix. The matrix' tile matrix identifier must be
// integer-like, as MBTiles zoom levels are integers.
func NewWriter(path string, matrix *tilematrix.TileMatrix, meta Metadata) (*Writer, error) {
	zoom, err := strconv.Atoi(matrix.Level())
	if err != nil {
		return nil, fmt.Errorf("mbtiles requires an integer-like tile matrix id: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open mbtiles file: %w", err)
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS metadata (name TEXT, value TEXT)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS metadata_name ON metadata (name)`,
		`CREATE TABLE IF NOT EXISTS tiles (zoom_level INTEGER, tile_column INTEGER, tile_row INTEGER, tile_data BLOB)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS tiles_index ON tiles (zoom_level, tile_column, tile_row)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("initialize mbtiles file: %w", err)
		}
	}

	name := meta.Name
	if name == "" {
		name = matrix.Layer()
	}
	metadata := map[string]string{
		"name":        name,
		"description": meta.Description,
		"format":      formatName(matrix.Format()),
		"type":        "baselayer",
		"minzoom":     strconv.Itoa(zoom),
		"maxzoom":     strconv.Itoa(zoom),
	}
	for key, value := range metadata {
		if _, err := db.Exec(`INSERT OR REPLACE INTO metadata (name, value) VALUES (?, ?)`, key, value); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("write mbtiles metadata: %w", err)
		}
	}

	return &Writer{db: db, zoom: zoom, matrixHeight: matrix.MatrixHeight()}, nil
}

// WriteTile stores one tile. MBTiles numbers rows from the bottom left (TMS),
// so the top-left-origin row is flipped here.
func (w *Writer) WriteTile(index tilematrix.TileIndex, data []byte) error {
	row := w.matrixHeight - 1 - index.Row
	_, err := w.db.Exec(
		`INSERT OR REPLACE INTO tiles (zoom_level, tile_column, tile_row, tile_data) VALUES (?, ?, ?, ?)`,
		w.zoom, index.Col, row, data)
	if err != nil {
		return fmt.Errorf("write tile %d/%d: %w", index.Row, index.Col, err)
	}
	return nil
}

func (w *Writer) Close() error {
	return w.db.Close()
}

// formatName maps an image mime type to the short format name MBTiles expects.
func formatName(mimeType string) string {
	format := mimeType
	if i := strings.LastIndex(format, "/"); i >= 0 {
		format = format[i+1:]
	}
	if format == "jpeg" {
		format = "jpg"
	}
	return format
}
