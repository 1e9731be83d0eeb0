// Package tms reads OGC Tile Matrix Set (v2.0) JSON documents, for building
// tile matrices from a local tiling scheme definition instead of a service's
// capabilities. See https://www.ogc.org/standard/tms/
package tms

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/perimeterx/marshmallow"
)

// TileMatrixSet is a tiling scheme: a set of tile matrices (zoom levels)
// sharing one coordinate reference system.
type TileMatrixSet struct {
	// Tile matrix set identifier
	ID string `json:"id"`
	// Title of this tile matrix set, normally used for display to a human
	Title string `json:"title,omitempty"`
	// Reference to an official source for this TileMatrixSet
	URI         string   `validate:"omitempty,uri" json:"uri,omitempty"`
	OrderedAxes []string `json:"orderedAxes,omitempty"`
	// Coordinate Reference System (CRS)
	CRS CRS `validate:"required" json:"-"`
	// Describes scale levels and their tile matrices, keyed by tile matrix ID
	TileMatrices map[string]TileMatrix `validate:"required,min=1" json:"-"`
}

// TileMatrix describes one scale level of a TileMatrixSet.
type TileMatrix struct {
	// Identifier selecting one of the scales defined in the TileMatrixSet
	ID string `validate:"required" json:"id"`
	// Scale denominator of this tile matrix
	ScaleDenominator float64 `validate:"required,gt=0" json:"scaleDenominator"`
	// Cell size of this tile matrix
	CellSize float64 `validate:"required,gt=0" json:"cellSize"`
	// The corner of the tile matrix (_topLeft_ or _bottomLeft_) used as the
	// origin for numbering tile rows and columns. Also a corner of the (0, 0) tile.
	CornerOfOrigin CornerOfOrigin `default:"topLeft" validate:"oneof=topLeft bottomLeft" json:"cornerOfOrigin,omitempty"`
	// Precise position in CRS coordinates of the corner of origin
	PointOfOrigin [2]float64 `validate:"required" json:"pointOfOrigin"`
	// Width of each tile of this tile matrix in pixels
	TileWidth uint `validate:"required,min=1" json:"tileWidth"`
	// Height of each tile of this tile matrix in pixels
	TileHeight uint `validate:"required,min=1" json:"tileHeight"`
	// Width of the matrix (number of tiles in width)
	MatrixWidth uint `validate:"required,min=1" json:"matrixWidth"`
	// Height of the matrix (number of tiles in height)
	MatrixHeight uint `validate:"required,min=1" json:"matrixHeight"`
}

type CornerOfOrigin string

const (
	TopLeft    CornerOfOrigin = "topLeft"
	BottomLeft CornerOfOrigin = "bottomLeft"
)

// CRS is a coordinate reference system referenced by URI or URN.
// Only the reference form is supported; WKT definitions are not.
type CRS struct {
	URI           string `validate:"required,uri"`
	authorityName string
	authorityCode string
}

var (
	crsURIRegexURL = regexp.MustCompile("https?://.+/def/crs/(?P<authority>[^/]+)/[^/]+/(?P<code>[^/]+)$")
	crsURIRegexURN = regexp.MustCompile("^urn:ogc:def:crs:(?P<authority>[^:]+)::(?P<code>[^:]+)$")
)

func parseCRS(uri string) (CRS, error) {
	crs := CRS{URI: uri}
	uriParts := crsURIRegexURL.FindStringSubmatch(uri)
	if uriParts == nil {
		uriParts = crsURIRegexURN.FindStringSubmatch(uri)
	}
	if uriParts == nil {
		return crs, fmt.Errorf(`could not parse crs uri %q`, uri)
	}
	crs.authorityName = uriParts[1]
	crs.authorityCode = uriParts[2]
	return crs, nil
}

func (crs CRS) AuthorityName() string {
	return crs.authorityName
}

func (crs CRS) AuthorityCode() string {
	return crs.authorityCode
}

// LoadTileMatrixSet reads and validates a Tile Matrix Set JSON document from a file.
func LoadTileMatrixSet(path string) (TileMatrixSet, error) {
	var set TileMatrixSet
	data, err := os.ReadFile(path)
	if err != nil {
		return set, err
	}
	err = json.Unmarshal(data, &set)
	return set, err
}

func (set *TileMatrixSet) UnmarshalJSON(data []byte) error {
	if err := defaults.Set(set); err != nil {
		return err
	}

	specials, err := marshmallow.Unmarshal(data, set, marshmallow.WithExcludeKnownFieldsFromMap(true))
	if err != nil {
		return err
	}

	// CRS, either a bare URI string or an object with a uri property
	rawCRS, ok := specials["crs"]
	if !ok {
		return fmt.Errorf(`missing key "crs"`)
	}
	uri, ok := rawCRS.(string)
	if !ok {
		crsMap, isMap := rawCRS.(map[string]interface{})
		if !isMap {
			return fmt.Errorf(`wrong type for key "crs": %T`, rawCRS)
		}
		uri, ok = crsMap["uri"].(string)
		if !ok {
			return fmt.Errorf(`only crs definitions by reference are supported`)
		}
	}
	set.CRS, err = parseCRS(uri)
	if err != nil {
		return err
	}

	// TileMatrices
	rawTileMatrices, ok := specials["tileMatrices"]
	if !ok {
		return fmt.Errorf(`missing key "tileMatrices"`)
	}
	set.TileMatrices, err = unmarshalTileMatrices(rawTileMatrices)
	if err != nil {
		return err
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	return validate.Struct(set)
}

func unmarshalTileMatrices(rawTileMatrices interface{}) (map[string]TileMatrix, error) {
	rawList, ok := rawTileMatrices.([]interface{})
	if !ok {
		return nil, fmt.Errorf(`"tileMatrices" should be an array`)
	}
	validate := validator.New(validator.WithRequiredStructEnabled())
	tileMatrices := make(map[string]TileMatrix, len(rawList))
	for _, raw := range rawList {
		rawMap, ok := raw.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf(`"tileMatrices" should contain objects`)
		}
		var tileMatrix TileMatrix
		if err := defaults.Set(&tileMatrix); err != nil {
			return nil, err
		}
		if _, err := marshmallow.UnmarshalFromJSONMap(rawMap, &tileMatrix, marshmallow.WithExcludeKnownFieldsFromMap(true)); err != nil {
			return nil, err
		}
		if err := validate.Struct(&tileMatrix); err != nil {
			return nil, fmt.Errorf("invalid tile matrix %q: %w", tileMatrix.ID, err)
		}
		tileMatrices[tileMatrix.ID] = tileMatrix
	}
	return tileMatrices, nil
}
