// Package wmts implements a small OGC WMTS 1.0.0 client: parsing of
// GetCapabilities documents and tile retrieval through KVP GetTile requests.
// See 07-057r7_Web_Map_Tile_Service_Standard.pdf.
package wmts

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/go-spatial/geom"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Capabilities is the parsed result of a WMTS GetCapabilities request.
// Layers and tile matrix sets keep the order in which the service declared them.
type Capabilities struct {
	ServiceIdentification ServiceIdentification
	ServiceProvider       ServiceProvider

	layers         *orderedmap.OrderedMap[string, Layer]
	tileMatrixSets *orderedmap.OrderedMap[string, TileMatrixSet]
}

// ServiceIdentification holds the ows:ServiceIdentification metadata.
type ServiceIdentification struct {
	Title              string `xml:"Title"`
	Abstract           string `xml:"Abstract"`
	ServiceType        string `xml:"ServiceType"`
	ServiceTypeVersion string `xml:"ServiceTypeVersion"`
}

// ServiceProvider holds the ows:ServiceProvider metadata.
type ServiceProvider struct {
	ProviderName string       `xml:"ProviderName"`
	ProviderSite providerSite `xml:"ProviderSite"`
}

func (sp ServiceProvider) SiteURL() string {
	return sp.ProviderSite.Href
}

type providerSite struct {
	Href string `xml:"href,attr"`
}

// Layer is one layer offered by the service.
type Layer struct {
	Identifier         string   `validate:"required"`
	Title              string
	Abstract           string
	Formats            []string `validate:"min=1"`
	TileMatrixSetLinks []string `validate:"min=1"`
}

// HasFormat reports whether the layer offers tiles in the given image format.
func (l *Layer) HasFormat(format string) bool {
	for _, f := range l.Formats {
		if f == format {
			return true
		}
	}
	return false
}

// LinksTileMatrixSet reports whether the layer is linked to the given tile matrix set.
func (l *Layer) LinksTileMatrixSet(id string) bool {
	for _, link := range l.TileMatrixSetLinks {
		if link == id {
			return true
		}
	}
	return false
}

// TileMatrixSet is one tiling scheme offered by the service.
type TileMatrixSet struct {
	Identifier   string `validate:"required"`
	SupportedCRS string
	TileMatrices []TileMatrixMeta `validate:"min=1,dive"`
}

// Matrix looks up the tile matrix (zoom level) with the given identifier.
func (s *TileMatrixSet) Matrix(id string) (TileMatrixMeta, bool) {
	for _, tm := range s.TileMatrices {
		if tm.Identifier == id {
			return tm, true
		}
	}
	return TileMatrixMeta{}, false
}

// TileMatrixMeta is the declared grid metadata of one tile matrix (zoom level)
// within a tile matrix set.
type TileMatrixMeta struct {
	Identifier       string  `validate:"required"`
	ScaleDenominator float64 `validate:"required,gt=0"`
	// TopLeft is the corner of origin, min x and max y. Also a corner of tile (0, 0).
	TopLeft      geom.Point
	TileWidth    uint `validate:"required,min=1"`
	TileHeight   uint `validate:"required,min=1"`
	MatrixWidth  uint `validate:"required,min=1"`
	MatrixHeight uint `validate:"required,min=1"`
}

// Layer looks up a layer by its identifier.
func (c *Capabilities) Layer(id string) (Layer, bool) {
	if c.layers == nil {
		return Layer{}, false
	}
	return c.layers.Get(id)
}

// TileMatrixSet looks up a tile matrix set by its identifier.
func (c *Capabilities) TileMatrixSet(id string) (TileMatrixSet, bool) {
	if c.tileMatrixSets == nil {
		return TileMatrixSet{}, false
	}
	return c.tileMatrixSets.Get(id)
}

// Layers returns all layers in document order.
func (c *Capabilities) Layers() []Layer {
	if c.layers == nil {
		return nil
	}
	layers := make([]Layer, 0, c.layers.Len())
	for pair := c.layers.Oldest(); pair != nil; pair = pair.Next() {
		layers = append(layers, pair.Value)
	}
	return layers
}

// TileMatrixSets returns all tile matrix sets in document order.
func (c *Capabilities) TileMatrixSets() []TileMatrixSet {
	if c.tileMatrixSets == nil {
		return nil
	}
	sets := make([]TileMatrixSet, 0, c.tileMatrixSets.Len())
	for pair := c.tileMatrixSets.Oldest(); pair != nil; pair = pair.Next() {
		sets = append(sets, pair.Value)
	}
	return sets
}

type capabilitiesDoc struct {
	XMLName               xml.Name              `xml:"Capabilities"`
	ServiceIdentification ServiceIdentification `xml:"ServiceIdentification"`
	ServiceProvider       ServiceProvider       `xml:"ServiceProvider"`
	Contents              struct {
		Layers         []layerDoc         `xml:"Layer"`
		TileMatrixSets []tileMatrixSetDoc `xml:"TileMatrixSet"`
	} `xml:"Contents"`
}

type layerDoc struct {
	Identifier         string   `xml:"Identifier"`
	Title              string   `xml:"Title"`
	Abstract           string   `xml:"Abstract"`
	Formats            []string `xml:"Format"`
	TileMatrixSetLinks []struct {
		TileMatrixSet string `xml:"TileMatrixSet"`
	} `xml:"TileMatrixSetLink"`
}

type tileMatrixSetDoc struct {
	Identifier   string `xml:"Identifier"`
	SupportedCRS string `xml:"SupportedCRS"`
	TileMatrices []struct {
		Identifier       string  `xml:"Identifier"`
		ScaleDenominator float64 `xml:"ScaleDenominator"`
		TopLeftCorner    string  `xml:"TopLeftCorner"`
		TileWidth        uint    `xml:"TileWidth"`
		TileHeight       uint    `xml:"TileHeight"`
		MatrixWidth      uint    `xml:"MatrixWidth"`
		MatrixHeight     uint    `xml:"MatrixHeight"`
	} `xml:"TileMatrix"`
}

// ParseCapabilities parses and validates a WMTS GetCapabilities XML document.
func ParseCapabilities(data []byte) (*Capabilities, error) {
	var doc capabilitiesDoc
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal capabilities document: %w", err)
	}

	caps := Capabilities{
		ServiceIdentification: doc.ServiceIdentification,
		ServiceProvider:       doc.ServiceProvider,
		layers:                orderedmap.New[string, Layer](),
		tileMatrixSets:        orderedmap.New[string, TileMatrixSet](),
	}

	validate := validator.New(validator.WithRequiredStructEnabled())

	for _, l := range doc.Contents.Layers {
		layer := Layer{
			Identifier: l.Identifier,
			Title:      l.Title,
			Abstract:   l.Abstract,
			Formats:    l.Formats,
		}
		for _, link := range l.TileMatrixSetLinks {
			layer.TileMatrixSetLinks = append(layer.TileMatrixSetLinks, link.TileMatrixSet)
		}
		if err := validate.Struct(layer); err != nil {
			return nil, fmt.Errorf("invalid layer %q in capabilities: %w", l.Identifier, err)
		}
		caps.layers.Set(layer.Identifier, layer)
	}

	for _, s := range doc.Contents.TileMatrixSets {
		set := TileMatrixSet{
			Identifier:   s.Identifier,
			SupportedCRS: s.SupportedCRS,
		}
		for _, tm := range s.TileMatrices {
			topLeft, err := parseTopLeftCorner(tm.TopLeftCorner)
			if err != nil {
				return nil, fmt.Errorf("tile matrix %s/%s: %w", s.Identifier, tm.Identifier, err)
			}
			set.TileMatrices = append(set.TileMatrices, TileMatrixMeta{
				Identifier:       tm.Identifier,
				ScaleDenominator: tm.ScaleDenominator,
				TopLeft:          topLeft,
				TileWidth:        tm.TileWidth,
				TileHeight:       tm.TileHeight,
				MatrixWidth:      tm.MatrixWidth,
				MatrixHeight:     tm.MatrixHeight,
			})
		}
		if err := validate.Struct(set); err != nil {
			return nil, fmt.Errorf("invalid tile matrix set %q in capabilities: %w", s.Identifier, err)
		}
		caps.tileMatrixSets.Set(set.Identifier, set)
	}

	return &caps, nil
}

// parseTopLeftCorner parses an ows:TopLeftCorner value, two space separated ordinates.
func parseTopLeftCorner(s string) (geom.Point, error) {
	var pt geom.Point
	fields := strings.Fields(s)
	if len(fields) != 2 {
		return pt, fmt.Errorf(`could not parse TopLeftCorner %q`, s)
	}
	for i, field := range fields {
		ordinate, err := strconv.ParseFloat(field, 64)
		if err != nil {
			return pt, fmt.Errorf(`could not parse TopLeftCorner %q: %w`, s, err)
		}
		pt[i] = ordinate
	}
	return pt, nil
}
