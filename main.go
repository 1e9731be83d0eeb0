package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"github.com/go-spatial/geom"
	"github.com/iancoleman/strcase"
	"github.com/muesli/reflow/truncate"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/pdok/tegel/mbtiles"
	"github.com/pdok/tegel/tilematrix"
	"github.com/pdok/tegel/wmts"
)

const URL string = `url`
const LAYER string = `layer`
const TILEMATRIXSET string = `tilematrixset`
const TILEMATRIX string = `tilematrix`
const FORMAT string = `format`
const BBOX string = `bbox`
const OUTPUT string = `output`
const CONCURRENCY string = `concurrency`
const SKIPFAILED string = `skip-failed`
const TIMEOUT string = `timeout`
const VERBOSE string = `verbose`

func main() {
	app := cli.NewApp()
	app.Name = "tegel"
	app.Usage = "Fetches tiles from a Web Map Tile Service (WMTS)"
	app.Version = versioninfo.Short()

	urlFlag := &cli.StringFlag{
		Name:     URL,
		Aliases:  []string{"u"},
		Usage:    "URL of the WMTS service",
		Required: true,
		EnvVars:  []string{strcase.ToScreamingSnake(URL)},
	}
	verboseFlag := &cli.BoolFlag{
		Name:    VERBOSE,
		Aliases: []string{"v"},
		Usage:   "Enable debug logging",
		EnvVars: []string{strcase.ToScreamingSnake(VERBOSE)},
	}

	app.Commands = []*cli.Command{
		{
			Name:  "info",
			Usage: "Print the service's identification, layers and tile matrix sets",
			Flags: []cli.Flag{urlFlag, verboseFlag},
			Action: func(c *cli.Context) error {
				client, err := wmts.NewClient(c.String(URL), wmts.WithLogger(newLogger(c)))
				if err != nil {
					return err
				}
				caps, err := client.Capabilities(c.Context)
				if err != nil {
					return err
				}
				printServiceInfo(caps)
				return nil
			},
		},
		{
			Name:  "fetch",
			Usage: "Fetch all tiles intersecting a bounding box",
			Flags: []cli.Flag{
				urlFlag,
				verboseFlag,
				&cli.StringFlag{
					Name:     LAYER,
					Aliases:  []string{"l"},
					Usage:    "The WMTS layer name",
					Required: true,
					EnvVars:  []string{strcase.ToScreamingSnake(LAYER)},
				},
				&cli.StringFlag{
					Name:     TILEMATRIXSET,
					Aliases:  []string{"tms"},
					Usage:    "Name of the tile matrix set (should use 1-metre units, e.g. Rijksdriehoek)",
					Required: true,
					EnvVars:  []string{strcase.ToScreamingSnake(TILEMATRIXSET)},
				},
				&cli.StringFlag{
					Name:     TILEMATRIX,
					Aliases:  []string{"z"},
					Usage:    "ID (usually the zoom level) of the tile matrix",
					Required: true,
					EnvVars:  []string{strcase.ToScreamingSnake(TILEMATRIX)},
				},
				&cli.StringFlag{
					Name:    FORMAT,
					Aliases: []string{"f"},
					Usage:   "The image format for tiles",
					Value:   "image/png",
					EnvVars: []string{strcase.ToScreamingSnake(FORMAT)},
				},
				&cli.StringFlag{
					Name:     BBOX,
					Aliases:  []string{"b"},
					Usage:    "Bounding box in the tile matrix set's CRS: minx,miny,maxx,maxy",
					Required: true,
					EnvVars:  []string{strcase.ToScreamingSnake(BBOX)},
				},
				&cli.StringFlag{
					Name:     OUTPUT,
					Aliases:  []string{"o"},
					Usage:    "Output directory, or an .mbtiles file",
					Required: true,
					EnvVars:  []string{strcase.ToScreamingSnake(OUTPUT)},
				},
				&cli.IntFlag{
					Name:    CONCURRENCY,
					Usage:   "Maximum number of simultaneous tile requests",
					Value:   4,
					EnvVars: []string{strcase.ToScreamingSnake(CONCURRENCY)},
				},
				&cli.BoolFlag{
					Name:    SKIPFAILED,
					Usage:   "Skip tiles that fail to download instead of aborting",
					EnvVars: []string{strcase.ToScreamingSnake(SKIPFAILED)},
				},
				&cli.DurationFlag{
					Name:    TIMEOUT,
					Usage:   "Timeout per tile request",
					Value:   30 * time.Second,
					EnvVars: []string{strcase.ToScreamingSnake(TIMEOUT)},
				},
			},
			Action: fetchAction,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func fetchAction(c *cli.Context) error {
	logger := newLogger(c)

	client, err := wmts.NewClient(c.String(URL), wmts.WithLogger(logger))
	if err != nil {
		return err
	}

	matrix, err := tilematrix.New(c.Context, client,
		c.String(LAYER), c.String(TILEMATRIXSET), c.String(TILEMATRIX), c.String(FORMAT))
	if err != nil {
		return err
	}

	box, err := parseBBox(c.String(BBOX))
	if err != nil {
		return err
	}

	opts := []tilematrix.FetchOption{
		tilematrix.WithConcurrency(c.Int(CONCURRENCY)),
		tilematrix.WithTileTimeout(c.Duration(TIMEOUT)),
		tilematrix.WithFetchLogger(logger),
	}
	if c.Bool(SKIPFAILED) {
		opts = append(opts, tilematrix.SkipFailed())
	}

	tiles, err := matrix.Fetch(c.Context, box, opts...)
	if err != nil {
		return err
	}

	output := c.String(OUTPUT)
	var store func(tilematrix.Tile) error
	if strings.HasSuffix(output, ".mbtiles") {
		writer, err := mbtiles.NewWriter(output, matrix, mbtiles.Metadata{Name: matrix.Layer()})
		if err != nil {
			return err
		}
		defer writer.Close()
		store = func(tile tilematrix.Tile) error {
			data, err := os.ReadFile(tile.Filename)
			if err != nil {
				return err
			}
			return writer.WriteTile(tile.Index, data)
		}
	} else {
		if err := os.MkdirAll(output, 0o755); err != nil {
			return err
		}
		store = func(tile tilematrix.Tile) error {
			// The scratch copy is removed after iteration, so keep our own.
			data, err := os.ReadFile(tile.Filename)
			if err != nil {
				return err
			}
			return os.WriteFile(filepath.Join(output, filepath.Base(tile.Filename)), data, 0o644)
		}
	}

	count := 0
	for tile, err := range tiles {
		if err != nil {
			return err
		}
		if err := store(tile); err != nil {
			return err
		}
		count++
	}
	logger.Info().Int("tiles", count).Str("output", output).Msg("done fetching")
	return nil
}

func newLogger(c *cli.Context) zerolog.Logger {
	level := zerolog.InfoLevel
	if c.Bool(VERBOSE) {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).With().Timestamp().Logger()
}

// parseBBox parses "minx,miny,maxx,maxy".
func parseBBox(s string) (geom.Extent, error) {
	var box geom.Extent
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return box, fmt.Errorf("bbox should have 4 ordinates: minx,miny,maxx,maxy")
	}
	for i, part := range parts {
		ordinate, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return box, fmt.Errorf("could not parse bbox ordinate %q: %w", part, err)
		}
		box[i] = ordinate
	}
	return box, nil
}

func printServiceInfo(caps *wmts.Capabilities) {
	fmt.Println("Identification:")
	fmt.Printf("  - type: %s\n", caps.ServiceIdentification.ServiceType)
	fmt.Printf("  - version: %s\n", caps.ServiceIdentification.ServiceTypeVersion)
	fmt.Printf("  - title: %s\n", caps.ServiceIdentification.Title)
	fmt.Printf("  - abstract: %s\n", truncate.StringWithTail(caps.ServiceIdentification.Abstract, 100, "..."))
	fmt.Println("Provider:")
	fmt.Printf("  - name: %s\n", caps.ServiceProvider.ProviderName)
	fmt.Printf("  - URL: %s\n", caps.ServiceProvider.SiteURL())
	fmt.Println("Layers:")
	for _, layer := range caps.Layers() {
		fmt.Printf("  - %s (%s)\n", layer.Identifier, strings.Join(layer.Formats, ", "))
	}
	fmt.Println("Tile matrix sets:")
	for _, set := range caps.TileMatrixSets() {
		fmt.Printf("  - %s (%d tile matrices)\n", set.Identifier, len(set.TileMatrices))
	}
}
