package tilematrix

import (
	"context"
	"fmt"
	"iter"
	"time"

	"github.com/go-spatial/geom"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const defaultFetchConcurrency = 4

type fetchConfig struct {
	concurrency int
	skipFailed  bool
	tileTimeout time.Duration
	scratch     ScratchFactory
	logger      zerolog.Logger
}

type FetchOption func(*fetchConfig)

// WithConcurrency bounds the number of simultaneous tile requests.
// The default is 4.
func WithConcurrency(n int) FetchOption {
	return func(cfg *fetchConfig) {
		if n > 0 {
			cfg.concurrency = n
		}
	}
}

// SkipFailed switches the failure policy from abort to skip-and-continue:
// a tile whose retrieval fails is logged at warn level and left out of the
// sequence instead of ending it.
func SkipFailed() FetchOption {
	return func(cfg *fetchConfig) {
		cfg.skipFailed = true
	}
}

// WithTileTimeout limits the retrieval time per tile. A timeout surfaces as a
// failure of that tile, handled per the configured failure policy.
func WithTileTimeout(d time.Duration) FetchOption {
	return func(cfg *fetchConfig) {
		cfg.tileTimeout = d
	}
}

// WithScratch replaces the temporary directory backing of a fetch.
func WithScratch(factory ScratchFactory) FetchOption {
	return func(cfg *fetchConfig) {
		cfg.scratch = factory
	}
}

// WithFetchLogger attaches a logger. The default discards everything.
func WithFetchLogger(logger zerolog.Logger) FetchOption {
	return func(cfg *fetchConfig) {
		cfg.logger = logger
	}
}

type tileResult struct {
	tile Tile
	err  error
}

// Fetch downloads all tiles intersecting the bounding box and yields them in
// row-major index order. A malformed box is rejected before any I/O.
//
// The sequence is lazy: tiles are retrieved (with bounded concurrency) while
// it is consumed. Images are written to a scratch area scoped to one
// iteration and removed when iteration ends: on exhaustion, on an early
// break, and on failure alike. Copy a tile's file if it is needed afterwards.
//
// The default failure policy is abort: the first tile whose retrieval fails
// is yielded as a *RetrievalError and the sequence ends. SkipFailed selects
// skip-and-continue instead. Either way nothing fails silently.
//
// Ranging over the sequence again performs a fresh fetch into a new scratch area.
func (m *TileMatrix) Fetch(ctx context.Context, box geom.Extent, opts ...FetchOption) (iter.Seq2[Tile, error], error) {
	rng, err := m.tileRange(box)
	if err != nil {
		return nil, err
	}

	cfg := fetchConfig{
		concurrency: defaultFetchConcurrency,
		scratch:     TempDirScratch,
		logger:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return func(yield func(Tile, error) bool) {
		scratch, err := cfg.scratch()
		if err != nil {
			yield(Tile{}, fmt.Errorf("create scratch area: %w", err))
			return
		}
		defer func() {
			if err := scratch.Release(); err != nil {
				cfg.logger.Warn().Err(err).Msg("could not release scratch area")
			}
		}()

		fetchCtx, cancel := context.WithCancel(ctx)
		group, groupCtx := errgroup.WithContext(fetchCtx)
		group.SetLimit(cfg.concurrency)
		producerDone := make(chan struct{})
		// Wind down the producer and in-flight retrievals before the scratch
		// area is released.
		defer func() {
			cancel()
			<-producerDone
			_ = group.Wait()
		}()

		// Every launched retrieval gets a single-use slot, queued in index
		// order. Downloads complete in any order; the consumer drains the
		// slots in order, so the visible sequence stays row-major.
		slots := make(chan chan tileResult, cfg.concurrency)
		go func() {
			defer close(slots)
			defer close(producerDone)
			for index := range rng.all() {
				slot := make(chan tileResult, 1)
				select {
				case slots <- slot:
				case <-fetchCtx.Done():
					return
				}
				group.Go(func() error {
					tile, err := m.retrieveTile(groupCtx, scratch, &cfg, index)
					slot <- tileResult{tile: tile, err: err}
					return nil
				})
			}
		}()

		for slot := range slots {
			res := <-slot
			if res.err != nil {
				if cfg.skipFailed {
					cfg.logger.Warn().Err(res.err).Msg("skipping failed tile")
					continue
				}
				yield(Tile{}, res.err)
				return
			}
			if !yield(res.tile, nil) {
				return
			}
		}
	}, nil
}

// retrieveTile fetches one tile and writes it to the scratch area.
func (m *TileMatrix) retrieveTile(ctx context.Context, scratch Scratch, cfg *fetchConfig, index TileIndex) (Tile, error) {
	if cfg.tileTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.tileTimeout)
		defer cancel()
	}

	data, err := m.fetchTile(ctx, index)
	if err != nil {
		return Tile{}, &RetrievalError{Index: index, Err: err}
	}
	name := fmt.Sprintf("%d_%d.%s", index.Row, index.Col, m.fileExt())
	filename, err := scratch.Write(name, data)
	if err != nil {
		return Tile{}, &RetrievalError{Index: index, Err: err}
	}
	return Tile{Index: index, Filename: filename, BBox: m.TileBBox(index)}, nil
}
