package demparquet

import (
	"context"
	"errors"
	"os"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const defaultMaxFetches = 4

// A Pipeline lists, fetches, decodes, and writes tiles.
type Pipeline struct {
	catalog    *Catalog
	fetcher    *Fetcher
	writer     *ParquetWriter
	outputDir  string
	maxFetches int
	cpuWorkers int
	keepGoing  bool
	logger     zerolog.Logger
	progress   progress
}

// A PipelineOption sets an option on a Pipeline.
type PipelineOption func(*Pipeline)

// A TileResult is the result of processing a single tile.
type TileResult struct {
	Key          string
	Started      bool
	FetchSkipped bool
	WriteSkipped bool
	Err          error
	Duration     time.Duration
}

// A Summary summarizes a batch.
type Summary struct {
	Results      []TileResult
	Total        int
	Succeeded    int
	Failed       int
	Canceled     int
	NotStarted   int
	FetchSkipped int
	WriteSkipped int
}

// Progress is a snapshot of a running batch.
type Progress struct {
	Total          int64 `json:"total"`
	Done           int64 `json:"done"`
	Failed         int64 `json:"failed"`
	FetchSkipped   int64 `json:"fetchSkipped"`
	WriteSkipped   int64 `json:"writeSkipped"`
	FetchesRunning int64 `json:"fetchesRunning"`
}

type progress struct {
	total          atomic.Int64
	done           atomic.Int64
	failed         atomic.Int64
	fetchSkipped   atomic.Int64
	writeSkipped   atomic.Int64
	fetchesRunning atomic.Int64
}

// start resets the counters for a new batch of total tiles.
func (p *progress) start(total int) {
	p.done.Store(0)
	p.failed.Store(0)
	p.fetchSkipped.Store(0)
	p.writeSkipped.Store(0)
	p.fetchesRunning.Store(0)
	p.total.Store(int64(total))
}

// NewPipeline returns a new Pipeline that writes tiles listed by catalog and
// downloaded by fetcher to outputDir with writer.
func NewPipeline(catalog *Catalog, fetcher *Fetcher, writer *ParquetWriter, outputDir string, options ...PipelineOption) *Pipeline {
	p := &Pipeline{
		catalog:    catalog,
		fetcher:    fetcher,
		writer:     writer,
		outputDir:  outputDir,
		maxFetches: defaultMaxFetches,
		cpuWorkers: runtime.GOMAXPROCS(0),
		logger:     zerolog.Nop(),
	}
	for _, option := range options {
		option(p)
	}
	p.maxFetches = max(p.maxFetches, 1)
	p.cpuWorkers = max(p.cpuWorkers, 1)
	return p
}

// WithMaxFetches sets the maximum number of concurrent fetches.
func WithMaxFetches(maxFetches int) PipelineOption {
	return func(p *Pipeline) {
		p.maxFetches = maxFetches
	}
}

// WithCPUWorkers sets the maximum number of tiles decoded and encoded
// concurrently.
func WithCPUWorkers(cpuWorkers int) PipelineOption {
	return func(p *Pipeline) {
		p.cpuWorkers = cpuWorkers
	}
}

// WithKeepGoing sets whether a failed tile stops the batch. By default, the
// first failure cancels all remaining tiles and is returned.
func WithKeepGoing(keepGoing bool) PipelineOption {
	return func(p *Pipeline) {
		p.keepGoing = keepGoing
	}
}

func WithLogger(logger zerolog.Logger) PipelineOption {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// Progress returns a snapshot of the current batch's progress.
func (p *Pipeline) Progress() Progress {
	return Progress{
		Total:          p.progress.total.Load(),
		Done:           p.progress.done.Load(),
		Failed:         p.progress.failed.Load(),
		FetchSkipped:   p.progress.fetchSkipped.Load(),
		WriteSkipped:   p.progress.writeSkipped.Load(),
		FetchesRunning: p.progress.fetchesRunning.Load(),
	}
}

// Run lists the tiles in region, or all tiles if region is nil, and
// processes them.
func (p *Pipeline) Run(ctx context.Context, region *Region) (*Summary, error) {
	for _, dir := range []string{p.fetcher.dir, p.outputDir} {
		if err := os.MkdirAll(dir, 0o777); err != nil {
			return nil, err
		}
	}

	start := time.Now()
	objects, err := p.catalog.List(ctx, region)
	if err != nil {
		return nil, err
	}
	regionName := "world"
	if region != nil {
		regionName = region.Name
	}
	p.logger.Info().
		Str("region", regionName).
		Int("tiles", len(objects)).
		Dur("duration", time.Since(start)).
		Msg("listed catalog")

	summary, err := p.Process(ctx, objects)
	if summary != nil {
		p.logger.Info().
			Int("total", summary.Total).
			Int("succeeded", summary.Succeeded).
			Int("failed", summary.Failed).
			Int("canceled", summary.Canceled).
			Int("notStarted", summary.NotStarted).
			Int("fetchSkipped", summary.FetchSkipped).
			Int("writeSkipped", summary.WriteSkipped).
			Dur("duration", time.Since(start)).
			Msg("batch done")
	}
	return summary, err
}

// Process fetches, decodes, and writes objects. At most maxFetches fetches
// run concurrently, and a tile's fetch slot is released before it is decoded
// so that decoding never holds up other tiles' downloads. Decoding and
// encoding are bounded separately by cpuWorkers.
//
// Unless keepGoing is set, the first failure cancels the remaining tiles and
// is returned along with the summary.
func (p *Pipeline) Process(ctx context.Context, objects []RemoteObject) (*Summary, error) {
	p.progress.start(len(objects))
	summary := &Summary{
		Results: make([]TileResult, len(objects)),
	}
	fetchSemaphore := semaphore.NewWeighted(int64(p.maxFetches))
	cpuSemaphore := semaphore.NewWeighted(int64(p.cpuWorkers))

	for i, object := range objects {
		summary.Results[i].Key = object.Key
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, object := range objects {
		if err := fetchSemaphore.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			result := p.processTile(gctx, object, fetchSemaphore, cpuSemaphore)
			summary.Results[i] = result
			if result.Err != nil && !p.keepGoing {
				return result.Err
			}
			return nil
		})
	}
	err := g.Wait()
	summary.tally()
	if err != nil {
		return summary, err
	}
	return summary, ctx.Err()
}

// processTile runs a single tile's stages in order. fetchSemaphore must
// already be held and is released once the fetch completes.
func (p *Pipeline) processTile(ctx context.Context, object RemoteObject, fetchSemaphore, cpuSemaphore *semaphore.Weighted) TileResult {
	start := time.Now()
	logger := p.logger.With().Str("key", object.Key).Logger()
	result := TileResult{
		Key:     object.Key,
		Started: true,
	}
	fail := func(stage Stage, err error) TileResult {
		var stageErr *StageError
		if !errors.As(err, &stageErr) {
			err = &StageError{Key: object.Key, Stage: stage, Err: err}
		}
		result.Err = err
		result.Duration = time.Since(start)
		if errors.Is(err, context.Canceled) {
			logger.Debug().Str("stage", string(stage)).Str("outcome", "canceled").Msg("tile")
		} else {
			p.progress.failed.Add(1)
			logger.Error().Err(err).Str("stage", string(stage)).Str("outcome", outcomeFailed).Msg("tile")
		}
		return result
	}

	p.progress.fetchesRunning.Add(1)
	fetchResult, err := p.fetcher.Fetch(ctx, object)
	p.progress.fetchesRunning.Add(-1)
	fetchSemaphore.Release(1)
	if err != nil {
		return fail(StageFetch, err)
	}
	result.FetchSkipped = fetchResult.Skipped
	if fetchResult.Skipped {
		p.progress.fetchSkipped.Add(1)
		logger.Debug().Str("stage", string(StageFetch)).Str("outcome", outcomeSkipped).Msg("tile")
	} else {
		logger.Info().
			Str("stage", string(StageFetch)).
			Str("outcome", outcomeFetched).
			Int64("bytes", fetchResult.Bytes).
			Dur("duration", time.Since(start)).
			Msg("tile")
	}

	// Decoding is wasted if the write would be skipped.
	outputFilename := OutputFilename(p.outputDir, fetchResult.Filename)
	switch exists, err := p.writer.Exists(outputFilename); {
	case err != nil:
		return fail(StageEncode, err)
	case exists:
		return p.skipWrite(logger, result, start)
	}

	if err := cpuSemaphore.Acquire(ctx, 1); err != nil {
		return fail(StageDecode, err)
	}
	defer cpuSemaphore.Release(1)

	pixels, err := TransformFile(fetchResult.Filename)
	if err != nil {
		stageOutcomesTotal.WithLabelValues(string(StageDecode), outcomeFailed).Inc()
		return fail(StageDecode, err)
	}
	stageOutcomesTotal.WithLabelValues(string(StageDecode), outcomeDecoded).Inc()

	switch skipped, err := p.writer.Write(pixels, outputFilename); {
	case err != nil:
		return fail(StageEncode, err)
	case skipped:
		return p.skipWrite(logger, result, start)
	}

	result.Duration = time.Since(start)
	p.progress.done.Add(1)
	logger.Info().
		Str("stage", string(StageEncode)).
		Str("outcome", outcomeWritten).
		Int("pixels", pixels.Len()).
		Dur("duration", result.Duration).
		Msg("tile")
	return result
}

func (p *Pipeline) skipWrite(logger zerolog.Logger, result TileResult, start time.Time) TileResult {
	result.WriteSkipped = true
	result.Duration = time.Since(start)
	p.progress.writeSkipped.Add(1)
	p.progress.done.Add(1)
	logger.Debug().Str("stage", string(StageEncode)).Str("outcome", outcomeSkipped).Msg("tile")
	return result
}

// Err returns the tile failures in s joined together, or nil if every tile
// succeeded.
func (s *Summary) Err() error {
	var errs []error
	for _, result := range s.Results {
		if result.Err != nil && !errors.Is(result.Err, context.Canceled) {
			errs = append(errs, result.Err)
		}
	}
	return errors.Join(errs...)
}

// OK returns whether every tile completed without error.
func (s *Summary) OK() bool {
	return s.Succeeded == s.Total
}

func (s *Summary) tally() {
	s.Total = len(s.Results)
	s.Succeeded, s.Failed, s.Canceled, s.NotStarted, s.FetchSkipped, s.WriteSkipped = 0, 0, 0, 0, 0, 0
	for _, result := range s.Results {
		switch {
		case !result.Started:
			s.NotStarted++
			continue
		case result.Err == nil:
			s.Succeeded++
		case errors.Is(result.Err, context.Canceled):
			s.Canceled++
		default:
			s.Failed++
		}
		if result.FetchSkipped {
			s.FetchSkipped++
		}
		if result.WriteSkipped {
			s.WriteSkipped++
		}
	}
}
