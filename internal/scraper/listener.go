package scraper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/anovio1/bar-api-scraper/internal/barapi"
	"github.com/anovio1/bar-api-scraper/internal/config"
	"github.com/anovio1/bar-api-scraper/internal/ledger"
	"github.com/anovio1/bar-api-scraper/internal/storage"
	"github.com/anovio1/bar-api-scraper/pkg/types"
)

// PageFetcher retrieves one page of candidate records.
type PageFetcher interface {
	FetchPage(ctx context.Context, page int) ([]types.ReplaySummary, error)
}

// Engine orchestrates the listen cycle: fetch a page, filter against the
// ledger, dispatch the batch, evaluate emptiness, then sleep and advance.
type Engine struct {
	cfg        config.Config
	fetcher    PageFetcher
	dispatcher Dispatcher
	ledger     ledger.Ledger
	index      *storage.ReplayIndex
	mapFilter  map[string]struct{}
	processed  chan types.ProcessedRecord
	logger     *slog.Logger

	closers   []func() error
	closeOnce sync.Once
}

// NewEngine builds a listener engine from configuration. Construction is the
// fatal path: an unreachable store or invalid setting stops the process before
// the loop starts.
func NewEngine(cfg config.Config) (*Engine, error) {
	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	client, err := barapi.NewClient(barapi.Options{
		BaseURL:         cfg.API.BaseURL,
		DownloadBaseURL: cfg.API.DownloadBaseURL,
		UserAgent:       cfg.API.UserAgent,
		Timeout:         cfg.API.RequestTimeout.Duration,
		MaxMetaBytes:    cfg.API.MaxMetaBytes,
		Pacer: barapi.NewPacer(barapi.PacerSettings{
			Delay:    cfg.API.RequestDelay.Duration,
			Requests: cfg.API.RateLimit.Requests,
			Window:   cfg.API.RateLimit.Window.Duration,
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("api client: %w", err)
	}

	metaStore, err := storage.NewMetadataStore(cfg.Storage.MetasDir)
	if err != nil {
		return nil, err
	}
	artifactStore, err := storage.NewArtifactStore(cfg.Storage.DownloadDir)
	if err != nil {
		return nil, err
	}

	seenLedger, err := ledger.NewFileLedger(cfg.Storage.DownloadDir, logger)
	if err != nil {
		return nil, fmt.Errorf("ledger: %w", err)
	}

	var closers []func() error
	closers = append(closers, seenLedger.Close)

	var index *storage.ReplayIndex
	var processed chan types.ProcessedRecord
	if cfg.DB.Enabled() {
		index, err = storage.NewReplayIndex(cfg.DB)
		if err != nil {
			return nil, fmt.Errorf("replay index: %w", err)
		}
		closers = append(closers, index.Close)
		processed = make(chan types.ProcessedRecord, 256)
	}

	dispatcher := NewBatchDispatcher(DispatcherOptions{
		API:             client,
		Metadata:        metaStore,
		Artifacts:       artifactStore,
		Ledger:          seenLedger,
		MetadataWorkers: cfg.Workers.Metadata,
		DownloadWorkers: cfg.Workers.Download,
		SkipDownload:    cfg.Scrape.SkipDownload,
		Processed:       processed,
		Logger:          logger,
	})

	return &Engine{
		cfg: cfg,
		fetcher: &apiPageFetcher{
			client: client,
			query: barapi.SearchQuery{
				FromDate: cfg.Scrape.FromDate,
				ToDate:   cfg.Scrape.ToDate,
				PageSize: cfg.Scrape.PageSize,
				Maps:     cfg.Scrape.Maps,
			},
		},
		dispatcher: dispatcher,
		ledger:     seenLedger,
		index:      index,
		mapFilter:  mapSet(cfg.Scrape.Maps),
		processed:  processed,
		logger:     logger,
		closers:    closers,
	}, nil
}

// Run executes listen cycles until bounded-mode completion or cancellation.
// A nil return means the empty-page limit was reached; context.Canceled means
// an orderly interruption shutdown.
func (e *Engine) Run(ctx context.Context) error {
	defer e.Close()

	group, gctx := errgroup.WithContext(ctx)
	if e.index != nil {
		group.Go(func() error {
			e.indexWorker(gctx)
			return nil
		})
	}
	group.Go(func() error {
		if e.processed != nil {
			defer close(e.processed)
		}
		return e.listen(gctx)
	})
	return group.Wait()
}

// Close flushes the ledger and releases store handles. Safe to call twice.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		for _, closer := range e.closers {
			if cerr := closer(); cerr != nil {
				err = errors.Join(err, cerr)
			}
		}
	})
	return err
}

func (e *Engine) listen(ctx context.Context) error {
	delay := e.cfg.Scrape.ListenDelay.Duration
	maxEmpty := e.cfg.Scrape.MaxEmptyPages
	unbounded := e.cfg.Scrape.Listen

	e.logger.Info("listener starting",
		"from", e.cfg.Scrape.FromDate,
		"to", e.cfg.Scrape.ToDate,
		"page_size", e.cfg.Scrape.PageSize,
		"unbounded", unbounded,
		"maps", strings.Join(e.cfg.Scrape.Maps, ","),
	)

	page := 1
	empty := 0
	for {
		if !unbounded && empty >= maxEmpty {
			e.logger.Info("consecutive empty page limit reached, stopping",
				"empty_pages", empty, "last_page", page-1)
			return nil
		}

		records, err := e.fetcher.FetchPage(ctx, page)
		if err != nil {
			if cerr := ctx.Err(); cerr != nil {
				return cerr
			}
			// Cycle-level failure: retry the same page after the standard
			// delay. The empty-page counter only tracks well-formed pages.
			e.logger.Error("page fetch failed", "page", page, "error", err)
			if err := sleep(ctx, delay); err != nil {
				return err
			}
			continue
		}

		items, stats := e.partition(records)
		stats.Page = page

		if len(items) == 0 {
			empty++
			stats.Empty = empty
			e.logger.Info("no new replays on page",
				"page", page, "skipped", stats.Skipped, "filtered", stats.Filtered,
				"empty_pages", empty, "max_empty_pages", maxEmpty)
		} else {
			empty = 0
			start := time.Now()
			res := e.dispatcher.Dispatch(ctx, items)
			if cerr := ctx.Err(); cerr != nil {
				return cerr
			}
			elapsed := time.Since(start)
			rate := 0.0
			if elapsed > 0 {
				rate = float64(len(items)) / elapsed.Seconds()
			}
			e.logger.Info("cycle complete",
				"page", page,
				"new", stats.New, "forced", stats.Forced,
				"skipped", stats.Skipped, "filtered", stats.Filtered,
				"meta_ok", res.MetaOK, "meta_fail", res.MetaFail,
				"download_ok", res.DownloadOK, "download_exists", res.DownloadExists,
				"download_fail", res.DownloadFail,
				"marked", res.Marked,
				"elapsed", elapsed.Round(time.Millisecond), "rps", fmt.Sprintf("%.2f", rate))
		}

		if err := sleep(ctx, delay); err != nil {
			return err
		}
		page++
	}
}

// partition splits a page into dispatchable items: unseen records, plus seen
// records re-requested under forced refresh. Records outside the map filter
// are neither dispatched nor marked.
func (e *Engine) partition(records []types.ReplaySummary) ([]types.DispatchItem, types.CycleStats) {
	var stats types.CycleStats
	items := make([]types.DispatchItem, 0, len(records))
	for _, r := range records {
		bucket := r.DateBucket()
		if r.ID == "" || bucket == "" {
			e.logger.Debug("skipping malformed record", "id", r.ID, "start_time", r.StartTime)
			stats.Skipped++
			continue
		}
		if len(e.mapFilter) > 0 {
			if _, ok := e.mapFilter[r.MapName]; !ok {
				stats.Filtered++
				continue
			}
		}
		if e.ledger.IsSeen(r.ID, bucket) {
			if e.cfg.Scrape.ForceMeta {
				items = append(items, types.DispatchItem{Summary: r, Forced: true})
				stats.Forced++
				continue
			}
			stats.Skipped++
			continue
		}
		items = append(items, types.DispatchItem{Summary: r})
		stats.New++
	}
	stats.BatchTotal = len(items)
	return items, stats
}

// indexWorker drains processed records into the relational index. Index
// failures are logged and never touch the pipeline or the ledger.
func (e *Engine) indexWorker(ctx context.Context) {
	for rec := range e.processed {
		if err := e.index.Record(ctx, rec); err != nil {
			e.logger.Warn("replay index write failed", "id", rec.ID, "error", err)
		}
	}
}

// apiPageFetcher adapts the API client's paginated search to PageFetcher.
type apiPageFetcher struct {
	client *barapi.Client
	query  barapi.SearchQuery
}

func (f *apiPageFetcher) FetchPage(ctx context.Context, page int) ([]types.ReplaySummary, error) {
	return f.client.SearchReplays(ctx, f.query, page)
}

func mapSet(maps []string) map[string]struct{} {
	if len(maps) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(maps))
	for _, m := range maps {
		set[m] = struct{}{}
	}
	return set
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func buildLogger(cfg config.LoggingConfig) (*slog.Logger, error) {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info", "":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("unsupported log level %q", cfg.Level)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Structured {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler), nil
}
