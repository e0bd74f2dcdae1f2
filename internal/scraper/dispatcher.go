package scraper

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/anovio1/bar-api-scraper/internal/ledger"
	"github.com/anovio1/bar-api-scraper/pkg/types"
)

// ReplayAPI is the slice of the remote API the dispatcher needs.
type ReplayAPI interface {
	FetchReplay(ctx context.Context, id string) (types.ReplayDetail, error)
	DownloadArtifact(ctx context.Context, fileName string) (io.ReadCloser, error)
}

// MetadataWriter persists fetched metadata documents.
type MetadataWriter interface {
	Write(ctx context.Context, id string, raw []byte) error
}

// ArtifactWriter persists binary replay artifacts.
type ArtifactWriter interface {
	Has(bucket, fileName string) bool
	Save(ctx context.Context, bucket, fileName string, body io.Reader) error
}

// Dispatcher executes the metadata and download work for one cycle's batch.
type Dispatcher interface {
	Dispatch(ctx context.Context, items []types.DispatchItem) types.BatchResult
}

// BatchDispatcher drives two bounded pools: one fetching metadata, one
// downloading artifacts. An id reaches the ledger only after every operation
// it required has succeeded; anything less leaves it unseen so the next cycle
// retries it.
type BatchDispatcher struct {
	api       ReplayAPI
	meta      MetadataWriter
	artifacts ArtifactWriter
	ledger    ledger.Ledger

	metaPool     *Pool
	downloadPool *Pool
	skipDownload bool

	processed chan<- types.ProcessedRecord
	logger    *slog.Logger
}

// DispatcherOptions wires the collaborators of a BatchDispatcher.
type DispatcherOptions struct {
	API             ReplayAPI
	Metadata        MetadataWriter
	Artifacts       ArtifactWriter
	Ledger          ledger.Ledger
	MetadataWorkers int
	DownloadWorkers int
	SkipDownload    bool
	// Processed, when non-nil, receives every record that was marked seen.
	Processed chan<- types.ProcessedRecord
	Logger    *slog.Logger
}

// NewBatchDispatcher constructs a dispatcher with independently sized pools.
func NewBatchDispatcher(opts DispatcherOptions) *BatchDispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &BatchDispatcher{
		api:          opts.API,
		meta:         opts.Metadata,
		artifacts:    opts.Artifacts,
		ledger:       opts.Ledger,
		metaPool:     NewPool(opts.MetadataWorkers),
		downloadPool: NewPool(opts.DownloadWorkers),
		skipDownload: opts.SkipDownload,
		processed:    opts.Processed,
		logger:       logger,
	}
}

// pendingDownload carries a record from the metadata stage into the download
// stage.
type pendingDownload struct {
	item   types.DispatchItem
	detail types.ReplayDetail
	bucket string
}

// Dispatch runs the batch to completion and returns aggregate counts. It
// blocks until both stages drain (or the context is cancelled); the metadata
// stage always drains fully before any artifact download begins.
func (d *BatchDispatcher) Dispatch(ctx context.Context, items []types.DispatchItem) types.BatchResult {
	var (
		mu        sync.Mutex
		res       types.BatchResult
		downloads []pendingDownload
	)

	metaJobs := make([]func(context.Context), 0, len(items))
	for _, item := range items {
		item := item
		metaJobs = append(metaJobs, func(jctx context.Context) {
			detail, err := d.api.FetchReplay(jctx, item.Summary.ID)
			if err != nil {
				d.logger.Warn("metadata fetch failed", "id", item.Summary.ID, "error", err)
				mu.Lock()
				res.MetaFail++
				mu.Unlock()
				return
			}
			if err := d.meta.Write(jctx, item.Summary.ID, detail.Raw); err != nil {
				d.logger.Warn("metadata write failed", "id", item.Summary.ID, "error", err)
				mu.Lock()
				res.MetaFail++
				mu.Unlock()
				return
			}

			bucket := bucketFor(item.Summary, detail)
			if bucket == "" {
				d.logger.Warn("metadata has no usable start time", "id", item.Summary.ID)
				mu.Lock()
				res.MetaFail++
				mu.Unlock()
				return
			}

			mu.Lock()
			res.MetaOK++
			if !d.skipDownload {
				downloads = append(downloads, pendingDownload{item: item, detail: detail, bucket: bucket})
			}
			mu.Unlock()

			// Metadata-only runs: the metadata fetch is the whole
			// requirement, so the worker marks the id directly.
			if d.skipDownload {
				d.markSeen(jctx, item, detail, bucket, &res, &mu)
			}
		})
	}
	if err := d.metaPool.Run(ctx, metaJobs); err != nil {
		return res
	}

	if d.skipDownload || len(downloads) == 0 {
		return res
	}

	downloadJobs := make([]func(context.Context), 0, len(downloads))
	for _, dl := range downloads {
		dl := dl
		downloadJobs = append(downloadJobs, func(jctx context.Context) {
			if d.artifacts.Has(dl.bucket, dl.detail.FileName) {
				mu.Lock()
				res.DownloadExists++
				mu.Unlock()
				d.markSeen(jctx, dl.item, dl.detail, dl.bucket, &res, &mu)
				return
			}

			body, err := d.api.DownloadArtifact(jctx, dl.detail.FileName)
			if err != nil {
				d.logger.Warn("artifact download failed", "id", dl.item.Summary.ID, "file", dl.detail.FileName, "error", err)
				mu.Lock()
				res.DownloadFail++
				mu.Unlock()
				return
			}
			defer body.Close()

			if err := d.artifacts.Save(jctx, dl.bucket, dl.detail.FileName, body); err != nil {
				d.logger.Warn("artifact write failed", "id", dl.item.Summary.ID, "file", dl.detail.FileName, "error", err)
				mu.Lock()
				res.DownloadFail++
				mu.Unlock()
				return
			}

			mu.Lock()
			res.DownloadOK++
			mu.Unlock()
			d.markSeen(jctx, dl.item, dl.detail, dl.bucket, &res, &mu)
		})
	}
	_ = d.downloadPool.Run(ctx, downloadJobs)

	return res
}

// markSeen records a fully processed id. Workers call this concurrently; the
// ledger serializes the durable appends.
func (d *BatchDispatcher) markSeen(ctx context.Context, item types.DispatchItem, detail types.ReplayDetail, bucket string, res *types.BatchResult, mu *sync.Mutex) {
	if err := d.ledger.MarkSeen(ctx, item.Summary.ID, bucket); err != nil {
		d.logger.Warn("ledger mark failed, id stays unseen", "id", item.Summary.ID, "bucket", bucket, "error", err)
		return
	}
	mu.Lock()
	res.Marked++
	mu.Unlock()

	if d.processed == nil {
		return
	}
	rec := types.ProcessedRecord{
		ID:          item.Summary.ID,
		Bucket:      bucket,
		MapName:     item.Summary.MapName,
		FileName:    detail.FileName,
		ProcessedAt: time.Now().UTC(),
	}
	select {
	case d.processed <- rec:
	case <-ctx.Done():
	}
}

// bucketFor prefers the metadata's start time over the summary's, since the
// detail document is authoritative.
func bucketFor(summary types.ReplaySummary, detail types.ReplayDetail) string {
	if len(detail.StartTime) >= 10 {
		return detail.StartTime[:10]
	}
	return summary.DateBucket()
}
