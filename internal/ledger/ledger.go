// Package ledger tracks which replay ids have been fully processed, bucketed
// by date. The file-backed implementation is the pipeline's durable
// checkpoint: one append-only jsonl log per date bucket.
package ledger

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"
)

// Ledger is the authoritative record of fully processed replay ids.
type Ledger interface {
	// IsSeen reports whether id was fully processed in the given date bucket.
	IsSeen(id, bucket string) bool
	// MarkSeen durably records id in the bucket. It is safe for concurrent
	// use and idempotent: re-marking a seen id appends nothing.
	MarkSeen(ctx context.Context, id, bucket string) error
	// Close flushes and releases any open log handles.
	Close() error
}

const logFileName = "downloaded.jsonl"

// bucketDirPattern matches the per-date artifact folders that carry a ledger
// log, e.g. "L2024-01-01Replays".
var bucketDirPattern = regexp.MustCompile(`^L(\d{4}-\d{2}-\d{2})Replays$`)

// BucketDir returns the folder name for a date bucket.
func BucketDir(bucket string) string {
	return "L" + bucket + "Replays"
}

type entry struct {
	GameID string `json:"gameId"`
}

// FileLedger persists seen ids as one jsonl log per date bucket, under the
// same date folders that hold the downloaded artifacts.
type FileLedger struct {
	root   string
	logger *slog.Logger

	mu      sync.Mutex
	seen    map[string]map[string]struct{}
	handles map[string]*os.File
}

// NewFileLedger opens a ledger rooted at dir, loading every existing bucket
// log into memory. Missing logs are empty sets; unreadable or malformed lines
// are skipped, never fatal.
func NewFileLedger(dir string, logger *slog.Logger) (*FileLedger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create ledger root: %w", err)
	}

	l := &FileLedger{
		root:    dir,
		logger:  logger,
		seen:    make(map[string]map[string]struct{}),
		handles: make(map[string]*os.File),
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("scan ledger root: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		m := bucketDirPattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		l.seen[m[1]] = l.loadBucket(m[1])
	}
	return l, nil
}

// loadBucket best-effort reads one bucket log. Corrupt lines are logged and
// skipped so a single bad write never poisons the whole run.
func (l *FileLedger) loadBucket(bucket string) map[string]struct{} {
	ids := make(map[string]struct{})
	path := l.logPath(bucket)

	fh, err := os.Open(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			l.logger.Warn("ledger log unreadable, treating bucket as empty", "bucket", bucket, "error", err)
		}
		return ids
	}
	defer fh.Close()

	scanner := bufio.NewScanner(fh)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec entry
		if err := json.Unmarshal(line, &rec); err != nil || rec.GameID == "" {
			l.logger.Warn("skipping malformed ledger line", "bucket", bucket, "line", string(line))
			continue
		}
		ids[rec.GameID] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		l.logger.Warn("ledger log truncated read", "bucket", bucket, "error", err)
	}
	return ids
}

// IsSeen reports whether id is already recorded for the bucket.
func (l *FileLedger) IsSeen(id, bucket string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids, ok := l.seen[bucket]
	if !ok {
		return false
	}
	_, seen := ids[id]
	return seen
}

// MarkSeen appends id to the bucket's log and syncs before returning, so a
// crash after return never loses the mark. Appends are serialized; the log
// never contains interleaved partial lines.
func (l *FileLedger) MarkSeen(ctx context.Context, id, bucket string) error {
	if id == "" || bucket == "" {
		return fmt.Errorf("ledger mark requires id and bucket (id=%q bucket=%q)", id, bucket)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	ids, ok := l.seen[bucket]
	if !ok {
		ids = l.loadBucket(bucket)
		l.seen[bucket] = ids
	}
	if _, dup := ids[id]; dup {
		return nil
	}

	fh, err := l.handle(bucket)
	if err != nil {
		return err
	}
	line, err := json.Marshal(entry{GameID: id})
	if err != nil {
		return fmt.Errorf("encode ledger line: %w", err)
	}
	line = append(line, '\n')
	if _, err := fh.Write(line); err != nil {
		return fmt.Errorf("append ledger %s: %w", bucket, err)
	}
	if err := fh.Sync(); err != nil {
		return fmt.Errorf("sync ledger %s: %w", bucket, err)
	}

	ids[id] = struct{}{}
	return nil
}

func (l *FileLedger) handle(bucket string) (*os.File, error) {
	if fh, ok := l.handles[bucket]; ok {
		return fh, nil
	}
	dir := filepath.Join(l.root, BucketDir(bucket))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create bucket dir %s: %w", bucket, err)
	}
	fh, err := os.OpenFile(l.logPath(bucket), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open ledger log %s: %w", bucket, err)
	}
	l.handles[bucket] = fh
	return fh, nil
}

func (l *FileLedger) logPath(bucket string) string {
	return filepath.Join(l.root, BucketDir(bucket), logFileName)
}

// Close closes every open bucket log.
func (l *FileLedger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var err error
	for bucket, fh := range l.handles {
		if cerr := fh.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("close ledger log %s: %w", bucket, cerr))
		}
		delete(l.handles, bucket)
	}
	return err
}

// MemoryLedger is an in-memory Ledger for tests and dry runs.
type MemoryLedger struct {
	mu   sync.Mutex
	seen map[string]map[string]struct{}
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{seen: make(map[string]map[string]struct{})}
}

func (l *MemoryLedger) IsSeen(id, bucket string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.seen[bucket][id]
	return ok
}

func (l *MemoryLedger) MarkSeen(ctx context.Context, id, bucket string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	ids, ok := l.seen[bucket]
	if !ok {
		ids = make(map[string]struct{})
		l.seen[bucket] = ids
	}
	ids[id] = struct{}{}
	return nil
}

func (l *MemoryLedger) Close() error { return nil }
