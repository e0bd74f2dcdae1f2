package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	pq "github.com/lib/pq"

	"github.com/anovio1/bar-api-scraper/internal/config"
	"github.com/anovio1/bar-api-scraper/pkg/types"
)

// ReplayIndex records fully processed replays in a relational database for
// downstream analytics joins. It is additive only: the filesystem ledger
// stays the dedup authority, and index failures never block the pipeline.
type ReplayIndex struct {
	db          *sql.DB
	autoMigrate bool
}

// NewReplayIndex initialises a ReplayIndex from configuration.
func NewReplayIndex(cfg config.SQLConfig) (*ReplayIndex, error) {
	if !cfg.Enabled() {
		return nil, errors.New("sql config missing driver or dsn")
	}
	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open sql connection: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sql connection: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime.Duration > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime.Duration)
	}

	index := &ReplayIndex{db: db, autoMigrate: cfg.AutoMigrate}
	if cfg.AutoMigrate {
		if err := index.ensureSchema(ctx); err != nil {
			db.Close()
			return nil, err
		}
	}
	return index, nil
}

// Record inserts one processed replay; replays already indexed are ignored.
func (x *ReplayIndex) Record(ctx context.Context, rec types.ProcessedRecord) error {
	if x == nil || x.db == nil {
		return nil
	}
	if err := x.insert(ctx, rec); err != nil {
		if x.autoMigrate && isUndefinedTableErr(err) {
			if schemaErr := x.ensureSchema(ctx); schemaErr != nil {
				return fmt.Errorf("ensure schema: %w", schemaErr)
			}
			if retryErr := x.insert(ctx, rec); retryErr != nil {
				return fmt.Errorf("insert replay: %w", retryErr)
			}
			return nil
		}
		return fmt.Errorf("insert replay: %w", err)
	}
	return nil
}

func (x *ReplayIndex) insert(ctx context.Context, rec types.ProcessedRecord) error {
	query := `
        INSERT INTO replays (id, bucket, map_name, file_name, processed_at)
        VALUES ($1,$2,$3,$4,$5)
        ON CONFLICT (id) DO NOTHING
    `
	_, err := x.db.ExecContext(ctx, query,
		rec.ID,
		rec.Bucket,
		rec.MapName,
		rec.FileName,
		rec.ProcessedAt,
	)
	return err
}

// Close closes the underlying DB connection.
func (x *ReplayIndex) Close() error {
	if x == nil || x.db == nil {
		return nil
	}
	return x.db.Close()
}

func (x *ReplayIndex) ensureSchema(ctx context.Context) error {
	if x == nil || x.db == nil || !x.autoMigrate {
		return nil
	}
	schemaCtx := ctx
	if schemaCtx == nil || schemaCtx.Err() != nil {
		schemaCtx = context.Background()
	}
	schemaCtx, cancel := context.WithTimeout(schemaCtx, 10*time.Second)
	defer cancel()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS replays (
		    id TEXT PRIMARY KEY,
		    bucket TEXT NOT NULL,
		    map_name TEXT,
		    file_name TEXT,
		    processed_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_replays_bucket ON replays (bucket)`,
	}
	for _, stmt := range stmts {
		if _, err := x.db.ExecContext(schemaCtx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func isUndefinedTableErr(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "42P01"
	}
	lower := strings.ToLower(err.Error())
	return strings.Contains(lower, "relation") && strings.Contains(lower, "does not exist")
}
