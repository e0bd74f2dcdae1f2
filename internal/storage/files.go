package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/anovio1/bar-api-scraper/internal/ledger"
)

// MetadataStore writes fetched metadata documents to the local filesystem,
// one file per replay id, body stored verbatim.
type MetadataStore struct {
	baseDir string
}

// NewMetadataStore constructs a filesystem-backed metadata store.
func NewMetadataStore(baseDir string) (*MetadataStore, error) {
	if strings.TrimSpace(baseDir) == "" {
		return nil, errors.New("metadata directory must be provided")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create metadata directory: %w", err)
	}
	return &MetadataStore{baseDir: baseDir}, nil
}

// Write persists the raw metadata bytes for id, replacing any previous copy.
func (s *MetadataStore) Write(ctx context.Context, id string, raw []byte) error {
	if id == "" {
		return errors.New("metadata write requires an id")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	path := filepath.Join(s.baseDir, id+".json")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("write metadata %s: %w", id, err)
	}
	return nil
}

// Has reports whether a metadata file for id exists with content.
func (s *MetadataStore) Has(id string) bool {
	info, err := os.Stat(filepath.Join(s.baseDir, id+".json"))
	return err == nil && info.Size() > 0
}

// ArtifactStore writes replay artifacts into date-bucketed folders under a
// base directory, keeping the artifact's native file name.
type ArtifactStore struct {
	baseDir string
}

// NewArtifactStore constructs a filesystem-backed artifact store.
func NewArtifactStore(baseDir string) (*ArtifactStore, error) {
	if strings.TrimSpace(baseDir) == "" {
		return nil, errors.New("artifact directory must be provided")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact directory: %w", err)
	}
	return &ArtifactStore{baseDir: baseDir}, nil
}

// Has reports whether the artifact already exists with content.
func (s *ArtifactStore) Has(bucket, fileName string) bool {
	info, err := os.Stat(s.path(bucket, fileName))
	return err == nil && info.Size() > 0
}

// Save streams the artifact body to disk. The write goes through a temp file
// and a rename, so a failed or cancelled download never leaves a partial
// artifact behind.
func (s *ArtifactStore) Save(ctx context.Context, bucket, fileName string, body io.Reader) (err error) {
	if bucket == "" || fileName == "" {
		return fmt.Errorf("artifact save requires bucket and file name (bucket=%q file=%q)", bucket, fileName)
	}
	target := s.path(bucket, fileName)
	if mkErr := os.MkdirAll(filepath.Dir(target), 0o755); mkErr != nil {
		return fmt.Errorf("create bucket dir %s: %w", bucket, mkErr)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), "."+filepath.Base(fileName)+".part-")
	if err != nil {
		return fmt.Errorf("create temp artifact: %w", err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if _, err = io.Copy(tmp, contextReader{ctx: ctx, r: body}); err != nil {
		return fmt.Errorf("write artifact %s: %w", fileName, err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close artifact %s: %w", fileName, err)
	}
	if err = os.Rename(tmp.Name(), target); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("finalize artifact %s: %w", fileName, err)
	}
	return nil
}

func (s *ArtifactStore) path(bucket, fileName string) string {
	return filepath.Join(s.baseDir, ledger.BucketDir(bucket), filepath.Base(fileName))
}

// contextReader aborts long streaming copies once the context is cancelled.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
