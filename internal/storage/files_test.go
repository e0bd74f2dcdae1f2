package storage

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/anovio1/bar-api-scraper/internal/ledger"
)

func TestMetadataStoreWritesVerbatim(t *testing.T) {
	dir := t.TempDir()
	store, err := NewMetadataStore(dir)
	if err != nil {
		t.Fatalf("NewMetadataStore: %v", err)
	}

	raw := []byte(`{"id":"id-A","fileName":"m.sdz","nested":{"k":1}}`)
	if err := store.Write(context.Background(), "id-A", raw); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(dir, "id-A.json"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, raw) {
		t.Errorf("metadata re-encoded: got %q want %q", got, raw)
	}
	if !store.Has("id-A") {
		t.Error("Has should report written metadata")
	}
	if store.Has("id-B") {
		t.Error("Has reported a missing id")
	}
}

func TestArtifactStoreSaveAndHas(t *testing.T) {
	dir := t.TempDir()
	store, err := NewArtifactStore(dir)
	if err != nil {
		t.Fatalf("NewArtifactStore: %v", err)
	}

	payload := bytes.Repeat([]byte("sdz"), 512)
	if err := store.Save(context.Background(), "2024-01-01", "match.sdz", bytes.NewReader(payload)); err != nil {
		t.Fatalf("Save: %v", err)
	}

	target := filepath.Join(dir, ledger.BucketDir("2024-01-01"), "match.sdz")
	got, err := os.ReadFile(target)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Error("artifact payload mismatch")
	}
	if !store.Has("2024-01-01", "match.sdz") {
		t.Error("Has should report saved artifact")
	}
	if store.Has("2024-01-02", "match.sdz") {
		t.Error("Has leaked across buckets")
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("stream broke") }

func TestArtifactStoreFailedSaveLeavesNothing(t *testing.T) {
	dir := t.TempDir()
	store, err := NewArtifactStore(dir)
	if err != nil {
		t.Fatal(err)
	}

	if err := store.Save(context.Background(), "2024-01-01", "match.sdz", failingReader{}); err == nil {
		t.Fatal("expected save error")
	}

	bucketDir := filepath.Join(dir, ledger.BucketDir("2024-01-01"))
	entries, err := os.ReadDir(bucketDir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		t.Errorf("leftover file after failed save: %s", e.Name())
	}
}

func TestArtifactStoreCancelledSaveLeavesNothing(t *testing.T) {
	dir := t.TempDir()
	store, err := NewArtifactStore(dir)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := store.Save(ctx, "2024-01-01", "match.sdz", bytes.NewReader([]byte("payload"))); err == nil {
		t.Fatal("expected cancellation error")
	}
	if store.Has("2024-01-01", "match.sdz") {
		t.Error("cancelled save must not produce an artifact")
	}
}

func TestArtifactStoreStripsPathComponents(t *testing.T) {
	dir := t.TempDir()
	store, err := NewArtifactStore(dir)
	if err != nil {
		t.Fatal(err)
	}

	if err := store.Save(context.Background(), "2024-01-01", "../escape.sdz", bytes.NewReader([]byte("x"))); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, ledger.BucketDir("2024-01-01"), "escape.sdz")); err != nil {
		t.Errorf("artifact not stored under bucket dir: %v", err)
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(dir), "escape.sdz")); err == nil {
		t.Error("artifact escaped the store root")
	}
}
