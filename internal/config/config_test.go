package config

import (
	"strings"
	"testing"
	"time"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestLoadFromReader(t *testing.T) {
	yaml := `
api:
  request_timeout: 3s
  rate_limit:
    requests: 10
    window: 1s
scrape:
  from_date: "2024-01-01"
  to_date: "2024-01-31"
  page_size: 100
  listen_delay: 2
  maps: ["Supreme Isthmus", "Supreme Isthmus", " ", "Quicksilver"]
workers:
  metadata: 4
  download: 2
logging:
  level: debug
  structured: false
`
	cfg, err := LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.API.RequestTimeout.Duration != 3*time.Second {
		t.Errorf("request_timeout = %v", cfg.API.RequestTimeout.Duration)
	}
	if !cfg.API.RateLimit.Enabled() {
		t.Error("rate limit should be enabled")
	}
	if cfg.Scrape.ListenDelay.Duration != 2*time.Second {
		t.Errorf("numeric listen_delay = %v, want 2s", cfg.Scrape.ListenDelay.Duration)
	}
	if len(cfg.Scrape.Maps) != 2 {
		t.Errorf("maps not deduped/trimmed: %v", cfg.Scrape.Maps)
	}
	if cfg.Workers.Metadata != 4 || cfg.Workers.Download != 2 {
		t.Errorf("worker sizes = %+v", cfg.Workers)
	}
	// Defaults survive partial files.
	if cfg.API.BaseURL == "" || cfg.Storage.DownloadDir == "" {
		t.Error("defaults were not merged")
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	if _, err := LoadFromReader(strings.NewReader("bogus_section: 1\n")); err == nil {
		t.Fatal("expected error for unknown top-level field")
	}
}

func TestValidateErrors(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad from date", func(c *Config) { c.Scrape.FromDate = "01-01-2024" }},
		{"bad to date", func(c *Config) { c.Scrape.ToDate = "soon" }},
		{"inverted range", func(c *Config) { c.Scrape.FromDate = "2024-02-01"; c.Scrape.ToDate = "2024-01-01" }},
		{"zero page size", func(c *Config) { c.Scrape.PageSize = 0 }},
		{"zero empty page limit in bounded mode", func(c *Config) { c.Scrape.MaxEmptyPages = 0; c.Scrape.Listen = false }},
		{"no metadata workers", func(c *Config) { c.Workers.Metadata = 0 }},
		{"no download workers", func(c *Config) { c.Workers.Download = 0 }},
		{"missing base url", func(c *Config) { c.API.BaseURL = "" }},
		{"missing download dir", func(c *Config) { c.Storage.DownloadDir = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("expected validation error")
			}
		})
	}
}

func TestUnboundedModeAllowsZeroEmptyPageLimit(t *testing.T) {
	cfg := Default()
	cfg.Scrape.Listen = true
	cfg.Scrape.MaxEmptyPages = 0
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unbounded mode should not require an empty page limit: %v", err)
	}
}

func TestSandboxRewritesDirectories(t *testing.T) {
	cfg := Default()
	cfg.Scrape.Sandbox = true
	cfg.Storage.DownloadDir = "data/Replays"
	cfg.Storage.MetasDir = "data/metas"
	cfg.Normalise()
	if cfg.Storage.DownloadDir != "data/Replays_staging" {
		t.Errorf("download dir = %q", cfg.Storage.DownloadDir)
	}
	if cfg.Storage.MetasDir != "data/metas_staging" {
		t.Errorf("metas dir = %q", cfg.Storage.MetasDir)
	}

	// A second normalise pass must not stack suffixes.
	cfg.Normalise()
	if cfg.Storage.DownloadDir != "data/Replays_staging" {
		t.Errorf("staging rewrite not idempotent: %q", cfg.Storage.DownloadDir)
	}
}
