package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// dateLayout is the wire format for the scrape date range.
const dateLayout = "2006-01-02"

// Config captures the full configuration required to run the replay listener.
type Config struct {
	API     APIConfig     `yaml:"api"`
	Scrape  ScrapeConfig  `yaml:"scrape"`
	Storage StorageConfig `yaml:"storage"`
	Workers WorkerConfig  `yaml:"workers"`
	DB      SQLConfig     `yaml:"db"`
	Logging LoggingConfig `yaml:"logging"`
}

// APIConfig describes the remote replay API and download endpoint.
type APIConfig struct {
	BaseURL         string          `yaml:"base_url"`
	DownloadBaseURL string          `yaml:"download_base_url"`
	UserAgent       string          `yaml:"user_agent"`
	RequestTimeout  Duration        `yaml:"request_timeout"`
	MaxMetaBytes    int64           `yaml:"max_meta_bytes"`
	RequestDelay    Duration        `yaml:"request_delay"`
	RateLimit       RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig applies a token bucket to outbound API requests.
type RateLimitConfig struct {
	Requests int      `yaml:"requests"`
	Window   Duration `yaml:"window"`
}

// Enabled reports whether token-bucket rate limiting is active.
func (r RateLimitConfig) Enabled() bool {
	return r.Requests > 0 && !r.Window.IsZero()
}

// ScrapeConfig controls the date window, pagination, and listener behaviour.
type ScrapeConfig struct {
	FromDate      string   `yaml:"from_date"`
	ToDate        string   `yaml:"to_date"`
	PageSize      int      `yaml:"page_size"`
	Maps          []string `yaml:"maps"`
	Listen        bool     `yaml:"listen"`
	ListenDelay   Duration `yaml:"listen_delay"`
	MaxEmptyPages int      `yaml:"max_empty_pages"`
	SkipDownload  bool     `yaml:"skip_download"`
	ForceMeta     bool     `yaml:"force_meta"`
	Sandbox       bool     `yaml:"sandbox"`
}

// StorageConfig locates the artifact and metadata directories.
type StorageConfig struct {
	DownloadDir string `yaml:"download_dir"`
	MetasDir    string `yaml:"metas_dir"`
}

// WorkerConfig sizes the two dispatch pools.
type WorkerConfig struct {
	Metadata int `yaml:"metadata"`
	Download int `yaml:"download"`
}

// SQLConfig describes the optional relational index of processed replays.
type SQLConfig struct {
	Driver          string   `yaml:"driver"`
	DSN             string   `yaml:"dsn"`
	MaxOpenConns    int      `yaml:"max_open_conns"`
	MaxIdleConns    int      `yaml:"max_idle_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"`
	AutoMigrate     bool     `yaml:"auto_migrate"`
}

// Enabled reports whether the relational index should be constructed.
func (s SQLConfig) Enabled() bool {
	return s.Driver != "" && s.DSN != ""
}

// LoggingConfig selects log verbosity and format.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Structured bool   `yaml:"structured"`
}

// Default returns a Config populated with sensible defaults, mirroring the
// public API's documented limits.
func Default() Config {
	today := time.Now().UTC()
	return Config{
		API: APIConfig{
			BaseURL:         "https://api.bar-rts.com",
			DownloadBaseURL: "https://storage.uk.cloud.ovh.net/v1/AUTH_10286efc0d334efd917d476d7183232e/BAR/demos",
			UserAgent:       "bar-api-scraper/1.0",
			RequestTimeout:  DurationFrom(15 * time.Second),
			MaxMetaBytes:    6 * 1024 * 1024,
		},
		Scrape: ScrapeConfig{
			FromDate:      today.AddDate(0, 0, -60).Format(dateLayout),
			ToDate:        today.AddDate(0, 0, 2).Format(dateLayout),
			PageSize:      1000,
			ListenDelay:   DurationFrom(5 * time.Second),
			MaxEmptyPages: 5,
		},
		Storage: StorageConfig{
			DownloadDir: "Replays",
			MetasDir:    "metas",
		},
		Workers: WorkerConfig{
			Metadata: 20,
			Download: 10,
		},
		DB: SQLConfig{
			AutoMigrate: true,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Structured: true,
		},
	}
}

// Load reads, merges, and validates configuration from a YAML file.
func Load(path string) (*Config, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer fh.Close()
	return LoadFromReader(fh)
}

// LoadFromReader decodes configuration from an arbitrary reader.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Normalise()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate enforces required invariants. A failure here is the only fatal
// error class; everything past startup degrades instead of aborting.
func (c Config) Validate() error {
	if strings.TrimSpace(c.API.BaseURL) == "" {
		return errors.New("api.base_url must be set")
	}
	if strings.TrimSpace(c.API.DownloadBaseURL) == "" {
		return errors.New("api.download_base_url must be set")
	}
	if strings.TrimSpace(c.API.UserAgent) == "" {
		return errors.New("api.user_agent must be set")
	}
	if c.API.RequestTimeout.Duration <= 0 {
		return errors.New("api.request_timeout must be > 0")
	}
	if c.API.MaxMetaBytes <= 0 {
		return fmt.Errorf("api.max_meta_bytes must be > 0 (got %d)", c.API.MaxMetaBytes)
	}
	if rl := c.API.RateLimit; rl.Requests < 0 {
		return fmt.Errorf("api.rate_limit.requests must be >= 0 (got %d)", rl.Requests)
	}

	from, err := time.Parse(dateLayout, c.Scrape.FromDate)
	if err != nil {
		return fmt.Errorf("scrape.from_date %q is not YYYY-MM-DD: %w", c.Scrape.FromDate, err)
	}
	to, err := time.Parse(dateLayout, c.Scrape.ToDate)
	if err != nil {
		return fmt.Errorf("scrape.to_date %q is not YYYY-MM-DD: %w", c.Scrape.ToDate, err)
	}
	if to.Before(from) {
		return fmt.Errorf("scrape.to_date %s precedes scrape.from_date %s", c.Scrape.ToDate, c.Scrape.FromDate)
	}
	if c.Scrape.PageSize <= 0 {
		return fmt.Errorf("scrape.page_size must be > 0 (got %d)", c.Scrape.PageSize)
	}
	if c.Scrape.MaxEmptyPages <= 0 && !c.Scrape.Listen {
		return fmt.Errorf("scrape.max_empty_pages must be > 0 in bounded mode (got %d)", c.Scrape.MaxEmptyPages)
	}
	if c.Scrape.ListenDelay.Duration < 0 {
		return errors.New("scrape.listen_delay must be >= 0")
	}

	if strings.TrimSpace(c.Storage.DownloadDir) == "" {
		return errors.New("storage.download_dir must be set")
	}
	if strings.TrimSpace(c.Storage.MetasDir) == "" {
		return errors.New("storage.metas_dir must be set")
	}

	if c.Workers.Metadata <= 0 {
		return fmt.Errorf("workers.metadata must be > 0 (got %d)", c.Workers.Metadata)
	}
	if c.Workers.Download <= 0 {
		return fmt.Errorf("workers.download must be > 0 (got %d)", c.Workers.Download)
	}
	return nil
}

// Normalise trims and dedupes string inputs and applies the sandbox staging
// rewrite. Safe to call more than once.
func (c *Config) Normalise() {
	c.API.BaseURL = strings.TrimRight(strings.TrimSpace(c.API.BaseURL), "/")
	c.API.DownloadBaseURL = strings.TrimRight(strings.TrimSpace(c.API.DownloadBaseURL), "/")
	c.API.UserAgent = strings.TrimSpace(c.API.UserAgent)

	c.Scrape.FromDate = strings.TrimSpace(c.Scrape.FromDate)
	c.Scrape.ToDate = strings.TrimSpace(c.Scrape.ToDate)
	if len(c.Scrape.Maps) > 0 {
		c.Scrape.Maps = dedupe(c.Scrape.Maps)
	}

	c.Storage.DownloadDir = strings.TrimSpace(c.Storage.DownloadDir)
	c.Storage.MetasDir = strings.TrimSpace(c.Storage.MetasDir)
	if c.Scrape.Sandbox {
		c.Storage.DownloadDir = stagingDir(c.Storage.DownloadDir)
		c.Storage.MetasDir = stagingDir(c.Storage.MetasDir)
	}
}

// stagingDir rewrites a path to its "_staging" sibling, idempotently.
func stagingDir(dir string) string {
	if dir == "" || strings.HasSuffix(dir, "_staging") {
		return dir
	}
	return filepath.Join(filepath.Dir(dir), filepath.Base(dir)+"_staging")
}

func dedupe(values []string) []string {
	unique := make(map[string]struct{}, len(values))
	cleaned := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := unique[v]; ok {
			continue
		}
		unique[v] = struct{}{}
		cleaned = append(cleaned, v)
	}
	sort.Strings(cleaned)
	return cleaned
}
