package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/anovio1/bar-api-scraper/internal/config"
	"github.com/anovio1/bar-api-scraper/internal/scraper"
)

func main() {
	cfgPath := flag.String("config", "", "Path to listener configuration file (optional)")
	fromDate := flag.String("from-date", "", "Start date (YYYY-MM-DD) of the scrape window")
	toDate := flag.String("to-date", "", "End date (YYYY-MM-DD) of the scrape window")
	maps := flag.String("maps", "", "Comma-separated map names to filter by")
	listen := flag.Bool("listen", false, "Run endlessly, ignoring the empty page limit")
	sandbox := flag.Bool("sandbox", false, "Write to _staging sibling folders")
	skipDownload := flag.Bool("skip-download", false, "Fetch metadata only, never download replay files")
	forceMeta := flag.Bool("force-meta", false, "Refresh metadata even for already seen replays")
	flag.Parse()

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	applyOverrides(cfg, overrides{
		fromDate:     *fromDate,
		toDate:       *toDate,
		maps:         *maps,
		listen:       *listen,
		sandbox:      *sandbox,
		skipDownload: *skipDownload,
		forceMeta:    *forceMeta,
	})
	cfg.Normalise()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	engine, err := scraper.NewEngine(*cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise listener: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	err = engine.Run(ctx)
	switch {
	case err == nil:
		// Bounded mode completed normally.
	case errors.Is(err, context.Canceled):
		fmt.Fprintln(os.Stderr, "interrupted, shut down cleanly")
	default:
		fmt.Fprintf(os.Stderr, "listener stopped with error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		cfg := config.Default()
		return &cfg, nil
	}
	return config.Load(path)
}

type overrides struct {
	fromDate     string
	toDate       string
	maps         string
	listen       bool
	sandbox      bool
	skipDownload bool
	forceMeta    bool
}

// applyOverrides layers CLI flags over the file configuration. Boolean flags
// only ever switch features on; the file remains the way to pin them off.
func applyOverrides(cfg *config.Config, o overrides) {
	if o.fromDate != "" {
		cfg.Scrape.FromDate = o.fromDate
	}
	if o.toDate != "" {
		cfg.Scrape.ToDate = o.toDate
	}
	if o.maps != "" {
		cfg.Scrape.Maps = strings.Split(o.maps, ",")
	}
	if o.listen {
		cfg.Scrape.Listen = true
	}
	if o.sandbox {
		cfg.Scrape.Sandbox = true
	}
	if o.skipDownload {
		cfg.Scrape.SkipDownload = true
	}
	if o.forceMeta {
		cfg.Scrape.ForceMeta = true
	}
}
