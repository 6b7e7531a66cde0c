package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/maltedev/pharmacy-scraper/internal/app"
	"github.com/maltedev/pharmacy-scraper/internal/config"
	"github.com/maltedev/pharmacy-scraper/internal/crawler"
	"github.com/maltedev/pharmacy-scraper/internal/events"
	"github.com/maltedev/pharmacy-scraper/internal/logger"
	"github.com/maltedev/pharmacy-scraper/internal/observability"
	"github.com/maltedev/pharmacy-scraper/internal/parser"
	"github.com/maltedev/pharmacy-scraper/internal/storage"
	"github.com/redis/go-redis/v9"
)

func main() {
	var (
		rulesFile  = flag.String("rules", "", "Rules file (YAML/JSON); overrides CRAWLER_RULES_FILE")
		startURLs  = flag.String("urls", "", "Comma-separated listing URLs; overrides the configured seeds")
		output     = flag.String("output", "", "Feed file; overrides OUTPUT_FEED_FILE")
		maxPages   = flag.Int("pages", -1, "Maximum listing pages (0 = unlimited, -1 = from config)")
		workers    = flag.Int("workers", 0, "Concurrent workers (0 = from config)")
		flushEvery = flag.Int("flush-every", 50, "Save the feed file every N records")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if *rulesFile != "" {
		cfg.Crawler.RulesFile = *rulesFile
	}
	if *startURLs != "" {
		cfg.Crawler.StartURLs = strings.Split(*startURLs, ",")
	}
	if *output != "" {
		cfg.Output.FeedFile = *output
	}
	if *maxPages >= 0 {
		cfg.Crawler.MaxPages = *maxPages
	}
	if *workers > 0 {
		cfg.Crawler.Workers = *workers
	}

	logger := logger.New(cfg.Logging.Level, cfg.Logging.Format)

	rules, err := config.LoadRules(cfg.Crawler.RulesFile)
	if err != nil {
		logger.Error("Failed to load rules", "error", err)
		os.Exit(1)
	}
	rules = rules.WithStartURLs(cfg.Crawler.StartURLs)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("Shutdown signal received")
		cancel()
	}()

	if err := run(ctx, cfg, rules, *flushEvery, logger); err != nil {
		logger.Error("Crawl failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, rules config.Rules, flushEvery int, logger *slog.Logger) error {
	feed, err := storage.NewFeedStore(cfg.Output.FeedFile, flushEvery)
	if err != nil {
		return err
	}
	defer func() {
		if err := feed.Flush(); err != nil {
			logger.Error("Failed to save feed", "error", err)
		}
	}()

	fetcher, closeFetcher, err := app.NewFetcher(cfg, rules, logger)
	if err != nil {
		return err
	}
	defer closeFetcher()

	sinks := crawler.MultiSink{feed}

	if cfg.Database.Enabled {
		db, err := app.OpenDatabase(ctx, cfg.Database)
		if err != nil {
			return err
		}
		defer db.Close()

		sinks = append(sinks, events.NewPublisher(db, cfg.Redis.Stream, logger))
	}

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient, err = app.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer redisClient.Close()
	}

	var metrics *observability.Metrics
	if cfg.Metrics.Enabled {
		metrics = observability.NewMetrics()
		srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: metrics.Handler()}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server failed", "error", err)
			}
		}()
		defer srv.Close()
		logger.Info("Serving metrics", "addr", cfg.Metrics.Addr)
	}

	runID := uuid.New().String()
	c := crawler.New(
		fetcher,
		parser.NewLinkClassifier(rules),
		parser.NewPharmacyExtractor(rules),
		sinks,
		crawler.Options{
			StartURLs: rules.StartURLs,
			Workers:   cfg.Crawler.Workers,
			MaxPages:  cfg.Crawler.MaxPages,
			Seen:      app.NewSeenSet(cfg.Crawler, redisClient, runID, logger),
			Metrics:   metrics,
		},
		logger.With("run_id", runID),
	)

	stats, err := c.Run(ctx)
	logger.Info("Crawl summary",
		"run_id", runID,
		"records", stats.Records,
		"extraction_errors", stats.ExtractionErrors,
		"fetch_errors", stats.FetchErrors,
		"feed_size", feed.Len(),
		"feed_file", cfg.Output.FeedFile)

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
