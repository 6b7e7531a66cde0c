package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/maltedev/pharmacy-scraper/internal/api"
	"github.com/maltedev/pharmacy-scraper/internal/app"
	"github.com/maltedev/pharmacy-scraper/internal/config"
	"github.com/maltedev/pharmacy-scraper/internal/crawler"
	"github.com/maltedev/pharmacy-scraper/internal/database"
	"github.com/maltedev/pharmacy-scraper/internal/events"
	"github.com/maltedev/pharmacy-scraper/internal/logger"
	"github.com/maltedev/pharmacy-scraper/internal/observability"
	"github.com/maltedev/pharmacy-scraper/internal/parser"
	"github.com/maltedev/pharmacy-scraper/internal/storage"
	"github.com/redis/go-redis/v9"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := logger.New(cfg.Logging.Level, cfg.Logging.Format)

	rules, err := config.LoadRules(cfg.Crawler.RulesFile)
	if err != nil {
		logger.Error("failed to load rules", "error", err)
		os.Exit(1)
	}
	rules = rules.WithStartURLs(cfg.Crawler.StartURLs)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fetcher, closeFetcher, err := app.NewFetcher(cfg, rules, logger)
	if err != nil {
		logger.Error("failed to initialize fetcher", "error", err)
		os.Exit(1)
	}
	defer closeFetcher()

	feed, err := storage.NewFeedStore(cfg.Output.FeedFile, 50)
	if err != nil {
		logger.Error("failed to initialize feed store", "error", err)
		os.Exit(1)
	}
	defer feed.Flush()

	sinks := crawler.MultiSink{feed}

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient, err = app.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			logger.Error("failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		defer redisClient.Close()
	}

	var outboxStatus api.OutboxStatus
	if cfg.Database.Enabled {
		db, err := app.OpenDatabase(ctx, cfg.Database)
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer db.Close()

		sinks = append(sinks, events.NewPublisher(db, cfg.Redis.Stream, logger))

		if redisClient != nil {
			relay := database.NewRelay(database.NewOutboxRepository(db), redisClient, logger, database.RelayConfig{
				BatchSize: 100,
				MaxLen:    100000,
			})
			go func() {
				if err := relay.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
					logger.Error("relay stopped with error", "error", err)
				}
			}()
			outboxStatus = relay
		} else {
			logger.Warn("database enabled without Redis; outbox events will not be relayed")
		}
	}

	metrics := observability.NewMetrics()
	extractor := parser.NewPharmacyExtractor(rules)
	classifier := parser.NewLinkClassifier(rules)

	runs := crawler.NewManager(func(runID string, startURLs []string, maxPages int) (*crawler.Crawler, error) {
		return crawler.New(fetcher, classifier, extractor, sinks, crawler.Options{
			StartURLs: startURLs,
			Workers:   cfg.Crawler.Workers,
			MaxPages:  maxPages,
			Seen:      app.NewSeenSet(cfg.Crawler, redisClient, runID, logger),
			Metrics:   metrics,
		}, logger.With("run_id", runID)), nil
	}, logger)

	handlers := api.NewHandlers(api.Options{
		Fetcher:      fetcher,
		Extractor:    extractor,
		Runs:         runs,
		Outbox:       outboxStatus,
		Metrics:      metrics,
		DefaultSeeds: rules.StartURLs,
	}, logger)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:      api.NewRouter(handlers, cfg.Server.AllowedOrigins),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.WriteTimeout,
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down server...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown failed", "error", err)
		}
		if err := runs.Shutdown(shutdownCtx); err != nil {
			logger.Error("crawl runs did not stop in time", "error", err)
		}
		cancel()
	}()

	logger.Info("server starting", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}

	<-ctx.Done()
	logger.Info("server stopped")
}
