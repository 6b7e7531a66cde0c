// Package app wires configuration into the components shared by the
// one-shot crawler and the API server.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/maltedev/pharmacy-scraper/internal/config"
	"github.com/maltedev/pharmacy-scraper/internal/database"
	"github.com/maltedev/pharmacy-scraper/internal/fetch"
	"github.com/maltedev/pharmacy-scraper/internal/queue"
	"github.com/maltedev/pharmacy-scraper/internal/ratelimit"
	"github.com/redis/go-redis/v9"
)

// SeenTTL bounds how long a run's shared seen set outlives its last insert.
const SeenTTL = 24 * time.Hour

// NewFetcher builds the fetcher selected by CRAWLER_FETCH_MODE. The returned
// close func releases browser resources and is never nil.
func NewFetcher(cfg *config.Config, rules config.Rules, logger *slog.Logger) (fetch.Fetcher, func() error, error) {
	c := cfg.Crawler
	limiter := ratelimit.New(c.RequestsPerSec, c.Burst, c.RateLimitMin, c.RateLimitMax)

	var robots *fetch.RobotsChecker
	if c.RespectRobots {
		robots = fetch.NewRobotsChecker(&http.Client{Timeout: c.RequestTimeout}, c.UserAgent, logger)
	}

	switch c.FetchMode {
	case config.FetchModeBrowser:
		opts := fetch.DefaultBrowserOptions()
		opts.Headless = cfg.Browser.Headless
		opts.Timeout = cfg.Browser.Timeout
		opts.Locale = cfg.Browser.Locale
		opts.UserAgent = c.UserAgent
		opts.Headers = c.Headers
		opts.Cookies = c.Cookies
		opts.CookieDomains = rules.AllowedDomains
		opts.MaxRetries = c.MaxRetries
		opts.Limiter = limiter
		opts.Robots = robots

		b, err := fetch.NewBrowserFetcher(opts, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize browser: %w", err)
		}
		return b, b.Close, nil

	default:
		f := fetch.NewHTTPFetcher(&http.Client{}, fetch.HTTPOptions{
			UserAgent:  c.UserAgent,
			Cookies:    c.Cookies,
			Headers:    c.Headers,
			Timeout:    c.RequestTimeout,
			MaxRetries: c.MaxRetries,
			RetryDelay: c.RetryDelay,
			Limiter:    limiter,
			Robots:     robots,
		}, logger)
		return f, func() error { return nil }, nil
	}
}

// OpenDatabase connects to Postgres and applies the schema.
func OpenDatabase(ctx context.Context, cfg config.DatabaseConfig) (*database.DB, error) {
	db, err := database.New(ctx, database.Config{
		Host:     cfg.Host,
		Port:     cfg.Port,
		User:     cfg.User,
		Password: cfg.Password,
		Database: cfg.DBName,
		MaxConns: cfg.MaxConns,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return db, nil
}

func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return client, nil
}

// NewSeenSet returns the run's visited set: shared in Redis when configured,
// process-local otherwise.
func NewSeenSet(cfg config.CrawlerConfig, client *redis.Client, runID string, logger *slog.Logger) queue.SeenSet {
	if cfg.SeenStore == config.SeenStoreRedis && client != nil {
		return queue.NewRedisSeenSet(client, runID, SeenTTL, logger)
	}
	return queue.NewMemorySeenSet()
}
