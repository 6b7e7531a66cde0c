package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Crawler  CrawlerConfig
	Browser  BrowserConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Server   ServerConfig
	Metrics  MetricsConfig
	Output   OutputConfig
	Logging  LoggingConfig
}

type CrawlerConfig struct {
	RulesFile      string
	StartURLs      []string
	Workers        int
	MaxPages       int
	MaxRetries     int
	RetryDelay     time.Duration
	RequestTimeout time.Duration
	RateLimitMin   time.Duration
	RateLimitMax   time.Duration
	RequestsPerSec float64
	Burst          int
	UserAgent      string
	Cookies        map[string]string
	Headers        map[string]string
	FetchMode      string
	RespectRobots  bool
	SeenStore      string
}

type BrowserConfig struct {
	Headless bool
	Timeout  time.Duration
	Locale   string
}

type DatabaseConfig struct {
	Enabled  bool
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	MaxConns int32
}

type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
	Stream   string
}

type ServerConfig struct {
	Port            string
	Host            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
}

// MetricsConfig controls the Prometheus endpoint of the one-shot crawler.
// The API server always mounts /metrics on its own listener.
type MetricsConfig struct {
	Enabled bool
	Addr    string
}

type OutputConfig struct {
	FeedFile string
}

type LoggingConfig struct {
	Level  string
	Format string
}

const (
	FetchModeHTTP    = "http"
	FetchModeBrowser = "browser"

	SeenStoreMemory = "memory"
	SeenStoreRedis  = "redis"
)

func Load() (*Config, error) {
	// A missing .env is fine; real deployments use the environment.
	_ = godotenv.Load()

	cfg := &Config{
		Crawler: CrawlerConfig{
			RulesFile:      getEnvOrDefault("CRAWLER_RULES_FILE", ""),
			StartURLs:      getStringSliceOrDefault("CRAWLER_START_URLS", nil),
			Workers:        getIntOrDefault("CRAWLER_WORKERS", 4),
			MaxPages:       getIntOrDefault("CRAWLER_MAX_PAGES", 0),
			MaxRetries:     getIntOrDefault("CRAWLER_MAX_RETRIES", 3),
			RetryDelay:     getDurationOrDefault("CRAWLER_RETRY_DELAY", 2*time.Second),
			RequestTimeout: getDurationOrDefault("CRAWLER_REQUEST_TIMEOUT", 30*time.Second),
			RateLimitMin:   getDurationOrDefault("CRAWLER_RATE_LIMIT_MIN", 500*time.Millisecond),
			RateLimitMax:   getDurationOrDefault("CRAWLER_RATE_LIMIT_MAX", 2*time.Second),
			RequestsPerSec: getFloatOrDefault("CRAWLER_REQUESTS_PER_SEC", 0),
			Burst:          getIntOrDefault("CRAWLER_BURST", 1),
			UserAgent:      getEnvOrDefault("CRAWLER_USER_AGENT", defaultUserAgent),
			Cookies:        getPairsOrDefault("CRAWLER_COOKIES", map[string]string{}),
			Headers:        getPairsOrDefault("CRAWLER_HEADERS", defaultHeaders()),
			FetchMode:      getEnvOrDefault("CRAWLER_FETCH_MODE", FetchModeHTTP),
			RespectRobots:  getBoolOrDefault("CRAWLER_RESPECT_ROBOTS", false),
			SeenStore:      getEnvOrDefault("CRAWLER_SEEN_STORE", SeenStoreMemory),
		},
		Browser: BrowserConfig{
			Headless: getBoolOrDefault("BROWSER_HEADLESS", true),
			Timeout:  getDurationOrDefault("BROWSER_TIMEOUT", 30*time.Second),
			Locale:   getEnvOrDefault("BROWSER_LOCALE", "ru-RU"),
		},
		Database: DatabaseConfig{
			Enabled:  getBoolOrDefault("DB_ENABLED", false),
			Host:     getEnvOrDefault("DB_HOST", "localhost"),
			Port:     getIntOrDefault("DB_PORT", 5432),
			User:     getEnvOrDefault("DB_USER", "postgres"),
			Password: getEnvOrDefault("DB_PASSWORD", ""),
			DBName:   getEnvOrDefault("DB_NAME", "pharmacy"),
			MaxConns: int32(getIntOrDefault("DB_MAX_CONNS", 10)),
		},
		Redis: RedisConfig{
			Enabled:  getBoolOrDefault("REDIS_ENABLED", false),
			Addr:     getEnvOrDefault("REDIS_ADDR", "localhost:6379"),
			Password: getEnvOrDefault("REDIS_PASSWORD", ""),
			DB:       getIntOrDefault("REDIS_DB", 0),
			Stream:   getEnvOrDefault("REDIS_STREAM", "stream:pharmacy_products"),
		},
		Server: ServerConfig{
			Port:            getEnvOrDefault("SERVER_PORT", "8080"),
			Host:            getEnvOrDefault("SERVER_HOST", "0.0.0.0"),
			ReadTimeout:     getDurationOrDefault("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getDurationOrDefault("SERVER_WRITE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getDurationOrDefault("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
			AllowedOrigins:  getStringSliceOrDefault("SERVER_ALLOWED_ORIGINS", []string{"http://localhost:*"}),
		},
		Metrics: MetricsConfig{
			Enabled: getBoolOrDefault("METRICS_ENABLED", false),
			Addr:    getEnvOrDefault("METRICS_ADDR", ":9090"),
		},
		Output: OutputConfig{
			FeedFile: getEnvOrDefault("OUTPUT_FEED_FILE", "products.json"),
		},
		Logging: LoggingConfig{
			Level:  getEnvOrDefault("LOG_LEVEL", "info"),
			Format: getEnvOrDefault("LOG_FORMAT", "json"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Crawler.Workers < 1 {
		return fmt.Errorf("CRAWLER_WORKERS must be at least 1")
	}

	if c.Crawler.MaxPages < 0 {
		return fmt.Errorf("CRAWLER_MAX_PAGES cannot be negative")
	}

	if c.Crawler.RateLimitMin > c.Crawler.RateLimitMax {
		return fmt.Errorf("CRAWLER_RATE_LIMIT_MIN cannot be greater than CRAWLER_RATE_LIMIT_MAX")
	}

	switch c.Crawler.FetchMode {
	case FetchModeHTTP, FetchModeBrowser:
	default:
		return fmt.Errorf("unknown CRAWLER_FETCH_MODE: %q", c.Crawler.FetchMode)
	}

	switch c.Crawler.SeenStore {
	case SeenStoreMemory:
	case SeenStoreRedis:
		if !c.Redis.Enabled {
			return fmt.Errorf("CRAWLER_SEEN_STORE=redis requires REDIS_ENABLED")
		}
	default:
		return fmt.Errorf("unknown CRAWLER_SEEN_STORE: %q", c.Crawler.SeenStore)
	}

	if c.Database.Enabled && c.Database.DBName == "" {
		return fmt.Errorf("database name is required")
	}

	return nil
}

// DSN builds the postgres connection string for pgxpool.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.DBName)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getStringSliceOrDefault(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return defaultValue
}

// getPairsOrDefault parses "k1=v1;k2=v2".
func getPairsOrDefault(key string, defaultValue map[string]string) map[string]string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	pairs := make(map[string]string)
	for _, part := range strings.Split(value, ";") {
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		if k = strings.TrimSpace(k); k != "" {
			pairs[k] = strings.TrimSpace(v)
		}
	}
	return pairs
}

const defaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

func defaultHeaders() map[string]string {
	return map[string]string{
		"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8",
		"Accept-Language": "ru-RU,ru;q=0.9,en;q=0.8",
	}
}
