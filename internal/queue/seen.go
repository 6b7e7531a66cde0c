package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// SeenSet records URLs already scheduled. Add reports whether url was new.
type SeenSet interface {
	Add(ctx context.Context, url string) (bool, error)
}

type MemorySeenSet struct {
	mu   sync.Mutex
	urls map[string]struct{}
}

func NewMemorySeenSet() *MemorySeenSet {
	return &MemorySeenSet{urls: make(map[string]struct{})}
}

func (s *MemorySeenSet) Add(_ context.Context, url string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.urls[url]; ok {
		return false, nil
	}
	s.urls[url] = struct{}{}
	return true, nil
}

func (s *MemorySeenSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.urls)
}

// RedisClient is the subset of the redis client used by RedisSeenSet.
type RedisClient interface {
	SAdd(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
}

// RedisSeenSet shares the visited set between crawler processes. The key is
// scoped to one crawl run and expires ttl after the last insertion.
type RedisSeenSet struct {
	client RedisClient
	key    string
	ttl    time.Duration
	logger *slog.Logger
}

func NewRedisSeenSet(client RedisClient, runID string, ttl time.Duration, logger *slog.Logger) *RedisSeenSet {
	return &RedisSeenSet{
		client: client,
		key:    "crawl:" + runID + ":seen",
		ttl:    ttl,
		logger: logger.With("component", "seen_set"),
	}
}

func (s *RedisSeenSet) Key() string {
	return s.key
}

func (s *RedisSeenSet) Add(ctx context.Context, url string) (bool, error) {
	added, err := s.client.SAdd(ctx, s.key, url).Result()
	if err != nil {
		return false, fmt.Errorf("failed to add %s to seen set: %w", url, err)
	}

	if added == 0 {
		return false, nil
	}

	// The url is already recorded; a missed expiry only delays cleanup.
	if s.ttl > 0 {
		if err := s.client.Expire(ctx, s.key, s.ttl).Err(); err != nil {
			s.logger.Warn("failed to set seen set expiry", "key", s.key, "error", err)
		}
	}
	return true, nil
}
