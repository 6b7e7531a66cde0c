package fetch

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"golang.org/x/sync/singleflight"
)

// RobotsChecker fetches robots.txt once per host and answers whether a URL
// may be crawled by userAgent. Hosts whose robots.txt cannot be fetched are
// treated as allowing everything.
type RobotsChecker struct {
	client    *http.Client
	userAgent string
	logger    *slog.Logger

	loads singleflight.Group
	mu    sync.Mutex
	hosts map[string]*robotstxt.Group
}

func NewRobotsChecker(client *http.Client, userAgent string, logger *slog.Logger) *RobotsChecker {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &RobotsChecker{
		client:    client,
		userAgent: userAgent,
		logger:    logger.With("component", "robots"),
		hosts:     make(map[string]*robotstxt.Group),
	}
}

func (r *RobotsChecker) Allowed(ctx context.Context, rawURL string) (bool, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false, fmt.Errorf("invalid url %q: %w", rawURL, err)
	}

	group, err := r.group(ctx, u)
	if err != nil {
		return false, err
	}
	if group == nil {
		return true, nil
	}
	return group.Test(u.RequestURI()), nil
}

func (r *RobotsChecker) group(ctx context.Context, u *url.URL) (*robotstxt.Group, error) {
	key := u.Scheme + "://" + u.Host

	for {
		if group, ok := r.cached(key); ok {
			return group, nil
		}

		// Concurrent callers for one origin share a single fetch; other
		// origins are not blocked by it.
		v, err, _ := r.loads.Do(key, func() (interface{}, error) {
			return r.fetchGroup(ctx, key)
		})
		if err == nil {
			return v.(*robotstxt.Group), nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// The shared fetch was aborted by another caller's context.
	}
}

func (r *RobotsChecker) cached(key string) (*robotstxt.Group, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	group, ok := r.hosts[key]
	return group, ok
}

// fetchGroup loads and caches the group for origin key. Only context errors
// are returned; any other failure caches a nil group, which allows all.
func (r *RobotsChecker) fetchGroup(ctx context.Context, key string) (*robotstxt.Group, error) {
	if group, ok := r.cached(key); ok {
		return group, nil
	}

	var group *robotstxt.Group
	data, err := r.load(ctx, key)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		r.logger.Warn("could not load robots.txt, allowing all", "origin", key, "error", err)
	} else {
		group = data.FindGroup(r.userAgent)
	}

	r.mu.Lock()
	r.hosts[key] = group
	r.mu.Unlock()
	return group, nil
}

func (r *RobotsChecker) load(ctx context.Context, origin string) (*robotstxt.RobotsData, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, origin+"/robots.txt", nil)
	if err != nil {
		return nil, err
	}
	if r.userAgent != "" {
		req.Header.Set("User-Agent", r.userAgent)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	return robotstxt.FromResponse(resp)
}
