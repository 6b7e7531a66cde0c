package fetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/maltedev/pharmacy-scraper/internal/ratelimit"
	"golang.org/x/net/html/charset"
)

type HTTPOptions struct {
	UserAgent  string
	Cookies    map[string]string
	Headers    map[string]string
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
	Limiter    ratelimit.RateLimiter
	Robots     *RobotsChecker
}

// HTTPFetcher downloads pages over plain HTTP with the session cookies the
// catalogue expects (city and pharmacy selection).
type HTTPFetcher struct {
	client *http.Client
	opts   HTTPOptions
	logger *slog.Logger
}

func NewHTTPFetcher(client *http.Client, opts HTTPOptions, logger *slog.Logger) *HTTPFetcher {
	if client == nil {
		client = &http.Client{}
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	return &HTTPFetcher{
		client: client,
		opts:   opts,
		logger: logger.With("component", "http_fetcher"),
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (*Page, error) {
	if f.opts.Robots != nil {
		allowed, err := f.opts.Robots.Allowed(ctx, url)
		if err != nil {
			return nil, err
		}
		if !allowed {
			return nil, fmt.Errorf("%s: %w", url, ErrDisallowed)
		}
	}

	var lastErr error
	attempts := f.opts.MaxRetries + 1

	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			f.logger.Info("retrying fetch", "url", url, "attempt", attempt, "error", lastErr)
			if err := sleepCtx(ctx, time.Duration(attempt-1)*f.opts.RetryDelay); err != nil {
				return nil, err
			}
		}

		if f.opts.Limiter != nil {
			if err := f.opts.Limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		page, err := f.do(ctx, url)
		if err == nil {
			f.feedback(true)
			return page, nil
		}

		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !Retryable(err) {
			return nil, err
		}
		f.feedback(false)
	}

	return nil, fmt.Errorf("failed after %d attempts: %w", attempts, lastErr)
}

func (f *HTTPFetcher) do(ctx context.Context, url string) (*Page, error) {
	if f.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.opts.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	f.decorate(req)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &StatusError{URL: url, Code: resp.StatusCode}
	}

	reader, err := charset.NewReader(resp.Body, resp.Header.Get("Content-Type"))
	if err != nil {
		return nil, fmt.Errorf("failed to create reader with correct encoding: %w", err)
	}

	doc, err := goquery.NewDocumentFromReader(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	return &Page{
		URL:    resp.Request.URL.String(),
		Status: resp.StatusCode,
		Doc:    doc,
	}, nil
}

func (f *HTTPFetcher) decorate(req *http.Request) {
	for _, name := range sortedKeys(f.opts.Headers) {
		req.Header.Set(name, f.opts.Headers[name])
	}
	if f.opts.UserAgent != "" {
		req.Header.Set("User-Agent", f.opts.UserAgent)
	}
	for _, name := range sortedKeys(f.opts.Cookies) {
		req.AddCookie(&http.Cookie{Name: name, Value: f.opts.Cookies[name]})
	}
}

func (f *HTTPFetcher) feedback(ok bool) {
	fb, isAdaptive := f.opts.Limiter.(ratelimit.Feedback)
	if !isAdaptive {
		return
	}
	if ok {
		fb.RecordSuccess()
	} else {
		fb.RecordError()
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
