package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/maltedev/pharmacy-scraper/internal/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/charmap"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHTTPFetcherSendsSessionData(t *testing.T) {
	requests := make(chan *http.Request, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests <- r.Clone(context.Background())
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, `<html><body><h1>Каталог</h1></body></html>`)
	}))
	defer srv.Close()

	f := NewHTTPFetcher(srv.Client(), HTTPOptions{
		UserAgent: "pharmacy-scraper/1.0",
		Cookies:   map[string]string{"city": "92", "pharmacy": "1001"},
		Headers:   map[string]string{"Accept-Language": "ru-RU"},
	}, testLogger())

	page, err := f.Fetch(context.Background(), srv.URL+"/catalog")
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, page.Status)
	assert.Equal(t, srv.URL+"/catalog", page.URL)
	assert.Equal(t, "Каталог", page.Doc.Find("h1").Text())

	got := <-requests
	assert.Equal(t, "pharmacy-scraper/1.0", got.UserAgent())
	assert.Equal(t, "ru-RU", got.Header.Get("Accept-Language"))
	city, err := got.Cookie("city")
	require.NoError(t, err)
	assert.Equal(t, "92", city.Value)
	pharmacy, err := got.Cookie("pharmacy")
	require.NoError(t, err)
	assert.Equal(t, "1001", pharmacy.Value)
}

func TestHTTPFetcherDecodesLegacyCharset(t *testing.T) {
	body, err := charmap.Windows1251.NewEncoder().String(`<html><body><p>Витамины</p></body></html>`)
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=windows-1251")
		io.WriteString(w, body)
	}))
	defer srv.Close()

	page, err := NewHTTPFetcher(srv.Client(), HTTPOptions{}, testLogger()).Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "Витамины", page.Doc.Find("p").Text())
}

func TestHTTPFetcherFollowsRedirects(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/old_1", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/new_1", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/new_1", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html></html>`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	page, err := NewHTTPFetcher(srv.Client(), HTTPOptions{}, testLogger()).Fetch(context.Background(), srv.URL+"/old_1")
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/new_1", page.URL)
}

func TestHTTPFetcherRetriesTransientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch calls.Add(1) {
		case 1:
			w.WriteHeader(http.StatusServiceUnavailable)
		case 2:
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			fmt.Fprint(w, `<html><body>ok</body></html>`)
		}
	}))
	defer srv.Close()

	limiter := ratelimit.NewAdaptiveRateLimiter(0, 0)
	f := NewHTTPFetcher(srv.Client(), HTTPOptions{
		MaxRetries: 3,
		RetryDelay: time.Millisecond,
		Limiter:    limiter,
	}, testLogger())

	page, err := f.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "ok", page.Doc.Find("body").Text())
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPFetcherGivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	f := NewHTTPFetcher(srv.Client(), HTTPOptions{MaxRetries: 2, RetryDelay: time.Millisecond}, testLogger())

	_, err := f.Fetch(context.Background(), srv.URL)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStatus)

	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusBadGateway, statusErr.Code)
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPFetcherDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	f := NewHTTPFetcher(srv.Client(), HTTPOptions{MaxRetries: 3, RetryDelay: time.Millisecond}, testLogger())

	_, err := f.Fetch(context.Background(), srv.URL)
	assert.ErrorIs(t, err, ErrStatus)
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPFetcherRequestTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	f := NewHTTPFetcher(srv.Client(), HTTPOptions{Timeout: 20 * time.Millisecond}, testLogger())

	_, err := f.Fetch(context.Background(), srv.URL)
	require.Error(t, err)
	assert.True(t, Retryable(err))
}

func TestHTTPFetcherRespectsRobots(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "User-agent: *\nDisallow: /cart\n")
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html></html>`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	robots := NewRobotsChecker(srv.Client(), "pharmacy-scraper", testLogger())
	f := NewHTTPFetcher(srv.Client(), HTTPOptions{Robots: robots}, testLogger())

	_, err := f.Fetch(context.Background(), srv.URL+"/cart/checkout")
	assert.ErrorIs(t, err, ErrDisallowed)

	_, err = f.Fetch(context.Background(), srv.URL+"/catalog/x_1")
	assert.NoError(t, err)
}

func TestRobotsCheckerCachesPerHost(t *testing.T) {
	var robotsCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			robotsCalls.Add(1)
			fmt.Fprint(w, "User-agent: *\nDisallow: /private\n")
		}
	}))
	defer srv.Close()

	robots := NewRobotsChecker(srv.Client(), "pharmacy-scraper", testLogger())
	ctx := context.Background()

	allowed, err := robots.Allowed(ctx, srv.URL+"/catalog")
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, err = robots.Allowed(ctx, srv.URL+"/private/area")
	require.NoError(t, err)
	assert.False(t, allowed)

	assert.Equal(t, int32(1), robotsCalls.Load())
}

func TestRobotsCheckerSlowHostDoesNotBlockOthers(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
		fmt.Fprint(w, "User-agent: *\nDisallow: /private\n")
	}))
	defer slow.Close()
	defer close(release)

	fast := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "User-agent: *\nDisallow: /cart\n")
	}))
	defer fast.Close()

	robots := NewRobotsChecker(nil, "pharmacy-scraper", testLogger())

	go func() {
		_, _ = robots.Allowed(context.Background(), slow.URL+"/catalog")
	}()
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	allowed, err := robots.Allowed(ctx, fast.URL+"/cart")
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestRobotsCheckerSharesConcurrentLoads(t *testing.T) {
	var robotsCalls atomic.Int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		robotsCalls.Add(1)
		<-release
		fmt.Fprint(w, "User-agent: *\nDisallow: /private\n")
	}))
	defer srv.Close()

	robots := NewRobotsChecker(srv.Client(), "pharmacy-scraper", testLogger())

	results := make(chan bool, 8)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			allowed, err := robots.Allowed(context.Background(), srv.URL+"/private/x")
			assert.NoError(t, err)
			results <- allowed
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(results)

	for allowed := range results {
		assert.False(t, allowed)
	}
	assert.Equal(t, int32(1), robotsCalls.Load())
}

func TestRobotsCheckerDoesNotCacheCancelledLoad(t *testing.T) {
	var robotsCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		robotsCalls.Add(1)
		fmt.Fprint(w, "User-agent: *\nDisallow: /private\n")
	}))
	defer srv.Close()

	robots := NewRobotsChecker(srv.Client(), "pharmacy-scraper", testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := robots.Allowed(ctx, srv.URL+"/private/x")
	assert.ErrorIs(t, err, context.Canceled)

	allowed, err := robots.Allowed(context.Background(), srv.URL+"/private/x")
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Equal(t, int32(1), robotsCalls.Load())
}

func TestRobotsCheckerAllowsWhenMissing(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	allowed, err := NewRobotsChecker(srv.Client(), "", testLogger()).Allowed(context.Background(), srv.URL+"/anything")
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestRobotsCheckerAllowsWhenUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	allowed, err := NewRobotsChecker(nil, "", testLogger()).Allowed(context.Background(), addr+"/catalog")
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"server error", &StatusError{Code: 500}, true},
		{"bad gateway", &StatusError{Code: 502}, true},
		{"throttled", &StatusError{Code: 429}, true},
		{"not found", &StatusError{Code: 404}, false},
		{"forbidden", &StatusError{Code: 403}, false},
		{"deadline", fmt.Errorf("wrapped: %w", context.DeadlineExceeded), true},
		{"cancelled", context.Canceled, false},
		{"other", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Retryable(tt.err))
		})
	}
}

func TestBrowserCookies(t *testing.T) {
	cookies := browserCookies(
		map[string]string{"pharmacy": "1001", "city": "92"},
		[]string{"apteka-ot-sklada.ru"},
	)

	require.Len(t, cookies, 2)
	assert.Equal(t, "city", cookies[0].Name)
	assert.Equal(t, "92", cookies[0].Value)
	assert.Equal(t, "apteka-ot-sklada.ru", *cookies[0].Domain)
	assert.Equal(t, "/", *cookies[0].Path)
	assert.Equal(t, "pharmacy", cookies[1].Name)

	assert.Empty(t, browserCookies(map[string]string{"a": "b"}, nil))
}
