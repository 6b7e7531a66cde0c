package fetch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/maltedev/pharmacy-scraper/internal/ratelimit"
	"github.com/playwright-community/playwright-go"
)

type BrowserOptions struct {
	Headless       bool
	Timeout        time.Duration
	UserAgent      string
	Locale         string
	TimezoneID     string
	ViewportWidth  int
	ViewportHeight int
	Headers        map[string]string
	// Cookies are set for every domain in CookieDomains.
	Cookies       map[string]string
	CookieDomains []string
	MaxRetries    int
	Limiter       ratelimit.RateLimiter
	Robots        *RobotsChecker
}

func DefaultBrowserOptions() BrowserOptions {
	return BrowserOptions{
		Headless:       true,
		Timeout:        30 * time.Second,
		UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		Locale:         "ru-RU",
		TimezoneID:     "Europe/Moscow",
		ViewportWidth:  1920,
		ViewportHeight: 1080,
		MaxRetries:     3,
	}
}

// BrowserFetcher renders pages in headless Chromium for catalogue pages whose
// listings are filled in by scripts.
type BrowserFetcher struct {
	pw      *playwright.Playwright
	browser playwright.Browser
	context playwright.BrowserContext
	opts    BrowserOptions
	logger  *slog.Logger
}

func NewBrowserFetcher(opts BrowserOptions, logger *slog.Logger) (*BrowserFetcher, error) {
	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("failed to start playwright: %w", err)
	}

	browser, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(opts.Headless),
		Args: []string{
			"--disable-blink-features=AutomationControlled",
			"--disable-dev-shm-usage",
			"--no-sandbox",
		},
	})
	if err != nil {
		pw.Stop()
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	bctx, err := browser.NewContext(playwright.BrowserNewContextOptions{
		UserAgent:         playwright.String(opts.UserAgent),
		AcceptDownloads:   playwright.Bool(false),
		JavaScriptEnabled: playwright.Bool(true),
		Locale:            playwright.String(opts.Locale),
		TimezoneId:        playwright.String(opts.TimezoneID),
		Viewport: &playwright.Size{
			Width:  opts.ViewportWidth,
			Height: opts.ViewportHeight,
		},
		ExtraHttpHeaders: opts.Headers,
	})
	if err != nil {
		browser.Close()
		pw.Stop()
		return nil, fmt.Errorf("failed to create browser context: %w", err)
	}

	if cookies := browserCookies(opts.Cookies, opts.CookieDomains); len(cookies) > 0 {
		if err := bctx.AddCookies(cookies); err != nil {
			bctx.Close()
			browser.Close()
			pw.Stop()
			return nil, fmt.Errorf("failed to set cookies: %w", err)
		}
	}

	return &BrowserFetcher{
		pw:      pw,
		browser: browser,
		context: bctx,
		opts:    opts,
		logger:  logger.With("component", "browser_fetcher"),
	}, nil
}

func (b *BrowserFetcher) Fetch(ctx context.Context, url string) (*Page, error) {
	if b.opts.Robots != nil {
		allowed, err := b.opts.Robots.Allowed(ctx, url)
		if err != nil {
			return nil, err
		}
		if !allowed {
			return nil, fmt.Errorf("%s: %w", url, ErrDisallowed)
		}
	}

	page, err := b.context.NewPage()
	if err != nil {
		return nil, fmt.Errorf("failed to create new page: %w", err)
	}
	defer page.Close()

	page.SetDefaultTimeout(float64(b.opts.Timeout.Milliseconds()))

	status, err := b.navigateWithRetry(ctx, page, url)
	if err != nil {
		return nil, err
	}

	content, err := page.Content()
	if err != nil {
		return nil, fmt.Errorf("failed to get page content: %w", err)
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	return &Page{URL: page.URL(), Status: status, Doc: doc}, nil
}

func (b *BrowserFetcher) navigateWithRetry(ctx context.Context, page playwright.Page, url string) (int, error) {
	var lastErr error
	attempts := max(b.opts.MaxRetries, 0) + 1

	for i := 0; i < attempts; i++ {
		if i > 0 {
			b.logger.Info("retrying navigation", "attempt", i+1, "url", url)
			if err := sleepCtx(ctx, time.Duration(i)*time.Second); err != nil {
				return 0, err
			}
		}
		if b.opts.Limiter != nil {
			if err := b.opts.Limiter.Wait(ctx); err != nil {
				return 0, err
			}
		}

		resp, err := page.Goto(url, playwright.PageGotoOptions{
			WaitUntil: playwright.WaitUntilStateDomcontentloaded,
			Timeout:   playwright.Float(float64(b.opts.Timeout.Milliseconds())),
		})
		if err != nil {
			lastErr = err
			b.logger.Error("navigation failed", "error", err, "attempt", i+1)
			continue
		}

		status := 200
		if resp != nil {
			status = resp.Status()
		}
		if status >= 200 && status <= 299 {
			return status, nil
		}

		lastErr = &StatusError{URL: url, Code: status}
		if !Retryable(lastErr) {
			return 0, lastErr
		}
	}

	return 0, fmt.Errorf("failed after %d attempts: %w", attempts, lastErr)
}

func (b *BrowserFetcher) Close() error {
	var errs []error

	if b.context != nil {
		if err := b.context.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close context: %w", err))
		}
	}
	if b.browser != nil {
		if err := b.browser.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close browser: %w", err))
		}
	}
	if b.pw != nil {
		if err := b.pw.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop playwright: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors during close: %v", errs)
	}
	return nil
}

func browserCookies(cookies map[string]string, domains []string) []playwright.OptionalCookie {
	out := make([]playwright.OptionalCookie, 0, len(cookies)*len(domains))
	for _, domain := range domains {
		for _, name := range sortedKeys(cookies) {
			out = append(out, playwright.OptionalCookie{
				Name:   name,
				Value:  cookies[name],
				Domain: playwright.String(domain),
				Path:   playwright.String("/"),
			})
		}
	}
	return out
}
