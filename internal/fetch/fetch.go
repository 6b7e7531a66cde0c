package fetch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/PuerkitoBio/goquery"
)

var (
	ErrDisallowed = errors.New("disallowed by robots.txt")
	ErrStatus     = errors.New("unexpected status")
)

// Page is a fetched and parsed HTML document. URL is the final address after
// redirects, which is what relative links and product ids resolve against.
type Page struct {
	URL    string
	Status int
	Doc    *goquery.Document
}

type Fetcher interface {
	Fetch(ctx context.Context, url string) (*Page, error)
}

// StatusError is returned for non-2xx responses. It matches ErrStatus.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: %v %d", e.URL, ErrStatus, e.Code)
}

func (e *StatusError) Is(target error) bool {
	return target == ErrStatus
}

// Retryable reports whether a failed fetch is worth another attempt: server
// errors, throttling and timeouts.
func Retryable(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code == http.StatusTooManyRequests || statusErr.Code >= 500
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
