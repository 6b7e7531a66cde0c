package crawler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/maltedev/pharmacy-scraper/internal/fetch"
	"github.com/maltedev/pharmacy-scraper/internal/models"
	"github.com/maltedev/pharmacy-scraper/internal/observability"
	"github.com/maltedev/pharmacy-scraper/internal/parser"
	"github.com/maltedev/pharmacy-scraper/internal/queue"
	"golang.org/x/sync/errgroup"
)

// Sink receives every extracted record.
type Sink interface {
	Write(ctx context.Context, record *models.ProductRecord) error
}

// MultiSink writes to every sink and joins their errors.
type MultiSink []Sink

func (m MultiSink) Write(ctx context.Context, record *models.ProductRecord) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, record); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type Options struct {
	StartURLs []string
	Workers   int
	// MaxPages caps the listing pages fetched per run; 0 means no cap.
	MaxPages int
	Seen     queue.SeenSet
	Metrics  *observability.Metrics
}

type Stats struct {
	ListingPages     int64      `json:"listing_pages"`
	ProductPages     int64      `json:"product_pages"`
	Records          int64      `json:"records"`
	ExtractionErrors int64      `json:"extraction_errors"`
	FetchErrors      int64      `json:"fetch_errors"`
	SinkErrors       int64      `json:"sink_errors"`
	ProductLinks     int64      `json:"product_links"`
	PaginationLinks  int64      `json:"pagination_links"`
	StartedAt        time.Time  `json:"started_at"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
}

type counters struct {
	listingPages     atomic.Int64
	productPages     atomic.Int64
	records          atomic.Int64
	extractionErrors atomic.Int64
	fetchErrors      atomic.Int64
	sinkErrors       atomic.Int64
	productLinks     atomic.Int64
	paginationLinks  atomic.Int64
	// listingsScheduled counts pagination tasks pushed, seeds included.
	listingsScheduled atomic.Int64
}

// Crawler walks listing pages breadth-first, following pagination and
// extracting every product page it discovers.
type Crawler struct {
	fetcher    fetch.Fetcher
	classifier parser.Classifier
	extractor  parser.Parser
	sink       Sink
	seen       queue.SeenSet
	metrics    *observability.Metrics
	opts       Options
	logger     *slog.Logger

	counters  counters
	startedAt atomic.Pointer[time.Time]
	finished  atomic.Pointer[time.Time]
}

func New(fetcher fetch.Fetcher, classifier parser.Classifier, extractor parser.Parser, sink Sink, opts Options, logger *slog.Logger) *Crawler {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	seen := opts.Seen
	if seen == nil {
		seen = queue.NewMemorySeenSet()
	}

	return &Crawler{
		fetcher:    fetcher,
		classifier: classifier,
		extractor:  extractor,
		sink:       sink,
		seen:       seen,
		metrics:    opts.Metrics,
		opts:       opts,
		logger:     logger.With("component", "crawler"),
	}
}

// Run crawls until no work is left or ctx is cancelled. Page-level failures
// are counted and logged; only cancellation ends a run early.
func (c *Crawler) Run(ctx context.Context) (*Stats, error) {
	started := time.Now()
	c.startedAt.Store(&started)

	frontier := queue.NewFrontier()

	seeds := 0
	for _, u := range c.opts.StartURLs {
		pushed, err := c.schedule(ctx, frontier, u, queue.KindPagination, 0)
		if err != nil {
			c.markFinished()
			return c.Stats(), err
		}
		if pushed {
			seeds++
		}
	}

	c.logger.Info("crawl started", "seeds", seeds, "workers", c.opts.Workers, "max_pages", c.opts.MaxPages)
	if seeds == 0 {
		c.markFinished()
		return c.Stats(), nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < c.opts.Workers; i++ {
		g.Go(func() error {
			for {
				task, err := frontier.Pop(gctx)
				if errors.Is(err, queue.ErrQueueClosed) {
					return nil
				}
				if err != nil {
					return err
				}

				c.process(gctx, frontier, task)
				frontier.Done()
			}
		})
	}

	err := g.Wait()
	// A cancelled last task still drains the frontier, so workers can exit
	// cleanly after ctx is done.
	if err == nil {
		err = ctx.Err()
	}
	c.markFinished()
	stats := c.Stats()
	c.logger.Info("crawl finished",
		"listing_pages", stats.ListingPages,
		"product_pages", stats.ProductPages,
		"records", stats.Records,
		"extraction_errors", stats.ExtractionErrors,
		"fetch_errors", stats.FetchErrors,
		"duration", time.Since(started))

	if err != nil {
		return stats, fmt.Errorf("crawl interrupted: %w", err)
	}
	return stats, nil
}

func (c *Crawler) markFinished() {
	finished := time.Now()
	c.finished.Store(&finished)
}

// Stats returns a snapshot of the counters; safe to call while running.
func (c *Crawler) Stats() *Stats {
	stats := &Stats{
		ListingPages:     c.counters.listingPages.Load(),
		ProductPages:     c.counters.productPages.Load(),
		Records:          c.counters.records.Load(),
		ExtractionErrors: c.counters.extractionErrors.Load(),
		FetchErrors:      c.counters.fetchErrors.Load(),
		SinkErrors:       c.counters.sinkErrors.Load(),
		ProductLinks:     c.counters.productLinks.Load(),
		PaginationLinks:  c.counters.paginationLinks.Load(),
	}
	if started := c.startedAt.Load(); started != nil {
		stats.StartedAt = *started
	}
	if finished := c.finished.Load(); finished != nil {
		t := *finished
		stats.FinishedAt = &t
	}
	return stats
}

func (c *Crawler) process(ctx context.Context, frontier *queue.Frontier, task *queue.Task) {
	logger := c.logger.With("url", task.URL, "kind", task.Kind)

	start := time.Now()
	page, err := c.fetcher.Fetch(ctx, task.URL)
	if ctx.Err() != nil {
		return
	}
	c.metrics.ObserveFetch(string(task.Kind), time.Since(start), err)
	if err != nil {
		c.counters.fetchErrors.Add(1)
		logger.Warn("failed to fetch page", "error", err)
		return
	}

	switch task.Kind {
	case queue.KindPagination:
		c.counters.listingPages.Add(1)
		c.followLinks(ctx, frontier, task, page, logger)
	case queue.KindProduct:
		c.counters.productPages.Add(1)
		c.extract(ctx, page, logger)
	}
}

func (c *Crawler) followLinks(ctx context.Context, frontier *queue.Frontier, task *queue.Task, page *fetch.Page, logger *slog.Logger) {
	links := c.classifier.Classify(page.Doc, page.URL)

	products := 0
	for _, u := range links.Products {
		pushed, err := c.schedule(ctx, frontier, u, queue.KindProduct, task.Depth+1)
		if err != nil {
			logger.Warn("failed to schedule product", "link", u, "error", err)
			continue
		}
		if pushed {
			products++
		}
	}

	pages := 0
	for _, u := range links.Pagination {
		pushed, err := c.schedule(ctx, frontier, u, queue.KindPagination, task.Depth+1)
		if err != nil {
			logger.Warn("failed to schedule listing page", "link", u, "error", err)
			continue
		}
		if pushed {
			pages++
		}
	}

	c.counters.productLinks.Add(int64(products))
	c.counters.paginationLinks.Add(int64(pages))
	c.metrics.LinksFound(string(queue.KindProduct), products)
	c.metrics.LinksFound(string(queue.KindPagination), pages)

	logger.Debug("listing page classified",
		"product_links", len(links.Products),
		"pagination_links", len(links.Pagination),
		"new_products", products,
		"new_pages", pages)
}

func (c *Crawler) extract(ctx context.Context, page *fetch.Page, logger *slog.Logger) {
	record, err := c.extractor.Extract(page.Doc, page.URL)
	if err != nil {
		c.counters.extractionErrors.Add(1)

		anchor := "unknown"
		var extractionErr *parser.ExtractionError
		if errors.As(err, &extractionErr) {
			anchor = extractionErr.Anchor
		}
		c.metrics.ExtractionFailed(anchor)
		logger.Warn("dropping product page", "anchor", anchor, "error", err)
		return
	}

	c.counters.records.Add(1)
	c.metrics.RecordExtracted()

	if problems := record.Validate(); len(problems) > 0 {
		logger.Warn("record failed validation", "rpc", record.RPC, "problems", problems)
	}

	if c.sink == nil {
		return
	}
	if err := c.sink.Write(ctx, record); err != nil {
		c.counters.sinkErrors.Add(1)
		c.metrics.SinkFailed()
		logger.Error("failed to write record", "rpc", record.RPC, "error", err)
	}
}

// schedule pushes url unless it was seen before or the listing page budget
// is spent.
func (c *Crawler) schedule(ctx context.Context, frontier *queue.Frontier, url string, kind queue.Kind, depth int) (bool, error) {
	if kind == queue.KindPagination && c.opts.MaxPages > 0 &&
		c.counters.listingsScheduled.Load() >= int64(c.opts.MaxPages) {
		return false, nil
	}

	added, err := c.seen.Add(ctx, url)
	if err != nil || !added {
		return false, err
	}

	if kind == queue.KindPagination && c.opts.MaxPages > 0 &&
		c.counters.listingsScheduled.Add(1) > int64(c.opts.MaxPages) {
		return false, nil
	}

	if err := frontier.Push(queue.NewTask(url, kind, depth)); err != nil {
		return false, err
	}
	return true, nil
}
