package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/maltedev/pharmacy-scraper/internal/crawler"
	"github.com/maltedev/pharmacy-scraper/internal/fetch"
	"github.com/maltedev/pharmacy-scraper/internal/models"
	"github.com/maltedev/pharmacy-scraper/internal/observability"
	"github.com/maltedev/pharmacy-scraper/internal/parser"
)

// OutboxStatus reports the backlog of the transactional outbox. The relay
// implements it.
type OutboxStatus interface {
	GetPendingCount(ctx context.Context) (int64, error)
	GetDeadLetterCount(ctx context.Context) (int64, error)
}

// Health thresholds for the outbox backlog.
const (
	pendingWarnThreshold    = 1000
	deadLetterFailThreshold = 100
)

type Handlers struct {
	fetcher      fetch.Fetcher
	extractor    parser.Parser
	runs         *crawler.Manager
	outbox       OutboxStatus
	metrics      *observability.Metrics
	defaultSeeds []string
	logger       *slog.Logger
}

type Options struct {
	Fetcher   fetch.Fetcher
	Extractor parser.Parser
	Runs      *crawler.Manager
	// Outbox is nil when the database is disabled.
	Outbox  OutboxStatus
	Metrics *observability.Metrics
	// DefaultSeeds start a crawl when the request names none.
	DefaultSeeds []string
}

func NewHandlers(opts Options, logger *slog.Logger) *Handlers {
	return &Handlers{
		fetcher:      opts.Fetcher,
		extractor:    opts.Extractor,
		runs:         opts.Runs,
		outbox:       opts.Outbox,
		metrics:      opts.Metrics,
		defaultSeeds: opts.DefaultSeeds,
		logger:       logger.With("component", "api"),
	}
}

// ExtractRequest asks for a single product page to be fetched and parsed.
type ExtractRequest struct {
	URL string `json:"url"`
}

// ExtractResponse carries either the record or the reason the page was dropped.
type ExtractResponse struct {
	Record *models.ProductRecord `json:"record,omitempty"`
	Anchor string                `json:"anchor,omitempty"`
	Error  string                `json:"error,omitempty"`
}

// Extract handles one-off product page extraction.
func (h *Handlers) Extract(w http.ResponseWriter, r *http.Request) {
	var req ExtractRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.URL == "" {
		h.respondError(w, http.StatusBadRequest, "url is required")
		return
	}

	page, err := h.fetcher.Fetch(r.Context(), req.URL)
	if err != nil {
		h.logger.Warn("failed to fetch page", "url", req.URL, "error", err)
		status := http.StatusBadGateway
		if errors.Is(err, fetch.ErrDisallowed) {
			status = http.StatusForbidden
		}
		h.respondJSON(w, status, ExtractResponse{Error: err.Error()})
		return
	}

	record, err := h.extractor.Extract(page.Doc, page.URL)
	if err != nil {
		var extractionErr *parser.ExtractionError
		if errors.As(err, &extractionErr) {
			h.metrics.ExtractionFailed(extractionErr.Anchor)
			h.respondJSON(w, http.StatusUnprocessableEntity, ExtractResponse{
				Anchor: extractionErr.Anchor,
				Error:  err.Error(),
			})
			return
		}
		h.logger.Error("failed to extract product", "url", page.URL, "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to extract product")
		return
	}

	h.metrics.RecordExtracted()
	h.respondJSON(w, http.StatusOK, ExtractResponse{Record: record})
}

// CreateCrawlRequest starts a crawl. An empty start_urls uses the
// configured seeds; max_pages 0 means no cap.
type CreateCrawlRequest struct {
	StartURLs []string `json:"start_urls"`
	MaxPages  int      `json:"max_pages"`
}

// CreateCrawl starts a background crawl run.
func (h *Handlers) CreateCrawl(w http.ResponseWriter, r *http.Request) {
	var req CreateCrawlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if len(req.StartURLs) == 0 {
		req.StartURLs = h.defaultSeeds
	}
	if len(req.StartURLs) == 0 {
		h.respondError(w, http.StatusBadRequest, "start_urls is required")
		return
	}
	if req.MaxPages < 0 {
		h.respondError(w, http.StatusBadRequest, "max_pages must not be negative")
		return
	}

	run, err := h.runs.Start(req.StartURLs, req.MaxPages)
	if err != nil {
		h.logger.Error("failed to start crawl", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to start crawl")
		return
	}

	h.respondJSON(w, http.StatusCreated, run)
}

// GetCrawl returns the status and counters of one run.
func (h *Handlers) GetCrawl(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	run, err := h.runs.Get(runID)
	if errors.Is(err, crawler.ErrRunNotFound) {
		h.respondError(w, http.StatusNotFound, "crawl run not found")
		return
	}
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "failed to get crawl run")
		return
	}

	h.respondJSON(w, http.StatusOK, run)
}

// ListCrawls returns every run of this process, newest first.
func (h *Handlers) ListCrawls(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, h.runs.List())
}

// CancelCrawl stops a running crawl. Cancelling a finished run is a no-op.
func (h *Handlers) CancelCrawl(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	if err := h.runs.Cancel(runID); err != nil {
		if errors.Is(err, crawler.ErrRunNotFound) {
			h.respondError(w, http.StatusNotFound, "crawl run not found")
			return
		}
		h.respondError(w, http.StatusInternalServerError, "failed to cancel crawl run")
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// Health reports liveness and, with a database, the outbox backlog.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{"status": "ok"}
	status := http.StatusOK

	if h.outbox != nil {
		pendingCount, err := h.outbox.GetPendingCount(r.Context())
		if err != nil {
			h.logger.Error("failed to count pending outbox events", "error", err)
		}
		deadLetterCount, err := h.outbox.GetDeadLetterCount(r.Context())
		if err != nil {
			h.logger.Error("failed to count dead letter events", "error", err)
		}

		health["outbox"] = map[string]interface{}{
			"pending":     pendingCount,
			"dead_letter": deadLetterCount,
		}

		if pendingCount > pendingWarnThreshold {
			health["status"] = "warning"
			health["message"] = "High number of pending outbox events"
		}
		if deadLetterCount > deadLetterFailThreshold {
			health["status"] = "error"
			health["message"] = "High number of dead letter events"
			status = http.StatusServiceUnavailable
		}
	}

	h.respondJSON(w, status, health)
}

func (h *Handlers) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handlers) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}
