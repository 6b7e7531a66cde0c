package crawler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

var ErrRunNotFound = errors.New("crawl run not found")

// Run describes one crawl started through the Manager.
type Run struct {
	ID          string     `json:"id"`
	Status      RunStatus  `json:"status"`
	StartURLs   []string   `json:"start_urls"`
	MaxPages    int        `json:"max_pages"`
	Stats       *Stats     `json:"stats"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Factory builds the crawler for a run. runID scopes per-run state such as a
// shared seen set.
type Factory func(runID string, startURLs []string, maxPages int) (*Crawler, error)

type runEntry struct {
	run     Run
	crawler *Crawler
	cancel  context.CancelFunc
}

// Manager starts crawls in the background and keeps their status in memory.
type Manager struct {
	factory Factory
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.RWMutex
	runs map[string]*runEntry
}

func NewManager(factory Factory, logger *slog.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		factory: factory,
		logger:  logger.With("component", "crawl_manager"),
		ctx:     ctx,
		cancel:  cancel,
		runs:    make(map[string]*runEntry),
	}
}

func (m *Manager) Start(startURLs []string, maxPages int) (*Run, error) {
	if len(startURLs) == 0 {
		return nil, fmt.Errorf("at least one start URL is required")
	}
	if maxPages < 0 {
		return nil, fmt.Errorf("max pages must not be negative")
	}
	if err := m.ctx.Err(); err != nil {
		return nil, fmt.Errorf("manager is shut down: %w", err)
	}

	id := uuid.New().String()
	c, err := m.factory(id, startURLs, maxPages)
	if err != nil {
		return nil, fmt.Errorf("failed to create crawler: %w", err)
	}

	ctx, cancel := context.WithCancel(m.ctx)
	entry := &runEntry{
		run: Run{
			ID:        id,
			Status:    RunStatusRunning,
			StartURLs: slices.Clone(startURLs),
			MaxPages:  maxPages,
			CreatedAt: time.Now(),
		},
		crawler: c,
		cancel:  cancel,
	}

	m.mu.Lock()
	m.runs[id] = entry
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()

		stats, err := c.Run(ctx)
		m.finish(id, stats, err)
	}()

	m.logger.Info("crawl run started", "id", id, "start_urls", len(startURLs))

	run, _ := m.Get(id)
	return run, nil
}

func (m *Manager) finish(id string, stats *Stats, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := m.runs[id]
	now := time.Now()
	entry.run.Stats = stats
	entry.run.CompletedAt = &now

	switch {
	case err == nil:
		entry.run.Status = RunStatusCompleted
	case errors.Is(err, context.Canceled):
		entry.run.Status = RunStatusCancelled
		entry.run.Error = err.Error()
	default:
		entry.run.Status = RunStatusFailed
		entry.run.Error = err.Error()
	}

	m.logger.Info("crawl run finished", "id", id, "status", entry.run.Status, "records", stats.Records)
}

// Get returns a snapshot of the run; live counters while it is running.
func (m *Manager) Get(id string) (*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	return entry.snapshot(), nil
}

// List returns all runs, newest first.
func (m *Manager) List() []*Run {
	m.mu.RLock()
	defer m.mu.RUnlock()

	runs := make([]*Run, 0, len(m.runs))
	for _, entry := range m.runs {
		runs = append(runs, entry.snapshot())
	}
	slices.SortFunc(runs, func(a, b *Run) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return runs
}

func (m *Manager) Cancel(id string) error {
	m.mu.RLock()
	entry, ok := m.runs[id]
	m.mu.RUnlock()

	if !ok {
		return ErrRunNotFound
	}
	entry.cancel()
	return nil
}

// Wait blocks until every started run has finished.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Shutdown cancels all runs and waits for them, or until ctx is done.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *runEntry) snapshot() *Run {
	run := e.run
	run.StartURLs = slices.Clone(e.run.StartURLs)
	if run.Stats == nil {
		run.Stats = e.crawler.Stats()
	} else {
		stats := *run.Stats
		run.Stats = &stats
	}
	return &run
}
