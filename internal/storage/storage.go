package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/maltedev/pharmacy-scraper/internal/models"
)

// FeedStore keeps the latest record per product code and persists them as a
// JSON array feed. A record written twice replaces the earlier one.
type FeedStore struct {
	mu         sync.RWMutex
	records    map[string]*models.ProductRecord
	filename   string
	flushEvery int
	unsaved    int
}

// NewFeedStore opens (or creates) the feed at filename. The file is rewritten
// after every flushEvery writes; values below 1 mean after every write.
func NewFeedStore(filename string, flushEvery int) (*FeedStore, error) {
	if flushEvery < 1 {
		flushEvery = 1
	}
	fs := &FeedStore{
		records:    make(map[string]*models.ProductRecord),
		filename:   filename,
		flushEvery: flushEvery,
	}

	if err := fs.Load(); err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	return fs, nil
}

func (fs *FeedStore) Write(_ context.Context, record *models.ProductRecord) error {
	if record == nil || record.RPC == "" {
		return fmt.Errorf("record without RPC")
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	fs.records[record.RPC] = record
	fs.unsaved++
	if fs.unsaved < fs.flushEvery {
		return nil
	}
	return fs.save()
}

func (fs *FeedStore) Get(rpc string) (*models.ProductRecord, bool) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	record, exists := fs.records[rpc]
	return record, exists
}

func (fs *FeedStore) Len() int {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return len(fs.records)
}

func (fs *FeedStore) GetStats() map[string]int {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	stats := map[string]int{"in_stock": 0, "out_of_stock": 0}
	for _, record := range fs.records {
		if record.Stock.InStock {
			stats["in_stock"]++
		} else {
			stats["out_of_stock"]++
		}
	}
	stats["total"] = len(fs.records)
	return stats
}

// Flush writes pending records to disk.
func (fs *FeedStore) Flush() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.unsaved == 0 {
		return nil
	}
	return fs.save()
}

func (fs *FeedStore) save() error {
	feed := make([]*models.ProductRecord, 0, len(fs.records))
	for _, record := range fs.records {
		feed = append(feed, record)
	}
	sort.Slice(feed, func(i, j int) bool { return feed[i].RPC < feed[j].RPC })

	data, err := json.MarshalIndent(feed, "", "  ")
	if err != nil {
		return err
	}

	tmpFile := fs.filename + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmpFile, fs.filename); err != nil {
		return err
	}

	fs.unsaved = 0
	return nil
}

func (fs *FeedStore) Load() error {
	data, err := os.ReadFile(fs.filename)
	if err != nil {
		return err
	}

	var feed []*models.ProductRecord
	if err := json.Unmarshal(data, &feed); err != nil {
		return fmt.Errorf("failed to decode feed %s: %w", fs.filename, err)
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()
	for _, record := range feed {
		if record != nil && record.RPC != "" {
			fs.records[record.RPC] = record
		}
	}
	return nil
}
