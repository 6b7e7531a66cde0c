package storage

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/maltedev/pharmacy-scraper/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func record(rpc string, price float64) *models.ProductRecord {
	r := models.NewProductRecord(rpc, "https://apteka-ot-sklada.ru/catalog/item_"+rpc, time.Unix(1700000000, 0))
	r.Title = "Товар " + rpc
	if price > 0 {
		current, original := price, price
		r.Price.Current = &current
		r.Price.Original = &original
		r.Stock.InStock = true
	}
	return r
}

func TestFeedStoreWriteAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "products.json")
	ctx := context.Background()

	fs, err := NewFeedStore(path, 1)
	require.NoError(t, err)

	require.NoError(t, fs.Write(ctx, record("2", 100)))
	require.NoError(t, fs.Write(ctx, record("1", 0)))
	assert.Equal(t, 2, fs.Len())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var feed []map[string]any
	require.NoError(t, json.Unmarshal(data, &feed))
	require.Len(t, feed, 2)
	assert.Equal(t, "1", feed[0]["RPC"])
	assert.Equal(t, "2", feed[1]["RPC"])
	assert.Equal(t, float64(1700000000), feed[0]["timestamp"])

	reopened, err := NewFeedStore(path, 1)
	require.NoError(t, err)
	got, ok := reopened.Get("2")
	require.True(t, ok)
	assert.Equal(t, "Товар 2", got.Title)
	require.NotNil(t, got.Price.Current)
	assert.Equal(t, 100.0, *got.Price.Current)
}

func TestFeedStoreReplacesByRPC(t *testing.T) {
	fs, err := NewFeedStore(filepath.Join(t.TempDir(), "feed.json"), 1)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, fs.Write(ctx, record("7", 100)))
	require.NoError(t, fs.Write(ctx, record("7", 80)))

	assert.Equal(t, 1, fs.Len())
	got, _ := fs.Get("7")
	assert.Equal(t, 80.0, *got.Price.Current)
}

func TestFeedStoreBatchesSaves(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feed.json")
	fs, err := NewFeedStore(path, 3)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, fs.Write(ctx, record("1", 10)))
	require.NoError(t, fs.Write(ctx, record("2", 10)))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, fs.Write(ctx, record("3", 10)))
	_, err = os.Stat(path)
	assert.NoError(t, err)

	require.NoError(t, fs.Write(ctx, record("4", 10)))
	require.NoError(t, fs.Flush())

	reopened, err := NewFeedStore(path, 1)
	require.NoError(t, err)
	assert.Equal(t, 4, reopened.Len())
}

func TestFeedStoreRejectsRecordWithoutRPC(t *testing.T) {
	fs, err := NewFeedStore(filepath.Join(t.TempDir(), "feed.json"), 1)
	require.NoError(t, err)

	assert.Error(t, fs.Write(context.Background(), record("", 10)))
	assert.Error(t, fs.Write(context.Background(), nil))
}

func TestFeedStoreStats(t *testing.T) {
	fs, err := NewFeedStore(filepath.Join(t.TempDir(), "feed.json"), 10)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, fs.Write(ctx, record("1", 10)))
	require.NoError(t, fs.Write(ctx, record("2", 0)))
	require.NoError(t, fs.Write(ctx, record("3", 20)))

	assert.Equal(t, map[string]int{"total": 3, "in_stock": 2, "out_of_stock": 1}, fs.GetStats())
}

func TestNewFeedStoreCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feed.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	_, err := NewFeedStore(path, 1)
	assert.Error(t, err)
}
