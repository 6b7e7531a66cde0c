package observability

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRecord(t *testing.T) {
	m := NewMetrics()

	m.ObserveFetch("product", 120*time.Millisecond, nil)
	m.ObserveFetch("product", 80*time.Millisecond, nil)
	m.ObserveFetch("pagination", time.Second, errors.New("timeout"))
	m.RecordExtracted()
	m.ExtractionFailed("manufacturer info")
	m.LinksFound("product", 24)
	m.LinksFound("pagination", 0)
	m.SinkFailed()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.PagesFetched.WithLabelValues("product")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.PagesFetched.WithLabelValues("pagination")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FetchErrors.WithLabelValues("pagination")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RecordsExtracted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ExtractionErrors.WithLabelValues("manufacturer info")))
	assert.Equal(t, 24.0, testutil.ToFloat64(m.LinksDiscovered.WithLabelValues("product")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SinkErrors))
	assert.Equal(t, 2, testutil.CollectAndCount(m.FetchDuration))
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveFetch("product", time.Second, nil)
		m.RecordExtracted()
		m.ExtractionFailed("title")
		m.LinksFound("product", 3)
		m.SinkFailed()
	})
}

func TestMetricsHandler(t *testing.T) {
	m := NewMetrics()
	m.RecordExtracted()

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "scraper_records_extracted_total 1")
}
