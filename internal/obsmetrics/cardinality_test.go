package obsmetrics

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestSanitizePathLabel(t *testing.T) {
	tests := []struct {
		path     string
		expected string
	}{
		{"/", "/"},
		{"/metrics", "/metrics"},
		{"/health", "/health"},
		{"/store/chunkkey", "/store/*"},
		{"/store/chunkkey/with/more/segments", "/store/*"},
		{"/store", "/store"},
		{"/store?query=param", "/store"},
		{"", "/"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.expected, sanitizePathLabel(tt.path))
		})
	}
}

func TestRecordHTTPRequest_Cardinality(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordHTTPRequest(context.Background(), "GET", "/mystore/obj1", http.StatusOK, time.Millisecond, 100)
	m.RecordHTTPRequest(context.Background(), "GET", "/mystore/obj2", http.StatusOK, time.Millisecond, 100)
	m.RecordHTTPRequest(context.Background(), "GET", "/otherstore/obj1", http.StatusOK, time.Millisecond, 100)

	countMyStore := testutil.ToFloat64(m.httpRequestsTotal.WithLabelValues("GET", "/mystore/*", "OK"))
	assert.Equal(t, 2.0, countMyStore)

	countOtherStore := testutil.ToFloat64(m.httpRequestsTotal.WithLabelValues("GET", "/otherstore/*", "OK"))
	assert.Equal(t, 1.0, countOtherStore)
}

func TestRecordStoreOperation_DisableStoreLabel(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := newMetricsWithRegistry(reg, Config{EnableStoreLabel: false})

	m.RecordStoreOperation(context.Background(), "put", "store-1", time.Millisecond)
	m.RecordStoreOperation(context.Background(), "put", "store-2", time.Millisecond)

	count := testutil.ToFloat64(m.storeOperationsTotal.WithLabelValues("put", "*"))
	assert.Equal(t, 2.0, count)
}

func TestRecordStoreError_DisableStoreLabel(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := newMetricsWithRegistry(reg, Config{EnableStoreLabel: false})

	m.RecordStoreError(context.Background(), "get", "store-1", "missing_chunk")
	m.RecordStoreError(context.Background(), "get", "store-2", "missing_chunk")

	count := testutil.ToFloat64(m.storeOperationErrors.WithLabelValues("get", "*", "missing_chunk"))
	assert.Equal(t, 2.0, count)
}
