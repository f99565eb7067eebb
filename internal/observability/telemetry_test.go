package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

// TestNilMetrics verifies every helper is safe on a nil receiver.
func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.FeedSynced("f", "ok", time.Second, 1, 2, 3)
		m.IndicatorUpserted("ip", true)
		m.GeoLookup("api", time.Millisecond)
		m.GeoCache(true)
		m.GeoQueue(3)
		m.GraphBuilt("ok", 10)
		m.JobRan("feed_sync", "ok")
		m.JobSkipped("feed_sync")
		m.EventPublished("subject", nil)
		m.HTTPRequest("GET", "/health", 200, time.Millisecond)
	})
}

// TestMetrics_Helpers verifies helpers update the underlying collectors.
func TestMetrics_Helpers(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.FeedSynced("urlhaus", "ok", time.Second, 9, 1, 2)
	m.IndicatorUpserted("domain", true)
	m.IndicatorUpserted("domain", false)
	m.GeoCache(false)
	m.JobSkipped("feed_sync")
	m.EventPublished("threatlens.indicators.created", errors.New("boom"))

	assert.Equal(t, 9.0, testutil.ToFloat64(m.FeedRecords.WithLabelValues("urlhaus", "processed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FeedRecords.WithLabelValues("urlhaus", "skipped")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.FeedRecords.WithLabelValues("urlhaus", "rejected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.IndicatorsUpserted.WithLabelValues("domain", "created")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.IndicatorsUpserted.WithLabelValues("domain", "updated")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.GeoCacheRequests.WithLabelValues("miss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.JobSkips.WithLabelValues("feed_sync")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsPublished.WithLabelValues("threatlens.indicators.created", "error")))
}

// TestNew_IndependentRegistries verifies two instances do not collide on
// metric registration and each serves its own registry.
func TestNew_IndependentRegistries(t *testing.T) {
	cfg := Config{ServiceName: "threatlens-test", LogLevel: "error", MetricsEnabled: true}

	a, err := New(cfg)
	require.NoError(t, err)
	b, err := New(cfg)
	require.NoError(t, err)

	a.Metrics().JobRan("feed_sync", "ok")

	rec := httptest.NewRecorder()
	a.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "threatlens_job_runs_total"))

	rec = httptest.NewRecorder()
	b.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.False(t, strings.Contains(rec.Body.String(), `threatlens_job_runs_total{job="feed_sync"`))
}

// TestNew_MetricsDisabled verifies Metrics is nil when disabled.
func TestNew_MetricsDisabled(t *testing.T) {
	tel, err := New(Config{LogLevel: "error"})
	require.NoError(t, err)
	assert.Nil(t, tel.Metrics())
	assert.NotNil(t, tel.Logger())
	assert.NotNil(t, tel.Tracer())
}

// TestNewLogger_Levels verifies level parsing and the info fallback.
func TestNewLogger_Levels(t *testing.T) {
	cases := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		"WARN":    zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"":        zapcore.InfoLevel,
		"verbose": zapcore.InfoLevel,
	}
	for in, want := range cases {
		logger, err := NewLogger(Config{ServiceName: "threatlens-test", LogLevel: in, LogFormat: "console"})
		require.NoError(t, err, in)
		assert.True(t, logger.Core().Enabled(want), in)
		if want > zapcore.DebugLevel {
			assert.False(t, logger.Core().Enabled(want-1), in)
		}
	}
}

// TestTelemetry_RuntimeSamplerAndShutdown verifies the goroutine gauge is
// set immediately and Shutdown can be called twice.
func TestTelemetry_RuntimeSamplerAndShutdown(t *testing.T) {
	tel, err := New(Config{LogLevel: "error", MetricsEnabled: true})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tel.StartSystemMetricsCollector(ctx)
	assert.Greater(t, testutil.ToFloat64(tel.Metrics().GoroutineCount), 0.0)

	assert.NoError(t, tel.Shutdown(context.Background()))
	assert.NoError(t, tel.Shutdown(context.Background()))
}
