package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lvonguyen/threatlens/internal/correlation"
	"github.com/lvonguyen/threatlens/internal/enrichment"
	"github.com/lvonguyen/threatlens/internal/events"
	"github.com/lvonguyen/threatlens/internal/feeds"
	"github.com/lvonguyen/threatlens/internal/indicator"
	"github.com/lvonguyen/threatlens/internal/scheduler"
	"github.com/lvonguyen/threatlens/internal/splunk"
	"github.com/lvonguyen/threatlens/internal/store"
)

type stubSource map[string]string

func (s stubSource) Fetch(_ context.Context, cfg feeds.FeedConfig) ([]byte, error) {
	payload, ok := s[cfg.Name]
	if !ok {
		return nil, fmt.Errorf("%w: %s: no route", feeds.ErrFetch, cfg.Name)
	}
	return []byte(payload), nil
}

type fakeLocator struct{}

func (fakeLocator) Locate(_ context.Context, ip string) (enrichment.Location, error) {
	if ip == "bad" {
		return enrichment.Location{}, fmt.Errorf("%w: %q", enrichment.ErrInvalidIP, ip)
	}
	return enrichment.Location{IP: ip, Country: "United States", CountryCode: "US", Source: enrichment.SourceProvider}, nil
}

// downStore fails every read as if the database went away.
type downStore struct {
	*store.MemoryStore
}

var errDown = fmt.Errorf("dial tcp: %w", store.ErrUnavailable)

func (downStore) Recent(context.Context, int) ([]indicator.Indicator, error) {
	return nil, errDown
}

func (downStore) RecentByType(context.Context, indicator.Type, int) ([]indicator.Indicator, error) {
	return nil, errDown
}

func (downStore) RecentAlerts(context.Context, int) ([]indicator.Alert, error) {
	return nil, errDown
}

func (downStore) Ping(context.Context) error { return errDown }

type capturePublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *capturePublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *capturePublisher) Close() error { return nil }

type testEnv struct {
	server    *httptest.Server
	store     store.Store
	collector *feeds.Collector
	publisher *capturePublisher
}

func newTestEnv(t *testing.T, st store.Store, configure func(*Deps)) *testEnv {
	t.Helper()
	pub := &capturePublisher{}
	feedCfg := []feeds.FeedConfig{{
		Name:    "blocklist",
		URL:     "https://feeds.example.com/ips.txt",
		Format:  feeds.FormatBlocklist,
		Enabled: true,
	}}
	src := stubSource{"blocklist": "# bad ips\n45.33.32.156\n185.220.101.1\n"}
	collector := feeds.NewCollector(feedCfg, src, st, pub, nil, nil, feeds.CollectorConfig{})

	deps := Deps{
		Store:          st,
		Collector:      collector,
		Geo:            fakeLocator{},
		ThreatMap:      enrichment.NewThreatMapBuilder(st, fakeLocator{}, collector.HealthyRatio, enrichment.Config{BatchSize: 5, MaxMapIPs: 100}, nil),
		Correlation:    correlation.NewBuilder(st, correlation.DefaultConfig(), correlation.NewRandomSource(7), nil, nil),
		Publisher:      pub,
		MetricsHandler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { io.WriteString(w, "# metrics\n") }),
		Version:        "test",
	}
	if configure != nil {
		configure(&deps)
	}
	srv := httptest.NewServer(NewServer(deps).Router())
	t.Cleanup(srv.Close)
	return &testEnv{server: srv, store: st, collector: collector, publisher: pub}
}

func (e *testEnv) do(t *testing.T, method, path, body string) (int, map[string]any) {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.server.URL+path, rdr)
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]any{}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

func dataMap(t *testing.T, body map[string]any) map[string]any {
	t.Helper()
	m, ok := body["data"].(map[string]any)
	require.True(t, ok, "data is not an object: %v", body["data"])
	return m
}

func dataList(t *testing.T, body map[string]any) []any {
	t.Helper()
	l, ok := body["data"].([]any)
	require.True(t, ok, "data is not a list: %v", body["data"])
	return l
}

// =============================================================================
// Health Tests
// =============================================================================

// TestHealthAndReady verifies liveness and dependency readiness.
func TestHealthAndReady(t *testing.T) {
	env := newTestEnv(t, store.NewMemoryStore(2), func(d *Deps) {
		d.ReadyChecks = map[string]Check{"redis": func(context.Context) error { return errors.New("connection refused") }}
	})

	code, body := env.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "test", body["version"])

	code, body = env.do(t, http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	checks := body["checks"].(map[string]any)
	assert.Equal(t, "ok", checks["store"])
	assert.Equal(t, "connection refused", checks["redis"])

	code, _ = env.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, code)
}

// =============================================================================
// Indicator Tests
// =============================================================================

// TestIndicators_SubmitAndQuery verifies manual submission, merge and lookup.
func TestIndicators_SubmitAndQuery(t *testing.T) {
	env := newTestEnv(t, store.NewMemoryStore(2), nil)

	code, body := env.do(t, http.MethodPost, "/api/v1/indicators",
		`{"value":"Evil-Bank.com","severity":"high","tags":["phishing"],"source":"analyst"}`)
	require.Equal(t, http.StatusCreated, code, body)
	data := dataMap(t, body)
	assert.Equal(t, true, data["created"])
	ind := data["indicator"].(map[string]any)
	assert.Equal(t, "domain", ind["type"])
	assert.Equal(t, "evil-bank.com", ind["value"])
	assert.Equal(t, "high", ind["severity"])

	code, body = env.do(t, http.MethodPost, "/api/v1/indicators", `{"value":"evil-bank.com","confidence":95}`)
	require.Equal(t, http.StatusOK, code)
	ind = dataMap(t, body)["indicator"].(map[string]any)
	assert.Equal(t, 95.0, ind["confidence"])
	assert.ElementsMatch(t, []any{"analyst", "manual"}, ind["sources"])

	code, body = env.do(t, http.MethodPost, "/api/v1/indicators", `{"type":"url","value":"https://evil-bank.com/login"}`)
	require.Equal(t, http.StatusCreated, code, body)

	code, body = env.do(t, http.MethodGet, "/api/v1/indicators?type=domain", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1.0, body["count"])
	assert.Len(t, dataList(t, body), 1)

	code, body = env.do(t, http.MethodGet, "/api/v1/indicators/domain/evil-bank.com", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "evil-bank.com", dataMap(t, body)["value"])

	code, body = env.do(t, http.MethodGet, "/api/v1/indicators/url/https%3A%2F%2Fevil-bank.com%2Flogin", "")
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "https://evil-bank.com/login", dataMap(t, body)["value"])

	code, body = env.do(t, http.MethodGet, "/api/v1/indicators/domain/unknown-host.com", "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, false, body["success"])

	assert.Len(t, env.publisher.events, 3)
}

// TestIndicators_BadRequests verifies validation failures keep the envelope.
func TestIndicators_BadRequests(t *testing.T) {
	env := newTestEnv(t, store.NewMemoryStore(2), nil)

	cases := []struct {
		name, method, path, body string
		code                     int
	}{
		{"private ip", http.MethodPost, "/api/v1/indicators", `{"value":"10.0.0.1"}`, http.StatusUnprocessableEntity},
		{"unknown field", http.MethodPost, "/api/v1/indicators", `{"value":"evil-bank.com","bogus":1}`, http.StatusBadRequest},
		{"missing value", http.MethodPost, "/api/v1/indicators", `{"type":"domain"}`, http.StatusBadRequest},
		{"bad severity", http.MethodPost, "/api/v1/indicators", `{"value":"evil-bank.com","severity":"urgent"}`, http.StatusBadRequest},
		{"bad type", http.MethodPost, "/api/v1/indicators", `{"type":"registry","value":"evil-bank.com"}`, http.StatusBadRequest},
		{"bad limit", http.MethodGet, "/api/v1/indicators?limit=abc", "", http.StatusBadRequest},
		{"bad list type", http.MethodGet, "/api/v1/indicators?type=registry", "", http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code, body := env.do(t, tc.method, tc.path, tc.body)
			assert.Equal(t, tc.code, code)
			assert.Equal(t, false, body["success"])
			assert.NotEmpty(t, body["error"])
		})
	}

	_, body := env.do(t, http.MethodGet, "/api/v1/indicators?limit=abc", "")
	assert.Equal(t, []any{}, body["data"])
}

// =============================================================================
// Alert Tests
// =============================================================================

// TestAlerts verifies alert creation, publication and listing.
func TestAlerts(t *testing.T) {
	env := newTestEnv(t, store.NewMemoryStore(2), nil)

	code, body := env.do(t, http.MethodPost, "/api/v1/alerts",
		`{"title":"Beacon to known C2","severity":"critical","indicator_values":["45.33.32.156"]}`)
	require.Equal(t, http.StatusCreated, code, body)
	alert := dataMap(t, body)
	assert.NotEmpty(t, alert["id"])
	assert.Equal(t, "manual", alert["source"])

	require.Len(t, env.publisher.events, 1)
	assert.Equal(t, events.SubjectAlertCreated, env.publisher.events[0].Subject)

	code, _ = env.do(t, http.MethodPost, "/api/v1/alerts", `{"title":"x","severity":"urgent"}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = env.do(t, http.MethodGet, "/api/v1/alerts?limit=5", "")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, dataList(t, body), 1)
}

// =============================================================================
// Feed Tests
// =============================================================================

// TestFeeds_SyncAndHealth verifies a manual sync and the health view.
func TestFeeds_SyncAndHealth(t *testing.T) {
	env := newTestEnv(t, store.NewMemoryStore(2), nil)

	code, body := env.do(t, http.MethodGet, "/api/v1/feeds", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 0.0, dataMap(t, body)["healthy_ratio"])

	code, body = env.do(t, http.MethodPost, "/api/v1/feeds/sync", "")
	require.Equal(t, http.StatusOK, code, body)
	report := dataMap(t, body)
	reports := report["feeds"].([]any)
	require.Len(t, reports, 1)
	assert.Equal(t, 2.0, reports[0].(map[string]any)["created"])

	code, body = env.do(t, http.MethodGet, "/api/v1/feeds", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1.0, dataMap(t, body)["healthy_ratio"])

	code, body = env.do(t, http.MethodPost, "/api/v1/feeds/sync?feed=blocklist", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 2.0, dataMap(t, body)["updated"])

	code, _ = env.do(t, http.MethodPost, "/api/v1/feeds/sync?feed=missing", "")
	assert.Equal(t, http.StatusNotFound, code)
}

// gateSource blocks fetches until released.
type gateSource struct {
	started chan struct{}
	release chan struct{}
}

func (g gateSource) Fetch(ctx context.Context, _ feeds.FeedConfig) ([]byte, error) {
	g.started <- struct{}{}
	select {
	case <-g.release:
		return []byte("45.33.32.156\n"), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TestFeeds_SyncFeedConflict verifies a manual sync of a feed that is
// already syncing answers 409 without fetching it again.
func TestFeeds_SyncFeedConflict(t *testing.T) {
	gate := gateSource{started: make(chan struct{}, 2), release: make(chan struct{})}
	var collector *feeds.Collector
	env := newTestEnv(t, store.NewMemoryStore(2), func(d *Deps) {
		collector = feeds.NewCollector([]feeds.FeedConfig{{
			Name:    "blocklist",
			URL:     "https://feeds.example.com/ips.txt",
			Format:  feeds.FormatBlocklist,
			Enabled: true,
		}}, gate, d.Store, nil, nil, nil, feeds.CollectorConfig{})
		d.Collector = collector
	})

	running := make(chan error, 1)
	go func() {
		_, err := collector.SyncAll(context.Background())
		running <- err
	}()
	<-gate.started

	code, body := env.do(t, http.MethodPost, "/api/v1/feeds/sync?feed=blocklist", "")
	assert.Equal(t, http.StatusConflict, code, body)
	assert.Len(t, gate.started, 0)

	close(gate.release)
	require.NoError(t, <-running)

	code, body = env.do(t, http.MethodPost, "/api/v1/feeds/sync?feed=blocklist", "")
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, 1.0, dataMap(t, body)["updated"])
}

// TestFeeds_SyncThroughScheduler verifies manual syncs share the job guard.
func TestFeeds_SyncThroughScheduler(t *testing.T) {
	var sched *scheduler.Scheduler
	env := newTestEnv(t, store.NewMemoryStore(2), func(d *Deps) {
		sched = scheduler.New(scheduler.Config{}, nil, nil, nil)
		require.NoError(t, sched.Register(scheduler.Job{Name: scheduler.JobFeedSync, Run: func(ctx context.Context) error {
			_, err := d.Collector.SyncAll(ctx)
			return err
		}}))
		d.Scheduler = sched
	})

	code, body := env.do(t, http.MethodPost, "/api/v1/feeds/sync", "")
	require.Equal(t, http.StatusOK, code, body)
	assert.Len(t, dataMap(t, body)["feeds"], 1)

	code, body = env.do(t, http.MethodGet, "/api/v1/jobs", "")
	require.Equal(t, http.StatusOK, code)
	jobs := dataList(t, body)
	require.Len(t, jobs, 1)
	assert.Equal(t, 1.0, jobs[0].(map[string]any)["runs"])

	code, _ = env.do(t, http.MethodPost, "/api/v1/jobs/unknown/trigger", "")
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = env.do(t, http.MethodPost, "/api/v1/jobs/feed_sync/trigger", "")
	assert.Equal(t, http.StatusOK, code)
}

// =============================================================================
// Enrichment and Correlation Tests
// =============================================================================

// TestGeo verifies lookups and invalid input.
func TestGeo(t *testing.T) {
	env := newTestEnv(t, store.NewMemoryStore(2), nil)

	code, body := env.do(t, http.MethodGet, "/api/v1/geo/45.33.32.156", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "US", dataMap(t, body)["country_code"])

	code, body = env.do(t, http.MethodGet, "/api/v1/geo/bad", "")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, false, body["success"])
}

// TestThreatMapAndCorrelation verifies both payloads after a sync.
func TestThreatMapAndCorrelation(t *testing.T) {
	env := newTestEnv(t, store.NewMemoryStore(2), nil)
	_, err := env.collector.SyncAll(context.Background())
	require.NoError(t, err)

	code, body := env.do(t, http.MethodGet, "/api/v1/threat-map", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["success"])
	assert.Len(t, body["threats"], 2)
	md := body["metadata"].(map[string]any)
	assert.Equal(t, 2.0, md["total_threats"])
	assert.Equal(t, 1.0, md["countries"])

	code, body = env.do(t, http.MethodGet, "/api/v1/correlation", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["success"])
	assert.Len(t, body["nodes"], 2)
	assert.NotNil(t, body["links"])

	code, body = env.do(t, http.MethodGet, "/api/v1/correlation?fresh=true", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 2.0, body["metadata"].(map[string]any)["total_nodes"])
}

// TestStoreUnavailable verifies failures keep empty but valid payloads.
func TestStoreUnavailable(t *testing.T) {
	env := newTestEnv(t, downStore{store.NewMemoryStore(2)}, nil)

	code, body := env.do(t, http.MethodGet, "/api/v1/threat-map", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, []any{}, body["threats"])
	assert.NotNil(t, body["metadata"])

	code, body = env.do(t, http.MethodGet, "/api/v1/correlation", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, []any{}, body["nodes"])
	assert.Equal(t, []any{}, body["links"])

	code, body = env.do(t, http.MethodGet, "/api/v1/indicators", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, []any{}, body["data"])

	code, _ = env.do(t, http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

// =============================================================================
// Splunk HEC Tests
// =============================================================================

// TestSplunkHEC_IngestsAlerts verifies HEC events posted to the collector
// path show up as alerts.
func TestSplunkHEC_IngestsAlerts(t *testing.T) {
	t.Setenv("THREATLENS_TEST_HEC", "hec-token")
	st := store.NewMemoryStore(2)
	env := newTestEnv(t, st, func(d *Deps) {
		receiver := splunk.NewHECReceiver(splunk.ReceiverConfig{TokenEnv: "THREATLENS_TEST_HEC"},
			splunk.AlertHandler(d.Store, d.Publisher, zap.NewNop()))
		d.HEC = receiver.Routes()
	})

	req, err := http.NewRequest(http.MethodPost, env.server.URL+"/services/collector/event",
		strings.NewReader(`{"sourcetype":"notable","event":{"title":"Tor exit traffic","urgency":"high","dest":"185.220.101.1"}}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Splunk hec-token")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	code, body := env.do(t, http.MethodGet, "/api/v1/alerts", "")
	require.Equal(t, http.StatusOK, code)
	alerts := dataList(t, body)
	require.Len(t, alerts, 1)
	alert := alerts[0].(map[string]any)
	assert.Equal(t, "Tor exit traffic", alert["title"])
	assert.Equal(t, "splunk:notable", alert["source"])
	assert.Equal(t, []any{"185.220.101.1"}, alert["indicator_values"])
	require.Len(t, env.publisher.events, 1)

	code, _ = env.do(t, http.MethodGet, "/services/collector/health", "")
	assert.Equal(t, http.StatusOK, code)
}
