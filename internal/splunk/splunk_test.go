package splunk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lvonguyen/threatlens/internal/events"
	"github.com/lvonguyen/threatlens/internal/indicator"
	"github.com/lvonguyen/threatlens/internal/store"
)

const testToken = "test-token"

func newTestReceiver(t *testing.T, handler EventHandler) *HECReceiver {
	t.Helper()
	t.Setenv("TEST_HEC_TOKEN", testToken)
	return NewHECReceiver(ReceiverConfig{
		TokenEnv:     "TEST_HEC_TOKEN",
		MaxEventSize: 1024 * 1024,
		MaxBatchSize: 1000,
	}, handler)
}

func post(t *testing.T, h http.Handler, path, auth, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func hecCode(t *testing.T, rr *httptest.ResponseRecorder) int {
	t.Helper()
	var resp struct {
		Code int `json:"code"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	return resp.Code
}

// =============================================================================
// Token Tests
// =============================================================================

// TestValidateToken_EmptyTokenFailsClosed verifies that requests are rejected
// when no token is configured.
func TestValidateToken_EmptyTokenFailsClosed(t *testing.T) {
	t.Setenv("TEST_HEC_TOKEN", "")
	receiver := NewHECReceiver(ReceiverConfig{TokenEnv: "TEST_HEC_TOKEN"}, nil)

	req := httptest.NewRequest(http.MethodPost, "/event", nil)
	req.Header.Set("Authorization", "Splunk some-token")

	assert.False(t, receiver.validateToken(req))
}

// TestValidateToken_QueryParamRejected verifies tokens are only read from the
// Authorization header.
func TestValidateToken_QueryParamRejected(t *testing.T) {
	receiver := newTestReceiver(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/event?token="+testToken, nil)
	assert.False(t, receiver.validateToken(req))
}

// TestValidateToken_Header verifies accepted and rejected header shapes.
func TestValidateToken_Header(t *testing.T) {
	receiver := newTestReceiver(t, nil)

	tests := []struct {
		name   string
		header string
		want   bool
	}{
		{"valid", "Splunk " + testToken, true},
		{"empty header", "", false},
		{"wrong prefix", "Bearer " + testToken, false},
		{"no prefix", testToken, false},
		{"wrong token", "Splunk wrong-token", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/event", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			assert.Equal(t, tt.want, receiver.validateToken(req))
		})
	}
}

// =============================================================================
// Parse Tests
// =============================================================================

// TestParseEvents_MaxBatchSizeEnforced verifies oversized batches are rejected.
func TestParseEvents_MaxBatchSizeEnforced(t *testing.T) {
	receiver := NewHECReceiver(ReceiverConfig{MaxBatchSize: 5}, nil)
	body := strings.Repeat(`{"event":"test"}`+"\n", 10)

	_, err := receiver.parseEvents([]byte(body))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "batch exceeds maximum size")
}

// TestParseEvents_Batch verifies newline-delimited and concatenated objects.
func TestParseEvents_Batch(t *testing.T) {
	receiver := NewHECReceiver(ReceiverConfig{MaxBatchSize: 10}, nil)

	parsed, err := receiver.parseEvents([]byte(strings.Repeat(`{"event":"test"}`+"\n", 5)))
	require.NoError(t, err)
	assert.Len(t, parsed, 5)

	parsed, err = receiver.parseEvents([]byte(`{"event":"a"}{"event":"b"}`))
	require.NoError(t, err)
	assert.Len(t, parsed, 2)
}

// TestParseEvents_SingleEvent verifies a single object succeeds regardless of
// MaxBatchSize.
func TestParseEvents_SingleEvent(t *testing.T) {
	receiver := NewHECReceiver(ReceiverConfig{MaxBatchSize: 1}, nil)

	parsed, err := receiver.parseEvents([]byte(`{"event":"single test event","host":"testhost"}`))
	require.NoError(t, err)
	require.Len(t, parsed, 1)
	assert.Equal(t, "testhost", parsed[0].Host)
}

// TestParseEvents_MissingEventField verifies the event field is required.
func TestParseEvents_MissingEventField(t *testing.T) {
	receiver := NewHECReceiver(ReceiverConfig{}, nil)

	_, err := receiver.parseEvents([]byte(`{"host":"x"}`))
	assert.Error(t, err)

	_, err = receiver.parseEvents([]byte(`{"event":"a"}` + "\n" + `{"host":"x"}`))
	assert.Error(t, err)

	_, err = receiver.parseEvents([]byte(`not json`))
	assert.Error(t, err)
}

// =============================================================================
// Endpoint Tests
// =============================================================================

// TestHandleEvent_AuthFailure verifies unauthenticated requests get 403 and
// HEC code 4.
func TestHandleEvent_AuthFailure(t *testing.T) {
	receiver := newTestReceiver(t, nil)

	rr := post(t, receiver.Routes(), "/event", "", `{"event":"test"}`)
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, codeInvalidToken, hecCode(t, rr))
}

// TestHandleEvent_Success verifies events reach the handler.
func TestHandleEvent_Success(t *testing.T) {
	var received []HECEvent
	receiver := newTestReceiver(t, func(_ context.Context, events []HECEvent) error {
		received = events
		return nil
	})

	rr := post(t, receiver.Routes(), "/event/1.0", "Splunk "+testToken, `{"event":"test data","host":"myhost"}`)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, codeSuccess, hecCode(t, rr))
	require.Len(t, received, 1)
	assert.Equal(t, "myhost", received[0].Host)
}

// TestHandleEvent_BadRequests verifies empty, malformed and oversized bodies.
func TestHandleEvent_BadRequests(t *testing.T) {
	t.Setenv("TEST_HEC_TOKEN", testToken)
	receiver := NewHECReceiver(ReceiverConfig{TokenEnv: "TEST_HEC_TOKEN", MaxEventSize: 64}, nil)
	routes := receiver.Routes()

	rr := post(t, routes, "/event", "Splunk "+testToken, "  ")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, codeNoData, hecCode(t, rr))

	rr = post(t, routes, "/event", "Splunk "+testToken, "{")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, codeInvalidData, hecCode(t, rr))

	rr = post(t, routes, "/event", "Splunk "+testToken, `{"event":"`+strings.Repeat("x", 100)+`"}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)

	assert.Zero(t, receiver.Stats().EventsReceived)
}

// TestHandleRaw_ErrorHandling verifies handler errors surface as 500 and count
// as dropped.
func TestHandleRaw_ErrorHandling(t *testing.T) {
	called := false
	receiver := newTestReceiver(t, func(context.Context, []HECEvent) error {
		called = true
		return errors.New("processing failed")
	})

	rr := post(t, receiver.Routes(), "/raw", "Splunk "+testToken, `{"event": "test"}`)
	assert.True(t, called)
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, codeServerBusy, hecCode(t, rr))
	assert.Equal(t, int64(1), receiver.Stats().EventsDropped)
}

// TestHandleRaw_SplitsLines verifies one event per line with query metadata.
func TestHandleRaw_SplitsLines(t *testing.T) {
	var received []HECEvent
	receiver := newTestReceiver(t, func(_ context.Context, events []HECEvent) error {
		received = events
		return nil
	})

	body := "first line\n\nsecond line\n"
	rr := post(t, receiver.Routes(), "/raw?sourcetype=fw&host=edge1", "Splunk "+testToken, body)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Len(t, received, 2)
	assert.Equal(t, "second line", received[1].Event)
	assert.Equal(t, "fw", received[0].SourceType)
	assert.Equal(t, "edge1", received[0].Host)

	stats := receiver.Stats()
	assert.Equal(t, int64(2), stats.EventsReceived)
	assert.Equal(t, int64(len(body)), stats.BytesReceived)
}

// TestHandleHealth verifies the unauthenticated health endpoint.
func TestHandleHealth(t *testing.T) {
	receiver := NewHECReceiver(DefaultReceiverConfig(), nil)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	receiver.Routes().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, codeHealthy, hecCode(t, rr))
}

// TestReceiverStats_Concurrent verifies stats under concurrent requests.
func TestReceiverStats_Concurrent(t *testing.T) {
	receiver := newTestReceiver(t, func(context.Context, []HECEvent) error { return nil })
	routes := receiver.Routes()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodPost, "/event", bytes.NewReader([]byte(`{"event":"test"}`)))
			req.Header.Set("Authorization", "Splunk "+testToken)
			routes.ServeHTTP(httptest.NewRecorder(), req)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(100), receiver.Stats().EventsReceived)
}

// =============================================================================
// Alert Mapping Tests
// =============================================================================

// TestToAlert_NotableEvent verifies title, severity and indicator extraction
// from a structured event.
func TestToAlert_NotableEvent(t *testing.T) {
	alert := ToAlert(HECEvent{
		Time:       1700000000.5,
		SourceType: "notable",
		Event: map[string]any{
			"search_name": "Beacon to known C2",
			"urgency":     "high",
			"dest":        "185.220.101.1",
			"url":         "hxxp://evil[.]example[.]com/payload.exe",
			"user":        "alice",
		},
		Fields: map[string]any{"src": "91.215.85.12"},
	})

	assert.Equal(t, "Beacon to known C2", alert.Title)
	assert.Equal(t, indicator.SeverityHigh, alert.Severity)
	assert.Equal(t, "splunk:notable", alert.Source)
	assert.Equal(t, time.Unix(1700000000, 500000000).UTC(), alert.CreatedAt)
	assert.Equal(t, []string{"185.220.101.1", "http://evil.example.com/payload.exe", "91.215.85.12"}, alert.IndicatorValues)
}

// TestToAlert_RawLine verifies raw string events.
func TestToAlert_RawLine(t *testing.T) {
	alert := ToAlert(HECEvent{Event: "deny tcp 45.33.32.156:443 -> 10.0.0.5:51515\nsecond"})

	assert.Equal(t, "deny tcp 45.33.32.156:443 -> 10.0.0.5:51515", alert.Title)
	assert.Equal(t, indicator.SeverityMedium, alert.Severity)
	assert.Equal(t, Source, alert.Source)
	assert.True(t, alert.CreatedAt.IsZero())
	assert.Contains(t, alert.IndicatorValues, "45.33.32.156")
}

// TestToAlert_Fallbacks verifies the default title and empty value list.
func TestToAlert_Fallbacks(t *testing.T) {
	alert := ToAlert(HECEvent{Host: "fw01", Event: map[string]any{"count": 3.0}})

	assert.Equal(t, "Splunk event from fw01", alert.Title)
	assert.NotNil(t, alert.IndicatorValues)
	assert.Empty(t, alert.IndicatorValues)

	long := ToAlert(HECEvent{Event: strings.Repeat("a", 300)})
	assert.Len(t, long.Title, maxTitleLen)
}

type capturePublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *capturePublisher) Publish(_ context.Context, e events.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

func (c *capturePublisher) Close() error { return nil }

// TestAlertHandler_RecordsAndPublishes verifies events become stored alerts
// through the receiver.
func TestAlertHandler_RecordsAndPublishes(t *testing.T) {
	st := store.NewMemoryStore(2)
	pub := &capturePublisher{}
	receiver := newTestReceiver(t, AlertHandler(st, pub, zap.NewNop()))

	body := `{"event":{"title":"Phish reported","severity":"critical","sender":"bad@phish.example.com"}}` + "\n" +
		`{"event":"login from 203.0.113.50"}`
	rr := post(t, receiver.Routes(), "/event", "Splunk "+testToken, body)
	require.Equal(t, http.StatusOK, rr.Code)

	alerts, err := st.RecentAlerts(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, alerts, 2)
	titles := []string{alerts[0].Title, alerts[1].Title}
	assert.ElementsMatch(t, []string{"Phish reported", "login from 203.0.113.50"}, titles)

	require.Len(t, pub.events, 2)
	assert.Equal(t, events.SubjectAlertCreated, pub.events[0].Subject)
	assert.Equal(t, "Phish reported", pub.events[0].Alert.Title)
	assert.Equal(t, indicator.SeverityCritical, pub.events[0].Alert.Severity)
	assert.Equal(t, []string{"bad@phish.example.com"}, pub.events[0].Alert.IndicatorValues)
}

type failingSink struct{}

func (failingSink) AddAlert(context.Context, indicator.Alert) (indicator.Alert, error) {
	return indicator.Alert{}, store.ErrUnavailable
}

// TestAlertHandler_SinkFailure verifies store failures reach the receiver.
func TestAlertHandler_SinkFailure(t *testing.T) {
	receiver := newTestReceiver(t, AlertHandler(failingSink{}, events.Nop{}, zap.NewNop()))

	rr := post(t, receiver.Routes(), "/event", "Splunk "+testToken, `{"event":"x"}`)
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, int64(1), receiver.Stats().EventsDropped)
}

// =============================================================================
// Sender Tests
// =============================================================================

func newTestSender(t *testing.T, url string, retries int) *HECSender {
	t.Helper()
	t.Setenv("TEST_HEC_OUT", "out-token")
	cfg := DefaultSenderConfig()
	cfg.HECURL = url
	cfg.TokenEnv = "TEST_HEC_OUT"
	cfg.RetryCount = retries
	cfg.RetryDelay = time.Millisecond
	sender, err := NewHECSender(cfg, nil, zap.NewNop())
	require.NoError(t, err)
	return sender
}

// TestNewHECSender_Requirements verifies token and URL checks.
func TestNewHECSender_Requirements(t *testing.T) {
	t.Setenv("TEST_HEC_OUT", "")
	cfg := DefaultSenderConfig()
	cfg.HECURL = "https://splunk.example.com:8088"
	cfg.TokenEnv = "TEST_HEC_OUT"
	_, err := NewHECSender(cfg, nil, zap.NewNop())
	assert.Error(t, err)

	t.Setenv("TEST_HEC_OUT", "tok")
	cfg.HECURL = ""
	_, err = NewHECSender(cfg, nil, zap.NewNop())
	assert.Error(t, err)
}

// TestHECSender_PublishAlert verifies the wire format of forwarded alerts.
func TestHECSender_PublishAlert(t *testing.T) {
	var (
		gotAuth string
		gotPath string
		got     HECEvent
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(bytes.TrimSpace(body), &got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sender := newTestSender(t, srv.URL+"/", 0)
	alert := indicator.Alert{ID: "a1", Title: "C2 beacon", Severity: indicator.SeverityHigh, Source: "edr", IndicatorValues: []string{"1.2.3.4"}}
	require.NoError(t, sender.Publish(context.Background(), events.AlertEvent(alert)))

	assert.Equal(t, "Splunk out-token", gotAuth)
	assert.Equal(t, "/services/collector/event", gotPath)
	assert.Equal(t, "threatlens", got.Index)
	assert.Equal(t, "threatlens:alert", got.SourceType)
	assert.Equal(t, "high", got.Fields["severity"])
	assert.Equal(t, float64(1), got.Fields["indicator_count"])

	stats := sender.Stats()
	assert.Equal(t, int64(1), stats.EventsSent)
	assert.Positive(t, stats.BytesSent)
}

// TestHECSender_SkipsFilteredEvents verifies subject filtering and loop
// prevention for alerts that came from Splunk.
func TestHECSender_SkipsFilteredEvents(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	sender := newTestSender(t, srv.URL, 0)
	ctx := context.Background()

	require.NoError(t, sender.Publish(ctx, events.IndicatorEvent(indicator.Indicator{Type: indicator.TypeIP, Value: "1.2.3.4"}, true, "feed")))
	require.NoError(t, sender.Publish(ctx, events.AlertEvent(indicator.Alert{ID: "a1", Source: "splunk:notable"})))
	require.NoError(t, sender.Publish(ctx, events.AlertEvent(indicator.Alert{ID: "a2", Source: Source})))
	assert.Zero(t, hits.Load())
}

// TestHECSender_Retries verifies retry then final failure accounting.
func TestHECSender_Retries(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) < 3 {
			http.Error(w, `{"text":"Server is busy","code":9}`, http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sender := newTestSender(t, srv.URL, 2)
	require.NoError(t, sender.Publish(context.Background(), events.AlertEvent(indicator.Alert{ID: "a1"})))
	assert.Equal(t, int32(3), hits.Load())

	failing := newTestSender(t, srv.URL, 0)
	hits.Store(-10)
	err := failing.Publish(context.Background(), events.AlertEvent(indicator.Alert{ID: "a2"}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.Equal(t, int64(1), failing.Stats().EventsFailed)
}

// TestHECSender_HealthCheck verifies the health check call.
func TestHECSender_HealthCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/services/collector/health" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sender := newTestSender(t, srv.URL, 0)
	assert.NoError(t, sender.HealthCheck(context.Background()))

	srv.Close()
	assert.Error(t, sender.HealthCheck(context.Background()))
}
