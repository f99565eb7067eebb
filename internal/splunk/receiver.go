// Package splunk provides bidirectional Splunk HEC integration.
// The receiver turns SIEM events posted over the HTTP Event Collector
// protocol into alerts; the sender forwards alert events back to an index.
package splunk

import (
	"bufio"
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
)

// HEC status codes returned in response bodies.
const (
	codeSuccess      = 0
	codeInvalidToken = 4
	codeNoData       = 5
	codeInvalidData  = 6
	codeServerBusy   = 8
	codeHealthy      = 17
)

// HECReceiver receives events via Splunk HEC protocol.
type HECReceiver struct {
	config  ReceiverConfig
	handler EventHandler
	mu      sync.RWMutex
	stats   ReceiverStats
}

// ReceiverConfig holds HEC receiver configuration.
type ReceiverConfig struct {
	Enabled      bool   `yaml:"enabled"`
	TokenEnv     string `yaml:"token_env" validate:"required_if=Enabled true"`
	MaxBatchSize int    `yaml:"max_batch_size" validate:"gte=0"`
	MaxEventSize int    `yaml:"max_event_size" validate:"gte=0"`
}

// DefaultReceiverConfig returns sensible defaults.
func DefaultReceiverConfig() ReceiverConfig {
	return ReceiverConfig{
		TokenEnv:     "SPLUNK_HEC_TOKEN_INBOUND",
		MaxBatchSize: 1000,
		MaxEventSize: 1024 * 1024, // 1MB
	}
}

// ReceiverStats tracks receiver metrics.
type ReceiverStats struct {
	EventsReceived int64
	EventsDropped  int64
	BytesReceived  int64
	LastEventAt    time.Time
}

// EventHandler processes received events.
type EventHandler func(ctx context.Context, events []HECEvent) error

// HECEvent represents a Splunk HEC event.
type HECEvent struct {
	Time       float64        `json:"time,omitempty"`
	Host       string         `json:"host,omitempty"`
	Source     string         `json:"source,omitempty"`
	SourceType string         `json:"sourcetype,omitempty"`
	Index      string         `json:"index,omitempty"`
	Event      any            `json:"event"`
	Fields     map[string]any `json:"fields,omitempty"`
}

// NewHECReceiver creates a new HEC receiver.
func NewHECReceiver(config ReceiverConfig, handler EventHandler) *HECReceiver {
	return &HECReceiver{
		config:  config,
		handler: handler,
	}
}

// Routes returns the collector endpoints, meant to be mounted at
// /services/collector.
func (r *HECReceiver) Routes() http.Handler {
	mux := chi.NewRouter()
	mux.Post("/event", r.handleEvent)
	mux.Post("/event/1.0", r.handleEvent)
	mux.Post("/raw", r.handleRaw)
	mux.Post("/raw/1.0", r.handleRaw)
	mux.Get("/health", r.handleHealth)
	mux.Get("/health/1.0", r.handleHealth)
	return mux
}

// Stats returns current receiver statistics.
func (r *HECReceiver) Stats() ReceiverStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stats
}

// handleEvent processes HEC event endpoint requests.
func (r *HECReceiver) handleEvent(w http.ResponseWriter, req *http.Request) {
	if !r.validateToken(req) {
		writeHEC(w, http.StatusForbidden, "Invalid token", codeInvalidToken)
		return
	}

	body, ok := r.readBody(w, req)
	if !ok {
		return
	}

	events, err := r.parseEvents(body)
	if err != nil {
		writeHEC(w, http.StatusBadRequest, err.Error(), codeInvalidData)
		return
	}

	r.dispatch(w, req.Context(), events, len(body))
}

// handleRaw processes raw HEC endpoint requests. Each non-empty line becomes
// one event.
func (r *HECReceiver) handleRaw(w http.ResponseWriter, req *http.Request) {
	if !r.validateToken(req) {
		writeHEC(w, http.StatusForbidden, "Invalid token", codeInvalidToken)
		return
	}

	body, ok := r.readBody(w, req)
	if !ok {
		return
	}

	q := req.URL.Query()
	var events []HECEvent
	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), len(body)+1)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if r.config.MaxBatchSize > 0 && len(events) >= r.config.MaxBatchSize {
			writeHEC(w, http.StatusBadRequest,
				fmt.Sprintf("batch exceeds maximum size of %d events", r.config.MaxBatchSize), codeInvalidData)
			return
		}
		events = append(events, HECEvent{
			Event:      line,
			SourceType: q.Get("sourcetype"),
			Source:     q.Get("source"),
			Host:       q.Get("host"),
			Index:      q.Get("index"),
		})
	}
	if len(events) == 0 {
		writeHEC(w, http.StatusBadRequest, "No data", codeNoData)
		return
	}

	r.dispatch(w, req.Context(), events, len(body))
}

// handleHealth handles health check requests.
func (r *HECReceiver) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeHEC(w, http.StatusOK, "HEC is healthy", codeHealthy)
}

func (r *HECReceiver) readBody(w http.ResponseWriter, req *http.Request) ([]byte, bool) {
	limit := int64(r.config.MaxEventSize)
	if limit <= 0 {
		limit = int64(DefaultReceiverConfig().MaxEventSize)
	}
	body, err := io.ReadAll(io.LimitReader(req.Body, limit+1))
	if err != nil {
		writeHEC(w, http.StatusBadRequest, "Error reading body", codeInvalidData)
		return nil, false
	}
	if int64(len(body)) > limit {
		writeHEC(w, http.StatusRequestEntityTooLarge, "Request too large", codeInvalidData)
		return nil, false
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeHEC(w, http.StatusBadRequest, "No data", codeNoData)
		return nil, false
	}
	return body, true
}

func (r *HECReceiver) dispatch(w http.ResponseWriter, ctx context.Context, events []HECEvent, size int) {
	r.mu.Lock()
	r.stats.EventsReceived += int64(len(events))
	r.stats.BytesReceived += int64(size)
	r.stats.LastEventAt = time.Now()
	r.mu.Unlock()

	if r.handler != nil {
		if err := r.handler(ctx, events); err != nil {
			r.mu.Lock()
			r.stats.EventsDropped += int64(len(events))
			r.mu.Unlock()
			writeHEC(w, http.StatusInternalServerError, "Error processing events", codeServerBusy)
			return
		}
	}

	writeHEC(w, http.StatusOK, "Success", codeSuccess)
}

// validateToken checks the HEC token. Requests are rejected when no token is
// configured, and only the Authorization header is accepted.
func (r *HECReceiver) validateToken(req *http.Request) bool {
	expected := os.Getenv(r.config.TokenEnv)
	if expected == "" {
		return false
	}

	auth := req.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Splunk ") {
		return false
	}
	got := strings.TrimPrefix(auth, "Splunk ")
	return subtle.ConstantTimeCompare([]byte(got), []byte(expected)) == 1
}

// parseEvents parses HEC event body (one JSON object or a stream of them).
func (r *HECReceiver) parseEvents(body []byte) ([]HECEvent, error) {
	var single HECEvent
	if err := json.Unmarshal(body, &single); err == nil {
		if single.Event == nil {
			return nil, errors.New("event field is required")
		}
		return []HECEvent{single}, nil
	}

	var events []HECEvent
	decoder := json.NewDecoder(bytes.NewReader(body))
	for decoder.More() {
		if r.config.MaxBatchSize > 0 && len(events) >= r.config.MaxBatchSize {
			return nil, fmt.Errorf("batch exceeds maximum size of %d events", r.config.MaxBatchSize)
		}
		var event HECEvent
		if err := decoder.Decode(&event); err != nil {
			return nil, fmt.Errorf("failed to parse event %d: %w", len(events), err)
		}
		if event.Event == nil {
			return nil, fmt.Errorf("event %d: event field is required", len(events))
		}
		events = append(events, event)
	}

	if len(events) == 0 {
		return nil, errors.New("no valid events found")
	}
	return events, nil
}

func writeHEC(w http.ResponseWriter, status int, text string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(struct {
		Text string `json:"text"`
		Code int    `json:"code"`
	}{text, code})
}
