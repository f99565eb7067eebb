package splunk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/threatlens/internal/events"
)

// HECSender forwards threatlens events to Splunk via HEC. It implements
// events.Publisher.
type HECSender struct {
	config     SenderConfig
	token      string
	httpClient *http.Client
	logger     *zap.Logger
	subjects   map[string]bool
	mu         sync.RWMutex
	stats      SenderStats
}

// SenderConfig holds HEC sender configuration.
type SenderConfig struct {
	Enabled    bool          `yaml:"enabled"`
	HECURL     string        `yaml:"hec_url" validate:"required_if=Enabled true,omitempty,url"`
	TokenEnv   string        `yaml:"token_env" validate:"required_if=Enabled true"`
	Index      string        `yaml:"index"`
	SourceType string        `yaml:"sourcetype"`
	Source     string        `yaml:"source"`
	Subjects   []string      `yaml:"subjects"`
	Timeout    time.Duration `yaml:"timeout" validate:"gte=0"`
	RetryCount int           `yaml:"retry_count" validate:"gte=0,lte=10"`
	RetryDelay time.Duration `yaml:"retry_delay" validate:"gte=0"`
}

// DefaultSenderConfig returns sensible defaults.
func DefaultSenderConfig() SenderConfig {
	return SenderConfig{
		TokenEnv:   "SPLUNK_HEC_TOKEN_OUTBOUND",
		Index:      "threatlens",
		SourceType: "threatlens:alert",
		Source:     "threatlens",
		Subjects:   []string{events.SubjectAlertCreated},
		Timeout:    30 * time.Second,
		RetryCount: 3,
		RetryDelay: time.Second,
	}
}

// SenderStats tracks sender metrics.
type SenderStats struct {
	EventsSent   int64
	EventsFailed int64
	BytesSent    int64
	LastSendAt   time.Time
}

// NewHECSender creates a new HEC sender. A nil client gets one with the
// configured timeout.
func NewHECSender(config SenderConfig, client *http.Client, logger *zap.Logger) (*HECSender, error) {
	token := os.Getenv(config.TokenEnv)
	if token == "" {
		return nil, fmt.Errorf("HEC token not found in env var: %s", config.TokenEnv)
	}
	if config.HECURL == "" {
		return nil, fmt.Errorf("HEC URL is required")
	}
	if client == nil {
		client = &http.Client{Timeout: config.Timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	subjects := make(map[string]bool, len(config.Subjects))
	for _, s := range config.Subjects {
		subjects[s] = true
	}

	return &HECSender{
		config:     config,
		token:      token,
		httpClient: client,
		logger:     logger.With(zap.String("component", "splunk")),
		subjects:   subjects,
	}, nil
}

// Publish forwards one event. Subjects outside the configured set and alerts
// that came from Splunk are skipped.
func (s *HECSender) Publish(ctx context.Context, e events.Event) error {
	if !s.forwards(e) {
		return nil
	}
	return s.SendBatch(ctx, []events.Event{e})
}

// Close is a no-op; the sender holds no persistent connection.
func (s *HECSender) Close() error { return nil }

func (s *HECSender) forwards(e events.Event) bool {
	if len(s.subjects) > 0 && !s.subjects[e.Subject] {
		return false
	}
	if e.Alert != nil && (e.Alert.Source == Source || strings.HasPrefix(e.Alert.Source, Source+":")) {
		return false
	}
	return true
}

// SendBatch sends events as newline-delimited HEC JSON.
func (s *HECSender) SendBatch(ctx context.Context, batch []events.Event) error {
	if len(batch) == 0 {
		return nil
	}

	var buf bytes.Buffer
	for _, e := range batch {
		data, err := json.Marshal(s.toHEC(e))
		if err != nil {
			return fmt.Errorf("encoding event %s: %w", e.ID, err)
		}
		buf.Write(data)
		buf.WriteByte('\n')
	}

	if err := s.sendWithRetry(ctx, buf.Bytes()); err != nil {
		s.mu.Lock()
		s.stats.EventsFailed += int64(len(batch))
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	s.stats.EventsSent += int64(len(batch))
	s.stats.BytesSent += int64(buf.Len())
	s.stats.LastSendAt = time.Now()
	s.mu.Unlock()
	return nil
}

func (s *HECSender) toHEC(e events.Event) HECEvent {
	fields := map[string]any{"subject": e.Subject}
	if e.Alert != nil {
		fields["severity"] = string(e.Alert.Severity)
		fields["indicator_count"] = len(e.Alert.IndicatorValues)
	}
	if e.Indicator != nil {
		fields["indicator_type"] = string(e.Indicator.Type)
		fields["confidence"] = e.Indicator.Confidence
	}
	return HECEvent{
		Time:       float64(e.OccurredAt.UnixMilli()) / 1000,
		Source:     s.config.Source,
		SourceType: s.config.SourceType,
		Index:      s.config.Index,
		Event:      e,
		Fields:     fields,
	}
}

// sendWithRetry sends data with quadratic backoff between attempts.
func (s *HECSender) sendWithRetry(ctx context.Context, data []byte) error {
	var lastErr error

	for attempt := 0; attempt <= s.config.RetryCount; attempt++ {
		if attempt > 0 {
			delay := time.Duration(attempt*attempt) * s.config.RetryDelay
			select {
			case <-ctx.Done():
				return fmt.Errorf("HEC send cancelled: %w", ctx.Err())
			case <-time.After(delay):
			}
		}

		err := s.send(ctx, data)
		if err == nil {
			return nil
		}
		lastErr = err
		s.logger.Warn("HEC send failed", zap.Int("attempt", attempt+1), zap.Error(err))
	}

	return fmt.Errorf("failed after %d retries: %w", s.config.RetryCount, lastErr)
}

// send performs the actual HTTP request.
func (s *HECSender) send(ctx context.Context, data []byte) error {
	url := strings.TrimSuffix(s.config.HECURL, "/") + "/services/collector/event"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Splunk "+s.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HEC request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("HEC returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// Stats returns current sender statistics.
func (s *HECSender) Stats() SenderStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

// HealthCheck verifies connectivity to Splunk HEC.
func (s *HECSender) HealthCheck(ctx context.Context) error {
	url := strings.TrimSuffix(s.config.HECURL, "/") + "/services/collector/health"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("Splunk HEC health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("Splunk HEC returned status %d", resp.StatusCode)
	}
	return nil
}
