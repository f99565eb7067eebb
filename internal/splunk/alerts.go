package splunk

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/threatlens/internal/events"
	"github.com/lvonguyen/threatlens/internal/indicator"
	"github.com/lvonguyen/threatlens/internal/validation"
)

// Source is recorded on alerts ingested from Splunk. The sourcetype, when
// present, is appended after a colon.
const Source = "splunk"

const (
	maxTitleLen        = 256
	maxIndicatorValues = 100
)

var (
	titleKeys    = []string{"title", "search_name", "rule_name", "signature", "message", "name"}
	severityKeys = []string{"severity", "urgency", "priority"}
)

// AlertSink persists alerts.
type AlertSink interface {
	AddAlert(ctx context.Context, a indicator.Alert) (indicator.Alert, error)
}

// AlertHandler returns an EventHandler that records every event as an alert
// and publishes an alert event for it.
func AlertHandler(sink AlertSink, pub events.Publisher, logger *zap.Logger) EventHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "splunk"))
	return func(ctx context.Context, batch []HECEvent) error {
		for i, e := range batch {
			stored, err := sink.AddAlert(ctx, ToAlert(e))
			if err != nil {
				return fmt.Errorf("recording alert %d of %d: %w", i+1, len(batch), err)
			}
			if err := pub.Publish(ctx, events.AlertEvent(stored)); err != nil {
				logger.Warn("Failed to publish alert event", zap.String("alert_id", stored.ID), zap.Error(err))
			}
		}
		logger.Debug("Ingested HEC events", zap.Int("count", len(batch)))
		return nil
	}
}

// ToAlert maps a HEC event to an alert. Indicator values are extracted from
// every string in the event body and its indexed fields.
func ToAlert(e HECEvent) indicator.Alert {
	alert := indicator.Alert{
		Title:    eventTitle(e),
		Severity: eventSeverity(e),
		Source:   Source,
	}
	if e.SourceType != "" {
		alert.Source = Source + ":" + e.SourceType
	}
	if e.Time > 0 {
		sec, frac := math.Modf(e.Time)
		alert.CreatedAt = time.Unix(int64(sec), int64(frac*1e9)).UTC()
	}

	var texts []string
	collectStrings(e.Event, &texts)
	collectStrings(e.Fields, &texts)

	seen := make(map[string]bool)
	values := []string{}
	for _, text := range texts {
		for _, m := range validation.Extract(text) {
			if seen[m.Value] {
				continue
			}
			seen[m.Value] = true
			values = append(values, m.Value)
			if len(values) == maxIndicatorValues {
				alert.IndicatorValues = values
				return alert
			}
		}
	}
	alert.IndicatorValues = values
	return alert
}

func eventTitle(e HECEvent) string {
	var title string
	switch body := e.Event.(type) {
	case string:
		title, _, _ = strings.Cut(strings.TrimSpace(body), "\n")
	case map[string]any:
		title = firstString(body, titleKeys)
	}
	if title == "" {
		title = firstString(e.Fields, titleKeys)
	}
	if title == "" {
		title = "Splunk event"
		if e.Host != "" {
			title += " from " + e.Host
		}
	}
	if len(title) > maxTitleLen {
		title = title[:maxTitleLen]
	}
	return title
}

func eventSeverity(e HECEvent) indicator.Severity {
	if body, ok := e.Event.(map[string]any); ok {
		if sev, ok := indicator.ParseSeverity(firstString(body, severityKeys)); ok {
			return sev
		}
	}
	if sev, ok := indicator.ParseSeverity(firstString(e.Fields, severityKeys)); ok {
		return sev
	}
	return indicator.SeverityMedium
}

func firstString(m map[string]any, keys []string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

// collectStrings walks a decoded JSON value depth first. Map keys are visited
// in sorted order so extraction is deterministic.
func collectStrings(v any, out *[]string) {
	switch x := v.(type) {
	case string:
		*out = append(*out, x)
	case []any:
		for _, item := range x {
			collectStrings(item, out)
		}
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			collectStrings(x[k], out)
		}
	}
}
