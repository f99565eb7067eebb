package feeds

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lvonguyen/threatlens/internal/indicator"
	"github.com/lvonguyen/threatlens/internal/validation"
)

// Confidence assigned per extraction method when the feed gives none.
const (
	ConfidenceStructured  = 80.0
	ConfidenceHash        = 90.0
	ConfidenceDomainList  = 70.0
	ConfidenceDomainText  = 65.0
	ConfidenceGenericText = 60.0
)

// ErrParse is returned when a payload cannot be read as its declared format
// at all. Individual malformed records never produce it.
var ErrParse = errors.New("feed payload could not be parsed")

// Result is the outcome of normalizing one payload.
type Result struct {
	Candidates []indicator.Candidate
	// Processed counts records examined (items, rows or non-comment lines).
	Processed int
	// Skipped counts malformed records.
	Skipped int
	// Rejected counts well-formed records the validator refused.
	Rejected int
	// Duplicates counts repeats of a key already emitted from this payload.
	Duplicates int
}

// Normalize converts payload into validated candidates using the feed's
// declared format.
func Normalize(cfg FeedConfig, payload []byte) (Result, error) {
	b := newBuilder(cfg)

	var err error
	switch cfg.Format {
	case FormatJSON:
		err = normalizeJSON(b, payload)
	case FormatJSONFields:
		err = normalizeJSONFields(b, payload)
	case FormatCSV:
		err = normalizeCSV(b, payload)
	case FormatBlocklist:
		normalizeBlocklist(b, payload)
	case FormatText:
		normalizeText(b, payload)
	default:
		return Result{}, fmt.Errorf("unsupported feed format %q", cfg.Format)
	}
	if err != nil {
		return b.res, err
	}
	return b.res, nil
}

// builder accumulates candidates for one payload, applying feed defaults,
// validation and within-payload dedup.
type builder struct {
	cfg         FeedConfig
	defaultType indicator.Type
	defaultSev  indicator.Severity
	seen        map[indicator.Key]struct{}
	res         Result
}

func newBuilder(cfg FeedConfig) *builder {
	b := &builder{
		cfg:        cfg,
		defaultSev: indicator.SeverityLow,
		seen:       make(map[indicator.Key]struct{}),
	}
	if t, err := indicator.ParseType(cfg.DefaultType); err == nil {
		b.defaultType = t
	}
	if sev, ok := indicator.ParseSeverity(cfg.DefaultSeverity); ok {
		b.defaultSev = sev
	}
	b.res.Candidates = make([]indicator.Candidate, 0)
	return b
}

func (b *builder) record() { b.res.Processed++ }

func (b *builder) skip() { b.res.Skipped++ }

// add validates c and appends it. c.Type must already be resolved.
func (b *builder) add(c indicator.Candidate) {
	c.Value = strings.TrimSpace(c.Value)
	if !c.Type.Valid() || c.Value == "" || !validation.Valid(c.Type, c.Value) {
		b.res.Rejected++
		return
	}
	c.Value = indicator.Canonical(c.Type, c.Value)

	key := c.Key()
	if _, dup := b.seen[key]; dup {
		b.res.Duplicates++
		return
	}
	b.seen[key] = struct{}{}

	if !c.Severity.Valid() {
		c.Severity = b.defaultSev
	}
	c.Confidence = indicator.ClampConfidence(c.Confidence)
	c.Tags = indicator.UnionSorted(c.Tags, b.cfg.Tags)
	b.res.Candidates = append(b.res.Candidates, c)
}

// resolveType picks the record's declared type, then the feed default, then
// the value's shape. ok=false means the record cannot be typed.
func (b *builder) resolveType(declared, value string) (indicator.Type, bool) {
	if declared != "" {
		t, err := indicator.ParseType(declared)
		return t, err == nil
	}
	if b.defaultType != "" {
		return b.defaultType, true
	}
	return validation.Classify(value)
}

// extractionConfidence is the confidence for values recovered from
// unstructured text rather than a labelled field.
func extractionConfidence(t indicator.Type, fromList bool) float64 {
	switch t {
	case indicator.TypeHash:
		return ConfidenceHash
	case indicator.TypeDomain:
		if fromList {
			return ConfidenceDomainList
		}
		return ConfidenceDomainText
	default:
		return ConfidenceGenericText
	}
}

// severityFromTags infers severity from threat tags. ok=false when no tag
// carries a signal.
func severityFromTags(tags []string, adversary string) (indicator.Severity, bool) {
	tagLower := strings.ToLower(strings.Join(tags, " "))

	switch {
	case strings.Contains(tagLower, "apt") || strings.Contains(tagLower, "ransomware"):
		return indicator.SeverityCritical, true
	case strings.Contains(tagLower, "malware") || strings.Contains(tagLower, "c2"):
		return indicator.SeverityHigh, true
	case strings.Contains(tagLower, "phishing") || strings.Contains(tagLower, "botnet"):
		return indicator.SeverityMedium, true
	}

	if adversary != "" {
		return indicator.SeverityHigh, true
	}
	return "", false
}

// parseConfidence reads an explicit score on the given scale. Under auto a
// string is a fraction only when written with a decimal point, so "1" stays
// 1 while "1.0" becomes 100.
func parseConfidence(v any, scale ConfidenceScale) (float64, bool) {
	var f float64
	fraction := false
	switch x := v.(type) {
	case float64:
		f = x
		fraction = f > 0 && f < 1
	case int:
		f = float64(x)
	case string:
		s := strings.TrimSpace(x)
		percent := strings.HasSuffix(s, "%")
		parsed, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimSuffix(s, "%")), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
		fraction = !percent && strings.Contains(s, ".") && f <= 1
	default:
		return 0, false
	}
	if f < 0 {
		return 0, false
	}

	switch scale {
	case ScaleFraction:
		f *= 100
	case ScalePercent:
	default:
		if fraction {
			f *= 100
		}
	}
	return indicator.ClampConfidence(f), true
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.000000",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05 MST",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// parseTime accepts the timestamp formats seen across feeds, including unix
// seconds and milliseconds.
func parseTime(v any) (time.Time, bool) {
	switch x := v.(type) {
	case float64:
		return unixTime(int64(x))
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return time.Time{}, false
		}
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC(), true
			}
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return unixTime(n)
		}
	}
	return time.Time{}, false
}

func unixTime(n int64) (time.Time, bool) {
	switch {
	case n <= 0:
		return time.Time{}, false
	case n > 1e12:
		return time.UnixMilli(n).UTC(), true
	default:
		return time.Unix(n, 0).UTC(), true
	}
}

// parseActive interprets activity flags and status strings. ok=false when
// the value says nothing about activity.
func parseActive(v any) (active bool, ok bool) {
	switch x := v.(type) {
	case bool:
		return x, true
	case float64:
		return x != 0, true
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "true", "1", "yes", "active", "online":
			return true, true
		case "false", "0", "no", "inactive", "offline", "expired", "removed":
			return false, true
		}
	}
	return false, false
}

// parseTags accepts a list of strings or a comma-separated string.
func parseTags(v any) []string {
	switch x := v.(type) {
	case []any:
		out := make([]string, 0, len(x))
		for _, t := range x {
			if s, ok := t.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return x
	case string:
		return splitList(x)
	}
	return nil
}

func splitList(s string) []string {
	parts := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ';' || r == '|' })
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func asString(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		return x, true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(x), true
	}
	return "", false
}
