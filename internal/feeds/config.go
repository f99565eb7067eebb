// Package feeds fetches external threat feeds, normalizes each declared
// payload format into indicator candidates, and merges them into the store.
package feeds

import (
	"time"
)

// Format is the declared payload format of a feed. It is never auto-detected.
type Format string

const (
	// FormatJSON is a JSON list of indicator objects (also NDJSON, wrapped
	// lists and OTX-style pulse lists).
	FormatJSON Format = "json"
	// FormatBlocklist is one indicator per line with optional delimiters,
	// comments and hosts-file prefixes.
	FormatBlocklist Format = "blocklist"
	// FormatCSV is delimited rows, with or without a header row.
	FormatCSV Format = "csv"
	// FormatJSONFields is arbitrary JSON with configured field paths.
	FormatJSONFields Format = "json_fields"
	// FormatText is free text scanned for any indicator.
	FormatText Format = "text"
)

// Formats lists every supported format.
func Formats() []Format {
	return []Format{FormatJSON, FormatBlocklist, FormatCSV, FormatJSONFields, FormatText}
}

// ConfidenceScale says how a feed's numeric confidence is read.
type ConfidenceScale string

const (
	// ScaleAuto reads values strictly between 0 and 1 as fractions and
	// anything else as a percentage.
	ScaleAuto ConfidenceScale = "auto"
	// ScalePercent reads every value as 0..100.
	ScalePercent ConfidenceScale = "percent"
	// ScaleFraction reads every value as 0..1.
	ScaleFraction ConfidenceScale = "fraction"
)

// FeedConfig describes one external feed.
type FeedConfig struct {
	Name    string        `yaml:"name" validate:"required"`
	URL     string        `yaml:"url" validate:"required,url"`
	Format  Format        `yaml:"format" validate:"required,oneof=json blocklist csv json_fields text"`
	Enabled bool          `yaml:"enabled"`
	Timeout time.Duration `yaml:"timeout" validate:"gte=0"`
	Retries int           `yaml:"retries" validate:"gte=0,lte=10"`

	// APIKeyEnv names the env var holding the key sent in APIKeyHeader.
	APIKeyEnv    string `yaml:"api_key_env"`
	APIKeyHeader string `yaml:"api_key_header"`

	// DefaultType applies when records carry no type. Empty means infer.
	DefaultType     string   `yaml:"default_type"`
	DefaultSeverity string   `yaml:"default_severity"`
	Tags            []string `yaml:"tags"`
	Delimiter       string   `yaml:"delimiter"`

	// ConfidenceScale defaults to auto.
	ConfidenceScale ConfidenceScale `yaml:"confidence_scale" validate:"omitempty,oneof=auto percent fraction"`

	Fields FieldMapping `yaml:"fields"`
}

// FieldMapping names where each indicator field lives in a record. For
// json_fields the values are dotted paths; for csv they are header names or
// zero-based column indexes.
type FieldMapping struct {
	Items       string `yaml:"items"`
	Value       string `yaml:"value"`
	Type        string `yaml:"type"`
	Description string `yaml:"description"`
	Severity    string `yaml:"severity"`
	Confidence  string `yaml:"confidence"`
	Tags        string `yaml:"tags"`
	FirstSeen   string `yaml:"first_seen"`
	LastSeen    string `yaml:"last_seen"`
	Active      string `yaml:"active"`
}

const defaultFeedTimeout = 30 * time.Second

func (c FeedConfig) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return defaultFeedTimeout
}
