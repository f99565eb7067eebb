// Package indicator defines the threat-intel data model shared by the pipeline:
// indicator types and severities, canonical stored indicators, feed candidates
// and alerts.
package indicator

import (
	"fmt"
	"net/netip"
	"sort"
	"strings"
	"time"
)

// Type is the closed set of indicator kinds.
type Type string

const (
	TypeIP     Type = "ip"
	TypeDomain Type = "domain"
	TypeURL    Type = "url"
	TypeHash   Type = "hash"
	TypeEmail  Type = "email"
	TypeFile   Type = "file"
)

// AllTypes returns every indicator type in a stable order.
func AllTypes() []Type {
	return []Type{TypeIP, TypeDomain, TypeURL, TypeHash, TypeEmail, TypeFile}
}

// Valid reports whether t is one of the known types.
func (t Type) Valid() bool {
	switch t {
	case TypeIP, TypeDomain, TypeURL, TypeHash, TypeEmail, TypeFile:
		return true
	default:
		return false
	}
}

func (t Type) String() string { return string(t) }

// typeAliases maps feed vocabularies (OTX, MISP, STIX-ish) onto our types.
var typeAliases = map[string]Type{
	"ip":              TypeIP,
	"ipv4":            TypeIP,
	"ipv6":            TypeIP,
	"ip-src":          TypeIP,
	"ip-dst":          TypeIP,
	"ip_address":      TypeIP,
	"ipv4-addr":       TypeIP,
	"ipv6-addr":       TypeIP,
	"domain":          TypeDomain,
	"hostname":        TypeDomain,
	"fqdn":            TypeDomain,
	"domain-name":     TypeDomain,
	"url":             TypeURL,
	"uri":             TypeURL,
	"link":            TypeURL,
	"hash":            TypeHash,
	"md5":             TypeHash,
	"sha1":            TypeHash,
	"sha256":          TypeHash,
	"sha512":          TypeHash,
	"filehash-md5":    TypeHash,
	"filehash-sha1":   TypeHash,
	"filehash-sha256": TypeHash,
	"filehash-sha512": TypeHash,
	"file_hash":       TypeHash,
	"email":           TypeEmail,
	"email-src":       TypeEmail,
	"email-dst":       TypeEmail,
	"email-addr":      TypeEmail,
	"file":            TypeFile,
	"filename":        TypeFile,
	"filepath":        TypeFile,
	"file_name":       TypeFile,
}

// ParseType converts a feed-supplied type name into a Type.
func ParseType(s string) (Type, error) {
	if t, ok := typeAliases[strings.ToLower(strings.TrimSpace(s))]; ok {
		return t, nil
	}
	return "", fmt.Errorf("unknown indicator type %q", s)
}

// Severity is an ordered severity level.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank returns the ordinal of the severity, 0 for unknown values.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool { return s.Rank() > 0 }

// SeverityFromRank is the inverse of Rank. Out-of-range ranks map to low.
func SeverityFromRank(rank int) Severity {
	switch rank {
	case 4:
		return SeverityCritical
	case 3:
		return SeverityHigh
	case 2:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// ParseSeverity normalizes a feed severity. Unknown values return ok=false.
func ParseSeverity(s string) (Severity, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low", "info", "informational":
		return SeverityLow, true
	case "medium", "moderate", "med":
		return SeverityMedium, true
	case "high":
		return SeverityHigh, true
	case "critical", "crit", "severe":
		return SeverityCritical, true
	default:
		return "", false
	}
}

// MaxSeverity returns the higher of a and b.
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// Indicator is the canonical stored record. (Type, Value) is unique.
type Indicator struct {
	ID          string            `json:"id"`
	Type        Type              `json:"type"`
	Value       string            `json:"value"`
	Description string            `json:"description,omitempty"`
	Confidence  float64           `json:"confidence"`
	Severity    Severity          `json:"severity"`
	Tags        []string          `json:"tags"`
	Sources     []string          `json:"sources"`
	FirstSeen   time.Time         `json:"first_seen"`
	LastSeen    time.Time         `json:"last_seen"`
	IsActive    bool              `json:"is_active"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Key returns the deduplication key of the indicator.
func (i Indicator) Key() Key { return Key{Type: i.Type, Value: i.Value} }

// Key identifies an indicator.
type Key struct {
	Type  Type
	Value string
}

func (k Key) String() string { return string(k.Type) + ":" + k.Value }

// Candidate is an unvalidated indicator produced by a feed adapter.
type Candidate struct {
	Type        Type
	Value       string
	Description string
	Severity    Severity
	Confidence  float64
	Tags        []string
	FirstSeen   time.Time
	LastSeen    time.Time
	// Inactive is set when the feed explicitly marks the indicator as retired.
	Inactive bool
	Metadata map[string]string
}

// Key returns the candidate's deduplication key after canonicalization.
func (c Candidate) Key() Key {
	return Key{Type: c.Type, Value: Canonical(c.Type, c.Value)}
}

// Alert is a separate record type that may reference indicator values.
type Alert struct {
	ID              string    `json:"id"`
	Title           string    `json:"title"`
	Severity        Severity  `json:"severity"`
	Source          string    `json:"source"`
	IndicatorValues []string  `json:"indicator_values"`
	CreatedAt       time.Time `json:"created_at"`
}

// Canonical returns the stored form of value for the given type.
func Canonical(t Type, value string) string {
	value = strings.TrimSpace(value)
	switch t {
	case TypeDomain, TypeEmail, TypeHash:
		return strings.TrimSuffix(strings.ToLower(value), ".")
	case TypeIP:
		if addr, err := netip.ParseAddr(value); err == nil && addr.Zone() == "" {
			return addr.String()
		}
		return strings.ToLower(value)
	default:
		return value
	}
}

// ClampConfidence bounds c to [0, 100].
func ClampConfidence(c float64) float64 {
	switch {
	case c < 0:
		return 0
	case c > 100:
		return 100
	default:
		return c
	}
}

// UnionSorted merges string sets, dropping blanks and duplicates.
func UnionSorted(sets ...[]string) []string {
	seen := make(map[string]struct{})
	for _, set := range sets {
		for _, s := range set {
			s = strings.TrimSpace(s)
			if s == "" {
				continue
			}
			seen[s] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
