// Package store holds the canonical indicator set. Upserts are atomic per
// (type, value) key and apply a monotonic merge: confidence and severity only
// rise, sources and tags only grow, the observation window only widens.
package store

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lvonguyen/threatlens/internal/indicator"
)

var (
	// ErrUnavailable marks a connectivity failure of the backing store. It is
	// the only store error callers treat as fatal for a sync run.
	ErrUnavailable = errors.New("indicator store unavailable")
	// ErrNotFound is returned when no indicator exists for a key.
	ErrNotFound = errors.New("indicator not found")
	// ErrInvalidCandidate is returned for candidates without a known type or value.
	ErrInvalidCandidate = errors.New("invalid indicator candidate")
)

// UpsertResult reports the stored record after an upsert.
type UpsertResult struct {
	Indicator indicator.Indicator
	Created   bool
}

// Store is the canonical indicator and alert store.
type Store interface {
	// Upsert inserts or merges a candidate observed by source.
	Upsert(ctx context.Context, c indicator.Candidate, source string) (UpsertResult, error)
	Get(ctx context.Context, t indicator.Type, value string) (indicator.Indicator, error)
	// Recent returns up to limit indicators ordered by LastSeen descending.
	Recent(ctx context.Context, limit int) ([]indicator.Indicator, error)
	RecentByType(ctx context.Context, t indicator.Type, limit int) ([]indicator.Indicator, error)
	// Deactivate marks an indicator inactive. Records are never deleted.
	Deactivate(ctx context.Context, t indicator.Type, value string) error
	Count(ctx context.Context) (int, error)

	AddAlert(ctx context.Context, a indicator.Alert) (indicator.Alert, error)
	// RecentAlerts returns up to limit alerts ordered by CreatedAt descending.
	RecentAlerts(ctx context.Context, limit int) ([]indicator.Alert, error)

	Ping(ctx context.Context) error
	Close() error
}

func checkCandidate(c indicator.Candidate) error {
	if !c.Type.Valid() || strings.TrimSpace(c.Value) == "" {
		return ErrInvalidCandidate
	}
	return nil
}

// observationWindow returns the first/last seen times of a sighting at now.
// LastSeen is always the ingest time. A timestamp reported by the feed can
// only move FirstSeen earlier; future timestamps are ignored.
func observationWindow(c indicator.Candidate, now time.Time) (time.Time, time.Time) {
	first := now
	for _, ts := range []time.Time{c.FirstSeen, c.LastSeen} {
		if !ts.IsZero() && ts.Before(first) {
			first = ts
		}
	}
	return first.UTC(), now.UTC()
}

// NewRecord builds the record stored for a first sighting.
func NewRecord(c indicator.Candidate, source string, now time.Time) indicator.Indicator {
	first, last := observationWindow(c, now)
	sev := c.Severity
	if !sev.Valid() {
		sev = indicator.SeverityLow
	}
	return indicator.Indicator{
		ID:          uuid.NewString(),
		Type:        c.Type,
		Value:       indicator.Canonical(c.Type, c.Value),
		Description: strings.TrimSpace(c.Description),
		Confidence:  indicator.ClampConfidence(c.Confidence),
		Severity:    sev,
		Tags:        indicator.UnionSorted(c.Tags),
		Sources:     indicator.UnionSorted([]string{source}),
		FirstSeen:   first,
		LastSeen:    last,
		IsActive:    !c.Inactive,
		Metadata:    copyMetadata(nil, c.Metadata),
	}
}

// Merge folds a candidate into an existing record.
func Merge(existing indicator.Indicator, c indicator.Candidate, source string, now time.Time) indicator.Indicator {
	first, last := observationWindow(c, now)

	out := existing
	out.Confidence = existing.Confidence
	if conf := indicator.ClampConfidence(c.Confidence); conf > out.Confidence {
		out.Confidence = conf
	}
	if c.Severity.Valid() {
		out.Severity = indicator.MaxSeverity(existing.Severity, c.Severity)
	}
	if out.Description == "" {
		out.Description = strings.TrimSpace(c.Description)
	}
	out.Tags = indicator.UnionSorted(existing.Tags, c.Tags)
	out.Sources = indicator.UnionSorted(existing.Sources, []string{source})
	if first.Before(existing.FirstSeen) {
		out.FirstSeen = first
	}
	if last.After(existing.LastSeen) {
		out.LastSeen = last
	}
	out.IsActive = !c.Inactive
	out.Metadata = copyMetadata(existing.Metadata, c.Metadata)
	return out
}

func copyMetadata(base, overlay map[string]string) map[string]string {
	if len(base) == 0 && len(overlay) == 0 {
		return nil
	}
	out := make(map[string]string, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		out[k] = v
	}
	return out
}

// newestFirst orders by LastSeen descending, then key, and truncates to limit.
func newestFirst(out []indicator.Indicator, limit int) []indicator.Indicator {
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].LastSeen.After(out[j].LastSeen)
		}
		return out[i].Key().String() < out[j].Key().String()
	})
	if limit < 0 {
		limit = 0
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}
