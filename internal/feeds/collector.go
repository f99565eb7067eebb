package feeds

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lvonguyen/threatlens/internal/events"
	"github.com/lvonguyen/threatlens/internal/indicator"
	"github.com/lvonguyen/threatlens/internal/observability"
	"github.com/lvonguyen/threatlens/internal/store"
	"github.com/lvonguyen/threatlens/internal/validation"
)

// ManualSource is the source recorded for indicators submitted through the API.
const ManualSource = "manual"

var (
	// ErrSyncInProgress is returned by SyncFeed when another pass is already
	// syncing the same feed.
	ErrSyncInProgress = errors.New("feed sync in progress")
	// ErrUnknownFeed is returned by SyncFeed for a name not in the config.
	ErrUnknownFeed = errors.New("unknown feed")
)

// FeedReport summarizes one feed within a sync run.
type FeedReport struct {
	Feed       string        `json:"feed"`
	Processed  int           `json:"processed"`
	Created    int           `json:"created"`
	Updated    int           `json:"updated"`
	Skipped    int           `json:"skipped"`
	Rejected   int           `json:"rejected"`
	Duplicates int           `json:"duplicates"`
	Errors     int           `json:"errors"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// SyncReport summarizes a sync run across all enabled feeds.
type SyncReport struct {
	RunID      string       `json:"run_id"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Feeds      []FeedReport `json:"feeds"`
}

// Totals sums the per-feed counters.
func (r SyncReport) Totals() FeedReport {
	var t FeedReport
	t.Feed = "total"
	for _, f := range r.Feeds {
		t.Processed += f.Processed
		t.Created += f.Created
		t.Updated += f.Updated
		t.Skipped += f.Skipped
		t.Rejected += f.Rejected
		t.Duplicates += f.Duplicates
		t.Errors += f.Errors
	}
	t.Duration = r.FinishedAt.Sub(r.StartedAt)
	return t
}

// FeedHealth is the rolling health of one feed.
type FeedHealth struct {
	Feed                string    `json:"feed"`
	Enabled             bool      `json:"enabled"`
	Format              Format    `json:"format"`
	LastAttempt         time.Time `json:"last_attempt,omitempty"`
	LastSuccess         time.Time `json:"last_success,omitempty"`
	LastError           string    `json:"last_error,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastProcessed       int       `json:"last_processed"`
}

// Healthy reports whether the last attempt succeeded.
func (h FeedHealth) Healthy() bool {
	return !h.LastSuccess.IsZero() && h.ConsecutiveFailures == 0
}

// CollectorConfig tunes the collector.
type CollectorConfig struct {
	Concurrency int
}

// Collector fans feed syncs out concurrently and merges their candidates into
// the store. A failing feed never affects the others.
type Collector struct {
	feeds     []FeedConfig
	source    Source
	store     store.Store
	publisher events.Publisher
	logger    *zap.Logger
	metrics   *observability.Metrics
	tracer    trace.Tracer
	config    CollectorConfig

	// inflight holds one lock per configured feed. It is never written after
	// NewCollector.
	inflight map[string]*sync.Mutex

	mu     sync.RWMutex
	health map[string]*FeedHealth
	last   *SyncReport
}

// NewCollector wires a collector. publisher and metrics may be nil.
func NewCollector(feeds []FeedConfig, source Source, st store.Store, publisher events.Publisher,
	logger *zap.Logger, metrics *observability.Metrics, cfg CollectorConfig) *Collector {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if publisher == nil {
		publisher = events.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	health := make(map[string]*FeedHealth, len(feeds))
	inflight := make(map[string]*sync.Mutex, len(feeds))
	for _, f := range feeds {
		health[f.Name] = &FeedHealth{Feed: f.Name, Enabled: f.Enabled, Format: f.Format}
		inflight[f.Name] = &sync.Mutex{}
	}

	return &Collector{
		feeds:     feeds,
		source:    source,
		store:     st,
		publisher: publisher,
		logger:    logger.With(zap.String("component", "feeds")),
		metrics:   metrics,
		tracer:    otel.Tracer("threatlens/feeds"),
		config:    cfg,
		inflight:  inflight,
		health:    health,
	}
}

// SyncAll syncs every enabled feed. The returned error is non-nil only when
// the store became unavailable; per-feed failures are in the report. A feed
// already being synced by another caller is reported as skipped.
func (c *Collector) SyncAll(ctx context.Context) (SyncReport, error) {
	report := SyncReport{RunID: uuid.NewString(), StartedAt: time.Now().UTC()}

	ctx, span := c.tracer.Start(ctx, "feeds.sync_all", trace.WithAttributes(attribute.String("run_id", report.RunID)))
	defer span.End()

	var enabled []FeedConfig
	for _, f := range c.feeds {
		if f.Enabled {
			enabled = append(enabled, f)
		}
	}

	reports := make([]FeedReport, len(enabled))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.config.Concurrency)
	for i, f := range enabled {
		g.Go(func() error {
			fr, err := c.syncFeed(gctx, f)
			if errors.Is(err, ErrSyncInProgress) {
				fr.Error = err.Error()
				err = nil
			}
			reports[i] = fr
			return err
		})
	}
	err := g.Wait()

	report.Feeds = reports
	report.FinishedAt = time.Now().UTC()
	totals := report.Totals()
	c.logger.Info("Feed sync complete",
		zap.String("run_id", report.RunID),
		zap.Int("feeds", len(enabled)),
		zap.Int("processed", totals.Processed),
		zap.Int("created", totals.Created),
		zap.Int("updated", totals.Updated),
		zap.Int("skipped", totals.Skipped),
		zap.Int("rejected", totals.Rejected),
		zap.Int("errors", totals.Errors),
		zap.Duration("duration", totals.Duration),
	)
	c.mu.Lock()
	c.last = &report
	c.mu.Unlock()
	if err != nil {
		span.RecordError(err)
		return report, err
	}
	return report, nil
}

// LastReport returns the report of the most recent SyncAll.
func (c *Collector) LastReport() (SyncReport, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.last == nil {
		return SyncReport{}, false
	}
	return *c.last, true
}

// SyncFeed syncs one feed by name regardless of its enabled flag. It returns
// ErrSyncInProgress without fetching when the feed is already being synced.
func (c *Collector) SyncFeed(ctx context.Context, name string) (FeedReport, error) {
	for _, f := range c.feeds {
		if f.Name == name {
			return c.syncFeed(ctx, f)
		}
	}
	return FeedReport{}, fmt.Errorf("%w %q", ErrUnknownFeed, name)
}

func (c *Collector) syncFeed(ctx context.Context, f FeedConfig) (FeedReport, error) {
	fr := FeedReport{Feed: f.Name}
	if lock := c.inflight[f.Name]; lock != nil {
		if !lock.TryLock() {
			c.logger.Info("Feed sync skipped, already running", zap.String("feed", f.Name))
			return fr, fmt.Errorf("%w: %s", ErrSyncInProgress, f.Name)
		}
		defer lock.Unlock()
	}

	start := time.Now()
	logger := c.logger.With(zap.String("feed", f.Name))

	ctx, span := c.tracer.Start(ctx, "feeds.sync_feed", trace.WithAttributes(attribute.String("feed", f.Name)))
	defer span.End()

	res, err := c.fetchAndNormalize(ctx, f)
	if err != nil {
		return c.failFeed(fr, start, logger, err), nil
	}
	fr.Processed = res.Processed
	fr.Skipped = res.Skipped
	fr.Rejected = res.Rejected
	fr.Duplicates = res.Duplicates

	for _, cand := range res.Candidates {
		result, err := c.store.Upsert(ctx, cand, f.Name)
		if err != nil {
			if errors.Is(err, store.ErrUnavailable) {
				fr = c.failFeed(fr, start, logger, err)
				return fr, fmt.Errorf("syncing feed %s: %w", f.Name, err)
			}
			if ctx.Err() != nil {
				return c.failFeed(fr, start, logger, ctx.Err()), nil
			}
			fr.Errors++
			logger.Debug("Dropping candidate", zap.String("value", cand.Value), zap.Error(err))
			continue
		}
		c.recordUpsert(ctx, result, f.Name)
		if result.Created {
			fr.Created++
		} else {
			fr.Updated++
		}
	}

	fr.Duration = time.Since(start)
	c.metrics.FeedSynced(f.Name, "ok", fr.Duration, fr.Processed, fr.Skipped, fr.Rejected)
	c.markHealth(f.Name, fr, nil)
	logger.Info("Feed synced",
		zap.Int("processed", fr.Processed),
		zap.Int("created", fr.Created),
		zap.Int("updated", fr.Updated),
		zap.Int("skipped", fr.Skipped),
		zap.Int("rejected", fr.Rejected),
		zap.Duration("duration", fr.Duration),
	)
	return fr, nil
}

// fetchAndNormalize runs under the feed's own timeout. Merging afterwards
// uses the caller's context so accepted candidates are not cut off halfway.
func (c *Collector) fetchAndNormalize(ctx context.Context, f FeedConfig) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout())
	defer cancel()

	payload, err := c.source.Fetch(ctx, f)
	if err != nil {
		return Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return Result{}, fmt.Errorf("%w: %s: %w", ErrFetch, f.Name, err)
	}
	return Normalize(f, payload)
}

// failFeed marks a whole-feed failure. Counts already merged are kept.
func (c *Collector) failFeed(fr FeedReport, start time.Time, logger *zap.Logger, err error) FeedReport {
	fr.Errors++
	fr.Error = err.Error()
	fr.Duration = time.Since(start)
	c.metrics.FeedSynced(fr.Feed, "error", fr.Duration, fr.Processed, fr.Skipped, fr.Rejected)
	c.markHealth(fr.Feed, fr, err)
	logger.Warn("Feed sync failed", zap.Error(err))
	return fr
}

func (c *Collector) recordUpsert(ctx context.Context, result store.UpsertResult, source string) {
	c.metrics.IndicatorUpserted(string(result.Indicator.Type), result.Created)
	if err := c.publisher.Publish(ctx, events.IndicatorEvent(result.Indicator, result.Created, source)); err != nil {
		c.logger.Debug("Failed to publish indicator event", zap.Error(err))
	}
}

// Submit validates and merges a single candidate from a non-feed source.
func (c *Collector) Submit(ctx context.Context, cand indicator.Candidate, source string) (store.UpsertResult, error) {
	if source == "" {
		source = ManualSource
	}
	if !cand.Type.Valid() {
		t, ok := validation.Classify(cand.Value)
		if !ok {
			return store.UpsertResult{}, fmt.Errorf("%w: cannot infer type of %q", store.ErrInvalidCandidate, cand.Value)
		}
		cand.Type = t
	}
	if !validation.Valid(cand.Type, cand.Value) {
		return store.UpsertResult{}, fmt.Errorf("%w: %s %q failed validation", store.ErrInvalidCandidate, cand.Type, cand.Value)
	}
	if cand.Confidence == 0 {
		cand.Confidence = ConfidenceStructured
	}

	result, err := c.store.Upsert(ctx, cand, source)
	if err != nil {
		return store.UpsertResult{}, err
	}
	c.recordUpsert(ctx, result, source)
	return result, nil
}

func (c *Collector) markHealth(feed string, fr FeedReport, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	h, ok := c.health[feed]
	if !ok {
		h = &FeedHealth{Feed: feed}
		c.health[feed] = h
	}
	now := time.Now().UTC()
	h.LastAttempt = now
	h.LastProcessed = fr.Processed
	if err != nil {
		h.LastError = err.Error()
		h.ConsecutiveFailures++
		return
	}
	h.LastSuccess = now
	h.LastError = ""
	h.ConsecutiveFailures = 0
}

// Health returns per-feed health sorted by feed name.
func (c *Collector) Health() []FeedHealth {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]FeedHealth, 0, len(c.health))
	for _, h := range c.health {
		out = append(out, *h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Feed < out[j].Feed })
	return out
}

// HealthyRatio returns the fraction of enabled feeds whose last sync
// succeeded, or 0 when no feed is enabled.
func (c *Collector) HealthyRatio() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var enabled, healthy int
	for _, h := range c.health {
		if !h.Enabled {
			continue
		}
		enabled++
		if h.Healthy() {
			healthy++
		}
	}
	if enabled == 0 {
		return 0
	}
	return float64(healthy) / float64(enabled)
}
