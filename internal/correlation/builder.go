package correlation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/lvonguyen/threatlens/internal/indicator"
	"github.com/lvonguyen/threatlens/internal/observability"
	"github.com/lvonguyen/threatlens/internal/store"
)

// Config bounds a graph build.
type Config struct {
	MaxIndicators int     `yaml:"max_indicators" validate:"gt=0,lte=500"`
	MaxAlerts     int     `yaml:"max_alerts" validate:"gte=0,lte=500"`
	MaxEdges      int     `yaml:"max_edges" validate:"gt=0"`
	MinStrength   float64 `yaml:"min_strength" validate:"gte=0,lt=1"`
	GroupSize     int     `yaml:"group_size" validate:"gt=0"`

	ResolvesToProbability float64       `yaml:"resolves_to_probability" validate:"gte=0,lte=1"`
	TemporalProbability   float64       `yaml:"temporal_probability" validate:"gte=0,lte=1"`
	TemporalBucket        time.Duration `yaml:"temporal_bucket" validate:"gte=0"`
	// TemporalMaxBucket is the member count at which a time bucket is
	// ignored.
	TemporalMaxBucket int `yaml:"temporal_max_bucket" validate:"gte=2"`
}

// DefaultConfig returns the standard snapshot bounds.
func DefaultConfig() Config {
	return Config{
		MaxIndicators:         30,
		MaxAlerts:             20,
		MaxEdges:              50,
		MinStrength:           0.5,
		GroupSize:             10,
		ResolvesToProbability: 0.3,
		TemporalProbability:   0.4,
		TemporalBucket:        6 * time.Hour,
		TemporalMaxBucket:     6,
	}
}

// Builder builds correlation graphs and keeps the latest one.
type Builder struct {
	store   store.Store
	rand    RandomSource
	logger  *zap.Logger
	metrics *observability.Metrics
	tracer  trace.Tracer
	config  Config
	now     func() time.Time

	mu     sync.RWMutex
	latest *Graph
}

// NewBuilder creates a builder. A nil RandomSource uses a time-seeded one.
func NewBuilder(st store.Store, cfg Config, rnd RandomSource, logger *zap.Logger, metrics *observability.Metrics) *Builder {
	if rnd == nil {
		rnd = NewRandomSource(time.Now().UnixNano())
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.GroupSize <= 0 {
		cfg.GroupSize = DefaultConfig().GroupSize
	}
	return &Builder{
		store:   st,
		rand:    rnd,
		logger:  logger.With(zap.String("component", "correlation")),
		metrics: metrics,
		tracer:  otel.Tracer("threatlens/correlation"),
		config:  cfg,
		now:     time.Now,
	}
}

// Build returns a graph over the current snapshot. It always returns a
// well-formed graph; the error is non-nil only when the store is
// unavailable.
func (b *Builder) Build(ctx context.Context) (g *Graph, err error) {
	now := b.now().UTC()

	ctx, span := b.tracer.Start(ctx, "correlation.build")
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Correlation build panicked", zap.Any("panic", r))
			span.RecordError(fmt.Errorf("panic: %v", r))
			b.metrics.GraphBuilt("error", 0)
			g, err = Empty(now), nil
		}
	}()

	inds, alerts, err := b.snapshot(ctx)
	if err != nil {
		span.RecordError(err)
		b.metrics.GraphBuilt("error", 0)
		if errors.Is(err, store.ErrUnavailable) {
			return Empty(now), err
		}
		b.logger.Warn("Correlation snapshot failed", zap.Error(err))
		return Empty(now), nil
	}

	g = b.assemble(inds, alerts, now)
	span.SetAttributes(
		attribute.Int("nodes", g.Metadata.TotalNodes),
		attribute.Int("edges", g.Metadata.TotalEdges),
	)
	b.metrics.GraphBuilt("ok", g.Metadata.TotalEdges)
	b.logger.Info("Correlation graph built",
		zap.Int("nodes", g.Metadata.TotalNodes),
		zap.Int("edges", g.Metadata.TotalEdges),
		zap.Float64("avg_strength", g.Metadata.AvgStrength),
		zap.Int("critical_nodes", g.Metadata.CriticalNodes),
	)
	return g, nil
}

// Refresh builds a graph and stores it as the latest on success.
func (b *Builder) Refresh(ctx context.Context) error {
	g, err := b.Build(ctx)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.latest = g
	b.mu.Unlock()
	return nil
}

// Latest returns the last refreshed graph.
func (b *Builder) Latest() (*Graph, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.latest, b.latest != nil
}

// snapshot reads indicators and alerts once. A failed alert read degrades to
// no alerts unless the store is unavailable.
func (b *Builder) snapshot(ctx context.Context) ([]indicator.Indicator, []indicator.Alert, error) {
	inds, err := b.store.Recent(ctx, b.config.MaxIndicators)
	if err != nil {
		return nil, nil, fmt.Errorf("loading indicators: %w", err)
	}
	if b.config.MaxAlerts <= 0 {
		return inds, nil, nil
	}
	alerts, err := b.store.RecentAlerts(ctx, b.config.MaxAlerts)
	if err != nil {
		if errors.Is(err, store.ErrUnavailable) {
			return nil, nil, fmt.Errorf("loading alerts: %w", err)
		}
		b.logger.Warn("Building without alerts", zap.Error(err))
		alerts = nil
	}
	return inds, alerts, nil
}

func (b *Builder) assemble(inds []indicator.Indicator, alerts []indicator.Alert, now time.Time) *Graph {
	nodes := buildNodes(inds, b.config.GroupSize)
	applyAlerts(nodes, alerts)

	hc := newHeuristicContext(nodes, b.rand, b.config)
	var candidates []Link
	for _, h := range []func(*heuristicContext) []Link{resolvesTo, downloadsFrom, sharedCampaign, similarHash, communicatesWith} {
		candidates = append(candidates, h(hc)...)
	}
	linked := make(map[[2]string]bool, len(candidates))
	for _, l := range candidates {
		linked[pairKey(l.Source, l.Target)] = true
	}
	candidates = append(candidates, temporal(hc, linked)...)

	links := selectLinks(nodes, candidates, b.config)

	g := &Graph{Nodes: nodes, Links: links}
	g.Metadata = summarize(nodes, links, len(alerts), now)
	return g
}

func buildNodes(inds []indicator.Indicator, groupSize int) []Node {
	nodes := make([]Node, 0, len(inds))
	for i, ind := range inds {
		tags := ind.Tags
		if tags == nil {
			tags = []string{}
		}
		nodes = append(nodes, Node{
			ID:          fmt.Sprintf("node-%d", i),
			IndicatorID: ind.ID,
			Type:        ind.Type,
			Value:       ind.Value,
			Severity:    ind.Severity,
			Confidence:  ind.Confidence,
			Group:       i/groupSize + 1,
			Tags:        tags,
			LastSeen:    ind.LastSeen,
		})
	}
	return nodes
}

// applyAlerts raises the severity of nodes an alert references.
func applyAlerts(nodes []Node, alerts []indicator.Alert) {
	if len(alerts) == 0 {
		return
	}
	byValue := make(map[string][]int, len(nodes))
	for i, n := range nodes {
		key := strings.ToLower(n.Value)
		byValue[key] = append(byValue[key], i)
	}
	for _, a := range alerts {
		for _, v := range a.IndicatorValues {
			for _, i := range byValue[strings.TrimSuffix(strings.ToLower(strings.TrimSpace(v)), ".")] {
				nodes[i].AlertCount++
				if a.Severity.Valid() {
					nodes[i].Severity = indicator.MaxSeverity(nodes[i].Severity, a.Severity)
				}
			}
		}
	}
}

// selectLinks validates, dedups, filters, sorts and caps candidate links.
func selectLinks(nodes []Node, candidates []Link, cfg Config) []Link {
	ids := make(map[string]struct{}, len(nodes))
	for _, n := range nodes {
		ids[n.ID] = struct{}{}
	}

	type dedupKey struct {
		pair [2]string
		rel  Relationship
	}
	best := make(map[dedupKey]int)
	out := make([]Link, 0, len(candidates))
	for _, l := range candidates {
		if _, ok := ids[l.Source]; !ok {
			continue
		}
		if _, ok := ids[l.Target]; !ok {
			continue
		}
		if l.Source == l.Target || math.IsNaN(l.Strength) || l.Strength < 0 || l.Strength > 1 {
			continue
		}
		if l.Strength <= cfg.MinStrength {
			continue
		}
		key := dedupKey{pair: pairKey(l.Source, l.Target), rel: l.Relationship}
		if i, ok := best[key]; ok {
			if l.Strength > out[i].Strength {
				out[i] = l
			}
			continue
		}
		best[key] = len(out)
		out = append(out, l)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Strength != out[j].Strength {
			return out[i].Strength > out[j].Strength
		}
		if out[i].Source != out[j].Source {
			return out[i].Source < out[j].Source
		}
		return out[i].Target < out[j].Target
	})
	if cfg.MaxEdges > 0 && len(out) > cfg.MaxEdges {
		out = out[:cfg.MaxEdges]
	}
	return out
}

func summarize(nodes []Node, links []Link, alertCount int, now time.Time) Metadata {
	md := Metadata{
		TotalNodes:  len(nodes),
		TotalEdges:  len(links),
		AlertCount:  alertCount,
		GeneratedAt: now,
	}
	for _, n := range nodes {
		if n.Severity == indicator.SeverityCritical {
			md.CriticalNodes++
		}
	}
	if len(links) > 0 {
		var sum float64
		for _, l := range links {
			sum += l.Strength
		}
		md.AvgStrength = math.Round(sum/float64(len(links))*1000) / 1000
	}
	return md
}
