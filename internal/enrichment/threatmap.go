package enrichment

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lvonguyen/threatlens/internal/indicator"
	"github.com/lvonguyen/threatlens/internal/store"
)

// Locator resolves an IP to a location. *Service implements it.
type Locator interface {
	Locate(ctx context.Context, ip string) (Location, error)
}

// Threat is one located IP indicator on the map.
type Threat struct {
	ID          string             `json:"id"`
	IP          string             `json:"ip"`
	Severity    indicator.Severity `json:"severity"`
	Confidence  float64            `json:"confidence"`
	Description string             `json:"description,omitempty"`
	Tags        []string           `json:"tags"`
	Sources     []string           `json:"sources"`
	LastSeen    time.Time          `json:"last_seen"`
	Location    Location           `json:"location"`
}

// ThreatMapMetadata summarizes a threat map.
type ThreatMapMetadata struct {
	TotalThreats int                `json:"total_threats"`
	Countries    int                `json:"countries"`
	Estimated    int                `json:"estimated"`
	BySeverity   map[string]int     `json:"by_severity"`
	ThreatLevel  ThreatLevelSummary `json:"threat_level"`
	GeneratedAt  time.Time          `json:"generated_at"`
}

// ThreatMap is the located set of recent active IP indicators.
type ThreatMap struct {
	Threats  []Threat          `json:"threats"`
	Metadata ThreatMapMetadata `json:"metadata"`
}

// EmptyThreatMap returns a well-formed map with no threats.
func EmptyThreatMap(now time.Time) ThreatMap {
	return ThreatMap{
		Threats: []Threat{},
		Metadata: ThreatMapMetadata{
			BySeverity:  emptySeverityCounts(),
			ThreatLevel: ScoreThreatLevel(ThreatLevelInputs{Now: now}),
			GeneratedAt: now,
		},
	}
}

// ThreatMapBuilder locates recent IP indicators in bounded batches.
type ThreatMapBuilder struct {
	store   store.Store
	locator Locator
	health  func() float64
	logger  *zap.Logger
	config  Config
	now     func() time.Time
}

// NewThreatMapBuilder creates a builder. health reports the fraction of
// healthy feeds and may be nil.
func NewThreatMapBuilder(st store.Store, locator Locator, health func() float64, cfg Config, logger *zap.Logger) *ThreatMapBuilder {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxMapIPs <= 0 {
		cfg.MaxMapIPs = def.MaxMapIPs
	}
	if health == nil {
		health = func() float64 { return 0 }
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ThreatMapBuilder{
		store:   st,
		locator: locator,
		health:  health,
		logger:  logger.With(zap.String("component", "threat_map")),
		config:  cfg,
		now:     time.Now,
	}
}

// Build locates up to MaxMapIPs of the most recent active IP indicators,
// BatchSize at a time with BatchPause between batches. A store failure
// returns an empty map and the error.
func (b *ThreatMapBuilder) Build(ctx context.Context) (ThreatMap, error) {
	now := b.now().UTC()

	recent, err := b.store.RecentByType(ctx, indicator.TypeIP, b.config.MaxMapIPs*2)
	if err != nil {
		return EmptyThreatMap(now), fmt.Errorf("loading ip indicators: %w", err)
	}
	ips := make([]indicator.Indicator, 0, b.config.MaxMapIPs)
	for _, ind := range recent {
		if !ind.IsActive {
			continue
		}
		ips = append(ips, ind)
		if len(ips) == b.config.MaxMapIPs {
			break
		}
	}

	threats := make([]Threat, len(ips))
	located := 0
	for start := 0; start < len(ips); start += b.config.BatchSize {
		if start > 0 && b.config.BatchPause > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(b.config.BatchPause):
			}
		}
		if ctx.Err() != nil {
			b.logger.Warn("Threat map build interrupted", zap.Int("located", located), zap.Error(ctx.Err()))
			break
		}

		end := min(start+b.config.BatchSize, len(ips))
		g, gctx := errgroup.WithContext(ctx)
		for i := start; i < end; i++ {
			g.Go(func() error {
				loc, err := b.locator.Locate(gctx, ips[i].Value)
				if err != nil {
					b.logger.Debug("Locate failed", zap.String("ip", ips[i].Value), zap.Error(err))
				}
				threats[i] = newThreat(ips[i], loc)
				return nil
			})
		}
		_ = g.Wait()
		located = end
	}
	threats = threats[:located]

	return ThreatMap{
		Threats:  threats,
		Metadata: b.metadata(threats, now),
	}, nil
}

func newThreat(ind indicator.Indicator, loc Location) Threat {
	tags := ind.Tags
	if tags == nil {
		tags = []string{}
	}
	sources := ind.Sources
	if sources == nil {
		sources = []string{}
	}
	return Threat{
		ID:          ind.ID,
		IP:          ind.Value,
		Severity:    ind.Severity,
		Confidence:  ind.Confidence,
		Description: ind.Description,
		Tags:        tags,
		Sources:     sources,
		LastSeen:    ind.LastSeen,
		Location:    loc,
	}
}

func (b *ThreatMapBuilder) metadata(threats []Threat, now time.Time) ThreatMapMetadata {
	md := ThreatMapMetadata{
		TotalThreats: len(threats),
		BySeverity:   emptySeverityCounts(),
		GeneratedAt:  now,
	}

	in := ThreatLevelInputs{HealthyFeedRatio: b.health(), Now: now}
	countries := make(map[string]struct{})
	for _, t := range threats {
		md.BySeverity[string(t.Severity)]++
		if t.Location.Estimated() {
			md.Estimated++
		}
		if t.Location.CountryCode != "" {
			countries[t.Location.CountryCode] = struct{}{}
		}
		switch t.Severity {
		case indicator.SeverityCritical:
			in.Critical++
		case indicator.SeverityHigh:
			in.High++
		case indicator.SeverityMedium:
			in.Medium++
		default:
			in.Low++
		}
		if now.Sub(t.LastSeen) <= 24*time.Hour {
			in.Recent24h++
		}
	}
	md.Countries = len(countries)
	md.ThreatLevel = ScoreThreatLevel(in)
	return md
}

func emptySeverityCounts() map[string]int {
	return map[string]int{
		string(indicator.SeverityLow):      0,
		string(indicator.SeverityMedium):   0,
		string(indicator.SeverityHigh):     0,
		string(indicator.SeverityCritical): 0,
	}
}

// ThreatLevelInputs are the signals behind the global threat level.
type ThreatLevelInputs struct {
	Critical, High, Medium, Low int
	// HealthyFeedRatio is the fraction of enabled feeds whose last sync
	// succeeded, in [0, 1].
	HealthyFeedRatio float64
	// Recent24h counts indicators seen in the last 24 hours.
	Recent24h int
	Now       time.Time
}

// ThreatLevelSummary is a scored threat level and its bucket.
type ThreatLevelSummary struct {
	Score float64            `json:"score"`
	Level indicator.Severity `json:"level"`
}

const (
	threatLevelBase        = 30.0
	severityWeightCap      = 30.0
	feedHealthWeight       = 10.0
	recentVolumeCap        = 20.0
	recentVolumeDivisor    = 5.0
	offHoursAdjustment     = 5.0
	offHoursStartHourUTC   = 0
	offHoursEndHourUTC     = 6
	criticalLevelThreshold = 80.0
	highLevelThreshold     = 60.0
	mediumLevelThreshold   = 40.0
)

// ScoreThreatLevel computes base + severity weight + feed health + recent
// volume + time of day, clipped to [0, 100].
func ScoreThreatLevel(in ThreatLevelInputs) ThreatLevelSummary {
	severity := math.Min(severityWeightCap,
		float64(in.Critical)*5+float64(in.High)*3+float64(in.Medium)*1.5+float64(in.Low)*0.5)
	health := math.Max(0, math.Min(1, in.HealthyFeedRatio)) * feedHealthWeight
	volume := math.Min(recentVolumeCap, float64(in.Recent24h)/recentVolumeDivisor)

	timeOfDay := 0.0
	if !in.Now.IsZero() {
		if h := in.Now.UTC().Hour(); h >= offHoursStartHourUTC && h < offHoursEndHourUTC {
			timeOfDay = offHoursAdjustment
		}
	}

	score := math.Max(0, math.Min(100, threatLevelBase+severity+health+volume+timeOfDay))
	score = math.Round(score*10) / 10

	level := indicator.SeverityLow
	switch {
	case score >= criticalLevelThreshold:
		level = indicator.SeverityCritical
	case score >= highLevelThreshold:
		level = indicator.SeverityHigh
	case score >= mediumLevelThreshold:
		level = indicator.SeverityMedium
	}
	return ThreatLevelSummary{Score: score, Level: level}
}
