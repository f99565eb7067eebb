// Package correlation links recent indicators into a relationship graph
// using lightweight heuristics over one immutable store snapshot.
package correlation

import (
	"math/rand"
	"sync"
	"time"

	"github.com/lvonguyen/threatlens/internal/indicator"
)

// Relationship names the kind of link between two nodes.
type Relationship string

const (
	RelResolvesTo       Relationship = "resolves_to"
	RelDownloadsFrom    Relationship = "downloads_from"
	RelSameCampaign     Relationship = "same_campaign"
	RelSimilarHash      Relationship = "similar_hash"
	RelCommunicatesWith Relationship = "communicates_with"
)

// Heuristics that produce links.
const (
	HeuristicResolvesTo       = "resolves_to"
	HeuristicDownloadsFrom    = "downloads_from"
	HeuristicSharedTag        = "shared_tag"
	HeuristicSimilarHash      = "similar_hash"
	HeuristicCommunicatesWith = "communicates_with"
	HeuristicTemporal         = "temporal"
)

// Node is one indicator in the graph.
type Node struct {
	ID          string             `json:"id"`
	IndicatorID string             `json:"indicator_id"`
	Type        indicator.Type     `json:"type"`
	Value       string             `json:"value"`
	Severity    indicator.Severity `json:"severity"`
	Confidence  float64            `json:"confidence"`
	Group       int                `json:"group"`
	Tags        []string           `json:"tags"`
	LastSeen    time.Time          `json:"last_seen"`
	AlertCount  int                `json:"alert_count"`
}

// Link is a directed, weighted relationship between two nodes.
type Link struct {
	Source       string       `json:"source"`
	Target       string       `json:"target"`
	Relationship Relationship `json:"relationship"`
	Strength     float64      `json:"strength"`
	Heuristic    string       `json:"heuristic"`
}

// Metadata summarizes a graph.
type Metadata struct {
	TotalNodes    int       `json:"total_nodes"`
	TotalEdges    int       `json:"total_edges"`
	AvgStrength   float64   `json:"avg_strength"`
	CriticalNodes int       `json:"critical_nodes"`
	AlertCount    int       `json:"alert_count"`
	GeneratedAt   time.Time `json:"generated_at"`
}

// Graph is the correlation payload. Nodes and Links are never nil.
type Graph struct {
	Nodes    []Node   `json:"nodes"`
	Links    []Link   `json:"links"`
	Metadata Metadata `json:"metadata"`
}

// Empty returns a well-formed graph with no nodes.
func Empty(now time.Time) *Graph {
	return &Graph{
		Nodes:    []Node{},
		Links:    []Link{},
		Metadata: Metadata{GeneratedAt: now},
	}
}

// RandomSource drives the probabilistic heuristics. Float64 returns a value
// in [0, 1).
type RandomSource interface {
	Float64() float64
}

type lockedRand struct {
	mu sync.Mutex
	r  *rand.Rand
}

func (l *lockedRand) Float64() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Float64()
}

// NewRandomSource returns a seeded RandomSource safe for concurrent use.
func NewRandomSource(seed int64) RandomSource {
	return &lockedRand{r: rand.New(rand.NewSource(seed))}
}
