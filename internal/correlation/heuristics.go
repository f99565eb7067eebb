package correlation

import (
	"net/url"
	"sort"
	"strings"

	"github.com/lvonguyen/threatlens/internal/indicator"
)

// Fixed strengths per heuristic.
const (
	downloadsExactStrength  = 0.9
	downloadsSuffixStrength = 0.75
	sharedTagStrength       = 0.8
	communicatesStrength    = 0.85
	resolvesBaseStrength    = 0.7
	resolvesSpread          = 0.2
	temporalBaseStrength    = 0.55
	temporalSpread          = 0.1
	minHashSimilarity       = 0.7
)

// campaignTagMarkers mark tags that name a shared campaign or actor.
var campaignTagMarkers = []string{"campaign", "apt", "group"}

// heuristicContext is what every heuristic reads. It is never mutated once
// built.
type heuristicContext struct {
	nodes  []Node
	byType map[indicator.Type][]int
	rand   RandomSource
	config Config
}

func newHeuristicContext(nodes []Node, rnd RandomSource, cfg Config) *heuristicContext {
	hc := &heuristicContext{
		nodes:  nodes,
		byType: make(map[indicator.Type][]int),
		rand:   rnd,
		config: cfg,
	}
	for i, n := range nodes {
		hc.byType[n.Type] = append(hc.byType[n.Type], i)
	}
	return hc
}

func (hc *heuristicContext) link(from, to int, rel Relationship, strength float64, heuristic string) Link {
	return Link{
		Source:       hc.nodes[from].ID,
		Target:       hc.nodes[to].ID,
		Relationship: rel,
		Strength:     strength,
		Heuristic:    heuristic,
	}
}

// resolvesTo pairs domains with IPs of the same group with a fixed
// probability. It stands in for passive DNS and asserts no real resolution.
func resolvesTo(hc *heuristicContext) []Link {
	var out []Link
	for _, d := range hc.byType[indicator.TypeDomain] {
		for _, ip := range hc.byType[indicator.TypeIP] {
			if hc.nodes[d].Group != hc.nodes[ip].Group {
				continue
			}
			if hc.rand.Float64() >= hc.config.ResolvesToProbability {
				continue
			}
			strength := resolvesBaseStrength + resolvesSpread*hc.rand.Float64()
			out = append(out, hc.link(d, ip, RelResolvesTo, strength, HeuristicResolvesTo))
		}
	}
	return out
}

// downloadsFrom links a URL to the domain node its host equals or sits under.
func downloadsFrom(hc *heuristicContext) []Link {
	var out []Link
	for _, u := range hc.byType[indicator.TypeURL] {
		parsed, err := url.Parse(hc.nodes[u].Value)
		if err != nil {
			continue
		}
		host := strings.TrimSuffix(strings.ToLower(parsed.Hostname()), ".")
		if host == "" {
			continue
		}
		for _, d := range hc.byType[indicator.TypeDomain] {
			domain := hc.nodes[d].Value
			switch {
			case host == domain:
				out = append(out, hc.link(u, d, RelDownloadsFrom, downloadsExactStrength, HeuristicDownloadsFrom))
			case strings.HasSuffix(host, "."+domain):
				out = append(out, hc.link(u, d, RelDownloadsFrom, downloadsSuffixStrength, HeuristicDownloadsFrom))
			}
		}
	}
	return out
}

func isCampaignTag(tag string) bool {
	for _, m := range campaignTagMarkers {
		if strings.Contains(tag, m) {
			return true
		}
	}
	return false
}

// sharedCampaign links every pair of nodes carrying the same campaign, APT
// or group tag.
func sharedCampaign(hc *heuristicContext) []Link {
	groups := make(map[string][]int)
	for i, n := range hc.nodes {
		for _, tag := range n.Tags {
			tag = strings.ToLower(strings.TrimSpace(tag))
			if isCampaignTag(tag) {
				groups[tag] = append(groups[tag], i)
			}
		}
	}

	tags := make([]string, 0, len(groups))
	for tag := range groups {
		tags = append(tags, tag)
	}
	sort.Strings(tags)

	var out []Link
	for _, tag := range tags {
		members := groups[tag]
		for a := 0; a < len(members); a++ {
			for b := a + 1; b < len(members); b++ {
				out = append(out, hc.link(members[a], members[b], RelSameCampaign, sharedTagStrength, HeuristicSharedTag))
			}
		}
	}
	return out
}

// hashSimilarity is the fraction of equal positions of two equal-length
// digests, case-insensitive. It is a positional stand-in for fuzzy hashing.
func hashSimilarity(a, b string) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	a, b = strings.ToLower(a), strings.ToLower(b)
	matches := 0
	for i := 0; i < len(a); i++ {
		if a[i] == b[i] {
			matches++
		}
	}
	return float64(matches) / float64(len(a))
}

// similarHash links hash pairs whose positional similarity exceeds the
// threshold. Strength is the similarity.
func similarHash(hc *heuristicContext) []Link {
	hashes := hc.byType[indicator.TypeHash]
	var out []Link
	for a := 0; a < len(hashes); a++ {
		for b := a + 1; b < len(hashes); b++ {
			sim := hashSimilarity(hc.nodes[hashes[a]].Value, hc.nodes[hashes[b]].Value)
			if sim > minHashSimilarity {
				out = append(out, hc.link(hashes[a], hashes[b], RelSimilarHash, sim, HeuristicSimilarHash))
			}
		}
	}
	return out
}

// communicatesWith links an email to the domain node equal to its domain part.
func communicatesWith(hc *heuristicContext) []Link {
	var out []Link
	for _, e := range hc.byType[indicator.TypeEmail] {
		addr := hc.nodes[e].Value
		at := strings.LastIndexByte(addr, '@')
		if at < 0 {
			continue
		}
		domain := strings.ToLower(addr[at+1:])
		for _, d := range hc.byType[indicator.TypeDomain] {
			if hc.nodes[d].Value == domain {
				out = append(out, hc.link(e, d, RelCommunicatesWith, communicatesStrength, HeuristicCommunicatesWith))
			}
		}
	}
	return out
}

// temporal connects nodes last seen in the same time bucket, with a fixed
// probability, when no other heuristic already linked them. Buckets with
// too many members are ignored to bound the pair count.
func temporal(hc *heuristicContext, linked map[[2]string]bool) []Link {
	bucketSize := hc.config.TemporalBucket
	if bucketSize <= 0 {
		return nil
	}

	buckets := make(map[int64][]int)
	for i, n := range hc.nodes {
		if n.LastSeen.IsZero() {
			continue
		}
		key := n.LastSeen.UTC().UnixNano() / int64(bucketSize)
		buckets[key] = append(buckets[key], i)
	}

	keys := make([]int64, 0, len(buckets))
	for k := range buckets {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	var out []Link
	for _, k := range keys {
		members := buckets[k]
		if len(members) < 2 || len(members) >= hc.config.TemporalMaxBucket {
			continue
		}
		for a := 0; a < len(members); a++ {
			for b := a + 1; b < len(members); b++ {
				from, to := hc.nodes[members[a]].ID, hc.nodes[members[b]].ID
				if linked[pairKey(from, to)] {
					continue
				}
				if hc.rand.Float64() >= hc.config.TemporalProbability {
					continue
				}
				strength := temporalBaseStrength + temporalSpread*hc.rand.Float64()
				out = append(out, hc.link(members[a], members[b], RelSameCampaign, strength, HeuristicTemporal))
			}
		}
	}
	return out
}

// pairKey orders two node ids so that a pair has one key in either direction.
func pairKey(a, b string) [2]string {
	if a > b {
		a, b = b, a
	}
	return [2]string{a, b}
}
