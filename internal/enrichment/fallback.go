package enrichment

import (
	"math/rand"
	"net/netip"
	"sync"
	"time"
)

// RandomSource supplies jitter. Float64 returns a value in [0, 1).
type RandomSource interface {
	Float64() float64
}

// lockedRand makes a math/rand source safe for concurrent use.
type lockedRand struct {
	mu sync.Mutex
	r  *rand.Rand
}

func (l *lockedRand) Float64() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Float64()
}

// NewRandomSource returns a seeded, concurrency-safe RandomSource.
func NewRandomSource(seed int64) RandomSource {
	return &lockedRand{r: rand.New(rand.NewSource(seed))}
}

// octetRegion maps an inclusive IPv4 first-octet range to an approximate
// registry region.
type octetRegion struct {
	lo, hi      byte
	country     string
	countryCode string
	lat, lng    float64
	timezone    string
}

var octetRegions = []octetRegion{
	{1, 1, "Australia", "AU", -25.27, 133.78, "Australia/Sydney"},
	{2, 2, "France", "FR", 46.23, 2.21, "Europe/Paris"},
	{3, 4, "United States", "US", 37.09, -95.71, "America/Chicago"},
	{5, 5, "Germany", "DE", 51.17, 10.45, "Europe/Berlin"},
	{6, 30, "United States", "US", 37.09, -95.71, "America/Chicago"},
	{31, 31, "Netherlands", "NL", 52.13, 5.29, "Europe/Amsterdam"},
	{32, 35, "United States", "US", 37.09, -95.71, "America/Chicago"},
	{36, 40, "China", "CN", 35.86, 104.20, "Asia/Shanghai"},
	{41, 41, "South Africa", "ZA", -30.56, 22.94, "Africa/Johannesburg"},
	{42, 42, "South Korea", "KR", 35.91, 127.77, "Asia/Seoul"},
	{43, 43, "Japan", "JP", 36.20, 138.25, "Asia/Tokyo"},
	{44, 76, "United States", "US", 37.09, -95.71, "America/Chicago"},
	{77, 79, "Germany", "DE", 51.17, 10.45, "Europe/Berlin"},
	{80, 89, "United Kingdom", "GB", 55.38, -3.44, "Europe/London"},
	{90, 95, "Russia", "RU", 55.76, 37.62, "Europe/Moscow"},
	{96, 100, "United States", "US", 37.09, -95.71, "America/Chicago"},
	{101, 126, "China", "CN", 35.86, 104.20, "Asia/Shanghai"},
	{128, 176, "United States", "US", 37.09, -95.71, "America/Chicago"},
	{177, 177, "Brazil", "BR", -14.24, -51.93, "America/Sao_Paulo"},
	{178, 178, "Germany", "DE", 51.17, 10.45, "Europe/Berlin"},
	{179, 181, "Brazil", "BR", -14.24, -51.93, "America/Sao_Paulo"},
	{182, 184, "India", "IN", 20.59, 78.96, "Asia/Kolkata"},
	{185, 185, "Netherlands", "NL", 52.13, 5.29, "Europe/Amsterdam"},
	{186, 191, "Brazil", "BR", -14.24, -51.93, "America/Sao_Paulo"},
	{193, 195, "Germany", "DE", 51.17, 10.45, "Europe/Berlin"},
	{196, 197, "South Africa", "ZA", -30.56, 22.94, "Africa/Johannesburg"},
	{198, 199, "United States", "US", 37.09, -95.71, "America/Chicago"},
	{200, 201, "Brazil", "BR", -14.24, -51.93, "America/Sao_Paulo"},
	{202, 203, "Australia", "AU", -25.27, 133.78, "Australia/Sydney"},
	{204, 209, "United States", "US", 37.09, -95.71, "America/Chicago"},
	{210, 211, "Japan", "JP", 36.20, 138.25, "Asia/Tokyo"},
	{212, 213, "United Kingdom", "GB", 55.38, -3.44, "Europe/London"},
	{214, 216, "United States", "US", 37.09, -95.71, "America/Chicago"},
	{217, 217, "Germany", "DE", 51.17, 10.45, "Europe/Berlin"},
	{218, 223, "China", "CN", 35.86, 104.20, "Asia/Shanghai"},
}

// maxJitterDegrees bounds the random offset on estimated coordinates.
const maxJitterDegrees = 2.0

// Fallback estimates a location from the IPv4 first octet when the provider
// is unavailable.
type Fallback struct {
	rand RandomSource
	now  func() time.Time
}

// NewFallback creates an estimator. A nil source uses a time-seeded one.
func NewFallback(src RandomSource) *Fallback {
	if src == nil {
		src = NewRandomSource(time.Now().UnixNano())
	}
	return &Fallback{rand: src, now: time.Now}
}

// Estimate returns the approximate location of ip. IPv6 and unmapped ranges
// resolve to "Unknown" at (0, 0).
func (f *Fallback) Estimate(ip string) Location {
	loc := Location{
		IP:          ip,
		Country:     "Unknown",
		CountryCode: "XX",
		Timezone:    "UTC",
		Source:      SourceFallback,
		CachedAt:    f.now().UTC(),
	}

	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return loc
	}
	addr = addr.Unmap()
	if !addr.Is4() {
		return loc
	}

	first := addr.As4()[0]
	for _, r := range octetRegions {
		if first < r.lo || first > r.hi {
			continue
		}
		loc.Country = r.country
		loc.CountryCode = r.countryCode
		loc.Timezone = r.timezone
		loc.Lat = clamp(r.lat+f.jitter(), -90, 90)
		loc.Lng = clamp(r.lng+f.jitter(), -180, 180)
		return loc
	}
	return loc
}

func (f *Fallback) jitter() float64 {
	return (f.rand.Float64()*2 - 1) * maxJitterDegrees
}

func clamp(v, lo, hi float64) float64 {
	switch {
	case v < lo:
		return lo
	case v > hi:
		return hi
	default:
		return v
	}
}
