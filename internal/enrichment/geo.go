// Package enrichment geolocates IP indicators through a single rate-limited
// lookup queue backed by a tiered cache, and derives threat-map payloads and
// the global threat level from the located indicators.
package enrichment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	ipAPIDefaultBaseURL = "http://ip-api.com"
	ipAPIFields         = "status,message,country,countryCode,region,regionName,city,lat,lon,timezone,query"
	userAgent           = "threatlens/1.0"
)

var (
	// ErrLookup wraps every failed provider lookup. Callers fall back to the
	// estimator on it.
	ErrLookup = errors.New("geolocation lookup failed")
	// ErrInvalidIP is returned for values that are not IP addresses.
	ErrInvalidIP = errors.New("invalid IP address")
)

// Location sources.
const (
	SourceProvider = "ip-api"
	SourceFallback = "fallback"
)

// Location is the geolocation of one IP.
type Location struct {
	IP          string    `json:"ip"`
	Country     string    `json:"country"`
	CountryCode string    `json:"country_code"`
	Region      string    `json:"region,omitempty"`
	City        string    `json:"city,omitempty"`
	Lat         float64   `json:"lat"`
	Lng         float64   `json:"lng"`
	Timezone    string    `json:"timezone,omitempty"`
	Source      string    `json:"source"`
	CachedAt    time.Time `json:"cached_at"`
}

// Estimated reports whether the location came from the fallback estimator.
func (l Location) Estimated() bool { return l.Source == SourceFallback }

// Client performs one outbound geolocation lookup.
type Client interface {
	Lookup(ctx context.Context, ip string) (Location, error)
}

// Config configures geolocation.
type Config struct {
	BaseURL     string        `yaml:"base_url" validate:"required,url"`
	MinInterval time.Duration `yaml:"min_interval" validate:"gte=0"`
	Timeout     time.Duration `yaml:"timeout" validate:"gt=0"`
	CacheTTL    time.Duration `yaml:"cache_ttl" validate:"gt=0"`
	CacheSize   int           `yaml:"cache_size" validate:"gt=0"`
	QueueSize   int           `yaml:"queue_size" validate:"gt=0"`

	// Threat map batching.
	BatchSize  int           `yaml:"batch_size" validate:"gt=0"`
	BatchPause time.Duration `yaml:"batch_pause" validate:"gte=0"`
	MaxMapIPs  int           `yaml:"max_map_ips" validate:"gt=0"`
}

// DefaultConfig returns the provider's free-tier pacing.
func DefaultConfig() Config {
	return Config{
		BaseURL:     ipAPIDefaultBaseURL,
		MinInterval: 150 * time.Millisecond,
		Timeout:     2 * time.Second,
		CacheTTL:    24 * time.Hour,
		CacheSize:   10000,
		QueueSize:   1024,
		BatchSize:   5,
		BatchPause:  500 * time.Millisecond,
		MaxMapIPs:   100,
	}
}

// IPAPIClient queries ip-api.com's JSON endpoint.
type IPAPIClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewIPAPIClient creates a client. Timeouts come from the caller's context.
func NewIPAPIClient(baseURL string, httpClient *http.Client) *IPAPIClient {
	if baseURL == "" {
		baseURL = ipAPIDefaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &IPAPIClient{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: httpClient,
	}
}

type ipAPIResponse struct {
	Status      string  `json:"status"`
	Message     string  `json:"message"`
	Country     string  `json:"country"`
	CountryCode string  `json:"countryCode"`
	Region      string  `json:"region"`
	RegionName  string  `json:"regionName"`
	City        string  `json:"city"`
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
	Timezone    string  `json:"timezone"`
	Query       string  `json:"query"`
}

// Lookup geolocates ip. Any non-2xx status or a status other than "success"
// is an ErrLookup.
func (c *IPAPIClient) Lookup(ctx context.Context, ip string) (Location, error) {
	endpoint := fmt.Sprintf("%s/json/%s?fields=%s", c.baseURL, url.PathEscape(ip), ipAPIFields)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Location{}, fmt.Errorf("%w: creating request: %w", ErrLookup, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Location{}, fmt.Errorf("%w: %w", ErrLookup, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Location{}, fmt.Errorf("%w: provider returned %d", ErrLookup, resp.StatusCode)
	}

	var body ipAPIResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&body); err != nil {
		return Location{}, fmt.Errorf("%w: decoding response: %w", ErrLookup, err)
	}
	if body.Status != "success" {
		return Location{}, fmt.Errorf("%w: provider status %q: %s", ErrLookup, body.Status, body.Message)
	}

	return Location{
		IP:          ip,
		Country:     body.Country,
		CountryCode: body.CountryCode,
		Region:      body.RegionName,
		City:        body.City,
		Lat:         body.Lat,
		Lng:         body.Lon,
		Timezone:    body.Timezone,
		Source:      SourceProvider,
	}, nil
}
