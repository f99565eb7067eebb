// Package gateway provides API gateway functionality including rate limiting
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RateLimiter applies fixed-window per-client limits shared across replicas
// through Redis.
type RateLimiter struct {
	redis  redis.Scripter
	logger *zap.Logger
	config RateLimitConfig
}

// RateLimitConfig configures the rate limiter
type RateLimitConfig struct {
	Enabled           bool                      `yaml:"enabled"`
	RequestsPerMinute int                       `yaml:"requests_per_minute" validate:"gte=0"`
	Window            time.Duration             `yaml:"window" validate:"gte=0"`
	Endpoints         map[string]EndpointLimits `yaml:"endpoints" validate:"dive"`
	IncludeHeaders    bool                      `yaml:"include_headers"`
}

// EndpointLimits tightens the limit for one "METHOD:/path" key. Requests to
// such an endpoint count against their own window.
type EndpointLimits struct {
	RequestsPerMinute int `yaml:"requests_per_minute" validate:"gte=0"`
	CostMultiplier    int `yaml:"cost_multiplier" validate:"gte=0"`
}

// RateLimitResult contains the result of a rate limit check
type RateLimitResult struct {
	Allowed    bool
	Remaining  int
	Limit      int
	ResetAt    time.Time
	RetryAfter time.Duration
	Reason     string
}

// DefaultRateLimitConfig returns the standard API limits.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Enabled:           true,
		RequestsPerMinute: 120,
		Window:            time.Minute,
		Endpoints:         DefaultEndpointLimits(),
		IncludeHeaders:    true,
	}
}

// DefaultEndpointLimits returns limits for the expensive endpoints.
func DefaultEndpointLimits() map[string]EndpointLimits {
	return map[string]EndpointLimits{
		// Fan-out to every feed
		"POST:/api/v1/feeds/sync": {
			RequestsPerMinute: 10,
			CostMultiplier:    2,
		},
		// Up to 100 queued geo lookups
		"GET:/api/v1/threat-map": {
			RequestsPerMinute: 60,
			CostMultiplier:    4,
		},
		"GET:/api/v1/correlation": {
			RequestsPerMinute: 60,
			CostMultiplier:    2,
		},
		"POST:/api/v1/indicators": {
			RequestsPerMinute: 60,
			CostMultiplier:    1,
		},
	}
}

var windowScript = redis.NewScript(`
	local current = redis.call('INCR', KEYS[1])
	if current == 1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
	end
	return {current, redis.call('PTTL', KEYS[1])}
`)

// NewRateLimiter creates a new rate limiter. *redis.Client satisfies
// redis.Scripter.
func NewRateLimiter(client redis.Scripter, cfg RateLimitConfig, logger *zap.Logger) *RateLimiter {
	if cfg.RequestsPerMinute == 0 {
		cfg.RequestsPerMinute = 120
	}
	if cfg.Window == 0 {
		cfg.Window = time.Minute
	}
	if cfg.Endpoints == nil {
		cfg.Endpoints = DefaultEndpointLimits()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RateLimiter{
		redis:  client,
		logger: logger.With(zap.String("component", "rate_limiter")),
		config: cfg,
	}
}

// Check counts one request from clientID and reports whether it is allowed.
// Redis failures allow the request.
func (rl *RateLimiter) Check(ctx context.Context, clientID, endpoint, method string) (*RateLimitResult, error) {
	limit := rl.config.RequestsPerMinute
	bucket := "*"
	if ep, ok := rl.config.Endpoints[method+":"+endpoint]; ok {
		limit = effectiveLimit(limit, ep)
		bucket = method + ":" + endpoint
	}

	redisKey := fmt.Sprintf("threatlens:ratelimit:%s:%s", clientID, bucket)
	now := time.Now()

	vals, err := windowScript.Run(ctx, rl.redis, []string{redisKey}, rl.config.Window.Milliseconds()).Int64Slice()
	if err != nil || len(vals) != 2 {
		rl.logger.Warn("Rate limit check failed, allowing request", zap.Error(err))
		return &RateLimitResult{Allowed: true, Limit: limit, Remaining: limit}, nil
	}
	count, pttl := int(vals[0]), time.Duration(vals[1])*time.Millisecond
	if pttl < 0 {
		pttl = rl.config.Window
	}

	allowed := count <= limit
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}

	var retryAfter time.Duration
	var reason string
	if !allowed {
		retryAfter = pttl
		reason = "rate limit exceeded"
	}

	return &RateLimitResult{
		Allowed:    allowed,
		Remaining:  remaining,
		Limit:      limit,
		ResetAt:    now.Add(pttl),
		RetryAfter: retryAfter,
		Reason:     reason,
	}, nil
}

// effectiveLimit applies the endpoint cap and cost. The result is at least 1.
func effectiveLimit(base int, ep EndpointLimits) int {
	limit := base
	if ep.RequestsPerMinute > 0 && ep.RequestsPerMinute < limit {
		limit = ep.RequestsPerMinute
	}
	if ep.CostMultiplier > 1 {
		limit /= ep.CostMultiplier
	}
	if limit < 1 {
		limit = 1
	}
	return limit
}

// Middleware returns an HTTP middleware for rate limiting. getClientID may
// be nil, in which case the client IP identifies the caller.
func (rl *RateLimiter) Middleware(getClientID func(r *http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !rl.config.Enabled {
				next.ServeHTTP(w, r)
				return
			}
			clientID := ""
			if getClientID != nil {
				clientID = getClientID(r)
			}
			if clientID == "" {
				clientID = ClientIP(r)
			}

			result, err := rl.Check(r.Context(), clientID, r.URL.Path, r.Method)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}

			if rl.config.IncludeHeaders {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
				w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
			}

			if !result.Allowed {
				retry := int(result.RetryAfter.Round(time.Second).Seconds())
				if retry < 1 {
					retry = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retry))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]any{
					"success":     false,
					"error":       result.Reason,
					"retry_after": retry,
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP returns the first forwarded address, X-Real-IP, or the host part
// of RemoteAddr.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
