package feeds

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"time"
)

const (
	maxFeedBytes   = 64 * 1024 * 1024
	retryBaseDelay = 500 * time.Millisecond
	retryMaxDelay  = 10 * time.Second
	userAgent      = "threatlens/1.0"
)

// ErrFetch wraps every transport or HTTP status failure of a feed download.
var ErrFetch = errors.New("feed fetch failed")

// Source downloads a feed payload.
type Source interface {
	Fetch(ctx context.Context, cfg FeedConfig) ([]byte, error)
}

// HTTPSource fetches feeds over HTTP and retries transient failures. The
// per-feed timeout bounds the whole fetch, retries and backoff included.
type HTTPSource struct {
	httpClient *http.Client
}

// NewHTTPSource creates a source. A nil client uses a default one.
func NewHTTPSource(client *http.Client) *HTTPSource {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPSource{httpClient: client}
}

// Fetch downloads cfg.URL, retrying network errors, 429 and 5xx responses
// with exponential backoff and full jitter until cfg.Timeout expires.
func (s *HTTPSource) Fetch(ctx context.Context, cfg FeedConfig) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.timeout())
	defer cancel()

	var lastErr error
	delay := retryBaseDelay

	for attempt := 0; attempt <= cfg.Retries; attempt++ {
		if attempt > 0 {
			sleep := time.Duration(rand.Int63n(int64(delay) + 1))
			timer := time.NewTimer(sleep)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, fmt.Errorf("%w: %s: %w (last error: %w)", ErrFetch, cfg.Name, ctx.Err(), lastErr)
			case <-timer.C:
			}
			delay *= 2
			if delay > retryMaxDelay {
				delay = retryMaxDelay
			}
		}

		body, retryable, err := s.fetchOnce(ctx, cfg)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !retryable || ctx.Err() != nil {
			break
		}
	}

	return nil, fmt.Errorf("%w: %s: %w", ErrFetch, cfg.Name, lastErr)
}

// fetchOnce makes one attempt. Errors seen after ctx is done are never
// retryable.
func (s *HTTPSource) fetchOnce(ctx context.Context, cfg FeedConfig) ([]byte, bool, error) {
	req, err := newRequest(ctx, cfg)
	if err != nil {
		return nil, false, err
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, ctx.Err() == nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		return nil, retryable, fmt.Errorf("feed returned %d: %s", resp.StatusCode, string(snippet))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBytes+1))
	if err != nil {
		return nil, ctx.Err() == nil, fmt.Errorf("reading feed body: %w", err)
	}
	if len(body) > maxFeedBytes {
		return nil, false, fmt.Errorf("feed body exceeds %d bytes", maxFeedBytes)
	}
	return body, false, nil
}

// newRequest builds the feed GET with auth and identification headers.
func newRequest(ctx context.Context, cfg FeedConfig) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	if cfg.APIKeyEnv != "" {
		if key := os.Getenv(cfg.APIKeyEnv); key != "" {
			header := cfg.APIKeyHeader
			if header == "" {
				header = "Authorization"
			}
			req.Header.Set(header, key)
		}
	}
	switch cfg.Format {
	case FormatJSON, FormatJSONFields:
		req.Header.Set("Accept", "application/json")
	case FormatCSV:
		req.Header.Set("Accept", "text/csv, text/plain")
	default:
		req.Header.Set("Accept", "text/plain, */*")
	}
	req.Header.Set("User-Agent", userAgent)

	return req, nil
}
