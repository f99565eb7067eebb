package feeds

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// FileSource reads feeds from file:// URLs, for lists that analysts or
// another job drop on local disk.
type FileSource struct{}

// Fetch reads the file named by cfg.URL.
func (FileSource) Fetch(ctx context.Context, cfg FeedConfig) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrFetch, cfg.Name, err)
	}
	path, ok := FilePath(cfg.URL)
	if !ok {
		return nil, fmt.Errorf("%w: %s: not a file URL: %s", ErrFetch, cfg.Name, cfg.URL)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrFetch, cfg.Name, err)
	}
	defer f.Close()

	body, err := io.ReadAll(io.LimitReader(f, maxFeedBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: reading feed file: %w", ErrFetch, cfg.Name, err)
	}
	if len(body) > maxFeedBytes {
		return nil, fmt.Errorf("%w: %s: feed file exceeds %d bytes", ErrFetch, cfg.Name, maxFeedBytes)
	}
	return body, nil
}

// FilePath returns the cleaned local path of a file:// URL.
func FilePath(raw string) (string, bool) {
	u, err := url.Parse(raw)
	if err != nil || !strings.EqualFold(u.Scheme, "file") || u.Path == "" {
		return "", false
	}
	return filepath.Clean(filepath.FromSlash(u.Path)), true
}

// SchemeSource routes each feed to a source by URL scheme.
type SchemeSource map[string]Source

// NewSource returns the default routing: http and https through an
// HTTPSource built on client, file through FileSource.
func NewSource(client *HTTPSource) SchemeSource {
	if client == nil {
		client = NewHTTPSource(nil)
	}
	return SchemeSource{"http": client, "https": client, "file": FileSource{}}
}

// Fetch dispatches on the scheme of cfg.URL.
func (s SchemeSource) Fetch(ctx context.Context, cfg FeedConfig) ([]byte, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrFetch, cfg.Name, err)
	}
	src, ok := s[strings.ToLower(u.Scheme)]
	if !ok {
		return nil, fmt.Errorf("%w: %s: unsupported scheme %q", ErrFetch, cfg.Name, u.Scheme)
	}
	return src.Fetch(ctx, cfg)
}
