package feeds

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lvonguyen/threatlens/internal/indicator"
	"github.com/lvonguyen/threatlens/internal/store"
)

func fileURL(path string) string {
	return "file://" + filepath.ToSlash(path)
}

// =============================================================================
// FileSource Tests
// =============================================================================

// TestFilePath verifies only file URLs resolve to paths.
func TestFilePath(t *testing.T) {
	path, ok := FilePath("file:///var/lib/threatlens/drop/../blocklist.txt")
	assert.True(t, ok)
	assert.Equal(t, filepath.Clean("/var/lib/threatlens/blocklist.txt"), path)

	for _, raw := range []string{"https://feeds.example.com/list", "file://", "::bad"} {
		_, ok := FilePath(raw)
		assert.False(t, ok, raw)
	}
}

// TestFileSource_Fetch verifies local reads and missing files.
func TestFileSource_Fetch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "list.txt")
	require.NoError(t, os.WriteFile(path, []byte("185.220.101.1\n"), 0o600))

	body, err := FileSource{}.Fetch(context.Background(), FeedConfig{Name: "drop", URL: fileURL(path)})
	require.NoError(t, err)
	assert.Equal(t, "185.220.101.1\n", string(body))

	_, err = FileSource{}.Fetch(context.Background(), FeedConfig{Name: "gone", URL: fileURL(path + ".missing")})
	assert.ErrorIs(t, err, ErrFetch)

	_, err = FileSource{}.Fetch(context.Background(), FeedConfig{Name: "web", URL: "https://feeds.example.com/list"})
	assert.ErrorIs(t, err, ErrFetch)
}

// TestSchemeSource_Routes verifies dispatch by scheme.
func TestSchemeSource_Routes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("evil.example.com\n"))
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "list.txt")
	require.NoError(t, os.WriteFile(path, []byte("91.215.85.12\n"), 0o600))

	src := NewSource(NewHTTPSource(srv.Client()))
	ctx := context.Background()

	body, err := src.Fetch(ctx, FeedConfig{Name: "web", URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, "evil.example.com\n", string(body))

	body, err = src.Fetch(ctx, FeedConfig{Name: "drop", URL: fileURL(path)})
	require.NoError(t, err)
	assert.Equal(t, "91.215.85.12\n", string(body))

	_, err = src.Fetch(ctx, FeedConfig{Name: "ftp", URL: "ftp://feeds.example.com/list"})
	require.ErrorIs(t, err, ErrFetch)
	assert.True(t, strings.Contains(err.Error(), "unsupported scheme"))
}

// =============================================================================
// Watcher Tests
// =============================================================================

// TestWatcher_Paths verifies only enabled file feeds are watched.
func TestWatcher_Paths(t *testing.T) {
	dir := t.TempDir()
	w := NewWatcher([]FeedConfig{
		{Name: "drop", URL: fileURL(filepath.Join(dir, "a.txt")), Enabled: true},
		{Name: "drop-copy", URL: fileURL(filepath.Join(dir, "a.txt")), Enabled: true},
		{Name: "off", URL: fileURL(filepath.Join(dir, "b.txt")), Enabled: false},
		{Name: "web", URL: "https://feeds.example.com/list", Enabled: true},
	}, nil, 0, nil)

	assert.Equal(t, []string{filepath.Join(dir, "a.txt")}, w.Paths())
	assert.Equal(t, []string{"drop", "drop-copy"}, w.byPath[filepath.Join(dir, "a.txt")])
}

// TestWatcher_NoFilesReturns verifies Run is a no-op without file feeds.
func TestWatcher_NoFilesReturns(t *testing.T) {
	w := NewWatcher([]FeedConfig{{Name: "web", URL: "https://feeds.example.com/list", Enabled: true}}, nil, 0, nil)
	assert.NoError(t, w.Run(context.Background()))
}

// TestWatcher_SyncsOnWrite verifies a rewritten feed file is synced into the
// store.
func TestWatcher_SyncsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "drop.txt")
	require.NoError(t, os.WriteFile(path, []byte("# empty\n"), 0o600))

	feeds := []FeedConfig{{Name: "drop", URL: fileURL(path), Format: FormatBlocklist, Enabled: true}}
	st := store.NewMemoryStore(2)
	c := NewCollector(feeds, NewSource(nil), st, nil, zap.NewNop(), nil, CollectorConfig{})
	w := NewWatcher(feeds, c, 20*time.Millisecond, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	assert.Eventually(t, func() bool {
		if err := os.WriteFile(path, []byte("185.220.101.1\n"), 0o600); err != nil {
			return false
		}
		_, err := st.Get(context.Background(), indicator.TypeIP, "185.220.101.1")
		return err == nil
	}, 5*time.Second, 100*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop")
	}

	got, err := st.Get(context.Background(), indicator.TypeIP, "185.220.101.1")
	require.NoError(t, err)
	assert.Equal(t, []string{"drop"}, got.Sources)
}

// busySyncer reports the first n calls as already running.
type busySyncer struct {
	busy  int
	calls []string
}

func (s *busySyncer) SyncFeed(_ context.Context, name string) (FeedReport, error) {
	s.calls = append(s.calls, name)
	if len(s.calls) <= s.busy {
		return FeedReport{Feed: name}, ErrSyncInProgress
	}
	return FeedReport{Feed: name, Updated: 1}, nil
}

// TestWatcher_FlushRequeuesBusyFeeds verifies a change that lands while the
// feed is syncing elsewhere is kept for the next flush.
func TestWatcher_FlushRequeuesBusyFeeds(t *testing.T) {
	syncer := &busySyncer{busy: 1}
	w := NewWatcher(nil, syncer, 0, nil)

	retry := w.flush(context.Background(), map[string]bool{"drop": true})
	assert.Equal(t, map[string]bool{"drop": true}, retry)

	retry = w.flush(context.Background(), retry)
	assert.Empty(t, retry)
	assert.Equal(t, []string{"drop", "drop"}, syncer.calls)
}
