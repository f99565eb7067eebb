package feeds

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const defaultWatchDebounce = 500 * time.Millisecond

// Syncer syncs a single feed by name.
type Syncer interface {
	SyncFeed(ctx context.Context, name string) (FeedReport, error)
}

// Watcher re-syncs enabled file:// feeds when their files change. Bursts of
// events are coalesced: a feed syncs once after its file has been quiet for
// the debounce period.
type Watcher struct {
	byPath   map[string][]string
	syncer   Syncer
	debounce time.Duration
	logger   *zap.Logger
}

// NewWatcher builds a watcher over the enabled file feeds in feeds.
func NewWatcher(feeds []FeedConfig, syncer Syncer, debounce time.Duration, logger *zap.Logger) *Watcher {
	if debounce <= 0 {
		debounce = defaultWatchDebounce
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	byPath := make(map[string][]string)
	for _, f := range feeds {
		if !f.Enabled {
			continue
		}
		if path, ok := FilePath(f.URL); ok {
			byPath[path] = append(byPath[path], f.Name)
		}
	}
	return &Watcher{
		byPath:   byPath,
		syncer:   syncer,
		debounce: debounce,
		logger:   logger.With(zap.String("component", "feed_watcher")),
	}
}

// Paths returns the watched feed files.
func (w *Watcher) Paths() []string {
	out := make([]string, 0, len(w.byPath))
	for p := range w.byPath {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Run watches until ctx is cancelled. Parent directories are watched so that
// files replaced by rename are still seen.
func (w *Watcher) Run(ctx context.Context) error {
	if len(w.byPath) == 0 {
		return nil
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating file watcher: %w", err)
	}
	defer fw.Close()

	dirs := make(map[string]bool)
	for _, p := range w.Paths() {
		dir := filepath.Dir(p)
		if dirs[dir] {
			continue
		}
		if err := fw.Add(dir); err != nil {
			return fmt.Errorf("watching %s: %w", dir, err)
		}
		dirs[dir] = true
	}
	w.logger.Info("Watching feed files", zap.Strings("paths", w.Paths()))

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	pending := make(map[string]bool)

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			names, ok := w.byPath[filepath.Clean(ev.Name)]
			if !ok {
				continue
			}
			for _, n := range names {
				pending[n] = true
			}
			timer.Reset(w.debounce)

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("Feed watcher error", zap.Error(err))

		case <-timer.C:
			pending = w.flush(ctx, pending)
			if len(pending) > 0 {
				timer.Reset(w.debounce)
			}
		}
	}
}

// flush syncs the pending feeds and returns those that were busy, to be
// retried after another debounce period.
func (w *Watcher) flush(ctx context.Context, pending map[string]bool) map[string]bool {
	names := make([]string, 0, len(pending))
	for n := range pending {
		names = append(names, n)
	}
	sort.Strings(names)

	retry := make(map[string]bool)
	for _, name := range names {
		report, err := w.syncer.SyncFeed(ctx, name)
		if errors.Is(err, ErrSyncInProgress) {
			retry[name] = true
			continue
		}
		if err != nil {
			w.logger.Warn("Feed file sync failed", zap.String("feed", name), zap.Error(err))
			continue
		}
		w.logger.Info("Feed file synced",
			zap.String("feed", name),
			zap.Int("created", report.Created),
			zap.Int("updated", report.Updated))
	}
	return retry
}
