package session

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Warmer pre-parses recently modified transcripts so the first retrieval
// request does not pay the parse cost. Other components may block on Done.
type Warmer struct {
	root   string
	cache  *Cache
	window time.Duration
	logger *zap.Logger

	once sync.Once
	done chan struct{}
}

// NewWarmer creates a warmer over the projects directory. window limits
// warming to sessions modified within that duration.
func NewWarmer(root string, cache *Cache, window time.Duration, logger *zap.Logger) *Warmer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Warmer{
		root:   root,
		cache:  cache,
		window: window,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Done is closed when warming has completed (or was never started and
// Warm returned early).
func (w *Warmer) Done() <-chan struct{} {
	return w.done
}

// Warm walks all project directories and parses sessions modified within
// the window. Safe to call once; subsequent calls are no-ops.
func (w *Warmer) Warm(ctx context.Context) {
	w.once.Do(func() {
		defer close(w.done)
		start := time.Now()
		cutoff := start.Add(-w.window)
		warmed := 0

		_ = filepath.WalkDir(w.root, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if ctx.Err() != nil {
				return filepath.SkipAll
			}
			if d.IsDir() || !strings.HasSuffix(path, ".jsonl") {
				return nil
			}
			// Sub-agent transcripts are parsed with their parent.
			if strings.Contains(path, string(filepath.Separator)+"subagents"+string(filepath.Separator)) {
				return nil
			}
			info, err := d.Info()
			if err != nil || info.ModTime().Before(cutoff) {
				return nil
			}
			if _, err := w.cache.Load(ctx, path); err != nil {
				w.logger.Debug("warming skipped transcript", zap.String("path", path), zap.Error(err))
				return nil
			}
			warmed++
			return nil
		})

		w.logger.Info("session cache warmed",
			zap.Int("sessions", warmed),
			zap.Duration("elapsed", time.Since(start)),
		)
	})
}
