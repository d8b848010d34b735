package cleanup

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/italolelis/media_downloader/internal/logctx"
)

// HistoryPruner deletes download records that finished before a point in time.
type HistoryPruner interface {
	DeleteFinishedBefore(ctx context.Context, t time.Time) (int64, error)
}

// DeleteStaleTempFiles removes files under dir whose name starts with prefix and that were
// last modified more than maxAge ago. These are leftovers of downloads interrupted by a crash.
// Files for which inUse reports true belong to a live download and are kept; inUse may be nil.
func DeleteStaleTempFiles(ctx context.Context, dir, prefix string, maxAge time.Duration, inUse func(name string) bool) (int, error) {
	logger := logctx.LoggerFromContext(ctx)
	cutoff := time.Now().Add(-maxAge)
	deleted := 0

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil // already deleted
			}

			return err
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		if d.IsDir() || !strings.HasPrefix(d.Name(), prefix) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}

			logger.Error("failed to stat file", "file", path, "err", err)

			return err
		}

		if info.ModTime().After(cutoff) {
			return nil
		}

		if inUse != nil && inUse(d.Name()) {
			logger.Debug("keeping temp file of running download", "file", path)

			return nil
		}

		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			logger.Error("failed to delete stale temp file", "file", path, "err", err)

			return err
		}

		deleted++

		logger.Info("deleted stale temp file", "file", path)

		return nil
	})

	return deleted, err
}

// PruneHistory deletes the records that finished more than keep ago.
func PruneHistory(ctx context.Context, history HistoryPruner, keep time.Duration) (int64, error) {
	deleted, err := history.DeleteFinishedBefore(ctx, time.Now().Add(-keep))
	if err != nil {
		return 0, err
	}

	if deleted > 0 {
		logctx.LoggerFromContext(ctx).Info("pruned download history", "records", deleted)
	}

	return deleted, nil
}

// Sweeper periodically removes stale temp files and old history.
type Sweeper struct {
	Dirs        []string
	TempPrefix  string
	TempMaxAge  time.Duration
	History     HistoryPruner
	KeepHistory time.Duration
	Interval    time.Duration
	// InUse reports whether a temp file belongs to a download that is still running.
	InUse func(name string) bool
}

// Sweep runs one cleanup pass. Errors are logged; a failing directory does not stop the others.
func (s *Sweeper) Sweep(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	for _, dir := range s.Dirs {
		if _, err := DeleteStaleTempFiles(ctx, dir, s.TempPrefix, s.TempMaxAge, s.InUse); err != nil {
			logger.Error("failed to clean temp files", "dir", dir, "err", err)
		}
	}

	if s.History != nil && s.KeepHistory > 0 {
		if _, err := PruneHistory(ctx, s.History, s.KeepHistory); err != nil {
			logger.Error("failed to prune download history", "err", err)
		}
	}
}

// Run sweeps immediately and then every Interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	logger.Info("starting cleanup", "interval", s.Interval, "dirs", s.Dirs)

	s.Sweep(ctx)

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("stopping cleanup")

			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}
