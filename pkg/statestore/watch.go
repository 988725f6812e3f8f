package statestore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watch signals on the returned channel whenever the record's directory
// changes. The channel is closed when ctx ends or the watcher fails.
// Signals coalesce; consumers must re-read with Get.
func (s *Store) Watch(ctx context.Context, id string) (<-chan struct{}, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	dir := s.RecordDir(strings.TrimSpace(id))
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("watch %s: %w", id, err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		defer func() { _ = w.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != recordFile {
					continue
				}
				select {
				case out <- struct{}{}:
				default:
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				s.log.Debug("Experiment watcher error", zap.String("experiment_id", id), zap.Error(err))
			}
		}
	}()
	return out, nil
}

// SweepResult summarises a SweepTemp pass.
type SweepResult struct {
	TempFiles int `json:"temp_files"`
}

// SweepTemp removes record temp files left behind by writers that crashed
// between write and rename. Only files older than minAge are considered.
//
// Lock files under .locks are never removed: a waiter blocked on an unlinked
// inode would not exclude a writer that opens a fresh one.
func (s *Store) SweepTemp(minAge time.Duration) (SweepResult, error) {
	var res SweepResult
	if err := s.ensureRoot(); err != nil {
		return res, err
	}
	cutoff := s.opts.Now().Add(-minAge)

	matches, err := filepath.Glob(filepath.Join(s.root, "*", recordTmpGlob))
	if err != nil {
		return res, err
	}
	for _, m := range matches {
		st, err := os.Stat(m)
		if err != nil || st.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(m); err == nil {
			res.TempFiles++
		}
	}
	return res, nil
}
