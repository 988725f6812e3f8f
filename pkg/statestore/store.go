// Package statestore is the file-backed experiment State Store.
//
// Every record lives in its own directory and is rewritten atomically
// (temp file + fsync + rename) while holding an exclusive flock(2) on the
// record's lock file, which makes Put a safe read-merge-write cycle across
// OS processes.
package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"go.uber.org/zap"

	"github.com/3leaps/expvisor/pkg/experiment"
)

const (
	recordFile     = "record.json"
	recordTmpGlob  = "record.json.tmp.*"
	locksDir       = ".locks"
	defaultTimeout = 10 * time.Second
	corruptRetries = 3
	corruptDelay   = 20 * time.Millisecond
)

// Options tunes a Store. Zero values select defaults.
type Options struct {
	// LockTimeout bounds how long Put/Get/Delete wait for the record lock.
	LockTimeout time.Duration

	// TailCap bounds stdout_tail/stderr_tail in bytes.
	TailCap int

	Logger *zap.Logger

	// Now overrides the clock (tests).
	Now func() time.Time
}

// Store persists experiment records under a root directory.
//
// Directory layout:
//
//	<root>/<id>/record.json
//	<root>/<id>/stdout.log
//	<root>/<id>/stderr.log
//	<root>/.locks/<id>.lock
//
// Lock files live outside the record directory so Delete never unlinks a
// lock another process may be waiting on.
type Store struct {
	root string
	opts Options
	log  *zap.Logger
}

var _ experiment.Store = (*Store)(nil)
var _ experiment.Watcher = (*Store)(nil)

// beforeRename is a test hook invoked after the temp file is durable and
// before it replaces record.json.
var beforeRename func(tmpPath string) error

func New(root string, opts Options) *Store {
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = defaultTimeout
	}
	if opts.TailCap <= 0 {
		opts.TailCap = experiment.DefaultTailCap
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{root: strings.TrimSpace(root), opts: opts, log: log}
}

func (s *Store) RootDir() string {
	return s.root
}

func (s *Store) RecordDir(id string) string {
	return filepath.Join(s.root, id)
}

func (s *Store) RecordPath(id string) string {
	return filepath.Join(s.RecordDir(id), recordFile)
}

func (s *Store) StdoutLogPath(id string) string {
	return filepath.Join(s.RecordDir(id), "stdout.log")
}

func (s *Store) StderrLogPath(id string) string {
	return filepath.Join(s.RecordDir(id), "stderr.log")
}

func (s *Store) lockPath(id string) string {
	return filepath.Join(s.root, locksDir, id+".lock")
}

func (s *Store) ensureRoot() error {
	if s.root == "" {
		return fmt.Errorf("experiment store root dir is empty")
	}
	return os.MkdirAll(s.root, 0755)
}

// ValidateID rejects ids that are not a single safe path element.
func ValidateID(id string) error {
	id = strings.TrimSpace(id)
	switch {
	case id == "":
		return experiment.Validationf("experiment id is required")
	case strings.HasPrefix(id, "."):
		return experiment.Validationf("experiment id %q must not start with '.'", id)
	case strings.ContainsAny(id, `/\`) || strings.ContainsRune(id, 0):
		return experiment.Validationf("experiment id %q contains a path separator", id)
	}
	return nil
}

// Put merges p into the record under the exclusive record lock.
func (s *Store) Put(ctx context.Context, id string, p experiment.Patch) (*experiment.Record, error) {
	id = strings.TrimSpace(id)
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	if err := s.ensureRoot(); err != nil {
		return nil, &experiment.StoreError{Op: "put", ID: id, Err: err}
	}

	lock, err := acquireLock(ctx, s.lockPath(id), true, s.opts.LockTimeout)
	if err != nil {
		return nil, s.unavailable("put", id, err)
	}
	defer lock.release()

	current, err := s.readRecord(ctx, id)
	if err != nil && !errors.Is(err, experiment.ErrNotFound) {
		return nil, err
	}

	next, err := experiment.Apply(current, id, p, s.opts.Now(), s.opts.TailCap)
	if err != nil {
		return nil, err
	}
	if err := s.writeRecord(next); err != nil {
		return nil, &experiment.StoreError{Op: "put", ID: id, Err: err}
	}
	return next, nil
}

// Get reads the committed record under a shared lock.
func (s *Store) Get(ctx context.Context, id string) (*experiment.Record, error) {
	id = strings.TrimSpace(id)
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	if _, err := os.Stat(s.RecordDir(id)); errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", experiment.ErrNotFound, id)
	}

	lock, err := acquireLock(ctx, s.lockPath(id), false, s.opts.LockTimeout)
	if err != nil {
		return nil, s.unavailable("get", id, err)
	}
	defer lock.release()

	return s.readRecord(ctx, id)
}

// List returns a snapshot of records passing filter, newest first. The owner
// filter is applied while scanning; records of other owners are never
// returned to the caller.
func (s *Store) List(ctx context.Context, filter experiment.ListFilter) ([]experiment.Record, error) {
	if !filter.Scoped() {
		return nil, experiment.Validationf("list requires an owner filter")
	}
	if err := s.ensureRoot(); err != nil {
		return nil, &experiment.StoreError{Op: "list", Err: err}
	}
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, &experiment.StoreError{Op: "list", Err: err}
	}

	out := make([]experiment.Record, 0, len(entries))
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		r, err := s.Get(ctx, entry.Name())
		if err != nil {
			if errors.Is(err, experiment.ErrNotFound) {
				continue
			}
			if errors.Is(err, experiment.ErrCorrupt) {
				s.log.Warn("Skipping corrupt experiment record", zap.String("experiment_id", entry.Name()), zap.Error(err))
				continue
			}
			return nil, err
		}
		if filter.Matches(r) {
			out = append(out, *r)
		}
	}

	experiment.SortNewestFirst(out)
	return out, nil
}

// Delete removes the record directory. It reports false when the record did
// not exist.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	id = strings.TrimSpace(id)
	if err := ValidateID(id); err != nil {
		return false, err
	}
	if _, err := os.Stat(s.RecordDir(id)); errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}

	lock, err := acquireLock(ctx, s.lockPath(id), true, s.opts.LockTimeout)
	if err != nil {
		return false, s.unavailable("delete", id, err)
	}
	defer lock.release()

	if _, err := os.Stat(s.RecordDir(id)); errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err := os.RemoveAll(s.RecordDir(id)); err != nil {
		return false, &experiment.StoreError{Op: "delete", ID: id, Err: err}
	}
	return true, nil
}

// readRecord loads record.json. The caller holds the record lock. A record
// that fails to parse is re-read a few times before ErrCorrupt is reported.
func (s *Store) readRecord(ctx context.Context, id string) (*experiment.Record, error) {
	var rec *experiment.Record
	err := retry.Do(
		func() error {
			b, err := os.ReadFile(s.RecordPath(id))
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return fmt.Errorf("%w: %s", experiment.ErrNotFound, id)
				}
				return &experiment.StoreError{Op: "read", ID: id, Err: err}
			}
			r, err := decodeRecord(b)
			if err != nil {
				return fmt.Errorf("%w: %s: %v", experiment.ErrCorrupt, id, err)
			}
			rec = r
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(corruptRetries),
		retry.Delay(corruptDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool { return errors.Is(err, experiment.ErrCorrupt) }),
	)
	if err != nil {
		return nil, err
	}
	if rec.ID != id {
		return nil, fmt.Errorf("%w: %s: stored id %q", experiment.ErrCorrupt, id, rec.ID)
	}
	return rec, nil
}

func decodeRecord(b []byte) (*experiment.Record, error) {
	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" {
		return nil, fmt.Errorf("record.json is empty")
	}
	var rec experiment.Record
	if err := json.Unmarshal([]byte(trimmed), &rec); err != nil {
		return nil, fmt.Errorf("parse record.json: %w", err)
	}
	if !rec.Status.Valid() || rec.Owner == "" {
		return nil, fmt.Errorf("record.json is missing owner or status")
	}
	return &rec, nil
}

// writeRecord replaces record.json atomically. The caller holds the
// exclusive record lock.
func (s *Store) writeRecord(rec *experiment.Record) error {
	dir := s.RecordDir(rec.ID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create record dir: %w", err)
	}

	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal experiment record: %w", err)
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(dir, recordTmpGlob)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	renamed := false
	defer func() {
		if !renamed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp record file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp record file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp record file: %w", err)
	}

	if beforeRename != nil {
		if err := beforeRename(tmpName); err != nil {
			return err
		}
	}

	if err := os.Rename(tmpName, s.RecordPath(rec.ID)); err != nil {
		return fmt.Errorf("rename record file: %w", err)
	}
	renamed = true
	syncDir(dir)
	return nil
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

func (s *Store) unavailable(op, id string, err error) error {
	if errors.Is(err, experiment.ErrConcurrency) {
		return &experiment.StoreError{Op: op, ID: id, Err: fmt.Errorf("%w: %w", experiment.ErrStoreUnavailable, err)}
	}
	return &experiment.StoreError{Op: op, ID: id, Err: err}
}
