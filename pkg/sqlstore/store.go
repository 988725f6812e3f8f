// Package sqlstore is the embedded transactional experiment State Store.
//
// Records are stored as JSON documents keyed by id in a SQLite database
// (pure-Go modernc driver). Put runs as a BEGIN IMMEDIATE transaction, which
// takes SQLite's reserved lock up front and serialises writers across
// processes sharing the database file.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"go.uber.org/zap"
	sqlite "modernc.org/sqlite"

	"github.com/3leaps/expvisor/pkg/experiment"
)

const driverName = "expvisor-sqlite"

func init() {
	sql.Register(driverName, &sqlite.Driver{})
}

// Config configures the database location and write behaviour.
type Config struct {
	// Path is a local filesystem path; ":memory:" is accepted for tests.
	Path string

	// BusyTimeout is applied as PRAGMA busy_timeout.
	BusyTimeout time.Duration

	// Retries bounds how often a busy transaction is retried.
	Retries uint

	TailCap int
	Logger  *zap.Logger
	Now     func() time.Time
}

type Store struct {
	db  *sql.DB
	cfg Config
	log *zap.Logger
}

var _ experiment.Store = (*Store)(nil)

// Open opens (and creates if needed) the database and migrates the schema.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlstore path is required")
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	if cfg.Retries == 0 {
		cfg.Retries = 5
	}
	if cfg.TailCap <= 0 {
		cfg.TailCap = experiment.DefaultTailCap
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	dsn := path
	if path != ":memory:" {
		// #nosec G301 -- data directories use 0755 for multi-user access compatibility
		if err := os.MkdirAll(filepath.Dir(filepath.Clean(path)), 0755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
		// busy_timeout is also set per connection so a reopened pool
		// connection keeps waiting on the writer lock.
		dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)", filepath.Clean(path), cfg.BusyTimeout.Milliseconds())
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open experiment store: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping experiment store: %w", err)
	}

	// Keep a single connection per process; cross-process exclusion comes
	// from SQLite's file locks.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, cfg: cfg, log: log}
	if err := s.configure(ctx, path == ":memory:"); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) configure(ctx context.Context, memory bool) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if !memory {
		var journalMode string
		if err := s.db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL").Scan(&journalMode); err != nil {
			return fmt.Errorf("enable WAL mode: %w", err)
		}
	}
	var busyTimeout int
	q := fmt.Sprintf("PRAGMA busy_timeout=%d", s.cfg.BusyTimeout.Milliseconds())
	if err := s.db.QueryRowContext(ctx, q).Scan(&busyTimeout); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	return nil
}

// Put merges p into the stored record inside a BEGIN IMMEDIATE transaction.
func (s *Store) Put(ctx context.Context, id string, p experiment.Patch) (*experiment.Record, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, experiment.Validationf("experiment id is required")
	}

	var out *experiment.Record
	err := s.withRetry(ctx, func() error {
		rec, err := s.putOnce(ctx, id, p)
		if err != nil {
			return err
		}
		out = rec
		return nil
	})
	if err != nil {
		return nil, s.wrap("put", id, err)
	}
	return out, nil
}

func (s *Store) putOnce(ctx context.Context, id string, p experiment.Patch) (*experiment.Record, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = conn.Close() }()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return nil, fmt.Errorf("begin immediate: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
		}
	}()

	current, err := scanRecord(conn.QueryRowContext(ctx, `SELECT id, doc FROM experiments WHERE id = ?`, id))
	if err != nil && !errors.Is(err, experiment.ErrNotFound) {
		return nil, err
	}

	next, err := experiment.Apply(current, id, p, s.cfg.Now(), s.cfg.TailCap)
	if err != nil {
		return nil, err
	}
	doc, err := json.Marshal(next)
	if err != nil {
		return nil, fmt.Errorf("marshal experiment record: %w", err)
	}

	_, err = conn.ExecContext(ctx, `
		INSERT INTO experiments (id, owner, status, doc, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			doc = excluded.doc,
			updated_at = excluded.updated_at`,
		next.ID, next.Owner, string(next.Status), string(doc),
		next.CreatedAt.UTC().Format(time.RFC3339Nano), next.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("upsert experiment: %w", err)
	}
	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	committed = true
	return next, nil
}

func (s *Store) Get(ctx context.Context, id string) (*experiment.Record, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, experiment.Validationf("experiment id is required")
	}
	var out *experiment.Record
	err := s.withRetry(ctx, func() error {
		rec, err := scanRecord(s.db.QueryRowContext(ctx, `SELECT id, doc FROM experiments WHERE id = ?`, id))
		if err != nil {
			return err
		}
		out = rec
		return nil
	})
	if err != nil {
		return nil, s.wrap("get", id, err)
	}
	return out, nil
}

// List filters by owner and status in SQL.
func (s *Store) List(ctx context.Context, filter experiment.ListFilter) ([]experiment.Record, error) {
	if !filter.Scoped() {
		return nil, experiment.Validationf("list requires an owner filter")
	}

	var (
		where []string
		args  []any
	)
	if !filter.All {
		where = append(where, "owner = ?")
		args = append(args, filter.Owner)
	}
	if len(filter.Statuses) > 0 {
		ph := make([]string, 0, len(filter.Statuses))
		for _, st := range filter.Statuses {
			ph = append(ph, "?")
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(ph, ",")+")")
	}
	q := `SELECT id, doc FROM experiments`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}

	var out []experiment.Record
	err := s.withRetry(ctx, func() error {
		out = out[:0]
		rows, err := s.db.QueryContext(ctx, q, args...)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()
		for rows.Next() {
			rec, err := scanRecord(rows)
			if err != nil {
				if errors.Is(err, experiment.ErrCorrupt) {
					s.log.Warn("Skipping corrupt experiment row", zap.Error(err))
					continue
				}
				return err
			}
			out = append(out, *rec)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, s.wrap("list", "", err)
	}
	experiment.SortNewestFirst(out)
	return out, nil
}

func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return false, experiment.Validationf("experiment id is required")
	}
	var n int64
	err := s.withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM experiments WHERE id = ?`, id)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return false, s.wrap("delete", id, err)
	}
	return n > 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*experiment.Record, error) {
	var id, doc string
	if err := row.Scan(&id, &doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, experiment.ErrNotFound
		}
		return nil, err
	}
	var rec experiment.Record
	if err := json.Unmarshal([]byte(doc), &rec); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", experiment.ErrCorrupt, id, err)
	}
	if rec.ID != id || rec.Owner == "" || !rec.Status.Valid() {
		return nil, fmt.Errorf("%w: %s: document does not match row", experiment.ErrCorrupt, id)
	}
	return &rec, nil
}

// withRetry retries busy/locked failures and corrupt reads with bounded
// backoff. Everything else fails fast.
func (s *Store) withRetry(ctx context.Context, fn func() error) error {
	return retry.Do(fn,
		retry.Context(ctx),
		retry.Attempts(s.cfg.Retries),
		retry.Delay(25*time.Millisecond),
		retry.MaxDelay(500*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return isBusy(err) || errors.Is(err, experiment.ErrCorrupt)
		}),
	)
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "sqlite_busy")
}

func (s *Store) wrap(op, id string, err error) error {
	switch {
	case errors.Is(err, experiment.ErrNotFound):
		return fmt.Errorf("%w: %s", experiment.ErrNotFound, id)
	case errors.Is(err, experiment.ErrValidation),
		errors.Is(err, experiment.ErrInvalidTransition),
		errors.Is(err, experiment.ErrOwnerImmutable),
		errors.Is(err, experiment.ErrExists),
		errors.Is(err, experiment.ErrCorrupt),
		errors.Is(err, experiment.ErrAlreadyActive),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	case isBusy(err):
		return &experiment.StoreError{Op: op, ID: id, Err: fmt.Errorf("%w: %w: %v", experiment.ErrStoreUnavailable, experiment.ErrConcurrency, err)}
	default:
		return &experiment.StoreError{Op: op, ID: id, Err: err}
	}
}
