package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"go.uber.org/zap"

	"github.com/3leaps/expvisor/internal/config"
	"github.com/3leaps/expvisor/internal/observability"
	"github.com/3leaps/expvisor/pkg/access"
	"github.com/3leaps/expvisor/pkg/archive"
	"github.com/3leaps/expvisor/pkg/experiment"
	"github.com/3leaps/expvisor/pkg/resultns"
	"github.com/3leaps/expvisor/pkg/sqlstore"
	"github.com/3leaps/expvisor/pkg/statestore"
	"github.com/3leaps/expvisor/pkg/supervisor"
)

// app is the set of collaborators every experiment command works with.
type app struct {
	cfg     *config.Config
	store   experiment.Store
	files   *statestore.Store // nil unless store.driver is file
	sql     *sqlstore.Store   // nil unless store.driver is sqlite
	results *resultns.Manager
	policy  *access.Policy
	sup     *supervisor.Supervisor
	log     *zap.Logger
}

type appOptions struct {
	metrics  bool
	launcher supervisor.Launcher
}

func newApp(ctx context.Context, cfg *config.Config, log *zap.Logger, opts appOptions) (*app, error) {
	if log == nil {
		log = observability.CLILogger
	}
	a := &app{
		cfg:     cfg,
		results: resultns.New(cfg.Results.Root),
		policy:  access.NewPolicy(cfg.Access.Admins),
		log:     log,
	}

	switch cfg.Store.Driver {
	case "sqlite":
		st, err := sqlstore.Open(ctx, sqlstore.Config{
			Path:        cfg.Store.Path,
			BusyTimeout: cfg.Store.BusyTimeout,
			TailCap:     cfg.Store.TailCapBytes,
			Logger:      log.Named("sqlstore"),
		})
		if err != nil {
			return nil, exitError(foundry.ExitExternalServiceUnavailable, "Failed to open state store", err)
		}
		a.sql, a.store = st, st
	default:
		a.files = statestore.New(cfg.Store.Path, statestore.Options{
			LockTimeout: cfg.Store.LockTimeout,
			TailCap:     cfg.Store.TailCapBytes,
			Logger:      log.Named("statestore"),
		})
		a.store = a.files
	}

	arch, err := buildArchiver(ctx, cfg.Archive)
	if err != nil {
		a.closeStore()
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid archive configuration", err)
	}

	var metrics *supervisor.Metrics
	if opts.metrics {
		metrics = supervisor.NewMetrics(observability.InitMetrics())
		a.store = supervisor.InstrumentStore(a.store, metrics)
	}

	launcher := opts.launcher
	if launcher == nil {
		launcher = supervisor.NewExecLauncher(cfg.Supervisor.Command)
	}

	a.sup = supervisor.New(a.store, a.results, launcher, supervisor.Config{
		PollInterval:   cfg.Supervisor.PollInterval,
		StopGrace:      cfg.Supervisor.StopGrace,
		MaxRuntime:     cfg.Supervisor.MaxRuntime,
		TailCap:        cfg.Store.TailCapBytes,
		LogPaths:       a.logPaths,
		DetachedLogDir: filepath.Join(cfg.DataDir, "logs"),
		DeleteResults:  cfg.Results.DeleteOnRemove,
		Archiver:       arch,
		Metrics:        metrics,
		Logger:         log.Named("supervisor"),
	})
	return a, nil
}

// logPaths places full runner output next to the record for the file store
// and under <data_dir>/logs otherwise.
func (a *app) logPaths(id string) (string, string) {
	if a.files != nil {
		return a.files.StdoutLogPath(id), a.files.StderrLogPath(id)
	}
	dir := filepath.Join(a.cfg.DataDir, "logs")
	return filepath.Join(dir, id+".stdout.log"), filepath.Join(dir, id+".stderr.log")
}

func (a *app) principal() (access.Principal, error) {
	p, err := a.policy.Principal(currentPrincipal())
	if err != nil {
		return access.Principal{}, exitError(foundry.ExitInvalidArgument, "No principal", errors.New("set --principal or $USER"))
	}
	return p, nil
}

func (a *app) closeStore() {
	if a.sql != nil {
		if err := a.sql.Close(); err != nil {
			a.log.Warn("Failed to close state store", zap.Error(err))
		}
	}
}

// Close stops in-process monitoring loops and releases the store.
func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Supervisor.StopGrace+5*time.Second)
	defer cancel()
	if err := a.sup.Shutdown(ctx); err != nil {
		a.log.Warn("Supervisor shutdown incomplete", zap.Error(err))
	}
	a.closeStore()
}

// resolveID accepts a full id or a unique prefix of one visible to p.
func (a *app) resolveID(ctx context.Context, p access.Principal, input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", experiment.Validationf("experiment id is required")
	}
	if _, err := a.store.Get(ctx, input); err == nil {
		return input, nil
	} else if !errors.Is(err, experiment.ErrNotFound) && !errors.Is(err, experiment.ErrValidation) {
		return "", err
	}

	recs, err := a.sup.List(ctx, p, supervisor.ListOptions{All: p.Admin})
	if err != nil {
		return "", err
	}
	matches := make([]string, 0, 2)
	for _, r := range recs {
		if strings.HasPrefix(r.ID, input) {
			matches = append(matches, r.ID)
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("%w: %s", experiment.ErrNotFound, input)
	case 1:
		return matches[0], nil
	default:
		return "", experiment.Validationf("experiment id prefix %q is ambiguous (%d matches)", input, len(matches))
	}
}

func buildArchiver(ctx context.Context, cfg config.ArchiveConfig) (archive.Archiver, error) {
	switch cfg.Kind {
	case "dir":
		return &archive.DirArchiver{Root: cfg.Dir}, nil
	case "s3":
		return archive.NewS3Archiver(ctx, archive.S3Config{
			Bucket:          cfg.S3.Bucket,
			Prefix:          cfg.S3.Prefix,
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
			Profile:         cfg.S3.Profile,
			AccessKeyID:     os.Getenv("EXPVISOR_ARCHIVE_ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv("EXPVISOR_ARCHIVE_SECRET_ACCESS_KEY"),
			ForcePathStyle:  cfg.S3.ForcePathStyle,
		})
	default:
		return nil, nil
	}
}

// exitForError maps domain errors onto foundry exit codes.
func exitForError(msg string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, experiment.ErrValidation), errors.Is(err, experiment.ErrAuthorization):
		return exitError(foundry.ExitInvalidArgument, msg, err)
	case errors.Is(err, experiment.ErrNotFound):
		return exitError(foundry.ExitFileNotFound, msg, err)
	case errors.Is(err, experiment.ErrStoreUnavailable):
		return exitError(foundry.ExitExternalServiceUnavailable, msg, err)
	case errors.Is(err, context.Canceled):
		return exitError(foundry.ExitSignalInt, msg, err)
	default:
		return exitError(1, msg, err)
	}
}
