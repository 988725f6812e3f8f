// Package supervisor starts, monitors and stops experiment executions and
// drives their records through the State Store.
//
// Each active experiment is owned by exactly one monitoring loop. The loop
// may run in the process that called Start, or in a detached child process
// started by StartDetached. Stop requests are written to the record, so they
// reach the owning loop from any process within one poll interval.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/expvisor/pkg/access"
	"github.com/3leaps/expvisor/pkg/archive"
	"github.com/3leaps/expvisor/pkg/experiment"
	"github.com/3leaps/expvisor/pkg/monitor"
	"github.com/3leaps/expvisor/pkg/resultns"
)

const (
	DefaultPollInterval = time.Second
	DefaultStopGrace    = 10 * time.Second
)

var (
	// killWait bounds how long a killed execution may take to be reaped.
	killWait = 5 * time.Second
	// stopMargin is added on top of poll interval and grace when Stop waits
	// for confirmation.
	stopMargin = 5 * time.Second
)

// ErrStopTimeout is returned when a stop request was recorded but the
// terminal status did not appear in time.
var ErrStopTimeout = errors.New("stop not confirmed")

var errStopRequested = errors.New("stop requested before launch")

// TemplateExtensions are the accepted template file extensions.
var TemplateExtensions = []string{".xlsx", ".xls"}

type Config struct {
	PollInterval time.Duration
	StopGrace    time.Duration

	// MaxRuntime kills executions running longer than this and records them
	// as failed. Zero disables the limit.
	MaxRuntime time.Duration

	TailCap int

	// LogPaths returns where the full stdout/stderr of an experiment are
	// appended. Nil keeps only the tails.
	LogPaths func(id string) (stdout, stderr string)

	// DetachedCommand is the argv StartDetached runs, with the experiment id
	// appended. Empty means "<this executable> experiments _supervise".
	DetachedCommand []string
	DetachedLogDir  string

	// DeleteResults removes the session directory when a record is deleted.
	DeleteResults bool

	Archiver archive.Archiver
	Metrics  *Metrics
	Logger   *zap.Logger

	Now   func() time.Time
	NewID func() string
}

// StartRequest is the input of Start and StartDetached.
type StartRequest struct {
	TemplateRef string `json:"template_ref" validate:"required,max=4096"`
	Mode        string `json:"mode" validate:"required"`
	Owner       string `json:"owner" validate:"required,max=256"`
}

type Supervisor struct {
	store    experiment.Store
	auth     *access.Authorizer
	results  *resultns.Manager
	launcher Launcher
	monitor  *monitor.Monitor
	validate *validator.Validate
	cfg      Config
	log      *zap.Logger

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu    sync.Mutex
	loops map[string]*loop
}

type loop struct {
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func (l *loop) requestStop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

type waitResult struct {
	code int
	err  error
}

// supervised is the state a monitoring loop keeps for one execution.
type supervised struct {
	id      string
	exe     Execution
	session *resultns.Session
	started time.Time
	waitCh  chan waitResult
}

func New(store experiment.Store, results *resultns.Manager, launcher Launcher, cfg Config) *Supervisor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = DefaultStopGrace
	}
	if cfg.TailCap <= 0 {
		cfg.TailCap = experiment.DefaultTailCap
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = func() string { return uuid.New().String() }
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if launcher == nil {
		launcher = NewExecLauncher(nil)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		store:    store,
		auth:     access.NewAuthorizer(store),
		results:  results,
		launcher: launcher,
		monitor: monitor.New(store, monitor.Options{
			PollInterval: min(cfg.PollInterval, monitor.DefaultPollInterval),
			Logger:       log,
		}),
		validate: validator.New(),
		cfg:      cfg,
		log:      log,
		baseCtx:  ctx,
		cancel:   cancel,
		loops:    make(map[string]*loop),
	}
}

func (s *Supervisor) Store() experiment.Store {
	return s.store
}

func (s *Supervisor) Monitor() *monitor.Monitor {
	return s.monitor
}

// Start validates req, creates the pending record and its result session,
// and supervises the execution in a goroutine of this process. It returns
// without waiting for the execution.
func (s *Supervisor) Start(ctx context.Context, req StartRequest) (*experiment.Record, error) {
	rec, err := s.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	l, err := s.register(rec.ID)
	if err != nil {
		return nil, err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.run(s.baseCtx, rec.ID, l); err != nil {
			s.log.Error("Supervision failed", zap.String("experiment_id", rec.ID), zap.Error(err))
		}
	}()
	return rec, nil
}

// StartDetached is Start with the monitoring loop running in a separate,
// detached process, so the execution outlives the caller.
func (s *Supervisor) StartDetached(ctx context.Context, req StartRequest) (*experiment.Record, error) {
	rec, err := s.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	if err := s.spawnSupervisor(rec.ID); err != nil {
		s.log.Error("Failed to spawn supervisor", zap.String("experiment_id", rec.ID), zap.Error(err))
		if failed, ferr := s.finishPending(ctx, rec.ID, experiment.StatusFailed, err.Error()); ferr == nil {
			return failed, nil
		}
	}
	return rec, nil
}

func (s *Supervisor) spawnSupervisor(id string) error {
	argv := append([]string{}, s.cfg.DetachedCommand...)
	if len(argv) == 0 {
		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("resolve executable: %w", err)
		}
		argv = []string{exe, "experiments", "_supervise"}
	}
	argv = append(argv, id)

	// #nosec G204 -- argv is this binary or operator configuration
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = os.Environ()
	setProcessGroup(cmd)

	var logFile *os.File
	if s.cfg.DetachedLogDir != "" {
		// #nosec G301 -- log directories use 0755 for multi-user access compatibility
		if err := os.MkdirAll(s.cfg.DetachedLogDir, 0755); err != nil {
			return fmt.Errorf("create supervisor log dir: %w", err)
		}
		f, err := os.OpenFile(filepath.Join(s.cfg.DetachedLogDir, id+".supervisor.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("open supervisor log: %w", err)
		}
		logFile = f
		cmd.Stdout = f
		cmd.Stderr = f
	}

	if err := cmd.Start(); err != nil {
		if logFile != nil {
			_ = logFile.Close()
		}
		return fmt.Errorf("start supervisor process: %w", err)
	}
	s.log.Info("Spawned detached supervisor", zap.String("experiment_id", id), zap.Int("pid", cmd.Process.Pid))

	go func() {
		_ = cmd.Wait()
		if logFile != nil {
			_ = logFile.Close()
		}
	}()
	return nil
}

// Supervise runs the monitoring loop for an existing pending record in the
// calling goroutine and returns once the record is terminal.
func (s *Supervisor) Supervise(ctx context.Context, id string) error {
	l, err := s.register(id)
	if err != nil {
		return err
	}
	return s.run(ctx, id, l)
}

func (s *Supervisor) prepare(ctx context.Context, req StartRequest) (*experiment.Record, error) {
	req.TemplateRef = strings.TrimSpace(req.TemplateRef)
	req.Owner = strings.TrimSpace(req.Owner)
	if err := s.validate.Struct(req); err != nil {
		return nil, experiment.Validationf("%s", describeValidation(err))
	}
	mode, err := experiment.ParseMode(req.Mode)
	if err != nil {
		return nil, err
	}
	tpl, err := ValidateTemplate(req.TemplateRef)
	if err != nil {
		return nil, err
	}

	session, err := s.results.NewSession(req.Owner, tpl)
	if err != nil {
		return nil, fmt.Errorf("create result session: %w", err)
	}

	id := s.cfg.NewID()
	rec, err := s.store.Put(ctx, id, experiment.Patch{
		Owner:       &req.Owner,
		Mode:        &mode,
		TemplateRef: &tpl,
		SessionID:   &session.ID,
		ResultDir:   &session.Dir,
		CreateOnly:  true,
	})
	if err != nil {
		_ = session.Remove()
		return nil, err
	}
	s.log.Info("Experiment created",
		zap.String("experiment_id", id),
		zap.String("owner", rec.Owner),
		zap.String("mode", string(mode)),
		zap.String("template", tpl))
	return rec, nil
}

// ValidateTemplate checks that ref names an existing template file with an
// accepted extension and returns its absolute path. Content is not parsed.
func ValidateTemplate(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", experiment.Validationf("template path is required")
	}
	ext := strings.ToLower(filepath.Ext(ref))
	ok := false
	for _, allowed := range TemplateExtensions {
		if ext == allowed {
			ok = true
			break
		}
	}
	if !ok {
		return "", experiment.Validationf("template %q must be one of %s", ref, strings.Join(TemplateExtensions, ", "))
	}
	abs, err := filepath.Abs(ref)
	if err != nil {
		return "", experiment.Validationf("resolve template path %q: %v", ref, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", experiment.Validationf("template not found: %s", abs)
	}
	if !info.Mode().IsRegular() {
		return "", experiment.Validationf("template is not a regular file: %s", abs)
	}
	return abs, nil
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s: %s=%s", strings.ToLower(fe.Field()), fe.Tag(), fe.Param()))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s: %s", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}

func (s *Supervisor) register(id string) (*loop, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.loops[id]; ok {
		return nil, fmt.Errorf("%w: %s", experiment.ErrAlreadyActive, id)
	}
	l := &loop{stop: make(chan struct{}), done: make(chan struct{})}
	s.loops[id] = l
	return l, nil
}

func (s *Supervisor) unregister(id string, l *loop) {
	s.mu.Lock()
	if s.loops[id] == l {
		delete(s.loops, id)
	}
	s.mu.Unlock()
	close(l.done)
}

func (s *Supervisor) lookup(id string) *loop {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loops[id]
}

// ActiveLoops lists the ids supervised by this process.
func (s *Supervisor) ActiveLoops() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.loops))
	for id := range s.loops {
		out = append(out, id)
	}
	return out
}

// run is the monitoring loop. Launch and execution failures are recorded in
// the record; the returned error only reports that the loop could not take
// ownership.
func (s *Supervisor) run(ctx context.Context, id string, l *loop) error {
	defer s.unregister(id, l)
	s.cfg.Metrics.loopStarted()
	defer s.cfg.Metrics.loopEnded()

	rec, err := s.claim(ctx, id)
	if err != nil {
		return err
	}
	if rec.StopRequestedAt != nil {
		_, err := s.finishPending(ctx, id, experiment.StatusStopped, "")
		return err
	}

	session, err := resultns.OpenSession(rec.Owner, rec.SessionID, rec.ResultDir)
	if err != nil {
		_, ferr := s.finishPending(ctx, id, experiment.StatusFailed, err.Error())
		return ferr
	}

	exe, err := s.launch(ctx, rec, session)
	if err != nil {
		s.log.Warn("Launch failed", zap.String("experiment_id", id), zap.Error(err))
		_, ferr := s.finishPending(ctx, id, experiment.StatusFailed, err.Error())
		return ferr
	}

	sv := &supervised{
		id:      id,
		exe:     exe,
		session: session,
		started: s.cfg.Now(),
		waitCh:  make(chan waitResult, 1),
	}
	go func() {
		code, err := exe.Wait()
		sv.waitCh <- waitResult{code: code, err: err}
	}()

	running := experiment.StatusRunning
	pid := exe.PID()
	_, err = s.store.Put(ctx, id, experiment.Patch{
		Status:     &running,
		StartTime:  &sv.started,
		ProcessPID: &pid,
		Precondition: func(cur *experiment.Record) error {
			if cur == nil {
				return fmt.Errorf("%w: %s", experiment.ErrNotFound, id)
			}
			if cur.StopRequestedAt != nil {
				return errStopRequested
			}
			if cur.Status != experiment.StatusPending {
				return fmt.Errorf("%w: %s is %s", experiment.ErrInvalidTransition, id, cur.Status)
			}
			return nil
		},
	})
	if err != nil {
		s.abandon(sv)
		if errors.Is(err, errStopRequested) {
			_, ferr := s.finishPending(ctx, id, experiment.StatusStopped, "")
			return ferr
		}
		return fmt.Errorf("record running: %w", err)
	}
	s.cfg.Metrics.started()
	s.log.Info("Experiment running", zap.String("experiment_id", id), zap.Int("pid", pid))

	return s.watch(ctx, l, sv)
}

// claim makes this process the record's supervisor. Only a pending record
// without a live supervisor can be claimed.
func (s *Supervisor) claim(ctx context.Context, id string) (*experiment.Record, error) {
	pid := os.Getpid()
	return s.store.Put(ctx, id, experiment.Patch{
		SupervisorPID: &pid,
		Precondition: func(cur *experiment.Record) error {
			switch {
			case cur == nil:
				return fmt.Errorf("%w: %s", experiment.ErrNotFound, id)
			case cur.Status == experiment.StatusRunning:
				return fmt.Errorf("%w: %s is running", experiment.ErrAlreadyActive, id)
			case cur.Status.Terminal():
				return fmt.Errorf("%w: %s is already %s", experiment.ErrInvalidTransition, id, cur.Status)
			case cur.SupervisorPID != 0 && processAlive(cur.SupervisorPID):
				return fmt.Errorf("%w: %s is claimed by pid %d", experiment.ErrAlreadyActive, id, cur.SupervisorPID)
			}
			return nil
		},
	})
}

func (s *Supervisor) launch(ctx context.Context, rec *experiment.Record, session *resultns.Session) (Execution, error) {
	spec := LaunchSpec{
		ExperimentID: rec.ID,
		TemplatePath: rec.TemplateRef,
		Mode:         rec.Mode,
		Dir:          session.Dir,
		Env: []string{
			"EXPVISOR_EXPERIMENT_ID=" + rec.ID,
			"EXPVISOR_SESSION_ID=" + session.ID,
			"EXPVISOR_RESULT_DIR=" + session.Dir,
			"EXPVISOR_ARTIFACT_PREFIX=" + session.ArtifactPrefix(),
		},
		TailCap: s.cfg.TailCap,
	}
	if s.cfg.LogPaths != nil {
		spec.StdoutLog, spec.StderrLog = s.cfg.LogPaths(rec.ID)
	}
	return s.launcher.Launch(ctx, spec)
}

func (s *Supervisor) watch(ctx context.Context, l *loop, sv *supervised) error {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	var timeout <-chan time.Time
	if s.cfg.MaxRuntime > 0 {
		t := time.NewTimer(s.cfg.MaxRuntime)
		defer t.Stop()
		timeout = t.C
	}

	for {
		select {
		case res := <-sv.waitCh:
			return s.finishExited(ctx, sv, res)

		case <-l.stop:
			return s.stopExecution(ctx, sv, experiment.StatusStopped, "")

		case <-timeout:
			s.log.Warn("Experiment exceeded max runtime", zap.String("experiment_id", sv.id), zap.Duration("max_runtime", s.cfg.MaxRuntime))
			return s.stopExecution(ctx, sv, experiment.StatusFailed, fmt.Sprintf("timeout: exceeded max runtime of %s", s.cfg.MaxRuntime))

		case <-ctx.Done():
			return s.stopExecution(ctx, sv, experiment.StatusStopped, "supervisor shut down")

		case <-ticker.C:
			rec, err := s.progress(ctx, sv)
			switch {
			case err == nil:
				if rec.StopRequestedAt != nil {
					s.log.Info("Stop requested", zap.String("experiment_id", sv.id), zap.String("by", rec.StopRequestedBy))
					return s.stopExecution(ctx, sv, experiment.StatusStopped, "")
				}
			case errors.Is(err, experiment.ErrNotFound), errors.Is(err, experiment.ErrInvalidTransition):
				// Deleted or finished elsewhere; nothing is left to report to.
				s.log.Warn("Record no longer accepts progress, terminating execution", zap.String("experiment_id", sv.id), zap.Error(err))
				s.abandon(sv)
				return nil
			default:
				s.log.Warn("Progress update failed", zap.String("experiment_id", sv.id), zap.Error(err))
			}
		}
	}
}

func (s *Supervisor) progress(ctx context.Context, sv *supervised) (*experiment.Record, error) {
	stdout, stderr := sv.exe.Output()
	elapsed := s.cfg.Now().Sub(sv.started).Seconds()
	p := experiment.Patch{
		ElapsedSeconds: &elapsed,
		StdoutTail:     &stdout,
		StderrTail:     &stderr,
		Precondition: func(cur *experiment.Record) error {
			if cur == nil {
				return fmt.Errorf("%w: %s", experiment.ErrNotFound, sv.id)
			}
			if cur.Status != experiment.StatusRunning {
				return fmt.Errorf("%w: %s is %s", experiment.ErrInvalidTransition, sv.id, cur.Status)
			}
			return nil
		},
	}
	if info, err := sv.exe.Usage(); err == nil {
		p.ProcessInfo = info
	}
	if files, err := sv.session.Collect(); err == nil {
		n := len(files)
		p.ResultFilesCount = &n
	}
	return s.store.Put(ctx, sv.id, p)
}

func (s *Supervisor) finishExited(ctx context.Context, sv *supervised, res waitResult) error {
	status := experiment.StatusCompleted
	var errText string
	switch {
	case res.err != nil:
		status = experiment.StatusFailed
		errText = res.err.Error()
	case res.code != 0:
		status = experiment.StatusFailed
		errText = fmt.Sprintf("runner exited with code %d", res.code)
	}
	code := res.code
	return s.finish(ctx, sv, status, &code, errText)
}

// stopExecution asks the execution to terminate, escalates to a kill after
// the grace period, and records status regardless of how it ended.
func (s *Supervisor) stopExecution(ctx context.Context, sv *supervised, status experiment.Status, reason string) error {
	ctx = context.WithoutCancel(ctx)
	if err := sv.exe.Signal(true); err != nil {
		s.log.Debug("Graceful signal failed", zap.String("experiment_id", sv.id), zap.Error(err))
	}

	res, ok := s.await(sv, s.cfg.StopGrace)
	if !ok {
		s.log.Warn("Execution ignored graceful stop, killing", zap.String("experiment_id", sv.id), zap.Duration("grace", s.cfg.StopGrace))
		_ = sv.exe.Signal(false)
		res, ok = s.await(sv, killWait)
	}

	var code *int
	if ok && res.code >= 0 {
		c := res.code
		code = &c
	}
	return s.finish(ctx, sv, status, code, reason)
}

// abandon kills an execution whose record can no longer be updated.
func (s *Supervisor) abandon(sv *supervised) {
	_ = sv.exe.Signal(false)
	s.await(sv, killWait)
}

func (s *Supervisor) await(sv *supervised, d time.Duration) (waitResult, bool) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case res := <-sv.waitCh:
		return res, true
	case <-t.C:
		return waitResult{}, false
	}
}

func (s *Supervisor) finish(ctx context.Context, sv *supervised, status experiment.Status, code *int, errText string) error {
	ctx = context.WithoutCancel(ctx)
	now := s.cfg.Now()
	stdout, stderr := sv.exe.Output()
	elapsed := now.Sub(sv.started).Seconds()

	p := experiment.Patch{
		Status:         &status,
		ReturnCode:     code,
		EndedAt:        &now,
		ElapsedSeconds: &elapsed,
		StdoutTail:     &stdout,
		StderrTail:     &stderr,
	}
	if errText != "" {
		p.Error = &errText
	}
	if files, err := sv.session.Collect(); err == nil {
		n := len(files)
		p.ResultFilesCount = &n
	}

	rec, err := s.store.Put(ctx, sv.id, p)
	if err != nil {
		if errors.Is(err, experiment.ErrInvalidTransition) || errors.Is(err, experiment.ErrNotFound) {
			s.log.Info("Record already final, dropping terminal update", zap.String("experiment_id", sv.id), zap.Error(err))
			return nil
		}
		return fmt.Errorf("record %s: %w", status, err)
	}
	s.cfg.Metrics.finished(status)
	fields := []zap.Field{
		zap.String("experiment_id", sv.id),
		zap.String("status", string(rec.Status)),
		zap.Float64("elapsed_seconds", rec.ElapsedSeconds),
		zap.Int("result_files", rec.ResultFilesCount),
	}
	if code != nil {
		fields = append(fields, zap.Int("return_code", *code))
	}
	s.log.Info("Experiment finished", fields...)
	return nil
}

// finishPending ends a record that never reached Running.
func (s *Supervisor) finishPending(ctx context.Context, id string, status experiment.Status, errText string) (*experiment.Record, error) {
	ctx = context.WithoutCancel(ctx)
	now := s.cfg.Now()
	p := experiment.Patch{Status: &status, EndedAt: &now}
	if errText != "" {
		p.Error = &errText
	}
	rec, err := s.store.Put(ctx, id, p)
	if err != nil {
		return nil, fmt.Errorf("record %s: %w", status, err)
	}
	s.cfg.Metrics.finished(status)
	s.log.Info("Experiment ended before launch", zap.String("experiment_id", id), zap.String("status", string(status)), zap.String("error", errText))
	return rec, nil
}

// Stop authorizes principal, records the stop request and waits until the
// record is terminal. Stopping a terminal record is a successful no-op.
func (s *Supervisor) Stop(ctx context.Context, id string, principal access.Principal) (*experiment.Record, error) {
	rec, err := s.auth.Authorize(ctx, access.OpStop, id, principal)
	if err != nil {
		return nil, err
	}
	if rec.Status.Terminal() {
		return rec, nil
	}

	now := s.cfg.Now()
	rec, err = s.store.Put(ctx, id, experiment.Patch{
		StopRequestedAt: &now,
		StopRequestedBy: &principal.ID,
		Precondition: func(cur *experiment.Record) error {
			return access.Check(access.OpStop, cur, principal)
		},
	})
	if err != nil {
		if errors.Is(err, experiment.ErrInvalidTransition) {
			// Became terminal between the check and the write.
			return s.store.Get(ctx, id)
		}
		return nil, err
	}
	s.log.Info("Stop recorded", zap.String("experiment_id", id), zap.String("by", principal.ID))

	if l := s.lookup(id); l != nil {
		l.requestStop()
	} else if orphaned(rec) {
		return s.stopOrphan(ctx, rec, principal)
	}

	wait := s.cfg.PollInterval + s.cfg.StopGrace + killWait + stopMargin
	wctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	final, err := s.monitor.WaitTerminal(wctx, id)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return final, fmt.Errorf("%w: %s not terminal after %s", ErrStopTimeout, id, wait)
		}
		return final, err
	}
	return final, nil
}

// orphaned reports whether no live process owns the record's loop. An
// unclaimed pending record counts as orphaned; the claim and the direct stop
// are serialised by the store, so a supervisor starting concurrently sees
// the terminal status and backs off.
func orphaned(rec *experiment.Record) bool {
	if rec.SupervisorPID == 0 {
		return rec.Status == experiment.StatusPending
	}
	return !processAlive(rec.SupervisorPID)
}

func (s *Supervisor) stopOrphan(ctx context.Context, rec *experiment.Record, principal access.Principal) (*experiment.Record, error) {
	s.log.Warn("Supervisor is gone, stopping execution directly",
		zap.String("experiment_id", rec.ID),
		zap.Int("supervisor_pid", rec.SupervisorPID),
		zap.Int("process_pid", rec.ProcessPID))

	if rec.Status == experiment.StatusRunning && rec.ProcessPID > 0 && processAlive(rec.ProcessPID) {
		_ = signalGroup(rec.ProcessPID, true)
		if !waitGone(ctx, rec.ProcessPID, s.cfg.StopGrace) {
			_ = signalGroup(rec.ProcessPID, false)
			waitGone(ctx, rec.ProcessPID, killWait)
		}
	}

	stopped := experiment.StatusStopped
	now := s.cfg.Now()
	supervisorPID := rec.SupervisorPID
	p := experiment.Patch{
		Status:  &stopped,
		EndedAt: &now,
		Precondition: func(cur *experiment.Record) error {
			if cur == nil {
				return fmt.Errorf("%w: %s", experiment.ErrNotFound, rec.ID)
			}
			if cur.SupervisorPID != supervisorPID {
				return fmt.Errorf("%w: %s was claimed by pid %d", experiment.ErrAlreadyActive, rec.ID, cur.SupervisorPID)
			}
			return access.Check(access.OpStop, cur, principal)
		},
	}
	if supervisorPID != 0 {
		msg := fmt.Sprintf("supervisor process %d exited", supervisorPID)
		p.Error = &msg
	}
	out, err := s.store.Put(context.WithoutCancel(ctx), rec.ID, p)
	if err != nil {
		if errors.Is(err, experiment.ErrInvalidTransition) {
			return s.store.Get(ctx, rec.ID)
		}
		return nil, err
	}
	s.cfg.Metrics.finished(stopped)
	return out, nil
}

func waitGone(ctx context.Context, pid int, d time.Duration) bool {
	deadline := time.Now().Add(d)
	for processAlive(pid) {
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(100 * time.Millisecond):
		}
	}
	return true
}

// Get returns the record when principal may read it.
func (s *Supervisor) Get(ctx context.Context, id string, principal access.Principal) (*experiment.Record, error) {
	return s.auth.Authorize(ctx, access.OpGet, id, principal)
}

// Results lists the result files of an experiment the principal may read.
// Records without a result directory, or whose directory is gone, have none.
func (s *Supervisor) Results(ctx context.Context, id string, principal access.Principal) ([]resultns.Artifact, error) {
	rec, err := s.auth.Authorize(ctx, access.OpGet, id, principal)
	if err != nil {
		return nil, err
	}
	if rec.ResultDir == "" {
		return []resultns.Artifact{}, nil
	}
	session := &resultns.Session{
		ID:        rec.SessionID,
		Owner:     rec.Owner,
		OwnerSlug: resultns.OwnerSlug(rec.Owner),
		Dir:       rec.ResultDir,
	}
	return session.Artifacts()
}

// ListOptions narrows List. Owner and All are subject to access control.
type ListOptions struct {
	Owner    string
	All      bool
	Statuses []experiment.Status
}

func (s *Supervisor) List(ctx context.Context, principal access.Principal, opts ListOptions) ([]experiment.Record, error) {
	filter, err := access.ListFilter(principal, opts.Owner, opts.All)
	if err != nil {
		return nil, err
	}
	filter.Statuses = opts.Statuses
	return s.store.List(ctx, filter)
}

// Delete stops the experiment if needed, archives it when an archiver is
// configured, and removes the record.
func (s *Supervisor) Delete(ctx context.Context, id string, principal access.Principal) error {
	rec, err := s.auth.Authorize(ctx, access.OpDelete, id, principal)
	if err != nil {
		return err
	}
	if rec.Status.Active() {
		if rec, err = s.Stop(ctx, id, principal); err != nil {
			return fmt.Errorf("stop before delete: %w", err)
		}
	}
	if s.cfg.Archiver != nil {
		if err := s.cfg.Archiver.Archive(ctx, rec, rec.ResultDir); err != nil {
			return fmt.Errorf("archive %s: %w", id, err)
		}
	}

	// Authorize again right before the write.
	if _, err := s.auth.Authorize(ctx, access.OpDelete, id, principal); err != nil {
		return err
	}
	ok, err := s.store.Delete(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", experiment.ErrNotFound, id)
	}
	if s.cfg.DeleteResults {
		s.removeResults(rec)
	}
	s.log.Info("Experiment deleted", zap.String("experiment_id", id), zap.String("by", principal.ID))
	return nil
}

// removeResults deletes the session directory when it lies under the
// results root.
func (s *Supervisor) removeResults(rec *experiment.Record) {
	if rec.ResultDir == "" || s.results == nil || s.results.Root() == "" {
		return
	}
	rel, err := filepath.Rel(s.results.Root(), rec.ResultDir)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		s.log.Warn("Refusing to remove result dir outside results root", zap.String("result_dir", rec.ResultDir))
		return
	}
	if err := os.RemoveAll(rec.ResultDir); err != nil {
		s.log.Warn("Failed to remove result dir", zap.String("result_dir", rec.ResultDir), zap.Error(err))
	}
}

// GCResult lists what a GC pass removed.
type GCResult struct {
	Deleted []string `json:"deleted"`
	Skipped int      `json:"skipped"`
}

// GC deletes (after archiving) terminal records that ended more than maxAge
// ago. Non-admin principals only collect their own records.
func (s *Supervisor) GC(ctx context.Context, principal access.Principal, maxAge time.Duration, dryRun bool) (GCResult, error) {
	var res GCResult
	recs, err := s.List(ctx, principal, ListOptions{
		All:      principal.Admin,
		Statuses: []experiment.Status{experiment.StatusCompleted, experiment.StatusFailed, experiment.StatusStopped},
	})
	if err != nil {
		return res, err
	}
	cutoff := s.cfg.Now().Add(-maxAge)
	for _, rec := range recs {
		ended := rec.UpdatedAt
		if rec.EndedAt != nil {
			ended = *rec.EndedAt
		}
		if ended.After(cutoff) {
			res.Skipped++
			continue
		}
		if dryRun {
			res.Deleted = append(res.Deleted, rec.ID)
			continue
		}
		if err := s.Delete(ctx, rec.ID, principal); err != nil {
			if errors.Is(err, experiment.ErrNotFound) {
				continue
			}
			return res, err
		}
		res.Deleted = append(res.Deleted, rec.ID)
	}
	return res, nil
}

// Shutdown stops every loop of this process and waits for them to record a
// terminal status.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
