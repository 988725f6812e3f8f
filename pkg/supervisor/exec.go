package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/3leaps/expvisor/pkg/experiment"
)

// DefaultCommand is the external experiment runner.
var DefaultCommand = []string{"talkingtomachines"}

// ExecLauncher runs `<command...> <template>` as a child process in its own
// process group. The mode is written to stdin followed by a newline.
type ExecLauncher struct {
	Command []string
}

func NewExecLauncher(command []string) *ExecLauncher {
	if len(command) == 0 {
		command = DefaultCommand
	}
	return &ExecLauncher{Command: command}
}

func (l *ExecLauncher) Launch(_ context.Context, spec LaunchSpec) (Execution, error) {
	if len(l.Command) == 0 || strings.TrimSpace(l.Command[0]) == "" {
		return nil, errors.New("runner command is not configured")
	}
	bin, err := exec.LookPath(l.Command[0])
	if err != nil {
		return nil, fmt.Errorf("resolve runner %q: %w", l.Command[0], err)
	}

	args := append(append([]string{}, l.Command[1:]...), spec.TemplatePath)
	// #nosec G204 -- the runner command comes from operator configuration
	cmd := exec.Command(bin, args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.Stdin = strings.NewReader(string(spec.Mode) + "\n")
	setProcessGroup(cmd)

	e := &execExecution{
		cmd:    cmd,
		stdout: NewTailBuffer(spec.TailCap),
		stderr: NewTailBuffer(spec.TailCap),
	}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	stdoutW, err := e.sink(e.stdout, spec.StdoutLog)
	if err != nil {
		return nil, err
	}
	stderrW, err := e.sink(e.stderr, spec.StderrLog)
	if err != nil {
		e.closeLogs()
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		e.closeLogs()
		return nil, fmt.Errorf("start runner: %w", err)
	}

	e.pumps.Go(func() error {
		_, err := io.Copy(stdoutW, stdoutPipe)
		return err
	})
	e.pumps.Go(func() error {
		_, err := io.Copy(stderrW, stderrPipe)
		return err
	})
	return e, nil
}

type execExecution struct {
	cmd    *exec.Cmd
	stdout *TailBuffer
	stderr *TailBuffer
	logs   []*os.File
	pumps  errgroup.Group
}

func (e *execExecution) sink(tail *TailBuffer, logPath string) (io.Writer, error) {
	if logPath == "" {
		return tail, nil
	}
	// #nosec G301 -- log directories use 0755 for multi-user access compatibility
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	// #nosec G302 G304 -- log path is derived from the experiment store layout
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log %s: %w", logPath, err)
	}
	e.logs = append(e.logs, f)
	return io.MultiWriter(tail, f), nil
}

func (e *execExecution) closeLogs() {
	for _, f := range e.logs {
		_ = f.Close()
	}
}

func (e *execExecution) PID() int {
	return e.cmd.Process.Pid
}

func (e *execExecution) Wait() (int, error) {
	// Pipes must be drained before cmd.Wait closes them.
	pumpErr := e.pumps.Wait()
	waitErr := e.cmd.Wait()
	e.closeLogs()

	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		return -1, waitErr
	}
	code := e.cmd.ProcessState.ExitCode()
	if pumpErr != nil && !errors.Is(pumpErr, os.ErrClosed) {
		return code, fmt.Errorf("read runner output: %w", pumpErr)
	}
	return code, nil
}

func (e *execExecution) Signal(graceful bool) error {
	return signalGroup(e.cmd.Process.Pid, graceful)
}

func (e *execExecution) Usage() (*experiment.ProcessInfo, error) {
	return processUsage(e.cmd.Process.Pid)
}

func (e *execExecution) Output() (string, string) {
	return e.stdout.String(), e.stderr.String()
}
