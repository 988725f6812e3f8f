package supervisor

import (
	"context"
	"errors"

	"github.com/3leaps/expvisor/pkg/experiment"
)

// ErrUsageUnsupported is returned by Usage on platforms without process
// accounting.
var ErrUsageUnsupported = errors.New("process usage is not supported on this platform")

// LaunchSpec describes one supervised execution.
type LaunchSpec struct {
	ExperimentID string
	TemplatePath string
	Mode         experiment.Mode

	// Dir is the working directory (the result session directory).
	Dir string
	Env []string

	// StdoutLog/StderrLog receive the full output when set.
	StdoutLog string
	StderrLog string

	TailCap int
}

// Launcher starts supervised executions.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (Execution, error)
}

// Execution is a started, supervised process.
type Execution interface {
	PID() int

	// Wait blocks until the execution exits and its output is drained. It
	// must be called exactly once.
	Wait() (exitCode int, err error)

	// Signal asks the execution to terminate. graceful=false forces it.
	Signal(graceful bool) error

	Usage() (*experiment.ProcessInfo, error)

	// Output returns the current stdout and stderr tails.
	Output() (stdout, stderr string)
}
