package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/expvisor/internal/observability"
	"github.com/3leaps/expvisor/pkg/experiment"
	"github.com/3leaps/expvisor/pkg/output"
	"github.com/3leaps/expvisor/pkg/supervisor"
)

// exitExperimentFailed is returned when the experiment ended Failed or
// Stopped.
const exitExperimentFailed = 1

var runOwner string

var runCmd = &cobra.Command{
	Use:   "run <template_path> [test|full]",
	Short: "Run an experiment in the foreground",
	Long: `Run an experiment and stream its progress until it finishes.

The mode defaults to "test". The exit status is 0 when the experiment
completes, 1 when it fails or is stopped, and a usage error when the
template or mode is invalid. Ctrl-C stops the experiment before exiting.

Examples:
  expvisor run survey.xlsx              # test mode
  expvisor run survey.xlsx full -v      # full mode, full snapshots
  expvisor run survey.xlsx --json       # JSONL progress on stdout`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&runOwner, "owner", "", "Owner of the new record (default: the principal)")
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, observability.CLILogger, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	mode := string(experiment.ModeTest)
	if len(args) > 1 {
		mode = args[1]
	}
	owner := strings.TrimSpace(runOwner)
	if owner == "" {
		owner = currentPrincipal()
	}
	p, err := a.policy.Principal(owner)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "No owner", err)
	}

	rec, err := a.sup.Start(ctx, supervisor.StartRequest{TemplateRef: args[0], Mode: mode, Owner: p.ID})
	if err != nil {
		if errors.Is(err, experiment.ErrValidation) {
			return exitError(foundry.ExitInvalidArgument, "Invalid experiment", err)
		}
		return exitForError("Failed to start experiment", err)
	}
	observability.CLILogger.Debug("Experiment started",
		zap.String("experiment_id", rec.ID),
		zap.String("owner", rec.Owner),
		zap.String("mode", string(rec.Mode)),
		zap.String("result_dir", rec.ResultDir),
	)

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	seq := a.sup.Monitor().Subscribe(sigCtx, rec.ID)
	var final *experiment.Record
	if jsonOutput {
		w := output.NewJSONLWriter(os.Stdout, rec.ID)
		final, err = output.Stream(sigCtx, w, seq, verbose)
		_ = w.Close()
	} else {
		final, err = streamText(os.Stdout, seq, verbose)
	}

	if sigCtx.Err() != nil && ctx.Err() == nil {
		stop()
		observability.CLILogger.Info("Interrupted, stopping experiment", zap.String("experiment_id", rec.ID))
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Supervisor.StopGrace+5*time.Second)
		defer cancel()
		if stopped, serr := a.sup.Stop(stopCtx, rec.ID, p); serr == nil && !jsonOutput {
			printFinal(os.Stderr, stopped)
		}
		return exitError(foundry.ExitSignalInt, "", context.Canceled)
	}
	if err != nil {
		return exitForError("Monitoring failed", err)
	}
	if final == nil || !final.Status.Terminal() {
		return exitError(exitExperimentFailed, "Monitoring ended early", fmt.Errorf("experiment %s not finished", rec.ID))
	}

	if !jsonOutput {
		printFinal(os.Stderr, final)
	}
	if final.Status != experiment.StatusCompleted {
		return exitError(exitExperimentFailed, "", nil)
	}
	return nil
}

// streamText prints one progress line per snapshot, or the full snapshot
// with output tails when verbose.
func streamText(w io.Writer, seq iter.Seq2[*experiment.Record, error], verbose bool) (*experiment.Record, error) {
	var last *experiment.Record
	for rec, err := range seq {
		if err != nil {
			return last, err
		}
		if verbose {
			printSnapshot(w, rec, last)
		} else {
			_, _ = fmt.Fprintln(w, progressLine(rec))
		}
		last = rec
	}
	return last, nil
}

func progressLine(rec *experiment.Record) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%8s] %-9s files=%d", formatElapsed(rec.ElapsedSeconds), rec.Status, rec.ResultFilesCount)
	if pi := rec.ProcessInfo; pi != nil {
		fmt.Fprintf(&b, " cpu=%.1fs rss=%s", pi.CPUSeconds, humanize.IBytes(uint64(max(pi.RSSBytes, 0))))
	}
	if rec.StopRequestedAt != nil && !rec.Status.Terminal() {
		b.WriteString(" stopping")
	}
	return b.String()
}

// printSnapshot prints the progress line followed by output that appeared
// since prev.
func printSnapshot(w io.Writer, rec, prev *experiment.Record) {
	_, _ = fmt.Fprintln(w, progressLine(rec))
	var prevOut, prevErr string
	if prev != nil {
		prevOut, prevErr = prev.StdoutTail, prev.StderrTail
	}
	for _, line := range newLines(prevOut, rec.StdoutTail) {
		_, _ = fmt.Fprintf(w, "  | %s\n", line)
	}
	for _, line := range newLines(prevErr, rec.StderrTail) {
		_, _ = fmt.Fprintf(w, "  ! %s\n", line)
	}
}

// newLines returns the complete lines of cur not already in prev. Tails
// slide, so the overlap is located by the longest suffix of prev that
// prefixes cur.
func newLines(prev, cur string) []string {
	if cur == prev {
		return nil
	}
	fresh := cur
	for i := 0; i < len(prev); i++ {
		if strings.HasPrefix(cur, prev[i:]) {
			fresh = cur[len(prev)-i:]
			break
		}
	}
	fresh = strings.TrimSuffix(fresh, "\n")
	if fresh == "" {
		return nil
	}
	return strings.Split(fresh, "\n")
}

func printFinal(w io.Writer, rec *experiment.Record) {
	if rec == nil {
		return
	}
	_, _ = fmt.Fprintf(w, "experiment %s %s after %s\n", rec.ID, rec.Status, formatElapsed(rec.ElapsedSeconds))
	if rec.ReturnCode != nil {
		_, _ = fmt.Fprintf(w, "return_code=%d\n", *rec.ReturnCode)
	}
	if rec.Error != "" {
		_, _ = fmt.Fprintf(w, "error=%s\n", rec.Error)
	}
	if rec.ResultDir != "" {
		_, _ = fmt.Fprintf(w, "result_dir=%s (%d files)\n", rec.ResultDir, rec.ResultFilesCount)
	}
	if rec.Status == experiment.StatusFailed && rec.StderrTail != "" {
		_, _ = fmt.Fprintf(w, "--- stderr (tail) ---\n%s\n", strings.TrimRight(rec.StderrTail, "\n"))
	}
}

func formatElapsed(seconds float64) string {
	return time.Duration(seconds * float64(time.Second)).Round(100 * time.Millisecond).String()
}
