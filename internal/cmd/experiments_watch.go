package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/expvisor/pkg/experiment"
	"github.com/3leaps/expvisor/pkg/output"
)

var experimentsWatchCmd = &cobra.Command{
	Use:   "watch <id>",
	Short: "Stream snapshots of an experiment until it finishes",
	Long: `Stream snapshots of an experiment until it reaches a terminal status.

Output is one progress line per change, or JSONL records with --json
(expvisor.progress.v1 / expvisor.snapshot.v1 with --verbose, then
expvisor.summary.v1). Interrupting watch never stops the experiment.`,
	Args: cobra.ExactArgs(1),
	RunE: runExperimentsWatch,
}

var experimentsLogsCmd = &cobra.Command{
	Use:   "logs <id>",
	Short: "Show runner output of an experiment",
	Args:  cobra.ExactArgs(1),
	RunE:  runExperimentsLogs,
}

func init() {
	experimentsCmd.AddCommand(experimentsWatchCmd)
	experimentsCmd.AddCommand(experimentsLogsCmd)

	experimentsLogsCmd.Flags().String("stream", "stdout", "Log stream: stdout, stderr, or both")
	experimentsLogsCmd.Flags().Int("tail", 200, "Show last N lines (0 = everything)")
	experimentsLogsCmd.Flags().BoolP("follow", "f", false, "Follow log output until the experiment ends")
}

func runExperimentsWatch(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		p, err := a.principal()
		if err != nil {
			return err
		}
		id, err := a.resolveID(ctx, p, args[0])
		if err != nil {
			return exitForError("Unknown experiment", err)
		}
		if _, err := a.sup.Get(ctx, id, p); err != nil {
			return exitForError("Cannot watch experiment", err)
		}

		sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer stop()

		seq := a.sup.Monitor().Subscribe(sigCtx, id)
		var final *experiment.Record
		if jsonOutput {
			w := output.NewJSONLWriter(os.Stdout, id)
			defer func() { _ = w.Close() }()
			final, err = output.Stream(sigCtx, w, seq, verbose)
		} else {
			final, err = streamText(os.Stdout, seq, verbose)
		}
		if sigCtx.Err() != nil && ctx.Err() == nil {
			return exitError(foundry.ExitSignalInt, "", context.Canceled)
		}
		if err != nil {
			return exitForError("Monitoring failed", err)
		}
		if !jsonOutput {
			printFinal(os.Stderr, final)
		}
		return nil
	})
}

func runExperimentsLogs(cmd *cobra.Command, args []string) error {
	stream, _ := cmd.Flags().GetString("stream")
	stream = strings.TrimSpace(strings.ToLower(stream))
	if stream == "" {
		stream = "stdout"
	}
	tailN, _ := cmd.Flags().GetInt("tail")
	if tailN < 0 {
		tailN = 0
	}
	follow, _ := cmd.Flags().GetBool("follow")

	return withApp(cmd, func(ctx context.Context, a *app) error {
		p, err := a.principal()
		if err != nil {
			return err
		}
		id, err := a.resolveID(ctx, p, args[0])
		if err != nil {
			return exitForError("Unknown experiment", err)
		}
		rec, err := a.sup.Get(ctx, id, p)
		if err != nil {
			return exitForError("Cannot read logs", err)
		}

		stdoutPath, stderrPath := a.logPaths(rec.ID)
		var paths []string
		switch stream {
		case "stdout":
			paths = []string{stdoutPath}
		case "stderr":
			paths = []string{stderrPath}
		case "both":
			paths = []string{stdoutPath, stderrPath}
		default:
			return exitError(foundry.ExitInvalidArgument, "Invalid --stream",
				fmt.Errorf("%q (expected stdout, stderr, or both)", stream))
		}

		// Without a log file (never launched, or launched elsewhere) the
		// record's tails are all there is.
		if _, err := os.Stat(paths[0]); os.IsNotExist(err) {
			return printTails(os.Stdout, rec, stream, tailN)
		}

		if follow {
			sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()
			done := func() bool {
				cur, err := a.store.Get(sigCtx, rec.ID)
				return err != nil || cur.Status.Terminal()
			}
			return followLog(sigCtx, os.Stdout, paths[0], done)
		}
		for _, path := range paths {
			if err := printLogTail(os.Stdout, path, tailN); err != nil {
				return exitError(foundry.ExitFileReadError, "Failed to read log", err)
			}
		}
		return nil
	})
}

func printTails(w io.Writer, rec *experiment.Record, stream string, tailN int) error {
	var text string
	switch stream {
	case "stdout":
		text = rec.StdoutTail
	case "stderr":
		text = rec.StderrTail
	default:
		text = rec.StdoutTail + rec.StderrTail
	}
	lines, err := tailLines(strings.NewReader(text), tailN)
	if err != nil {
		return err
	}
	for _, line := range lines {
		_, _ = fmt.Fprintln(w, line)
	}
	return nil
}

func printLogTail(w io.Writer, path string, tailN int) error {
	// #nosec G304 -- path is derived from the experiment store layout
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	lines, err := tailLines(f, tailN)
	if err != nil {
		return err
	}
	for _, line := range lines {
		_, _ = fmt.Fprintln(w, line)
	}
	return nil
}

// tailLines returns the last n lines of r, or all of them when n <= 0.
func tailLines(r io.Reader, n int) ([]string, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var buf []string
	for scanner.Scan() {
		line := scanner.Text()
		if n <= 0 || len(buf) < n {
			buf = append(buf, line)
			continue
		}
		copy(buf, buf[1:])
		buf[n-1] = line
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return buf, nil
}

// followLog copies path to w and keeps polling for appended output until
// done reports true or ctx ends.
func followLog(ctx context.Context, w io.Writer, path string, done func() bool) error {
	// #nosec G304 -- path is derived from the experiment store layout
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		if _, err := io.Copy(w, f); err != nil {
			return err
		}
		if done() {
			// One last drain for output written before the status flipped.
			_, err := io.Copy(w, f)
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
