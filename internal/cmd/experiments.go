package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/3leaps/expvisor/internal/observability"
	"github.com/3leaps/expvisor/pkg/experiment"
	"github.com/3leaps/expvisor/pkg/resultns"
	"github.com/3leaps/expvisor/pkg/supervisor"
)

var experimentsCmd = &cobra.Command{
	Use:     "experiments",
	Aliases: []string{"exp"},
	Short:   "Manage experiment records",
	Long: `Manage experiment records in the shared state store.

Records are visible to their owner. Admins (access.admins) may act on
anyone's records. Ids may be abbreviated to any unique prefix.`,
}

var experimentsStartCmd = &cobra.Command{
	Use:   "start <template_path> [test|full]",
	Short: "Start an experiment in the background",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runExperimentsStart,
}

var experimentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List experiments",
	RunE:  runExperimentsList,
}

var experimentsStatusCmd = &cobra.Command{
	Use:   "status <id>",
	Short: "Show the current record of an experiment",
	Args:  cobra.ExactArgs(1),
	RunE:  runExperimentsStatus,
}

var experimentsStopCmd = &cobra.Command{
	Use:   "stop <id>",
	Short: "Stop a running experiment",
	Args:  cobra.ExactArgs(1),
	RunE:  runExperimentsStop,
}

var experimentsResultsCmd = &cobra.Command{
	Use:   "results <id>",
	Short: "List the result files of an experiment",
	Args:  cobra.ExactArgs(1),
	RunE:  runExperimentsResults,
}

var experimentsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete an experiment record, stopping it first if needed",
	Args:  cobra.ExactArgs(1),
	RunE:  runExperimentsDelete,
}

func init() {
	rootCmd.AddCommand(experimentsCmd)
	experimentsCmd.AddCommand(experimentsStartCmd)
	experimentsCmd.AddCommand(experimentsListCmd)
	experimentsCmd.AddCommand(experimentsStatusCmd)
	experimentsCmd.AddCommand(experimentsStopCmd)
	experimentsCmd.AddCommand(experimentsResultsCmd)
	experimentsCmd.AddCommand(experimentsDeleteCmd)

	experimentsStartCmd.Flags().Bool("foreground-supervisor", false, "Keep the monitoring loop in this process until the experiment ends")
	experimentsListCmd.Flags().String("owner", "", "Only records of this owner (admins only for other owners)")
	experimentsListCmd.Flags().Bool("all", false, "Records of every owner (admins only)")
	experimentsListCmd.Flags().StringSlice("status", nil, "Only these statuses (pending, running, completed, failed, stopped)")
	experimentsStatusCmd.Flags().StringP("output", "o", "text", "Output format: text, json or yaml")
}

// withApp loads configuration, builds the app for a short-lived command and
// resolves the calling principal.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
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
	return fn(ctx, a)
}

func runExperimentsStart(cmd *cobra.Command, args []string) error {
	foreground, _ := cmd.Flags().GetBool("foreground-supervisor")
	return withApp(cmd, func(ctx context.Context, a *app) error {
		p, err := a.principal()
		if err != nil {
			return err
		}
		mode := string(experiment.ModeTest)
		if len(args) > 1 {
			mode = args[1]
		}
		req := supervisor.StartRequest{TemplateRef: args[0], Mode: mode, Owner: p.ID}

		inProcess := foreground || !a.cfg.Supervisor.Detached
		start := a.sup.StartDetached
		if inProcess {
			start = a.sup.Start
		}
		rec, err := start(ctx, req)
		if err != nil {
			return exitForError("Failed to start experiment", err)
		}
		observability.CLILogger.Info("Experiment started",
			zap.String("experiment_id", rec.ID),
			zap.String("owner", rec.Owner),
			zap.String("result_dir", rec.ResultDir),
		)
		if err := printRecord(os.Stdout, rec, outputFormat()); err != nil {
			return err
		}
		if inProcess {
			// The loop lives in this process; wait for it.
			if _, err := a.sup.Monitor().WaitTerminal(ctx, rec.ID); err != nil {
				return exitForError("Monitoring failed", err)
			}
		}
		return nil
	})
}

func runExperimentsList(cmd *cobra.Command, _ []string) error {
	owner, _ := cmd.Flags().GetString("owner")
	all, _ := cmd.Flags().GetBool("all")
	rawStatuses, _ := cmd.Flags().GetStringSlice("status")

	return withApp(cmd, func(ctx context.Context, a *app) error {
		p, err := a.principal()
		if err != nil {
			return err
		}
		opts := supervisor.ListOptions{Owner: owner, All: all}
		for _, s := range rawStatuses {
			st, err := experiment.ParseStatus(s)
			if err != nil {
				return exitForError("Invalid --status", err)
			}
			opts.Statuses = append(opts.Statuses, st)
		}

		recs, err := a.sup.List(ctx, p, opts)
		if err != nil {
			return exitForError("Failed to list experiments", err)
		}
		if jsonOutput {
			if recs == nil {
				recs = []experiment.Record{}
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(recs)
		}
		if len(recs) == 0 {
			_, _ = fmt.Fprintln(os.Stdout, "No experiments found")
			return nil
		}
		printTable(os.Stdout, recs, time.Now())
		return nil
	})
}

func printTable(out io.Writer, recs []experiment.Record, now time.Time) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "ID\tOWNER\tSTATUS\tMODE\tELAPSED\tFILES\tCREATED\tTEMPLATE")
	for _, r := range recs {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			shortID(r.ID),
			r.Owner,
			r.Status,
			r.Mode,
			formatElapsed(r.ElapsedSeconds),
			r.ResultFilesCount,
			humanize.RelTime(r.CreatedAt, now, "ago", "from now"),
			r.TemplateRef,
		)
	}
}

func shortID(id string) string {
	id = strings.TrimSpace(id)
	if len(id) <= 12 {
		return id
	}
	return id[:12]
}

func outputFormat() string {
	if jsonOutput {
		return "json"
	}
	return "text"
}

func runExperimentsStatus(cmd *cobra.Command, args []string) error {
	format, _ := cmd.Flags().GetString("output")
	if jsonOutput {
		format = "json"
	}
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
			return exitForError("Failed to read experiment", err)
		}
		return printRecord(os.Stdout, rec, format)
	})
}

// printRecord renders rec as key=value lines, JSON or YAML.
func printRecord(w io.Writer, rec *experiment.Record, format string) error {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	case "yaml", "yml":
		// Round-trip through JSON so YAML keys match the JSON field names.
		b, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		var doc map[string]any
		if err := json.Unmarshal(b, &doc); err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return err
		}
		return enc.Close()
	case "", "text":
	default:
		return exitError(foundry.ExitInvalidArgument, "Invalid --output", fmt.Errorf("%q (expected text, json or yaml)", format))
	}

	kv := func(k string, v any) { _, _ = fmt.Fprintf(w, "%s=%v\n", k, v) }
	kv("id", rec.ID)
	kv("owner", rec.Owner)
	kv("status", rec.Status)
	kv("mode", rec.Mode)
	kv("template_ref", rec.TemplateRef)
	if rec.SessionID != "" {
		kv("session_id", rec.SessionID)
	}
	if rec.ResultDir != "" {
		kv("result_dir", rec.ResultDir)
	}
	kv("result_files_count", rec.ResultFilesCount)
	kv("elapsed", formatElapsed(rec.ElapsedSeconds))
	if rec.StartTime != nil {
		kv("start_time", rec.StartTime.UTC().Format(time.RFC3339))
	}
	if rec.EndedAt != nil {
		kv("ended_at", rec.EndedAt.UTC().Format(time.RFC3339))
	}
	if rec.ReturnCode != nil {
		kv("return_code", *rec.ReturnCode)
	}
	if rec.Error != "" {
		kv("error", rec.Error)
	}
	if rec.ProcessPID > 0 {
		kv("process_pid", rec.ProcessPID)
	}
	if rec.SupervisorPID > 0 {
		kv("supervisor_pid", rec.SupervisorPID)
	}
	if pi := rec.ProcessInfo; pi != nil {
		kv("cpu_seconds", fmt.Sprintf("%.2f", pi.CPUSeconds))
		kv("rss", humanize.IBytes(uint64(max(pi.RSSBytes, 0))))
		kv("threads", pi.Threads)
	}
	if rec.StopRequestedAt != nil {
		kv("stop_requested_at", rec.StopRequestedAt.UTC().Format(time.RFC3339))
		kv("stop_requested_by", rec.StopRequestedBy)
	}
	kv("updated_at", rec.UpdatedAt.UTC().Format(time.RFC3339))
	return nil
}

func runExperimentsStop(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		p, err := a.principal()
		if err != nil {
			return err
		}
		id, err := a.resolveID(ctx, p, args[0])
		if err != nil {
			return exitForError("Unknown experiment", err)
		}
		rec, err := a.sup.Stop(ctx, id, p)
		if errors.Is(err, supervisor.ErrStopTimeout) {
			_, _ = fmt.Fprintf(os.Stdout, "id=%s\nstop=requested\n", id)
			return nil
		}
		if err != nil {
			return exitForError("Failed to stop experiment", err)
		}
		_, _ = fmt.Fprintf(os.Stdout, "id=%s\nstatus=%s\n", rec.ID, rec.Status)
		return nil
	})
}

func runExperimentsResults(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		p, err := a.principal()
		if err != nil {
			return err
		}
		id, err := a.resolveID(ctx, p, args[0])
		if err != nil {
			return exitForError("Unknown experiment", err)
		}
		arts, err := a.sup.Results(ctx, id, p)
		if err != nil {
			return exitForError("Failed to list results", err)
		}
		if jsonOutput {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(arts)
		}
		printArtifacts(os.Stdout, arts, time.Now())
		return nil
	})
}

func printArtifacts(out io.Writer, arts []resultns.Artifact, now time.Time) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "PATH\tKIND\tSIZE\tMODIFIED")
	for _, a := range arts {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			a.Path,
			a.Kind,
			humanize.IBytes(uint64(max(a.Size, 0))),
			humanize.RelTime(a.ModTime, now, "ago", "from now"),
		)
	}
}

func runExperimentsDelete(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		p, err := a.principal()
		if err != nil {
			return err
		}
		id, err := a.resolveID(ctx, p, args[0])
		if err != nil {
			return exitForError("Unknown experiment", err)
		}
		if err := a.sup.Delete(ctx, id, p); err != nil {
			return exitForError("Failed to delete experiment", err)
		}
		_, _ = fmt.Fprintf(os.Stdout, "deleted=%s\n", id)
		return nil
	})
}
