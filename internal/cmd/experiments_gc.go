package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/expvisor/internal/observability"
)

var experimentsGCCmd = &cobra.Command{
	Use:   "gc",
	Short: "Delete finished experiments older than --max-age",
	Long: `Delete finished experiments (completed, failed, stopped) that ended more
than --max-age ago, archiving them first when archive.kind is set.

Non-admin principals only collect their own records. With the file store,
gc also sweeps temp files left by writers that crashed mid-write.`,
	RunE: runExperimentsGC,
}

func init() {
	experimentsCmd.AddCommand(experimentsGCCmd)
	experimentsGCCmd.Flags().String("max-age", "168h", "Delete finished experiments older than this duration")
	experimentsGCCmd.Flags().Bool("dry-run", false, "Show what would be deleted")
}

type gcResult struct {
	Deleted     []string `json:"deleted"`
	WouldDelete []string `json:"would_delete,omitempty"`
	Kept        int      `json:"kept"`
	TempFiles   int      `json:"temp_files_removed"`
	DryRun      bool     `json:"dry_run"`
	MaxAge      string   `json:"max_age"`
}

func runExperimentsGC(cmd *cobra.Command, _ []string) error {
	maxAgeStr, _ := cmd.Flags().GetString("max-age")
	maxAgeStr = strings.TrimSpace(maxAgeStr)
	if maxAgeStr == "" {
		maxAgeStr = "168h"
	}
	maxAge, err := time.ParseDuration(maxAgeStr)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --max-age", err)
	}
	if maxAge <= 0 {
		return exitError(foundry.ExitInvalidArgument, "Invalid --max-age", fmt.Errorf("must be > 0"))
	}
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	return withApp(cmd, func(ctx context.Context, a *app) error {
		p, err := a.principal()
		if err != nil {
			return err
		}
		res, err := a.sup.GC(ctx, p, maxAge, dryRun)
		if err != nil {
			return exitForError("Garbage collection failed", err)
		}

		out := gcResult{Deleted: res.Deleted, Kept: res.Skipped, DryRun: dryRun, MaxAge: maxAgeStr}
		if dryRun {
			out.WouldDelete, out.Deleted = res.Deleted, []string{}
		}
		if out.Deleted == nil {
			out.Deleted = []string{}
		}
		if a.files != nil && !dryRun {
			// A minute is far longer than any write-then-rename window.
			sweep, err := a.files.SweepTemp(time.Minute)
			if err != nil {
				observability.CLILogger.Warn("Temp sweep failed", zap.Error(err))
			}
			out.TempFiles = sweep.TempFiles
		}

		if jsonOutput {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		}
		if dryRun {
			_, _ = fmt.Fprintf(os.Stdout, "would_delete=%d\n", len(out.WouldDelete))
			for _, id := range out.WouldDelete {
				_, _ = fmt.Fprintf(os.Stdout, "  %s\n", id)
			}
			return nil
		}
		_, _ = fmt.Fprintf(os.Stdout, "deleted=%d\nkept=%d\n", len(out.Deleted), out.Kept)
		if out.TempFiles > 0 {
			_, _ = fmt.Fprintf(os.Stdout, "swept_temp=%d\n", out.TempFiles)
		}
		return nil
	})
}
