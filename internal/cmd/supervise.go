package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/expvisor/internal/observability"
)

// superviseCmd is the entry point of detached supervisors spawned by
// `experiments start` and the HTTP API. It runs the monitoring loop of one
// pending record and exits when the record is terminal.
var superviseCmd = &cobra.Command{
	Use:    "_supervise <id>",
	Short:  "Run the monitoring loop of one experiment (internal)",
	Hidden: true,
	Args:   cobra.ExactArgs(1),
	RunE:   runSupervise,
}

func init() {
	experimentsCmd.AddCommand(superviseCmd)
}

func runSupervise(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	log, err := observability.InitServiceLogger(GetAppIdentity().BinaryName+"-supervisor", cfg.Logging.Level, cfg.Logging.Profile)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid logging configuration", err)
	}
	defer func() { _ = log.Sync() }()

	a, err := newApp(ctx, cfg, log, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	// SIGTERM/SIGINT end the loop, which stops the execution and records it.
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	id := args[0]
	log.Info("Supervising experiment", zap.String("experiment_id", id))
	if err := a.sup.Supervise(sigCtx, id); err != nil {
		log.Error("Supervision ended with error", zap.String("experiment_id", id), zap.Error(err))
		return exitForError("Supervision failed", err)
	}
	log.Info("Supervision finished", zap.String("experiment_id", id))
	return nil
}
