// Package cmd implements the expvisor command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/expvisor/internal/config"
	"github.com/3leaps/expvisor/internal/observability"
	"github.com/3leaps/expvisor/internal/server/handlers"
)

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "unknown",
	BuildDate: "unknown",
}

// SetVersionInfo is called from main with linker-injected build metadata.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
	handlers.SetVersionInfo(version, commit, buildDate)
}

var appIdentity *config.Identity

// GetAppIdentity returns the identity resolved at startup, or nil before the
// first command ran.
func GetAppIdentity() *config.Identity {
	return appIdentity
}

var (
	cfgFile       string
	verbose       bool
	principalFlag string
	jsonOutput    bool
	dataDirFlag   string
	storeDriver   string
)

var rootCmd = &cobra.Command{
	Use:   "expvisor",
	Short: "Run and supervise experiments shared by several users",
	Long: `expvisor launches experiment runs, tracks them in a shared state store,
and lets their owners watch, stop and clean them up from any process on the
machine.

Every record has an immutable owner. Only the owner (or a configured admin)
may stop, delete or read it.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		id := config.DefaultIdentity
		appIdentity = &id
		observability.InitCLILogger(id.BinaryName, verbose)
		if cfgFile != "" {
			if err := os.Setenv(id.EnvPrefix+"_CONFIG", cfgFile); err != nil {
				return err
			}
		}
		return nil
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "Config file (default: $XDG_CONFIG_HOME/expvisor/config.yaml)")
	pf.BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	pf.StringVar(&principalFlag, "principal", "", "Act as this principal (default: $USER)")
	pf.BoolVar(&jsonOutput, "json", false, "Output as JSON")
	pf.StringVar(&dataDirFlag, "data-dir", "", "Data directory for records and results")
	pf.StringVar(&storeDriver, "store", "", "State store driver: file or sqlite")
}

// Execute runs the command tree and returns the process exit code.
func Execute() int {
	return executeContext(context.Background())
}

func executeContext(ctx context.Context) int {
	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	var ee *exitCodeError
	if errors.As(err, &ee) {
		if ee.msg != "" {
			observability.CLILogger.Error(ee.msg, zap.Error(ee.err))
			_, _ = fmt.Fprintf(os.Stderr, "Error: %s\n", ee.Error())
		}
		return ee.code
	}
	_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	return 1
}

// loadConfig resolves configuration with command-line flags as the
// highest-precedence source.
func loadConfig(ctx context.Context) (*config.Config, error) {
	overrides := map[string]any{}
	if dataDirFlag != "" {
		overrides["data_dir"] = dataDirFlag
	}
	if storeDriver != "" {
		overrides["store"] = map[string]any{"driver": storeDriver}
	}
	cfg, err := config.Load(ctx, overrides)
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	return cfg, nil
}

// currentPrincipal is --principal, else the login name.
func currentPrincipal() string {
	if p := strings.TrimSpace(principalFlag); p != "" {
		return p
	}
	if u := strings.TrimSpace(os.Getenv("USER")); u != "" {
		return u
	}
	return strings.TrimSpace(os.Getenv("USERNAME"))
}

type exitCodeError struct {
	code int
	msg  string
	err  error
}

func (e *exitCodeError) Error() string {
	switch {
	case e.err == nil:
		return e.msg
	case e.msg == "":
		return e.err.Error()
	default:
		return e.msg + ": " + e.err.Error()
	}
}

func (e *exitCodeError) Unwrap() error { return e.err }

// exitError carries a specific exit code up through cobra.
func exitError[C ~int](code C, msg string, err error) error {
	return &exitCodeError{code: int(code), msg: msg, err: err}
}

// ExitWithCode logs and terminates immediately. Commands prefer exitError;
// this is for checks that cannot continue.
func ExitWithCode[C ~int](logger *zap.Logger, code C, msg string, err error) {
	if logger != nil {
		logger.Error(msg, zap.Error(err), zap.Int("exit_code", int(code)))
	}
	os.Exit(int(code))
}
