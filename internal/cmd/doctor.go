package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/expvisor/internal/config"
	"github.com/3leaps/expvisor/internal/observability"
	"github.com/3leaps/expvisor/pkg/experiment"
	"github.com/3leaps/expvisor/pkg/supervisor"
)

var doctorArchive string

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the system and suggest fixes for common issues.

Examples:
  expvisor doctor               # Full environment check
  expvisor doctor --archive s3  # Also check S3 archive credentials`,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().StringVar(&doctorArchive, "archive", "", "Run archive-specific checks (s3)")
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	log := observability.CLILogger

	bannerName := "doctor"
	if identity := GetAppIdentity(); identity != nil && identity.BinaryName != "" {
		bannerName = identity.BinaryName + " doctor"
	}
	log.Info("=== " + bannerName + " ===")
	log.Info("Running diagnostic checks...")

	allChecks := true
	checkNum := 1
	totalChecks := 7
	if doctorArchive == "s3" {
		totalChecks = 8
	}
	step := func(name string) string {
		s := fmt.Sprintf("[%d/%d] Checking %s...", checkNum, totalChecks, name)
		checkNum++
		return s
	}

	goVersion := runtime.Version()
	if goVersion >= "go1.23" {
		log.Info(step("Go version")+" ✅ "+goVersion, zap.String("go_version", goVersion))
	} else {
		log.Warn(step("Go version")+" ⚠️  "+goVersion+" (recommended: go1.23+)", zap.String("go_version", goVersion))
		allChecks = false
	}

	version := crucible.GetVersion()
	if version.Crucible == "" || version.Gofulmen == "" {
		log.Error(step("Fulmen libraries") + " ❌ version metadata unavailable")
		ExitWithCode(log, foundry.ExitExternalServiceUnavailable, "Cannot access Crucible",
			errors.New("crucible version metadata unavailable"))
	}
	log.Info(fmt.Sprintf("%s ✅ crucible v%s, gofulmen v%s", step("Fulmen libraries"), version.Crucible, version.Gofulmen),
		zap.String("crucible_version", version.Crucible),
		zap.String("gofulmen_version", version.Gofulmen))

	configDir, err := os.UserConfigDir()
	if err != nil {
		log.Error(step("config directory")+" ❌ Cannot find config directory", zap.Error(err))
		allChecks = false
	} else {
		log.Info(step("config directory")+" ✅ "+configDir, zap.String("config_dir", configDir))
	}

	cfg, err := loadConfig(ctx)
	if err != nil {
		log.Error(step("configuration")+" ❌ Invalid configuration", zap.Error(err))
		return err
	}
	log.Info(step("configuration")+" ✅ "+cfg.DataDir, zap.String("data_dir", cfg.DataDir))

	if err := checkStore(ctx, cfg); err != nil {
		log.Error(step("state store")+" ❌ "+cfg.Store.Driver, zap.String("path", cfg.Store.Path), zap.Error(err))
		allChecks = false
	} else {
		log.Info(step("state store")+" ✅ "+cfg.Store.Driver, zap.String("path", cfg.Store.Path))
	}

	runner := cfg.Supervisor.Command
	if len(runner) == 0 {
		runner = supervisor.DefaultCommand
	}
	if bin, err := exec.LookPath(runner[0]); err != nil {
		log.Error(step("runner command")+" ❌ "+runner[0]+" not found on PATH", zap.Error(err))
		allChecks = false
	} else {
		log.Info(step("runner command")+" ✅ "+bin, zap.Strings("command", runner))
	}

	log.Info(fmt.Sprintf("%s ✅ %s/%s", step("environment"), runtime.GOOS, runtime.GOARCH),
		zap.String("os", runtime.GOOS),
		zap.String("arch", runtime.GOARCH))

	if doctorArchive == "s3" {
		if !runS3Checks(ctx, step("AWS credentials"), cfg.Archive.S3) {
			allChecks = false
		}
	}

	if allChecks {
		log.Info(fmt.Sprintf("✅ All checks passed! Your %s installation is healthy.", bannerName))
		return nil
	}
	log.Warn("⚠️  Some checks failed. Review the output above for details.")
	return exitError(1, "", nil)
}

// checkStore opens the configured store and performs one read against it.
func checkStore(ctx context.Context, cfg *config.Config) error {
	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	a, err := newApp(checkCtx, cfg, observability.CLILogger, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()
	if err := os.MkdirAll(cfg.Results.Root, 0o750); err != nil {
		return fmt.Errorf("results root: %w", err)
	}
	_, err = a.store.List(checkCtx, experiment.ListFilter{Owner: "-doctor-"})
	return err
}

func runS3Checks(ctx context.Context, label string, s3 config.S3Config) bool {
	log := observability.CLILogger
	var opts []func(*awsconfig.LoadOptions) error
	if s3.Region != "" {
		opts = append(opts, awsconfig.WithRegion(s3.Region))
	}
	if s3.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(s3.Profile))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		log.Error(label+" ❌ Cannot load AWS config", zap.Error(err))
		printAWSCredentialsHelp()
		return false
	}
	creds, err := cfg.Credentials.Retrieve(ctx)
	if err != nil {
		log.Error(label+" ❌ Cannot retrieve credentials", zap.Error(err))
		printAWSCredentialsHelp()
		return false
	}
	source := creds.Source
	if source == "" {
		source = "unknown"
	}
	log.Info(label+" ✅ Found credentials",
		zap.String("access_key", maskAccessKey(creds.AccessKeyID)),
		zap.String("source", source),
		zap.String("bucket", s3.Bucket))
	return true
}

// maskAccessKey masks all but the last 4 characters of an access key.
func maskAccessKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

func printAWSCredentialsHelp() {
	log := observability.CLILogger
	log.Info("To configure archive credentials:")
	log.Info("  1. Set EXPVISOR_ARCHIVE_ACCESS_KEY_ID and EXPVISOR_ARCHIVE_SECRET_ACCESS_KEY, or")
	log.Info("  2. Set AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY, or")
	log.Info("  3. Set archive.s3.profile to a profile from 'aws configure'")
	log.Info("For S3-compatible storage (MinIO, Wasabi, etc.), also set archive.s3.endpoint")
}
