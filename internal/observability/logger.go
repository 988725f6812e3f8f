// Package observability holds the process-wide logger and metrics registry.
package observability

import (
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// CLILogger is the logger used by commands. It is a no-op until
// InitCLILogger runs.
var CLILogger = zap.NewNop()

// Registry is the metrics registry served on /metrics. Nil until
// InitMetrics runs.
var Registry *prometheus.Registry

var mu sync.Mutex

// InitCLILogger configures CLILogger for human-facing commands: console
// encoding on stderr, debug level when verbose.
func InitCLILogger(name string, verbose bool) *zap.Logger {
	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}
	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	if !isTerminal(os.Stderr) {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	}
	encCfg.TimeKey = ""
	encCfg.CallerKey = ""

	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.Lock(os.Stderr), level)
	return setCLILogger(zap.New(core).Named(name))
}

// InitServiceLogger configures CLILogger for long-running processes (serve,
// detached supervisors). Profile "structured" emits JSON; anything else
// falls back to console output.
func InitServiceLogger(name, level, profile string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	if !strings.EqualFold(profile, "structured") {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	cfg.InitialFields = map[string]any{"service": name, "pid": os.Getpid()}

	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return setCLILogger(logger), nil
}

func setCLILogger(l *zap.Logger) *zap.Logger {
	mu.Lock()
	defer mu.Unlock()
	CLILogger = l
	return l
}

// InitMetrics creates the registry with the Go runtime and process
// collectors. It is idempotent.
func InitMetrics() *prometheus.Registry {
	mu.Lock()
	defer mu.Unlock()
	if Registry == nil {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		Registry = reg
	}
	return Registry
}

// MetricsHandler serves the registry, or 503 before InitMetrics.
func MetricsHandler() http.Handler {
	mu.Lock()
	reg := Registry
	mu.Unlock()
	if reg == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics not initialized", http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

func isTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
