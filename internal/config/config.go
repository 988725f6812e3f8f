// Package config loads expvisor configuration from defaults, the user
// config file, EXPVISOR_ environment variables and runtime overrides, in
// increasing order of precedence.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Identity names the application for config paths and env vars.
type Identity struct {
	BinaryName string
	ConfigName string
	EnvPrefix  string
}

// DefaultIdentity is expvisor's identity.
var DefaultIdentity = Identity{BinaryName: "expvisor", ConfigName: "expvisor", EnvPrefix: "EXPVISOR"}

type Config struct {
	DataDir    string           `mapstructure:"data_dir"`
	Store      StoreConfig      `mapstructure:"store"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Results    ResultsConfig    `mapstructure:"results"`
	Access     AccessConfig     `mapstructure:"access"`
	Archive    ArchiveConfig    `mapstructure:"archive"`
	Server     ServerConfig     `mapstructure:"server"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Health     HealthConfig     `mapstructure:"health"`
	Debug      DebugConfig      `mapstructure:"debug"`
}

type StoreConfig struct {
	// Driver is "file" (one directory per record) or "sqlite".
	Driver       string        `mapstructure:"driver"`
	Path         string        `mapstructure:"path"`
	LockTimeout  time.Duration `mapstructure:"lock_timeout"`
	BusyTimeout  time.Duration `mapstructure:"busy_timeout"`
	TailCapBytes int           `mapstructure:"tail_cap_bytes"`
}

type SupervisorConfig struct {
	Command      []string      `mapstructure:"command"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	StopGrace    time.Duration `mapstructure:"stop_grace"`
	MaxRuntime   time.Duration `mapstructure:"max_runtime"`

	// Detached runs monitoring loops in child processes for `experiments
	// start` and the HTTP API.
	Detached bool `mapstructure:"detached"`
}

type ResultsConfig struct {
	Root           string `mapstructure:"root"`
	DeleteOnRemove bool   `mapstructure:"delete_on_remove"`
}

type AccessConfig struct {
	Admins []string `mapstructure:"admins"`
}

type ArchiveConfig struct {
	// Kind is "none", "dir" or "s3".
	Kind string   `mapstructure:"kind"`
	Dir  string   `mapstructure:"dir"`
	S3   S3Config `mapstructure:"s3"`
}

type S3Config struct {
	Bucket         string `mapstructure:"bucket"`
	Prefix         string `mapstructure:"prefix"`
	Region         string `mapstructure:"region"`
	Endpoint       string `mapstructure:"endpoint"`
	Profile        string `mapstructure:"profile"`
	ForcePathStyle bool   `mapstructure:"force_path_style"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type DebugConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	PprofEnabled bool `mapstructure:"pprof_enabled"`
}

var (
	configMu    sync.RWMutex
	appConfig   *Config
	appIdentity *Identity
)

// Load builds the effective configuration. Each override map is nested like
// the config file (e.g. {"server": {"port": 9000}}) and wins over every
// other source.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	configMu.Lock()
	defer configMu.Unlock()

	id := DefaultIdentity
	appIdentity = &id

	v := viper.New()
	SetDefaults(v)

	if path := strings.TrimSpace(os.Getenv(id.EnvPrefix + "_CONFIG")); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		for _, path := range getUserConfigPaths() {
			if _, err := os.Stat(path); err != nil {
				continue
			}
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
			break
		}
	}

	v.SetEnvPrefix(id.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, spec := range getEnvSpecs() {
		if err := v.BindEnv(spec.Path, spec.Name); err != nil {
			return nil, fmt.Errorf("bind %s: %w", spec.Name, err)
		}
	}

	for _, o := range overrides {
		for key, val := range flatten("", o) {
			v.Set(key, val)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.normalize(id); err != nil {
		return nil, err
	}

	appConfig = &cfg
	return &cfg, nil
}

// GetConfig returns the most recently loaded configuration.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

func (c *Config) normalize(id Identity) error {
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = gfconfig.GetAppDataDir(id.ConfigName)
	}
	c.DataDir = filepath.Clean(c.DataDir)

	c.Store.Driver = strings.ToLower(strings.TrimSpace(c.Store.Driver))
	switch c.Store.Driver {
	case "file":
		if c.Store.Path == "" {
			c.Store.Path = filepath.Join(c.DataDir, "experiments")
		}
	case "sqlite":
		if c.Store.Path == "" {
			c.Store.Path = filepath.Join(c.DataDir, "experiments.db")
		}
	default:
		return fmt.Errorf("invalid store.driver %q (expected file or sqlite)", c.Store.Driver)
	}

	if c.Results.Root == "" {
		c.Results.Root = filepath.Join(c.DataDir, "results")
	}

	// A command given as one string is split on whitespace.
	if len(c.Supervisor.Command) == 1 {
		c.Supervisor.Command = strings.Fields(c.Supervisor.Command[0])
	}
	if len(c.Supervisor.Command) == 0 {
		return errors.New("supervisor.command must not be empty")
	}
	if c.Supervisor.PollInterval <= 0 || c.Supervisor.StopGrace <= 0 {
		return errors.New("supervisor.poll_interval and supervisor.stop_grace must be positive")
	}
	if c.Supervisor.MaxRuntime < 0 {
		return errors.New("supervisor.max_runtime must not be negative")
	}

	admins := c.Access.Admins[:0]
	for _, a := range c.Access.Admins {
		if a = strings.TrimSpace(a); a != "" && !slices.Contains(admins, a) {
			admins = append(admins, a)
		}
	}
	c.Access.Admins = admins

	c.Archive.Kind = strings.ToLower(strings.TrimSpace(c.Archive.Kind))
	switch c.Archive.Kind {
	case "", "none":
		c.Archive.Kind = "none"
	case "dir":
		if c.Archive.Dir == "" {
			c.Archive.Dir = filepath.Join(c.DataDir, "archive")
		}
	case "s3":
		if strings.TrimSpace(c.Archive.S3.Bucket) == "" {
			return errors.New("archive.s3.bucket is required when archive.kind is s3")
		}
	default:
		return fmt.Errorf("invalid archive.kind %q (expected none, dir or s3)", c.Archive.Kind)
	}

	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Logging.Profile = strings.ToUpper(strings.TrimSpace(c.Logging.Profile))
	return nil
}

// flatten turns nested override maps into dotted viper keys.
func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = val
	}
	return out
}

// getUserConfigPaths lists candidate config files, most specific first.
func getUserConfigPaths() []string {
	if appIdentity == nil {
		return []string{}
	}
	var paths []string
	if dir, err := os.UserConfigDir(); err == nil {
		paths = append(paths,
			filepath.Join(dir, appIdentity.ConfigName, "config.yaml"),
			filepath.Join(dir, appIdentity.ConfigName, "config.yml"),
		)
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, "."+appIdentity.ConfigName+".yaml"))
	}
	return paths
}
