package config

import "github.com/spf13/viper"

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "")

	v.SetDefault("store.driver", "file")
	v.SetDefault("store.path", "")
	v.SetDefault("store.lock_timeout", "10s")
	v.SetDefault("store.busy_timeout", "5s")
	v.SetDefault("store.tail_cap_bytes", 16*1024)

	v.SetDefault("supervisor.command", []string{"talkingtomachines"})
	v.SetDefault("supervisor.poll_interval", "1s")
	v.SetDefault("supervisor.stop_grace", "10s")
	v.SetDefault("supervisor.max_runtime", "1h")
	v.SetDefault("supervisor.detached", true)

	v.SetDefault("results.root", "")
	v.SetDefault("results.delete_on_remove", false)

	v.SetDefault("access.admins", []string{})

	v.SetDefault("archive.kind", "none")
	v.SetDefault("archive.dir", "")
	v.SetDefault("archive.s3.bucket", "")
	v.SetDefault("archive.s3.prefix", "expvisor")
	v.SetDefault("archive.s3.region", "")
	v.SetDefault("archive.s3.endpoint", "")
	v.SetDefault("archive.s3.profile", "")
	v.SetDefault("archive.s3.force_path_style", false)

	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "structured")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)

	v.SetDefault("health.enabled", true)

	v.SetDefault("debug.enabled", false)
	v.SetDefault("debug.pprof_enabled", false)
}

// envSpec maps a short environment variable onto a config path.
type envSpec struct {
	Name string
	Path string
}

// getEnvSpecs lists the short env names. Every other key is still reachable
// as EXPVISOR_<PATH_WITH_UNDERSCORES>.
func getEnvSpecs() []envSpec {
	if appIdentity == nil {
		return []envSpec{}
	}
	p := appIdentity.EnvPrefix + "_"
	return []envSpec{
		{Name: p + "DATA_DIR", Path: "data_dir"},
		{Name: p + "STORE_DRIVER", Path: "store.driver"},
		{Name: p + "RESULTS_ROOT", Path: "results.root"},
		{Name: p + "ADMINS", Path: "access.admins"},
		{Name: p + "RUNNER", Path: "supervisor.command"},
		{Name: p + "POLL_INTERVAL", Path: "supervisor.poll_interval"},
		{Name: p + "STOP_GRACE", Path: "supervisor.stop_grace"},
		{Name: p + "MAX_RUNTIME", Path: "supervisor.max_runtime"},
		{Name: p + "HOST", Path: "server.host"},
		{Name: p + "PORT", Path: "server.port"},
		{Name: p + "READ_TIMEOUT", Path: "server.read_timeout"},
		{Name: p + "WRITE_TIMEOUT", Path: "server.write_timeout"},
		{Name: p + "SHUTDOWN_TIMEOUT", Path: "server.shutdown_timeout"},
		{Name: p + "LOG_LEVEL", Path: "logging.level"},
		{Name: p + "LOG_PROFILE", Path: "logging.profile"},
		{Name: p + "METRICS_ENABLED", Path: "metrics.enabled"},
		{Name: p + "METRICS_PORT", Path: "metrics.port"},
	}
}
