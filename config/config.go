// Package config loads the YAML configuration for the replication log
// applier server, following the same defaults-then-unmarshal pattern used
// throughout the corpus this server is built from.
package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// LoggingConfig controls the structured logger built at startup.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Output string `yaml:"output"` // stdout, file, none
	File   string `yaml:"file"`
}

// DebugConfig gates the optional statsviz/pprof debug HTTP endpoint.
type DebugConfig struct {
	Enabled          bool   `yaml:"enabled"`
	ListenAddress    string `yaml:"listen_address"`
	PProfEnabled     bool   `yaml:"pprof_enabled"`
	MonitorUIEnabled bool   `yaml:"monitor_ui_enabled"`
}

// TracingConfig gates per-pass/per-segment OpenTelemetry spans.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
	Protocol string `yaml:"protocol"` // grpc, http
}

// TargetConfig is one configured replication target (§6 "Configuration per
// target"), plus the ambient fields this expansion adds (replica_address,
// low_disk_watermark_bytes).
type TargetConfig struct {
	Name                    string `yaml:"name"`
	DBName                  string `yaml:"db_name"`
	LogSourceDirectory      string `yaml:"log_source_directory"`
	SourceGUID              string `yaml:"source_guid"` // empty = accept any
	ApplyIdleTimeoutSeconds int    `yaml:"apply_idle_timeout_seconds"`
	ApplyErrorTimeoutSeconds int   `yaml:"apply_error_timeout_seconds"`
	VerboseLogging          bool  `yaml:"verbose_logging"`
	PreserveLog             bool  `yaml:"preserve_log"`
	ReplicaAddress          string `yaml:"replica_address"`
	LowDiskWatermarkBytes   uint64 `yaml:"low_disk_watermark_bytes"`
}

// IdleTimeout returns the configured idle backoff, defaulting to 5s.
func (t TargetConfig) IdleTimeout() time.Duration {
	if t.ApplyIdleTimeoutSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(t.ApplyIdleTimeoutSeconds) * time.Second
}

// ErrorTimeout returns the configured error backoff, defaulting to 30s.
func (t TargetConfig) ErrorTimeout() time.Duration {
	if t.ApplyErrorTimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(t.ApplyErrorTimeoutSeconds) * time.Second
}

// Config is the top-level configuration document for the applier server.
type Config struct {
	Targets   []TargetConfig `yaml:"targets"`
	Logging   LoggingConfig  `yaml:"logging"`
	Debug     DebugConfig    `yaml:"debug"`
	Tracing   TracingConfig  `yaml:"tracing"`
	LockTimeoutSeconds int   `yaml:"lock_timeout_seconds"`
}

// LockTimeout returns the configured control-file lock acquisition timeout,
// defaulting to 10s.
func (c Config) LockTimeout() time.Duration {
	if c.LockTimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.LockTimeoutSeconds) * time.Second
}

func defaults() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
		},
		Debug: DebugConfig{
			Enabled:       false,
			ListenAddress: "127.0.0.1:6060",
		},
		Tracing: TracingConfig{
			Enabled:  false,
			Endpoint: "localhost:4317",
			Protocol: "grpc",
		},
		LockTimeoutSeconds: 10,
	}
}

// Load reads YAML configuration from r, starting from defaults and letting
// any fields present in r override them. A nil or empty reader yields the
// default configuration.
func Load(r io.Reader) (*Config, error) {
	cfg := defaults()
	if r == nil {
		return cfg, nil
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config data: %w", err)
	}
	if len(data) == 0 {
		return cfg, nil
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}
	return cfg, nil
}

// LoadConfig reads configuration from a YAML file by path, falling back to
// defaults if the file does not exist.
func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Load(nil)
		}
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer file.Close()

	return Load(file)
}
