// Package config provides YAML configuration loading with environment
// overrides, defaults and validation for the watcher.
package config

import (
	"fmt"
	"math"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables consulted after the YAML file is parsed. Names match
// the ones the Cube deployment already exports.
const (
	EnvWatchPath      = "CUBE_PY_PATH"
	EnvPollInterval   = "POLL_INTERVAL"
	EnvProcessPattern = "CUBEJS_PROCESS_PATTERN"
	EnvHTTPAddr       = "CUBEWATCH_HTTP_ADDR"
	EnvLogLevel       = "LOG_LEVEL"
)

// Defaults applied when neither the file nor the environment sets a value.
const (
	DefaultWatchPath      = "cube.py"
	DefaultPollInterval   = 10 * time.Second
	DefaultProcessPattern = "cubejs"
	DefaultSignal         = "SIGUSR1"
)

// Config is the top-level watcher configuration.
type Config struct {
	Watch   WatchConfig   `yaml:"watch" json:"watch"`
	Notify  NotifyConfig  `yaml:"notify" json:"notify"`
	Logging LoggingConfig `yaml:"logging" json:"logging"`
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`
	HTTP    HTTPConfig    `yaml:"http" json:"http"`
	Admin   AdminConfig   `yaml:"admin" json:"admin"`

	// Warnings holds non-fatal config issues detected during loading.
	Warnings []string `yaml:"-" json:"-"`
}

// WatchConfig names the watched file and how often it is polled. Both are
// fixed for the lifetime of the process.
type WatchConfig struct {
	Path         string        `yaml:"path" json:"path"`
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval"`
}

// NotifyConfig selects the reload target. When PIDFile is set only the
// process named in it is signalled; otherwise every process whose command
// line matches Pattern is.
type NotifyConfig struct {
	Pattern string        `yaml:"pattern" json:"pattern"`
	Signal  string        `yaml:"signal" json:"signal"`
	PIDFile string        `yaml:"pid_file" json:"pid_file,omitempty"`
	Timeout time.Duration `yaml:"timeout" json:"timeout"` // process table scan budget; default: 5s
}

// LoggingConfig holds console level and the optional rotated file sink.
type LoggingConfig struct {
	Level      string `yaml:"level" json:"level"`               // "debug", "info", "warn", "error"; default: "info"
	File       string `yaml:"file" json:"file,omitempty"`       // JSON log file mirror; empty disables
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb"`   // default: 100
	MaxBackups int    `yaml:"max_backups" json:"max_backups"`   // default: 3
	MaxAgeDays int    `yaml:"max_age_days" json:"max_age_days"` // default: 30
}

// MetricsConfig holds Prometheus metrics endpoint settings.
// Enabled defaults to true; set to false to disable metrics.
type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

// IsEnabled returns whether metrics are enabled (defaults to true).
func (m MetricsConfig) IsEnabled() bool {
	if m.Enabled == nil {
		return true
	}
	return *m.Enabled
}

// HTTPConfig configures the optional side listener serving health, metrics
// and admin endpoints. An empty Addr disables it.
type HTTPConfig struct {
	Addr            string        `yaml:"addr" json:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	TLS             TLSConfig     `yaml:"tls" json:"tls"`
}

// TLSConfig holds TLS termination settings for the side listener.
type TLSConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	CertFile   string `yaml:"cert_file" json:"cert_file"`
	KeyFile    string `yaml:"key_file" json:"key_file"`
	MinVersion string `yaml:"min_version" json:"min_version"` // "1.2" or "1.3"; default: "1.2"
}

// AdminConfig holds admin API settings.
type AdminConfig struct {
	Enabled             bool     `yaml:"enabled" json:"enabled"`
	IPAllowlist         []string `yaml:"ip_allowlist" json:"ip_allowlist"` // CIDR notation
	JWTSecret           string   `yaml:"jwt_secret" json:"jwt_secret"`
	Issuer              string   `yaml:"issuer" json:"issuer"`
	Audience            string   `yaml:"audience" json:"audience"`
	Scopes              []string `yaml:"scopes" json:"scopes"`
	ReloadRatePerSecond float64  `yaml:"reload_rate_per_second" json:"reload_rate_per_second"`
	ReloadBurst         int      `yaml:"reload_burst" json:"reload_burst"`
}

// AuthEnabled reports whether admin requests must carry a bearer token.
func (a AdminConfig) AuthEnabled() bool {
	return a.JWTSecret != ""
}

// ValidLogLevels are the accepted logging.level strings.
var ValidLogLevels = map[string]bool{
	"":      true, // empty means default ("info")
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var envVarRe = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns in s with the corresponding
// environment variable value.
func expandEnvVars(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		key := match[2 : len(match)-1]
		if val, ok := os.LookupEnv(key); ok {
			return val
		}
		return match
	})
}

// Load reads and parses a YAML configuration file, applies environment
// overrides and defaults, and validates the result. An empty path skips the
// file entirely so the watcher can run from the environment alone.
func Load(path string) (*Config, error) {
	if path == "" {
		return LoadFromBytes(nil)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := LoadFromBytes(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// LoadFromBytes parses configuration from raw YAML bytes.
func LoadFromBytes(data []byte) (*Config, error) {
	var cfg Config
	if len(data) > 0 {
		expanded := expandEnvVars(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}

	envWarnings := applyEnv(&cfg, os.LookupEnv)
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	cfg.Warnings = append(envWarnings, collectWarnings(&cfg)...)

	return &cfg, nil
}

// maxPollSeconds is the largest POLL_INTERVAL that fits a time.Duration.
const maxPollSeconds = math.MaxInt64 / int64(time.Second)

// applyEnv overlays environment variables on cfg. An unusable POLL_INTERVAL
// is ignored with a warning, leaving the file value or the default.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) []string {
	var warnings []string

	if v, ok := lookup(EnvWatchPath); ok && v != "" {
		cfg.Watch.Path = v
	}
	if v, ok := lookup(EnvPollInterval); ok {
		secs, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil || secs <= 0 || secs > maxPollSeconds {
			warnings = append(warnings, fmt.Sprintf(
				"ignoring %s=%q: want whole seconds between 1 and %d", EnvPollInterval, v, maxPollSeconds))
		} else {
			cfg.Watch.PollInterval = time.Duration(secs) * time.Second
		}
	}
	if v, ok := lookup(EnvProcessPattern); ok && v != "" {
		cfg.Notify.Pattern = v
	}
	if v, ok := lookup(EnvHTTPAddr); ok {
		cfg.HTTP.Addr = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}

	return warnings
}

func applyDefaults(cfg *Config) {
	if cfg.Watch.Path == "" {
		cfg.Watch.Path = DefaultWatchPath
	}
	if cfg.Watch.PollInterval == 0 {
		cfg.Watch.PollInterval = DefaultPollInterval
	}

	if cfg.Notify.Pattern == "" && cfg.Notify.PIDFile == "" {
		cfg.Notify.Pattern = DefaultProcessPattern
	}
	if cfg.Notify.Signal == "" {
		cfg.Notify.Signal = DefaultSignal
	}
	if cfg.Notify.Timeout == 0 {
		cfg.Notify.Timeout = 5 * time.Second
	}

	// Logging defaults
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.MaxSizeMB == 0 {
		cfg.Logging.MaxSizeMB = 100
	}
	if cfg.Logging.MaxBackups == 0 {
		cfg.Logging.MaxBackups = 3
	}
	if cfg.Logging.MaxAgeDays == 0 {
		cfg.Logging.MaxAgeDays = 30
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	if cfg.HTTP.ShutdownTimeout == 0 {
		cfg.HTTP.ShutdownTimeout = 10 * time.Second
	}
	if cfg.HTTP.TLS.Enabled && cfg.HTTP.TLS.MinVersion == "" {
		cfg.HTTP.TLS.MinVersion = "1.2"
	}

	if cfg.Admin.ReloadRatePerSecond == 0 {
		cfg.Admin.ReloadRatePerSecond = 0.2
	}
	if cfg.Admin.ReloadBurst == 0 {
		cfg.Admin.ReloadBurst = 2
	}
}

// Validate checks cfg for settings the watcher cannot run with. It is
// exported so command-line overrides can be re-checked after Load.
func (cfg *Config) Validate() error {
	if strings.TrimSpace(cfg.Watch.Path) == "" {
		return fmt.Errorf("watch.path is required")
	}
	if cfg.Watch.PollInterval <= 0 {
		return fmt.Errorf("watch.poll_interval must be positive, got %s", cfg.Watch.PollInterval)
	}

	// Notify validation
	if cfg.Notify.PIDFile == "" {
		if cfg.Notify.Pattern == "" {
			return fmt.Errorf("notify.pattern is required when notify.pid_file is not set")
		}
		if _, err := regexp.Compile(cfg.Notify.Pattern); err != nil {
			return fmt.Errorf("notify.pattern: invalid regular expression: %w", err)
		}
	}
	if cfg.Notify.Signal == "" {
		return fmt.Errorf("notify.signal is required")
	}
	if cfg.Notify.Timeout < 0 {
		return fmt.Errorf("notify.timeout must be non-negative")
	}

	// Logging validation
	if !ValidLogLevels[cfg.Logging.Level] {
		return fmt.Errorf("logging.level must be one of debug, info, warn, error; got %q", cfg.Logging.Level)
	}
	if cfg.Logging.File != "" {
		if cfg.Logging.MaxSizeMB < 1 {
			return fmt.Errorf("logging.max_size_mb must be positive when logging.file is set")
		}
		if cfg.Logging.MaxBackups < 0 {
			return fmt.Errorf("logging.max_backups must be non-negative")
		}
		if cfg.Logging.MaxAgeDays < 0 {
			return fmt.Errorf("logging.max_age_days must be non-negative")
		}
	}

	if !strings.HasPrefix(cfg.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /")
	}

	if cfg.HTTP.ShutdownTimeout < 0 {
		return fmt.Errorf("http.shutdown_timeout must be non-negative")
	}

	// TLS validation
	if cfg.HTTP.TLS.Enabled {
		if cfg.HTTP.TLS.CertFile == "" {
			return fmt.Errorf("http.tls.cert_file is required when TLS is enabled")
		}
		if cfg.HTTP.TLS.KeyFile == "" {
			return fmt.Errorf("http.tls.key_file is required when TLS is enabled")
		}
		if cfg.HTTP.TLS.MinVersion != "1.2" && cfg.HTTP.TLS.MinVersion != "1.3" {
			return fmt.Errorf("http.tls.min_version must be \"1.2\" or \"1.3\", got %q", cfg.HTTP.TLS.MinVersion)
		}
	}

	// Admin validation
	if cfg.Admin.Enabled {
		if cfg.HTTP.Addr == "" {
			return fmt.Errorf("http.addr is required when admin is enabled")
		}
		if len(cfg.Admin.IPAllowlist) == 0 {
			return fmt.Errorf("admin.ip_allowlist is required when admin is enabled")
		}
		for i, cidr := range cfg.Admin.IPAllowlist {
			if _, _, err := net.ParseCIDR(cidr); err != nil {
				return fmt.Errorf("admin.ip_allowlist[%d]: invalid CIDR %q: %w", i, cidr, err)
			}
		}
		if cfg.Admin.AuthEnabled() {
			if cfg.Admin.Issuer == "" {
				return fmt.Errorf("admin.issuer is required when admin.jwt_secret is set")
			}
			if cfg.Admin.Audience == "" {
				return fmt.Errorf("admin.audience is required when admin.jwt_secret is set")
			}
		}
		if cfg.Admin.ReloadRatePerSecond <= 0 {
			return fmt.Errorf("admin.reload_rate_per_second must be positive")
		}
		if cfg.Admin.ReloadBurst <= 0 {
			return fmt.Errorf("admin.reload_burst must be positive")
		}
	}

	return nil
}

func collectWarnings(cfg *Config) []string {
	var warnings []string
	if strings.Contains(cfg.Admin.JWTSecret, "${") {
		warnings = append(warnings, "admin.jwt_secret contains unresolved environment variable")
	}
	if cfg.Admin.Enabled && !cfg.Admin.AuthEnabled() {
		warnings = append(warnings, "admin API is protected by IP allowlist only")
	}
	if cfg.Notify.PIDFile != "" && cfg.Notify.Pattern != "" {
		warnings = append(warnings, "notify.pid_file is set, notify.pattern is ignored")
	}
	if cfg.Watch.PollInterval < time.Second {
		warnings = append(warnings, fmt.Sprintf("watch.poll_interval %s is below one second", cfg.Watch.PollInterval))
	}
	return warnings
}
