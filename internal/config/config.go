// Package config handles loading, validating, and writing the thoth-audit
// configuration file (thoth-audit.yaml).
//
// The config defines:
//   - Server bind address (host:port)
//   - Storage backend (sqlite file or in-memory)
//   - Logging level, format and output
//   - Audit behavior (time zone, checksum key, paging and export bounds)
//   - Anomaly detection thresholds
//   - Scheduled integrity and anomaly sweeps
//   - Dashboard toggle
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/horuscamacho/thoth-audit/internal/audit"
	"github.com/horuscamacho/thoth-audit/internal/scheduler"
)

// Config is the top-level thoth-audit configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Logging   LoggingConfig   `yaml:"logging"`
	Audit     AuditConfig     `yaml:"audit"`
	Anomaly   AnomalyConfig   `yaml:"anomaly"`
	Schedule  ScheduleConfig  `yaml:"schedule"`
	Dashboard DashboardConfig `yaml:"dashboard"`
}

// ServerConfig defines where the HTTP API listens.
type ServerConfig struct {
	Host      string          `yaml:"host"`
	Port      int             `yaml:"port"`
	RateLimit RateLimitConfig `yaml:"rateLimit"`
}

// RateLimitConfig bounds requests per tenant and client IP on the audit
// routes. RequestsPerMinute 0 disables limiting.
type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requestsPerMinute"`
	Burst             int `yaml:"burst"`
}

// StorageConfig selects the audit store.
// Driver is "sqlite" (default) or "memory".
type StorageConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

// LoggingConfig controls the operational slog logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
	Output string `yaml:"output"` // stdout, stderr, or a file path
}

// AuditConfig controls the audit core.
//
// ChecksumKeyEnv names an environment variable holding the HMAC key for
// entry checksums. When unset or empty, checksums are plain SHA-256.
type AuditConfig struct {
	Timezone        string `yaml:"timezone"`
	ChecksumKeyEnv  string `yaml:"checksumKeyEnv"`
	ExportCap       int    `yaml:"exportCap"`
	DefaultPageSize int    `yaml:"defaultPageSize"`
	MaxPageSize     int    `yaml:"maxPageSize"`
}

// AnomalyConfig holds the anomaly detection policy. It is re-read on
// config file changes while the server runs.
type AnomalyConfig struct {
	FailedLoginWindow   time.Duration `yaml:"failedLoginWindow"`
	FailedLoginMin      int           `yaml:"failedLoginMin"`
	FailedLoginCritical int           `yaml:"failedLoginCritical"`
	UnusualHoursWindow  time.Duration `yaml:"unusualHoursWindow"`
	UnusualHoursMin     int           `yaml:"unusualHoursMin"`
	UnusualHourStart    int           `yaml:"unusualHourStart"`
	UnusualHourEnd      int           `yaml:"unusualHourEnd"`
	RapidWindow         time.Duration `yaml:"rapidWindow"`
	RapidMin            int           `yaml:"rapidMin"`
	RapidSpan           time.Duration `yaml:"rapidSpan"`
	MaxIPsPerUser       int           `yaml:"maxIPsPerUser"`
	TrustedIPs          []string      `yaml:"trustedIPs"`
}

// ScheduleConfig runs background sweeps over the listed tenants while the
// server is up. Each schedule is a cron expression ("*/15 * * * *",
// "@daily") or a duration ("30m"); empty disables that sweep.
type ScheduleConfig struct {
	Tenants   []string `yaml:"tenants"`
	Integrity string   `yaml:"integrity"`
	Anomalies string   `yaml:"anomalies"`
}

// DashboardConfig controls the live websocket feed served under /api.
type DashboardConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Thresholds converts the anomaly section to the audit policy type.
func (a AnomalyConfig) Thresholds() audit.Thresholds {
	return audit.Thresholds{
		FailedLoginWindow:   a.FailedLoginWindow,
		FailedLoginMin:      a.FailedLoginMin,
		FailedLoginCritical: a.FailedLoginCritical,
		UnusualHoursWindow:  a.UnusualHoursWindow,
		UnusualHoursMin:     a.UnusualHoursMin,
		OffHours:            audit.HourRange{Start: a.UnusualHourStart, End: a.UnusualHourEnd},
		RapidWindow:         a.RapidWindow,
		RapidMin:            a.RapidMin,
		RapidSpan:           a.RapidSpan,
		MaxIPsPerUser:       a.MaxIPsPerUser,
		TrustedIPs:          a.TrustedIPs,
	}
}

// Location resolves the configured time zone.
func (a AuditConfig) Location() (*time.Location, error) {
	if a.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(a.Timezone)
	if err != nil {
		return nil, fmt.Errorf("audit.timezone %q: %w", a.Timezone, err)
	}
	return loc, nil
}

// ChecksumKey returns the HMAC key from the configured environment
// variable, or nil.
func (a AuditConfig) ChecksumKey() []byte {
	if a.ChecksumKeyEnv == "" {
		return nil
	}
	if v := os.Getenv(a.ChecksumKeyEnv); v != "" {
		return []byte(v)
	}
	return nil
}

// Load reads and parses the config from the given path.
// If the file doesn't exist, returns defaults (not an error).
// Invalid YAML or validation failures return an error.
func Load(path string) (*Config, error) {
	cfg := applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// WriteDefault writes a default config with all fields populated and a
// comment header. Used by `thoth-audit config init`.
func WriteDefault(path string) error {
	cfg := applyDefaults()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling default config: %w", err)
	}

	header := `# thoth-audit configuration
#
# server:     HTTP API bind address and per-client rate limit (0 = off)
# storage:    driver "sqlite" (path = database file) or "memory"
# logging:    level (debug|info|warn|error), format (text|json), output (stdout|stderr|<file>)
# audit:      timezone for "today" and off-hours rules, checksumKeyEnv names the
#             env var holding the HMAC checksum key (empty = plain SHA-256),
#             exportCap bounds exports, page sizes bound GET /logs
# anomaly:    detection thresholds; reloaded live when this file changes
# schedule:   background integrity/anomaly sweeps over the listed tenants
#             (cron expression or duration; empty = disabled)
# dashboard:  enabled serves the websocket live feed

`
	return os.WriteFile(path, []byte(header+string(data)), 0o644)
}

// applyDefaults returns a Config with all fields set to their default values.
func applyDefaults() *Config {
	t := audit.DefaultThresholds()
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 3200,
			RateLimit: RateLimitConfig{
				RequestsPerMinute: 600,
				Burst:             60,
			},
		},
		Storage: StorageConfig{
			Driver: "sqlite",
			Path:   "thoth-audit.db",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Audit: AuditConfig{
			Timezone:        "UTC",
			ExportCap:       audit.DefaultExportCap,
			DefaultPageSize: audit.DefaultPageSize,
			MaxPageSize:     100,
		},
		Anomaly: AnomalyConfig{
			FailedLoginWindow:   t.FailedLoginWindow,
			FailedLoginMin:      t.FailedLoginMin,
			FailedLoginCritical: t.FailedLoginCritical,
			UnusualHoursWindow:  t.UnusualHoursWindow,
			UnusualHoursMin:     t.UnusualHoursMin,
			UnusualHourStart:    t.OffHours.Start,
			UnusualHourEnd:      t.OffHours.End,
			RapidWindow:         t.RapidWindow,
			RapidMin:            t.RapidMin,
			RapidSpan:           t.RapidSpan,
			MaxIPsPerUser:       t.MaxIPsPerUser,
			TrustedIPs:          []string{},
		},
		Schedule: ScheduleConfig{
			Tenants: []string{},
		},
		Dashboard: DashboardConfig{
			Enabled: true,
		},
	}
}

// validate checks the config for logical errors after parsing.
func validate(cfg *Config) error {
	if cfg.Server.Host == "" {
		return fmt.Errorf("server.host must not be empty")
	}
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range (1-65535)", cfg.Server.Port)
	}
	if rl := cfg.Server.RateLimit; rl.RequestsPerMinute < 0 || (rl.RequestsPerMinute > 0 && rl.Burst < 1) {
		return fmt.Errorf("server.rateLimit invalid: %d/min, burst %d", rl.RequestsPerMinute, rl.Burst)
	}

	switch cfg.Storage.Driver {
	case "sqlite":
		if cfg.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the sqlite driver")
		}
	case "memory":
	default:
		return fmt.Errorf("storage.driver %q unsupported (use sqlite or memory)", cfg.Storage.Driver)
	}

	switch cfg.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q unsupported (use text or json)", cfg.Logging.Format)
	}

	if _, err := cfg.Audit.Location(); err != nil {
		return err
	}
	if cfg.Audit.ExportCap < 1 {
		return fmt.Errorf("audit.exportCap must be positive")
	}
	if cfg.Audit.DefaultPageSize < 1 || cfg.Audit.MaxPageSize < cfg.Audit.DefaultPageSize {
		return fmt.Errorf("audit page sizes invalid: default %d, max %d",
			cfg.Audit.DefaultPageSize, cfg.Audit.MaxPageSize)
	}

	if err := cfg.Anomaly.Thresholds().Validate(); err != nil {
		return fmt.Errorf("anomaly: %w", err)
	}

	for _, sweep := range []struct{ name, expr string }{
		{"schedule.integrity", cfg.Schedule.Integrity},
		{"schedule.anomalies", cfg.Schedule.Anomalies},
	} {
		if sweep.expr == "" {
			continue
		}
		if _, err := scheduler.ParseSchedule(sweep.expr); err != nil {
			return fmt.Errorf("%s: %w", sweep.name, err)
		}
	}
	for _, t := range cfg.Schedule.Tenants {
		if t == "" {
			return fmt.Errorf("schedule.tenants must not contain empty IDs")
		}
	}
	return nil
}
