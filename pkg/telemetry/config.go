package telemetry

import (
	"errors"
	"fmt"
	"time"
)

// Config is the telemetry section of the autopilot configuration file.
type Config struct {
	// ServiceName, ServiceVersion and Environment label spans and the
	// startup log line.
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
	Environment    string `yaml:"environment"`

	Logging LoggingConfig `yaml:"logging"`
	Tracing TracingConfig `yaml:"tracing"`
	Metrics MetricsConfig `yaml:"metrics"`
	Events  EventsConfig  `yaml:"events"`
	Audit   AuditConfig   `yaml:"audit"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // trace, debug, info, warn, error or fatal
	Format string `yaml:"format"` // console or json

	// Output is stdout, stderr or a file path. Files are rotated once they
	// reach MaxSizeMB.
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
	TimeFormat   string `yaml:"time_format"` // rfc3339, unix, unixms or unixmicro

	MaxSizeMB  int  `yaml:"max_size_mb"`
	MaxBackups int  `yaml:"max_backups"`
	MaxAgeDays int  `yaml:"max_age_days"`
	Compress   bool `yaml:"compress"`
}

// TracingConfig configures span export. Step execution, command runs and
// LLM calls each get a span.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // otlp, stdout or none

	// Endpoint, Headers and Insecure apply to the otlp exporter only.
	Endpoint string            `yaml:"endpoint"`
	Headers  map[string]string `yaml:"headers"`
	Insecure bool              `yaml:"insecure"`

	SamplingRate       float64       `yaml:"sampling_rate"`
	MaxExportBatchSize int           `yaml:"max_export_batch_size"`
	ExportTimeout      time.Duration `yaml:"export_timeout"`
}

// MetricsConfig configures the Prometheus registry.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`

	// ListenAddress is the address for a standalone metrics endpoint. Empty
	// means metrics are only served by the API server.
	ListenAddress string `yaml:"listen_address"`

	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`

	// DefaultHistogramBuckets are latency buckets in seconds. LLM calls
	// routinely take tens of seconds, hence the long tail.
	DefaultHistogramBuckets []float64 `yaml:"histogram_buckets"`
}

// EventsConfig configures the publisher behind the event stream.
type EventsConfig struct {
	Enabled bool `yaml:"enabled"`

	// BufferSize is the size of the publish buffer and of each subscriber queue.
	BufferSize int `yaml:"buffer_size"`

	// EnableAsync delivers events from a background goroutine. When false,
	// Publish delivers to every subscriber before returning.
	EnableAsync bool `yaml:"enable_async"`
}

// AuditConfig configures the rotating JSON-lines audit log of events.
type AuditConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// DefaultConfig logs to stderr for a person at a terminal, keeps the audit
// log under ./logs and leaves tracing off.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "autopilot",
		ServiceVersion: "dev",
		Environment:    "development",
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			Output:     "stderr",
			TimeFormat: "rfc3339",
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
		Tracing: TracingConfig{
			Enabled:            false,
			Exporter:           "none",
			SamplingRate:       1.0,
			MaxExportBatchSize: 512,
			ExportTimeout:      30 * time.Second,
			Headers:            make(map[string]string),
			Insecure:           true,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Path:      "/metrics",
			Namespace: "autopilot",
			DefaultHistogramBuckets: []float64{
				0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0, 300.0,
			},
		},
		Events: EventsConfig{
			Enabled:     true,
			BufferSize:  1000,
			EnableAsync: true,
		},
		Audit: AuditConfig{
			Enabled:    true,
			Path:       "logs/events.jsonl",
			MaxSizeMB:  100,
			MaxBackups: 10,
			MaxAgeDays: 90,
			Compress:   true,
		},
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	checks := []struct {
		ok  bool
		err string
	}{
		{c.ServiceName != "", "service name is required"},
		{c.ServiceVersion != "", "service version is required"},
		{oneOf(c.Logging.Level, "trace", "debug", "info", "warn", "error", "fatal"),
			fmt.Sprintf("invalid log level: %q", c.Logging.Level)},
		{oneOf(c.Logging.Format, "console", "json"),
			fmt.Sprintf("invalid log format: %q (want console or json)", c.Logging.Format)},
		{!c.Tracing.Enabled || oneOf(c.Tracing.Exporter, "otlp", "stdout", "none"),
			fmt.Sprintf("invalid trace exporter: %q", c.Tracing.Exporter)},
		{c.Tracing.SamplingRate >= 0 && c.Tracing.SamplingRate <= 1,
			fmt.Sprintf("trace sampling rate must be within [0, 1], got %g", c.Tracing.SamplingRate)},
		{!c.Events.Enabled || c.Events.BufferSize > 0,
			fmt.Sprintf("event buffer size must be positive, got %d", c.Events.BufferSize)},
		{!c.Audit.Enabled || c.Audit.Path != "", "audit log path is required when the audit log is enabled"},
	}
	for _, check := range checks {
		if !check.ok {
			return errors.New(check.err)
		}
	}
	return nil
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}
