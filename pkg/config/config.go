package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/autopilot/pkg/telemetry"
)

// Storage backends.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Config is the complete autopilot configuration.
type Config struct {
	LLM       LLMConfig         `yaml:"llm"`
	Execution ExecutionConfig   `yaml:"execution"`
	Storage   StorageConfig     `yaml:"storage"`
	Policy    PolicyConfig      `yaml:"policy"`
	Server    ServerConfig      `yaml:"server"`
	Telemetry *telemetry.Config `yaml:"telemetry" validate:"required"`
}

// LLMConfig selects and tunes the language model.
type LLMConfig struct {
	// Provider is gemini or openai.
	Provider string `yaml:"provider" validate:"oneof=gemini openai"`

	Model   string `yaml:"model"`
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url" validate:"omitempty,url"`

	Temperature float64 `yaml:"temperature" validate:"gte=0,lte=2"`

	// Timeout bounds one LLM call, including the wait for a pool slot.
	Timeout time.Duration `yaml:"timeout" validate:"gt=0"`

	// PoolSize is the maximum number of concurrent LLM calls.
	PoolSize int `yaml:"pool_size" validate:"gte=1,lte=64"`

	// CommandGeneration lets the model write commands for steps that have none.
	CommandGeneration  bool    `yaml:"command_generation"`
	CommandTemperature float64 `yaml:"command_temperature" validate:"gte=0,lte=2"`
}

// ExecutionConfig controls how plans run.
type ExecutionConfig struct {
	Shell   string        `yaml:"shell" validate:"required"`
	WorkDir string        `yaml:"work_dir"`
	Timeout time.Duration `yaml:"timeout" validate:"gt=0"`

	// HumanValidationRequired makes every step wait for confirmation.
	HumanValidationRequired bool `yaml:"human_validation_required"`

	SummarizeProgress bool `yaml:"summarize_progress"`
	AutoRevise        bool `yaml:"auto_revise"`
}

// StorageConfig selects the durable plan store.
type StorageConfig struct {
	Backend string `yaml:"backend" validate:"oneof=file sqlite"`

	// Path is a directory for the file backend and a database file for sqlite.
	Path string `yaml:"path" validate:"required"`

	// CacheCapacity is the number of plans kept in memory. 0 disables the cache.
	CacheCapacity int `yaml:"cache_capacity" validate:"gte=0"`
}

// PolicyConfig locates custom safety policies.
type PolicyConfig struct {
	Paths []string `yaml:"paths"`
	Watch bool     `yaml:"watch"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	ListenAddress   string        `yaml:"listen_address" validate:"required"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gte=0"`
}

// Default returns the configuration used when no file or environment
// overrides are present.
func Default() *Config {
	tel := telemetry.DefaultConfig()
	tel.Audit.Path = filepath.Join("logs", "events.jsonl")

	return &Config{
		LLM: LLMConfig{
			Provider:           "gemini",
			Temperature:        0.7,
			Timeout:            60 * time.Second,
			PoolSize:           4,
			CommandGeneration:  true,
			CommandTemperature: 0.2,
		},
		Execution: ExecutionConfig{
			Shell:             "/bin/sh",
			Timeout:           300 * time.Second,
			SummarizeProgress: true,
		},
		Storage: StorageConfig{
			Backend:       BackendSQLite,
			Path:          filepath.Join("data", "autopilot.db"),
			CacheCapacity: 100,
		},
		Server: ServerConfig{
			ListenAddress:   ":5000",
			ShutdownTimeout: 10 * time.Second,
		},
		Telemetry: tel,
	}
}

// Load reads the YAML file at path on top of the defaults, applies
// environment overrides and validates the result. An empty path skips the
// file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
		if cfg.Telemetry == nil {
			cfg.Telemetry = telemetry.DefaultConfig()
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LookupFunc reads one environment variable.
type LookupFunc func(key string) (string, bool)

// ApplyEnv overrides configuration values from environment variables.
func (c *Config) ApplyEnv(lookup LookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	var errs []error
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: invalid boolean %q", key, v))
				return
			}
			*dst = b
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: invalid integer %q", key, v))
				return
			}
			*dst = n
		}
	}
	float := func(key string, dst *float64) {
		if v, ok := lookup(key); ok && v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: invalid number %q", key, v))
				return
			}
			*dst = f
		}
	}
	seconds := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := parseSeconds(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("LLM_PROVIDER", &c.LLM.Provider)
	if c.LLM.Provider == "openai" {
		str("OPENAI_API_KEY", &c.LLM.APIKey)
		str("OPENAI_MODEL", &c.LLM.Model)
		str("OPENAI_BASE_URL", &c.LLM.BaseURL)
	} else {
		// GEMINI_API_KEY wins when both are set.
		str("GOOGLE_API_KEY", &c.LLM.APIKey)
		str("GEMINI_API_KEY", &c.LLM.APIKey)
		str("GEMINI_MODEL", &c.LLM.Model)
	}
	seconds("LLM_TIMEOUT", &c.LLM.Timeout)
	integer("LLM_POOL_SIZE", &c.LLM.PoolSize)
	boolean("USE_LLM_COMMAND_GENERATION", &c.LLM.CommandGeneration)
	float("COMMAND_TEMPERATURE", &c.LLM.CommandTemperature)

	seconds("MAX_EXECUTION_TIME", &c.Execution.Timeout)
	boolean("HUMAN_VALIDATION_REQUIRED", &c.Execution.HumanValidationRequired)
	boolean("SUMMARIZE_PROGRESS", &c.Execution.SummarizeProgress)
	boolean("AUTO_REVISE", &c.Execution.AutoRevise)
	str("AUTOPILOT_SHELL", &c.Execution.Shell)

	str("AUTOPILOT_STORAGE_BACKEND", &c.Storage.Backend)
	str("AUTOPILOT_STORAGE_PATH", &c.Storage.Path)
	integer("AUTOPILOT_CACHE_CAPACITY", &c.Storage.CacheCapacity)

	if v, ok := lookup("AUTOPILOT_POLICY_PATHS"); ok && v != "" {
		c.Policy.Paths = splitList(v)
	}
	boolean("AUTOPILOT_POLICY_WATCH", &c.Policy.Watch)

	str("AUTOPILOT_LISTEN_ADDRESS", &c.Server.ListenAddress)

	if c.Telemetry == nil {
		c.Telemetry = telemetry.DefaultConfig()
	}
	if v, ok := lookup("LOG_LEVEL"); ok && v != "" {
		c.Telemetry.Logging.Level = strings.ToLower(v)
	}
	if v, ok := lookup("LOG_DIR"); ok && v != "" {
		c.Telemetry.Audit.Path = filepath.Join(v, "events.jsonl")
	}

	return errors.Join(errs...)
}

// Validate checks struct constraints and the telemetry section.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed on '%s'", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry configuration: %w", err)
	}
	return nil
}

// parseSeconds accepts a number of seconds or a Go duration string.
func parseSeconds(v string) (time.Duration, error) {
	if n, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(n * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", v)
	}
	return d, nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
