// Package config loads and validates the provisioning configuration. The
// validator is the collaborator modules call from their prerequisite checks:
// it reports structured {field, reason} errors rather than opaque strings.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the resolved provisioning configuration for one host.
type Config struct {
	// StateDir roots the persisted engine state: the checkpoint namespace
	// and the transaction journal.
	StateDir string `yaml:"state_dir" validate:"required"`

	// LogLevel sets the minimum log level.
	LogLevel string `yaml:"log_level" validate:"omitempty,oneof=trace debug info warn error"`

	// MetricsListen is the optional Prometheus listen address.
	MetricsListen string `yaml:"metrics_listen" validate:"omitempty,hostname_port"`

	// Tracing configures the optional trace exporter.
	Tracing TracingConfig `yaml:"tracing"`

	// Desktop configures the desktop environment module.
	Desktop DesktopConfig `yaml:"desktop"`

	// Remote configures the remote-access server module.
	Remote RemoteConfig `yaml:"remote"`

	// User configures the login user module.
	User UserConfig `yaml:"user"`

	// DevTools configures the developer tooling module.
	DevTools DevToolsConfig `yaml:"devtools"`

	// ExpectedDurations maps module ids to advisory durations; the monitor
	// warns when a module overruns, but an overrun is never a failure.
	ExpectedDurations map[string]Duration `yaml:"expected_durations"`
}

// Duration wraps time.Duration so YAML values like "5m" parse.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// AdvisoryDurations returns the expected-duration map as time.Durations.
func (c *Config) AdvisoryDurations() map[string]time.Duration {
	if len(c.ExpectedDurations) == 0 {
		return nil
	}
	out := make(map[string]time.Duration, len(c.ExpectedDurations))
	for id, d := range c.ExpectedDurations {
		out[id] = time.Duration(d)
	}
	return out
}

// TracingConfig selects the trace exporter.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter" validate:"omitempty,oneof=otlp stdout none"`
	Endpoint string `yaml:"endpoint" validate:"omitempty,hostname_port"`
	Insecure bool   `yaml:"insecure"`
}

// DesktopConfig configures the desktop environment module.
type DesktopConfig struct {
	Environment    string `yaml:"environment" validate:"omitempty,oneof=xfce gnome kde"`
	DisplayManager string `yaml:"display_manager" validate:"omitempty,oneof=lightdm gdm3 sddm"`
}

// RemoteConfig configures the remote-access server module.
type RemoteConfig struct {
	Port       int      `yaml:"port" validate:"omitempty,gte=1,lte=65535"`
	AllowUsers []string `yaml:"allow_users" validate:"dive,required"`
}

// UserConfig configures the login user module.
type UserConfig struct {
	Name   string   `yaml:"name" validate:"omitempty,lowercase,excludesall= \t"`
	Groups []string `yaml:"groups" validate:"dive,required"`
}

// DevToolsConfig configures the developer tooling module.
type DevToolsConfig struct {
	Packages []string `yaml:"packages" validate:"dive,required"`
	Docker   bool     `yaml:"docker"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		StateDir: "/var/lib/hostrig",
		LogLevel: "info",
		Tracing:  TracingConfig{Exporter: "none"},
		Desktop:  DesktopConfig{Environment: "xfce", DisplayManager: "lightdm"},
		Remote:   RemoteConfig{Port: 3389},
		DevTools: DevToolsConfig{Packages: []string{"git", "build-essential", "curl"}},
	}
}

// Load reads a YAML configuration file, applies defaults, and validates.
// An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.applyDefaults()

	if fieldErrs := Validate(cfg); len(fieldErrs) > 0 {
		return nil, fmt.Errorf("config: %s", fieldErrs[0])
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.StateDir == "" {
		c.StateDir = Default().StateDir
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Desktop.Environment == "" {
		c.Desktop.Environment = "xfce"
	}
	if c.Desktop.DisplayManager == "" {
		c.Desktop.DisplayManager = "lightdm"
	}
	if c.Remote.Port == 0 {
		c.Remote.Port = 3389
	}
}

// CheckpointDir returns the checkpoint namespace under the state directory.
func (c *Config) CheckpointDir() string {
	return filepath.Join(c.StateDir, "checkpoints")
}

// JournalPath returns the transaction journal path under the state directory.
func (c *Config) JournalPath() string {
	return filepath.Join(c.StateDir, "journal.log")
}

// LockPath returns the run-lock path under the state directory.
func (c *Config) LockPath() string {
	return filepath.Join(c.StateDir, "run.lock")
}

// HistoryPath returns the run-history database path.
func (c *Config) HistoryPath() string {
	return filepath.Join(c.StateDir, "history.db")
}

// FieldError is a structured validation failure for one configuration field.
type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// Error renders the field error.
func (e FieldError) Error() string {
	return fmt.Sprintf("field %s: %s", e.Field, e.Reason)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks a value against its struct validation tags and returns one
// FieldError per violation. Modules map these into their own prerequisite
// results.
func Validate(v interface{}) []FieldError {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}

	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return []FieldError{{Field: "config", Reason: err.Error()}}
	}

	fieldErrs := make([]FieldError, 0, len(verrs))
	for _, fe := range verrs {
		reason := fmt.Sprintf("failed %q constraint", fe.Tag())
		if fe.Param() != "" {
			reason = fmt.Sprintf("failed %q constraint (param %s)", fe.Tag(), fe.Param())
		}
		fieldErrs = append(fieldErrs, FieldError{Field: fe.Namespace(), Reason: reason})
	}
	return fieldErrs
}
