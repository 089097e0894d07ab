// Package config loads relay settings from YAML and keeps a live copy that
// invocations snapshot.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"phobos.org.uk/relay/internal/logging"
)

// Config holds relay settings.
type Config struct {
	Port            int           `yaml:"port"`
	Bind            string        `yaml:"bind"`
	LogLevel        string        `yaml:"log_level"`
	HistoryDir      string        `yaml:"history_dir"`
	ProjectDir      string        `yaml:"project_dir"`      // working directory for agent CLIs
	DefaultProvider string        `yaml:"default_provider"` // claude, codex, gemini, openclaw, claude-api, custom
	CustomCommand   string        `yaml:"custom_command"`   // may contain {prompt}
	APIKeys         APIKeys       `yaml:"api_keys"`
	API             APIConfig     `yaml:"api"`
	Gateway         GatewayConfig `yaml:"gateway"`
	Timeouts        TimeoutConfig `yaml:"timeouts"`
	Tracing         TracingConfig `yaml:"tracing"`
	TLS             TLSConfig     `yaml:"tls"`
}

// APIKeys are the fallback credentials, one per vendor.
type APIKeys struct {
	Anthropic string `yaml:"anthropic"`
	OpenAI    string `yaml:"openai"`
	Google    string `yaml:"google"`
}

// APIConfig configures the direct Anthropic Messages API provider.
type APIConfig struct {
	URL       string        `yaml:"url"`
	Model     string        `yaml:"model"`
	Version   string        `yaml:"version"`
	MaxTokens int           `yaml:"max_tokens"`
	Timeout   time.Duration `yaml:"timeout"`
}

// GatewayConfig configures the OpenClaw-style chat completions gateway.
// URL and Token override what is discovered from ConfigFile.
type GatewayConfig struct {
	URL        string        `yaml:"url"`
	Token      string        `yaml:"token"`
	ConfigFile string        `yaml:"config_file"`
	Model      string        `yaml:"model"`
	Timeout    time.Duration `yaml:"timeout"`
}

// TimeoutConfig bounds CLI attempts.
type TimeoutConfig struct {
	NoOutputIdle  time.Duration `yaml:"no_output_idle"`
	HasOutputIdle time.Duration `yaml:"has_output_idle"`
	ExitWait      time.Duration `yaml:"exit_wait"`
	KillGrace     time.Duration `yaml:"kill_grace"`
}

// TracingConfig selects the span exporter.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // stdout, file, none
	FilePath    string  `yaml:"file_path"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// TLSConfig covers HTTPS for the relay server and for local gateways with
// self-signed certificates.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"` // serve over HTTPS
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	// InsecureHosts are non-loopback hosts whose certificates are not
	// verified. Loopback hosts never are.
	InsecureHosts []string `yaml:"insecure_hosts"`
}

// Defaults
const (
	DefaultPort            = 9100
	DefaultBind            = "127.0.0.1"
	DefaultLogLevel        = "info"
	DefaultProvider        = "claude"
	DefaultAPIURL          = "https://api.anthropic.com/v1/messages"
	DefaultAPIModel        = "claude-sonnet-4-20250514"
	DefaultAPIVersion      = "2023-06-01"
	DefaultAPIMaxTokens    = 16384
	DefaultAPITimeout      = 300 * time.Second
	DefaultGatewayModel    = "default"
	DefaultGatewayTimeout  = 120 * time.Second
	DefaultNoOutputIdle    = 5 * time.Minute
	DefaultHasOutputIdle   = 60 * time.Second
	DefaultExitWait        = 30 * time.Second
	DefaultKillGrace       = 5 * time.Second
	DefaultTracingExporter = "stdout"
	DefaultServiceName     = "relay"
)

// envOverrides maps environment variables onto settings. They win over the file.
var envOverrides = []struct {
	name  string
	apply func(*Config, string)
}{
	{"RELAY_PROJECT_DIR", func(c *Config, v string) { c.ProjectDir = v }},
	{"RELAY_PROVIDER", func(c *Config, v string) { c.DefaultProvider = v }},
	{"RELAY_LOG_LEVEL", func(c *Config, v string) { c.LogLevel = v }},
	{"RELAY_CUSTOM_COMMAND", func(c *Config, v string) { c.CustomCommand = v }},
}

// Default returns a config with default values
func Default() *Config {
	return &Config{
		Port:            DefaultPort,
		Bind:            DefaultBind,
		LogLevel:        DefaultLogLevel,
		HistoryDir:      DefaultHistoryPath(),
		DefaultProvider: DefaultProvider,
		API: APIConfig{
			URL:       DefaultAPIURL,
			Model:     DefaultAPIModel,
			Version:   DefaultAPIVersion,
			MaxTokens: DefaultAPIMaxTokens,
			Timeout:   DefaultAPITimeout,
		},
		Gateway: GatewayConfig{
			ConfigFile: DefaultGatewayConfigPath(),
			Model:      DefaultGatewayModel,
			Timeout:    DefaultGatewayTimeout,
		},
		Timeouts: TimeoutConfig{
			NoOutputIdle:  DefaultNoOutputIdle,
			HasOutputIdle: DefaultHasOutputIdle,
			ExitWait:      DefaultExitWait,
			KillGrace:     DefaultKillGrace,
		},
		Tracing: TracingConfig{
			Exporter:    DefaultTracingExporter,
			ServiceName: DefaultServiceName,
			SampleRate:  1.0,
		},
		TLS: TLSConfig{
			CertFile: DefaultCertPath(),
			KeyFile:  DefaultKeyPath(),
		},
	}
}

// Parse parses YAML config data on top of the defaults, then applies
// environment overrides and validates.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	cfg.HistoryDir = ""

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyEnv(cfg)

	if cfg.HistoryDir == "" {
		cfg.HistoryDir = DefaultHistoryPath()
	}
	cfg.ProjectDir = expandHome(cfg.ProjectDir)
	cfg.HistoryDir = expandHome(cfg.HistoryDir)
	cfg.Gateway.ConfigFile = expandHome(cfg.Gateway.ConfigFile)
	cfg.TLS.CertFile = expandHome(cfg.TLS.CertFile)
	cfg.TLS.KeyFile = expandHome(cfg.TLS.KeyFile)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load loads config from a file path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// LoadOrDefault loads path if it exists, otherwise returns the defaults with
// environment overrides applied.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Parse(nil)
	}
	return Load(path)
}

// Validate checks config validity
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	if c.API.MaxTokens < 1 {
		return fmt.Errorf("api.max_tokens must be at least 1, got %d", c.API.MaxTokens)
	}
	if c.API.Timeout < time.Second {
		return fmt.Errorf("api.timeout must be at least 1 second, got %v", c.API.Timeout)
	}
	if c.Gateway.Timeout < time.Second {
		return fmt.Errorf("gateway.timeout must be at least 1 second, got %v", c.Gateway.Timeout)
	}

	t := c.Timeouts
	for name, d := range map[string]time.Duration{
		"no_output_idle":  t.NoOutputIdle,
		"has_output_idle": t.HasOutputIdle,
		"exit_wait":       t.ExitWait,
		"kill_grace":      t.KillGrace,
	} {
		if d < 0 {
			return fmt.Errorf("timeouts.%s must not be negative, got %v", name, d)
		}
	}

	switch c.Tracing.Exporter {
	case "", "none", "stdout":
	case "file":
		if c.Tracing.Enabled && c.Tracing.FilePath == "" {
			return fmt.Errorf("tracing.file_path is required for the file exporter")
		}
	default:
		return fmt.Errorf("tracing.exporter must be stdout, file or none, got %q", c.Tracing.Exporter)
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate must be between 0 and 1, got %v", c.Tracing.SampleRate)
	}
	if c.TLS.Enabled && (c.TLS.CertFile == "" || c.TLS.KeyFile == "") {
		return fmt.Errorf("tls.cert_file and tls.key_file are required when tls is enabled")
	}
	return nil
}

// Addr is the listen address for the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Bind, c.Port)
}

func applyEnv(c *Config) {
	for _, o := range envOverrides {
		if v, ok := os.LookupEnv(o.name); ok && v != "" {
			o.apply(c, v)
		}
	}
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

// Root returns the relay state directory: RELAY_ROOT if set, otherwise ~/.relay.
func Root() string {
	if root := os.Getenv("RELAY_ROOT"); root != "" {
		return root
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return filepath.Join(home, ".relay")
}

// DefaultPath is where the settings file lives when --config is not given.
func DefaultPath() string {
	return filepath.Join(Root(), "config.yaml")
}

// DefaultHistoryPath returns the default invocation history directory.
func DefaultHistoryPath() string {
	return filepath.Join(Root(), "history")
}

// DefaultCertPath is where a generated server certificate is kept.
func DefaultCertPath() string {
	return filepath.Join(Root(), "tls", "cert.pem")
}

// DefaultKeyPath is where a generated server key is kept.
func DefaultKeyPath() string {
	return filepath.Join(Root(), "tls", "key.pem")
}

// DefaultGatewayConfigPath is the OpenClaw config written by `openclaw gateway`.
func DefaultGatewayConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".openclaw", "openclaw.json")
}
