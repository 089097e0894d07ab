package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		yaml    string
		check   func(t *testing.T, c *Config)
		wantErr string
	}{
		{
			name: "empty uses defaults",
			yaml: "",
			check: func(t *testing.T, c *Config) {
				require.Equal(t, DefaultPort, c.Port)
				require.Equal(t, DefaultProvider, c.DefaultProvider)
				require.Equal(t, DefaultAPIModel, c.API.Model)
				require.Equal(t, DefaultAPIMaxTokens, c.API.MaxTokens)
				require.Equal(t, DefaultNoOutputIdle, c.Timeouts.NoOutputIdle)
				require.NotEmpty(t, c.HistoryDir)
			},
		},
		{
			name: "full config",
			yaml: `
port: 9200
log_level: debug
project_dir: /srv/project
default_provider: codex
custom_command: my-agent --ask {prompt}
api_keys:
  anthropic: sk-ant
  openai: sk-oai
  google: g-key
api:
  model: claude-opus-4
  max_tokens: 4096
  timeout: 2m
gateway:
  url: http://localhost:18789
  token: tok
timeouts:
  no_output_idle: 10m
  has_output_idle: 90s
tracing:
  enabled: true
  exporter: file
  file_path: /tmp/traces.json
tls:
  enabled: true
  cert_file: /etc/relay/cert.pem
  key_file: /etc/relay/key.pem
  insecure_hosts: [devbox.lan]
`,
			check: func(t *testing.T, c *Config) {
				require.Equal(t, 9200, c.Port)
				require.Equal(t, "/srv/project", c.ProjectDir)
				require.Equal(t, "codex", c.DefaultProvider)
				require.Equal(t, "my-agent --ask {prompt}", c.CustomCommand)
				require.Equal(t, APIKeys{Anthropic: "sk-ant", OpenAI: "sk-oai", Google: "g-key"}, c.APIKeys)
				require.Equal(t, 4096, c.API.MaxTokens)
				require.Equal(t, 2*time.Minute, c.API.Timeout)
				require.Equal(t, DefaultAPIURL, c.API.URL)
				require.Equal(t, "tok", c.Gateway.Token)
				require.Equal(t, 10*time.Minute, c.Timeouts.NoOutputIdle)
				require.Equal(t, 90*time.Second, c.Timeouts.HasOutputIdle)
				require.Equal(t, DefaultExitWait, c.Timeouts.ExitWait)
				require.True(t, c.Tracing.Enabled)
				require.True(t, c.TLS.Enabled)
				require.Equal(t, "/etc/relay/cert.pem", c.TLS.CertFile)
				require.Equal(t, []string{"devbox.lan"}, c.TLS.InsecureHosts)
			},
		},
		{name: "invalid port zero", yaml: "port: 0", wantErr: "port must be between 1 and 65535"},
		{name: "invalid port too high", yaml: "port: 70000", wantErr: "port must be between 1 and 65535"},
		{name: "invalid log level", yaml: "log_level: loud", wantErr: "log_level"},
		{name: "invalid max tokens", yaml: "api:\n  max_tokens: 0", wantErr: "api.max_tokens"},
		{name: "invalid api timeout", yaml: "api:\n  timeout: 100ms", wantErr: "api.timeout must be at least 1 second"},
		{name: "negative idle", yaml: "timeouts:\n  exit_wait: -1s", wantErr: "timeouts.exit_wait"},
		{name: "unknown exporter", yaml: "tracing:\n  exporter: jaeger", wantErr: "tracing.exporter"},
		{name: "file exporter needs path", yaml: "tracing:\n  enabled: true\n  exporter: file", wantErr: "tracing.file_path"},
		{name: "tls needs cert", yaml: "tls:\n  enabled: true\n  cert_file: ''", wantErr: "tls.cert_file"},
		{name: "bad yaml", yaml: "port: [", wantErr: "parsing config"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := Parse([]byte(tt.yaml))
			if tt.wantErr != "" {
				require.Error(t, err)
				require.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			tt.check(t, got)
		})
	}
}

func TestParseEnvOverrides(t *testing.T) {
	t.Setenv("RELAY_PROJECT_DIR", "/from/env")
	t.Setenv("RELAY_PROVIDER", "gemini")
	t.Setenv("RELAY_LOG_LEVEL", "warn")

	cfg, err := Parse([]byte("project_dir: /from/file\ndefault_provider: codex\n"))
	require.NoError(t, err)
	require.Equal(t, "/from/env", cfg.ProjectDir)
	require.Equal(t, "gemini", cfg.DefaultProvider)
	require.Equal(t, "warn", cfg.LogLevel)
}

func TestRootPaths(t *testing.T) {
	root := t.TempDir()
	t.Setenv("RELAY_ROOT", root)

	require.Equal(t, root, Root())
	require.Equal(t, filepath.Join(root, "config.yaml"), DefaultPath())
	require.Equal(t, filepath.Join(root, "history"), DefaultHistoryPath())
	require.Equal(t, filepath.Join(root, "tls", "cert.pem"), DefaultCertPath())
	require.Equal(t, filepath.Join(root, "tls", "key.pem"), DefaultKeyPath())
}

func TestLoadOrDefaultMissingFile(t *testing.T) {
	t.Parallel()

	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	require.Equal(t, DefaultPort, cfg.Port)
}

func TestDefault(t *testing.T) {
	t.Parallel()

	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.Equal(t, "127.0.0.1:9100", cfg.Addr())
	require.Equal(t, DefaultGatewayTimeout, cfg.Gateway.Timeout)
}

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}
