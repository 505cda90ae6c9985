package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearRelayEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		EnvAPIKey, EnvDeploymentID, EnvNgrokAuthToken,
		"RELAY_LISTEN_ADDR", "RELAY_IDENTITY_URL", "RELAY_PREDICTION_URL",
		"RELAY_OTLP_ENDPOINT", "RELAY_OTLP_INSECURE", "RELAY_ENVIRONMENT",
		"RELAY_LOG_LEVEL", "RELAY_LOG_FORMAT",
	} {
		t.Setenv(key, "")
	}
	// RELAY_ADMIN_ADDR is presence-sensitive, so unset it outright.
	t.Setenv("RELAY_ADMIN_ADDR", "")
	require.NoError(t, os.Unsetenv("RELAY_ADMIN_ADDR"))
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_DefaultsFromEnvironment(t *testing.T) {
	clearRelayEnv(t)
	t.Setenv(EnvAPIKey, "secret-key")
	t.Setenv(EnvDeploymentID, "dep-42")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:5000", cfg.Server.ListenAddress)
	assert.Equal(t, "127.0.0.1:19090", cfg.Server.AdminAddress)
	assert.Equal(t, int64(10<<20), cfg.Server.MaxBodyBytes)
	assert.Equal(t, DefaultIdentityURL, cfg.Identity.URL)
	assert.Equal(t, DefaultPredictionURL, cfg.Prediction.URL)
	assert.Equal(t, "secret-key", cfg.Identity.APIKey)
	assert.Equal(t, "dep-42", cfg.Prediction.DeploymentID)
	assert.Equal(t, 15*time.Second, cfg.Identity.Timeout)
	assert.Equal(t, 30*time.Second, cfg.Prediction.Timeout)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoad_DeploymentIDDoesNotChangePredictionURL(t *testing.T) {
	clearRelayEnv(t)
	t.Setenv(EnvAPIKey, "k")
	t.Setenv(EnvDeploymentID, "some-other-deployment")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultPredictionURL, cfg.Prediction.URL)
	assert.NotContains(t, cfg.Prediction.URL, "some-other-deployment")
}

func TestLoad_MissingAPIKey(t *testing.T) {
	clearRelayEnv(t)

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "identity.api_key is required")
	assert.Contains(t, err.Error(), EnvAPIKey)
}

func TestLoad_YAMLFile(t *testing.T) {
	clearRelayEnv(t)
	path := writeFile(t, "relay.yaml", `
server:
  listen_address: "127.0.0.1:8080"
  admin_address: ""
  max_body_bytes: 2048
identity:
  url: "http://identity.local/token"
  api_key: "from-file"
  timeout: 5s
prediction:
  url: "http://scoring.local/predict"
  timeout: 1m
telemetry:
  otlp_endpoint: "localhost:4317"
  insecure: true
logging:
  level: "DEBUG"
  format: "text"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8080", cfg.Server.ListenAddress)
	assert.Empty(t, cfg.Server.AdminAddress)
	assert.Equal(t, int64(2048), cfg.Server.MaxBodyBytes)
	assert.Equal(t, "http://identity.local/token", cfg.Identity.URL)
	assert.Equal(t, "from-file", cfg.Identity.APIKey)
	assert.Equal(t, 5*time.Second, cfg.Identity.Timeout)
	assert.Equal(t, time.Minute, cfg.Prediction.Timeout)
	assert.Equal(t, "localhost:4317", cfg.Telemetry.OTLPEndpoint)
	assert.True(t, cfg.Telemetry.Insecure)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
}

func TestLoad_TOMLFile(t *testing.T) {
	clearRelayEnv(t)
	path := writeFile(t, "relay.toml", `
[server]
listen_address = "127.0.0.1:9000"

[identity]
api_key = "toml-key"
timeout = "3s"

[logging]
level = "warn"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.Server.ListenAddress)
	assert.Equal(t, "toml-key", cfg.Identity.APIKey)
	assert.Equal(t, 3*time.Second, cfg.Identity.Timeout)
	assert.Equal(t, DefaultIdentityURL, cfg.Identity.URL)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	clearRelayEnv(t)
	path := writeFile(t, "relay.yaml", `
identity:
  api_key: "from-file"
logging:
  level: "info"
`)
	t.Setenv(EnvAPIKey, "from-env")
	t.Setenv("RELAY_LOG_LEVEL", "error")
	t.Setenv("RELAY_ADMIN_ADDR", "")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Identity.APIKey)
	assert.Equal(t, "error", cfg.Logging.Level)
	assert.Empty(t, cfg.Server.AdminAddress, "explicitly empty RELAY_ADMIN_ADDR disables the admin listener")
}

func TestLoad_UnsupportedExtension(t *testing.T) {
	clearRelayEnv(t)
	path := writeFile(t, "relay.ini", "api_key=x")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported file extension")
}

func TestLoad_MissingFile(t *testing.T) {
	clearRelayEnv(t)
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid",
			mutate: func(*Config) {},
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Logging.Level = "chatty" },
			wantErr: "logging.level must be one of",
		},
		{
			name:    "bad log format",
			mutate:  func(c *Config) { c.Logging.Format = "xml" },
			wantErr: "logging.format must be one of",
		},
		{
			name:    "invalid identity url",
			mutate:  func(c *Config) { c.Identity.URL = "not a url" },
			wantErr: "identity.url must be a valid URL",
		},
		{
			name:    "missing prediction url",
			mutate:  func(c *Config) { c.Prediction.URL = "" },
			wantErr: "prediction.url is required",
		},
		{
			name:    "listen address without port",
			mutate:  func(c *Config) { c.Server.ListenAddress = "localhost" },
			wantErr: "server.listen_address",
		},
		{
			name: "admin conflicts with listen",
			mutate: func(c *Config) {
				c.Server.AdminAddress = c.Server.ListenAddress
			},
			wantErr: "conflicts with server.listen_address",
		},
		{
			name:    "non-positive body cap",
			mutate:  func(c *Config) { c.Server.MaxBodyBytes = 0 },
			wantErr: "server.max_body_bytes",
		},
		{
			name:   "warning normalised to warn",
			mutate: func(c *Config) { c.Logging.Level = "WARNING" },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Identity.APIKey = "k"
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateTunnel(t *testing.T) {
	cfg := Default()
	err := cfg.ValidateTunnel()
	require.Error(t, err)
	assert.Contains(t, err.Error(), EnvNgrokAuthToken)

	cfg.Tunnel.AuthToken = "tok"
	assert.NoError(t, cfg.ValidateTunnel())
}
