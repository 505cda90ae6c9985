// Package config provides configuration structures and loading logic for the relay.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultIdentityURL is the IAM endpoint that exchanges an API key for a bearer token.
	DefaultIdentityURL = "https://iam.cloud.ibm.com/identity/token"
	// DefaultPredictionURL is the fixed scoring endpoint requests are relayed to.
	DefaultPredictionURL = "https://jp-tok.ml.cloud.ibm.com/ml/v4/deployments/realtime_churn_model/predictions?version=2021-05-01"

	defaultListenAddress = "0.0.0.0:5000"
	defaultAdminAddress  = "127.0.0.1:19090"
	defaultMaxBodyBytes  = 10 << 20
)

// Environment variables read by the relay.
const (
	EnvAPIKey         = "IBM_CLOUD_API_KEY"
	EnvDeploymentID   = "DEPLOYMENT_ID"
	EnvNgrokAuthToken = "NGROK_AUTH_TOKEN"
)

// Config holds the process-wide relay configuration. It is built once at
// startup and passed to the components that need it.
type Config struct {
	Server     ServerConfig     `yaml:"server" toml:"server"`
	Identity   IdentityConfig   `yaml:"identity" toml:"identity"`
	Prediction PredictionConfig `yaml:"prediction" toml:"prediction"`
	Tunnel     TunnelConfig     `yaml:"tunnel" toml:"tunnel"`
	Telemetry  TelemetryConfig  `yaml:"telemetry" toml:"telemetry"`
	Logging    LoggingConfig    `yaml:"logging" toml:"logging"`
}

// ServerConfig holds configuration for the HTTP listeners.
type ServerConfig struct {
	ListenAddress string `yaml:"listen_address" toml:"listen_address" validate:"required"`
	// AdminAddress serves /healthz and /metrics. Empty disables the admin listener.
	AdminAddress string `yaml:"admin_address" toml:"admin_address"`
	MaxBodyBytes int64  `yaml:"max_body_bytes" toml:"max_body_bytes" validate:"gt=0"`
}

// IdentityConfig describes the token endpoint and the credential sent to it.
type IdentityConfig struct {
	URL     string        `yaml:"url" toml:"url" validate:"required,url"`
	APIKey  string        `yaml:"api_key" toml:"api_key" validate:"required"`
	Timeout time.Duration `yaml:"timeout" toml:"timeout" validate:"gte=0"`
}

// PredictionConfig describes the downstream scoring endpoint.
type PredictionConfig struct {
	URL string `yaml:"url" toml:"url" validate:"required,url"`
	// DeploymentID is read for operator visibility only. It is not used to
	// build URL.
	DeploymentID string        `yaml:"deployment_id" toml:"deployment_id"`
	Timeout      time.Duration `yaml:"timeout" toml:"timeout" validate:"gte=0"`
}

// TunnelConfig holds the public tunnel credentials.
type TunnelConfig struct {
	AuthToken string `yaml:"auth_token" toml:"auth_token"`
	Domain    string `yaml:"domain" toml:"domain"`
}

// TelemetryConfig holds configuration for OpenTelemetry.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint" toml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure" toml:"insecure"`
	Environment  string `yaml:"environment" toml:"environment"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" toml:"format" validate:"oneof=json text"`
}

// Default returns a configuration populated with the built-in defaults.
// Credentials are left empty.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddress: defaultListenAddress,
			AdminAddress:  defaultAdminAddress,
			MaxBodyBytes:  defaultMaxBodyBytes,
		},
		Identity: IdentityConfig{
			URL:     DefaultIdentityURL,
			Timeout: 15 * time.Second,
		},
		Prediction: PredictionConfig{
			URL:     DefaultPredictionURL,
			Timeout: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads configuration from a file (if path is non-empty), applies
// environment variable overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		//nolint:gosec // Config file path is controlled by the operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := decode(path, data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		return toml.Unmarshal(data, cfg)
	case ".yaml", ".yml", ".json", "":
		return yaml.Unmarshal(data, cfg)
	default:
		return fmt.Errorf("unsupported file extension %q (expected .yaml, .yml, .json or .toml)", ext)
	}
}

func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv(EnvAPIKey); val != "" {
		cfg.Identity.APIKey = val
	}
	if val := os.Getenv(EnvDeploymentID); val != "" {
		cfg.Prediction.DeploymentID = val
	}
	if val := os.Getenv(EnvNgrokAuthToken); val != "" {
		cfg.Tunnel.AuthToken = val
	}

	if val := os.Getenv("RELAY_LISTEN_ADDR"); val != "" {
		cfg.Server.ListenAddress = val
	}
	if val, ok := os.LookupEnv("RELAY_ADMIN_ADDR"); ok {
		cfg.Server.AdminAddress = val
	}
	if val := os.Getenv("RELAY_IDENTITY_URL"); val != "" {
		cfg.Identity.URL = val
	}
	if val := os.Getenv("RELAY_PREDICTION_URL"); val != "" {
		cfg.Prediction.URL = val
	}

	if val := os.Getenv("RELAY_OTLP_ENDPOINT"); val != "" {
		cfg.Telemetry.OTLPEndpoint = val
	}
	if val := os.Getenv("RELAY_OTLP_INSECURE"); val == "true" {
		cfg.Telemetry.Insecure = true
	}
	if val := os.Getenv("RELAY_ENVIRONMENT"); val != "" {
		cfg.Telemetry.Environment = val
	}

	if val := os.Getenv("RELAY_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
	if val := os.Getenv("RELAY_LOG_FORMAT"); val != "" {
		cfg.Logging.Format = val
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" || name == "" {
			return field.Name
		}
		return name
	})
	return v
}

// envHints names the environment variable that usually supplies a field.
var envHints = map[string]string{
	"identity.api_key": EnvAPIKey,
}

// Validate normalises and checks the configuration.
func (c *Config) Validate() error {
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Level == "warning" {
		c.Logging.Level = "warn"
	}
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if err := validate.Struct(c); err != nil {
		return formatValidationError(err)
	}

	if err := validateAddress("server.listen_address", c.Server.ListenAddress); err != nil {
		return err
	}
	if c.Server.AdminAddress != "" {
		if err := validateAddress("server.admin_address", c.Server.AdminAddress); err != nil {
			return err
		}
		if c.Server.AdminAddress == c.Server.ListenAddress {
			return fmt.Errorf("server.admin_address %q conflicts with server.listen_address", c.Server.AdminAddress)
		}
	}

	return nil
}

// ValidateTunnel checks the settings that only the tunnel variant needs.
func (c *Config) ValidateTunnel() error {
	if strings.TrimSpace(c.Tunnel.AuthToken) == "" {
		return fmt.Errorf("tunnel.auth_token is required (set %s)", EnvNgrokAuthToken)
	}
	return nil
}

func validateAddress(field, addr string) error {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("%s %q: %w", field, addr, err)
	}
	return nil
}

func formatValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		// Namespace is "Config.identity.api_key"; drop the root type.
		field := fe.Namespace()
		if idx := strings.Index(field, "."); idx >= 0 {
			field = field[idx+1:]
		}

		msg := fmt.Sprintf("%s failed %q", field, fe.Tag())
		switch fe.Tag() {
		case "required":
			msg = field + " is required"
			if env, ok := envHints[field]; ok {
				msg += fmt.Sprintf(" (set %s)", env)
			}
		case "oneof":
			msg = fmt.Sprintf("%s must be one of [%s], got %q", field, fe.Param(), fe.Value())
		case "url":
			msg = fmt.Sprintf("%s must be a valid URL, got %q", field, fe.Value())
		}
		msgs = append(msgs, msg)
	}

	return errors.New(strings.Join(msgs, "; "))
}
