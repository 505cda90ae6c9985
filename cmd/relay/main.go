// Package main is the entry point for the insights relay binary.
//
// "relay serve" binds the relay locally. "relay tunnel" does the same and also
// publishes it through an ngrok tunnel.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/polisai/insights-relay/internal/governance"
	"github.com/polisai/insights-relay/internal/secrets"
	"github.com/polisai/insights-relay/internal/tunnel"
	"github.com/polisai/insights-relay/pkg/config"
	"github.com/polisai/insights-relay/pkg/identity"
	"github.com/polisai/insights-relay/pkg/logging"
	"github.com/polisai/insights-relay/pkg/relay"
	"github.com/polisai/insights-relay/pkg/telemetry"
)

const (
	defaultServiceName       = "insights-relay"
	defaultEnvFile           = ".env"
	telemetryShutdownTimeout = 5 * time.Second
	gracefulShutdownTimeout  = 10 * time.Second
)

// CLIConfig holds the parsed CLI configuration. AdminSet distinguishes an
// explicit empty --admin-listen from an absent flag.
type CLIConfig struct {
	ConfigPath  string
	EnvFile     string
	Listen      string
	AdminListen string
	AdminSet    bool
	LogLevel    string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd creates the root command for the relay
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "relay",
		Short: "Customer Insights prediction relay",
		Long: `Relays JSON prediction requests to the scoring service.

Each POST /predict exchanges IBM_CLOUD_API_KEY for a fresh bearer token and
forwards the payload unchanged to the configured prediction endpoint.

Example:
  relay serve --listen 0.0.0.0:5000
  NGROK_AUTH_TOKEN=... relay tunnel`,
		SilenceUsage: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "c", "", "Path to configuration file (YAML or TOML)")
	flags.String("env-file", defaultEnvFile, "Path to a dotenv file loaded before reading the environment")
	flags.StringP("listen", "l", "", "Address to listen on (overrides config)")
	flags.String("admin-listen", "", "Admin listen address for /healthz and /metrics; empty disables it")
	flags.String("log-level", "", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(newServeCmd(), newTunnelCmd())
	return rootCmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the relay on the local listener",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return execute(cmd, false)
		},
	}
}

func newTunnelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tunnel",
		Short: "Serve the relay locally and expose it through a public ngrok tunnel",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return execute(cmd, true)
		},
	}
}

func execute(cmd *cobra.Command, withTunnel bool) error {
	cli, err := parseCLIConfig(cmd)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}

	opts := runOptions{
		configPath:  cli.ConfigPath,
		levelPinned: cli.LogLevel != "",
		out:         cmd.OutOrStdout(),
	}
	if withTunnel {
		if err := cfg.ValidateTunnel(); err != nil {
			return err
		}
		opts.tunnelOpener = tunnel.NgrokOpener{AuthToken: cfg.Tunnel.AuthToken, Domain: cfg.Tunnel.Domain}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return run(ctx, cfg, opts)
}

// parseCLIConfig parses command line flags and returns a CLIConfig
func parseCLIConfig(cmd *cobra.Command) (*CLIConfig, error) {
	flags := cmd.Flags()

	configPath, err := flags.GetString("config")
	if err != nil {
		return nil, fmt.Errorf("failed to get config flag: %w", err)
	}
	envFile, err := flags.GetString("env-file")
	if err != nil {
		return nil, fmt.Errorf("failed to get env-file flag: %w", err)
	}
	listen, err := flags.GetString("listen")
	if err != nil {
		return nil, fmt.Errorf("failed to get listen flag: %w", err)
	}
	adminListen, err := flags.GetString("admin-listen")
	if err != nil {
		return nil, fmt.Errorf("failed to get admin-listen flag: %w", err)
	}
	logLevel, err := flags.GetString("log-level")
	if err != nil {
		return nil, fmt.Errorf("failed to get log-level flag: %w", err)
	}

	return &CLIConfig{
		ConfigPath:  configPath,
		EnvFile:     envFile,
		Listen:      listen,
		AdminListen: adminListen,
		AdminSet:    flags.Changed("admin-listen"),
		LogLevel:    logLevel,
	}, nil
}

// loadConfig loads the dotenv file, the optional config file and the
// environment, then applies flag overrides.
func loadConfig(cli *CLIConfig) (*config.Config, error) {
	if cli.EnvFile != "" {
		if err := godotenv.Load(cli.EnvFile); err != nil {
			// A missing default .env is normal; an explicitly named one is not.
			if !errors.Is(err, fs.ErrNotExist) || cli.EnvFile != defaultEnvFile {
				return nil, fmt.Errorf("failed to load env file %s: %w", cli.EnvFile, err)
			}
		}
	}

	cfg, err := config.Load(cli.ConfigPath)
	if err != nil {
		return nil, err
	}

	if cli.Listen != "" {
		cfg.Server.ListenAddress = cli.Listen
	}
	if cli.AdminSet {
		cfg.Server.AdminAddress = cli.AdminListen
	}
	if cli.LogLevel != "" {
		cfg.Logging.Level = cli.LogLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// runOptions carries process wiring that is not part of the configuration.
// levelPinned stops config reloads from overriding a --log-level flag. ready,
// when set, receives the bound addresses once serving starts.
type runOptions struct {
	configPath   string
	levelPinned  bool
	out          io.Writer
	logOutput    io.Writer
	tunnelOpener tunnel.Opener
	ready        chan<- readyInfo
}

type readyInfo struct {
	Addr      net.Addr
	AdminAddr net.Addr
	PublicURL string
}

// run orchestrates the application lifecycle until ctx is cancelled or a
// listener fails.
func run(ctx context.Context, cfg *config.Config, opts runOptions) error {
	logger, levelVar := logging.NewLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: opts.logOutput,
	})
	slog.SetDefault(logger)

	logger.Info("starting insights relay",
		"identity_url", cfg.Identity.URL,
		"prediction_url", cfg.Prediction.URL,
		"deployment_id", cfg.Prediction.DeploymentID,
		"tunnel", opts.tunnelOpener != nil,
	)
	if cfg.Prediction.DeploymentID != "" {
		logger.Debug("deployment_id is informational; the prediction URL is fixed by configuration")
	}

	telemetryCfg := telemetry.Config{
		ServiceName: defaultServiceName,
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Environment: cfg.Telemetry.Environment,
	}
	telemetryShutdown, err := telemetry.SetupProvider(ctx, telemetryCfg)
	if err != nil {
		return fmt.Errorf("telemetry initialization failed: %w", err)
	}
	defer shutdownTelemetry(telemetryShutdown, logger)

	metrics := relay.NewMetrics()

	meterShutdown, err := telemetry.SetupMeterProvider(ctx, telemetryCfg, metrics.Registry())
	if err != nil {
		return fmt.Errorf("metrics initialization failed: %w", err)
	}
	defer shutdownTelemetry(meterShutdown, logger)

	if opts.configPath != "" {
		watcher, err := config.NewWatcher(opts.configPath, logger)
		if err != nil {
			logger.Warn("config hot reload disabled", "path", opts.configPath, "error", err)
		} else {
			defer func() { _ = watcher.Close() }()
			go applyReloads(ctx, watcher.Subscribe(), watcher.SubscribeFailures(), levelVar, opts.levelPinned, metrics, logger)
		}
	}

	timeouts := governance.NewTimeoutManager(governance.TimeoutConfig{
		Identity:   cfg.Identity.Timeout,
		Prediction: cfg.Prediction.Timeout,
	})
	handler := buildHandler(cfg, timeouts, metrics, logger)

	srv := relay.NewServer(relay.Chain(handler, metrics, logger), relay.ServerOptions{
		Name:         "relay",
		Logger:       logger,
		WriteTimeout: relay.WriteTimeoutFor(timeouts),
	})

	var ready readyInfo

	// The tunnel is opened before the server starts and closed after the
	// server has drained. Deferred calls run in reverse order.
	var tun *tunnel.Tunnel
	if opts.tunnelOpener != nil {
		tun, err = tunnel.Open(ctx, opts.tunnelOpener, logger)
		if err != nil {
			return fmt.Errorf("tunnel setup failed: %w", err)
		}
		defer func() { _ = tun.Close() }()
		ready.PublicURL = tun.URL()
	}
	defer shutdownServer(srv, logger)

	addr, err := srv.Listen(cfg.Server.ListenAddress)
	if err != nil {
		return err
	}
	ready.Addr = addr
	if tun != nil {
		srv.Serve(tun)
	}

	var adminSrv *relay.Server
	if cfg.Server.AdminAddress != "" {
		adminSrv = relay.NewServer(relay.NewAdminHandler(metrics), relay.ServerOptions{
			Name:   "admin",
			Logger: logger,
		})
		adminAddr, err := adminSrv.Listen(cfg.Server.AdminAddress)
		if err != nil {
			return err
		}
		ready.AdminAddr = adminAddr
		defer shutdownServer(adminSrv, logger)
	}

	if ready.PublicURL != "" && opts.out != nil {
		_, _ = fmt.Fprintf(opts.out, "Public URL: %s\n", ready.PublicURL)
	}
	if opts.ready != nil {
		opts.ready <- ready
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down", "reason", context.Cause(ctx))
		return nil
	case err := <-srv.Errors():
		return err
	case err := <-adminErrors(adminSrv):
		return err
	}
}

func buildHandler(cfg *config.Config, timeouts *governance.TimeoutManager, metrics *relay.Metrics, logger *slog.Logger) *relay.Handler {
	httpClient := &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	redactor := secrets.NewRedactor(cfg.Identity.APIKey, cfg.Tunnel.AuthToken)

	return relay.NewHandler(relay.HandlerConfig{
		Tokens: identity.NewClient(identity.Options{
			URL:        cfg.Identity.URL,
			APIKey:     cfg.Identity.APIKey,
			HTTPClient: httpClient,
			Timeouts:   timeouts,
			Redactor:   redactor,
			Logger:     logger,
		}),
		Predictor: relay.NewPredictor(relay.PredictorOptions{
			URL:        cfg.Prediction.URL,
			HTTPClient: httpClient,
			Timeouts:   timeouts,
			Redactor:   redactor,
			Logger:     logger,
		}),
		Redactor:     redactor,
		Metrics:      metrics,
		Logger:       logger,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
	})
}

// applyReloads pushes hot-reloadable settings into the running process.
// Only the log level is reloadable; credentials and endpoints need a restart.
func applyReloads(ctx context.Context, updates <-chan *config.Config, failures <-chan error, levelVar *slog.LevelVar, levelPinned bool, metrics *relay.Metrics, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-failures:
			metrics.RecordConfigReload("failure")
		case cfg := <-updates:
			metrics.RecordConfigReload("success")
			if levelPinned {
				continue
			}
			level, err := logging.ParseLevel(cfg.Logging.Level)
			if err != nil {
				logger.Warn("ignoring reloaded log level", "level", cfg.Logging.Level, "error", err)
				continue
			}
			if level != levelVar.Level() {
				levelVar.Set(level)
				logger.Info("log level changed", "level", level.String())
			}
		}
	}
}

func adminErrors(srv *relay.Server) <-chan error {
	if srv == nil {
		return nil
	}
	return srv.Errors()
}

func shutdownServer(srv *relay.Server, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
}

func shutdownTelemetry(shutdown func(context.Context) error, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		logger.Error("telemetry shutdown error", "error", err)
	}
}
