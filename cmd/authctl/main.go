package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/lithammer/dedent"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/iselftoken/authclient/config"
	"github.com/iselftoken/authclient/internal/api"
	"github.com/iselftoken/authclient/internal/metrics"
	"github.com/iselftoken/authclient/internal/securestore"
	"github.com/iselftoken/authclient/internal/session"
	"github.com/iselftoken/authclient/internal/tokenstore"
	"github.com/iselftoken/authclient/internal/verification"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// app is everything a command needs, built once per invocation.
type app struct {
	cfg      config.Config
	db       *securestore.SQLiteStore
	tokens   *tokenstore.Store
	client   *api.Client
	manager  *session.Manager
	verifier *verification.Verifier
	registry *prometheus.Registry
}

func newApp(ctx context.Context) (*app, error) {
	config.LoadEnvFile()
	cfg, err := config.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid ISELF_LOG_LEVEL %q: %w", cfg.LogLevel, err)
	}
	if cfg.EnableLogging && level > zerolog.DebugLevel {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.StoreKey == "" {
		return nil, fmt.Errorf("ISELF_STORE_KEY is not set")
	}
	key, err := securestore.DeriveKey(cfg.StoreKey)
	if err != nil {
		return nil, fmt.Errorf("failed to derive store key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.StorePath), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	db, err := securestore.NewSQLiteStore(cfg.StorePath, key)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	log.Debug().Str("storePath", cfg.StorePath).Str("env", string(cfg.Env)).Msg("store opened")

	registry := prometheus.NewRegistry()
	m, err := metrics.New(registry)
	if err != nil {
		db.Close()
		return nil, err
	}

	tokens := tokenstore.New(db, tokenstore.WithExpiryMargin(cfg.ExpiryMargin))
	client := api.NewClient(tokens, api.ClientOpts{
		BaseURL:       cfg.APIURL,
		Timeout:       cfg.APITimeout,
		EnableLogging: cfg.EnableLogging,
		Tracing:       cfg.Tracing,
		MaxRetries:    retriesOpt(cfg.MaxRetries),
		BaseDelay:     cfg.RetryBaseDelay,
		Metrics:       m,
	})
	manager := session.NewManager(client, tokens, m)
	client.OnForcedLogout(manager.HandleForcedLogout)
	client.OnTokensRefreshed(manager.HandleTokensRefreshed)
	manager.Initialize(ctx)

	return &app{
		cfg:      cfg,
		db:       db,
		tokens:   tokens,
		client:   client,
		manager:  manager,
		verifier: verification.New(db),
		registry: registry,
	}, nil
}

// retriesOpt maps the configured count onto api.ClientOpts, where zero
// means the default.
func retriesOpt(n int) int {
	if n == 0 {
		return -1
	}
	return n
}

func (a *app) Close() error {
	return a.db.Close()
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "authctl",
		Short: "Drive an iSelfToken session from the command line",
		Long: dedent.Dedent(`
			authctl runs the client session manager against an iSelfToken API.

			The session is kept in an encrypted database (ISELF_STORE_PATH) keyed
			by ISELF_STORE_KEY, so it survives between invocations. Configuration
			is read from the environment and from config.env in the user config
			directory; ISELF_ENV selects the development, staging or production
			preset.
		`),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(
		newLoginCommand(),
		newRegisterCommand(),
		newLogoutCommand(),
		newStatusCommand(),
		newRevalidateCommand(),
		newRefreshCommand(),
		newProfileCommand(),
		newForgotPasswordCommand(),
		newResetPasswordCommand(),
		newVerifyEmailCommand(),
		newCodeCommand(),
		newWatchCommand(),
	)
	return cmd
}

// withApp adapts fn into a cobra RunE that builds and closes the app.
func withApp(fn func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(ctx, a, cmd, args)
	}
}
