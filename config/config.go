package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
)

const (
	AppName       = "iselftoken"
	EnvFileName   = "config.env"
	StoreFileName = "session.db"
)

type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

// preset is the per-environment API configuration.
type preset struct {
	APIURL        string
	Timeout       time.Duration
	EnableLogging bool
}

var presets = map[Environment]preset{
	Development: {APIURL: "http://localhost:3000/api", Timeout: 10 * time.Second, EnableLogging: true},
	Staging:     {APIURL: "https://staging-api.iselftoken.com/api", Timeout: 8 * time.Second, EnableLogging: true},
	Production:  {APIURL: "https://api.iselftoken.com/api", Timeout: 6 * time.Second, EnableLogging: false},
}

// Config is the client configuration. The API fields start from the
// environment preset and any variable that is set overrides them.
type Config struct {
	Env           Environment   `env:"ISELF_ENV"`
	APIURL        string        `env:"ISELF_API_URL,overwrite"`
	APITimeout    time.Duration `env:"ISELF_API_TIMEOUT,overwrite"`
	EnableLogging bool          `env:"ISELF_ENABLE_LOGGING,overwrite"`

	// StorePath is the encrypted session database. Defaults to a file in
	// the user config directory.
	StorePath string `env:"ISELF_STORE_PATH"`
	// StoreKey is the passphrase the store encryption key is derived from.
	StoreKey string `env:"ISELF_STORE_KEY"`

	MaxRetries     int           `env:"ISELF_MAX_RETRIES,default=3"`
	RetryBaseDelay time.Duration `env:"ISELF_RETRY_BASE_DELAY,default=1s"`
	ExpiryMargin   time.Duration `env:"ISELF_EXPIRY_MARGIN,default=5m"`
	Tracing        bool          `env:"ISELF_TRACING,default=false"`
	LogLevel       string        `env:"ISELF_LOG_LEVEL,default=info"`
}

// LoadEnvFile loads environment variables from the config file in the user's
// config directory. Errors are ignored since the file may not exist.
func LoadEnvFile() {
	configBase, err := os.UserConfigDir()
	if err != nil {
		return
	}
	configPath := filepath.Join(configBase, AppName, EnvFileName)
	_ = godotenv.Load(configPath)
}

// Load returns a Config populated from the process environment.
func Load(ctx context.Context) (Config, error) {
	return LoadWith(ctx, envconfig.OsLookuper())
}

// LoadWith returns a Config populated from l.
func LoadWith(ctx context.Context, l envconfig.Lookuper) (Config, error) {
	env := Development
	if v, ok := l.Lookup("ISELF_ENV"); ok && strings.TrimSpace(v) != "" {
		env = Environment(strings.ToLower(strings.TrimSpace(v)))
	}
	p, ok := presets[env]
	if !ok {
		return Config{}, fmt.Errorf("unknown environment %q", env)
	}

	cfg := Config{
		APIURL:        p.APIURL,
		APITimeout:    p.Timeout,
		EnableLogging: p.EnableLogging,
	}
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &cfg, Lookuper: l}); err != nil {
		return Config{}, err
	}
	cfg.Env = env

	if cfg.StorePath == "" {
		configBase, err := os.UserConfigDir()
		if err != nil {
			return Config{}, fmt.Errorf("no store path set and no user config dir: %w", err)
		}
		cfg.StorePath = filepath.Join(configBase, AppName, StoreFileName)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.APIURL == "" {
		return fmt.Errorf("ISELF_API_URL must not be empty")
	}
	if c.APITimeout <= 0 {
		return fmt.Errorf("ISELF_API_TIMEOUT must be positive, got %s", c.APITimeout)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("ISELF_MAX_RETRIES must not be negative, got %d", c.MaxRetries)
	}
	if c.RetryBaseDelay <= 0 {
		return fmt.Errorf("ISELF_RETRY_BASE_DELAY must be positive, got %s", c.RetryBaseDelay)
	}
	if c.ExpiryMargin < 0 {
		return fmt.Errorf("ISELF_EXPIRY_MARGIN must not be negative, got %s", c.ExpiryMargin)
	}
	return nil
}
