package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	Port      string `env:"PORT" envDefault:"8080"`
	Env       string `env:"ENV"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	DBAdapter string `env:"DB_ADAPTER" envDefault:"postgres"`

	SQLiteFile    string `env:"SQLITE_FILE" envDefault:"./data/streamauth.db"`
	MigrationsDir string `env:"MIGRATIONS_DIR" envDefault:"./migrations"`
	// PostgreSQL connection settings
	PostgresDSN      string `env:"POSTGRES_DSN"`
	PostgresHost     string `env:"DB_HOST" envDefault:"localhost"`
	PostgresPort     string `env:"DB_PORT" envDefault:"5432"`
	PostgresUser     string `env:"DB_USER" envDefault:"streamauth"`
	PostgresPassword string `env:"DB_PASSWORD"`
	PostgresDB       string `env:"DB_NAME" envDefault:"streamauth"`
	PostgresSSLMode  string `env:"DB_SSLMODE" envDefault:"disable"`

	AccessSecret  string        `env:"ACCESS_TOKEN_SECRET"`
	RefreshSecret string        `env:"REFRESH_TOKEN_SECRET"`
	AccessTTL     time.Duration `env:"ACCESS_TOKEN_TTL" envDefault:"15m"`
	RefreshTTL    time.Duration `env:"REFRESH_TOKEN_TTL" envDefault:"168h"`
	BcryptCost    int           `env:"BCRYPT_COST" envDefault:"12"`

	GoogleClientID     string        `env:"GOOGLE_CLIENT_ID"`
	GoogleClientSecret string        `env:"GOOGLE_CLIENT_SECRET"`
	ClientURL          string        `env:"CLIENT_URL" envDefault:"http://localhost:3000"`
	GoogleCallbackURL  string        `env:"GOOGLE_CALLBACK_URL"`
	OAuthStateTTL      time.Duration `env:"OAUTH_STATE_TTL" envDefault:"5m"`
	OAuthHTTPTimeout   time.Duration `env:"OAUTH_HTTP_TIMEOUT" envDefault:"10s"`

	// RedisURL switches revocation and OAuth state to Redis when set.
	RedisURL      string        `env:"REDIS_URL"`
	SweepInterval time.Duration `env:"SWEEP_INTERVAL" envDefault:"1m"`

	APIKey             string   `env:"API_KEY"`
	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envSeparator:","`
	RateLimitPerMinute int      `env:"RATE_LIMIT_PER_MINUTE" envDefault:"120"`
}

// Production reports whether ENV names a production deployment.
func (c *Config) Production() bool {
	e := strings.ToLower(c.Env)
	return e == "production" || e == "prod"
}

// OAuthEnabled reports whether Google login is configured.
func (c *Config) OAuthEnabled() bool {
	return c.GoogleClientID != "" && c.GoogleClientSecret != ""
}

// BuildPostgresDSN constructs a PostgreSQL DSN from individual components or returns the provided DSN
func (c *Config) BuildPostgresDSN() (string, error) {
	// If DSN is provided directly, use it
	if c.PostgresDSN != "" {
		return c.PostgresDSN, nil
	}

	if c.PostgresHost == "" {
		return "", errors.New("DB_HOST or POSTGRES_DSN must be set")
	}
	if c.PostgresUser == "" {
		return "", errors.New("DB_USER must be set")
	}
	if c.PostgresDB == "" {
		return "", errors.New("DB_NAME must be set")
	}

	port := c.PostgresPort
	if port == "" {
		port = "5432"
	}
	sslMode := c.PostgresSSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	dsn := fmt.Sprintf("host=%s port=%s user=%s dbname=%s sslmode=%s",
		c.PostgresHost, port, c.PostgresUser, c.PostgresDB, sslMode)
	if c.PostgresPassword != "" {
		dsn += " password=" + c.PostgresPassword
	}
	return dsn, nil
}

func loadDotEnv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

// New loads an optional .env file from the working directory and then parses
// the process environment.
func New() (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}
	return Parse()
}

// Parse reads the configuration from the process environment only.
func Parse() (*Config, error) {
	c := &Config{}
	if err := env.Parse(c); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := c.validateDatabase(); err != nil {
		return nil, err
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// NewDatabase is New for tools that only touch the database; token and
// OAuth settings are not checked.
func NewDatabase() (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}
	c := &Config{}
	if err := env.Parse(c); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := c.validateDatabase(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) validateDatabase() error {
	switch c.DBAdapter {
	case "postgres":
		dsn, err := c.BuildPostgresDSN()
		if err != nil {
			return fmt.Errorf("postgres configuration error: %w", err)
		}
		c.PostgresDSN = dsn
	case "sqlite":
		if c.SQLiteFile == "" {
			return errors.New("SQLITE_FILE must be set when DB_ADAPTER=sqlite")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown DB_ADAPTER %q (supported: postgres, sqlite, memory)", c.DBAdapter)
	}
	return nil
}

func (c *Config) validate() error {
	if _, err := strconv.Atoi(c.Port); err != nil {
		return fmt.Errorf("invalid PORT: %s", c.Port)
	}
	if c.AccessSecret == "" || c.RefreshSecret == "" {
		return errors.New("ACCESS_TOKEN_SECRET and REFRESH_TOKEN_SECRET must be set")
	}
	if c.AccessSecret == c.RefreshSecret {
		return errors.New("ACCESS_TOKEN_SECRET and REFRESH_TOKEN_SECRET must differ")
	}
	if c.Production() && (len(c.AccessSecret) < 32 || len(c.RefreshSecret) < 32) {
		return errors.New("token secrets must be at least 32 bytes in production")
	}
	if c.AccessTTL <= 0 || c.RefreshTTL <= 0 || c.OAuthStateTTL <= 0 {
		return errors.New("token and state lifetimes must be positive")
	}

	if c.GoogleCallbackURL == "" {
		c.GoogleCallbackURL = strings.TrimRight(c.ClientURL, "/") + "/auth"
	}
	if c.RateLimitPerMinute < 0 {
		return fmt.Errorf("invalid RATE_LIMIT_PER_MINUTE: %d", c.RateLimitPerMinute)
	}
	return nil
}
