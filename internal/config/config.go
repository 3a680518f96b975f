package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

const (
	DataSourcePostgres = "postgres"
	DataSourceSQLite   = "sqlite"
	DataSourceMemory   = "memory"
)

type Config struct {
	Port           string        `mapstructure:"PORT"`
	Env            string        `mapstructure:"ENV"`
	LogLevel       string        `mapstructure:"LOG_LEVEL"`
	DataSource     string        `mapstructure:"DATA_SOURCE"`
	DatabaseURL    string        `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32         `mapstructure:"DB_MIN_CONNS"`
	DBSchema       string        `mapstructure:"DB_SCHEMA"`
	SQLitePath     string        `mapstructure:"SQLITE_PATH"`
	CatalogFile    string        `mapstructure:"CATALOG_FILE"`
	CacheTTL       time.Duration `mapstructure:"TEMPLATE_CACHE_TTL"`
	FetchTimeout   time.Duration `mapstructure:"FETCH_TIMEOUT"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	BodyLimit      string        `mapstructure:"BODY_LIMIT"`
	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	DefaultTenant  string        `mapstructure:"DEFAULT_TENANT"`
	AuthSigningKey string        `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer     string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string        `mapstructure:"AUTH_AUDIENCE"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "DATA_SOURCE", "DATABASE_URL", "DB_MAX_CONNS",
	"DB_MIN_CONNS", "DB_SCHEMA", "SQLITE_PATH", "CATALOG_FILE", "TEMPLATE_CACHE_TTL",
	"FETCH_TIMEOUT", "REQUEST_TIMEOUT", "BODY_LIMIT", "CORS_ORIGINS", "DEFAULT_TENANT",
	"AUTH_SIGNING_KEY", "AUTH_ISSUER", "AUTH_AUDIENCE",
}

// Load reads .env (when present) and the environment. It does not validate;
// callers run Validate once they know which command needs what.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DATA_SOURCE", DataSourcePostgres)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("DB_SCHEMA", "public")
	v.SetDefault("SQLITE_PATH", "opsdash.db")
	v.SetDefault("TEMPLATE_CACHE_TTL", "5m")
	v.SetDefault("FETCH_TIMEOUT", "10s")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("DEFAULT_TENANT", "default")

	// Unmarshal only sees env vars that were bound explicitly.
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))
	cfg.DataSource = strings.ToLower(strings.TrimSpace(cfg.DataSource))
	return cfg, nil
}

func splitList(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ZerologLevel maps LOG_LEVEL onto zerolog, defaulting to info.
func (c *Config) ZerologLevel() zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

// Validate checks the settings the server needs before it starts.
func (c *Config) Validate() error {
	if _, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel)); err != nil {
		return fmt.Errorf("LOG_LEVEL %q is not a valid level", c.LogLevel)
	}

	switch c.DataSource {
	case DataSourcePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when DATA_SOURCE is %q", DataSourcePostgres)
		}
		if c.DBMinConns > c.DBMaxConns {
			return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
		}
	case DataSourceSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required when DATA_SOURCE is %q", DataSourceSQLite)
		}
	case DataSourceMemory:
	default:
		return fmt.Errorf("DATA_SOURCE must be %q, %q or %q, got %q",
			DataSourcePostgres, DataSourceSQLite, DataSourceMemory, c.DataSource)
	}

	if c.CacheTTL <= 0 {
		return fmt.Errorf("TEMPLATE_CACHE_TTL must be positive, got %s", c.CacheTTL)
	}
	if c.FetchTimeout <= 0 {
		return fmt.Errorf("FETCH_TIMEOUT must be positive, got %s", c.FetchTimeout)
	}

	if !c.IsDev() {
		if len(c.AuthSigningKey) < 32 {
			return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 bytes outside development (ENV=%q)", c.Env)
		}
	}
	return nil
}
