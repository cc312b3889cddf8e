package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port              string        `mapstructure:"PORT"`
	Env               string        `mapstructure:"ENV"`
	DatabaseURL       string        `mapstructure:"DATABASE_URL"`
	DBMaxConns        int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns        int32         `mapstructure:"DB_MIN_CONNS"`
	JWTSecret         string        `mapstructure:"JWT_SECRET"`
	JWTTTL            time.Duration `mapstructure:"JWT_TTL"`
	CORSOrigins       []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS      float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst    int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout    time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	BillStore         string        `mapstructure:"BILL_STORE"`
	MongoURL          string        `mapstructure:"MONGO_URL"`
	MongoDatabase     string        `mapstructure:"MONGO_DATABASE"`
	SequenceBackend   string        `mapstructure:"SEQUENCE_BACKEND"`
	RedisURL          string        `mapstructure:"REDIS_URL"`
	BillCreateRetries int           `mapstructure:"BILL_CREATE_RETRIES"`
	Timezone          string        `mapstructure:"TIMEZONE"`
}

// Store and sequence backends.
const (
	StorePostgres = "postgres"
	StoreMongo    = "mongo"

	SequenceStore = "store"
	SequenceRedis = "redis"
)

// minSecretLen is the shortest HS256 secret accepted outside development.
const minSecretLen = 32

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"JWT_SECRET", "JWT_TTL", "CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"REQUEST_TIMEOUT", "BILL_STORE", "MONGO_URL", "MONGO_DATABASE",
	"SEQUENCE_BACKEND", "REDIS_URL", "BILL_CREATE_RETRIES", "TIMEZONE",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("JWT_TTL", "24h")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("BILL_STORE", StorePostgres)
	v.SetDefault("MONGO_DATABASE", "clinic")
	v.SetDefault("SEQUENCE_BACKEND", SequenceStore)
	v.SetDefault("BILL_CREATE_RETRIES", 3)
	v.SetDefault("TIMEZONE", "Local")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) <= 1 {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Location resolves TIMEZONE; it defines the calendar day used to reuse
// unpaid bills and the year-month of bill numbers.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" || c.Timezone == "Local" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Timezone)
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if !c.IsDev() && len(c.JWTSecret) < minSecretLen {
		return fmt.Errorf("JWT_SECRET must be at least %d bytes outside development, got %d", minSecretLen, len(c.JWTSecret))
	}
	if c.JWTTTL <= 0 {
		return fmt.Errorf("JWT_TTL must be positive, got %s", c.JWTTTL)
	}

	switch c.BillStore {
	case StorePostgres:
	case StoreMongo:
		if c.MongoURL == "" {
			return fmt.Errorf("MONGO_URL is required when BILL_STORE is %q", StoreMongo)
		}
	default:
		return fmt.Errorf("BILL_STORE must be %q or %q, got %q", StorePostgres, StoreMongo, c.BillStore)
	}

	switch c.SequenceBackend {
	case SequenceStore:
	case SequenceRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when SEQUENCE_BACKEND is %q", SequenceRedis)
		}
	default:
		return fmt.Errorf("SEQUENCE_BACKEND must be %q or %q, got %q", SequenceStore, SequenceRedis, c.SequenceBackend)
	}

	if c.BillCreateRetries < 1 {
		return fmt.Errorf("BILL_CREATE_RETRIES must be at least 1, got %d", c.BillCreateRetries)
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("invalid TIMEZONE %q: %w", c.Timezone, err)
	}
	return nil
}
