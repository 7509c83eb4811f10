package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port            string   `mapstructure:"PORT"`
	Env             string   `mapstructure:"ENV"`
	DatabaseURL     string   `mapstructure:"DATABASE_URL"`
	DBMaxConns      int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns      int32    `mapstructure:"DB_MIN_CONNS"`
	MLLPListenAddr  string   `mapstructure:"MLLP_LISTEN_ADDR"`
	MLLPEndpoint    string   `mapstructure:"MLLP_ENDPOINT_CODE"`
	WorkerCount     int      `mapstructure:"WORKER_COUNT"`
	SweepInterval   int      `mapstructure:"SWEEP_INTERVAL_SECONDS"`
	SweepBatchSize  int      `mapstructure:"SWEEP_BATCH_SIZE"`
	DispatchTimeout int      `mapstructure:"DISPATCH_TIMEOUT_SECONDS"`
	JWTSigningKey   string   `mapstructure:"JWT_SIGNING_KEY"`
	CORSOrigins     []string `mapstructure:"CORS_ORIGINS"`
	EscalationGroup string   `mapstructure:"ESCALATION_GROUP"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8100")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("MLLP_LISTEN_ADDR", "")
	v.SetDefault("WORKER_COUNT", 4)
	v.SetDefault("SWEEP_INTERVAL_SECONDS", 30)
	v.SetDefault("SWEEP_BATCH_SIZE", 50)
	v.SetDefault("DISPATCH_TIMEOUT_SECONDS", 30)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("ESCALATION_GROUP", "interface-review")

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("MLLP_LISTEN_ADDR")
	v.BindEnv("MLLP_ENDPOINT_CODE")
	v.BindEnv("WORKER_COUNT")
	v.BindEnv("SWEEP_INTERVAL_SECONDS")
	v.BindEnv("SWEEP_BATCH_SIZE")
	v.BindEnv("DISPATCH_TIMEOUT_SECONDS")
	v.BindEnv("JWT_SIGNING_KEY")
	v.BindEnv("CORS_ORIGINS")
	v.BindEnv("ESCALATION_GROUP")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
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

// SweepEvery returns the scheduler sweep interval as a duration.
func (c *Config) SweepEvery() time.Duration {
	return time.Duration(c.SweepInterval) * time.Second
}

// DispatchDeadline returns the per-dispatch network timeout as a duration.
func (c *Config) DispatchDeadline() time.Duration {
	return time.Duration(c.DispatchTimeout) * time.Second
}

// Validate checks that the configuration is safe to run. Worker and sweep
// settings must be positive, and in production a JWT signing key is required
// so the operational API is never exposed unauthenticated.
func (c *Config) Validate() error {
	if c.WorkerCount <= 0 {
		return fmt.Errorf("WORKER_COUNT must be positive, got %d", c.WorkerCount)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL_SECONDS must be positive, got %d", c.SweepInterval)
	}
	if c.SweepBatchSize <= 0 {
		return fmt.Errorf("SWEEP_BATCH_SIZE must be positive, got %d", c.SweepBatchSize)
	}
	if c.DispatchTimeout <= 0 {
		return fmt.Errorf("DISPATCH_TIMEOUT_SECONDS must be positive, got %d", c.DispatchTimeout)
	}
	if c.MLLPListenAddr != "" && c.MLLPEndpoint == "" {
		return fmt.Errorf("MLLP_ENDPOINT_CODE is required when MLLP_LISTEN_ADDR is set")
	}
	if c.IsProduction() && c.JWTSigningKey == "" {
		return fmt.Errorf("JWT_SIGNING_KEY is required in production")
	}
	return nil
}
