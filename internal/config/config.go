package config

import (
	"encoding/hex"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ehr/anchor/internal/domain/anchor"
	"github.com/ehr/anchor/internal/platform/blockchain"
	"github.com/ehr/anchor/internal/platform/webhook"
)

type Config struct {
	Port          string `mapstructure:"PORT"`
	Env           string `mapstructure:"ENV"`
	DatabaseURL   string `mapstructure:"DATABASE_URL"`
	DBMaxConns    int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns    int32  `mapstructure:"DB_MIN_CONNS"`
	DBSchema      string `mapstructure:"DB_SCHEMA"`
	MigrationsDir string `mapstructure:"MIGRATIONS_DIR"`

	BlockchainNetworkURL     string        `mapstructure:"BLOCKCHAIN_NETWORK_URL"`
	BlockchainPrivateKey     string        `mapstructure:"BLOCKCHAIN_PRIVATE_KEY"`
	BlockchainMainnet        bool          `mapstructure:"BLOCKCHAIN_MAINNET"`
	BlockchainGasMargin      int           `mapstructure:"BLOCKCHAIN_GAS_MARGIN_PERCENT"`
	BlockchainRPCTimeout     time.Duration `mapstructure:"BLOCKCHAIN_RPC_TIMEOUT"`
	BlockchainConfirmTimeout time.Duration `mapstructure:"BLOCKCHAIN_CONFIRM_TIMEOUT"`
	SimulationFailureRate    float64       `mapstructure:"SIMULATION_FAILURE_RATE"`
	SimulationMinDelay       time.Duration `mapstructure:"SIMULATION_MIN_DELAY"`
	SimulationMaxDelay       time.Duration `mapstructure:"SIMULATION_MAX_DELAY"`

	WebhookURL           string        `mapstructure:"WEBHOOK_URL"`
	WebhookURLProduction string        `mapstructure:"WEBHOOK_URL_PRODUCTION"`
	WebhookURLStaging    string        `mapstructure:"WEBHOOK_URL_STAGING"`
	WebhookSecret        string        `mapstructure:"WEBHOOK_SECRET"`
	WebhookTimeout       time.Duration `mapstructure:"WEBHOOK_TIMEOUT"`

	AnchorInterval   time.Duration `mapstructure:"ANCHOR_INTERVAL"`
	AnchorBatchLimit int           `mapstructure:"ANCHOR_BATCH_LIMIT"`
	AnchorMaxRetries int           `mapstructure:"ANCHOR_MAX_RETRIES"`
	AnchorCooldown   time.Duration `mapstructure:"ANCHOR_COOLDOWN"`
	AnchorLogLimit   int           `mapstructure:"ANCHOR_LOG_LIMIT"`
	AnchorRunOnStart bool          `mapstructure:"ANCHOR_RUN_ON_START"`

	AdminJWTSecret string `mapstructure:"ADMIN_JWT_SECRET"`
}

var envKeys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "DB_SCHEMA", "MIGRATIONS_DIR",
	"BLOCKCHAIN_NETWORK_URL", "BLOCKCHAIN_PRIVATE_KEY", "BLOCKCHAIN_MAINNET",
	"BLOCKCHAIN_GAS_MARGIN_PERCENT", "BLOCKCHAIN_RPC_TIMEOUT", "BLOCKCHAIN_CONFIRM_TIMEOUT",
	"SIMULATION_FAILURE_RATE", "SIMULATION_MIN_DELAY", "SIMULATION_MAX_DELAY",
	"WEBHOOK_URL", "WEBHOOK_URL_PRODUCTION", "WEBHOOK_URL_STAGING", "WEBHOOK_SECRET", "WEBHOOK_TIMEOUT",
	"ANCHOR_INTERVAL", "ANCHOR_BATCH_LIMIT", "ANCHOR_MAX_RETRIES", "ANCHOR_COOLDOWN",
	"ANCHOR_LOG_LIMIT", "ANCHOR_RUN_ON_START",
	"ADMIN_JWT_SECRET",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("DB_SCHEMA", "public")
	v.SetDefault("MIGRATIONS_DIR", "")
	v.SetDefault("BLOCKCHAIN_MAINNET", false)
	v.SetDefault("BLOCKCHAIN_GAS_MARGIN_PERCENT", 20)
	v.SetDefault("BLOCKCHAIN_RPC_TIMEOUT", "30s")
	v.SetDefault("BLOCKCHAIN_CONFIRM_TIMEOUT", "2m")
	v.SetDefault("SIMULATION_FAILURE_RATE", 0.05)
	v.SetDefault("SIMULATION_MIN_DELAY", "500ms")
	v.SetDefault("SIMULATION_MAX_DELAY", "2s")
	v.SetDefault("WEBHOOK_TIMEOUT", "10s")
	v.SetDefault("ANCHOR_INTERVAL", "10m")
	v.SetDefault("ANCHOR_BATCH_LIMIT", 10)
	v.SetDefault("ANCHOR_MAX_RETRIES", 3)
	v.SetDefault("ANCHOR_COOLDOWN", "6h")
	v.SetDefault("ANCHOR_LOG_LIMIT", 1000)
	v.SetDefault("ANCHOR_RUN_ON_START", true)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.BlockchainPrivateKey = strings.TrimPrefix(strings.TrimSpace(cfg.BlockchainPrivateKey), "0x")

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.BlockchainPrivateKey == "" && cfg.IsProduction() {
		log.Println("WARNING: BLOCKCHAIN_PRIVATE_KEY is not set in production; anchors will be SIMULATED and are not authoritative.")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the worker is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// WebhookDestination resolves the callback URL for the current environment.
// An environment-specific URL wins over the generic WEBHOOK_URL.
func (c *Config) WebhookDestination() string {
	switch c.Env {
	case "production":
		if c.WebhookURLProduction != "" {
			return c.WebhookURLProduction
		}
	case "staging":
		if c.WebhookURLStaging != "" {
			return c.WebhookURLStaging
		}
	}
	return c.WebhookURL
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.BlockchainPrivateKey != "" {
		keyBytes, err := hex.DecodeString(c.BlockchainPrivateKey)
		if err != nil {
			return fmt.Errorf("BLOCKCHAIN_PRIVATE_KEY is not valid hex: %w", err)
		}
		if len(keyBytes) != 32 {
			return fmt.Errorf("BLOCKCHAIN_PRIVATE_KEY must be 32 bytes (64 hex chars), got %d bytes", len(keyBytes))
		}
	}
	if c.BlockchainGasMargin < 0 {
		return fmt.Errorf("BLOCKCHAIN_GAS_MARGIN_PERCENT must not be negative, got %d", c.BlockchainGasMargin)
	}
	if c.SimulationFailureRate < 0 || c.SimulationFailureRate > 1 {
		return fmt.Errorf("SIMULATION_FAILURE_RATE must be within [0,1], got %v", c.SimulationFailureRate)
	}
	if c.SimulationMinDelay < 0 || c.SimulationMinDelay > c.SimulationMaxDelay {
		return fmt.Errorf("SIMULATION_MIN_DELAY (%s) must be between 0 and SIMULATION_MAX_DELAY (%s)",
			c.SimulationMinDelay, c.SimulationMaxDelay)
	}

	if c.AnchorInterval <= 0 {
		return fmt.Errorf("ANCHOR_INTERVAL must be positive, got %s", c.AnchorInterval)
	}
	if c.AnchorBatchLimit <= 0 {
		return fmt.Errorf("ANCHOR_BATCH_LIMIT must be positive, got %d", c.AnchorBatchLimit)
	}
	if c.AnchorMaxRetries < 1 {
		return fmt.Errorf("ANCHOR_MAX_RETRIES must be at least 1, got %d", c.AnchorMaxRetries)
	}
	if c.AnchorLogLimit <= 0 {
		return fmt.Errorf("ANCHOR_LOG_LIMIT must be positive, got %d", c.AnchorLogLimit)
	}

	if !c.IsDev() && c.AdminJWTSecret == "" {
		return fmt.Errorf("ADMIN_JWT_SECRET is required outside development (ENV=%s)", c.Env)
	}

	return nil
}

// BlockchainConfig returns the submission client settings. The presence of a
// private key is what selects live submission over simulation.
func (c *Config) BlockchainConfig() blockchain.Config {
	return blockchain.Config{
		NetworkURL:            c.BlockchainNetworkURL,
		PrivateKey:            c.BlockchainPrivateKey,
		Mainnet:               c.BlockchainMainnet,
		GasMarginPercent:      c.BlockchainGasMargin,
		RPCTimeout:            c.BlockchainRPCTimeout,
		ConfirmTimeout:        c.BlockchainConfirmTimeout,
		SimulationFailureRate: c.SimulationFailureRate,
		SimulationMinDelay:    c.SimulationMinDelay,
		SimulationMaxDelay:    c.SimulationMaxDelay,
	}
}

// NotifierConfig returns the webhook settings for the current environment.
func (c *Config) NotifierConfig() webhook.Config {
	return webhook.Config{
		URL:         c.WebhookDestination(),
		Secret:      c.WebhookSecret,
		Environment: c.Env,
		Timeout:     c.WebhookTimeout,
	}
}

// RunnerConfig returns the batch runner settings. The per-row deadline covers
// a submission, its confirmation wait and one webhook delivery.
func (c *Config) RunnerConfig() anchor.RunnerConfig {
	return anchor.RunnerConfig{
		BatchLimit: c.AnchorBatchLimit,
		MaxRetries: c.AnchorMaxRetries,
		RowTimeout: c.BlockchainConfirmTimeout + 2*c.BlockchainRPCTimeout + c.WebhookTimeout,
	}
}
