package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// SeedConfig models the subset of values we need from seed.json.
type SeedConfig struct {
	Marketplace string `json:"marketplace"`
	Chain       struct {
		ChainID   int64  `json:"chainId"`
		RPCURL    string `json:"rpcUrl"`
		BlockTime int    `json:"blockTime"`
	} `json:"chain"`
	Secrets struct {
		SessionSecret      string `json:"sessionSecret"`
		ChainWebhookSecret string `json:"chainWebhookSecret"`
		IdempotencyKeySalt string `json:"idempotencyKeySalt"`
	} `json:"secrets"`
	Limits struct {
		MaxMilestones   int    `json:"maxMilestones"`
		MinMilestoneWei string `json:"minMilestoneWei"`
		MaxContractWei  string `json:"maxContractWei"`
	} `json:"limits"`
	Retry struct {
		MaxAttempts       int `json:"maxAttempts"`
		InitialBackoffMs  int `json:"initialBackoffMs"`
		MaxBackoffMs      int `json:"maxBackoffMs"`
		BackoffMultiplier int `json:"backoffMultiplier"`
	} `json:"retry"`
	Timeouts struct {
		RPCTimeoutMs          int `json:"rpcTimeoutMs"`
		ConfirmPollMs         int `json:"confirmPollMs"`
		IdempotencyWindowSecs int `json:"idempotencyWindowSeconds"`
	} `json:"timeouts"`
}

// DeploymentConfig represents deployments.json.
type DeploymentConfig struct {
	ChainID   int64  `json:"chainId"`
	Deployer  string `json:"deployer"`
	Contracts struct {
		EngagementFactory string `json:"EngagementFactory"`
	} `json:"contracts"`
}

// AppConfig ties together seed + deployment info and derived values.
type AppConfig struct {
	Seed       SeedConfig
	Deployment DeploymentConfig
	Service    ServiceConfig
	Chain      ChainConfig
	Database   DatabaseConfig
	Retry      RetryConfig
}

type ServiceConfig struct {
	HTTPPort             int
	LogLevel             string
	HMACClockSkew        time.Duration
	IdempotencyWindow    time.Duration
	IdempotencyStorePath string
	DLQPath              string
	SessionTTL           time.Duration
}

type ChainConfig struct {
	RPCURL     string
	PrivateKey string
}

type DatabaseConfig struct {
	DSN string
}

type RetryConfig struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier int
}

const (
	defaultSeedPath        = "seed.json"
	defaultDeploymentsPath = "deployments.json"
)

// Load aggregates configuration from disk and environment.
func Load() (*AppConfig, error) {
	seedPath := envOr("SEED_PATH", defaultSeedPath)
	deploymentsPath := envOr("DEPLOYMENTS_PATH", defaultDeploymentsPath)

	seedCfg, err := loadSeed(seedPath)
	if err != nil {
		return nil, fmt.Errorf("load seed: %w", err)
	}

	deployCfg, err := loadDeployments(deploymentsPath)
	if err != nil {
		return nil, fmt.Errorf("load deployments: %w", err)
	}

	serviceCfg := ServiceConfig{
		HTTPPort:             envOrInt("API_HTTP_PORT", 3000),
		LogLevel:             envOr("LOG_LEVEL", "info"),
		HMACClockSkew:        time.Duration(envOrInt("HMAC_CLOCK_SKEW_SECONDS", 60)) * time.Second,
		IdempotencyWindow:    time.Duration(seedCfg.Timeouts.IdempotencyWindowSecs) * time.Second,
		IdempotencyStorePath: envOr("IDEMPOTENCY_STORE_PATH", filepath.Join(os.TempDir(), "workrails-idem.json")),
		DLQPath:              envOr("DLQ_PATH", filepath.Join(os.TempDir(), "workrails-dlq")),
		SessionTTL:           time.Duration(envOrInt("SESSION_TTL_SECONDS", 86400)) * time.Second,
	}

	chainCfg := ChainConfig{
		RPCURL:     envOr("CHAIN_RPC_URL", seedCfg.Chain.RPCURL),
		PrivateKey: envOr("CHAIN_PRIVATE_KEY", ""),
	}

	dbCfg := DatabaseConfig{
		DSN: envOr("DATABASE_DSN", ""),
	}

	retryCfg := RetryConfig{
		MaxAttempts:       seedCfg.Retry.MaxAttempts,
		InitialBackoff:    time.Duration(seedCfg.Retry.InitialBackoffMs) * time.Millisecond,
		MaxBackoff:        time.Duration(seedCfg.Retry.MaxBackoffMs) * time.Millisecond,
		BackoffMultiplier: seedCfg.Retry.BackoffMultiplier,
	}

	return &AppConfig{
		Seed:       *seedCfg,
		Deployment: *deployCfg,
		Service:    serviceCfg,
		Chain:      chainCfg,
		Database:   dbCfg,
		Retry:      retryCfg,
	}, nil
}

func loadSeed(path string) (*SeedConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg SeedConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadDeployments(path string) (*DeploymentConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg DeploymentConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		var parsed int
		if _, err := fmt.Sscanf(val, "%d", &parsed); err == nil {
			return parsed
		}
	}
	return fallback
}
