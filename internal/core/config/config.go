package config

import (
	"github.com/stablr/paycore/internal/confirm"
	"github.com/stablr/paycore/internal/core/domain"
	"github.com/stablr/paycore/internal/deposit"
	redisclient "github.com/stablr/paycore/internal/infra/redis"
	"github.com/stablr/paycore/internal/infra/storage/postgres"
	"github.com/stablr/paycore/internal/reconcile"
	"github.com/stablr/paycore/internal/signer"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server   ServerConfig       `yaml:"server"`
	Logging  LoggingConfig      `yaml:"logging"`
	Database postgres.Config    `yaml:"database"`
	Redis    redisclient.Config `yaml:"redis"`
	Custody  CustodyConfig      `yaml:"custody"`
	Chains   []ChainConfig      `yaml:"chains"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// CustodyConfig selects and configures the custody signing provider.
type CustodyConfig struct {
	Provider   string                  `yaml:"provider"` // turnkey, fireblocks
	Turnkey    signer.TurnkeyConfig    `yaml:"turnkey"`
	Fireblocks signer.FireblocksConfig `yaml:"fireblocks"`
}

// ChainConfig holds settings for one blockchain.
type ChainConfig struct {
	ChainID   domain.ChainID   `yaml:"id"`
	Providers []ProviderConfig `yaml:"providers"`
	Confirm   confirm.Config   `yaml:"confirm"`
	Deposit   deposit.Config   `yaml:"deposit"`
	Reconcile reconcile.Config `yaml:"reconcile"`

	// ReconcileWindow is the block span covered by each periodic
	// reconciliation run. 0 disables the loop for this chain.
	ReconcileWindow uint64 `yaml:"reconcile_window"`
}

// ProviderConfig holds settings for an RPC provider. Lower priority wins;
// higher-priority endpoints serve as failover.
type ProviderConfig struct {
	Name     string `yaml:"name"`
	URL      string `yaml:"url"`
	Priority int    `yaml:"priority"`
}
