package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Load reads configuration from a YAML file. Environment variable
// references in the file are expanded before parsing.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg AppConfig
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}

	for i := range cfg.Chains {
		chain := &cfg.Chains[i]
		if chain.Confirm.Depth == 0 {
			chain.Confirm.Depth = 12
		}
		if chain.Confirm.PollInterval == 0 {
			chain.Confirm.PollInterval = 3 * time.Second
		}
		if chain.Confirm.MaxWait == 0 {
			chain.Confirm.MaxWait = 10 * time.Minute
		}
		if chain.Deposit.Finality == 0 {
			chain.Deposit.Finality = chain.Confirm.Depth
		}
		if chain.Deposit.WindowSize == 0 {
			chain.Deposit.WindowSize = 200
		}
		if chain.Deposit.PollInterval == 0 {
			chain.Deposit.PollInterval = 5 * time.Second
		}
		// Reconciliation shares the deposit scope unless configured apart.
		if len(chain.Reconcile.Tokens) == 0 {
			chain.Reconcile.Tokens = chain.Deposit.Tokens
		}
		if len(chain.Reconcile.Watch) == 0 {
			chain.Reconcile.Watch = chain.Deposit.Watch
		}
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func validate(cfg *AppConfig) error {
	switch cfg.Custody.Provider {
	case "", "turnkey", "fireblocks":
	default:
		return fmt.Errorf("unknown custody provider %q", cfg.Custody.Provider)
	}
	for _, chain := range cfg.Chains {
		if chain.ChainID == "" {
			return fmt.Errorf("chain config missing id")
		}
		if len(chain.Providers) == 0 {
			return fmt.Errorf("chain %s has no providers", chain.ChainID)
		}
		for _, p := range chain.Providers {
			if p.URL == "" {
				return fmt.Errorf("chain %s provider %q missing url", chain.ChainID, p.Name)
			}
		}
	}
	return nil
}
