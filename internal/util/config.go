// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package util

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// VaultConfig holds connection settings for the Vault Transit secrets engine.
type VaultConfig struct {
	URL           string `yaml:"url" description:"Vault server URL" default:"http://localhost:8200"`
	Token         string `yaml:"token" description:"Vault token (VAULT_TOKEN env var takes precedence)"`
	KeyPrefix     string `yaml:"key_prefix" description:"Prefix for transit key names" default:"apcustody-"`
	TransitMount  string `yaml:"transit_mount" description:"Transit engine mount path" default:"transit"`
	MetadataMount string `yaml:"metadata_mount" description:"KV v2 mount path for account metadata" default:"apcustody-kv"`
}

// WalletConfig holds settings for the mobile-wallet pairing backend.
type WalletConfig struct {
	Network    string `yaml:"network" description:"Algorand network (mainnet, testnet, betanet)" default:"testnet"`
	SessionDir string `yaml:"session_dir" description:"Directory for pairing session files (relative to data dir)" default:"sessions"`
	AppName    string `yaml:"app_name" description:"Application name shown in the wallet approval prompt" default:"apcustody"`
	AppURL     string `yaml:"app_url" description:"Application URL shown in the wallet approval prompt" default:"https://aplane.algo"`
	BridgeURL  string `yaml:"bridge_url" description:"Bridge relay override (empty = resolve per wallet brand)"`
}

// Config holds apcustody configuration settings
type Config struct {
	Backend string       `yaml:"backend" description:"Default custody backend (vault, keyring, wallet)" default:"keyring"`
	Vault   VaultConfig  `yaml:"vault" description:"Vault Transit settings"`
	Wallet  WalletConfig `yaml:"wallet" description:"Mobile wallet settings"`
}

// DefaultConfig returns the default configuration for runtime use.
// The Vault token is intentionally empty - it must come from config, the
// VAULT_TOKEN environment variable, or an interactive prompt.
func DefaultConfig() Config {
	return Config{
		Backend: "keyring",
		Vault: VaultConfig{
			URL:           "http://localhost:8200",
			KeyPrefix:     "apcustody-",
			TransitMount:  "transit",
			MetadataMount: "apcustody-kv",
		},
		Wallet: WalletConfig{
			Network:    "testnet",
			SessionDir: "sessions",
			AppName:    "apcustody",
			AppURL:     "https://aplane.algo",
		},
	}
}

// DefaultDataDir is the default data directory for apcustody
const DefaultDataDir = "~/.apcustody"

// GetDataDir returns the data directory for apcustody.
// Resolution order: -d flag > APCUSTODY_DATA env var > ~/.apcustody
func GetDataDir(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if envDir := os.Getenv("APCUSTODY_DATA"); envDir != "" {
		return envDir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "" // Can't determine default
	}
	return filepath.Join(home, ".apcustody")
}

// GetConfigPath returns the path to the config file in the data directory.
// Returns empty string if dataDir is empty.
func GetConfigPath(dataDir string) string {
	if dataDir == "" {
		return ""
	}
	return filepath.Join(dataDir, "config.yaml")
}

// LoadConfig loads configuration from config.yaml in the data directory.
// If dataDir is empty or the file doesn't exist, returns default config.
// The wallet session dir is resolved relative to the data directory.
func LoadConfig(dataDir string) (Config, error) {
	config := DefaultConfig()

	path := GetConfigPath(dataDir)
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, &config); err != nil {
				return config, fmt.Errorf("invalid config file %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return config, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	if err := config.Validate(); err != nil {
		return config, err
	}

	// Resolve relative session dir against the data directory
	if dataDir != "" && !filepath.IsAbs(config.Wallet.SessionDir) {
		config.Wallet.SessionDir = filepath.Join(dataDir, config.Wallet.SessionDir)
	}

	return config, nil
}

// Validate checks config invariants that would otherwise surface as obscure
// backend failures later.
func (c *Config) Validate() error {
	switch c.Backend {
	case "vault", "keyring", "wallet":
	default:
		return fmt.Errorf("invalid backend %q (must be vault, keyring, or wallet)", c.Backend)
	}

	switch c.Wallet.Network {
	case "mainnet", "testnet", "betanet":
	default:
		return fmt.Errorf("invalid network %q (must be mainnet, testnet, or betanet)", c.Wallet.Network)
	}

	if c.Vault.URL != "" && !strings.HasPrefix(c.Vault.URL, "http://") && !strings.HasPrefix(c.Vault.URL, "https://") {
		return fmt.Errorf("vault url must start with http:// or https://, got %q", c.Vault.URL)
	}

	return nil
}

// GenesisID returns the Algorand genesis identifier for the configured
// network, used as the chain identifier in pairing sessions.
func (w *WalletConfig) GenesisID() string {
	switch w.Network {
	case "mainnet":
		return "mainnet-v1.0"
	case "betanet":
		return "betanet-v1.0"
	default:
		return "testnet-v1.0"
	}
}
