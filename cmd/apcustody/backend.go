// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/aplane-algo/apcustody/internal/custody"
	"github.com/aplane-algo/apcustody/internal/keyringacct"
	"github.com/aplane-algo/apcustody/internal/secretstore"
	"github.com/aplane-algo/apcustody/internal/util"
	"github.com/aplane-algo/apcustody/internal/vaultengine"
	"github.com/aplane-algo/apcustody/internal/walletconnect"
)

// buildProvider constructs the configured custody backend.
func buildProvider(brand string) (custody.AccountProvider, error) {
	switch config.Backend {
	case "vault":
		client, err := buildVaultClient()
		if err != nil {
			return nil, err
		}
		return vaultengine.NewProvider(client), nil

	case "keyring":
		store, err := secretstore.Open()
		if err != nil {
			return nil, err
		}
		return keyringacct.NewProvider(store), nil

	case "wallet":
		wallet, err := buildWallet(brand)
		if err != nil {
			return nil, err
		}
		return walletconnect.NewWalletProvider(wallet), nil

	default:
		return nil, fmt.Errorf("unknown backend %q", config.Backend)
	}
}

// buildDeleter returns the backend's deletion surface. The wallet backend
// has none: its accounts live on the phone.
func buildDeleter(brand string) (accountDeleter, error) {
	switch config.Backend {
	case "vault":
		client, err := buildVaultClient()
		if err != nil {
			return nil, err
		}
		return vaultengine.NewProvider(client), nil
	case "keyring":
		store, err := secretstore.Open()
		if err != nil {
			return nil, err
		}
		return keyringacct.NewProvider(store), nil
	case "wallet":
		return nil, fmt.Errorf("the wallet backend cannot delete accounts; remove them in the wallet app")
	default:
		return nil, fmt.Errorf("unknown backend %q", config.Backend)
	}
}

// buildVaultClient resolves the Vault token (config, VAULT_TOKEN env var,
// then an interactive hidden prompt) and connects.
func buildVaultClient() (*vaultengine.Client, error) {
	cfg := config.Vault
	if cfg.Token == "" {
		cfg.Token = os.Getenv("VAULT_TOKEN")
	}
	if cfg.Token == "" {
		token, err := promptVaultToken()
		if err != nil {
			return nil, err
		}
		cfg.Token = token
	}
	return vaultengine.NewClient(cfg)
}

func promptVaultToken() (string, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return "", fmt.Errorf("no Vault token: set vault.token in config.yaml or the VAULT_TOKEN env var")
	}
	fmt.Fprint(os.Stderr, "Vault token: ")
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read token: %w", err)
	}
	token := strings.TrimSpace(string(raw))
	if token == "" {
		return "", fmt.Errorf("empty Vault token")
	}
	return token, nil
}

func buildWallet(brand string) (walletconnect.Wallet, error) {
	parsed, err := walletconnect.ParseBrand(brand)
	if err != nil {
		return nil, err
	}
	wallet := walletconnect.NewWallet(parsed)
	if err := wallet.Initialize(config.Wallet); err != nil {
		return nil, err
	}
	return wallet, nil
}

// printBackendDetails adds backend-specific lines to the status output.
func printBackendDetails(provider custody.AccountProvider) {
	ctx := context.Background()

	switch config.Backend {
	case "vault":
		fmt.Printf("Vault URL:      %s\n", config.Vault.URL)
		client, err := buildVaultClient()
		if err != nil {
			return
		}
		if name, ttl, err := client.LookupToken(ctx); err == nil {
			fmt.Printf("Vault token:    %s (ttl %s)\n", name, ttl)
		}
	case "wallet":
		fmt.Printf("Network:        %s\n", config.Wallet.Network)
		if provider.IsAvailable(ctx) {
			accounts, err := provider.ListAccounts(ctx)
			if err == nil {
				fmt.Printf("Paired accounts: %d\n", len(accounts))
				for _, account := range accounts {
					fmt.Printf("  %-10s %s\n", account.Name, util.FormatAddressShort(account.Address))
				}
			}
		} else {
			fmt.Println("Paired:         no (run apcustody pair)")
		}
	}
}
