// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/aplane-algo/apcustody/internal/util"
	"github.com/aplane-algo/apcustody/internal/version"
)

// Global config for commands that need it
var config util.Config

func main() {
	// Handle early-exit flags before any other processing
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" {
			fmt.Printf("apcustody %s\n", version.String())
			os.Exit(0)
		}
	}

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "apcustody - Algorand account custody across Vault, OS keyring, and mobile wallets\n\n")
		fmt.Fprintf(os.Stderr, "Usage:\n")
		fmt.Fprintf(os.Stderr, "  apcustody [options] accounts list\n")
		fmt.Fprintf(os.Stderr, "  apcustody [options] accounts create <name>\n")
		fmt.Fprintf(os.Stderr, "  apcustody [options] accounts delete <name>\n")
		fmt.Fprintf(os.Stderr, "  apcustody [options] pair [--no-browser]\n")
		fmt.Fprintf(os.Stderr, "  apcustody [options] disconnect\n")
		fmt.Fprintf(os.Stderr, "  apcustody [options] status\n")
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		fmt.Fprintf(os.Stderr, "  -d path              Data directory (or set APCUSTODY_DATA env var)\n")
		fmt.Fprintf(os.Stderr, "  -backend name        Custody backend: vault, keyring, or wallet\n")
		fmt.Fprintf(os.Stderr, "  -wallet brand        Wallet brand for the wallet backend: pera or defly\n")
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  apcustody -backend vault accounts create treasury\n")
		fmt.Fprintf(os.Stderr, "  apcustody -backend keyring accounts list\n")
		fmt.Fprintf(os.Stderr, "  apcustody -backend wallet -wallet pera pair\n")
		fmt.Fprintf(os.Stderr, "  apcustody -backend wallet disconnect\n")
		fmt.Fprintf(os.Stderr, "  apcustody status\n")
	}

	dataDir := flag.String("d", "", "Data directory (or set APCUSTODY_DATA)")
	backend := flag.String("backend", "", "Custody backend (vault, keyring, wallet)")
	brand := flag.String("wallet", "pera", "Wallet brand (pera, defly)")
	flag.Parse()

	resolvedDataDir := util.GetDataDir(*dataDir)

	var err error
	config, err = util.LoadConfig(resolvedDataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *backend != "" {
		config.Backend = *backend
		if err := config.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}

	args := flag.Args()
	if len(args) < 1 {
		flag.Usage()
		os.Exit(1)
	}

	command := args[0]

	switch command {
	case "accounts":
		if len(args) < 2 {
			fmt.Fprintf(os.Stderr, "Usage: apcustody accounts <list|create|delete> [name]\n")
			os.Exit(1)
		}
		switch args[1] {
		case "list":
			if err := cmdAccountsList(*brand); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
		case "create":
			if len(args) < 3 {
				fmt.Fprintf(os.Stderr, "Usage: apcustody accounts create <name>\n")
				os.Exit(1)
			}
			if err := cmdAccountsCreate(*brand, args[2]); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
		case "delete":
			if len(args) < 3 {
				fmt.Fprintf(os.Stderr, "Usage: apcustody accounts delete <name>\n")
				os.Exit(1)
			}
			if err := cmdAccountsDelete(*brand, args[2]); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
		default:
			fmt.Fprintf(os.Stderr, "Unknown accounts command: %s\n", args[1])
			os.Exit(1)
		}

	case "pair":
		noBrowser := len(args) > 1 && args[1] == "--no-browser"
		if err := cmdPair(*brand, noBrowser); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

	case "disconnect":
		if err := cmdDisconnect(*brand); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

	case "status":
		if err := cmdStatus(*brand); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		flag.Usage()
		os.Exit(1)
	}
}

func cmdAccountsList(brand string) error {
	provider, err := buildProvider(brand)
	if err != nil {
		return err
	}

	accounts, err := provider.ListAccounts(context.Background())
	if err != nil {
		return err
	}
	if len(accounts) == 0 {
		fmt.Println("No accounts.")
		return nil
	}

	for _, account := range accounts {
		fmt.Printf("%-20s %s\n", account.Name, account.Address)
	}
	return nil
}

func cmdAccountsCreate(brand, name string) error {
	provider, err := buildProvider(brand)
	if err != nil {
		return err
	}
	if !provider.CanCreateAccounts() {
		return fmt.Errorf("the %s backend cannot create accounts", config.Backend)
	}

	result, err := provider.CreateAccount(context.Background(), name)
	if err != nil {
		return err
	}
	if result.IsNew {
		fmt.Printf("Created account %s\n", result.Name)
	} else {
		fmt.Printf("Account %s already exists\n", result.Name)
	}
	fmt.Printf("Address: %s\n", result.Address)
	return nil
}

func cmdAccountsDelete(brand, name string) error {
	deleter, err := buildDeleter(brand)
	if err != nil {
		return err
	}

	if err := deleter.DeleteAccount(context.Background(), name); err != nil {
		return err
	}
	fmt.Printf("Deleted account %s\n", name)
	return nil
}

// accountDeleter is the optional deletion surface; the wallet backend does
// not implement it.
type accountDeleter interface {
	DeleteAccount(ctx context.Context, name string) error
}

func cmdStatus(brand string) error {
	fmt.Printf("Data directory: %s\n", util.GetDataDir(""))
	fmt.Printf("Backend:        %s\n", config.Backend)

	provider, err := buildProvider(brand)
	if err != nil {
		return err
	}

	if provider.IsAvailable(context.Background()) {
		fmt.Println("Availability:   ok")
	} else {
		fmt.Println("Availability:   unavailable")
	}

	printBackendDetails(provider)
	return nil
}
