// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package main

import (
	"context"
	"fmt"

	"github.com/aplane-algo/apcustody/internal/pairingweb"
	"github.com/aplane-algo/apcustody/internal/util"
	"github.com/aplane-algo/apcustody/internal/walletconnect"
)

// cmdPair runs the full pairing flow: QR in the terminal, approval page in
// the browser, then waits for the phone.
func cmdPair(brand string, noBrowser bool) error {
	wallet, err := buildWallet(brand)
	if err != nil {
		return err
	}
	parsed, _ := walletconnect.ParseBrand(brand)

	request, err := wallet.RequestPairing(context.Background())
	if err != nil {
		return err
	}

	page, err := pairingweb.NewServer(pairingweb.PageContent{
		URI:          request.URI,
		QRDataURL:    request.QRDataURL,
		WalletName:   parsed.DisplayName(),
		Network:      config.Wallet.Network,
		Instructions: request.Instructions,
	}, walletconnect.PairingTimeout)
	if err != nil {
		util.Warn("pairing page unavailable, continuing with terminal QR only", "err", err)
	} else {
		defer func() { _ = page.Close() }()
		fmt.Printf("Approval page: %s\n", page.URL())
		if !noBrowser {
			page.OpenBrowser()
		}
	}

	fmt.Println()
	fmt.Println(request.QRAscii)
	fmt.Println(request.Instructions)
	fmt.Println()

	result := <-request.Approval

	switch result.Status {
	case walletconnect.PairingConnected:
		if page != nil {
			page.SignalConnected(result.Accounts)
		}
		fmt.Printf("Connected. %d account(s) approved:\n", len(result.Accounts))
		for i, address := range result.Accounts {
			fmt.Printf("  %s-%d  %s\n", parsed.ID(), i+1, address)
		}
		return nil

	case walletconnect.PairingRejected:
		if page != nil {
			page.SignalError(result.Reason)
		}
		return fmt.Errorf("pairing rejected: %s", result.Reason)

	default:
		return fmt.Errorf("pairing timed out after %s", walletconnect.PairingTimeout)
	}
}

func cmdDisconnect(brand string) error {
	wallet, err := buildWallet(brand)
	if err != nil {
		return err
	}
	if !wallet.HasSession() {
		fmt.Println("No active session.")
		return nil
	}
	if err := wallet.Disconnect(context.Background()); err != nil {
		return err
	}
	fmt.Println("Disconnected.")
	return nil
}
