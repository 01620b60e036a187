// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package walletconnect

import (
	"context"

	"github.com/aplane-algo/apcustody/internal/custody"
)

// WalletProvider adapts a paired Wallet to the AccountProvider surface.
// Accounts are the addresses the wallet user approved, named
// "<brand>-<position>"; keys stay on the phone, so account creation is
// unsupported.
type WalletProvider struct {
	wallet Wallet
}

var _ custody.AccountProvider = (*WalletProvider)(nil)

func NewWalletProvider(wallet Wallet) *WalletProvider {
	return &WalletProvider{wallet: wallet}
}

func (p *WalletProvider) ListAccounts(ctx context.Context) ([]custody.AccountInfo, error) {
	addresses := p.wallet.Accounts()
	accounts := make([]custody.AccountInfo, 0, len(addresses))
	for i, address := range addresses {
		accounts = append(accounts, custody.AccountInfo{
			Name:    p.wallet.Brand().accountName(i),
			Address: address,
		})
	}
	return accounts, nil
}

func (p *WalletProvider) CreateAccount(ctx context.Context, name string) (*custody.CreateResult, error) {
	return nil, custody.Errorf(custody.KindUnsupported, "wallet.create",
		"create the account in the wallet app, then re-pair", "wallet accounts are created on the phone")
}

func (p *WalletProvider) GetAccount(ctx context.Context, name string) (*custody.AccountInfo, error) {
	accounts, err := p.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}
	for i := range accounts {
		if accounts[i].Name == name || accounts[i].Address == name {
			return &accounts[i], nil
		}
	}
	return nil, nil
}

func (p *WalletProvider) GetAccountWithSigner(ctx context.Context, name string) (*custody.AccountWithSigner, error) {
	account, err := p.GetAccount(ctx, name)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, custody.Errorf(custody.KindNotFound, "wallet.get",
			"pair the wallet and check the account name", "account %q not found", name)
	}
	return &custody.AccountWithSigner{
		Address: account.Address,
		Signer:  p.wallet.CreateSigner(account.Address),
	}, nil
}

func (p *WalletProvider) IsAvailable(ctx context.Context) bool {
	return p.wallet.HasSession()
}

func (p *WalletProvider) CanCreateAccounts() bool { return false }
