// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package vaultengine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/algorand/go-algorand-sdk/v2/encoding/msgpack"
	"github.com/algorand/go-algorand-sdk/v2/types"

	"github.com/aplane-algo/apcustody/internal/custody"
	"github.com/aplane-algo/apcustody/internal/util"
)

// Provider implements the account-provider contract on top of a transit
// Client. Accounts are (name, derived address); signing delegates to Vault.
type Provider struct {
	client *Client
}

var _ custody.AccountProvider = (*Provider)(nil)

// NewProvider wraps an existing client. The client is shared process-wide;
// construct it once and inject it here.
func NewProvider(client *Client) *Provider {
	return &Provider{client: client}
}

// CreateAccount creates the transit key and metadata record for name.
// Idempotent: key and metadata are checked independently because either may
// exist without the other after a partial prior failure. IsNew reports
// whether the key itself was created by this call.
func (p *Provider) CreateAccount(ctx context.Context, name string) (*custody.CreateResult, error) {
	if name == "" {
		return nil, custody.Errorf(custody.KindInvalid, "vault.createAccount", "",
			"account name must not be empty")
	}

	meta, err := p.client.GetAccountMetadata(ctx, name)
	if err != nil {
		return nil, err
	}

	pub, err := p.client.GetPublicKey(ctx, name)
	isNew := false
	switch {
	case err == nil:
		// Key already exists; reuse it.
	case custody.IsKind(err, custody.KindNotFound):
		if err := p.client.CreateKey(ctx, name); err != nil {
			return nil, err
		}
		isNew = true
		pub, err = p.client.GetPublicKey(ctx, name)
		if err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	address, err := custody.DeriveAddress(pub)
	if err != nil {
		return nil, err
	}

	if meta == nil {
		err := p.client.PutAccountMetadata(ctx, AccountMetadata{
			Name:      name,
			Address:   address,
			CreatedAt: time.Now().UTC(),
		})
		if err != nil {
			return nil, err
		}
	}

	return &custody.CreateResult{
		AccountInfo: custody.AccountInfo{Name: name, Address: address},
		IsNew:       isNew,
	}, nil
}

// ListAccounts enumerates account names from metadata and resolves each to
// its current address. Accounts whose key cannot be read are skipped;
// listing is best-effort, not all-or-nothing.
func (p *Provider) ListAccounts(ctx context.Context) ([]custody.AccountInfo, error) {
	names, err := p.client.ListAccountNames(ctx)
	if err != nil {
		return nil, err
	}

	var accounts []custody.AccountInfo
	for _, name := range names {
		pub, err := p.client.GetPublicKey(ctx, name)
		if err != nil {
			util.Debug("skipping account with unreadable key", "name", name, "err", err)
			continue
		}
		address, err := custody.DeriveAddress(pub)
		if err != nil {
			util.Debug("skipping account with invalid public key", "name", name, "err", err)
			continue
		}
		accounts = append(accounts, custody.AccountInfo{Name: name, Address: address})
	}
	return accounts, nil
}

// GetAccount resolves one account by name. Unlike ListAccounts, resolution
// failures for an existing key surface as errors; a missing key is (nil, nil).
func (p *Provider) GetAccount(ctx context.Context, name string) (*custody.AccountInfo, error) {
	pub, err := p.client.GetPublicKey(ctx, name)
	if custody.IsKind(err, custody.KindNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	address, err := custody.DeriveAddress(pub)
	if err != nil {
		return nil, err
	}
	return &custody.AccountInfo{Name: name, Address: address}, nil
}

// GetAccountWithSigner resolves the address once and returns a signer that
// sends each requested transaction's canonical signable bytes to Vault.
func (p *Provider) GetAccountWithSigner(ctx context.Context, name string) (*custody.AccountWithSigner, error) {
	account, err := p.GetAccount(ctx, name)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, custody.Errorf(custody.KindNotFound, "vault.getAccountWithSigner",
			"create it with 'apcustody accounts create'", "account %q does not exist", name)
	}

	signerAddr, err := types.DecodeAddress(account.Address)
	if err != nil {
		return nil, custody.E(custody.KindInvalid, "vault.getAccountWithSigner", "", err)
	}

	signer := func(txGroup []types.Transaction, indexesToSign []int) ([][]byte, error) {
		signed := make([][]byte, 0, len(indexesToSign))
		for _, idx := range indexesToSign {
			if idx < 0 || idx >= len(txGroup) {
				return nil, custody.Errorf(custody.KindInvalid, "vault.sign", "",
					"transaction index %d out of range for group of %d", idx, len(txGroup))
			}
			txn := txGroup[idx]

			// Canonical signable form: "TX" prefix over the msgpack encoding.
			toSign := append([]byte("TX"), msgpack.Encode(&txn)...)
			sig, err := p.client.Sign(ctx, name, toSign)
			if err != nil {
				return nil, err
			}

			stxn := types.SignedTxn{Txn: txn}
			copy(stxn.Sig[:], sig)
			if txn.Sender != signerAddr {
				stxn.AuthAddr = signerAddr
			}
			signed = append(signed, msgpack.Encode(&stxn))
		}
		return signed, nil
	}

	return &custody.AccountWithSigner{Address: account.Address, Signer: signer}, nil
}

// DeleteAccount removes the transit key and the metadata record. Both steps
// are attempted regardless of individual failures so cleanup stays
// retryable; a partial failure comes back as a joined error the caller
// should surface as a warning rather than a fatal condition.
func (p *Provider) DeleteAccount(ctx context.Context, name string) error {
	var keyErr, metaErr error

	if err := p.client.DeleteKey(ctx, name); err != nil && !custody.IsKind(err, custody.KindNotFound) {
		keyErr = fmt.Errorf("delete transit key: %w", err)
	}
	if err := p.client.DeleteAccountMetadata(ctx, name); err != nil {
		metaErr = fmt.Errorf("delete account metadata: %w", err)
	}

	return errors.Join(keyErr, metaErr)
}

// IsAvailable reports whether Vault is initialized and unsealed.
func (p *Provider) IsAvailable(ctx context.Context) bool {
	return p.client.IsAvailable(ctx)
}

// CanCreateAccounts always returns true; Vault mints keys on demand.
func (p *Provider) CanCreateAccounts() bool { return true }
