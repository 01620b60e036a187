// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

// Package keyringacct implements the account-provider contract over the OS
// credential manager. Key material is a locally generated ed25519 private
// key stored in the secret store; this is the simplest backend and the only
// one whose private keys exist on the host.
package keyringacct

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"strings"
	"time"

	sdkcrypto "github.com/algorand/go-algorand-sdk/v2/crypto"
	"github.com/algorand/go-algorand-sdk/v2/encoding/msgpack"
	"github.com/algorand/go-algorand-sdk/v2/types"

	"github.com/aplane-algo/apcustody/internal/custody"
	"github.com/aplane-algo/apcustody/internal/secretstore"
)

// accountKeyPrefix namespaces account entries within the shared secret-store
// service, keeping them apart from unrelated low-sensitivity secrets.
const accountKeyPrefix = "account:"

// Provider implements custody.AccountProvider over a secret store.
type Provider struct {
	store secretstore.Store
}

var _ custody.AccountProvider = (*Provider)(nil)

// NewProvider wraps a secret store handle. The store is shared process-wide;
// construct it once and inject it here.
func NewProvider(store secretstore.Store) *Provider {
	return &Provider{store: store}
}

func storeKey(name string) string { return accountKeyPrefix + name }

// loadAccount reads and decodes the private key for name. Returns
// (nil, nil) when the account does not exist.
func (p *Provider) loadAccount(name string) (*sdkcrypto.Account, error) {
	encoded, err := p.store.Get(storeKey(name))
	if errors.Is(err, secretstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, custody.E(custody.KindInvalid, "keyring.loadAccount",
			"the stored key is corrupt; delete and recreate the account", err)
	}
	account, err := sdkcrypto.AccountFromPrivateKey(ed25519.PrivateKey(raw))
	if err != nil {
		return nil, custody.E(custody.KindInvalid, "keyring.loadAccount",
			"the stored key is corrupt; delete and recreate the account", err)
	}
	return &account, nil
}

// CreateAccount generates a fresh ed25519 key and stores it under name.
// Idempotent: an existing entry is returned unchanged with IsNew=false.
func (p *Provider) CreateAccount(ctx context.Context, name string) (*custody.CreateResult, error) {
	if name == "" || strings.ContainsRune(name, ':') {
		return nil, custody.Errorf(custody.KindInvalid, "keyring.createAccount", "",
			"account name must be non-empty and must not contain ':'")
	}

	existing, err := p.loadAccount(name)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return &custody.CreateResult{
			AccountInfo: custody.AccountInfo{Name: name, Address: existing.Address.String()},
			IsNew:       false,
		}, nil
	}

	account := sdkcrypto.GenerateAccount()
	encoded := base64.StdEncoding.EncodeToString(account.PrivateKey)
	if err := p.store.Set(storeKey(name), encoded); err != nil {
		return nil, err
	}

	return &custody.CreateResult{
		AccountInfo: custody.AccountInfo{Name: name, Address: account.Address.String()},
		IsNew:       true,
	}, nil
}

// ListAccounts enumerates stored accounts. Entries that fail to decode are
// skipped; listing is best-effort.
func (p *Provider) ListAccounts(ctx context.Context) ([]custody.AccountInfo, error) {
	keys, err := p.store.FindKeys(accountKeyPrefix)
	if err != nil {
		return nil, err
	}

	var accounts []custody.AccountInfo
	for _, key := range keys {
		name := strings.TrimPrefix(key, accountKeyPrefix)
		account, err := p.loadAccount(name)
		if err != nil || account == nil {
			continue
		}
		accounts = append(accounts, custody.AccountInfo{Name: name, Address: account.Address.String()})
	}
	return accounts, nil
}

// GetAccount resolves one account by name; (nil, nil) when absent.
func (p *Provider) GetAccount(ctx context.Context, name string) (*custody.AccountInfo, error) {
	account, err := p.loadAccount(name)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, nil
	}
	return &custody.AccountInfo{Name: name, Address: account.Address.String()}, nil
}

// GetAccountWithSigner returns a signer that signs locally with the stored
// private key.
func (p *Provider) GetAccountWithSigner(ctx context.Context, name string) (*custody.AccountWithSigner, error) {
	account, err := p.loadAccount(name)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, custody.Errorf(custody.KindNotFound, "keyring.getAccountWithSigner",
			"create it with 'apcustody accounts create'", "account %q does not exist", name)
	}

	signerAddr := account.Address
	privateKey := account.PrivateKey

	signer := func(txGroup []types.Transaction, indexesToSign []int) ([][]byte, error) {
		signed := make([][]byte, 0, len(indexesToSign))
		for _, idx := range indexesToSign {
			if idx < 0 || idx >= len(txGroup) {
				return nil, custody.Errorf(custody.KindInvalid, "keyring.sign", "",
					"transaction index %d out of range for group of %d", idx, len(txGroup))
			}
			txn := txGroup[idx]

			toSign := append([]byte("TX"), msgpack.Encode(&txn)...)
			sig := ed25519.Sign(privateKey, toSign)

			stxn := types.SignedTxn{Txn: txn}
			copy(stxn.Sig[:], sig)
			if txn.Sender != signerAddr {
				stxn.AuthAddr = signerAddr
			}
			signed = append(signed, msgpack.Encode(&stxn))
		}
		return signed, nil
	}

	return &custody.AccountWithSigner{Address: account.Address.String(), Signer: signer}, nil
}

// DeleteAccount removes the stored key. Deleting a missing account is a
// no-op so cleanup stays idempotent.
func (p *Provider) DeleteAccount(ctx context.Context, name string) error {
	return p.store.Delete(storeKey(name))
}

// IsAvailable reports whether the credential service can be reached at all.
func (p *Provider) IsAvailable(ctx context.Context) bool {
	_, err := p.store.Has(storeKey("availability-probe-" + time.Now().Format("20060102")))
	return err == nil
}

// CanCreateAccounts always returns true; keys are generated locally.
func (p *Provider) CanCreateAccounts() bool { return true }
