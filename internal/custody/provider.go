// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

// Package custody defines the account-provider contract shared by all key
// custody backends (Vault Transit, OS keyring, mobile wallet), the error
// taxonomy for that contract, and Algorand address derivation.
//
// A provider exposes accounts as (name, address) pairs and hands out signers
// bound to one account. The transaction-composition layer consumes only this
// contract; it never sees backend-specific types.
package custody

import (
	"context"

	"github.com/algorand/go-algorand-sdk/v2/types"
)

// AccountInfo identifies one account. Address is always derived from the
// account's current public key, never stored independently of it.
type AccountInfo struct {
	Name    string
	Address string
}

// TransactionSigner produces one signed-transaction blob (msgpack-encoded
// SignedTxn) per requested index within the group. Indexes the caller did
// not request are not signed and not returned.
type TransactionSigner func(txGroup []types.Transaction, indexesToSign []int) ([][]byte, error)

// AccountWithSigner binds a signer to a single account.
type AccountWithSigner struct {
	Address string
	Signer  TransactionSigner
}

// CreateResult reports the outcome of CreateAccount. IsNew is false when the
// account already existed and was reused.
type CreateResult struct {
	AccountInfo
	IsNew bool
}

// AccountProvider is the uniform contract implemented by every custody
// backend. Implementations must be safe for concurrent use across different
// accounts; see each backend for its pairing/session serialization rules.
type AccountProvider interface {
	// ListAccounts enumerates known accounts. Listing is best-effort:
	// accounts whose key cannot be resolved are omitted, not fatal.
	ListAccounts(ctx context.Context) ([]AccountInfo, error)

	// CreateAccount mints a new account under the given name. Idempotent:
	// creating over an existing account returns it with IsNew=false.
	// Backends that cannot mint keys fail with KindUnsupported.
	CreateAccount(ctx context.Context, name string) (*CreateResult, error)

	// GetAccount resolves one account by name. Returns (nil, nil) when the
	// account does not exist; unlike ListAccounts, resolution failures for
	// an existing account surface as errors.
	GetAccount(ctx context.Context, name string) (*AccountInfo, error)

	// GetAccountWithSigner resolves the account and returns a signer bound
	// to it.
	GetAccountWithSigner(ctx context.Context, name string) (*AccountWithSigner, error)

	// IsAvailable reports whether the backend can currently serve requests.
	IsAvailable(ctx context.Context) bool

	// CanCreateAccounts reports whether CreateAccount can succeed at all on
	// this backend.
	CanCreateAccounts() bool
}
