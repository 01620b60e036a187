// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package custody

import (
	"fmt"

	"filippo.io/edwards25519"
	"github.com/algorand/go-algorand-sdk/v2/types"
)

// DeriveAddress converts a raw ed25519 public key into its Algorand address
// (base32 of pubkey plus 4-byte SHA-512/256 checksum). This derivation
// determines account identity and is the same for every backend.
//
// The key must be exactly 32 bytes and decode as a canonical edwards25519
// point; anything else fails with KindInvalid. Backends that hand us public
// keys over the wire (Vault, wallet approvals) go through this check before
// an address is ever shown to the user.
func DeriveAddress(pub []byte) (string, error) {
	if len(pub) != 32 {
		return "", Errorf(KindInvalid, "custody.deriveAddress", "",
			"public key must be 32 bytes, got %d", len(pub))
	}
	if _, err := new(edwards25519.Point).SetBytes(pub); err != nil {
		return "", E(KindInvalid, "custody.deriveAddress", "",
			fmt.Errorf("public key is not a canonical curve point: %w", err))
	}

	var addr types.Address
	copy(addr[:], pub)
	return addr.String(), nil
}

// ParseAddress validates an Algorand address string and returns its raw
// public key bytes. Fails with KindInvalid on malformed input.
func ParseAddress(addr string) ([]byte, error) {
	decoded, err := types.DecodeAddress(addr)
	if err != nil {
		return nil, E(KindInvalid, "custody.parseAddress",
			"check the address for typos; Algorand addresses are 58 base32 characters", err)
	}
	return decoded[:], nil
}
