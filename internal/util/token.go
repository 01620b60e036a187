// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package util

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

// TokenLength is the number of random bytes in a token (32 bytes = 256 bits)
const TokenLength = 32

// GenerateToken generates a cryptographically secure random token.
// The pairing web server uses one of these as its entire access control, so
// it must be unguessable and scoped to a single server instance.
func GenerateToken() (string, error) {
	bytes := make([]byte, TokenLength)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate random token: %w", err)
	}
	return hex.EncodeToString(bytes), nil
}

// ValidateToken compares two tokens in constant time to prevent timing attacks
func ValidateToken(provided, expected string) bool {
	if provided == "" || expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) == 1
}
