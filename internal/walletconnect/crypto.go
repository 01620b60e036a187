// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package walletconnect

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// envelope is the encrypted payload carried in bridge frames. All fields are
// hex-encoded. The MAC covers ciphertext followed by IV.
type envelope struct {
	Data string `json:"data"`
	HMAC string `json:"hmac"`
	IV   string `json:"iv"`
}

// payloadKeys holds the two subkeys derived from the session key: one for
// AES-256-CBC encryption, one for HMAC-SHA256 authentication. Deriving
// separate subkeys keeps the session key itself off the wire path.
type payloadKeys struct {
	enc [32]byte
	mac [32]byte
}

func deriveKeys(sessionKey []byte) (*payloadKeys, error) {
	if len(sessionKey) != 32 {
		return nil, fmt.Errorf("session key must be 32 bytes, got %d", len(sessionKey))
	}

	keys := &payloadKeys{}
	encReader := hkdf.New(sha256.New, sessionKey, nil, []byte("apcustody-bridge-enc"))
	if _, err := io.ReadFull(encReader, keys.enc[:]); err != nil {
		return nil, fmt.Errorf("failed to derive encryption key: %w", err)
	}
	macReader := hkdf.New(sha256.New, sessionKey, nil, []byte("apcustody-bridge-mac"))
	if _, err := io.ReadFull(macReader, keys.mac[:]); err != nil {
		return nil, fmt.Errorf("failed to derive mac key: %w", err)
	}
	return keys, nil
}

// seal encrypts plaintext into an envelope with a fresh random IV.
func (k *payloadKeys) seal(plaintext []byte) (*envelope, error) {
	block, err := aes.NewCipher(k.enc[:])
	if err != nil {
		return nil, err
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("failed to generate IV: %w", err)
	}

	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	mac := hmac.New(sha256.New, k.mac[:])
	mac.Write(ciphertext)
	mac.Write(iv)

	return &envelope{
		Data: hex.EncodeToString(ciphertext),
		HMAC: hex.EncodeToString(mac.Sum(nil)),
		IV:   hex.EncodeToString(iv),
	}, nil
}

// open authenticates and decrypts an envelope. The MAC is checked before any
// decryption happens.
func (k *payloadKeys) open(env *envelope) ([]byte, error) {
	ciphertext, err := hex.DecodeString(env.Data)
	if err != nil {
		return nil, fmt.Errorf("invalid ciphertext hex: %w", err)
	}
	iv, err := hex.DecodeString(env.IV)
	if err != nil {
		return nil, fmt.Errorf("invalid iv hex: %w", err)
	}
	wantMAC, err := hex.DecodeString(env.HMAC)
	if err != nil {
		return nil, fmt.Errorf("invalid hmac hex: %w", err)
	}

	mac := hmac.New(sha256.New, k.mac[:])
	mac.Write(ciphertext)
	mac.Write(iv)
	if !hmac.Equal(mac.Sum(nil), wantMAC) {
		return nil, fmt.Errorf("payload authentication failed")
	}

	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("iv must be %d bytes, got %d", aes.BlockSize, len(iv))
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("ciphertext length %d is not a multiple of the block size", len(ciphertext))
	}

	block, err := aes.NewCipher(k.enc[:])
	if err != nil {
		return nil, err
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	return pkcs7Unpad(plaintext, aes.BlockSize)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padding := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(padding)}, padding)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, fmt.Errorf("invalid padded length %d", len(data))
	}
	padding := int(data[len(data)-1])
	if padding == 0 || padding > blockSize {
		return nil, fmt.Errorf("invalid padding byte %d", padding)
	}
	for _, b := range data[len(data)-padding:] {
		if int(b) != padding {
			return nil, fmt.Errorf("inconsistent padding")
		}
	}
	return data[:len(data)-padding], nil
}

// newSessionKey generates a fresh 32-byte symmetric key for a pairing.
func newSessionKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate session key: %w", err)
	}
	return key, nil
}
