// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package walletconnect

import (
	"bytes"
	"encoding/hex"
	"testing"
)

func testKeys(t *testing.T) *payloadKeys {
	t.Helper()
	key, err := newSessionKey()
	if err != nil {
		t.Fatal(err)
	}
	keys, err := deriveKeys(key)
	if err != nil {
		t.Fatal(err)
	}
	return keys
}

func TestSealOpen_RoundTrip(t *testing.T) {
	keys := testKeys(t)

	for _, size := range []int{0, 1, 15, 16, 17, 1000} {
		plaintext := bytes.Repeat([]byte{0xab}, size)
		env, err := keys.seal(plaintext)
		if err != nil {
			t.Fatalf("seal(%d bytes): %v", size, err)
		}
		got, err := keys.open(env)
		if err != nil {
			t.Fatalf("open(%d bytes): %v", size, err)
		}
		if !bytes.Equal(got, plaintext) {
			t.Errorf("round trip mismatch at size %d", size)
		}
	}
}

func TestOpen_RejectsTamperedCiphertext(t *testing.T) {
	keys := testKeys(t)

	env, err := keys.seal([]byte("payload"))
	if err != nil {
		t.Fatal(err)
	}

	raw, _ := hex.DecodeString(env.Data)
	raw[0] ^= 0xff
	env.Data = hex.EncodeToString(raw)

	if _, err := keys.open(env); err == nil {
		t.Error("tampered ciphertext was accepted")
	}
}

func TestOpen_RejectsWrongKey(t *testing.T) {
	env, err := testKeys(t).seal([]byte("payload"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := testKeys(t).open(env); err == nil {
		t.Error("envelope opened with a different session key")
	}
}

func TestDeriveKeys_RequiresFullLengthKey(t *testing.T) {
	if _, err := deriveKeys(make([]byte, 16)); err == nil {
		t.Error("short session key accepted")
	}
}

func TestDeriveKeys_SubkeysDiffer(t *testing.T) {
	key, err := newSessionKey()
	if err != nil {
		t.Fatal(err)
	}
	keys, err := deriveKeys(key)
	if err != nil {
		t.Fatal(err)
	}
	if keys.enc == keys.mac {
		t.Error("encryption and mac subkeys are identical")
	}
}
