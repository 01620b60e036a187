// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package secretstore

import (
	"errors"
	"testing"

	"github.com/aplane-algo/apcustody/internal/custody"
)

func TestMemStore_GetSet(t *testing.T) {
	s := NewMemStore()

	if _, err := s.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := s.Set("account:dev", "secret"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, err := s.Get("account:dev")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if v != "secret" {
		t.Errorf("got %q, want %q", v, "secret")
	}
}

func TestMemStore_DeleteIsIdempotent(t *testing.T) {
	s := NewMemStore()

	// Deleting a key that was never set must not error.
	if err := s.Delete("never-set"); err != nil {
		t.Fatalf("Delete on missing key: %v", err)
	}

	if err := s.Set("k", "v"); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete("k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete("k"); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
	if has, _ := s.Has("k"); has {
		t.Error("key still present after delete")
	}
}

func TestMemStore_Has(t *testing.T) {
	s := NewMemStore()
	if has, err := s.Has("x"); err != nil || has {
		t.Errorf("Has on empty store = (%v, %v), want (false, nil)", has, err)
	}
	_ = s.Set("x", "1")
	if has, err := s.Has("x"); err != nil || !has {
		t.Errorf("Has after set = (%v, %v), want (true, nil)", has, err)
	}
}

func TestMemStore_FindKeys(t *testing.T) {
	s := NewMemStore()
	for _, k := range []string{"account:bob", "account:alice", "token:oauth"} {
		if err := s.Set(k, "v"); err != nil {
			t.Fatal(err)
		}
	}

	keys, err := s.FindKeys("account:")
	if err != nil {
		t.Fatalf("FindKeys: %v", err)
	}
	if len(keys) != 2 || keys[0] != "account:alice" || keys[1] != "account:bob" {
		t.Errorf("FindKeys = %v, want sorted [account:alice account:bob]", keys)
	}

	keys, err = s.FindKeys("nothing:")
	if err != nil {
		t.Fatalf("FindKeys: %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("expected empty result, got %v", keys)
	}
}

func TestMemStore_UnavailableIsNotNotFound(t *testing.T) {
	s := NewMemStore()
	s.FailWith = custody.E(custody.KindUnavailable, "secretstore.get", "", errors.New("no service"))

	_, err := s.Get("anything")
	if errors.Is(err, ErrNotFound) {
		t.Fatal("unavailable store must not report not-found")
	}
	if !custody.IsKind(err, custody.KindUnavailable) {
		t.Fatalf("expected KindUnavailable, got %v", err)
	}
}
