// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

// Package secretstore wraps the operating system's credential manager under a
// single fixed service namespace.
//
// The store distinguishes "value not found" (ErrNotFound) from "no credential
// service present" (a custody error of kind Unavailable, e.g. on a headless
// machine without a keychain daemon). Callers must never conflate the two.
package secretstore

import (
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/99designs/keyring"

	"github.com/aplane-algo/apcustody/internal/custody"
)

// ServiceName is the credential-manager namespace shared by all apcustody
// entries.
const ServiceName = "apcustody"

// ErrNotFound indicates the key has no stored value. This is a normal
// condition, not a store failure.
var ErrNotFound = errors.New("secret not found")

// Store is the minimal secret-storage contract. Delete on a missing key is a
// no-op so cleanup stays idempotent.
type Store interface {
	Get(key string) (string, error)
	Set(key, value string) error
	Delete(key string) error
	Has(key string) (bool, error)
	FindKeys(prefix string) ([]string, error)
}

const unavailableHint = "no OS credential service is available; on Linux make sure a Secret Service daemon (e.g. gnome-keyring) is running"

// OSStore backs Store with the platform credential manager. Construct once at
// startup and inject the handle into provider constructors.
type OSStore struct {
	mu   sync.Mutex
	ring keyring.Keyring
}

// Open opens the OS credential manager under the apcustody service name.
// Failure to open means no usable backend exists on this machine.
func Open() (*OSStore, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName:              ServiceName,
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, custody.E(custody.KindUnavailable, "secretstore.open", unavailableHint, err)
	}
	return &OSStore{ring: ring}, nil
}

func (s *OSStore) Get(key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, err := s.ring.Get(key)
	if err != nil {
		if errors.Is(err, keyring.ErrKeyNotFound) {
			return "", ErrNotFound
		}
		return "", custody.E(custody.KindUnavailable, "secretstore.get", unavailableHint, err)
	}
	return string(item.Data), nil
}

func (s *OSStore) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.ring.Set(keyring.Item{
		Key:   key,
		Data:  []byte(value),
		Label: ServiceName + ": " + key,
	})
	if err != nil {
		return custody.E(custody.KindUnavailable, "secretstore.set", unavailableHint, err)
	}
	return nil
}

func (s *OSStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.ring.Remove(key)
	if err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
		return custody.E(custody.KindUnavailable, "secretstore.delete", unavailableHint, err)
	}
	return nil
}

func (s *OSStore) Has(key string) (bool, error) {
	_, err := s.Get(key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *OSStore) FindKeys(prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys, err := s.ring.Keys()
	if err != nil {
		return nil, custody.E(custody.KindUnavailable, "secretstore.findKeys", unavailableHint, err)
	}

	var matched []string
	for _, k := range keys {
		if strings.HasPrefix(k, prefix) {
			matched = append(matched, k)
		}
	}
	sort.Strings(matched)
	return matched, nil
}

// MemStore is an in-memory Store for tests and for injecting fakes into
// provider constructors.
type MemStore struct {
	mu      sync.Mutex
	entries map[string]string

	// FailWith, when set, makes every operation fail with this error.
	// Simulates a missing credential service.
	FailWith error
}

func NewMemStore() *MemStore {
	return &MemStore{entries: make(map[string]string)}
}

func (m *MemStore) Get(key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return "", m.FailWith
	}
	v, ok := m.entries[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *MemStore) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return m.FailWith
	}
	m.entries[key] = value
	return nil
}

func (m *MemStore) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return m.FailWith
	}
	delete(m.entries, key)
	return nil
}

func (m *MemStore) Has(key string) (bool, error) {
	_, err := m.Get(key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (m *MemStore) FindKeys(prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return nil, m.FailWith
	}
	var matched []string
	for k := range m.entries {
		if strings.HasPrefix(k, prefix) {
			matched = append(matched, k)
		}
	}
	sort.Strings(matched)
	return matched, nil
}
