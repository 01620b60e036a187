// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

// Package walletconnect implements the mobile-wallet custody backend: a
// bridge-based pairing protocol, persisted sessions, and a time-boxed
// transaction-signing request channel.
//
// The protocol flow is human-in-the-loop: pairing produces a URI rendered as
// a QR code, the wallet app approves or rejects it, and each signing request
// is approved on the phone. Every wait is raced against a fixed timer.
package walletconnect

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// SessionSchemaVersion guards the on-disk session format. Files written by
// an incompatible build are discarded rather than misread.
const SessionSchemaVersion = 1

// DefaultSessionTTL is how long a confirmed pairing stays valid without an
// explicit disconnect.
const DefaultSessionTTL = 7 * 24 * time.Hour

// Session is the persisted snapshot of a confirmed pairing. Only the fields
// needed to resume the connection are stored; the in-memory protocol state
// is never serialized wholesale.
type Session struct {
	SchemaVersion int       `json:"schema_version"`
	Brand         string    `json:"brand"`
	Topic         string    `json:"topic"`      // our subscription topic
	PeerTopic     string    `json:"peer_topic"` // wallet's publish topic
	BridgeURL     string    `json:"bridge_url"`
	Key           string    `json:"key"` // hex-encoded 32-byte symmetric key
	Accounts      []string  `json:"accounts"`
	ChainID       string    `json:"chain_id"`
	Expiry        time.Time `json:"expiry"`
}

// Expired reports whether the session's expiry has passed.
func (s *Session) Expired() bool {
	return !s.Expiry.IsZero() && time.Now().After(s.Expiry)
}

// SessionStore persists one session file per wallet brand under dir.
// Files are written only after the remote peer confirms the connection.
type SessionStore struct {
	dir string
}

// NewSessionStore creates the store rooted at dir. The directory is created
// on first Save.
func NewSessionStore(dir string) *SessionStore {
	return &SessionStore{dir: dir}
}

func (s *SessionStore) path(brand string) string {
	return filepath.Join(s.dir, fmt.Sprintf("session-%s.json", brand))
}

// Load reads the stored session for a brand. A missing file, an expired
// session, or an unknown schema version all return (nil, nil); the expired
// and unreadable cases also delete the file so the next load is clean.
func (s *SessionStore) Load(brand string) (*Session, error) {
	path := s.path(brand)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session file: %w", err)
	}

	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		_ = os.Remove(path)
		return nil, nil
	}
	if session.SchemaVersion != SessionSchemaVersion {
		_ = os.Remove(path)
		return nil, nil
	}
	if session.Expired() {
		_ = os.Remove(path)
		return nil, nil
	}
	return &session, nil
}

// Save writes the session snapshot with owner-only permissions.
func (s *SessionStore) Save(session *Session) error {
	if session.SchemaVersion == 0 {
		session.SchemaVersion = SessionSchemaVersion
	}
	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}

	data, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	if err := os.WriteFile(s.path(session.Brand), data, 0600); err != nil {
		return fmt.Errorf("failed to write session file: %w", err)
	}
	return nil
}

// Delete removes the stored session for a brand. Missing files are a no-op.
func (s *SessionStore) Delete(brand string) error {
	err := os.Remove(s.path(brand))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete session file: %w", err)
	}
	return nil
}
