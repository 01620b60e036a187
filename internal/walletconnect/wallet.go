// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package walletconnect

import (
	"context"
	"sync"
	"time"

	"github.com/algorand/go-algorand-sdk/v2/types"

	"github.com/aplane-algo/apcustody/internal/custody"
	"github.com/aplane-algo/apcustody/internal/util"
)

// Wallet is one brand's pairing lifecycle: at most one live session at a
// time, resumable from disk, with signing requests routed to the phone.
type Wallet interface {
	Brand() Brand

	// Initialize prepares the session store. Must be called before any other
	// method.
	Initialize(cfg util.WalletConfig) error

	// HasSession reports whether a live or resumable session exists.
	HasSession() bool

	// ResumeSession reattaches to the stored session, clearing the file if
	// the bridge no longer knows the topic.
	ResumeSession(ctx context.Context) error

	// RequestPairing starts a fresh pairing. Any previous in-flight attempt
	// is discarded.
	RequestPairing(ctx context.Context) (*PairingRequest, error)

	// Accounts returns the addresses approved by the wallet user.
	Accounts() []string

	// CreateSigner returns a signer routing sign requests for one approved
	// address to the phone.
	CreateSigner(address string) custody.TransactionSigner

	// Disconnect ends the session. The local file is cleared even when the
	// remote notification fails.
	Disconnect(ctx context.Context) error
}

// bridgeWallet implements Wallet over the bridge protocol. The dial functions
// are swappable for tests.
type bridgeWallet struct {
	brand Brand
	cfg   util.WalletConfig
	store *SessionStore

	pairingTimeout time.Duration
	signingTimeout time.Duration

	dialFresh   func(ctx context.Context, bridge string, app sessionRequestParams) (Connector, error)
	dialSession func(ctx context.Context, session *Session) (Connector, error)

	mu      sync.Mutex
	conn    Connector
	pending Connector
	session *Session
}

// NewWallet builds the wallet backend for a brand.
func NewWallet(brand Brand) Wallet {
	return &bridgeWallet{
		brand:          brand,
		pairingTimeout: PairingTimeout,
		signingTimeout: SigningTimeout,
		dialFresh: func(ctx context.Context, bridge string, app sessionRequestParams) (Connector, error) {
			return DialFresh(ctx, bridge, app)
		},
		dialSession: func(ctx context.Context, session *Session) (Connector, error) {
			return DialSession(ctx, session)
		},
	}
}

func (w *bridgeWallet) Brand() Brand { return w.brand }

func (w *bridgeWallet) Initialize(cfg util.WalletConfig) error {
	if cfg.SessionDir == "" {
		return custody.Errorf(custody.KindInitializationFailed, "wallet.init", "",
			"session directory is not configured")
	}
	w.cfg = cfg
	w.store = NewSessionStore(cfg.SessionDir)
	return nil
}

func (w *bridgeWallet) HasSession() bool {
	w.mu.Lock()
	if w.session != nil {
		w.mu.Unlock()
		return true
	}
	w.mu.Unlock()

	if w.store == nil {
		return false
	}
	session, err := w.store.Load(w.brand.ID())
	return err == nil && session != nil
}

func (w *bridgeWallet) ResumeSession(ctx context.Context) error {
	if w.store == nil {
		return custody.Errorf(custody.KindInitializationFailed, "wallet.resume", "",
			"wallet is not initialized")
	}
	session, err := w.store.Load(w.brand.ID())
	if err != nil {
		return err
	}
	if session == nil {
		return custody.Errorf(custody.KindNotFound, "wallet.resume",
			"no stored session; run pairing first", "no session for %s", w.brand.ID())
	}

	conn, err := w.dialSession(ctx, session)
	if err != nil {
		return err
	}

	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := conn.Probe(probeCtx); err != nil {
		_ = conn.Close()
		_ = w.store.Delete(w.brand.ID())
		return custody.E(custody.KindUnavailable, "wallet.resume",
			"the stored session has expired at the bridge; re-pair the wallet", err)
	}

	w.mu.Lock()
	w.discardLocked()
	w.conn = conn
	w.session = session
	w.mu.Unlock()
	return nil
}

func (w *bridgeWallet) RequestPairing(ctx context.Context) (*PairingRequest, error) {
	if w.store == nil {
		return nil, custody.Errorf(custody.KindInitializationFailed, "wallet.pair", "",
			"wallet is not initialized")
	}

	bridge := resolveBridge(ctx, w.brand, w.cfg.BridgeURL)
	conn, err := w.dialFresh(ctx, bridge, sessionRequestParams{
		AppName: w.cfg.AppName,
		AppURL:  w.cfg.AppURL,
		ChainID: w.cfg.GenesisID(),
	})
	if err != nil {
		return nil, err
	}

	qrDataURL, err := renderQRDataURL(conn.URI())
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	// A new attempt supersedes any previous one: the old connector is closed
	// and its pending resolution goes nowhere.
	w.mu.Lock()
	w.discardLocked()
	w.pending = conn
	w.mu.Unlock()

	approval := make(chan PairingResult, 1)
	go w.awaitApproval(conn, bridge, approval)

	return &PairingRequest{
		URI:          conn.URI(),
		QRAscii:      renderQRAscii(conn.URI()),
		QRDataURL:    qrDataURL,
		Instructions: pairingInstructions(w.brand),
		Approval:     approval,
	}, nil
}

// awaitApproval races the connector's outcome against the pairing timer and
// delivers exactly one PairingResult. The session file is written only on
// Connected.
func (w *bridgeWallet) awaitApproval(conn Connector, bridge string, approval chan<- PairingResult) {
	select {
	case outcome := <-conn.Outcome():
		if outcome.Kind != OutcomeConnected {
			_ = conn.Close()
			w.clearPending(conn)
			approval <- PairingResult{Status: PairingRejected, Reason: outcome.Reason}
			return
		}

		session := &Session{
			SchemaVersion: SessionSchemaVersion,
			Brand:         w.brand.ID(),
			Topic:         conn.Topic(),
			PeerTopic:     outcome.PeerTopic,
			BridgeURL:     bridge,
			Key:           conn.KeyHex(),
			Accounts:      outcome.Accounts,
			ChainID:       outcome.ChainID,
			Expiry:        time.Now().Add(DefaultSessionTTL),
		}
		if err := w.store.Save(session); err != nil {
			util.Warn("failed to persist wallet session", "brand", w.brand.ID(), "err", err)
		}

		w.mu.Lock()
		w.conn = conn
		if w.pending == conn {
			w.pending = nil
		}
		w.session = session
		w.mu.Unlock()

		approval <- PairingResult{
			Status:     PairingConnected,
			WalletID:   w.brand.ID(),
			WalletName: w.brand.DisplayName(),
			Accounts:   outcome.Accounts,
			Network:    w.cfg.Network,
		}

	case <-time.After(w.pairingTimeout):
		_ = conn.Close()
		w.clearPending(conn)
		approval <- PairingResult{Status: PairingTimedOut, Reason: "pairing timed out"}
	}
}

func (w *bridgeWallet) clearPending(conn Connector) {
	w.mu.Lock()
	if w.pending == conn {
		w.pending = nil
	}
	w.mu.Unlock()
}

func (w *bridgeWallet) Accounts() []string {
	w.mu.Lock()
	if w.session != nil {
		accounts := append([]string(nil), w.session.Accounts...)
		w.mu.Unlock()
		return accounts
	}
	w.mu.Unlock()

	if w.store == nil {
		return nil
	}
	session, err := w.store.Load(w.brand.ID())
	if err != nil || session == nil {
		return nil
	}
	return session.Accounts
}

func (w *bridgeWallet) CreateSigner(address string) custody.TransactionSigner {
	return func(txGroup []types.Transaction, indexesToSign []int) ([][]byte, error) {
		conn, err := w.activeConn()
		if err != nil {
			return nil, err
		}
		return signTransactions(context.Background(), conn, w.signingTimeout, address, txGroup, indexesToSign)
	}
}

// activeConn returns the live connector, resuming the stored session if
// needed.
func (w *bridgeWallet) activeConn() (Connector, error) {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn != nil {
		return conn, nil
	}

	if err := w.ResumeSession(context.Background()); err != nil {
		return nil, err
	}
	w.mu.Lock()
	conn = w.conn
	w.mu.Unlock()
	return conn, nil
}

func (w *bridgeWallet) Disconnect(ctx context.Context) error {
	w.mu.Lock()
	conn := w.conn
	w.conn = nil
	if w.pending != nil {
		_ = w.pending.Close()
		w.pending = nil
	}
	w.session = nil
	w.mu.Unlock()

	if conn == nil && w.store != nil {
		// Best-effort: reattach briefly so the peer learns about the
		// disconnect.
		if session, err := w.store.Load(w.brand.ID()); err == nil && session != nil {
			dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			if c, err := w.dialSession(dialCtx, session); err == nil {
				conn = c
			}
			cancel()
		}
	}

	if conn != nil {
		if err := conn.KillSession(); err != nil {
			util.Debug("session kill notification failed", "brand", w.brand.ID(), "err", err)
		}
		_ = conn.Close()
	}

	if w.store == nil {
		return nil
	}
	return w.store.Delete(w.brand.ID())
}

// discardLocked closes and forgets the current and any in-flight connector.
// Caller holds w.mu.
func (w *bridgeWallet) discardLocked() {
	if w.conn != nil {
		_ = w.conn.Close()
		w.conn = nil
	}
	if w.pending != nil {
		_ = w.pending.Close()
		w.pending = nil
	}
	w.session = nil
}
