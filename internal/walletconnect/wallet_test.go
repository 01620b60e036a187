// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package walletconnect

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aplane-algo/apcustody/internal/custody"
	"github.com/aplane-algo/apcustody/internal/util"
)

// fakeConn is a scriptable Connector for wallet-level tests.
type fakeConn struct {
	uri     string
	topic   string
	keyHex  string
	outcome chan Outcome

	probeErr  error
	killErr   error
	killCalls int
	closed    bool

	requestFn func(ctx context.Context, method string, params interface{}) (json.RawMessage, error)
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		uri:     "wc:handshake@1?bridge=https%3A%2F%2Fbridge.example&key=" + strings.Repeat("ab", 32) + "&algorand=testnet-v1.0",
		topic:   "client-topic",
		keyHex:  strings.Repeat("ab", 32),
		outcome: make(chan Outcome, 1),
	}
}

func (f *fakeConn) URI() string             { return f.uri }
func (f *fakeConn) Topic() string           { return f.topic }
func (f *fakeConn) KeyHex() string          { return f.keyHex }
func (f *fakeConn) Outcome() <-chan Outcome { return f.outcome }

func (f *fakeConn) Request(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	if f.requestFn != nil {
		return f.requestFn(ctx, method, params)
	}
	return nil, errors.New("no request handler")
}

func (f *fakeConn) Probe(ctx context.Context) error { return f.probeErr }
func (f *fakeConn) KillSession() error {
	f.killCalls++
	return f.killErr
}
func (f *fakeConn) Close() error {
	f.closed = true
	return nil
}

func testWallet(t *testing.T, conn *fakeConn) (*bridgeWallet, string) {
	t.Helper()
	dir := t.TempDir()
	wallet := NewWallet(BrandPera).(*bridgeWallet)
	if err := wallet.Initialize(util.WalletConfig{
		Network:    "testnet",
		SessionDir: dir,
		AppName:    "apcustody",
		AppURL:     "https://example.com",
		BridgeURL:  "https://bridge.example",
	}); err != nil {
		t.Fatal(err)
	}
	wallet.dialFresh = func(ctx context.Context, bridge string, app sessionRequestParams) (Connector, error) {
		return conn, nil
	}
	wallet.dialSession = func(ctx context.Context, session *Session) (Connector, error) {
		return conn, nil
	}
	return wallet, dir
}

func sessionFileExists(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, "session-pera.json"))
	return err == nil
}

func TestRequestPairing_ConnectedPersistsSession(t *testing.T) {
	conn := newFakeConn()
	wallet, dir := testWallet(t, conn)

	request, err := wallet.RequestPairing(context.Background())
	if err != nil {
		t.Fatalf("RequestPairing: %v", err)
	}
	if request.URI == "" || request.QRAscii == "" || request.QRDataURL == "" {
		t.Error("pairing request is missing URI or QR renderings")
	}
	if !strings.HasPrefix(request.QRDataURL, "data:image/png;base64,") {
		t.Errorf("QRDataURL = %q", request.QRDataURL[:30])
	}
	if sessionFileExists(dir) {
		t.Fatal("session persisted before approval")
	}

	conn.outcome <- Outcome{
		Kind:      OutcomeConnected,
		Accounts:  []string{"ADDR1", "ADDR2"},
		ChainID:   "testnet-v1.0",
		PeerTopic: "wallet-topic",
	}

	result := <-request.Approval
	if result.Status != PairingConnected {
		t.Fatalf("result = %+v, want Connected", result)
	}
	if len(result.Accounts) != 2 {
		t.Errorf("accounts = %v", result.Accounts)
	}
	if result.WalletID != "pera" || result.WalletName != "Pera Wallet" || result.Network != "testnet" {
		t.Errorf("wallet identification = %+v", result)
	}
	if !sessionFileExists(dir) {
		t.Fatal("session not persisted after approval")
	}
	if !wallet.HasSession() {
		t.Error("HasSession false after approval")
	}
	if got := wallet.Accounts(); len(got) != 2 {
		t.Errorf("Accounts = %v", got)
	}
}

func TestRequestPairing_RejectedLeavesNoSession(t *testing.T) {
	conn := newFakeConn()
	wallet, dir := testWallet(t, conn)

	request, err := wallet.RequestPairing(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	conn.outcome <- Outcome{Kind: OutcomeRejected, Reason: "wallet rejected the pairing"}

	result := <-request.Approval
	if result.Status != PairingRejected {
		t.Fatalf("result = %+v, want Rejected", result)
	}
	if sessionFileExists(dir) {
		t.Error("session persisted after rejection")
	}
	if wallet.HasSession() {
		t.Error("HasSession true after rejection")
	}
}

func TestRequestPairing_TimeoutResolvesOnce(t *testing.T) {
	conn := newFakeConn()
	wallet, dir := testWallet(t, conn)
	wallet.pairingTimeout = 50 * time.Millisecond

	request, err := wallet.RequestPairing(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	result := <-request.Approval
	if result.Status != PairingTimedOut {
		t.Fatalf("result = %+v, want TimedOut", result)
	}
	if !conn.closed {
		t.Error("connector not closed after timeout")
	}
	if sessionFileExists(dir) {
		t.Error("session persisted after timeout")
	}

	// A late outcome must not produce a second resolution.
	conn.outcome <- Outcome{Kind: OutcomeConnected, Accounts: []string{"ADDR1"}}
	select {
	case extra := <-request.Approval:
		t.Fatalf("second resolution delivered: %+v", extra)
	case <-time.After(100 * time.Millisecond):
	}
	if sessionFileExists(dir) {
		t.Error("late outcome persisted a session after timeout")
	}
}

func TestRequestPairing_SupersedesPrevious(t *testing.T) {
	first := newFakeConn()
	wallet, _ := testWallet(t, first)

	if _, err := wallet.RequestPairing(context.Background()); err != nil {
		t.Fatal(err)
	}

	second := newFakeConn()
	wallet.dialFresh = func(ctx context.Context, bridge string, app sessionRequestParams) (Connector, error) {
		return second, nil
	}
	if _, err := wallet.RequestPairing(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !first.closed {
		t.Error("previous pairing connector not discarded")
	}
}

func TestResumeSession_NoStoredSession(t *testing.T) {
	wallet, _ := testWallet(t, newFakeConn())

	err := wallet.ResumeSession(context.Background())
	if !custody.IsKind(err, custody.KindNotFound) {
		t.Errorf("expected KindNotFound, got %v", err)
	}
}

func TestResumeSession_ProbeFailureClearsFile(t *testing.T) {
	conn := newFakeConn()
	conn.probeErr = errors.New("topic unknown")
	wallet, dir := testWallet(t, conn)

	session := testSession("pera")
	if err := wallet.store.Save(session); err != nil {
		t.Fatal(err)
	}

	if err := wallet.ResumeSession(context.Background()); err == nil {
		t.Fatal("ResumeSession succeeded despite failed probe")
	}
	if sessionFileExists(dir) {
		t.Error("stale session file not cleared after failed probe")
	}
	if !conn.closed {
		t.Error("connector left open after failed probe")
	}
}

func TestResumeSession_Succeeds(t *testing.T) {
	conn := newFakeConn()
	wallet, _ := testWallet(t, conn)

	if err := wallet.store.Save(testSession("pera")); err != nil {
		t.Fatal(err)
	}
	if err := wallet.ResumeSession(context.Background()); err != nil {
		t.Fatalf("ResumeSession: %v", err)
	}
	if got := wallet.Accounts(); len(got) != 2 {
		t.Errorf("Accounts after resume = %v", got)
	}
}

func TestDisconnect_ClearsFileDespiteKillFailure(t *testing.T) {
	conn := newFakeConn()
	conn.killErr = errors.New("bridge gone")
	wallet, dir := testWallet(t, conn)

	if err := wallet.store.Save(testSession("pera")); err != nil {
		t.Fatal(err)
	}
	if err := wallet.ResumeSession(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := wallet.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if conn.killCalls == 0 {
		t.Error("remote kill was never attempted")
	}
	if sessionFileExists(dir) {
		t.Error("session file survived Disconnect")
	}
	if wallet.HasSession() {
		t.Error("HasSession true after Disconnect")
	}
}

func TestDisconnect_WithoutLiveConnection(t *testing.T) {
	conn := newFakeConn()
	wallet, dir := testWallet(t, conn)

	if err := wallet.store.Save(testSession("pera")); err != nil {
		t.Fatal(err)
	}

	if err := wallet.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if sessionFileExists(dir) {
		t.Error("session file survived Disconnect")
	}
}
