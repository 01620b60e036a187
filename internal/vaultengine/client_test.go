// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package vaultengine

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aplane-algo/apcustody/internal/custody"
	"github.com/aplane-algo/apcustody/internal/util"
)

// fakeVault is an in-memory stand-in for a Vault server with a transit mount
// at "transit" and a KV v2 mount at "apcustody-kv".
type fakeVault struct {
	mu       sync.Mutex
	keys     map[string]ed25519.PrivateKey // transit key name -> private key
	delOK    map[string]bool               // deletion_allowed per key
	metadata map[string]map[string]interface{}
	sealed   bool

	// signDelay simulates a slow backend.
	signDelay time.Duration
}

func newFakeVault() *fakeVault {
	return &fakeVault{
		keys:     make(map[string]ed25519.PrivateKey),
		delOK:    make(map[string]bool),
		metadata: make(map[string]map[string]interface{}),
	}
}

func (f *fakeVault) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		path := strings.TrimPrefix(r.URL.Path, "/v1/")
		isList := r.URL.Query().Get("list") == "true"

		switch {
		case path == "sys/seal-status":
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"sealed": f.sealed, "initialized": true,
			})

		case path == "transit/keys" && isList:
			var names []string
			for name := range f.keys {
				names = append(names, name)
			}
			if len(names) == 0 {
				writeNotFound(w)
				return
			}
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"data": map[string]interface{}{"keys": names},
			})

		case strings.HasPrefix(path, "transit/keys/") && strings.HasSuffix(path, "/config"):
			name := strings.TrimSuffix(strings.TrimPrefix(path, "transit/keys/"), "/config")
			if _, ok := f.keys[name]; !ok {
				writeNotFound(w)
				return
			}
			var body struct {
				DeletionAllowed bool `json:"deletion_allowed"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			f.delOK[name] = body.DeletionAllowed
			w.WriteHeader(http.StatusNoContent)

		case strings.HasPrefix(path, "transit/keys/"):
			name := strings.TrimPrefix(path, "transit/keys/")
			switch r.Method {
			case http.MethodGet:
				priv, ok := f.keys[name]
				if !ok {
					writeNotFound(w)
					return
				}
				pub := priv.Public().(ed25519.PublicKey)
				writeJSON(w, http.StatusOK, map[string]interface{}{
					"data": map[string]interface{}{
						"latest_version": 1,
						"keys": map[string]interface{}{
							"1": map[string]interface{}{
								"public_key": base64.StdEncoding.EncodeToString(pub),
							},
						},
					},
				})
			case http.MethodPut, http.MethodPost:
				if _, ok := f.keys[name]; !ok {
					_, priv, _ := ed25519.GenerateKey(rand.Reader)
					f.keys[name] = priv
				}
				w.WriteHeader(http.StatusNoContent)
			case http.MethodDelete:
				if !f.delOK[name] {
					writeError(w, http.StatusBadRequest, "deletion is not allowed for this key")
					return
				}
				delete(f.keys, name)
				delete(f.delOK, name)
				w.WriteHeader(http.StatusNoContent)
			}

		case strings.HasPrefix(path, "transit/sign/"):
			if f.signDelay > 0 {
				f.mu.Unlock()
				time.Sleep(f.signDelay)
				f.mu.Lock()
			}
			name := strings.TrimPrefix(path, "transit/sign/")
			priv, ok := f.keys[name]
			if !ok {
				writeNotFound(w)
				return
			}
			var body struct {
				Input string `json:"input"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			msg, err := base64.StdEncoding.DecodeString(body.Input)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid input")
				return
			}
			sig := ed25519.Sign(priv, msg)
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"data": map[string]interface{}{
					"signature": "vault:v1:" + base64.StdEncoding.EncodeToString(sig),
				},
			})

		case strings.HasPrefix(path, "apcustody-kv/data/accounts/"):
			name := strings.TrimPrefix(path, "apcustody-kv/data/accounts/")
			switch r.Method {
			case http.MethodGet:
				data, ok := f.metadata[name]
				if !ok {
					writeNotFound(w)
					return
				}
				writeJSON(w, http.StatusOK, map[string]interface{}{
					"data": map[string]interface{}{"data": data},
				})
			case http.MethodPut, http.MethodPost:
				var body struct {
					Data map[string]interface{} `json:"data"`
				}
				_ = json.NewDecoder(r.Body).Decode(&body)
				f.metadata[name] = body.Data
				w.WriteHeader(http.StatusNoContent)
			}

		case path == "apcustody-kv/metadata/accounts" && isList:
			var names []string
			for name := range f.metadata {
				names = append(names, name)
			}
			if len(names) == 0 {
				writeNotFound(w)
				return
			}
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"data": map[string]interface{}{"keys": names},
			})

		case strings.HasPrefix(path, "apcustody-kv/metadata/accounts/") && r.Method == http.MethodDelete:
			name := strings.TrimPrefix(path, "apcustody-kv/metadata/accounts/")
			delete(f.metadata, name)
			w.WriteHeader(http.StatusNoContent)

		default:
			writeNotFound(w)
		}
	})
}

func writeJSON(w http.ResponseWriter, status int, body map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeNotFound(w http.ResponseWriter) {
	writeJSON(w, http.StatusNotFound, map[string]interface{}{"errors": []string{}})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{"errors": []string{msg}})
}

func newTestClient(t *testing.T, fake *fakeVault) *Client {
	t.Helper()
	ts := httptest.NewServer(fake.handler())
	t.Cleanup(ts.Close)

	client, err := NewClient(util.VaultConfig{
		URL:           ts.URL,
		Token:         "test-token",
		KeyPrefix:     "apcustody-",
		TransitMount:  "transit",
		MetadataMount: "apcustody-kv",
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client
}

func TestNewClient_MissingConfig(t *testing.T) {
	_, err := NewClient(util.VaultConfig{Token: "t"})
	if !custody.IsKind(err, custody.KindInitializationFailed) {
		t.Errorf("missing URL: expected KindInitializationFailed, got %v", err)
	}

	_, err = NewClient(util.VaultConfig{URL: "http://localhost:8200"})
	if !custody.IsKind(err, custody.KindInitializationFailed) {
		t.Errorf("missing token: expected KindInitializationFailed, got %v", err)
	}
}

func TestClient_CreateAndReadKey(t *testing.T) {
	fake := newFakeVault()
	client := newTestClient(t, fake)
	ctx := context.Background()

	if err := client.CreateKey(ctx, "dev"); err != nil {
		t.Fatalf("CreateKey: %v", err)
	}

	pub, err := client.GetPublicKey(ctx, "dev")
	if err != nil {
		t.Fatalf("GetPublicKey: %v", err)
	}
	if len(pub) != 32 {
		t.Errorf("public key length = %d, want 32", len(pub))
	}

	// The key is stored under the configured prefix.
	if _, ok := fake.keys["apcustody-dev"]; !ok {
		t.Error("transit key was not created under the prefix")
	}
}

func TestClient_GetPublicKey_Missing(t *testing.T) {
	client := newTestClient(t, newFakeVault())

	_, err := client.GetPublicKey(context.Background(), "ghost")
	if !custody.IsKind(err, custody.KindNotFound) {
		t.Errorf("expected KindNotFound, got %v", err)
	}
}

func TestClient_SignVerifies(t *testing.T) {
	client := newTestClient(t, newFakeVault())
	ctx := context.Background()

	if err := client.CreateKey(ctx, "dev"); err != nil {
		t.Fatal(err)
	}
	pub, err := client.GetPublicKey(ctx, "dev")
	if err != nil {
		t.Fatal(err)
	}

	for _, msg := range [][]byte{[]byte(""), []byte("hello"), []byte(strings.Repeat("x", 4096))} {
		sig, err := client.Sign(ctx, "dev", msg)
		if err != nil {
			t.Fatalf("Sign(%d bytes): %v", len(msg), err)
		}
		if !ed25519.Verify(ed25519.PublicKey(pub), msg, sig) {
			t.Errorf("signature over %d bytes does not verify", len(msg))
		}
	}
}

func TestClient_DeleteKey_TwoStep(t *testing.T) {
	fake := newFakeVault()
	client := newTestClient(t, fake)
	ctx := context.Background()

	if err := client.CreateKey(ctx, "doomed"); err != nil {
		t.Fatal(err)
	}

	// The fake rejects deletes unless deletion_allowed was flipped first, so
	// a successful DeleteKey proves the two-step sequence.
	if err := client.DeleteKey(ctx, "doomed"); err != nil {
		t.Fatalf("DeleteKey: %v", err)
	}
	if _, ok := fake.keys["apcustody-doomed"]; ok {
		t.Error("key still present after delete")
	}
}

func TestClient_ListKeys_EmptyIsNotError(t *testing.T) {
	client := newTestClient(t, newFakeVault())

	names, err := client.ListKeys(context.Background())
	if err != nil {
		t.Fatalf("ListKeys on empty mount: %v", err)
	}
	if len(names) != 0 {
		t.Errorf("expected empty list, got %v", names)
	}
}

func TestClient_ListKeys_StripsPrefix(t *testing.T) {
	fake := newFakeVault()
	client := newTestClient(t, fake)
	ctx := context.Background()

	for _, name := range []string{"alpha", "beta"} {
		if err := client.CreateKey(ctx, name); err != nil {
			t.Fatal(err)
		}
	}
	// A foreign key outside the prefix must not appear.
	_, priv, _ := ed25519.GenerateKey(rand.Reader)
	fake.keys["unrelated-key"] = priv

	names, err := client.ListKeys(ctx)
	if err != nil {
		t.Fatalf("ListKeys: %v", err)
	}
	if len(names) != 2 {
		t.Fatalf("ListKeys = %v, want 2 prefixed names", names)
	}
	for _, name := range names {
		if name != "alpha" && name != "beta" {
			t.Errorf("unexpected name %q", name)
		}
	}
}

func TestClient_Metadata_CRUD(t *testing.T) {
	client := newTestClient(t, newFakeVault())
	ctx := context.Background()

	// Missing record is (nil, nil), not an error.
	meta, err := client.GetAccountMetadata(ctx, "ghost")
	if err != nil || meta != nil {
		t.Fatalf("missing metadata = (%v, %v), want (nil, nil)", meta, err)
	}

	// Empty mount lists as empty, not an error.
	names, err := client.ListAccountNames(ctx)
	if err != nil || len(names) != 0 {
		t.Fatalf("empty list = (%v, %v), want ([], nil)", names, err)
	}

	created := time.Now().UTC().Truncate(time.Second)
	record := AccountMetadata{Name: "dev", Address: "SOMEADDRESS", CreatedAt: created}
	if err := client.PutAccountMetadata(ctx, record); err != nil {
		t.Fatalf("PutAccountMetadata: %v", err)
	}

	meta, err = client.GetAccountMetadata(ctx, "dev")
	if err != nil {
		t.Fatalf("GetAccountMetadata: %v", err)
	}
	if meta == nil || meta.Name != "dev" || meta.Address != "SOMEADDRESS" || !meta.CreatedAt.Equal(created) {
		t.Errorf("round-tripped metadata = %+v", meta)
	}

	names, err = client.ListAccountNames(ctx)
	if err != nil || len(names) != 1 || names[0] != "dev" {
		t.Errorf("ListAccountNames = (%v, %v)", names, err)
	}

	if err := client.DeleteAccountMetadata(ctx, "dev"); err != nil {
		t.Fatalf("DeleteAccountMetadata: %v", err)
	}
	// Deleting again is a no-op.
	if err := client.DeleteAccountMetadata(ctx, "dev"); err != nil {
		t.Fatalf("second DeleteAccountMetadata: %v", err)
	}
}

func TestClient_SignTimeout(t *testing.T) {
	fake := newFakeVault()
	fake.signDelay = 300 * time.Millisecond
	client := newTestClient(t, fake)
	client.timeout = 50 * time.Millisecond
	ctx := context.Background()

	if err := client.CreateKey(ctx, "slow"); err != nil {
		t.Fatal(err)
	}

	_, err := client.Sign(ctx, "slow", []byte("msg"))
	if !custody.IsKind(err, custody.KindTimeout) {
		t.Fatalf("expected KindTimeout, got %v", err)
	}
	if !strings.Contains(err.Error(), "reachable") {
		t.Errorf("timeout error should carry a connectivity hint, got %q", err.Error())
	}
}

func TestClient_IsAvailable(t *testing.T) {
	fake := newFakeVault()
	client := newTestClient(t, fake)
	ctx := context.Background()

	if !client.IsAvailable(ctx) {
		t.Error("unsealed fake should be available")
	}

	fake.mu.Lock()
	fake.sealed = true
	fake.mu.Unlock()
	if client.IsAvailable(ctx) {
		t.Error("sealed fake should be unavailable")
	}
}

func TestClient_SignatureFormatRejected(t *testing.T) {
	// A server returning a malformed signature field must not panic and must
	// not be mistaken for success.
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"data": map[string]interface{}{"signature": "garbage"},
		})
	}))
	defer ts.Close()

	client, err := NewClient(util.VaultConfig{
		URL: ts.URL, Token: "t", KeyPrefix: "apcustody-",
		TransitMount: "transit", MetadataMount: "apcustody-kv",
	})
	if err != nil {
		t.Fatal(err)
	}

	_, err = client.Sign(context.Background(), "dev", []byte("m"))
	if err == nil {
		t.Fatal("expected error for malformed signature")
	}
	if !strings.Contains(fmt.Sprint(err), "signature format") {
		t.Errorf("unexpected error: %v", err)
	}
}
