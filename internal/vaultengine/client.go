// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

// Package vaultengine implements the Vault Transit custody backend.
//
// Signing keys live server-side as non-exportable ed25519 transit keys; the
// private key never crosses the client boundary. Account metadata (name,
// address, creation time) is stored in a KV v2 mount alongside the keys so
// account existence can be answered without transit sign permission.
package vaultengine

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	vaultapi "github.com/hashicorp/vault/api"

	"github.com/aplane-algo/apcustody/internal/custody"
	"github.com/aplane-algo/apcustody/internal/util"
)

// RequestTimeout bounds every Vault HTTP call. Timeouts surface as
// KindTimeout with a connectivity hint, never as a generic network error.
const RequestTimeout = 10 * time.Second

// AccountMetadata is the record stored in the KV mount for each account.
type AccountMetadata struct {
	Name      string    `json:"name"`
	Address   string    `json:"address"`
	CreatedAt time.Time `json:"created_at"`
}

// Client is an authenticated Vault API client scoped to one transit mount and
// one KV v2 metadata mount. Construct once at startup and inject into the
// provider.
type Client struct {
	api           *vaultapi.Client
	keyPrefix     string
	transitMount  string
	metadataMount string
	timeout       time.Duration
}

// NewClient builds a Vault client from config. Missing URL or token is an
// initialization failure, not a runtime one.
func NewClient(cfg util.VaultConfig) (*Client, error) {
	if cfg.URL == "" {
		return nil, custody.Errorf(custody.KindInitializationFailed, "vault.newClient",
			"set vault.url in config.yaml", "vault URL is not configured")
	}
	if cfg.Token == "" {
		return nil, custody.Errorf(custody.KindInitializationFailed, "vault.newClient",
			"set VAULT_TOKEN or vault.token in config.yaml", "vault token is not configured")
	}

	apiCfg := vaultapi.DefaultConfig()
	apiCfg.Address = cfg.URL
	apiCfg.Timeout = RequestTimeout

	api, err := vaultapi.NewClient(apiCfg)
	if err != nil {
		return nil, custody.E(custody.KindInitializationFailed, "vault.newClient",
			"check vault.url in config.yaml", err)
	}
	api.SetToken(cfg.Token)

	return &Client{
		api:           api,
		keyPrefix:     cfg.KeyPrefix,
		transitMount:  cfg.TransitMount,
		metadataMount: cfg.MetadataMount,
		timeout:       RequestTimeout,
	}, nil
}

// keyName maps an account name to its transit key name.
func (c *Client) keyName(name string) string {
	return c.keyPrefix + name
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.timeout)
}

// wrapErr translates transport failures into the custody taxonomy. Raw Vault
// API errors never reach provider callers.
func (c *Client) wrapErr(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return custody.E(custody.KindTimeout, op,
			fmt.Sprintf("Vault did not respond within %s; check that %s is reachable", c.timeout, c.api.Address()), err)
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return custody.E(custody.KindTimeout, op,
			fmt.Sprintf("Vault did not respond within %s; check that %s is reachable", c.timeout, c.api.Address()), err)
	}

	var respErr *vaultapi.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.StatusCode {
		case 404:
			return custody.E(custody.KindNotFound, op, "", err)
		case 403:
			return custody.E(custody.KindUnavailable, op,
				"the Vault token lacks permission for this path; check its policy", err)
		case 503:
			return custody.E(custody.KindUnavailable, op,
				"Vault is sealed; unseal it with 'vault operator unseal'", err)
		}
	}

	return custody.E(custody.KindUnavailable, op,
		"check that the Vault server is running and reachable", err)
}

// CreateKey creates a non-exportable ed25519 transit key for the account.
// Creating over an existing key name is accepted by Vault without touching
// the key material; the provider layer checks existence first to report
// IsNew correctly.
func (c *Client) CreateKey(ctx context.Context, name string) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	path := fmt.Sprintf("%s/keys/%s", c.transitMount, c.keyName(name))
	_, err := c.api.Logical().WriteWithContext(ctx, path, map[string]interface{}{
		"type":       "ed25519",
		"exportable": false,
	})
	if err != nil {
		return c.wrapErr("vault.createKey", err)
	}
	return nil
}

// GetPublicKey reads the raw public key bytes of the key's latest version.
func (c *Client) GetPublicKey(ctx context.Context, name string) ([]byte, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	path := fmt.Sprintf("%s/keys/%s", c.transitMount, c.keyName(name))
	secret, err := c.api.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return nil, c.wrapErr("vault.getPublicKey", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, custody.Errorf(custody.KindNotFound, "vault.getPublicKey", "",
			"transit key %q does not exist", c.keyName(name))
	}

	latest, err := latestVersion(secret.Data)
	if err != nil {
		return nil, custody.E(custody.KindUnavailable, "vault.getPublicKey", "", err)
	}

	versions, ok := secret.Data["keys"].(map[string]interface{})
	if !ok {
		return nil, custody.Errorf(custody.KindUnavailable, "vault.getPublicKey", "",
			"transit key response is missing version map")
	}
	version, ok := versions[latest].(map[string]interface{})
	if !ok {
		return nil, custody.Errorf(custody.KindUnavailable, "vault.getPublicKey", "",
			"transit key version %s is missing", latest)
	}
	pubB64, ok := version["public_key"].(string)
	if !ok {
		return nil, custody.Errorf(custody.KindUnavailable, "vault.getPublicKey", "",
			"transit key version %s has no public key", latest)
	}

	pub, err := base64.StdEncoding.DecodeString(pubB64)
	if err != nil {
		return nil, custody.E(custody.KindUnavailable, "vault.getPublicKey", "",
			fmt.Errorf("public key is not valid base64: %w", err))
	}
	return pub, nil
}

// latestVersion extracts the latest key version from a transit key read
// response as the string map key used in "keys".
func latestVersion(data map[string]interface{}) (string, error) {
	raw, ok := data["latest_version"]
	if !ok {
		return "", fmt.Errorf("transit key response is missing latest_version")
	}
	switch v := raw.(type) {
	case json.Number:
		return v.String(), nil
	case float64:
		return fmt.Sprintf("%d", int64(v)), nil
	case string:
		return v, nil
	default:
		return "", fmt.Errorf("unexpected latest_version type %T", raw)
	}
}

// Sign signs arbitrary bytes with the latest version of the account's key
// and returns the raw 64-byte ed25519 signature. Vault returns signatures as
// "vault:v<N>:<base64>"; the two prefix fields are stripped here.
func (c *Client) Sign(ctx context.Context, name string, message []byte) ([]byte, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	path := fmt.Sprintf("%s/sign/%s", c.transitMount, c.keyName(name))
	secret, err := c.api.Logical().WriteWithContext(ctx, path, map[string]interface{}{
		"input": base64.StdEncoding.EncodeToString(message),
	})
	if err != nil {
		return nil, c.wrapErr("vault.sign", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, custody.Errorf(custody.KindNotFound, "vault.sign", "",
			"transit key %q does not exist", c.keyName(name))
	}

	sigField, ok := secret.Data["signature"].(string)
	if !ok {
		return nil, custody.Errorf(custody.KindUnavailable, "vault.sign", "",
			"sign response is missing the signature field")
	}

	// vault:v1:<base64>
	parts := strings.SplitN(sigField, ":", 3)
	if len(parts) != 3 {
		return nil, custody.Errorf(custody.KindUnavailable, "vault.sign", "",
			"unexpected signature format %q", sigField)
	}
	sig, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, custody.E(custody.KindUnavailable, "vault.sign", "",
			fmt.Errorf("signature is not valid base64: %w", err))
	}
	if len(sig) != 64 {
		return nil, custody.Errorf(custody.KindUnavailable, "vault.sign", "",
			"expected 64-byte ed25519 signature, got %d bytes", len(sig))
	}
	return sig, nil
}

// DeleteKey removes the account's transit key. Keys are deletion-protected
// by default, so this first flips deletion_allowed and then deletes.
// Irreversible.
func (c *Client) DeleteKey(ctx context.Context, name string) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	configPath := fmt.Sprintf("%s/keys/%s/config", c.transitMount, c.keyName(name))
	if _, err := c.api.Logical().WriteWithContext(ctx, configPath, map[string]interface{}{
		"deletion_allowed": true,
	}); err != nil {
		return c.wrapErr("vault.deleteKey", err)
	}

	keyPath := fmt.Sprintf("%s/keys/%s", c.transitMount, c.keyName(name))
	if _, err := c.api.Logical().DeleteWithContext(ctx, keyPath); err != nil {
		return c.wrapErr("vault.deleteKey", err)
	}
	return nil
}

// ListKeys lists account names that have a transit key, with the configured
// prefix stripped. Vault reports an empty mount as 404, which is normalized
// to an empty list.
func (c *Client) ListKeys(ctx context.Context) ([]string, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	path := fmt.Sprintf("%s/keys", c.transitMount)
	secret, err := c.api.Logical().ListWithContext(ctx, path)
	if err != nil {
		wrapped := c.wrapErr("vault.listKeys", err)
		if custody.IsKind(wrapped, custody.KindNotFound) {
			return nil, nil
		}
		return nil, wrapped
	}
	if secret == nil || secret.Data == nil {
		return nil, nil
	}

	raw, ok := secret.Data["keys"].([]interface{})
	if !ok {
		return nil, nil
	}
	var names []string
	for _, entry := range raw {
		key, ok := entry.(string)
		if !ok || !strings.HasPrefix(key, c.keyPrefix) {
			continue
		}
		names = append(names, strings.TrimPrefix(key, c.keyPrefix))
	}
	return names, nil
}

func (c *Client) metadataPath(name string) string {
	return fmt.Sprintf("%s/data/accounts/%s", c.metadataMount, name)
}

// PutAccountMetadata stores the account record in the KV mount.
func (c *Client) PutAccountMetadata(ctx context.Context, meta AccountMetadata) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	_, err := c.api.Logical().WriteWithContext(ctx, c.metadataPath(meta.Name), map[string]interface{}{
		"data": map[string]interface{}{
			"name":       meta.Name,
			"address":    meta.Address,
			"created_at": meta.CreatedAt.UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		return c.wrapErr("vault.putAccountMetadata", err)
	}
	return nil
}

// GetAccountMetadata reads the account record. A missing record returns
// (nil, nil), not an error.
func (c *Client) GetAccountMetadata(ctx context.Context, name string) (*AccountMetadata, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	secret, err := c.api.Logical().ReadWithContext(ctx, c.metadataPath(name))
	if err != nil {
		wrapped := c.wrapErr("vault.getAccountMetadata", err)
		if custody.IsKind(wrapped, custody.KindNotFound) {
			return nil, nil
		}
		return nil, wrapped
	}
	if secret == nil || secret.Data == nil {
		return nil, nil
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, nil // soft-deleted KV v2 entry
	}

	meta := &AccountMetadata{Name: name}
	if v, ok := data["name"].(string); ok {
		meta.Name = v
	}
	if v, ok := data["address"].(string); ok {
		meta.Address = v
	}
	if v, ok := data["created_at"].(string); ok {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			meta.CreatedAt = t
		}
	}
	return meta, nil
}

// ListAccountNames lists names with a metadata record. An empty mount (404)
// is an empty list.
func (c *Client) ListAccountNames(ctx context.Context) ([]string, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	path := fmt.Sprintf("%s/metadata/accounts", c.metadataMount)
	secret, err := c.api.Logical().ListWithContext(ctx, path)
	if err != nil {
		wrapped := c.wrapErr("vault.listAccountNames", err)
		if custody.IsKind(wrapped, custody.KindNotFound) {
			return nil, nil
		}
		return nil, wrapped
	}
	if secret == nil || secret.Data == nil {
		return nil, nil
	}

	raw, ok := secret.Data["keys"].([]interface{})
	if !ok {
		return nil, nil
	}
	var names []string
	for _, entry := range raw {
		if name, ok := entry.(string); ok {
			names = append(names, name)
		}
	}
	return names, nil
}

// DeleteAccountMetadata permanently removes the account record and all its
// KV versions. Deleting a missing record is a no-op.
func (c *Client) DeleteAccountMetadata(ctx context.Context, name string) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	path := fmt.Sprintf("%s/metadata/accounts/%s", c.metadataMount, name)
	if _, err := c.api.Logical().DeleteWithContext(ctx, path); err != nil {
		wrapped := c.wrapErr("vault.deleteAccountMetadata", err)
		if custody.IsKind(wrapped, custody.KindNotFound) {
			return nil
		}
		return wrapped
	}
	return nil
}

// IsAvailable reports whether the backend is initialized and unsealed.
func (c *Client) IsAvailable(ctx context.Context) bool {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	status, err := c.api.Sys().SealStatusWithContext(ctx)
	if err != nil {
		return false
	}
	return status.Initialized && !status.Sealed
}

// LookupToken introspects the client's own token and returns its display
// name and remaining TTL, for status output.
func (c *Client) LookupToken(ctx context.Context) (displayName string, ttl time.Duration, err error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	secret, err := c.api.Auth().Token().LookupSelfWithContext(ctx)
	if err != nil {
		return "", 0, c.wrapErr("vault.lookupToken", err)
	}
	if secret == nil || secret.Data == nil {
		return "", 0, nil
	}
	if v, ok := secret.Data["display_name"].(string); ok {
		displayName = v
	}
	if v, ok := secret.Data["ttl"].(json.Number); ok {
		if seconds, err := v.Int64(); err == nil {
			ttl = time.Duration(seconds) * time.Second
		}
	}
	return displayName, ttl, nil
}
