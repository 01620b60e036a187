// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package walletconnect

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/aplane-algo/apcustody/internal/custody"
	"github.com/aplane-algo/apcustody/internal/util"
)

// Brand is the closed set of supported mobile wallets. Adding a brand means
// adding a constant here and extending the switches below; the compiler
// finds every site that needs updating.
type Brand int

const (
	BrandPera Brand = iota
	BrandDefly
)

// ParseBrand maps a user-facing brand id to its variant.
func ParseBrand(s string) (Brand, error) {
	switch s {
	case "pera":
		return BrandPera, nil
	case "defly":
		return BrandDefly, nil
	default:
		return 0, custody.Errorf(custody.KindInvalid, "wallet.parseBrand", "",
			"unknown wallet brand %q (supported: pera, defly)", s)
	}
}

// ID returns the stable identifier used in session file names and account
// names.
func (b Brand) ID() string {
	switch b {
	case BrandPera:
		return "pera"
	case BrandDefly:
		return "defly"
	default:
		return "unknown"
	}
}

// DisplayName returns the human-facing wallet name.
func (b Brand) DisplayName() string {
	switch b {
	case BrandPera:
		return "Pera Wallet"
	case BrandDefly:
		return "Defly Wallet"
	default:
		return "Unknown Wallet"
	}
}

// configEndpoint is the brand's published endpoint announcing its current
// bridge relay.
func (b Brand) configEndpoint() string {
	switch b {
	case BrandPera:
		return "https://wc.perawallet.app/config.json"
	case BrandDefly:
		return "https://wc.defly.app/config.json"
	default:
		return ""
	}
}

// fallbackBridge is used when the config endpoint cannot be reached.
func (b Brand) fallbackBridge() string {
	switch b {
	case BrandPera:
		return "https://wallet-connect-a.perawallet.app"
	case BrandDefly:
		return "https://wallet-connect-d.defly.app"
	default:
		return ""
	}
}

// bridgeCache memoizes resolved bridge URLs per process so repeated pairings
// don't refetch the brand config.
var bridgeCache sync.Map // Brand -> string

// resolveBridge returns the bridge relay URL for a brand. An explicit
// override wins; otherwise the brand's config endpoint is consulted once per
// process, falling back to the brand's published default bridge.
func resolveBridge(ctx context.Context, brand Brand, override string) string {
	if override != "" {
		return override
	}
	if cached, ok := bridgeCache.Load(brand); ok {
		return cached.(string)
	}

	bridge := fetchBridgeConfig(ctx, brand)
	if bridge == "" {
		bridge = brand.fallbackBridge()
	}
	bridgeCache.Store(brand, bridge)
	return bridge
}

func fetchBridgeConfig(ctx context.Context, brand Brand) string {
	endpoint := brand.configEndpoint()
	if endpoint == "" {
		return ""
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return ""
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		util.Debug("bridge config fetch failed, using fallback", "brand", brand.ID(), "err", err)
		return ""
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return ""
	}

	var config struct {
		BridgeURL string `json:"bridge_url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&config); err != nil {
		return ""
	}
	return config.BridgeURL
}

// accountName builds the display name for the nth approved account, e.g.
// "pera-1".
func (b Brand) accountName(index int) string {
	return fmt.Sprintf("%s-%d", b.ID(), index+1)
}
