// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package walletconnect

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/algorand/go-algorand-sdk/v2/encoding/msgpack"
	"github.com/algorand/go-algorand-sdk/v2/types"

	"github.com/aplane-algo/apcustody/internal/custody"
)

// SigningTimeout bounds how long a signing request waits for approval on the
// phone.
const SigningTimeout = 2 * time.Minute

const methodSignTxn = "algo_signTxn"

// signTxnEntry is one transaction in an algo_signTxn request. Signers names
// the account the wallet must sign with; an empty list marks the transaction
// as display-only context the wallet must not sign.
type signTxnEntry struct {
	Txn     string    `json:"txn"`
	Signers *[]string `json:"signers,omitempty"`
}

var noSigners = []string{}

// rejectionPhrases maps the free-text errors wallets return on a declined
// request to the Rejected kind. This is the only place that text is
// interpreted; new wallet phrasings get added here.
var rejectionPhrases = []string{"rejected", "cancelled", "canceled", "declined"}

func isRejection(msg string) bool {
	lower := strings.ToLower(msg)
	for _, phrase := range rejectionPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

// signTransactions sends one algo_signTxn request covering the whole group
// and returns the signed blobs for the requested indexes, in request order.
// Requested entries name the signing address so a wallet with several
// approved accounts signs with the right one.
func signTransactions(ctx context.Context, conn Connector, timeout time.Duration,
	address string, txGroup []types.Transaction, indexesToSign []int) ([][]byte, error) {

	requested := make(map[int]bool, len(indexesToSign))
	for _, idx := range indexesToSign {
		if idx < 0 || idx >= len(txGroup) {
			return nil, custody.Errorf(custody.KindInvalid, "wallet.sign", "",
				"index %d out of range for group of %d", idx, len(txGroup))
		}
		requested[idx] = true
	}

	signer := []string{address}
	entries := make([]signTxnEntry, len(txGroup))
	for i := range txGroup {
		entries[i].Txn = base64.StdEncoding.EncodeToString(msgpack.Encode(&txGroup[i]))
		if requested[i] {
			entries[i].Signers = &signer
		} else {
			entries[i].Signers = &noSigners
		}
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := conn.Request(ctx, methodSignTxn, [][]signTxnEntry{entries})
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			return nil, custody.E(custody.KindTimeout, "wallet.sign",
				"the wallet did not respond in time; check your phone and retry", err)
		case isRejection(err.Error()):
			return nil, custody.E(custody.KindRejected, "wallet.sign",
				"the signing request was declined on the phone", err)
		default:
			return nil, fmt.Errorf("signing request failed: %w", err)
		}
	}

	// The wallet answers with one base64 blob per group entry, null where it
	// did not sign.
	var encoded []*string
	if err := json.Unmarshal(result, &encoded); err != nil {
		return nil, fmt.Errorf("malformed signing response: %w", err)
	}
	if len(encoded) != len(txGroup) {
		return nil, fmt.Errorf("signing response has %d entries, want %d", len(encoded), len(txGroup))
	}

	blobs := make([][]byte, 0, len(indexesToSign))
	for _, idx := range indexesToSign {
		if encoded[idx] == nil {
			return nil, fmt.Errorf("wallet did not return a signature for transaction %d", idx)
		}
		blob, err := base64.StdEncoding.DecodeString(*encoded[idx])
		if err != nil {
			return nil, fmt.Errorf("invalid signature encoding for transaction %d: %w", idx, err)
		}
		blobs = append(blobs, blob)
	}
	return blobs, nil
}
