// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package walletconnect

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/mdp/qrterminal/v3"
	qrcode "github.com/skip2/go-qrcode"
)

// PairingTimeout bounds how long a pairing request waits for the wallet user
// to approve or reject on the phone.
const PairingTimeout = 5 * time.Minute

type PairingStatus int

const (
	PairingConnected PairingStatus = iota
	PairingRejected
	PairingTimedOut
)

// PairingResult is delivered exactly once on the Approval channel. Wallet
// and network identification is filled in on Connected.
type PairingResult struct {
	Status     PairingStatus
	WalletID   string
	WalletName string
	Accounts   []string
	Network    string
	Reason     string
}

// PairingRequest is everything a frontend needs to present a pending pairing:
// the raw URI, two QR renderings, user instructions, and the approval future.
type PairingRequest struct {
	URI          string
	QRAscii      string
	QRDataURL    string
	Instructions string
	Approval     <-chan PairingResult
}

// renderQRAscii draws the pairing URI as a terminal QR code.
func renderQRAscii(uri string) string {
	var buf strings.Builder
	qrterminal.GenerateWithConfig(uri, qrterminal.Config{
		Level:     qrterminal.L,
		Writer:    &buf,
		BlackChar: qrterminal.BLACK,
		WhiteChar: qrterminal.WHITE,
		QuietZone: 1,
	})
	return buf.String()
}

// renderQRDataURL encodes the pairing URI as a PNG data URL for embedding in
// an HTML page.
func renderQRDataURL(uri string) (string, error) {
	png, err := qrcode.Encode(uri, qrcode.Medium, 256)
	if err != nil {
		return "", fmt.Errorf("failed to render QR code: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}

func pairingInstructions(brand Brand) string {
	return fmt.Sprintf("Scan the QR code with %s and approve the connection on your phone.",
		brand.DisplayName())
}
