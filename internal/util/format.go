// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package util

// FormatAddressShort returns address in abbreviated "ABCD..WXYZ" format.
// For addresses <= 12 characters, returns unchanged.
func FormatAddressShort(addr string) string {
	if len(addr) <= 12 {
		return addr
	}
	return addr[:4] + ".." + addr[len(addr)-4:]
}
