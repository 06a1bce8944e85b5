// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package redaction keeps credentials out of log output. Log lines carry a
// placeholder with the value's length and a short hash, so consecutive
// refreshes of the same token can be told apart from an actual rotation
// without the token itself ever being written.
package redaction

import (
	"fmt"
	"hash/crc32"
)

// ComputeContentHash returns an 8-character hex fingerprint of s.
// CRC32 is enough here: the hash only correlates log lines, it is never
// used as a security boundary.
func ComputeContentHash(s string) string {
	return fmt.Sprintf("%08x", crc32.ChecksumIEEE([]byte(s)))
}

// RedactString replaces s with a placeholder of the form
// [REDACTED LENGTH=n HASH=xxxxxxxx]. The empty string stays empty.
func RedactString(s string) string {
	if s == "" {
		return ""
	}
	return fmt.Sprintf("[REDACTED LENGTH=%d HASH=%s]", len(s), ComputeContentHash(s))
}
