// Package fingerprint computes the deterministic dedup hash for error rows.
//
// The hash must be byte-identical whether computed here or by the SQL digest
// path in the merger, so Normalize mirrors the SQL expression exactly:
// lowercase, trim, collapse runs of whitespace to a single space, join the
// six fields with "|", SHA-256, hex-encode.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Normalize lowercases, trims, and collapses internal whitespace.
func Normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.TrimSpace(s))), " ")
}

// Compute hashes the normalized concatenation of the given fields.
func Compute(fields ...string) string {
	parts := make([]string, len(fields))
	for i, f := range fields {
		parts[i] = Normalize(f)
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// Error computes the canonical six-field fingerprint of an error row:
// description, order id, evaluation phase id, severity, evaluation phase
// event id, blamed phase event id.
func Error(description, orderID, evalPhaseID, severity, evalPhaseEventID, blamedPhaseEventID string) string {
	return Compute(description, orderID, evalPhaseID, severity, evalPhaseEventID, blamedPhaseEventID)
}
