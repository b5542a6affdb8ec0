// Package fingerprint produces deterministic digests of record payloads for
// change detection. Two payloads with the same canonical form always hash to
// the same fingerprint regardless of field order in the source response.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/danabek/goszakup-ingest/pkg/payload"
)

// Generate creates a fingerprint for a payload: a SHA256 hash of its
// canonical serialization.
func Generate(p payload.Payload) string {
	hash := sha256.Sum256([]byte(p.Canonical()))
	return hex.EncodeToString(hash[:])
}

// GenerateFromJSON creates a fingerprint from raw JSON.
func GenerateFromJSON(data []byte) (string, error) {
	p, err := payload.Parse(data)
	if err != nil {
		return "", err
	}
	return Generate(p), nil
}

// HasChanged compares two fingerprints to detect changes.
func HasChanged(oldFingerprint, newFingerprint string) bool {
	return oldFingerprint != newFingerprint
}
