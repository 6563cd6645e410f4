package domain

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashAPIKey returns the hex sha256 stored in api_keys.key_hash.
func HashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
