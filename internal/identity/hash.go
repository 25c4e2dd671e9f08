// Package identity maps user email addresses to the one-way lookup keys used
// by the device-token store. The store only ever sees the digest, so a dump of
// its contents contains no plaintext addresses. Normalization (trim + lower)
// happens before hashing so that "User@Example.com " and "user@example.com"
// resolve to the same device.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Hash returns the lowercase hex SHA-256 digest of the normalized email
// address. The result is always 64 characters and is safe to use as a
// storage key or to appear in logs.
func Hash(email string) string {
	normalized := strings.ToLower(strings.TrimSpace(email))
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}
