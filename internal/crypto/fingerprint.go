package crypto

import (
	"crypto/sha256"
	"encoding/base64"
	"strings"
)

// Fingerprint returns a stable, non-reversible key for values such as email
// addresses that should not be stored in clear in shared caches or logs.
func Fingerprint(value string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(value))))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
