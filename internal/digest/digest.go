// Package digest computes the stable content digests used for version
// identity and address-based deletion. The digest is taken over the raw
// signed container as received, so re-signing identical content yields a
// new version identity.
package digest

import (
	"crypto/sha256"
	"encoding/hex"
)

// Sum returns the hex-encoded SHA-256 digest of a resource container.
func Sum(resource string) string {
	h := sha256.Sum256([]byte(resource))
	return hex.EncodeToString(h[:])
}
