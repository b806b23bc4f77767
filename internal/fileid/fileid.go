// Package fileid provides deterministic identifiers derived from file content.
package fileid

import (
	"crypto/sha256"
	"encoding/hex"
)

const prefix = "sha256:"

// ContentID returns a stable identifier for content. Identical bytes always yield the
// same ID, so repeated images (logos, re-extractions) share one vision cache entry.
func ContentID(content []byte) string {
	hash := sha256.Sum256(content)
	return prefix + hex.EncodeToString(hash[:])
}
