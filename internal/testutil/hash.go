package testutil

import (
	"crypto/sha256"
	"encoding/base64"
)

// HashBase64 returns the SHA-256 of data in the encoding blocks and
// blocksets are stored with.
func HashBase64(data []byte) string {
	h := sha256.Sum256(data)
	return base64.StdEncoding.EncodeToString(h[:])
}
