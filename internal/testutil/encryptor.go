package testutil

import (
	"dup-go/internal/dup"
	"dup-go/internal/encryption"
)

// NewTestEncryptor creates a new test encryptor for testing.
func NewTestEncryptor() dup.Encryptor {
	return encryption.NewTestEncryptor()
}
