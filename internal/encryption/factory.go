package encryption

import (
	"fmt"

	"dup-go/internal/config"
	"dup-go/internal/dup"
)

// NewEncryptorFromConfig creates an Encryptor based on the configuration
// type. The "none" type yields a nil Encryptor and unencrypted volumes.
// passphrase is only used by age without key paths.
func NewEncryptorFromConfig(cfg config.EncryptionConfig, passphrase string) (dup.Encryptor, error) {
	switch cfg.Type {
	case "age", "":
		if cfg.PublicKeyPath == "" && cfg.PrivateKeyPath == "" {
			return NewPassphraseEncryptor(passphrase), nil
		}
		return NewAgeEncryptor(cfg), nil
	case "test":
		return NewTestEncryptor(), nil
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown encryption type: %q", cfg.Type)
	}
}
