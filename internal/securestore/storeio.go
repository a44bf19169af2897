package securestore

import (
	"os"
	"path/filepath"
	"strings"
)

// NormalizeStorageConfig trims persisted path/secret values.
func NormalizeStorageConfig(path, secret string) (string, string) {
	return strings.TrimSpace(path), strings.TrimSpace(secret)
}

// ReadDecryptedFile reads and decrypts file content with the provided secret.
func ReadDecryptedFile(path, secret string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Decrypt(secret, raw)
}

// WriteEncryptedFile encrypts plaintext and writes it with owner-only permissions.
func WriteEncryptedFile(path, secret string, plaintext []byte) error {
	encrypted, err := Encrypt(secret, plaintext)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, encrypted, 0o600)
}
