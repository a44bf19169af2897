package identity

import (
	"errors"
	"os"
	"strings"

	"trust-triangle/go-backend/internal/securestore"
)

// LoadOrCreateKeyFile returns the secret key stored encrypted at path,
// generating and persisting a new one when the file does not exist yet.
func LoadOrCreateKeyFile(path, passphrase string) (secretKey string, created bool, err error) {
	path, passphrase = securestore.NormalizeStorageConfig(path, passphrase)
	if passphrase == "" {
		return "", false, ErrKeyFileLocked
	}
	plaintext, err := securestore.ReadDecryptedFile(path, passphrase)
	switch {
	case err == nil:
		secretKey = strings.TrimSpace(string(plaintext))
		if _, err := ParseSecretKey(secretKey); err != nil {
			return "", false, err
		}
		return secretKey, false, nil
	case !errors.Is(err, os.ErrNotExist):
		return "", false, err
	}

	secretKey, err = GenerateSecretKey()
	if err != nil {
		return "", false, err
	}
	if err := WriteKeyFile(path, passphrase, secretKey); err != nil {
		return "", false, err
	}
	return secretKey, true, nil
}

func WriteKeyFile(path, passphrase, secretKey string) error {
	if _, err := ParseSecretKey(secretKey); err != nil {
		return err
	}
	return securestore.WriteEncryptedFile(path, passphrase, []byte(strings.TrimSpace(secretKey)))
}
