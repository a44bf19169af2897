package identity

import "errors"

var (
	ErrInvalidSecretKey = errors.New("invalid secret key")
	ErrInvalidNodeID    = errors.New("invalid node id")
	ErrInvalidSignature = errors.New("invalid signature length")
	ErrInvalidMnemonic  = errors.New("invalid mnemonic")
	ErrKeyFileLocked    = errors.New("key file passphrase is required")
)

type DerivedKeys struct {
	SigningPrivateKey []byte // Ed25519 private key bytes (64)
	SigningPublicKey  []byte // Ed25519 public key bytes (32)
}
