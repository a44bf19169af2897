package identity

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"strings"

	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/hkdf"
)

const hkdfInfoSigning = "trust-triangle/node/signing/v1"

func DeriveKeys(seedBytes []byte) (*DerivedKeys, error) {
	signingSeed, err := hkdfExpand(seedBytes, hkdfInfoSigning, ed25519.SeedSize)
	if err != nil {
		return nil, err
	}
	signingPriv := ed25519.NewKeyFromSeed(signingSeed)
	signingPub := signingPriv.Public().(ed25519.PublicKey)

	return &DerivedKeys{
		SigningPrivateKey: signingPriv,
		SigningPublicKey:  signingPub,
	}, nil
}

// GenerateMnemonic returns a fresh 24-word recovery phrase.
func GenerateMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", err
	}
	return bip39.NewMnemonic(entropy)
}

// SecretKeyFromMnemonic derives the hex secret key a node spawns with.
func SecretKeyFromMnemonic(mnemonic string) (string, error) {
	mnemonic = strings.Join(strings.Fields(mnemonic), " ")
	if !bip39.IsMnemonicValid(mnemonic) {
		return "", ErrInvalidMnemonic
	}
	keys, err := DeriveKeys(bip39.NewSeed(mnemonic, ""))
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(ed25519.PrivateKey(keys.SigningPrivateKey).Seed()), nil
}

func hkdfExpand(seed []byte, info string, outLen int) ([]byte, error) {
	reader := hkdf.New(sha256.New, seed, nil, []byte(info))
	out := make([]byte, outLen)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, err
	}
	return out, nil
}
