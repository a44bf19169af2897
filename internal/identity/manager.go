package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/mr-tron/base58"
)

// Manager owns the node keypair. The key is fixed for the lifetime of the
// manager; callers only ever see the public node id and signatures.
type Manager struct {
	mu     sync.RWMutex
	priv   ed25519.PrivateKey
	nodeID string
}

// NewManager loads the hex secret key, or generates one when it is empty.
func NewManager(secretKey string) (*Manager, error) {
	var (
		priv ed25519.PrivateKey
		err  error
	)
	if strings.TrimSpace(secretKey) == "" {
		_, priv, err = ed25519.GenerateKey(rand.Reader)
	} else {
		priv, err = ParseSecretKey(secretKey)
	}
	if err != nil {
		return nil, err
	}
	pub := priv.Public().(ed25519.PublicKey)
	id, err := EncodeNodeID(pub)
	if err != nil {
		return nil, err
	}
	return &Manager{
		priv:   append(ed25519.PrivateKey(nil), priv...),
		nodeID: id,
	}, nil
}

func (m *Manager) NodeID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.nodeID
}

// SecretKey returns the hex-encoded 32-byte seed.
func (m *Manager) SecretKey() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return hex.EncodeToString(m.priv.Seed())
}

func (m *Manager) Sign(payload []byte) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.priv) != ed25519.PrivateKeySize {
		return nil, ErrInvalidSecretKey
	}
	return ed25519.Sign(m.priv, payload), nil
}

func (m *Manager) Verify(payload, signature []byte, nodeID string) (bool, error) {
	return Verify(payload, signature, nodeID)
}

// Verify checks signature against the public key encoded in nodeID. A
// malformed node id or signature is an error; a mismatch is not.
func Verify(payload, signature []byte, nodeID string) (bool, error) {
	pub, err := DecodeNodeID(nodeID)
	if err != nil {
		return false, err
	}
	if len(signature) != ed25519.SignatureSize {
		return false, fmt.Errorf("%w: expected %d, got %d", ErrInvalidSignature, ed25519.SignatureSize, len(signature))
	}
	return ed25519.Verify(pub, payload, signature), nil
}

func GenerateSecretKey() (string, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return "", err
	}
	return hex.EncodeToString(seed), nil
}

func ParseSecretKey(secretKey string) (ed25519.PrivateKey, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(secretKey))
	if err != nil || len(raw) != ed25519.SeedSize {
		return nil, ErrInvalidSecretKey
	}
	return ed25519.NewKeyFromSeed(raw), nil
}

func DerivePublicID(secretKey string) (string, error) {
	priv, err := ParseSecretKey(secretKey)
	if err != nil {
		return "", err
	}
	return EncodeNodeID(priv.Public().(ed25519.PublicKey))
}

func EncodeNodeID(pub ed25519.PublicKey) (string, error) {
	if len(pub) != ed25519.PublicKeySize {
		return "", fmt.Errorf("%w: public key size %d", ErrInvalidNodeID, len(pub))
	}
	return base58.Encode(pub), nil
}

func DecodeNodeID(nodeID string) (ed25519.PublicKey, error) {
	raw, err := base58.Decode(strings.TrimSpace(nodeID))
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return nil, ErrInvalidNodeID
	}
	return ed25519.PublicKey(raw), nil
}

// NormalizeNodeID trims and validates a node id.
func NormalizeNodeID(nodeID string) (string, error) {
	pub, err := DecodeNodeID(nodeID)
	if err != nil {
		return "", err
	}
	return EncodeNodeID(pub)
}
