package rpc

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// ResolveToken returns the token the server should require. "auto"
// generates a fresh token and writes it to tokenFile when one is set. An
// empty token falls back to the contents of tokenFile.
func ResolveToken(token, tokenFile string) (string, error) {
	token = strings.TrimSpace(token)
	tokenFile = strings.TrimSpace(tokenFile)
	if strings.EqualFold(token, "auto") {
		generated, err := generateRPCToken()
		if err != nil {
			return "", err
		}
		if err := persistRPCToken(tokenFile, generated); err != nil {
			return "", err
		}
		return generated, nil
	}
	if token != "" || tokenFile == "" {
		return token, nil
	}
	raw, err := os.ReadFile(tokenFile)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(raw)), nil
}

func generateRPCToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "rpc_" + hex.EncodeToString(buf), nil
}

func persistRPCToken(path, token string) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(token), 0o600)
}
