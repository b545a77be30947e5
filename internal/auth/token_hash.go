package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// hashToken derives the revocation key for a token. Raw tokens are never
// persisted.
func hashToken(token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", errTokenRequired
	}
	digest := sha256.Sum256([]byte(token))
	return hex.EncodeToString(digest[:]), nil
}

// HashToken exposes hashToken for operator tooling that revokes by hash.
func HashToken(token string) (string, error) {
	return hashToken(token)
}

func generateToken(length int) (string, error) {
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
