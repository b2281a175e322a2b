package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

const (
	// DefaultSessionTTL is the session lifetime when none is configured.
	DefaultSessionTTL = 24 * time.Hour

	// TokenLength is the length of generated bearer tokens in bytes (256 bits)
	TokenLength = 32
)

// GenerateBearerToken generates a cryptographically secure random bearer token.
// Returns the token (hex) handed to the client and its SHA256 hash for storage.
func GenerateBearerToken() (string, string, error) {
	tokenBytes := make([]byte, TokenLength)
	if _, err := rand.Read(tokenBytes); err != nil {
		return "", "", fmt.Errorf("generate random token: %w", err)
	}

	token := hex.EncodeToString(tokenBytes)
	return token, HashBearerToken(token), nil
}

// HashBearerToken hashes a bearer token for storage/lookup
func HashBearerToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}
