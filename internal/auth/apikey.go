package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
)

// APIKeyPrefix starts every generated key.
const APIKeyPrefix = "fsh_"

// GenerateAPIKey generates a new random API key with its hash and display
// prefix.
func GenerateAPIKey() (key string, hash string, prefix string, err error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", "", "", err
	}

	key = APIKeyPrefix + hex.EncodeToString(bytes)
	hash = HashAPIKey(key)
	prefix = key[:len(APIKeyPrefix)+8]

	return key, hash, prefix, nil
}

// HashAPIKey creates a SHA-256 hash of the API key.
// SHA-256 suffices since keys are high-entropy random strings.
func HashAPIKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}
