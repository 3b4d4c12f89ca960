package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// APITokenPrefix marks API tokens so they can be told apart from JWTs
const APITokenPrefix = "gtp_"

// GenerateAPIToken returns the plaintext token (shown once), a short display
// prefix and the sha256 hash to store.
func GenerateAPIToken() (plain, prefix, hash string, err error) {
	buf := make([]byte, 20)
	if _, err = rand.Read(buf); err != nil {
		return "", "", "", err
	}
	plain = APITokenPrefix + hex.EncodeToString(buf)
	return plain, plain[:len(APITokenPrefix)+8], HashAPIToken(plain), nil
}

// HashAPIToken hashes a plaintext token for lookup
func HashAPIToken(plain string) string {
	sum := sha256.Sum256([]byte(plain))
	return hex.EncodeToString(sum[:])
}

// IsAPIToken reports whether s looks like an API token rather than a JWT
func IsAPIToken(s string) bool {
	return strings.HasPrefix(s, APITokenPrefix)
}
