// Package crypto seals secrets (TOTP seeds) before they are written to the
// database, with AES-GCM under a key from DATA_ENCRYPTION_KEY.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const (
	storagePrefix    = "ENC:v1:"
	storageDelimiter = ":"
)

// EnvDataEncryptionKey environment variable holding the data key
const EnvDataEncryptionKey = "DATA_ENCRYPTION_KEY"

var ErrNoDataKey = errors.New("data encryption key not configured")

// SecretBox encrypts values for storage. Without a key values are stored
// as plaintext.
type SecretBox struct {
	dataKey []byte
}

// NewSecretBox derives the AES key from raw: base64 or hex keys of 16, 24
// or 32 bytes are used as is, anything else is hashed with SHA-256. An
// empty raw disables encryption.
func NewSecretBox(raw string) *SecretBox {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return &SecretBox{}
	}
	if key, ok := decodePossibleKey(raw); ok {
		return &SecretBox{dataKey: key}
	}
	sum := sha256.Sum256([]byte(raw))
	return &SecretBox{dataKey: sum[:]}
}

func decodePossibleKey(value string) ([]byte, bool) {
	decoders := []func(string) ([]byte, error){
		base64.StdEncoding.DecodeString,
		base64.RawStdEncoding.DecodeString,
		hex.DecodeString,
	}
	for _, decode := range decoders {
		if decoded, err := decode(value); err == nil {
			switch len(decoded) {
			case 16, 24, 32:
				return decoded, true
			}
		}
	}
	return nil, false
}

// Enabled reports whether values are actually encrypted
func (b *SecretBox) Enabled() bool {
	return len(b.dataKey) > 0
}

// Seal encrypts plaintext bound to aadParts (e.g. user id and purpose).
// Already sealed values are returned unchanged.
func (b *SecretBox) Seal(plaintext string, aadParts ...string) (string, error) {
	if plaintext == "" || !b.Enabled() || IsSealed(plaintext) {
		return plaintext, nil
	}

	gcm, err := b.gcm()
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	ciphertext := gcm.Seal(nil, nonce, []byte(plaintext), composeAAD(aadParts))

	return storagePrefix +
		base64.StdEncoding.EncodeToString(nonce) + storageDelimiter +
		base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Open reverses Seal. Plaintext values written before a key was configured
// pass through.
func (b *SecretBox) Open(value string, aadParts ...string) (string, error) {
	if value == "" || !IsSealed(value) {
		return value, nil
	}
	if !b.Enabled() {
		return "", ErrNoDataKey
	}

	payload := strings.TrimPrefix(value, storagePrefix)
	parts := strings.SplitN(payload, storageDelimiter, 2)
	if len(parts) != 2 {
		return "", errors.New("invalid sealed value")
	}
	nonce, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("decode nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	gcm, err := b.gcm()
	if err != nil {
		return "", err
	}
	if len(nonce) != gcm.NonceSize() {
		return "", fmt.Errorf("invalid nonce length: want %d, got %d", gcm.NonceSize(), len(nonce))
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, composeAAD(aadParts))
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}

func (b *SecretBox) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(b.dataKey)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// IsSealed reports whether value was produced by Seal
func IsSealed(value string) bool {
	return strings.HasPrefix(value, storagePrefix)
}

func composeAAD(parts []string) []byte {
	if len(parts) == 0 {
		return nil
	}
	return []byte(strings.Join(parts, "|"))
}

// GenerateDataKey returns a random base64 encoded 32 byte key
func GenerateDataKey() (string, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
