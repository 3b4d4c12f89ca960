package crypto

import (
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpenRoundTrip(t *testing.T) {
	key, err := GenerateDataKey()
	require.NoError(t, err)
	box := NewSecretBox(key)
	require.True(t, box.Enabled())

	sealed, err := box.Seal("JBSWY3DPEHPK3PXP", "user-1", "otp")
	require.NoError(t, err)
	assert.True(t, IsSealed(sealed))
	assert.NotContains(t, sealed, "JBSWY3DPEHPK3PXP")

	again, err := box.Seal(sealed, "user-1", "otp")
	require.NoError(t, err)
	assert.Equal(t, sealed, again, "sealing twice is a no-op")

	plain, err := box.Open(sealed, "user-1", "otp")
	require.NoError(t, err)
	assert.Equal(t, "JBSWY3DPEHPK3PXP", plain)
}

func TestOpenRejectsWrongContext(t *testing.T) {
	box := NewSecretBox("correct horse battery staple")
	sealed, err := box.Seal("secret", "user-1", "otp")
	require.NoError(t, err)

	_, err = box.Open(sealed, "user-2", "otp")
	assert.Error(t, err)

	_, err = NewSecretBox("another passphrase").Open(sealed, "user-1", "otp")
	assert.Error(t, err)
}

func TestDisabledBoxPassesThrough(t *testing.T) {
	box := NewSecretBox("  ")
	assert.False(t, box.Enabled())

	v, err := box.Seal("secret")
	require.NoError(t, err)
	assert.Equal(t, "secret", v)

	v, err = box.Open("secret")
	require.NoError(t, err)
	assert.Equal(t, "secret", v)

	sealed, err := NewSecretBox("k").Seal("secret")
	require.NoError(t, err)
	_, err = box.Open(sealed)
	assert.ErrorIs(t, err, ErrNoDataKey)
}

func TestKeyDecoding(t *testing.T) {
	raw := strings.Repeat("ab", 32) // 32 bytes as hex
	box := NewSecretBox(raw)
	want, _ := hex.DecodeString(raw)
	assert.Equal(t, want, box.dataKey)

	hashed := NewSecretBox("short")
	assert.Len(t, hashed.dataKey, 32)
}

func TestOpenMalformed(t *testing.T) {
	box := NewSecretBox("k")
	for _, v := range []string{"ENC:v1:onlyonepart", "ENC:v1:!!!:abc", "ENC:v1:YWJj:!!!", "ENC:v1:YWJj:YWJj"} {
		_, err := box.Open(v)
		assert.Error(t, err, v)
	}
}
