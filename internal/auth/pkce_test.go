package auth

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeneratePKCE(t *testing.T) {
	verifier, challenge, err := GeneratePKCE()
	require.NoError(t, err)

	// RFC 7636 bounds; 32 random bytes always encode to 43 characters
	assert.GreaterOrEqual(t, len(verifier), 43)
	assert.LessOrEqual(t, len(verifier), 128)
	assert.Len(t, verifier, 43)

	hash := sha256.Sum256([]byte(verifier))
	assert.Equal(t, base64.RawURLEncoding.EncodeToString(hash[:]), challenge,
		"challenge must be the base64url SHA-256 of its own verifier")

	_, err = base64.RawURLEncoding.DecodeString(verifier)
	assert.NoError(t, err, "verifier must be unpadded base64url")
}

func TestGeneratePKCE_PairsAreUnique(t *testing.T) {
	v1, c1, err := GeneratePKCE()
	require.NoError(t, err)
	v2, c2, err := GeneratePKCE()
	require.NoError(t, err)

	assert.NotEqual(t, v1, v2)
	assert.NotEqual(t, c1, c2)
}

func TestGenerateState(t *testing.T) {
	state, err := GenerateState()
	require.NoError(t, err)

	assert.Len(t, state, 32)
	assert.Equal(t, strings.ToLower(state), state, "state must be lowercase hex")

	_, err = hex.DecodeString(state)
	assert.NoError(t, err)
}

func TestGenerateState_NoCollisions(t *testing.T) {
	seen := make(map[string]struct{}, 10000)
	for i := 0; i < 10000; i++ {
		state, err := GenerateState()
		require.NoError(t, err)

		_, dup := seen[state]
		require.False(t, dup, "state collision after %d samples", i)
		seen[state] = struct{}{}
	}
}
