package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// GeneratePKCE generates a PKCE code verifier and its S256 challenge as
// defined by RFC 7636. The verifier is 32 random bytes base64url-encoded
// without padding (43 characters); the challenge is the base64url-encoded
// SHA-256 digest of the verifier.
//
// Randomness comes from crypto/rand only. An entropy failure is returned as
// an error, never papered over with a weaker source.
func GeneratePKCE() (verifier, challenge string, err error) {
	verifierBytes := make([]byte, 32)
	if _, err := rand.Read(verifierBytes); err != nil {
		return "", "", fmt.Errorf("failed to generate code verifier: %w", err)
	}

	verifier = base64.RawURLEncoding.EncodeToString(verifierBytes)

	hash := sha256.Sum256([]byte(verifier))
	challenge = base64.RawURLEncoding.EncodeToString(hash[:])

	return verifier, challenge, nil
}

// GenerateState generates the anti-CSRF state parameter: 16 random bytes
// rendered as 32 lowercase hex characters.
func GenerateState() (string, error) {
	stateBytes := make([]byte, 16)
	if _, err := rand.Read(stateBytes); err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}
	return hex.EncodeToString(stateBytes), nil
}
