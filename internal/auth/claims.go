package auth

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// planTypeDefault applies when the token carries no plan claim.
const planTypeDefault = "free"

// vendorAuthClaim is the issuer's account namespace.
type vendorAuthClaim struct {
	AccountID     string              `json:"chatgpt_account_id"`
	PlanType      string              `json:"chatgpt_plan_type"`
	UserID        string              `json:"chatgpt_user_id"`
	Organizations []organizationClaim `json:"organizations"`
}

type organizationClaim struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Role      string `json:"role"`
	IsDefault bool   `json:"is_default"`
}

// vendorProfileClaim is the issuer's profile namespace.
type vendorProfileClaim struct {
	Email   string `json:"email"`
	Name    string `json:"name"`
	Picture string `json:"picture"`
}

// tokenClaims is the decoded payload of a compact token. The vendor
// namespaces are reached by literal URI-shaped keys, so the full URIs appear
// as json tags.
//
// The aud claim is deliberately not declared: issuers disagree on whether it
// is a string or an array of strings, and parsing it with a fixed type breaks
// decoding for no benefit. Leaving it out means json.Unmarshal skips it.
type tokenClaims struct {
	Subject   string              `json:"sub"`
	Email     string              `json:"email"`
	ExpiresAt int64               `json:"exp"`
	Auth      *vendorAuthClaim    `json:"https://api.openai.com/auth"`
	Profile   *vendorProfileClaim `json:"https://api.openai.com/profile"`
}

// decodeClaims decodes the payload segment of a compact three-segment token.
// No signature verification is performed; the token comes from the trusted
// issuer over TLS and this decoder must never be used to establish trust.
func decodeClaims(token string) (*tokenClaims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("invalid token format: expected 3 segments, got %d", len(parts))
	}

	payload, err := decodeSegment(parts[1])
	if err != nil {
		return nil, fmt.Errorf("failed to decode token payload: %w", err)
	}

	var claims tokenClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("failed to parse token claims: %w", err)
	}

	return &claims, nil
}

// decodeSegment decodes a base64url token segment. Some issuers emit the
// standard alphabet or include padding, so after the strict decode fails the
// segment is normalized to the standard alphabet and padded to a multiple of
// four before a second attempt.
func decodeSegment(seg string) ([]byte, error) {
	if decoded, err := base64.RawURLEncoding.DecodeString(seg); err == nil {
		return decoded, nil
	}

	normalized := strings.ReplaceAll(seg, "-", "+")
	normalized = strings.ReplaceAll(normalized, "_", "/")
	if pad := len(normalized) % 4; pad != 0 {
		normalized += strings.Repeat("=", 4-pad)
	}
	return base64.StdEncoding.DecodeString(normalized)
}

// ExtractAccountInfo decodes an access token and assembles the account
// identity from its claims. Vendor-namespaced fields are preferred, with the
// top-level sub/email claims as fallback. The result is only usable when both
// the account id and the email are present.
func ExtractAccountInfo(token string) (*AccountInfo, error) {
	claims, err := decodeClaims(token)
	if err != nil {
		return nil, err
	}

	info := &AccountInfo{
		PlanType: planTypeDefault,
		UserID:   claims.Subject,
		Email:    claims.Email,
	}

	if claims.Auth != nil {
		info.AccountID = claims.Auth.AccountID
		if claims.Auth.PlanType != "" {
			info.PlanType = claims.Auth.PlanType
		}
		if claims.Auth.UserID != "" {
			info.UserID = claims.Auth.UserID
		}
	}
	if info.AccountID == "" {
		info.AccountID = claims.Subject
	}

	if claims.Profile != nil && claims.Profile.Email != "" {
		info.Email = claims.Profile.Email
	}

	if claims.ExpiresAt > 0 {
		info.ExpiresAt = time.Unix(claims.ExpiresAt, 0)
	}

	if info.AccountID == "" || info.Email == "" {
		return nil, fmt.Errorf("token claims carry no usable identity (account id or email missing)")
	}

	return info, nil
}
