package auth

import (
	"time"

	"golang.org/x/oauth2"
)

// TokenResponse is the JSON body returned by the issuer's token endpoint for
// both the authorization_code and refresh_token grants.
type TokenResponse struct {
	// AccessToken is the bearer token used for API calls.
	AccessToken string `json:"access_token"`

	// RefreshToken is optional; when the issuer omits it on refresh the
	// caller keeps the previous one.
	RefreshToken string `json:"refresh_token,omitempty"`

	// IDToken is the optional OIDC identity assertion.
	IDToken string `json:"id_token,omitempty"`

	// ExpiresIn is the access token lifetime in seconds.
	ExpiresIn int `json:"expires_in"`

	// TokenType is typically "Bearer". Informational only.
	TokenType string `json:"token_type,omitempty"`
}

// AccountInfo is the identity decoded from an access token's claims.
// It is derived data; it is never stored independently of the token.
type AccountInfo struct {
	AccountID string
	PlanType  string
	UserID    string
	Email     string

	// ExpiresAt comes from the token's exp claim. Zero when the claim is
	// absent; the caller then derives expiry from expires_in instead.
	ExpiresAt time.Time
}

// Account is the unit handed back to the caller after a successful flow:
// identity, the three tokens, and an absolute expiry. The flow keeps no
// reference to it after return.
type Account struct {
	Email     string    `json:"email"`
	AccountID string    `json:"account_id"`
	PlanType  string    `json:"plan_type"`
	ExpiresAt time.Time `json:"expires_at"`

	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
}

// OAuth2Token converts the account's credentials into an oauth2.Token for
// consumers that speak the standard libraries' token type.
func (a *Account) OAuth2Token() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  a.AccessToken,
		RefreshToken: a.RefreshToken,
		TokenType:    "Bearer",
		Expiry:       a.ExpiresAt,
	}
}

// authAttempt tracks one in-flight authorization attempt, keyed by its state
// token. Entries older than attemptTTL are purged before a new attempt is
// registered so abandoned flows cannot accumulate.
type authAttempt struct {
	state     string
	verifier  string
	port      int
	createdAt time.Time
}
