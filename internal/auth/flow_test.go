package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/halcyonix/authswitch/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func flowConfig(t *testing.T, tokenURL string) *config.OAuthConfig {
	t.Helper()
	return &config.OAuthConfig{
		ClientID:      "test-client",
		AuthorizeURL:  "https://issuer.example/oauth/authorize",
		TokenURL:      tokenURL,
		Scopes:        []string{"openid", "profile", "email"},
		PreferredPort: freePort(t),
		FallbackPorts: []int{freePort(t)},
		CallbackPath:  "/auth/callback",
		FlowTimeout:   5 * time.Second,
		BindTimeout:   2 * time.Second,
		BrowserDelay:  time.Millisecond,
		HTTPTimeout:   5 * time.Second,
	}
}

// redirectingBrowser stands in for the user: it follows the authorization URL
// far enough to extract state and redirect_uri, then simulates the issuer's
// redirect carrying the given query values.
func redirectingBrowser(t *testing.T, query func(state string) string) func(string) error {
	t.Helper()
	return func(authURL string) error {
		u, err := url.Parse(authURL)
		if err != nil {
			return err
		}
		state := u.Query().Get("state")
		redirectURI := u.Query().Get("redirect_uri")
		go func() {
			resp, err := http.Get(redirectURI + "?" + query(state))
			if err == nil {
				_ = resp.Body.Close()
			}
		}()
		return nil
	}
}

func tokenEndpoint(t *testing.T, accessToken string, gotForm *url.Values) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		if gotForm != nil {
			*gotForm = r.PostForm
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(TokenResponse{
			AccessToken:  accessToken,
			RefreshToken: "refresh-1",
			IDToken:      "id-1",
			ExpiresIn:    3600,
			TokenType:    "Bearer",
		})
	}))
	t.Cleanup(ts.Close)
	return ts
}

func TestFlow_Authenticate_Success(t *testing.T) {
	accessToken := mintToken(t, jwt.MapClaims{
		"sub": "u1",
		"https://api.openai.com/auth": map[string]interface{}{
			"chatgpt_account_id": "acct-1",
			"chatgpt_plan_type":  "pro",
		},
		"https://api.openai.com/profile": map[string]interface{}{
			"email": "dev@example.com",
		},
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	var form url.Values
	ts := tokenEndpoint(t, accessToken, &form)

	cfg := flowConfig(t, ts.URL)
	flow := NewFlow(cfg)
	flow.openBrowser = redirectingBrowser(t, func(state string) string {
		return "code=the-code&state=" + state
	})

	account, err := flow.Authenticate(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "dev@example.com", account.Email)
	assert.Equal(t, "acct-1", account.AccountID)
	assert.Equal(t, "pro", account.PlanType)
	assert.Equal(t, accessToken, account.AccessToken)
	assert.Equal(t, "refresh-1", account.RefreshToken)
	assert.Equal(t, "id-1", account.IDToken)
	assert.False(t, account.ExpiresAt.IsZero())

	// The exchange must echo the bound redirect URI and carry the verifier
	assert.Equal(t, "authorization_code", form.Get("grant_type"))
	assert.Equal(t, "the-code", form.Get("code"))
	assert.Equal(t, "test-client", form.Get("client_id"))
	assert.NotEmpty(t, form.Get("code_verifier"))
	assert.True(t, strings.HasPrefix(form.Get("redirect_uri"), "http://localhost:"))
	assert.True(t, strings.HasSuffix(form.Get("redirect_uri"), cfg.CallbackPath))

	// The attempt map must not leak entries after completion
	flow.mu.Lock()
	assert.Empty(t, flow.attempts)
	flow.mu.Unlock()
}

func TestFlow_Authenticate_AlreadyInProgress(t *testing.T) {
	ts := tokenEndpoint(t, "unused", nil)
	cfg := flowConfig(t, ts.URL)

	flow := NewFlow(cfg)
	flow.openBrowser = func(string) error { return nil } // never completes

	done := make(chan error, 1)
	go func() {
		_, err := flow.Authenticate(context.Background())
		done <- err
	}()

	// Wait until the first attempt is in flight and cancellable
	require.Eventually(t, func() bool {
		flow.mu.Lock()
		defer flow.mu.Unlock()
		return flow.active && flow.cancelFn != nil
	}, 2*time.Second, 10*time.Millisecond)

	_, err := flow.Authenticate(context.Background())
	assert.True(t, errors.Is(err, ErrAlreadyInProgress))

	flow.Cancel()
	err = <-done
	assert.True(t, errors.Is(err, ErrCancelled))
}

func TestFlow_Authenticate_IssuerError(t *testing.T) {
	ts := tokenEndpoint(t, "unused", nil)
	cfg := flowConfig(t, ts.URL)

	flow := NewFlow(cfg)
	flow.openBrowser = redirectingBrowser(t, func(state string) string {
		return "error=access_denied&state=" + state
	})

	_, err := flow.Authenticate(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrIssuerError))
	assert.Contains(t, err.Error(), "access_denied")

	// The listener must be gone: the preferred port rebinds immediately
	requirePortReleased(t, cfg.PreferredPort)
}

func TestFlow_Authenticate_InvalidToken(t *testing.T) {
	// Exchange succeeds but the token carries no account id or email
	accessToken := mintToken(t, jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()})
	ts := tokenEndpoint(t, accessToken, nil)

	flow := NewFlow(flowConfig(t, ts.URL))
	flow.openBrowser = redirectingBrowser(t, func(state string) string {
		return "code=ok&state=" + state
	})

	_, err := flow.Authenticate(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidToken))
}

func TestFlow_Authenticate_TokenEndpointFailure(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
	}))
	t.Cleanup(ts.Close)

	flow := NewFlow(flowConfig(t, ts.URL))
	flow.openBrowser = redirectingBrowser(t, func(state string) string {
		return "code=ok&state=" + state
	})

	_, err := flow.Authenticate(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrHTTPError))

	var ferr *FlowError
	require.True(t, errors.As(err, &ferr))
	assert.Equal(t, http.StatusBadRequest, ferr.Status)
	assert.Contains(t, ferr.Body, "invalid_grant")
}

func TestFlow_Authenticate_Timeout(t *testing.T) {
	ts := tokenEndpoint(t, "unused", nil)
	cfg := flowConfig(t, ts.URL)
	cfg.FlowTimeout = 100 * time.Millisecond

	flow := NewFlow(cfg)
	flow.openBrowser = func(string) error { return nil } // callback never arrives

	start := time.Now()
	_, err := flow.Authenticate(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimeout))
	assert.Less(t, time.Since(start), 2*time.Second)

	requirePortReleased(t, cfg.PreferredPort)
}

func TestFlow_Authenticate_PortUnavailable(t *testing.T) {
	ts := tokenEndpoint(t, "unused", nil)
	cfg := flowConfig(t, ts.URL)
	cfg.PreferredPort = grabPort(t)
	cfg.FallbackPorts = []int{grabPort(t)}

	flow := NewFlow(cfg)
	flow.openBrowser = func(string) error { return nil }

	_, err := flow.Authenticate(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPortUnavailable))
}

func TestFlow_AuthorizationURL(t *testing.T) {
	ts := tokenEndpoint(t, "unused", nil)
	cfg := flowConfig(t, ts.URL)
	flow := NewFlow(cfg)

	raw := flow.authorizationURL("http://localhost:1455/auth/callback", "state-1", "challenge-1")
	u, err := url.Parse(raw)
	require.NoError(t, err)

	assert.Equal(t, "issuer.example", u.Host)
	q := u.Query()
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "test-client", q.Get("client_id"))
	assert.Equal(t, "http://localhost:1455/auth/callback", q.Get("redirect_uri"))
	assert.Equal(t, "openid profile email", q.Get("scope"))
	assert.Equal(t, "state-1", q.Get("state"))
	assert.Equal(t, "challenge-1", q.Get("code_challenge"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
}

func TestFlow_RefreshToken(t *testing.T) {
	var form url.Values
	ts := tokenEndpoint(t, "new-access", &form)

	flow := NewFlow(flowConfig(t, ts.URL))

	tokens, err := flow.RefreshToken(context.Background(), "old-refresh")
	require.NoError(t, err)
	assert.Equal(t, "new-access", tokens.AccessToken)
	assert.Equal(t, 3600, tokens.ExpiresIn)

	assert.Equal(t, "refresh_token", form.Get("grant_type"))
	assert.Equal(t, "old-refresh", form.Get("refresh_token"))
	assert.Equal(t, "test-client", form.Get("client_id"))
}

func TestFlow_RefreshToken_Errors(t *testing.T) {
	t.Run("empty refresh token", func(t *testing.T) {
		ts := tokenEndpoint(t, "unused", nil)
		flow := NewFlow(flowConfig(t, ts.URL))
		_, err := flow.RefreshToken(context.Background(), "")
		assert.Error(t, err)
	})

	t.Run("non-200 response", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "server exploded", http.StatusInternalServerError)
		}))
		t.Cleanup(ts.Close)

		flow := NewFlow(flowConfig(t, ts.URL))
		_, err := flow.RefreshToken(context.Background(), "old-refresh")
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrHTTPError))

		var ferr *FlowError
		require.True(t, errors.As(err, &ferr))
		assert.Equal(t, http.StatusInternalServerError, ferr.Status)
		assert.Contains(t, ferr.Body, "server exploded")
	})

	t.Run("unreachable endpoint", func(t *testing.T) {
		flow := NewFlow(flowConfig(t, fmt.Sprintf("http://127.0.0.1:%d/token", freePort(t))))
		_, err := flow.RefreshToken(context.Background(), "old-refresh")
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrNetworkError))
	})
}

func TestOAuth2TokenConversion(t *testing.T) {
	account := &Account{
		AccessToken:  "access",
		RefreshToken: "refresh",
		ExpiresAt:    time.Unix(1999999999, 0),
	}

	tok := account.OAuth2Token()
	assert.Equal(t, "access", tok.AccessToken)
	assert.Equal(t, "refresh", tok.RefreshToken)
	assert.Equal(t, "Bearer", tok.TokenType)
	assert.Equal(t, account.ExpiresAt, tok.Expiry)
}
