package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/halcyonix/authswitch/internal/config"
	"github.com/halcyonix/authswitch/internal/logger"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// attemptTTL is how long a pending attempt stays valid. Older entries are
// purged before a new attempt registers, so lost callbacks cannot accumulate.
const attemptTTL = 5 * time.Minute

type flowState string

const (
	stateIdle             flowState = "idle"
	stateGeneratingPKCE   flowState = "generating-pkce"
	stateAwaitingPort     flowState = "awaiting-port"
	stateServerReady      flowState = "server-ready"
	stateBrowserOpened    flowState = "browser-opened"
	stateAwaitingCallback flowState = "awaiting-callback"
	stateExchangingCode   flowState = "exchanging-code"
	stateDone             flowState = "done"
)

// Flow orchestrates the local authorization-code flow: PKCE generation,
// callback listener, browser handoff, code exchange, and identity decoding.
// One Flow owns its attempt map; a single attempt may be in flight at a time
// and a concurrent call is rejected, not queued.
type Flow struct {
	cfg        *config.OAuthConfig
	httpClient *http.Client

	// openBrowser is swappable so tests can drive the redirect themselves.
	openBrowser func(url string) error

	mu       sync.Mutex
	state    flowState
	active   bool
	attempts map[string]*authAttempt
	listener *callbackListener
	cancelFn context.CancelFunc
}

// NewFlow creates a flow bound to the given issuer configuration.
func NewFlow(cfg *config.OAuthConfig) *Flow {
	return &Flow{
		cfg:         cfg,
		httpClient:  &http.Client{Timeout: cfg.HTTPTimeout},
		openBrowser: openBrowser,
		state:       stateIdle,
		attempts:    make(map[string]*authAttempt),
	}
}

func (f *Flow) setState(s flowState) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
	logger.Debug("auth flow state", zap.String("state", string(s)))
}

// Authenticate runs one complete browser-based authentication attempt and
// returns the resulting account. Every failure mode surfaces as a *FlowError;
// no failure is retried here, since the flow involves user interaction and a
// silent retry would reopen the browser unasked.
func (f *Flow) Authenticate(ctx context.Context) (*Account, error) {
	f.mu.Lock()
	if f.active {
		f.mu.Unlock()
		return nil, flowErr(CodeAlreadyInProgress, "an authentication attempt is already in flight")
	}
	f.active = true
	f.purgeStaleAttempts()
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.active = false
		f.listener = nil
		f.cancelFn = nil
		f.mu.Unlock()
	}()

	f.setState(stateGeneratingPKCE)
	verifier, challenge, err := GeneratePKCE()
	if err != nil {
		return nil, err
	}
	state, err := GenerateState()
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.attempts[state] = &authAttempt{state: state, verifier: verifier, createdAt: time.Now()}
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		delete(f.attempts, state)
		f.mu.Unlock()
	}()

	f.setState(stateAwaitingPort)
	listener, err := startCallbackListener(f.cfg, state)
	if err != nil {
		return nil, err
	}
	defer listener.Close()

	flowCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	f.mu.Lock()
	f.listener = listener
	f.cancelFn = cancel
	f.attempts[state].port = listener.Port()
	f.mu.Unlock()

	f.setState(stateServerReady)

	// The exchange's redirect_uri must match the authorization request byte
	// for byte, so both are built from the port the listener actually bound.
	redirectURI := fmt.Sprintf("http://localhost:%d%s", listener.Port(), f.cfg.CallbackPath)
	authURL := f.authorizationURL(redirectURI, state, challenge)

	// Give the OS a beat to finish socket setup before the redirect can
	// race in.
	select {
	case <-time.After(f.cfg.BrowserDelay):
	case <-flowCtx.Done():
		return nil, flowErr(CodeCancelled, "authentication cancelled")
	}

	logger.Info("opening browser for authentication", zap.String("url", authURL))
	if err := f.openBrowser(authURL); err != nil {
		// Not fatal: the user can open the logged URL by hand.
		logger.Warn("could not open browser, open the URL manually", zap.Error(err))
	}
	f.setState(stateBrowserOpened)

	f.setState(stateAwaitingCallback)
	var code string
	select {
	case res := <-listener.Results():
		if res.err != nil {
			return nil, res.err
		}
		code = res.code
	case <-time.After(f.cfg.FlowTimeout):
		listener.Close()
		return nil, flowErr(CodeTimeout, "no authorization callback within %s", f.cfg.FlowTimeout)
	case <-flowCtx.Done():
		listener.Close()
		return nil, flowErr(CodeCancelled, "authentication cancelled")
	}

	// The pending attempt must still be live; an expired or purged entry
	// means this callback cannot be trusted as a success.
	f.mu.Lock()
	attempt, live := f.attempts[state]
	f.mu.Unlock()
	if !live || time.Since(attempt.createdAt) > attemptTTL {
		return nil, flowErr(CodeInvalidState, "callback does not match a live pending attempt")
	}

	f.setState(stateExchangingCode)
	tokens, err := f.exchangeCode(ctx, code, redirectURI, verifier)
	if err != nil {
		return nil, err
	}

	info, err := ExtractAccountInfo(tokens.AccessToken)
	if err != nil {
		return nil, wrapErr(CodeInvalidToken, err, "token exchange succeeded but identity is unusable")
	}

	expiresAt := info.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = time.Now().Add(time.Duration(tokens.ExpiresIn) * time.Second)
	}

	f.setState(stateDone)
	account := &Account{
		Email:        info.Email,
		AccountID:    info.AccountID,
		PlanType:     info.PlanType,
		ExpiresAt:    expiresAt,
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		IDToken:      tokens.IDToken,
	}

	logger.Info("authentication complete",
		zap.String("email", account.Email),
		zap.String("plan_type", account.PlanType),
	)
	return account, nil
}

// Cancel aborts the pending attempt, if any. The listener is closed first so
// its port is released before the attempt resolves as cancelled.
func (f *Flow) Cancel() {
	f.mu.Lock()
	listener := f.listener
	cancel := f.cancelFn
	f.mu.Unlock()

	if listener != nil {
		listener.Close()
	}
	if cancel != nil {
		cancel()
	}
}

// RefreshToken exchanges a refresh token for a new token response. It is
// independent of the browser flow and attempts no retry; retry policy belongs
// to the caller.
func (f *Flow) RefreshToken(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("no refresh token available")
	}

	data := url.Values{}
	data.Set("grant_type", "refresh_token")
	data.Set("refresh_token", refreshToken)
	data.Set("client_id", f.cfg.ClientID)

	return f.postTokenForm(ctx, data)
}

// authorizationURL builds the issuer authorization URL with the PKCE
// challenge and state bound to this attempt.
func (f *Flow) authorizationURL(redirectURI, state, challenge string) string {
	conf := &oauth2.Config{
		ClientID: f.cfg.ClientID,
		Endpoint: oauth2.Endpoint{
			AuthURL:  f.cfg.AuthorizeURL,
			TokenURL: f.cfg.TokenURL,
		},
		RedirectURL: redirectURI,
		Scopes:      f.cfg.Scopes,
	}

	return conf.AuthCodeURL(state,
		oauth2.SetAuthURLParam("code_challenge", challenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)
}

// exchangeCode trades the authorization code for tokens.
func (f *Flow) exchangeCode(ctx context.Context, code, redirectURI, verifier string) (*TokenResponse, error) {
	data := url.Values{}
	data.Set("grant_type", "authorization_code")
	data.Set("code", code)
	data.Set("redirect_uri", redirectURI)
	data.Set("client_id", f.cfg.ClientID)
	data.Set("code_verifier", verifier)

	return f.postTokenForm(ctx, data)
}

// postTokenForm posts a form-encoded grant to the token endpoint. A non-200
// response or an undecodable body is a hard failure carrying the raw body
// for diagnostics.
func (f *Flow) postTokenForm(ctx context.Context, data url.Values) (*TokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.cfg.TokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, wrapErr(CodeNetworkError, err, "failed to create token request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, wrapErr(CodeNetworkError, err, "token request failed")
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			logger.Error("failed to close token response body", zap.Error(closeErr))
		}
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, wrapErr(CodeNetworkError, err, "failed to read token response")
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &FlowError{
			Code:    CodeHTTPError,
			Message: fmt.Sprintf("token endpoint returned status %d", resp.StatusCode),
			Status:  resp.StatusCode,
			Body:    string(body),
		}
	}

	var tokens TokenResponse
	if err := json.Unmarshal(body, &tokens); err != nil {
		return nil, &FlowError{
			Code:    CodeHTTPError,
			Message: "undecodable token response",
			Status:  resp.StatusCode,
			Body:    string(body),
			err:     err,
		}
	}
	if tokens.AccessToken == "" {
		return nil, &FlowError{
			Code:    CodeHTTPError,
			Message: "token response carries no access token",
			Status:  resp.StatusCode,
			Body:    string(body),
		}
	}

	return &tokens, nil
}

// purgeStaleAttempts drops attempts older than attemptTTL. Caller holds f.mu.
func (f *Flow) purgeStaleAttempts() {
	for state, attempt := range f.attempts {
		if time.Since(attempt.createdAt) > attemptTTL {
			delete(f.attempts, state)
			logger.Debug("purged stale authorization attempt", zap.Int("port", attempt.port))
		}
	}
}
