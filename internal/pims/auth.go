package pims

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"pimssync/internal/browser"
	"pimssync/internal/metrics"
)

// DefaultSessionTTL is the remote system's fixed session lifetime
const DefaultSessionTTL = 8 * time.Hour

// AuthState is the authentication client's lifecycle state
type AuthState string

const (
	AuthStateUnauthenticated AuthState = "unauthenticated"
	AuthStateAuthenticating  AuthState = "authenticating"
	AuthStateAuthenticated   AuthState = "authenticated"
)

// Credentials are the clinic's PIMS login
type Credentials struct {
	Username string
	Password string
}

// AuthConfig describes the remote login surface
type AuthConfig struct {
	LoginPath        string
	LandingPath      string // navigated after cookies are replayed so fetches are same-origin
	SessionCookie    string // presence after submit proves the login worked
	UsernameSelector string
	PasswordSelector string
	SubmitSelector   string
	SessionTTL       time.Duration
	LoginWait        time.Duration // how long to poll for the session cookie after submit
}

// DefaultAuthConfig returns the selectors and paths of the supported PIMS UI
func DefaultAuthConfig() AuthConfig {
	return AuthConfig{
		LoginPath:        "/login",
		LandingPath:      "/",
		SessionCookie:    "PHPSESSID",
		UsernameSelector: `input[name="username"]`,
		PasswordSelector: `input[name="password"]`,
		SubmitSelector:   `button[type="submit"]`,
		SessionTTL:       DefaultSessionTTL,
		LoginWait:        10 * time.Second,
	}
}

// SessionCredential is the serialized form of an authenticated session
type SessionCredential struct {
	Cookies   []browser.Cookie `json:"cookies"`
	ExpiresAt time.Time        `json:"expiresAt"`
}

// AuthClient logs in once and replays the session cookie onto pooled pages.
// Concurrent logins are last-writer-wins: a login fully replaces prior state.
type AuthClient struct {
	pool      *browser.Pool
	requester *Requester
	cfg       AuthConfig

	mu        sync.RWMutex
	state     AuthState
	cookies   []browser.Cookie
	expiresAt time.Time

	now func() time.Time
}

var _ browser.Authenticator = (*AuthClient)(nil)

// NewAuthClient creates an unauthenticated client
func NewAuthClient(pool *browser.Pool, requester *Requester, cfg AuthConfig) *AuthClient {
	defaults := DefaultAuthConfig()
	if cfg.LoginPath == "" {
		cfg.LoginPath = defaults.LoginPath
	}
	if cfg.LandingPath == "" {
		cfg.LandingPath = defaults.LandingPath
	}
	if cfg.SessionCookie == "" {
		cfg.SessionCookie = defaults.SessionCookie
	}
	if cfg.UsernameSelector == "" {
		cfg.UsernameSelector = defaults.UsernameSelector
	}
	if cfg.PasswordSelector == "" {
		cfg.PasswordSelector = defaults.PasswordSelector
	}
	if cfg.SubmitSelector == "" {
		cfg.SubmitSelector = defaults.SubmitSelector
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = defaults.SessionTTL
	}
	if cfg.LoginWait <= 0 {
		cfg.LoginWait = defaults.LoginWait
	}

	return &AuthClient{
		pool:      pool,
		requester: requester,
		cfg:       cfg,
		state:     AuthStateUnauthenticated,
		now:       time.Now,
	}
}

// Authenticate submits the login form on a pooled page. It returns false without an
// error when the remote rejects the credentials; errors are infrastructure failures.
func (a *AuthClient) Authenticate(ctx context.Context, creds Credentials) (bool, error) {
	a.mu.Lock()
	a.state = AuthStateAuthenticating
	a.mu.Unlock()

	var cookies []browser.Cookie
	err := a.pool.WithPage(ctx, func(ctx context.Context, page browser.Page) error {
		if err := page.Navigate(ctx, a.requester.URL(a.cfg.LoginPath, nil)); err != nil {
			return fmt.Errorf("failed to open login page: %w", err)
		}
		if err := page.SetValue(ctx, a.cfg.UsernameSelector, creds.Username); err != nil {
			return fmt.Errorf("failed to fill username: %w", err)
		}
		if err := page.SetValue(ctx, a.cfg.PasswordSelector, creds.Password); err != nil {
			return fmt.Errorf("failed to fill password: %w", err)
		}
		if err := page.Click(ctx, a.cfg.SubmitSelector); err != nil {
			return fmt.Errorf("failed to submit login form: %w", err)
		}

		found, err := a.waitForSessionCookie(ctx, page)
		if err != nil {
			return err
		}
		cookies = found
		return nil
	})

	a.mu.Lock()
	defer a.mu.Unlock()

	if err != nil {
		a.state = AuthStateUnauthenticated
		metrics.AuthLogins.WithLabelValues("error").Inc()
		return false, Wrap("login", "", err)
	}
	if cookies == nil {
		a.state = AuthStateUnauthenticated
		metrics.AuthLogins.WithLabelValues("rejected").Inc()
		log.Printf("❌ [PIMS-AUTH] Login rejected for %s (no %s cookie)", creds.Username, a.cfg.SessionCookie)
		return false, nil
	}

	a.cookies = cookies
	a.expiresAt = a.now().Add(a.cfg.SessionTTL)
	a.state = AuthStateAuthenticated
	metrics.AuthLogins.WithLabelValues("success").Inc()
	log.Printf("✅ [PIMS-AUTH] Logged in as %s (session valid until %s)", creds.Username, a.expiresAt.Format(time.RFC3339))
	return true, nil
}

// waitForSessionCookie polls the jar until the session cookie shows up. Returns nil
// cookies when it never does within LoginWait.
func (a *AuthClient) waitForSessionCookie(ctx context.Context, page browser.Page) ([]browser.Cookie, error) {
	deadline := time.Now().Add(a.cfg.LoginWait)
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		cookies, err := page.Cookies(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to read cookies: %w", err)
		}
		if hasCookie(cookies, a.cfg.SessionCookie) {
			return cookies, nil
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// ApplyAuth replays the session cookies onto page and lands on the tenant origin
func (a *AuthClient) ApplyAuth(ctx context.Context, page browser.Page) error {
	cookies, err := a.current()
	if err != nil {
		return err
	}
	if err := page.SetCookies(ctx, cookies); err != nil {
		return Wrap("apply_auth", "", err)
	}
	if err := page.Navigate(ctx, a.requester.URL(a.cfg.LandingPath, nil)); err != nil {
		return Wrap("apply_auth", "", err)
	}
	return nil
}

// current returns the cookies if the session is live, expiring it when the TTL has passed
func (a *AuthClient) current() ([]browser.Cookie, error) {
	a.mu.RLock()
	state, cookies, expiresAt := a.state, a.cookies, a.expiresAt
	a.mu.RUnlock()

	if state != AuthStateAuthenticated {
		return nil, &Error{Category: CategoryAuth, Op: "apply_auth", Err: ErrNotAuthenticated}
	}
	if !a.now().Before(expiresAt) {
		a.mu.Lock()
		// another goroutine may have logged in meanwhile
		if a.expiresAt.Equal(expiresAt) {
			a.state = AuthStateUnauthenticated
			a.cookies = nil
		}
		a.mu.Unlock()
		log.Printf("⏰ [PIMS-AUTH] Session expired at %s", expiresAt.Format(time.RFC3339))
		return nil, &Error{Category: CategoryAuth, Op: "apply_auth", Err: ErrSessionExpired}
	}
	return cookies, nil
}

// RestoreFromCache rehydrates a serialized credential and resets the TTL. The session
// is not proven valid; callers must verify it with a real request before relying on it.
func (a *AuthClient) RestoreFromCache(serialized string) error {
	var cred SessionCredential
	if err := json.Unmarshal([]byte(serialized), &cred); err != nil {
		return fmt.Errorf("invalid cached credential: %w", err)
	}
	if !hasCookie(cred.Cookies, a.cfg.SessionCookie) {
		return fmt.Errorf("cached credential has no %s cookie", a.cfg.SessionCookie)
	}

	a.mu.Lock()
	a.cookies = cred.Cookies
	a.expiresAt = a.now().Add(a.cfg.SessionTTL)
	a.state = AuthStateAuthenticated
	a.mu.Unlock()

	metrics.AuthLogins.WithLabelValues("restored").Inc()
	log.Printf("♻️  [PIMS-AUTH] Restored cached session (unverified)")
	return nil
}

// Serialize returns the current credential for caching
func (a *AuthClient) Serialize() (string, error) {
	cookies, err := a.current()
	if err != nil {
		return "", err
	}
	a.mu.RLock()
	cred := SessionCredential{Cookies: cookies, ExpiresAt: a.expiresAt}
	a.mu.RUnlock()

	raw, err := json.Marshal(cred)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// IsAuthenticated is a pure state check including TTL expiry
func (a *AuthClient) IsAuthenticated() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state == AuthStateAuthenticated && a.now().Before(a.expiresAt)
}

// State returns the lifecycle state, reporting an expired session as unauthenticated
func (a *AuthClient) State() AuthState {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.state == AuthStateAuthenticated && !a.now().Before(a.expiresAt) {
		return AuthStateUnauthenticated
	}
	return a.state
}

// ExpiresAt returns when the current session lapses
func (a *AuthClient) ExpiresAt() time.Time {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.expiresAt
}

// Clear drops the session
func (a *AuthClient) Clear() {
	a.mu.Lock()
	a.state = AuthStateUnauthenticated
	a.cookies = nil
	a.expiresAt = time.Time{}
	a.mu.Unlock()
}

func hasCookie(cookies []browser.Cookie, name string) bool {
	for _, c := range cookies {
		if c.Name == name && c.Value != "" {
			return true
		}
	}
	return false
}
