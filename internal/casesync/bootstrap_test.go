package casesync

import (
	"context"
	"errors"
	"testing"
	"time"

	"pimssync/internal/pims"
)

type fakeAuth struct {
	authenticated bool
	reject        bool
	badCache      bool
	logins        int
	restored      string
	cleared       bool
}

func (a *fakeAuth) IsAuthenticated() bool { return a.authenticated }

func (a *fakeAuth) Authenticate(ctx context.Context, creds pims.Credentials) (bool, error) {
	a.logins++
	if a.reject {
		return false, nil
	}
	a.authenticated = true
	return true, nil
}

func (a *fakeAuth) RestoreFromCache(serialized string) error {
	if a.badCache {
		return errors.New("invalid cached credential")
	}
	a.restored = serialized
	a.authenticated = true
	return nil
}

func (a *fakeAuth) Serialize() (string, error) { return "fresh-credential", nil }

func (a *fakeAuth) ExpiresAt() time.Time { return testNow.Add(8 * time.Hour) }

func (a *fakeAuth) Clear() {
	a.authenticated = false
	a.cleared = true
}

type fakeVerifier struct {
	err   error
	calls int
}

func (v *fakeVerifier) VerifySession(ctx context.Context) error {
	v.calls++
	return v.err
}

type memSessions struct {
	values map[string]string
	ttls   map[string]time.Duration
}

func newMemSessions() *memSessions {
	return &memSessions{values: make(map[string]string), ttls: make(map[string]time.Duration)}
}

func (m *memSessions) LoadSession(ctx context.Context, clinicID string) (string, error) {
	return m.values[clinicID], nil
}

func (m *memSessions) SaveSession(ctx context.Context, clinicID, credential string, ttl time.Duration) error {
	m.values[clinicID] = credential
	m.ttls[clinicID] = ttl
	return nil
}

func (m *memSessions) DeleteSession(ctx context.Context, clinicID string) error {
	delete(m.values, clinicID)
	return nil
}

func newTestBootstrapper(auth *fakeAuth, verifier *fakeVerifier, cache *memSessions) *Bootstrapper {
	var c SessionCache
	if cache != nil {
		c = cache
	}
	b := NewBootstrapper(testClinic, auth, verifier, c, pims.Credentials{Username: "front-desk", Password: "secret"})
	b.now = func() time.Time { return testNow }
	return b
}

func TestBootstrapper_LiveSessionIsReused(t *testing.T) {
	auth := &fakeAuth{authenticated: true}
	verifier := &fakeVerifier{}

	if err := newTestBootstrapper(auth, verifier, newMemSessions()).EnsureSession(context.Background()); err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	if auth.logins != 0 || verifier.calls != 0 {
		t.Errorf("expected no login or verification, got logins=%d verifications=%d", auth.logins, verifier.calls)
	}
}

func TestBootstrapper_RestoresVerifiedCache(t *testing.T) {
	auth := &fakeAuth{}
	verifier := &fakeVerifier{}
	cache := newMemSessions()
	cache.values[testClinic] = "cached-credential"

	if err := newTestBootstrapper(auth, verifier, cache).EnsureSession(context.Background()); err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	if auth.restored != "cached-credential" || verifier.calls != 1 || auth.logins != 0 {
		t.Errorf("expected verified restore without login, got %+v verifications=%d", auth, verifier.calls)
	}
}

func TestBootstrapper_RejectedCacheFallsBackToLogin(t *testing.T) {
	auth := &fakeAuth{}
	verifier := &fakeVerifier{err: errors.New("401 unauthorized")}
	cache := newMemSessions()
	cache.values[testClinic] = "stale-credential"

	if err := newTestBootstrapper(auth, verifier, cache).EnsureSession(context.Background()); err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	if !auth.cleared || auth.logins != 1 {
		t.Errorf("expected clear and login, got %+v", auth)
	}
	if cache.values[testClinic] != "fresh-credential" || cache.ttls[testClinic] != 8*time.Hour {
		t.Errorf("expected fresh credential cached for the session lifetime, got %q ttl=%v", cache.values[testClinic], cache.ttls[testClinic])
	}
}

func TestBootstrapper_UndecodableCacheFallsBackToLogin(t *testing.T) {
	auth := &fakeAuth{badCache: true}
	verifier := &fakeVerifier{}
	cache := newMemSessions()
	cache.values[testClinic] = "garbage"

	if err := newTestBootstrapper(auth, verifier, cache).EnsureSession(context.Background()); err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	if verifier.calls != 0 || auth.logins != 1 {
		t.Errorf("expected login without verification, got logins=%d verifications=%d", auth.logins, verifier.calls)
	}
}

func TestBootstrapper_LoginRejected(t *testing.T) {
	auth := &fakeAuth{reject: true}
	err := newTestBootstrapper(auth, &fakeVerifier{}, nil).EnsureSession(context.Background())
	if !errors.Is(err, ErrLoginRejected) {
		t.Fatalf("expected ErrLoginRejected, got %v", err)
	}
}
