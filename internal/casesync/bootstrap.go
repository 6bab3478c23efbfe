package casesync

import (
	"context"
	"fmt"
	"log"
	"time"

	"pimssync/internal/pims"
)

// SessionAuth is the auth state the bootstrapper drives. *pims.AuthClient satisfies it.
type SessionAuth interface {
	IsAuthenticated() bool
	Authenticate(ctx context.Context, creds pims.Credentials) (bool, error)
	RestoreFromCache(serialized string) error
	Serialize() (string, error)
	ExpiresAt() time.Time
	Clear()
}

// SessionVerifier proves a session works with one cheap authenticated read
type SessionVerifier interface {
	VerifySession(ctx context.Context) error
}

// Bootstrapper makes sure a clinic has a working PIMS session before a run
type Bootstrapper struct {
	clinicID string
	auth     SessionAuth
	verifier SessionVerifier
	cache    SessionCache // optional
	creds    pims.Credentials
	now      func() time.Time
}

// NewBootstrapper creates a bootstrapper. cache may be nil.
func NewBootstrapper(clinicID string, auth SessionAuth, verifier SessionVerifier, cache SessionCache, creds pims.Credentials) *Bootstrapper {
	return &Bootstrapper{
		clinicID: clinicID,
		auth:     auth,
		verifier: verifier,
		cache:    cache,
		creds:    creds,
		now:      time.Now,
	}
}

// EnsureSession reuses the live session, then a verified cached one, and logs in
// only as a last resort
func (b *Bootstrapper) EnsureSession(ctx context.Context) error {
	if b.auth.IsAuthenticated() {
		return nil
	}

	if b.cache != nil {
		restored, err := b.restore(ctx)
		if err != nil {
			log.Printf("⚠️  [PIMS-AUTH] Cached session for clinic %s unusable: %v", b.clinicID, err)
		}
		if restored {
			return nil
		}
	}

	log.Printf("🔐 [PIMS-AUTH] Logging in to PIMS for clinic %s", b.clinicID)
	ok, err := b.auth.Authenticate(ctx, b.creds)
	if err != nil {
		return fmt.Errorf("pims login failed: %w", err)
	}
	if !ok {
		return ErrLoginRejected
	}

	if b.cache != nil {
		b.persist(ctx)
	}
	return nil
}

func (b *Bootstrapper) restore(ctx context.Context) (bool, error) {
	serialized, err := b.cache.LoadSession(ctx, b.clinicID)
	if err != nil {
		return false, fmt.Errorf("failed to load cached session: %w", err)
	}
	if serialized == "" {
		return false, nil
	}

	if err := b.auth.RestoreFromCache(serialized); err != nil {
		b.discard(ctx)
		return false, err
	}
	// restoring only rehydrates state; it is not proof the remote still honors it
	if err := b.verifier.VerifySession(ctx); err != nil {
		b.auth.Clear()
		b.discard(ctx)
		return false, fmt.Errorf("restored session rejected: %w", err)
	}

	log.Printf("♻️  [PIMS-AUTH] Reusing cached session for clinic %s", b.clinicID)
	return true, nil
}

func (b *Bootstrapper) persist(ctx context.Context) {
	serialized, err := b.auth.Serialize()
	if err != nil {
		log.Printf("⚠️  [PIMS-AUTH] Failed to serialize session: %v", err)
		return
	}
	ttl := b.auth.ExpiresAt().Sub(b.now())
	if ttl <= 0 {
		return
	}
	if err := b.cache.SaveSession(ctx, b.clinicID, serialized, ttl); err != nil {
		log.Printf("⚠️  [PIMS-AUTH] Failed to cache session: %v", err)
	}
}

func (b *Bootstrapper) discard(ctx context.Context) {
	if err := b.cache.DeleteSession(ctx, b.clinicID); err != nil {
		log.Printf("⚠️  [PIMS-AUTH] Failed to drop cached session: %v", err)
	}
}
