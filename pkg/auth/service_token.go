package auth

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const issuer = "pimssync"

// Scopes granted to service tokens
const (
	ScopeSyncTrigger = "sync:trigger"
	ScopeSyncRead    = "sync:read"
)

// Service is the caller identified by a verified token
type Service struct {
	Name    string
	Scopes  []string
	Clinics []string // empty means every clinic
}

// HasScope reports whether the token grants scope
func (s *Service) HasScope(scope string) bool {
	return slices.Contains(s.Scopes, scope)
}

// CanAccessClinic reports whether the token covers clinicID
func (s *Service) CanAccessClinic(clinicID string) bool {
	return len(s.Clinics) == 0 || slices.Contains(s.Clinics, clinicID)
}

// ExtractToken extracts the JWT token from an Authorization header value.
// Supports "Bearer <token>" format.
func ExtractToken(authHeader string) (string, error) {
	if authHeader == "" {
		return "", errors.New("empty authorization header")
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization header format")
	}

	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errors.New("empty token")
	}

	return token, nil
}

// ServiceClaims are the claims of a service token
type ServiceClaims struct {
	Scopes  []string `json:"scopes"`
	Clinics []string `json:"clinics,omitempty"`
	jwt.RegisteredClaims
}

// ServiceTokenAuth issues and verifies HS256 service tokens
type ServiceTokenAuth struct {
	secretKey []byte
	expiry    time.Duration
}

// NewServiceTokenAuth creates a token authority. expiry defaults to 24h.
func NewServiceTokenAuth(secretKey string, expiry time.Duration) (*ServiceTokenAuth, error) {
	if secretKey == "" {
		return nil, errors.New("JWT secret key cannot be empty")
	}
	if expiry == 0 {
		expiry = 24 * time.Hour
	}
	return &ServiceTokenAuth{secretKey: []byte(secretKey), expiry: expiry}, nil
}

// IssueToken signs a token for service
func (a *ServiceTokenAuth) IssueToken(service string, scopes, clinics []string) (string, error) {
	if service == "" {
		return "", errors.New("service name is required")
	}

	now := time.Now()
	claims := ServiceClaims{
		Scopes:  scopes,
		Clinics: clinics,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   service,
			ExpiresAt: jwt.NewNumericDate(now.Add(a.expiry)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    issuer,
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secretKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign service token: %w", err)
	}
	return token, nil
}

// VerifyToken checks signature, expiry and issuer
func (a *ServiceTokenAuth) VerifyToken(tokenString string) (*Service, error) {
	token, err := jwt.ParseWithClaims(tokenString, &ServiceClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secretKey, nil
	}, jwt.WithIssuer(issuer))
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*ServiceClaims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, errors.New("invalid token")
	}

	return &Service{
		Name:    claims.Subject,
		Scopes:  claims.Scopes,
		Clinics: claims.Clinics,
	}, nil
}
