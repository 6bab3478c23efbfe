package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// hkdfInfo binds derived keys to this use
const hkdfInfo = "pimssync-session-cache"

// EncryptionService encrypts cached PIMS credentials with per-clinic keys
type EncryptionService struct {
	masterKey []byte
}

// NewEncryptionService creates a service from a 32-byte hex-encoded master key
func NewEncryptionService(masterKeyHex string) (*EncryptionService, error) {
	if masterKeyHex == "" {
		return nil, errors.New("encryption master key is required")
	}

	masterKey, err := hex.DecodeString(masterKeyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid master key format (must be hex): %w", err)
	}
	if len(masterKey) != 32 {
		return nil, fmt.Errorf("master key must be 32 bytes (64 hex characters), got %d bytes", len(masterKey))
	}

	return &EncryptionService{masterKey: masterKey}, nil
}

// DeriveClinicKey derives the AES-256 key of one clinic with HKDF-SHA256
func (e *EncryptionService) DeriveClinicKey(clinicID string) ([]byte, error) {
	if clinicID == "" {
		return nil, errors.New("clinic ID is required for key derivation")
	}

	reader := hkdf.New(sha256.New, e.masterKey, []byte(clinicID), []byte(hkdfInfo))
	key := make([]byte, 32)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("failed to derive clinic key: %w", err)
	}
	return key, nil
}

func (e *EncryptionService) aead(clinicID string) (cipher.AEAD, error) {
	key, err := e.DeriveClinicKey(clinicID)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// Encrypt seals plaintext with AES-256-GCM and returns base64(nonce || ciphertext).
// The clinic id is also bound as additional data.
func (e *EncryptionService) Encrypt(clinicID string, plaintext []byte) (string, error) {
	if len(plaintext) == 0 {
		return "", nil
	}

	gcm, err := e.aead(clinicID)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, plaintext, []byte(clinicID))
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt
func (e *EncryptionService) Decrypt(clinicID string, encoded string) ([]byte, error) {
	if encoded == "" {
		return nil, nil
	}

	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode ciphertext: %w", err)
	}

	gcm, err := e.aead(clinicID)
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(sealed) < nonceSize {
		return nil, errors.New("ciphertext too short")
	}
	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, []byte(clinicID))
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

// EncryptString encrypts a string
func (e *EncryptionService) EncryptString(clinicID, plaintext string) (string, error) {
	return e.Encrypt(clinicID, []byte(plaintext))
}

// DecryptString decrypts to a string
func (e *EncryptionService) DecryptString(clinicID, encoded string) (string, error) {
	plaintext, err := e.Decrypt(clinicID, encoded)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// GenerateMasterKey returns a new random hex-encoded master key
func GenerateMasterKey() (string, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	return hex.EncodeToString(key), nil
}
