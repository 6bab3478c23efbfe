package crypto

import (
	"bytes"
	"strings"
	"testing"
)

func newTestService(t *testing.T) *EncryptionService {
	t.Helper()
	key, err := GenerateMasterKey()
	if err != nil {
		t.Fatalf("GenerateMasterKey: %v", err)
	}
	svc, err := NewEncryptionService(key)
	if err != nil {
		t.Fatalf("NewEncryptionService: %v", err)
	}
	return svc
}

func TestEncryptDecrypt(t *testing.T) {
	svc := newTestService(t)
	credential := `{"cookies":[{"name":"PHPSESSID","value":"abc123"}]}`

	sealed, err := svc.EncryptString("clinic-a", credential)
	if err != nil {
		t.Fatalf("EncryptString: %v", err)
	}
	if strings.Contains(sealed, "PHPSESSID") {
		t.Fatal("ciphertext leaks plaintext")
	}

	plain, err := svc.DecryptString("clinic-a", sealed)
	if err != nil {
		t.Fatalf("DecryptString: %v", err)
	}
	if plain != credential {
		t.Errorf("round trip mismatch: %q", plain)
	}
}

func TestDecrypt_WrongClinicFails(t *testing.T) {
	svc := newTestService(t)
	sealed, _ := svc.EncryptString("clinic-a", "secret")

	if _, err := svc.DecryptString("clinic-b", sealed); err == nil {
		t.Error("a credential sealed for one clinic must not open for another")
	}
}

func TestDecrypt_Tampered(t *testing.T) {
	svc := newTestService(t)
	sealed, _ := svc.Encrypt("clinic-a", []byte("secret"))

	tampered := []byte(sealed)
	tampered[len(tampered)-3] ^= 0x01
	if _, err := svc.Decrypt("clinic-a", string(tampered)); err == nil {
		t.Error("expected tampered ciphertext to fail")
	}
}

func TestDeriveClinicKey_Deterministic(t *testing.T) {
	svc := newTestService(t)
	a1, _ := svc.DeriveClinicKey("clinic-a")
	a2, _ := svc.DeriveClinicKey("clinic-a")
	b, _ := svc.DeriveClinicKey("clinic-b")

	if !bytes.Equal(a1, a2) {
		t.Error("derivation must be deterministic")
	}
	if bytes.Equal(a1, b) {
		t.Error("clinics must get distinct keys")
	}
	if _, err := svc.DeriveClinicKey(""); err == nil {
		t.Error("expected error for empty clinic id")
	}
}

func TestNewEncryptionService_Validation(t *testing.T) {
	for _, key := range []string{"", "not-hex", "abcd"} {
		if _, err := NewEncryptionService(key); err == nil {
			t.Errorf("expected error for key %q", key)
		}
	}
}

func TestEmptyInput(t *testing.T) {
	svc := newTestService(t)
	if s, err := svc.Encrypt("clinic-a", nil); err != nil || s != "" {
		t.Errorf("expected empty output, got %q %v", s, err)
	}
	if p, err := svc.Decrypt("clinic-a", ""); err != nil || p != nil {
		t.Errorf("expected nil output, got %v %v", p, err)
	}
}
