package release

import (
	"testing"

	"filippo.io/age"
)

func testIdentity(t *testing.T) *age.X25519Identity {
	t.Helper()
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	return identity
}

func TestSignerDisabledWithoutKeys(t *testing.T) {
	t.Setenv(envAgeSecretKey, "")
	t.Setenv(envAgePublicKey, "")

	s, err := NewSignerFromEnv()
	if err != nil {
		t.Fatalf("NewSignerFromEnv() error = %v", err)
	}
	if s != nil {
		t.Fatal("NewSignerFromEnv() returned a signer with no keys configured")
	}
	if s.CanSign() {
		t.Fatal("nil signer reports CanSign")
	}
}

func TestSignerRoundTrip(t *testing.T) {
	identity := testIdentity(t)
	t.Setenv(envAgeSecretKey, identity.String())
	t.Setenv(envAgePublicKey, "")

	s, err := NewSignerFromEnv()
	if err != nil {
		t.Fatalf("NewSignerFromEnv() error = %v", err)
	}
	if !s.CanSign() {
		t.Fatal("signer with secret key cannot sign")
	}
	if s.Recipient() == "" {
		t.Fatal("signer did not derive an age recipient")
	}

	payload := []byte("release manifest payload")
	sig, err := s.Sign(payload)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	if err := s.Verify(payload, sig); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if err := s.Verify([]byte("tampered payload"), sig); err == nil {
		t.Fatal("Verify() accepted a signature over different content")
	}
	if err := s.Verify(payload, "not-base64!"); err == nil {
		t.Fatal("Verify() accepted a malformed signature")
	}
}

func TestSignerVerifyOnly(t *testing.T) {
	identity := testIdentity(t)
	t.Setenv(envAgeSecretKey, identity.String())
	t.Setenv(envAgePublicKey, "")

	signing, err := NewSignerFromEnv()
	if err != nil {
		t.Fatalf("NewSignerFromEnv() error = %v", err)
	}
	payload := []byte("payload")
	sig, err := signing.Sign(payload)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}

	t.Setenv(envAgeSecretKey, "")
	t.Setenv(envAgePublicKey, signing.PublicKeyBase64())

	verifying, err := NewSignerFromEnv()
	if err != nil {
		t.Fatalf("NewSignerFromEnv() error = %v", err)
	}
	if verifying.CanSign() {
		t.Fatal("public-key-only signer reports CanSign")
	}
	if err := verifying.Verify(payload, sig); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
}

func TestSignerRejectsGarbageSecret(t *testing.T) {
	t.Setenv(envAgeSecretKey, "AGE-SECRET-KEY-NOT-A-REAL-KEY")
	t.Setenv(envAgePublicKey, "")

	if _, err := NewSignerFromEnv(); err == nil {
		t.Fatal("NewSignerFromEnv() accepted a malformed secret key")
	}
}
