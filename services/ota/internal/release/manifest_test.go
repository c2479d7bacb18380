package release

import (
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"filippo.io/age"
)

func testWriter(t *testing.T, dir string) (*Writer, *Signer) {
	t.Helper()
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	t.Setenv(envAgeSecretKey, identity.String())
	t.Setenv(envAgePublicKey, "")

	signer, err := NewSignerFromEnv()
	if err != nil {
		t.Fatalf("NewSignerFromEnv() error = %v", err)
	}
	w, err := NewWriter(signer, dir, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("NewWriter() error = %v", err)
	}
	return w, signer
}

func TestWriterRequiresSigningKey(t *testing.T) {
	if _, err := NewWriter(nil, t.TempDir(), nil); err == nil {
		t.Fatal("NewWriter(nil signer) succeeded, want error")
	}
}

func TestManifestWriteAndVerify(t *testing.T) {
	dir := t.TempDir()
	w, signer := testWriter(t, dir)

	entries := []Entry{
		{
			Filename:     "app.bin",
			SHA256:       "deadbeef",
			Size:         4096,
			LastModified: time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC),
		},
	}
	if err := w.Write(entries); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	m, err := Load(filepath.Join(dir, ManifestFileName))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(m.Artifacts) != 1 || m.Artifacts[0].Filename != "app.bin" {
		t.Fatalf("Load() artifacts = %+v, want app.bin", m.Artifacts)
	}
	if m.SigningPublicKey != signer.PublicKeyBase64() {
		t.Fatal("manifest public key does not match the signer")
	}

	payload, err := m.SigningBytes()
	if err != nil {
		t.Fatalf("SigningBytes() error = %v", err)
	}
	if err := signer.Verify(payload, m.Signature); err != nil {
		t.Fatalf("manifest signature invalid: %v", err)
	}

	// Tampering with an entry must break the signature.
	m.Artifacts[0].SHA256 = "cafebabe"
	payload, err = m.SigningBytes()
	if err != nil {
		t.Fatalf("SigningBytes() error = %v", err)
	}
	if err := signer.Verify(payload, m.Signature); err == nil {
		t.Fatal("signature still valid after tampering")
	}
}

func TestManifestWriteReplacesAtomically(t *testing.T) {
	dir := t.TempDir()
	w, _ := testWriter(t, dir)

	if err := w.Write([]Entry{{Filename: "a.bin"}}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := w.Write([]Entry{{Filename: "b.bin"}}); err != nil {
		t.Fatalf("second Write() error = %v", err)
	}

	m, err := Load(w.Path())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(m.Artifacts) != 1 || m.Artifacts[0].Filename != "b.bin" {
		t.Fatalf("Load() artifacts = %+v, want only b.bin", m.Artifacts)
	}
}
