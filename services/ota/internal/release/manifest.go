package release

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// ManifestFileName is the signed manifest written next to the active set.
const ManifestFileName = "manifest.yaml"

// Entry describes one active artifact in the manifest.
type Entry struct {
	Filename     string    `yaml:"filename"`
	SHA256       string    `yaml:"sha256"`
	Size         int64     `yaml:"size"`
	LastModified time.Time `yaml:"last_modified"`
}

// Manifest lists the active firmware set with content digests. The
// signature covers the YAML encoding of the manifest with the signature
// field blank.
type Manifest struct {
	Version          string    `yaml:"version"`
	GeneratedAt      time.Time `yaml:"generated_at"`
	Signer           string    `yaml:"signer,omitempty"`
	SigningPublicKey string    `yaml:"signing_public_key"`
	Artifacts        []Entry   `yaml:"artifacts"`
	Signature        string    `yaml:"signature,omitempty"`
}

// SigningBytes returns the canonical payload the signature covers.
func (m Manifest) SigningBytes() ([]byte, error) {
	m.Signature = ""
	return yaml.Marshal(m)
}

// Writer regenerates the signed manifest whenever the active set changes.
type Writer struct {
	signer *Signer
	path   string
	logger *log.Logger
	now    func() time.Time
}

// NewWriter builds a Writer placing the manifest inside dir. The signer
// must hold a private key.
func NewWriter(signer *Signer, dir string, logger *log.Logger) (*Writer, error) {
	if !signer.CanSign() {
		return nil, errors.New("manifest writer requires a signing key")
	}
	if dir == "" {
		return nil, errors.New("manifest directory is required")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Writer{
		signer: signer,
		path:   filepath.Join(dir, ManifestFileName),
		logger: logger,
		now:    time.Now,
	}, nil
}

// Path returns the manifest's location on disk.
func (w *Writer) Path() string { return w.path }

// Write builds, signs, and atomically replaces the manifest.
func (w *Writer) Write(entries []Entry) error {
	if w == nil {
		return errors.New("nil manifest writer")
	}

	manifest := Manifest{
		Version:          "1",
		GeneratedAt:      w.now().UTC().Truncate(time.Second),
		Signer:           w.signer.Recipient(),
		SigningPublicKey: w.signer.PublicKeyBase64(),
		Artifacts:        entries,
	}

	payload, err := manifest.SigningBytes()
	if err != nil {
		return fmt.Errorf("marshal manifest for signing: %w", err)
	}
	sig, err := w.signer.Sign(payload)
	if err != nil {
		return fmt.Errorf("sign manifest: %w", err)
	}
	manifest.Signature = sig

	data, err := yaml.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}

	tmp := w.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := os.Rename(tmp, w.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace manifest: %w", err)
	}

	w.logger.Printf("INFO wrote release manifest with %d artifacts", len(entries))
	return nil
}

// Load reads and decodes a manifest from disk.
func Load(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, err
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse manifest: %w", err)
	}
	return m, nil
}
