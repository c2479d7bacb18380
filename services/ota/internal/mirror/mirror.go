package mirror

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/klauspost/compress/zstd"

	gos3 "otad/pkg/s3"
	"otad/services/ota/internal/firmware"
)

const keyPrefix = "firmware/"

// Mirror keeps an off-site, zstd-compressed copy of every published
// artifact in an S3 bucket. Publishing never depends on the mirror; a
// failed upload is logged and the next publish tries again.
type Mirror struct {
	s3     *gos3.Client
	bucket string
	logger *log.Logger
}

// New configures a Mirror for the given bucket.
func New(client *gos3.Client, bucket string, logger *log.Logger) (*Mirror, error) {
	if client == nil {
		return nil, errors.New("s3 client is required")
	}
	if bucket == "" {
		return nil, errors.New("mirror bucket is required")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Mirror{s3: client, bucket: bucket, logger: logger}, nil
}

// Upload compresses the artifact content and stores it under
// firmware/<filename>.zst with sha256 checksum metadata. Firmware images
// are capped at a few megabytes, so buffering the compressed copy in
// memory is fine.
func (m *Mirror) Upload(ctx context.Context, art firmware.Artifact, r io.Reader) error {
	if m == nil {
		return nil
	}

	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf)
	if err != nil {
		return fmt.Errorf("init zstd writer: %w", err)
	}
	if _, err := io.Copy(enc, r); err != nil {
		enc.Close()
		return fmt.Errorf("compress %s: %w", art.Filename, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("compress %s: %w", art.Filename, err)
	}

	sum := sha256.Sum256(buf.Bytes())
	digest := hex.EncodeToString(sum[:])
	key := keyPrefix + art.Filename + ".zst"

	if err := m.s3.PutObject(ctx, m.bucket, key, bytes.NewReader(buf.Bytes()), int64(buf.Len()), digest); err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}

	m.logger.Printf("INFO mirrored firmware %s to s3://%s/%s (%d bytes compressed)",
		art.Filename, m.bucket, key, buf.Len())
	return nil
}

// DownloadURL returns a presigned GET URL for a mirrored artifact.
func (m *Mirror) DownloadURL(ctx context.Context, filename string, ttl time.Duration) (string, error) {
	if m == nil {
		return "", errors.New("mirror not configured")
	}
	return m.s3.PresignGet(ctx, m.bucket, keyPrefix+filename+".zst", ttl)
}
