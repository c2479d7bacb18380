package firmware

import (
	"errors"
	"fmt"
	"os"
)

// ErrInvalidImage is wrapped by every validation failure so callers can
// map any rejection to a bad-request response while still surfacing the
// specific reason.
var ErrInvalidImage = errors.New("invalid firmware image")

// DefaultSignature is the first byte of an ESP32 application image.
const DefaultSignature byte = 0xE9

// Validator performs pure checks on a candidate firmware image: it must
// be non-empty, within the size cap, and start with the platform's image
// signature byte. Checks short-circuit on the first failure.
type Validator struct {
	MaxSize   int64
	Signature byte
}

// Validate checks an in-memory image.
func (v Validator) Validate(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: image is empty", ErrInvalidImage)
	}
	if v.MaxSize > 0 && int64(len(data)) > v.MaxSize {
		return fmt.Errorf("%w: image is %d bytes, maximum is %d", ErrInvalidImage, len(data), v.MaxSize)
	}
	return v.checkSignature(data[0])
}

// ValidateFile checks an image already on disk by size and leading byte,
// without reading the whole file.
func (v Validator) ValidateFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.Size() == 0 {
		return fmt.Errorf("%w: image is empty", ErrInvalidImage)
	}
	if v.MaxSize > 0 && info.Size() > v.MaxSize {
		return fmt.Errorf("%w: image is %d bytes, maximum is %d", ErrInvalidImage, info.Size(), v.MaxSize)
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var header [1]byte
	if _, err := f.Read(header[:]); err != nil {
		return err
	}
	return v.checkSignature(header[0])
}

func (v Validator) checkSignature(first byte) error {
	expected := v.Signature
	if expected == 0 {
		expected = DefaultSignature
	}
	if first != expected {
		return fmt.Errorf("%w: leading byte 0x%02X, expected 0x%02X", ErrInvalidImage, first, expected)
	}
	return nil
}
