package firmware

import (
	"bytes"
	"errors"
	"testing"
)

func TestValidatorValidate(t *testing.T) {
	tests := []struct {
		name    string
		v       Validator
		data    []byte
		wantErr bool
	}{
		{
			name: "valid image",
			v:    Validator{MaxSize: 1024},
			data: []byte{0xE9, 0x01, 0x02},
		},
		{
			name:    "empty image",
			v:       Validator{MaxSize: 1024},
			data:    nil,
			wantErr: true,
		},
		{
			name:    "wrong leading byte",
			v:       Validator{MaxSize: 1024},
			data:    []byte{0x7F, 0x45, 0x4C, 0x46},
			wantErr: true,
		},
		{
			name:    "over size cap",
			v:       Validator{MaxSize: 2},
			data:    []byte{0xE9, 0x01, 0x02},
			wantErr: true,
		},
		{
			name: "no size cap",
			v:    Validator{},
			data: bytes.Repeat([]byte{0xE9}, 4096),
		},
		{
			name: "custom signature",
			v:    Validator{Signature: 0xAA},
			data: []byte{0xAA, 0x01},
		},
		{
			name:    "custom signature mismatch",
			v:       Validator{Signature: 0xAA},
			data:    []byte{0xE9, 0x01},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.v.Validate(tt.data)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidImage) {
				t.Fatalf("Validate() error = %v, want ErrInvalidImage", err)
			}
		})
	}
}
