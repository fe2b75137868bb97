package realtime

import (
	"bytes"
	"encoding/base64"
	"errors"
	"testing"
)

func TestCodecRoundTrip(t *testing.T) {
	c := NewCodec()
	pcm := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06}

	encoded := c.EncodeFrame(pcm)
	decoded, err := c.DecodeFrame(encoded)
	if err != nil {
		t.Fatalf("DecodeFrame() error = %v", err)
	}
	if !bytes.Equal(decoded, pcm) {
		t.Fatalf("round trip = %v, want %v", decoded, pcm)
	}
}

func TestCodecRejectsBadFrames(t *testing.T) {
	c := NewCodec()

	tests := []struct {
		name    string
		encoded string
		wantErr error
	}{
		{"empty string", "", ErrEmptyFrame},
		{"empty payload", base64.StdEncoding.EncodeToString(nil), ErrEmptyFrame},
		{"odd byte count", base64.StdEncoding.EncodeToString([]byte{0x01}), ErrOddFrameSize},
		{"oversized", base64.StdEncoding.EncodeToString(make([]byte, maxFrameBytes+2)), ErrFrameTooBig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.DecodeFrame(tt.encoded)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("DecodeFrame() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestCodecRejectsInvalidBase64(t *testing.T) {
	c := NewCodec()
	if _, err := c.DecodeFrame("not b64!!"); err == nil {
		t.Fatalf("DecodeFrame() accepted invalid base64")
	}
}
