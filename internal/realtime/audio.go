package realtime

import (
	"encoding/base64"
	"errors"
	"fmt"
)

// maxFrameBytes caps one decoded browser audio frame. Browsers sending 100ms
// PCM16 frames at 24kHz stay well under this.
const maxFrameBytes = 1 << 20

var (
	ErrEmptyFrame   = errors.New("audio: empty frame")
	ErrOddFrameSize = errors.New("audio: PCM16 frame must contain whole samples")
	ErrFrameTooBig  = errors.New("audio: frame exceeds size limit")
)

// Codec is the stateless transformation boundary between transport-native
// base64 frames and raw PCM16 bytes. One instance is owned per session; it
// carries no per-call state.
type Codec struct{}

func NewCodec() *Codec {
	return &Codec{}
}

// DecodeFrame converts a transport base64 frame into raw PCM16 bytes,
// rejecting frames a well-behaved client never produces.
func (c *Codec) DecodeFrame(encoded string) ([]byte, error) {
	if encoded == "" {
		return nil, ErrEmptyFrame
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("audio: decode frame: %w", err)
	}
	if len(raw) == 0 {
		return nil, ErrEmptyFrame
	}
	if len(raw) > maxFrameBytes {
		return nil, ErrFrameTooBig
	}
	if len(raw)%2 != 0 {
		return nil, ErrOddFrameSize
	}
	return raw, nil
}

// EncodeFrame converts raw PCM16 bytes into a transport base64 frame.
func (c *Codec) EncodeFrame(pcm []byte) string {
	return base64.StdEncoding.EncodeToString(pcm)
}
