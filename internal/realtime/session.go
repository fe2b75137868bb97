package realtime

import (
	"crypto/rand"
	"encoding/base64"
	"time"
)

// Session binds one logical voice conversation to its owned wire client and
// audio codec. The Manager's registry is the sole owner; mutable fields are
// only touched through Manager methods while the registry lock is held.
// ID, UserIP, ClientKey, Client, Audio and CreatedAt are immutable after
// construction and safe to read anywhere.
type Session struct {
	ID        string
	UserIP    string
	ClientKey string

	CreatedAt    time.Time
	LastActivity time.Time
	ConnectedAt  *time.Time

	Active bool

	Client    *Client
	Audio     *Codec
	Functions FunctionHandler

	WelcomeSent bool

	// ipSlotFreed guards the one-time release of this session's per-IP
	// admission slot. Owned by the Manager.
	ipSlotFreed bool

	AudioBytesSent     int64
	AudioBytesReceived int64
	MessageCount       int
	FunctionCallCount  int
}

// SessionStats is a point-in-time copy of a session's counters, safe to hand
// out across the lock boundary.
type SessionStats struct {
	SessionID       string    `json:"session_id"`
	Active          bool      `json:"is_active"`
	CreatedAt       time.Time `json:"created_at"`
	LastActivity    time.Time `json:"last_activity"`
	DurationSeconds float64   `json:"duration_seconds"`
	AudioSentKB     float64   `json:"audio_sent_kb"`
	AudioReceivedKB float64   `json:"audio_received_kb"`
	MessageCount    int       `json:"message_count"`
	FunctionCalls   int       `json:"function_calls"`
}

func (s *Session) statsLocked(now time.Time) SessionStats {
	return SessionStats{
		SessionID:       s.ID,
		Active:          s.Active,
		CreatedAt:       s.CreatedAt,
		LastActivity:    s.LastActivity,
		DurationSeconds: now.Sub(s.CreatedAt).Seconds(),
		AudioSentKB:     float64(s.AudioBytesSent) / 1024,
		AudioReceivedKB: float64(s.AudioBytesReceived) / 1024,
		MessageCount:    s.MessageCount,
		FunctionCalls:   s.FunctionCallCount,
	}
}

// newSessionID returns an unguessable session token.
func newSessionID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms.
		panic(err)
	}
	return "rts_" + base64.RawURLEncoding.EncodeToString(buf)
}
