package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies websocket payload variants on the browser leg.
type MessageType string

// Client -> server.
const (
	TypeStartSession MessageType = "start_session"
	TypeMapReady     MessageType = "map_ready"
	TypeGetStats     MessageType = "get_stats"
	TypePing         MessageType = "ping"
	TypeAudioChunk   MessageType = "audio_chunk"
	TypeAudioCommit  MessageType = "audio_commit"
	TypeAudioClear   MessageType = "audio_clear"
	TypeTextMessage  MessageType = "text_message"
	TypeInterrupt    MessageType = "interrupt"
)

// Server -> client.
const (
	TypeConnected      MessageType = "connected"
	TypeSessionStarted MessageType = "session_started"
	TypeError          MessageType = "error"
	TypeTranscript     MessageType = "transcript"
	TypeServerAudio    MessageType = "server_audio_chunk"
	TypeSpeechStarted  MessageType = "speech_started"
	TypeSpeechStopped  MessageType = "speech_stopped"
	TypeResponseStatus MessageType = "response_status"
	TypeStats          MessageType = "stats"
	TypePong           MessageType = "pong"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

type StartSession struct {
	Type MessageType `json:"type"`
}

type MapReady struct {
	Type MessageType `json:"type"`
}

type GetStats struct {
	Type MessageType `json:"type"`
}

type Ping struct {
	Type MessageType `json:"type"`
	TSMs int64       `json:"ts_ms,omitempty"`
}

type AudioChunk struct {
	Type        MessageType `json:"type"`
	AudioBase64 string      `json:"audio_base64"`
}

type AudioCommit struct {
	Type MessageType `json:"type"`
}

type AudioClear struct {
	Type MessageType `json:"type"`
}

type TextMessage struct {
	Type MessageType `json:"type"`
	Text string      `json:"text"`
}

type Interrupt struct {
	Type MessageType `json:"type"`
}

type Connected struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Status    string      `json:"status"`
	TSMs      int64       `json:"ts_ms"`
}

type SessionStarted struct {
	Type                MessageType `json:"type"`
	SessionID           string      `json:"session_id"`
	Status              string      `json:"status"`
	FunctionsRegistered int         `json:"functions_registered"`
	TSMs                int64       `json:"ts_ms"`
}

type ErrorEvent struct {
	Type     MessageType `json:"type"`
	Message  string      `json:"message"`
	Details  string      `json:"details,omitempty"`
	Category string      `json:"category,omitempty"`
	TSMs     int64       `json:"ts_ms"`
}

type Transcript struct {
	Type   MessageType `json:"type"`
	Text   string      `json:"text"`
	ItemID string      `json:"item_id,omitempty"`
	Final  bool        `json:"final"`
}

type ServerAudioChunk struct {
	Type        MessageType `json:"type"`
	AudioBase64 string      `json:"audio_base64"`
	ItemID      string      `json:"item_id,omitempty"`
}

type SpeechStarted struct {
	Type MessageType `json:"type"`
}

type SpeechStopped struct {
	Type MessageType `json:"type"`
}

type ResponseStatus struct {
	Type   MessageType `json:"type"`
	Status string      `json:"status"`
}

type Stats struct {
	Type    MessageType `json:"type"`
	Payload any         `json:"payload"`
}

type Pong struct {
	Type MessageType `json:"type"`
	TSMs int64       `json:"ts_ms"`
}

// ParseClientMessage decodes and validates one inbound browser message.
func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeStartSession:
		return StartSession{Type: env.Type}, nil
	case TypeMapReady:
		return MapReady{Type: env.Type}, nil
	case TypeGetStats:
		return GetStats{Type: env.Type}, nil
	case TypePing:
		var msg Ping
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeAudioChunk:
		var msg AudioChunk
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.AudioBase64 == "" {
			return nil, errors.New("invalid audio_chunk: missing audio_base64")
		}
		return msg, nil
	case TypeAudioCommit:
		return AudioCommit{Type: env.Type}, nil
	case TypeAudioClear:
		return AudioClear{Type: env.Type}, nil
	case TypeTextMessage:
		var msg TextMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Text == "" {
			return nil, errors.New("invalid text_message: missing text")
		}
		return msg, nil
	case TypeInterrupt:
		return Interrupt{Type: env.Type}, nil
	default:
		return nil, ErrUnsupportedType
	}
}
