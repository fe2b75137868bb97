package realtime

import "encoding/json"

// Wire event type tags, outbound (client -> speech service).
const (
	typeSessionUpdate  = "session.update"
	typeAudioAppend    = "input_audio_buffer.append"
	typeAudioCommit    = "input_audio_buffer.commit"
	typeAudioClear     = "input_audio_buffer.clear"
	typeItemCreate     = "conversation.item.create"
	typeResponseCreate = "response.create"
	typeResponseCancel = "response.cancel"
)

// Wire event type tags, inbound (speech service -> client).
const (
	typeSessionCreated    = "session.created"
	typeSessionUpdated    = "session.updated"
	typeSpeechStarted     = "input_audio_buffer.speech_started"
	typeSpeechStopped     = "input_audio_buffer.speech_stopped"
	typeItemCreated       = "conversation.item.created"
	typeResponseCreated   = "response.created"
	typeResponseDone      = "response.done"
	typeResponseCancelled = "response.cancelled"
	typeTranscriptDelta   = "response.audio_transcript.delta"
	typeTranscriptDone    = "response.audio_transcript.done"
	typeAudioDelta        = "response.audio.delta"
	typeFunctionArgsDone  = "response.function_call_arguments.done"
	typeError             = "error"
)

// ToolDefinition describes one callable function advertised to the model.
type ToolDefinition struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// TurnDetection configures the service-side voice activity detector.
type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMS   int     `json:"prefix_padding_ms"`
	SilenceDurationMS int     `json:"silence_duration_ms"`
	CreateResponse    bool    `json:"create_response"`
	InterruptResponse bool    `json:"interrupt_response"`
}

// SessionPatch is the payload of a session.update event. Empty fields are
// omitted so a patch only touches what it names.
type SessionPatch struct {
	Instructions      string           `json:"instructions,omitempty"`
	Temperature       *float64         `json:"temperature,omitempty"`
	Voice             string           `json:"voice,omitempty"`
	InputAudioFormat  string           `json:"input_audio_format,omitempty"`
	OutputAudioFormat string           `json:"output_audio_format,omitempty"`
	TurnDetection     *TurnDetection   `json:"turn_detection,omitempty"`
	Tools             []ToolDefinition `json:"tools,omitempty"`
}

type sessionUpdateEvent struct {
	Type    string       `json:"type"`
	Session SessionPatch `json:"session"`
}

type audioAppendEvent struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type bareEvent struct {
	Type string `json:"type"`
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type conversationItem struct {
	Type    string        `json:"type"`
	Role    string        `json:"role,omitempty"`
	Content []contentPart `json:"content,omitempty"`
	CallID  string        `json:"call_id,omitempty"`
	Output  string        `json:"output,omitempty"`
}

type itemCreateEvent struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

// serverEvent is the superset of inbound wire message fields. One struct
// covers every type tag; the dispatch table decides which fields matter.
type serverEvent struct {
	Type       string          `json:"type"`
	ItemID     string          `json:"item_id"`
	Delta      string          `json:"delta"`
	Transcript string          `json:"transcript"`
	CallID     string          `json:"call_id"`
	Name       string          `json:"name"`
	Arguments  string          `json:"arguments"`
	Session    *serverSession  `json:"session"`
	Item       *serverItem     `json:"item"`
	Response   *serverResponse `json:"response"`
	Error      *serverError    `json:"error"`
}

type serverSession struct {
	ID string `json:"id"`
}

type serverItem struct {
	ID string `json:"id"`
}

type serverResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type serverError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}
