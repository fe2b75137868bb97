package realtime

import (
	"context"
	"log"
	"time"

	"github.com/pitext/travelvoice/internal/observability"
	"github.com/pitext/travelvoice/internal/protocol"
	"github.com/pitext/travelvoice/internal/reliability"
)

// FunctionHandler is the collaborator that serves model function calls.
type FunctionHandler interface {
	Definitions() []ToolDefinition
	Invoke(ctx context.Context, name string, args map[string]any) (any, error)
}

const functionInvokeTimeout = 15 * time.Second

// Bridge implements Listener for exactly one browser connection. It
// translates wire events into protocol messages on that connection's
// outbound queue; nothing is ever broadcast.
type Bridge struct {
	sessionID string
	manager   *Manager
	client    *Client
	functions FunctionHandler
	outbound  chan<- any
	metrics   *observability.Metrics
}

// NewBridge wires a session's wire client callbacks toward one browser
// connection. The caller installs it with client.SetListener. metrics may be
// nil in tests.
func NewBridge(sessionID string, manager *Manager, client *Client, functions FunctionHandler, outbound chan<- any, metrics *observability.Metrics) *Bridge {
	return &Bridge{
		sessionID: sessionID,
		manager:   manager,
		client:    client,
		functions: functions,
		outbound:  outbound,
		metrics:   metrics,
	}
}

// send enqueues without blocking; a saturated browser connection loses the
// message rather than stalling the wire read loop.
func (b *Bridge) send(msg any) {
	select {
	case b.outbound <- msg:
	default:
		log.Printf("bridge: session %s outbound queue full, dropping message", b.sessionID)
	}
}

func (b *Bridge) countEvent(kind string) {
	if b.metrics != nil {
		b.metrics.WireEvents.WithLabelValues(kind).Inc()
	}
}

func (b *Bridge) OnSessionUpdate(conversationID string) {
	// Advisory only; the conversation id is kept on the client for logging.
	b.countEvent("session_update")
}

func (b *Bridge) OnSpeechStarted() {
	b.countEvent("speech_started")
	b.send(protocol.SpeechStarted{Type: protocol.TypeSpeechStarted})
}

func (b *Bridge) OnSpeechStopped() {
	b.countEvent("speech_stopped")
	b.send(protocol.SpeechStopped{Type: protocol.TypeSpeechStopped})
}

func (b *Bridge) OnResponseStarted() {
	b.countEvent("response_started")
	b.send(protocol.ResponseStatus{Type: protocol.TypeResponseStatus, Status: "started"})
}

func (b *Bridge) OnResponseDone(status string) {
	b.countEvent("response_done")
	b.send(protocol.ResponseStatus{Type: protocol.TypeResponseStatus, Status: status})
}

func (b *Bridge) OnTranscript(text, itemID string, final bool) {
	b.countEvent("transcript")
	b.send(protocol.Transcript{
		Type:   protocol.TypeTranscript,
		Text:   text,
		ItemID: itemID,
		Final:  final,
	})
	if final {
		b.manager.UpdateStats(b.sessionID, 0, 0, 1, 0)
	}
}

func (b *Bridge) OnAudioChunk(audio []byte, itemID string) {
	b.countEvent("audio")
	var encoded string
	if codec, err := b.sessionAudio(); err == nil {
		encoded = codec.EncodeFrame(audio)
	}
	if encoded == "" {
		return
	}
	b.send(protocol.ServerAudioChunk{
		Type:        protocol.TypeServerAudio,
		AudioBase64: encoded,
		ItemID:      itemID,
	})
	b.manager.UpdateStats(b.sessionID, 0, int64(len(audio)), 0, 0)
	if b.metrics != nil {
		b.metrics.AudioBytes.WithLabelValues("outbound").Add(float64(len(audio)))
	}
}

func (b *Bridge) sessionAudio() (*Codec, error) {
	s, err := b.manager.GetSession(b.sessionID)
	if err != nil {
		return nil, err
	}
	if s.Audio == nil {
		return nil, ErrSessionNotReady
	}
	return s.Audio, nil
}

// OnFunctionCall invokes the attached handler and relays the result back
// through the wire client, completing the function-call round trip.
func (b *Bridge) OnFunctionCall(callID, name string, args map[string]any) {
	b.countEvent("function_call")
	b.manager.UpdateStats(b.sessionID, 0, 0, 0, 1)

	if b.functions == nil {
		log.Printf("bridge: session %s received function call %s with no handler attached", b.sessionID, name)
		_ = b.client.SendFunctionResult(callID, map[string]any{"error": "no function handler available"})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), functionInvokeTimeout)
	defer cancel()

	result, err := b.functions.Invoke(ctx, name, args)
	if err != nil {
		log.Printf("bridge: session %s function %s failed: %v", b.sessionID, name, err)
		if b.metrics != nil {
			b.metrics.FunctionCalls.WithLabelValues(name, "error").Inc()
		}
		_ = b.client.SendFunctionResult(callID, map[string]any{"error": err.Error()})
		return
	}
	if b.metrics != nil {
		b.metrics.FunctionCalls.WithLabelValues(name, "ok").Inc()
	}
	if err := b.client.SendFunctionResult(callID, result); err != nil {
		log.Printf("bridge: session %s could not relay %s result: %v", b.sessionID, name, err)
	}
}

func (b *Bridge) OnError(category reliability.Category, message string) {
	if b.metrics != nil {
		b.metrics.WireErrors.WithLabelValues(string(category)).Inc()
	}
	b.send(protocol.ErrorEvent{
		Type:     protocol.TypeError,
		Message:  message,
		Category: string(category),
		TSMs:     time.Now().UnixMilli(),
	})
}
