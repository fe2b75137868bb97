package realtime

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pitext/travelvoice/internal/reliability"
)

// ConnState tracks the lifecycle of the upstream connection.
type ConnState string

const (
	StateUnconnected ConnState = "unconnected"
	StateConnecting  ConnState = "connecting"
	StateOpen        ConnState = "open"
	StateClosing     ConnState = "closing"
	StateClosed      ConnState = "closed"
)

var (
	ErrMissingAPIKey  = errors.New("realtime: missing API key")
	ErrBadAPIKey      = errors.New("realtime: API key has unexpected format")
	ErrNotConnected   = errors.New("realtime: not connected")
	ErrAlreadyDialing = errors.New("realtime: connect already in progress")
	ErrConnectTimeout = errors.New("realtime: connection timed out")
)

// Listener receives decoded upstream events. All callbacks are invoked from
// the client's single read loop, so they observe events in wire order.
type Listener interface {
	OnSessionUpdate(conversationID string)
	OnSpeechStarted()
	OnSpeechStopped()
	OnResponseStarted()
	OnResponseDone(status string)
	OnTranscript(text, itemID string, final bool)
	OnAudioChunk(audio []byte, itemID string)
	OnFunctionCall(callID, name string, args map[string]any)
	OnError(category reliability.Category, message string)
}

// ClientConfig carries everything needed to open and configure one upstream
// realtime connection.
type ClientConfig struct {
	APIKey       string
	URL          string
	Model        string
	Voice        string
	Temperature  float64
	Instructions string

	VADThreshold float64
	VADPrefixMS  int
	VADSilenceMS int

	// ConnectTimeout bounds how long Connect blocks awaiting the open
	// confirmation. Zero means 30s.
	ConnectTimeout time.Duration

	// Dialer overrides the websocket dialer; tests point it at a local server.
	Dialer *websocket.Dialer
}

// Client owns one persistent outbound connection to the realtime speech
// service and translates its wire vocabulary into Listener callbacks.
type Client struct {
	sessionID string
	cfg       ClientConfig

	mu       sync.Mutex // guards conn, state, listener, response tracking
	conn     *websocket.Conn
	state    ConnState
	listener Listener

	writeMu sync.Mutex

	conversationID string
	currentItemID  string
	responseActive bool

	readDone chan struct{}
}

// dispatchTable maps inbound type tags to handlers. Built once; the lookup
// miss path is the explicit ignore case.
var dispatchTable map[string]func(*Client, *serverEvent)

func init() {
	dispatchTable = map[string]func(*Client, *serverEvent){
		typeSessionCreated:    (*Client).handleSessionCreated,
		typeSessionUpdated:    (*Client).handleSessionUpdated,
		typeSpeechStarted:     (*Client).handleSpeechStarted,
		typeSpeechStopped:     (*Client).handleSpeechStopped,
		typeItemCreated:       (*Client).handleItemCreated,
		typeResponseCreated:   (*Client).handleResponseCreated,
		typeResponseDone:      (*Client).handleResponseDone,
		typeResponseCancelled: (*Client).handleResponseCancelled,
		typeTranscriptDelta:   (*Client).handleTranscriptDelta,
		typeTranscriptDone:    (*Client).handleTranscriptDone,
		typeAudioDelta:        (*Client).handleAudioDelta,
		typeFunctionArgsDone:  (*Client).handleFunctionCall,
		typeError:             (*Client).handleError,
	}
}

// NewClient validates the credential and configuration up front so that a
// misconfigured deployment fails at construction, not at first use.
func NewClient(sessionID string, cfg ClientConfig) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, ErrMissingAPIKey
	}
	if !strings.HasPrefix(cfg.APIKey, "sk-") {
		return nil, ErrBadAPIKey
	}
	if strings.TrimSpace(cfg.URL) == "" {
		cfg.URL = "wss://api.openai.com/v1/realtime"
	}
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, fmt.Errorf("realtime: invalid endpoint URL: %w", err)
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = "gpt-4o-realtime-preview"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	return &Client{
		sessionID: sessionID,
		cfg:       cfg,
		state:     StateUnconnected,
	}, nil
}

// SetListener installs the callback sink. Safe to call before or after
// Connect; events arriving with no listener are dropped.
func (c *Client) SetListener(l Listener) {
	c.mu.Lock()
	c.listener = l
	c.mu.Unlock()
}

// State reports the current connection state.
func (c *Client) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ConversationID reports the upstream conversation id once assigned.
func (c *Client) ConversationID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conversationID
}

// IsConnected reports whether the connection is open.
func (c *Client) IsConnected() bool {
	return c.State() == StateOpen
}

// Connect opens the upstream connection. It is idempotent: an already-open
// client returns immediately. The transport is opened by a background
// goroutine; the caller blocks on a oneshot result raced against the
// configured ceiling. On timeout or a pre-open transport error the partial
// connection is torn down and a normalized error is returned.
func (c *Client) Connect() error {
	c.mu.Lock()
	switch c.state {
	case StateOpen:
		c.mu.Unlock()
		return nil
	case StateConnecting:
		c.mu.Unlock()
		return ErrAlreadyDialing
	}
	c.state = StateConnecting
	c.mu.Unlock()

	opened := make(chan error, 1)
	go c.dial(opened)

	timer := time.NewTimer(c.cfg.ConnectTimeout)
	defer timer.Stop()

	select {
	case err := <-opened:
		if err != nil {
			c.Disconnect()
			category, msg := reliability.ClassifyTransportError(err)
			return fmt.Errorf("realtime connect (%s): %s", category, msg)
		}
	case <-timer.C:
		c.Disconnect()
		return ErrConnectTimeout
	}

	// The connection is reported open before the initial configuration patch
	// goes out; a failed patch is logged but never fails the connect.
	if err := c.sendInitialConfig(); err != nil {
		log.Printf("realtime: session %s initial config failed: %v", c.sessionID, err)
	}
	return nil
}

// dial resolves the oneshot exactly once: either the low-level open succeeded
// or it did not. On success it transitions to open and starts the read loop.
func (c *Client) dial(opened chan<- error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		opened <- err
		return
	}
	q := u.Query()
	q.Set("model", c.cfg.Model)
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+c.cfg.APIKey)
	headers.Set("OpenAI-Beta", "realtime=v1")

	dialer := c.cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: c.cfg.ConnectTimeout}
	}

	conn, _, err := dialer.Dial(u.String(), headers)
	if err != nil {
		opened <- err
		return
	}

	c.mu.Lock()
	if c.state != StateConnecting {
		// Disconnect won the race; drop the late connection.
		c.mu.Unlock()
		_ = conn.Close()
		opened <- ErrNotConnected
		return
	}
	c.conn = conn
	c.state = StateOpen
	done := make(chan struct{})
	c.readDone = done
	c.mu.Unlock()

	opened <- nil
	c.readLoop(conn, done)
}

func (c *Client) sendInitialConfig() error {
	temp := c.cfg.Temperature
	return c.UpdateSession(SessionPatch{
		Instructions:      c.cfg.Instructions,
		Temperature:       &temp,
		Voice:             c.cfg.Voice,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		TurnDetection: &TurnDetection{
			Type:              "server_vad",
			Threshold:         c.cfg.VADThreshold,
			PrefixPaddingMS:   c.cfg.VADPrefixMS,
			SilenceDurationMS: c.cfg.VADSilenceMS,
			CreateResponse:    true,
			InterruptResponse: true,
		},
	})
}

// Disconnect closes the transport and stops the read loop. Safe to call at
// any time and any number of times; a later Connect may re-open.
func (c *Client) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	done := c.readDone
	c.conn = nil
	c.readDone = nil
	c.state = StateClosing
	c.responseActive = false
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if done != nil {
		<-done
	}

	c.mu.Lock()
	// A concurrent Connect may already have moved the state on; only the
	// closing transition collapses back to unconnected.
	if c.state == StateClosing {
		c.state = StateUnconnected
	}
	c.mu.Unlock()
}

// readLoop processes inbound messages strictly in order until the transport
// drops. A transport error after open surfaces through the listener.
func (c *Client) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleTransportError(err)
			return
		}
		c.dispatch(data)
	}
}

func (c *Client) handleTransportError(err error) {
	c.mu.Lock()
	wasOpen := c.state == StateOpen
	if wasOpen {
		c.state = StateClosed
		c.conn = nil
		// The loop is exiting on its own; nobody should wait on it. This
		// keeps Disconnect safe to call from inside a listener callback.
		c.readDone = nil
	}
	l := c.listener
	c.responseActive = false
	c.mu.Unlock()

	if !wasOpen {
		// Deliberate Disconnect; the close error is expected.
		return
	}
	log.Printf("realtime: session %s connection dropped: %v", c.sessionID, err)
	if l != nil {
		category, msg := reliability.ClassifyTransportError(err)
		l.OnError(category, msg)
	}
}

// dispatch routes one raw inbound message. Malformed messages are dropped
// and unknown type tags ignored; neither stops the loop.
func (c *Client) dispatch(data []byte) {
	var evt serverEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		preview := data
		if len(preview) > 120 {
			preview = preview[:120]
		}
		log.Printf("realtime: session %s malformed message dropped: %s", c.sessionID, preview)
		return
	}
	handler, ok := dispatchTable[evt.Type]
	if !ok {
		return
	}
	handler(c, &evt)
}

func (c *Client) snapshotListener() Listener {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listener
}

func (c *Client) handleSessionCreated(evt *serverEvent) {
	c.mu.Lock()
	if evt.Session != nil {
		c.conversationID = evt.Session.ID
	}
	l := c.listener
	id := c.conversationID
	c.mu.Unlock()
	if l != nil {
		l.OnSessionUpdate(id)
	}
}

func (c *Client) handleSessionUpdated(evt *serverEvent) {
	c.mu.Lock()
	l := c.listener
	id := c.conversationID
	c.mu.Unlock()
	if l != nil {
		l.OnSessionUpdate(id)
	}
}

func (c *Client) handleSpeechStarted(_ *serverEvent) {
	if l := c.snapshotListener(); l != nil {
		l.OnSpeechStarted()
	}
}

func (c *Client) handleSpeechStopped(_ *serverEvent) {
	if l := c.snapshotListener(); l != nil {
		l.OnSpeechStopped()
	}
}

func (c *Client) handleItemCreated(evt *serverEvent) {
	if evt.Item == nil {
		return
	}
	c.mu.Lock()
	c.currentItemID = evt.Item.ID
	c.mu.Unlock()
}

func (c *Client) handleResponseCreated(_ *serverEvent) {
	c.mu.Lock()
	c.responseActive = true
	l := c.listener
	c.mu.Unlock()
	if l != nil {
		l.OnResponseStarted()
	}
}

func (c *Client) handleResponseDone(evt *serverEvent) {
	c.finishResponse(evt, "completed")
}

func (c *Client) handleResponseCancelled(evt *serverEvent) {
	c.finishResponse(evt, "cancelled")
}

func (c *Client) finishResponse(evt *serverEvent, fallback string) {
	status := fallback
	if evt.Response != nil && evt.Response.Status != "" {
		status = evt.Response.Status
	}
	c.mu.Lock()
	c.responseActive = false
	l := c.listener
	c.mu.Unlock()
	if l != nil {
		l.OnResponseDone(status)
	}
}

func (c *Client) handleTranscriptDelta(evt *serverEvent) {
	if l := c.snapshotListener(); l != nil {
		l.OnTranscript(evt.Delta, evt.ItemID, false)
	}
}

func (c *Client) handleTranscriptDone(evt *serverEvent) {
	if l := c.snapshotListener(); l != nil {
		l.OnTranscript(evt.Transcript, evt.ItemID, true)
	}
}

func (c *Client) handleAudioDelta(evt *serverEvent) {
	l := c.snapshotListener()
	if l == nil {
		return
	}
	audio, err := base64.StdEncoding.DecodeString(evt.Delta)
	if err != nil {
		log.Printf("realtime: session %s audio delta decode failed: %v", c.sessionID, err)
		return
	}
	l.OnAudioChunk(audio, evt.ItemID)
}

func (c *Client) handleFunctionCall(evt *serverEvent) {
	l := c.snapshotListener()
	if l == nil {
		return
	}
	args := map[string]any{}
	if evt.Arguments != "" {
		if err := json.Unmarshal([]byte(evt.Arguments), &args); err != nil {
			log.Printf("realtime: session %s unparseable function arguments for %s", c.sessionID, evt.Name)
			args = map[string]any{}
		}
	}
	l.OnFunctionCall(evt.CallID, evt.Name, args)
}

func (c *Client) handleError(evt *serverEvent) {
	msg := "unknown error"
	if evt.Error != nil && evt.Error.Message != "" {
		msg = evt.Error.Message
	}
	if l := c.snapshotListener(); l != nil {
		l.OnError(reliability.CategoryUnknown, msg)
	}
}

// sendEvent serializes one outbound wire event. Sends against a connection
// that is not open are rejected without touching the transport.
func (c *Client) sendEvent(eventType string, evt any) error {
	c.mu.Lock()
	conn := c.conn
	open := c.state == StateOpen
	c.mu.Unlock()
	if !open || conn == nil {
		log.Printf("realtime: session %s dropped %s send while not connected", c.sessionID, eventType)
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(evt)
}

// AppendAudio streams one raw PCM16 chunk into the input buffer.
func (c *Client) AppendAudio(audio []byte) error {
	return c.sendEvent(typeAudioAppend, audioAppendEvent{
		Type:  typeAudioAppend,
		Audio: base64.StdEncoding.EncodeToString(audio),
	})
}

// CommitAudio commits the pending input buffer. Redundant under server VAD
// but kept for clients driving turns manually.
func (c *Client) CommitAudio() error {
	return c.sendEvent(typeAudioCommit, bareEvent{Type: typeAudioCommit})
}

// ClearAudioBuffer discards the pending input buffer.
func (c *Client) ClearAudioBuffer() error {
	return c.sendEvent(typeAudioClear, bareEvent{Type: typeAudioClear})
}

// SendText submits a user text message and requests a response for it.
func (c *Client) SendText(text string) error {
	err := c.sendEvent(typeItemCreate, itemCreateEvent{
		Type: typeItemCreate,
		Item: conversationItem{
			Type:    "message",
			Role:    "user",
			Content: []contentPart{{Type: "input_text", Text: text}},
		},
	})
	if err != nil {
		return err
	}
	return c.sendEvent(typeResponseCreate, bareEvent{Type: typeResponseCreate})
}

// SendFunctionResult relays a completed function call back to the model.
func (c *Client) SendFunctionResult(callID string, result any) error {
	output, ok := result.(string)
	if !ok {
		encoded, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("encode function result: %w", err)
		}
		output = string(encoded)
	}
	return c.sendEvent(typeItemCreate, itemCreateEvent{
		Type: typeItemCreate,
		Item: conversationItem{
			Type:   "function_call_output",
			CallID: callID,
			Output: output,
		},
	})
}

// UpdateSession sends a configuration patch.
func (c *Client) UpdateSession(patch SessionPatch) error {
	return c.sendEvent(typeSessionUpdate, sessionUpdateEvent{
		Type:    typeSessionUpdate,
		Session: patch,
	})
}

// Interrupt cancels the in-flight response. It is a no-op unless a response
// is known to be in progress, so spurious cancels are never sent.
func (c *Client) Interrupt() error {
	c.mu.Lock()
	active := c.responseActive
	c.mu.Unlock()
	if !active {
		return nil
	}
	return c.sendEvent(typeResponseCancel, bareEvent{Type: typeResponseCancel})
}
