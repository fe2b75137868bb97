package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/pitext/travelvoice/internal/protocol"
	"github.com/pitext/travelvoice/internal/realtime"
	"github.com/pitext/travelvoice/internal/trips"
)

// wsConn carries the per-connection state of one browser websocket.
type wsConn struct {
	srv       *Server
	outbound  chan any
	clientKey string
	ip        string
	sessionID string
}

func (s *Server) handleTravelWS(w http.ResponseWriter, r *http.Request) {
	clientKey := strings.TrimSpace(r.URL.Query().Get("client_key"))
	if clientKey == "" {
		clientKey = uuid.NewString()
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.metrics.SessionEvents.WithLabelValues("ws_connected").Inc()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := &wsConn{
		srv:       s,
		outbound:  make(chan any, 256),
		clientKey: clientKey,
		ip:        clientIP(r),
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-c.outbound:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(msg); err != nil {
					cancel()
					return
				}
				if t, ok := messageTypeOf(msg); ok {
					s.metrics.WSMessages.WithLabelValues("outbound", string(t)).Inc()
				}
			}
		}
	}()

	c.send(protocol.Connected{
		Type:   protocol.TypeConnected,
		Status: "connected",
		TSMs:   time.Now().UnixMilli(),
	})

	conn.SetReadLimit(2 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		if msgType != websocket.TextMessage {
			continue
		}

		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			c.sendError("invalid_message", err.Error())
			continue
		}
		if t, ok := messageTypeOf(parsed); ok {
			s.metrics.WSMessages.WithLabelValues("inbound", string(t)).Inc()
		}
		c.dispatch(ctx, parsed)
	}

	cancel()
	<-writerDone

	if c.sessionID != "" {
		s.sessions.DeactivateSession(c.sessionID, "client_disconnect")
		s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	}
	s.metrics.SessionEvents.WithLabelValues("ws_disconnected").Inc()
}

// send enqueues one outbound message, dropping when the writer cannot keep
// up. Websocket writes stay single-threaded in the writer goroutine.
func (c *wsConn) send(msg any) {
	select {
	case c.outbound <- msg:
	default:
		log.Printf("ws: outbound queue full for client %s, dropping message", c.clientKey)
	}
}

func (c *wsConn) sendError(category, message string) {
	c.send(protocol.ErrorEvent{
		Type:     protocol.TypeError,
		Message:  message,
		Category: category,
		TSMs:     time.Now().UnixMilli(),
	})
}

func (c *wsConn) dispatch(ctx context.Context, msg any) {
	switch m := msg.(type) {
	case protocol.StartSession:
		c.handleStart()
	case protocol.MapReady:
		c.handleMapReady(ctx)
	case protocol.GetStats:
		c.handleStats()
	case protocol.Ping:
		c.send(protocol.Pong{Type: protocol.TypePong, TSMs: time.Now().UnixMilli()})
	case protocol.AudioChunk:
		c.handleAudio(m)
	case protocol.AudioCommit:
		c.withClient(func(client *realtime.Client) error { return client.CommitAudio() })
	case protocol.AudioClear:
		c.withClient(func(client *realtime.Client) error { return client.ClearAudioBuffer() })
	case protocol.TextMessage:
		c.handleText(m)
	case protocol.Interrupt:
		c.withClient(func(client *realtime.Client) error { return client.Interrupt() })
	}
}

// handleStart admits, wires, and activates the voice session for this
// connection. Every failure path reports a categorized error event; the
// websocket itself stays open so the browser may retry.
func (c *wsConn) handleStart() {
	s := c.srv

	sess, err := s.sessions.CreateSession(c.ip, c.clientKey)
	if err != nil {
		reason := admissionReason(err)
		s.metrics.AdmissionRejects.WithLabelValues(reason).Inc()
		c.sendError(reason, err.Error())
		return
	}
	c.sessionID = sess.ID

	if sess.Client == nil {
		c.sendError("session_not_ready", realtime.ErrSessionNotReady.Error())
		return
	}

	fns := trips.NewFunctions(s.planner, s.store, c.clientKey)
	if err := s.sessions.AttachFunctions(sess.ID, fns); err != nil {
		c.sendError("session_not_ready", err.Error())
		return
	}
	sess.Client.SetListener(realtime.NewBridge(sess.ID, s.sessions, sess.Client, fns, c.outbound, s.metrics))

	alreadyActive := false
	if stats, err := s.sessions.SessionStats(sess.ID); err == nil {
		alreadyActive = stats.Active
	}

	start := time.Now()
	if err := s.sessions.ActivateSession(sess.ID); err != nil {
		s.metrics.SessionEvents.WithLabelValues("activation_failed").Inc()
		c.sendError(activationReason(err), err.Error())
		return
	}
	s.metrics.ObserveConnectLatency(time.Since(start))
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	s.metrics.SessionEvents.WithLabelValues("activated").Inc()

	status := "active"
	if alreadyActive {
		status = "already_active"
	}

	defs := fns.Definitions()
	if err := sess.Client.UpdateSession(realtime.SessionPatch{Tools: defs}); err != nil {
		log.Printf("ws: session %s tool registration failed: %v", sess.ID, err)
	}

	c.send(protocol.SessionStarted{
		Type:                protocol.TypeSessionStarted,
		SessionID:           sess.ID,
		Status:              status,
		FunctionsRegistered: len(defs),
		TSMs:                time.Now().UnixMilli(),
	})
}

// handleMapReady fires the one-time greeting once the browser map has
// rendered. Reconnects and repeated map loads never greet twice.
func (c *wsConn) handleMapReady(ctx context.Context) {
	if c.sessionID == "" {
		c.sendError("no_session", "start_session must come first")
		return
	}
	already, err := c.srv.sessions.MarkWelcomeSent(c.sessionID)
	if err != nil || already {
		return
	}
	sess, err := c.srv.sessions.GetSession(c.sessionID)
	if err != nil || sess.Client == nil {
		return
	}

	welcome := "Greet the traveler briefly and offer to plan a trip."
	if record, found, err := c.srv.store.LatestTrip(ctx, c.clientKey); err == nil && found {
		welcome = fmt.Sprintf(
			"Greet the traveler briefly. Their map already shows a %d-day trip to %s; offer to adjust it or plan a new one.",
			len(record.Days), record.City)
	}
	if err := sess.Client.SendText(welcome); err != nil {
		// Re-arm the guard so the next map_ready can retry the greeting.
		c.srv.sessions.ClearWelcomeSent(c.sessionID)
		log.Printf("ws: session %s welcome failed: %v", c.sessionID, err)
	}
}

func (c *wsConn) handleStats() {
	if c.sessionID != "" {
		if stats, err := c.srv.sessions.SessionStats(c.sessionID); err == nil {
			c.send(protocol.Stats{Type: protocol.TypeStats, Payload: stats})
			return
		}
	}
	c.send(protocol.Stats{Type: protocol.TypeStats, Payload: c.srv.sessions.Stats()})
}

func (c *wsConn) handleAudio(msg protocol.AudioChunk) {
	sess := c.session()
	if sess == nil {
		return
	}

	pcm, err := sess.Audio.DecodeFrame(msg.AudioBase64)
	if err != nil {
		c.sendError("bad_audio", err.Error())
		return
	}
	if err := sess.Client.AppendAudio(pcm); err != nil {
		c.sendError("not_connected", err.Error())
		return
	}
	c.srv.sessions.UpdateStats(c.sessionID, int64(len(pcm)), 0, 0, 0)
	c.srv.metrics.AudioBytes.WithLabelValues("inbound").Add(float64(len(pcm)))
}

func (c *wsConn) handleText(msg protocol.TextMessage) {
	sess := c.session()
	if sess == nil {
		return
	}
	if err := sess.Client.SendText(msg.Text); err != nil {
		c.sendError("not_connected", err.Error())
		return
	}
	c.srv.sessions.UpdateStats(c.sessionID, 0, 0, 1, 0)
}

func (c *wsConn) withClient(fn func(*realtime.Client) error) {
	sess := c.session()
	if sess == nil {
		return
	}
	if err := fn(sess.Client); err != nil && !errors.Is(err, realtime.ErrNotConnected) {
		log.Printf("ws: session %s wire send failed: %v", c.sessionID, err)
	}
}

func (c *wsConn) session() *realtime.Session {
	if c.sessionID == "" {
		c.sendError("no_session", "start_session must come first")
		return nil
	}
	sess, err := c.srv.sessions.GetSession(c.sessionID)
	if err != nil {
		c.sendError("session_not_found", err.Error())
		return nil
	}
	if sess.Client == nil {
		c.sendError("session_not_ready", realtime.ErrSessionNotReady.Error())
		return nil
	}
	return sess
}

func admissionReason(err error) string {
	switch {
	case errors.Is(err, realtime.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, realtime.ErrAtCapacity):
		return "at_capacity"
	case errors.Is(err, realtime.ErrLockTimeout):
		return "busy"
	default:
		return "admission_failed"
	}
}

func activationReason(err error) string {
	switch {
	case errors.Is(err, realtime.ErrActivationTimeout):
		return "activation_timeout"
	case errors.Is(err, realtime.ErrSessionNotReady):
		return "session_not_ready"
	default:
		return "connect_failed"
	}
}

func messageTypeOf(msg any) (protocol.MessageType, bool) {
	switch m := msg.(type) {
	case protocol.StartSession:
		return m.Type, true
	case protocol.MapReady:
		return m.Type, true
	case protocol.GetStats:
		return m.Type, true
	case protocol.Ping:
		return m.Type, true
	case protocol.AudioChunk:
		return m.Type, true
	case protocol.AudioCommit:
		return m.Type, true
	case protocol.AudioClear:
		return m.Type, true
	case protocol.TextMessage:
		return m.Type, true
	case protocol.Interrupt:
		return m.Type, true
	case protocol.Connected:
		return m.Type, true
	case protocol.SessionStarted:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	case protocol.Transcript:
		return m.Type, true
	case protocol.ServerAudioChunk:
		return m.Type, true
	case protocol.SpeechStarted:
		return m.Type, true
	case protocol.SpeechStopped:
		return m.Type, true
	case protocol.ResponseStatus:
		return m.Type, true
	case protocol.Stats:
		return m.Type, true
	case protocol.Pong:
		return m.Type, true
	default:
		return "", false
	}
}
