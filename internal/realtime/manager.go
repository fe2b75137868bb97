package realtime

import (
	"context"
	"errors"
	"log"
	"time"
)

var (
	ErrNotFound          = errors.New("session not found")
	ErrRateLimited       = errors.New("per-IP session limit reached")
	ErrAtCapacity        = errors.New("maximum concurrent sessions reached")
	ErrLockTimeout       = errors.New("session registry busy")
	ErrSessionNotReady   = errors.New("session has no usable wire client")
	ErrActivationTimeout = errors.New("session activation timed out")
)

// ClientFactory builds the wire client owned by a new session. It runs
// bounded; a failure leaves the session without a client, which activation
// rejects explicitly.
type ClientFactory func(sessionID string) (*Client, error)

// ManagerConfig carries the admission and timing policy for the registry.
type ManagerConfig struct {
	RateLimitPerIP        int
	MaxConcurrentSessions int
	SessionTimeout        time.Duration
	LockTimeout           time.Duration
	ActivationTimeout     time.Duration
	ConstructTimeout      time.Duration
}

func (c ManagerConfig) withDefaults() ManagerConfig {
	if c.RateLimitPerIP <= 0 {
		c.RateLimitPerIP = 3
	}
	if c.MaxConcurrentSessions <= 0 {
		c.MaxConcurrentSessions = 10
	}
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = 5 * time.Minute
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = 5 * time.Second
	}
	if c.ActivationTimeout <= 0 {
		c.ActivationTimeout = 20 * time.Second
	}
	if c.ConstructTimeout <= 0 {
		c.ConstructTimeout = 15 * time.Second
	}
	return c
}

// ManagerStats is the global registry snapshot served to operators.
type ManagerStats struct {
	TotalSessions      int     `json:"total_sessions"`
	ActiveSessions     int     `json:"active_sessions"`
	UniqueIPs          int     `json:"unique_ips"`
	TotalAudioSentMB   float64 `json:"total_audio_sent_mb"`
	TotalAudioRecvMB   float64 `json:"total_audio_received_mb"`
	TotalMessages      int     `json:"total_messages"`
	TotalFunctionCalls int     `json:"total_function_calls"`

	MaxConcurrent  int     `json:"max_concurrent"`
	RateLimitPerIP int     `json:"rate_limit_per_ip"`
	TimeoutSeconds float64 `json:"timeout_seconds"`
}

// Manager is the authoritative registry and admission-control point for
// sessions. One coarse lock protects the registry map and per-IP counters;
// acquisition is bounded so a wedged caller degrades into an admission
// failure instead of blocking everyone behind it.
type Manager struct {
	cfg        ManagerConfig
	newClient  ClientFactory
	lockCh     chan struct{}
	sessions   map[string]*Session
	ipCount    map[string]int
	expireHook func(*Session)
}

func NewManager(cfg ManagerConfig, newClient ClientFactory) *Manager {
	return &Manager{
		cfg:       cfg.withDefaults(),
		newClient: newClient,
		lockCh:    make(chan struct{}, 1),
		sessions:  make(map[string]*Session),
		ipCount:   make(map[string]int),
	}
}

// SetExpireHook installs a callback invoked (outside the lock) for each
// session reclaimed by the background sweep.
func (m *Manager) SetExpireHook(hook func(*Session)) {
	if err := m.acquire(); err != nil {
		return
	}
	m.expireHook = hook
	m.release()
}

func (m *Manager) acquire() error {
	timer := time.NewTimer(m.cfg.LockTimeout)
	defer timer.Stop()
	select {
	case m.lockCh <- struct{}{}:
		return nil
	case <-timer.C:
		return ErrLockTimeout
	}
}

func (m *Manager) release() {
	<-m.lockCh
}

// CreateSession admits and registers a session for the given origin IP and
// client correlation key. An existing session for the key is reused as-is;
// otherwise per-IP and global caps gate a fresh construction.
func (m *Manager) CreateSession(userIP, clientKey string) (*Session, error) {
	if err := m.acquire(); err != nil {
		return nil, err
	}
	defer m.release()

	if s := m.newestByKeyLocked(clientKey, false); s != nil {
		return s, nil
	}

	if m.ipCount[userIP] >= m.cfg.RateLimitPerIP {
		return nil, ErrRateLimited
	}
	if m.activeCountLocked() >= m.cfg.MaxConcurrentSessions {
		return nil, ErrAtCapacity
	}

	now := time.Now().UTC()
	s := &Session{
		ID:           newSessionID(),
		UserIP:       userIP,
		ClientKey:    clientKey,
		CreatedAt:    now,
		LastActivity: now,
		Audio:        NewCodec(),
	}

	// Client construction is local and cheap, but still bounded so that a
	// misbehaving factory cannot pin the registry lock. A session without a
	// client is registered anyway; activation rejects it explicitly.
	s.Client = m.buildClient(s.ID)
	if s.Client == nil {
		log.Printf("session %s registered without wire client; activation will fail", s.ID)
	}

	m.sessions[s.ID] = s
	m.ipCount[userIP]++
	log.Printf("created session %s for IP %s", s.ID, userIP)
	return s, nil
}

func (m *Manager) buildClient(sessionID string) *Client {
	if m.newClient == nil {
		return nil
	}

	type result struct {
		client *Client
		err    error
	}
	resCh := make(chan result, 1)
	go func() {
		c, err := m.newClient(sessionID)
		resCh <- result{client: c, err: err}
	}()

	timer := time.NewTimer(m.cfg.ConstructTimeout)
	defer timer.Stop()
	select {
	case res := <-resCh:
		if res.err != nil {
			log.Printf("wire client construction failed for session %s: %v", sessionID, res.err)
			return nil
		}
		return res.client
	case <-timer.C:
		log.Printf("wire client construction timed out for session %s", sessionID)
		return nil
	}
}

// GetSession returns the registered session and refreshes its activity
// timestamp. Callers must treat mutable fields as owned by the manager.
func (m *Manager) GetSession(id string) (*Session, error) {
	if err := m.acquire(); err != nil {
		return nil, err
	}
	defer m.release()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	s.LastActivity = time.Now().UTC()
	return s, nil
}

// GetSessionByClientKey returns the most recently created session for the
// key, active or not.
func (m *Manager) GetSessionByClientKey(clientKey string) (*Session, error) {
	if err := m.acquire(); err != nil {
		return nil, err
	}
	defer m.release()

	if s := m.newestByKeyLocked(clientKey, false); s != nil {
		return s, nil
	}
	return nil, ErrNotFound
}

// GetActiveSessionByClientKey returns the most recently created active
// session for the key.
func (m *Manager) GetActiveSessionByClientKey(clientKey string) (*Session, error) {
	if err := m.acquire(); err != nil {
		return nil, err
	}
	defer m.release()

	if s := m.newestByKeyLocked(clientKey, true); s != nil {
		return s, nil
	}
	return nil, ErrNotFound
}

func (m *Manager) newestByKeyLocked(clientKey string, activeOnly bool) *Session {
	var newest *Session
	for _, s := range m.sessions {
		if s.ClientKey != clientKey {
			continue
		}
		if activeOnly && !s.Active {
			continue
		}
		if newest == nil || s.CreatedAt.After(newest.CreatedAt) {
			newest = s
		}
	}
	return newest
}

// ActivateSession connects the session's wire client under a bound stricter
// than the client's own connect ceiling. The network wait happens with the
// registry lock released so other callers are never blocked behind it.
func (m *Manager) ActivateSession(id string) error {
	if err := m.acquire(); err != nil {
		return err
	}
	s, ok := m.sessions[id]
	if !ok {
		m.release()
		return ErrNotFound
	}
	if s.Client == nil || s.Audio == nil {
		m.release()
		return ErrSessionNotReady
	}
	if s.Active && s.Client.IsConnected() {
		m.release()
		return nil
	}
	client := s.Client
	m.release()

	start := time.Now()
	errCh := make(chan error, 1)
	go func() {
		errCh <- client.Connect()
	}()

	timer := time.NewTimer(m.cfg.ActivationTimeout)
	defer timer.Stop()
	select {
	case err := <-errCh:
		if errors.Is(err, ErrAlreadyDialing) {
			// Another activation owns the in-flight dial; leave it alone.
			log.Printf("activation already in progress for session %s", id)
			return err
		}
		if err != nil {
			client.Disconnect()
			log.Printf("activation failed for session %s after %.2fs: %v", id, time.Since(start).Seconds(), err)
			return err
		}
	case <-timer.C:
		client.Disconnect()
		log.Printf("activation timed out for session %s after %.2fs", id, time.Since(start).Seconds())
		return ErrActivationTimeout
	}

	if err := m.acquire(); err != nil {
		client.Disconnect()
		return err
	}
	defer m.release()
	s, ok = m.sessions[id]
	if !ok {
		// Removed while connecting; do not leak the connection.
		client.Disconnect()
		return ErrNotFound
	}
	now := time.Now().UTC()
	s.Active = true
	s.ConnectedAt = &now
	s.LastActivity = now
	log.Printf("activated session %s in %.2fs", id, time.Since(start).Seconds())
	return nil
}

// freeIPSlotLocked releases the session's per-IP admission slot exactly once.
// Callers hold the registry lock.
func (m *Manager) freeIPSlotLocked(s *Session) {
	if s.ipSlotFreed {
		return
	}
	s.ipSlotFreed = true
	if m.ipCount[s.UserIP] > 1 {
		m.ipCount[s.UserIP]--
	} else {
		delete(m.ipCount, s.UserIP)
	}
}

// DeactivateSession disconnects, marks the session inactive and frees its
// per-IP slot so the origin can open a fresh session immediately. Idempotent;
// unknown ids and already-inactive sessions are no-ops.
func (m *Manager) DeactivateSession(id, reason string) {
	if err := m.acquire(); err != nil {
		return
	}
	s, ok := m.sessions[id]
	if !ok {
		m.release()
		return
	}
	wasActive := s.Active
	s.Active = false
	m.freeIPSlotLocked(s)
	client := s.Client
	duration := time.Since(s.CreatedAt)
	stats := s.statsLocked(time.Now().UTC())
	m.release()

	if client != nil {
		client.Disconnect()
	}
	if wasActive {
		log.Printf("deactivated session %s - reason: %s, duration: %.1fs, messages: %d, audio sent: %.1fKB, audio received: %.1fKB",
			id, reason, duration.Seconds(), stats.MessageCount, stats.AudioSentKB, stats.AudioReceivedKB)
	}
}

// RemoveSession deactivates if needed and erases the session. Terminal.
func (m *Manager) RemoveSession(id string) {
	m.DeactivateSession(id, "removal")

	if err := m.acquire(); err != nil {
		return
	}
	defer m.release()
	if s, ok := m.sessions[id]; ok {
		delete(m.sessions, id)
		m.freeIPSlotLocked(s)
		log.Printf("removed session %s", id)
	}
}

// AttachFunctions records the function handler serving this session.
func (m *Manager) AttachFunctions(id string, h FunctionHandler) error {
	if err := m.acquire(); err != nil {
		return err
	}
	defer m.release()
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.Functions = h
	return nil
}

// MarkWelcomeSent flips the one-time greeting guard, reporting whether the
// greeting had already been sent.
func (m *Manager) MarkWelcomeSent(id string) (alreadySent bool, err error) {
	if err := m.acquire(); err != nil {
		return false, err
	}
	defer m.release()
	s, ok := m.sessions[id]
	if !ok {
		return false, ErrNotFound
	}
	already := s.WelcomeSent
	s.WelcomeSent = true
	return already, nil
}

// ClearWelcomeSent re-arms the greeting guard so a failed delivery can be
// retried on the next map load.
func (m *Manager) ClearWelcomeSent(id string) {
	if err := m.acquire(); err != nil {
		return
	}
	defer m.release()
	if s, ok := m.sessions[id]; ok {
		s.WelcomeSent = false
	}
}

// UpdateStats accumulates usage counters and refreshes activity.
func (m *Manager) UpdateStats(id string, audioSent, audioReceived int64, messages, functions int) {
	if err := m.acquire(); err != nil {
		return
	}
	defer m.release()
	s, ok := m.sessions[id]
	if !ok {
		return
	}
	s.AudioBytesSent += audioSent
	s.AudioBytesReceived += audioReceived
	s.MessageCount += messages
	s.FunctionCallCount += functions
	s.LastActivity = time.Now().UTC()
}

// SessionStats returns a copy of one session's counters.
func (m *Manager) SessionStats(id string) (SessionStats, error) {
	if err := m.acquire(); err != nil {
		return SessionStats{}, err
	}
	defer m.release()
	s, ok := m.sessions[id]
	if !ok {
		return SessionStats{}, ErrNotFound
	}
	return s.statsLocked(time.Now().UTC()), nil
}

// ActiveCount reports the number of currently active sessions.
func (m *Manager) ActiveCount() int {
	if err := m.acquire(); err != nil {
		return 0
	}
	defer m.release()
	return m.activeCountLocked()
}

func (m *Manager) activeCountLocked() int {
	count := 0
	for _, s := range m.sessions {
		if s.Active {
			count++
		}
	}
	return count
}

// Stats returns the global registry snapshot.
func (m *Manager) Stats() ManagerStats {
	if err := m.acquire(); err != nil {
		return ManagerStats{}
	}
	defer m.release()

	out := ManagerStats{
		TotalSessions:  len(m.sessions),
		ActiveSessions: m.activeCountLocked(),
		UniqueIPs:      len(m.ipCount),
		MaxConcurrent:  m.cfg.MaxConcurrentSessions,
		RateLimitPerIP: m.cfg.RateLimitPerIP,
		TimeoutSeconds: m.cfg.SessionTimeout.Seconds(),
	}
	for _, s := range m.sessions {
		out.TotalAudioSentMB += float64(s.AudioBytesSent) / (1024 * 1024)
		out.TotalAudioRecvMB += float64(s.AudioBytesReceived) / (1024 * 1024)
		out.TotalMessages += s.MessageCount
		out.TotalFunctionCalls += s.FunctionCallCount
	}
	return out
}

// StartJanitor launches the background expiry sweep. The ticker stops when
// ctx is cancelled, giving process shutdown a clean teardown path.
func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireStale()
			}
		}
	}()
}

// expireStale reclaims sessions idle past the configured timeout. This is
// the only path that recovers sessions abandoned without a clean disconnect.
func (m *Manager) expireStale() {
	cutoff := time.Now().UTC().Add(-m.cfg.SessionTimeout)

	if err := m.acquire(); err != nil {
		return
	}
	var expired []*Session
	for _, s := range m.sessions {
		if s.LastActivity.Before(cutoff) {
			expired = append(expired, s)
		}
	}
	hook := m.expireHook
	m.release()

	for _, s := range expired {
		m.DeactivateSession(s.ID, "timeout")
		m.RemoveSession(s.ID)
		if hook != nil {
			hook(s)
		}
	}
	if len(expired) > 0 {
		log.Printf("expiry sweep reclaimed %d idle sessions", len(expired))
	}
}
