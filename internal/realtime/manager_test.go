package realtime

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func testFactory(h *wsHarness) ClientFactory {
	return func(sessionID string) (*Client, error) {
		return NewClient(sessionID, ClientConfig{
			APIKey:         "sk-test",
			URL:            h.url(),
			ConnectTimeout: 2 * time.Second,
			Dialer:         websocket.DefaultDialer,
		})
	}
}

func TestCreateSessionReusesByClientKey(t *testing.T) {
	m := NewManager(ManagerConfig{}, nil)

	first, err := m.CreateSession("10.0.0.1", "tab-a")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if first.ID == "" {
		t.Fatalf("session ID should not be empty")
	}

	again, err := m.CreateSession("10.0.0.1", "tab-a")
	if err != nil {
		t.Fatalf("second CreateSession() error = %v", err)
	}
	if again.ID != first.ID {
		t.Fatalf("same client key produced a new session: %s vs %s", again.ID, first.ID)
	}

	other, err := m.CreateSession("10.0.0.1", "tab-b")
	if err != nil {
		t.Fatalf("CreateSession() for second key error = %v", err)
	}
	if other.ID == first.ID {
		t.Fatalf("distinct client keys must not share a session")
	}
}

func TestCreateSessionPerIPLimit(t *testing.T) {
	m := NewManager(ManagerConfig{RateLimitPerIP: 1}, nil)

	if _, err := m.CreateSession("10.0.0.1", "tab-a"); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if _, err := m.CreateSession("10.0.0.1", "tab-b"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("over-limit CreateSession() error = %v, want %v", err, ErrRateLimited)
	}

	// Another IP is unaffected.
	if _, err := m.CreateSession("10.0.0.2", "tab-c"); err != nil {
		t.Fatalf("CreateSession() for second IP error = %v", err)
	}
}

func TestDeactivateFreesIPSlot(t *testing.T) {
	m := NewManager(ManagerConfig{RateLimitPerIP: 1}, nil)

	s, err := m.CreateSession("10.0.0.1", "tab-a")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	m.DeactivateSession(s.ID, "test")

	if _, err := m.CreateSession("10.0.0.1", "tab-b"); err != nil {
		t.Fatalf("CreateSession() after deactivation error = %v", err)
	}

	// Removing the deactivated session must not decrement a second time.
	m.RemoveSession(s.ID)
	stats := m.Stats()
	if stats.UniqueIPs != 1 {
		t.Fatalf("UniqueIPs = %d, want 1", stats.UniqueIPs)
	}
}

func TestRemoveSessionFreesIPSlot(t *testing.T) {
	m := NewManager(ManagerConfig{RateLimitPerIP: 1}, nil)

	s, err := m.CreateSession("10.0.0.1", "tab-a")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	m.RemoveSession(s.ID)

	if _, err := m.CreateSession("10.0.0.1", "tab-b"); err != nil {
		t.Fatalf("CreateSession() after removal error = %v", err)
	}
	if _, err := m.GetSession(s.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("removed session Get error = %v, want %v", err, ErrNotFound)
	}
}

func TestCreateSessionGlobalCap(t *testing.T) {
	m := NewManager(ManagerConfig{MaxConcurrentSessions: 1}, nil)

	s, err := m.CreateSession("10.0.0.1", "tab-a")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	s.Active = true // as if activation succeeded

	if _, err := m.CreateSession("10.0.0.2", "tab-b"); !errors.Is(err, ErrAtCapacity) {
		t.Fatalf("at-capacity CreateSession() error = %v, want %v", err, ErrAtCapacity)
	}

	m.DeactivateSession(s.ID, "test")
	if _, err := m.CreateSession("10.0.0.2", "tab-b"); err != nil {
		t.Fatalf("CreateSession() after deactivation error = %v", err)
	}
}

func TestActivateWithoutClientFails(t *testing.T) {
	m := NewManager(ManagerConfig{}, nil)
	s, err := m.CreateSession("10.0.0.1", "tab-a")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if err := m.ActivateSession(s.ID); !errors.Is(err, ErrSessionNotReady) {
		t.Fatalf("ActivateSession() error = %v, want %v", err, ErrSessionNotReady)
	}
}

func TestActivateDeactivateLifecycle(t *testing.T) {
	h := newWSHarness(t)
	m := NewManager(ManagerConfig{}, testFactory(h))

	s, err := m.CreateSession("10.0.0.1", "tab-a")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if err := m.ActivateSession(s.ID); err != nil {
		t.Fatalf("ActivateSession() error = %v", err)
	}

	got, err := m.GetSession(s.ID)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if !got.Active || got.ConnectedAt == nil {
		t.Fatalf("session not marked active after activation: %+v", got)
	}
	if m.ActiveCount() != 1 {
		t.Fatalf("ActiveCount() = %d, want 1", m.ActiveCount())
	}

	// A second activation of an already-open session is a no-op.
	if err := m.ActivateSession(s.ID); err != nil {
		t.Fatalf("repeat ActivateSession() error = %v", err)
	}

	m.DeactivateSession(s.ID, "test")
	got, err = m.GetSession(s.ID)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if got.Active {
		t.Fatalf("session still active after deactivation")
	}
	if got.Client.IsConnected() {
		t.Fatalf("wire client still connected after deactivation")
	}

	// Deactivation is idempotent.
	m.DeactivateSession(s.ID, "test")
}

func TestActivationTimeoutTearsDown(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	h := newWSHarness(t)

	factory := func(sessionID string) (*Client, error) {
		return NewClient(sessionID, ClientConfig{
			APIKey:         "sk-test",
			URL:            h.url(),
			ConnectTimeout: 10 * time.Second,
			Dialer: &websocket.Dialer{
				HandshakeTimeout: 10 * time.Second,
				NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
					<-release
					return nil, context.Canceled
				},
			},
		})
	}
	m := NewManager(ManagerConfig{ActivationTimeout: 80 * time.Millisecond}, factory)

	s, err := m.CreateSession("10.0.0.1", "tab-a")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	start := time.Now()
	if err := m.ActivateSession(s.ID); !errors.Is(err, ErrActivationTimeout) {
		t.Fatalf("ActivateSession() error = %v, want %v", err, ErrActivationTimeout)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("activation blocked %v past its bound", elapsed)
	}

	got, err := m.GetSession(s.ID)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if got.Active {
		t.Fatalf("session must not be active after an activation timeout")
	}
}

func TestConcurrentActivationLeavesDialIntact(t *testing.T) {
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	h := newWSHarness(t)

	factory := func(sessionID string) (*Client, error) {
		return NewClient(sessionID, ClientConfig{
			APIKey:         "sk-test",
			URL:            h.url(),
			ConnectTimeout: 5 * time.Second,
			Dialer: &websocket.Dialer{
				HandshakeTimeout: 5 * time.Second,
				NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
					select {
					case entered <- struct{}{}:
					default:
					}
					<-release
					var d net.Dialer
					return d.DialContext(ctx, network, addr)
				},
			},
		})
	}
	m := NewManager(ManagerConfig{}, factory)

	s, err := m.CreateSession("10.0.0.1", "tab-a")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	firstErr := make(chan error, 1)
	go func() { firstErr <- m.ActivateSession(s.ID) }()
	<-entered

	// A second attempt while the dial is in flight must report the overlap
	// without tearing the dial down.
	if err := m.ActivateSession(s.ID); !errors.Is(err, ErrAlreadyDialing) {
		t.Fatalf("concurrent ActivateSession() error = %v, want %v", err, ErrAlreadyDialing)
	}

	close(release)
	if err := <-firstErr; err != nil {
		t.Fatalf("first activation error = %v, it must survive the concurrent attempt", err)
	}
	got, err := m.GetSession(s.ID)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if !got.Active || !got.Client.IsConnected() {
		t.Fatalf("session should be active and connected after the surviving dial")
	}
}

func TestGetActiveSessionByClientKey(t *testing.T) {
	m := NewManager(ManagerConfig{}, nil)

	s, err := m.CreateSession("10.0.0.1", "tab-a")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if _, err := m.GetActiveSessionByClientKey("tab-a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("inactive session returned from active lookup")
	}

	s.Active = true
	got, err := m.GetActiveSessionByClientKey("tab-a")
	if err != nil {
		t.Fatalf("GetActiveSessionByClientKey() error = %v", err)
	}
	if got.ID != s.ID {
		t.Fatalf("lookup returned %s, want %s", got.ID, s.ID)
	}
}

func TestMarkWelcomeSentFiresOnce(t *testing.T) {
	m := NewManager(ManagerConfig{}, nil)
	s, err := m.CreateSession("10.0.0.1", "tab-a")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	already, err := m.MarkWelcomeSent(s.ID)
	if err != nil {
		t.Fatalf("MarkWelcomeSent() error = %v", err)
	}
	if already {
		t.Fatalf("first MarkWelcomeSent() reported already sent")
	}
	already, err = m.MarkWelcomeSent(s.ID)
	if err != nil {
		t.Fatalf("second MarkWelcomeSent() error = %v", err)
	}
	if !already {
		t.Fatalf("second MarkWelcomeSent() should report already sent")
	}

	// A failed greeting re-arms the guard so the next attempt fires again.
	m.ClearWelcomeSent(s.ID)
	already, err = m.MarkWelcomeSent(s.ID)
	if err != nil {
		t.Fatalf("MarkWelcomeSent() after clear error = %v", err)
	}
	if already {
		t.Fatalf("cleared guard should allow the greeting to fire again")
	}
}

func TestUpdateStatsAccumulates(t *testing.T) {
	m := NewManager(ManagerConfig{}, nil)
	s, err := m.CreateSession("10.0.0.1", "tab-a")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	m.UpdateStats(s.ID, 2048, 1024, 2, 1)
	m.UpdateStats(s.ID, 1024, 0, 1, 0)

	stats, err := m.SessionStats(s.ID)
	if err != nil {
		t.Fatalf("SessionStats() error = %v", err)
	}
	if stats.AudioSentKB != 3 || stats.AudioReceivedKB != 1 {
		t.Fatalf("audio stats = %.1f/%.1f KB, want 3/1", stats.AudioSentKB, stats.AudioReceivedKB)
	}
	if stats.MessageCount != 3 || stats.FunctionCalls != 1 {
		t.Fatalf("counters = %d msgs / %d calls, want 3/1", stats.MessageCount, stats.FunctionCalls)
	}

	global := m.Stats()
	if global.TotalSessions != 1 || global.TotalMessages != 3 || global.TotalFunctionCalls != 1 {
		t.Fatalf("unexpected global stats: %+v", global)
	}
}

func TestExpireStaleReclaimsIdleOnly(t *testing.T) {
	m := NewManager(ManagerConfig{SessionTimeout: time.Minute}, nil)

	stale, err := m.CreateSession("10.0.0.1", "tab-a")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	fresh, err := m.CreateSession("10.0.0.1", "tab-b")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	stale.LastActivity = time.Now().UTC().Add(-2 * time.Minute)

	var expired []string
	m.SetExpireHook(func(s *Session) { expired = append(expired, s.ID) })
	m.expireStale()

	if _, err := m.GetSession(stale.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("stale session survived the sweep")
	}
	if _, err := m.GetSession(fresh.ID); err != nil {
		t.Fatalf("fresh session reclaimed by the sweep: %v", err)
	}
	if len(expired) != 1 || expired[0] != stale.ID {
		t.Fatalf("expire hook saw %v, want [%s]", expired, stale.ID)
	}
}

func TestJanitorStopsOnContextCancel(t *testing.T) {
	m := NewManager(ManagerConfig{SessionTimeout: 20 * time.Millisecond}, nil)
	s, err := m.CreateSession("10.0.0.1", "tab-a")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	s.LastActivity = time.Now().UTC().Add(-time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	m.StartJanitor(ctx, 10*time.Millisecond)

	deadline := time.After(2 * time.Second)
	for {
		// SessionStats reads without refreshing activity, so polling cannot
		// keep the session alive.
		if _, err := m.SessionStats(s.ID); errors.Is(err, ErrNotFound) {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("janitor never reclaimed the stale session")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
}
