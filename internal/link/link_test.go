package link

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prtfnx/ttrpg-system-sub008/internal/auth"
	"github.com/prtfnx/ttrpg-system-sub008/internal/clock"
	"github.com/prtfnx/ttrpg-system-sub008/internal/protocol"
	"github.com/prtfnx/ttrpg-system-sub008/internal/transport"
)

type harness struct {
	c      *Coordinator
	auth   *fakeAuth
	dialer *fakeDialer
	clk    *clock.Fake
}

func newHarness(t *testing.T, session string, mutate func(*Config)) *harness {
	t.Helper()
	h := &harness{
		auth:   newFakeAuth(testIdentity()),
		dialer: &fakeDialer{},
		clk:    clock.NewFake(time.Time{}),
	}
	cfg := Config{
		BaseURL:           "http://game.test/",
		Session:           session,
		Auth:              h.auth,
		RetryDelay:        100 * time.Millisecond,
		MaxConnectRetries: 3,
		Transport: &transport.Config{
			ReconnectDelay:       time.Second,
			MaxReconnectAttempts: 0,
			Dialer:               h.dialer,
		},
		Clock: h.clk,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := New(cfg)
	require.NoError(t, err)
	h.c = c
	t.Cleanup(c.Close)
	return h
}

func TestResolveSession(t *testing.T) {
	sessions := []auth.SessionRef{
		{Code: "XYZ789", Name: "ABC123"},
		{Code: "ABC123", Name: "Dragon Hoard"},
	}
	tests := []struct {
		input  string
		want   string
		wantOK bool
	}{
		{input: "ABC123", want: "ABC123", wantOK: true},
		{input: "abc123", want: "ABC123", wantOK: true},
		{input: "Dragon Hoard", want: "ABC123", wantOK: true},
		{input: "  dragon hoard ", want: "ABC123", wantOK: true},
		{input: "Goblin Market", wantOK: false},
		{input: "", wantOK: false},
	}
	for _, tc := range tests {
		t.Run(tc.input, func(t *testing.T) {
			got, ok := ResolveSession(tc.input, sessions)
			assert.Equal(t, tc.wantOK, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestSocketURL(t *testing.T) {
	assert.Equal(t, "ws://game.test/ws/game/ABC123", SocketURL("ws://game.test/", "ABC123"))
	assert.Equal(t, "wss://game.test/ws/game/Goblin%20Cave", SocketURL("wss://game.test", "Goblin Cave"))
}

func TestNewValidates(t *testing.T) {
	_, err := New(Config{Session: "ABC123"})
	require.Error(t, err)

	_, err = New(Config{Auth: newFakeAuth(nil), Session: "  "})
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestConnectResolvesNameAndAttachesBearer(t *testing.T) {
	h := newHarness(t, "Dragon Hoard", nil)

	require.NoError(t, h.c.Connect(context.Background()))

	assert.Equal(t, "ws://game.test/ws/game/ABC123", h.dialer.lastURL())
	assert.Equal(t, "Bearer tok-1", h.dialer.lastHeader().Get("Authorization"))
	st := h.c.Status()
	assert.Equal(t, ConditionConnected, st.Condition)
	assert.Equal(t, "ABC123", st.SessionCode)
	assert.Equal(t, transport.StateConnected, st.Stats.State)
	assert.Equal(t, "connected", st.Text())
}

func TestConnectListsSessionsWhenIdentityHasNone(t *testing.T) {
	h := newHarness(t, "goblin market", nil)
	h.auth.id.Sessions = nil
	h.auth.sessions = []auth.SessionRef{{Code: "ZZZ999", Name: "Goblin Market"}}

	require.NoError(t, h.c.Connect(context.Background()))
	assert.Equal(t, "ws://game.test/ws/game/ZZZ999", h.dialer.lastURL())
}

func TestConnectFallsBackToRawIdentifier(t *testing.T) {
	h := newHarness(t, "Goblin Cave", nil)
	h.auth.id.Sessions = nil
	h.auth.listErr = errors.New("sessions endpoint down")

	require.NoError(t, h.c.Connect(context.Background()))
	assert.Equal(t, "ws://game.test/ws/game/Goblin%20Cave", h.dialer.lastURL())
	assert.Equal(t, "Goblin Cave", h.c.Status().SessionCode)
}

func TestConnectIsNoopWhenConnected(t *testing.T) {
	h := newHarness(t, "ABC123", nil)
	require.NoError(t, h.c.Connect(context.Background()))
	require.NoError(t, h.c.Connect(context.Background()))
	assert.Equal(t, 1, h.dialer.dials())
}

func TestConnectRequiresIdentity(t *testing.T) {
	h := newHarness(t, "ABC123", nil)
	h.auth.id = nil

	err := h.c.Connect(context.Background())
	assert.ErrorIs(t, err, auth.ErrNotAuthenticated)
	st := h.c.Status()
	assert.Equal(t, ConditionAuthFailed, st.Condition)
	assert.Equal(t, "session expired, please sign in again", st.Text())
	assert.Equal(t, 0, h.dialer.dials())
	assert.Equal(t, 0, h.clk.Pending())
}

func TestConnectRefreshesTokenInsideBuffer(t *testing.T) {
	h := newHarness(t, "ABC123", nil)
	h.auth.needsRefresh = true

	require.NoError(t, h.c.Connect(context.Background()))
	refreshes, _ := h.auth.counts()
	assert.Equal(t, 1, refreshes)
}

func TestConnectStopsWhenRefreshRejected(t *testing.T) {
	h := newHarness(t, "ABC123", nil)
	h.auth.needsRefresh = true
	h.auth.refreshErr = &auth.APIError{Status: http.StatusUnauthorized, Message: "revoked"}

	err := h.c.Connect(context.Background())
	assert.ErrorIs(t, err, auth.ErrUnauthorized)
	assert.Equal(t, ConditionAuthFailed, h.c.Status().Condition)
	assert.Equal(t, 0, h.dialer.dials())
	assert.Equal(t, 0, h.clk.Pending())
}

func TestConnectRetriesTransientFailures(t *testing.T) {
	h := newHarness(t, "ABC123", nil)
	h.dialer.fail = failFirst(2)

	err := h.c.Connect(context.Background())
	require.ErrorIs(t, err, errRefused)
	assert.Equal(t, ConditionReconnecting, h.c.Status().Condition)
	delay, ok := h.clk.NextDeadline()
	require.True(t, ok)
	assert.Equal(t, 100*time.Millisecond, delay)

	h.clk.Advance(100 * time.Millisecond)
	assert.Equal(t, 2, h.dialer.dials())
	assert.Equal(t, ConditionReconnecting, h.c.Status().Condition)
	delay, ok = h.clk.NextDeadline()
	require.True(t, ok)
	assert.Equal(t, 200*time.Millisecond, delay)

	h.clk.Advance(200 * time.Millisecond)
	assert.Equal(t, 3, h.dialer.dials())
	st := h.c.Status()
	assert.Equal(t, ConditionConnected, st.Condition)
	assert.NoError(t, st.Err)
	assert.Equal(t, 0, h.clk.Pending())
}

func TestConnectRetriesAreBounded(t *testing.T) {
	h := newHarness(t, "ABC123", func(cfg *Config) { cfg.MaxConnectRetries = 2 })
	h.dialer.fail = func(int) error { return errRefused }

	_ = h.c.Connect(context.Background())
	h.clk.Advance(100 * time.Millisecond)
	h.clk.Advance(200 * time.Millisecond)

	assert.Equal(t, 3, h.dialer.dials())
	st := h.c.Status()
	assert.Equal(t, ConditionExhausted, st.Condition)
	assert.Equal(t, "connection lost, reconnect manually", st.Text())
	assert.Equal(t, 0, h.clk.Pending())

	// A manual connect starts over.
	_ = h.c.Connect(context.Background())
	assert.Equal(t, 4, h.dialer.dials())
	assert.Equal(t, 1, h.clk.Pending())
}

func TestUnauthorizedHandshakeSignsOutWithoutRetry(t *testing.T) {
	h := newHarness(t, "ABC123", nil)
	h.dialer.fail = func(int) error {
		return &transport.HandshakeError{Status: http.StatusUnauthorized, Err: transport.ErrUnauthorized}
	}

	err := h.c.Connect(context.Background())
	assert.ErrorIs(t, err, transport.ErrUnauthorized)
	assert.Equal(t, ConditionAuthFailed, h.c.Status().Condition)
	assert.Equal(t, 0, h.clk.Pending())
	_, logouts := h.auth.counts()
	assert.Equal(t, 1, logouts)
	assert.Equal(t, 1, h.dialer.dials())
}

func TestForbiddenHandshakeKeepsIdentity(t *testing.T) {
	h := newHarness(t, "ABC123", nil)
	h.dialer.fail = func(int) error {
		return &transport.HandshakeError{Status: http.StatusForbidden, Err: transport.ErrUnauthorized}
	}

	err := h.c.Connect(context.Background())
	assert.ErrorIs(t, err, transport.ErrUnauthorized)
	assert.Equal(t, ConditionAuthFailed, h.c.Status().Condition)
	_, logouts := h.auth.counts()
	assert.Equal(t, 0, logouts)
	assert.Equal(t, 0, h.clk.Pending())
}

func TestLogoutTearsDownLink(t *testing.T) {
	h := newHarness(t, "ABC123", nil)
	require.NoError(t, h.c.Connect(context.Background()))
	conn := h.dialer.lastConn()

	require.NoError(t, h.auth.Logout(context.Background()))

	assert.Equal(t, ConditionAuthFailed, h.c.Status().Condition)
	assert.True(t, conn.isClosed())
	assert.ErrorIs(t, h.c.Send(protocol.TableRequest, nil), ErrNotConnected)
}

func TestDisconnectIsIdempotentAndCancelsRetry(t *testing.T) {
	h := newHarness(t, "ABC123", nil)
	h.dialer.fail = func(int) error { return errRefused }
	var mu sync.Mutex
	updates := 0
	h.c.Watch(func(Status) {
		mu.Lock()
		updates++
		mu.Unlock()
	})

	_ = h.c.Connect(context.Background())
	require.Equal(t, 1, h.clk.Pending())

	h.c.Disconnect()
	assert.Equal(t, 0, h.clk.Pending())
	assert.Equal(t, ConditionIdle, h.c.Status().Condition)
	mu.Lock()
	after := updates
	mu.Unlock()

	h.c.Disconnect()
	mu.Lock()
	assert.Equal(t, after, updates)
	mu.Unlock()

	h.clk.Advance(time.Minute)
	assert.Equal(t, 1, h.dialer.dials())
}

func TestSendRequiresConnection(t *testing.T) {
	h := newHarness(t, "ABC123", nil)
	assert.ErrorIs(t, h.c.Send(protocol.Ping, nil), ErrNotConnected)
}

func TestSendStampsSequenceAndClientID(t *testing.T) {
	rec := &memRecorder{}
	h := newHarness(t, "ABC123", func(cfg *Config) { cfg.Recorder = rec })
	require.NoError(t, h.c.Connect(context.Background()))
	conn := h.dialer.lastConn()

	conn.push(welcomeFrame("client-42"))
	require.Eventually(t, func() bool { return h.c.Status().ClientID == "client-42" }, time.Second, 5*time.Millisecond)

	require.NoError(t, h.c.Send(protocol.TableRequest, map[string]any{"table_id": "t-1"}))
	require.NoError(t, h.c.Send(protocol.SpriteMove, map[string]any{"sprite_id": "s-1"}))

	require.Eventually(t, func() bool { return len(conn.frames()) == 2 }, time.Second, 5*time.Millisecond)
	frames := conn.frames()
	assert.Equal(t, uint64(1), frames[0].Seq())
	assert.Equal(t, uint64(2), frames[1].Seq())
	assert.Equal(t, "client-42", frames[0].ClientID)
	assert.Equal(t, "t-1", frames[0].Payload["table_id"])

	got := rec.snapshot()
	require.Len(t, got, 3)
	assert.Equal(t, recorded{direction: DirectionIn, msgType: protocol.Welcome}, got[0])
	assert.Equal(t, recorded{direction: DirectionOut, msgType: protocol.TableRequest}, got[1])
}

func TestServerPingIsAnswered(t *testing.T) {
	h := newHarness(t, "ABC123", nil)
	require.NoError(t, h.c.Connect(context.Background()))
	conn := h.dialer.lastConn()

	conn.push(protocol.NewEnvelope(protocol.Ping, nil).WithSeq(7))

	require.Eventually(t, func() bool { return len(conn.framesOf(protocol.Pong)) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(7), conn.framesOf(protocol.Pong)[0].Seq())
}

func TestKeepalivePing(t *testing.T) {
	h := newHarness(t, "ABC123", func(cfg *Config) { cfg.PingInterval = 30 * time.Second })
	require.NoError(t, h.c.Connect(context.Background()))
	conn := h.dialer.lastConn()
	require.Equal(t, 1, h.clk.Pending())

	h.clk.Advance(30 * time.Second)
	require.Eventually(t, func() bool { return len(conn.framesOf(protocol.Ping)) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, h.clk.Pending(), "ping re-armed")

	h.c.Disconnect()
	assert.Equal(t, 0, h.clk.Pending())
}

func TestDropAfterOpenUsesTransportBackoff(t *testing.T) {
	h := newHarness(t, "ABC123", func(cfg *Config) {
		cfg.Transport.MaxReconnectAttempts = 3
		cfg.Transport.ReconnectDelay = 100 * time.Millisecond
	})
	var mu sync.Mutex
	var seen []Condition
	h.c.Watch(func(s Status) {
		mu.Lock()
		seen = append(seen, s.Condition)
		mu.Unlock()
	})
	require.NoError(t, h.c.Connect(context.Background()))

	_ = h.dialer.lastConn().Close()
	require.Eventually(t, func() bool {
		return h.c.Status().Condition == ConditionReconnecting && h.clk.Pending() == 1
	}, time.Second, 5*time.Millisecond)

	h.clk.Advance(100 * time.Millisecond)
	assert.Equal(t, 2, h.dialer.dials())
	assert.Equal(t, ConditionConnected, h.c.Status().Condition)
	assert.Equal(t, "ws://game.test/ws/game/ABC123", h.dialer.lastURL())

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, seen, ConditionReconnecting)
	assert.Equal(t, ConditionConnected, seen[len(seen)-1])
}

func TestBusDeliversTypedMessages(t *testing.T) {
	h := newHarness(t, "ABC123", nil)
	got := make(chan protocol.Envelope, 1)
	h.c.Bus().Subscribe(protocol.TableData, func(env protocol.Envelope) { got <- env })
	require.NoError(t, h.c.Connect(context.Background()))

	h.dialer.lastConn().push(protocol.NewEnvelope(protocol.TableData, map[string]any{"table_id": "t-9"}))
	select {
	case env := <-got:
		assert.Equal(t, "t-9", env.Payload["table_id"])
	case <-time.After(time.Second):
		t.Fatal("table_data not delivered")
	}
}

func TestStatusText(t *testing.T) {
	tests := []struct {
		s    Status
		want string
	}{
		{Status{Condition: ConditionIdle}, "not connected"},
		{Status{Condition: ConditionReconnecting}, "reconnecting"},
		{Status{Condition: ConditionExhausted}, "connection lost, reconnect manually"},
		{Status{Condition: ConditionAuthFailed}, "session expired, please sign in again"},
		{Status{Condition: ConditionFailed, Err: errRefused}, "connection failed: connection refused"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, tc.s.Text())
	}
}

func TestConnectRetriesWithDefaultTransportConfig(t *testing.T) {
	h := newHarness(t, "ABC123", func(cfg *Config) {
		def := transport.DefaultConfig()
		def.Dialer = cfg.Transport.Dialer
		cfg.Transport = &def
		cfg.RetryDelay = 2 * time.Second
		cfg.MaxConnectRetries = 3
	})
	h.dialer.fail = func(int) error { return errRefused }

	_ = h.c.Connect(context.Background())
	assert.Equal(t, 1, h.dialer.dials())
	assert.Equal(t, 1, h.clk.Pending(), "only the coordinator retry is armed")

	for i, delay := range []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second} {
		next, ok := h.clk.NextDeadline()
		require.True(t, ok)
		assert.Equal(t, delay, next)
		h.clk.Advance(delay)
		assert.Equal(t, i+2, h.dialer.dials())
		assert.Equal(t, i+1, h.c.Status().Stats.ReconnectAttempts)
	}

	st := h.c.Status()
	assert.Equal(t, ConditionExhausted, st.Condition)
	assert.Equal(t, 3, st.Stats.MaxReconnectAttempts)
	assert.Equal(t, transport.StateDisconnected, st.Stats.State)
	assert.Equal(t, 0, h.clk.Pending())

	h.clk.Advance(time.Minute)
	assert.Equal(t, 4, h.dialer.dials())
}

func TestExhaustedAfterManualReconnectStaysExhausted(t *testing.T) {
	h := newHarness(t, "ABC123", func(cfg *Config) {
		cfg.MaxConnectRetries = 1
		cfg.Transport.MaxReconnectAttempts = 1
		cfg.Transport.ReconnectDelay = 100 * time.Millisecond
	})
	h.dialer.fail = func(n int) error {
		if n > 1 {
			return errRefused
		}
		return nil
	}
	require.NoError(t, h.c.Connect(context.Background()))

	_ = h.dialer.lastConn().Close()
	require.Eventually(t, func() bool { return h.clk.Pending() == 1 }, time.Second, 5*time.Millisecond)
	h.clk.Advance(100 * time.Millisecond)
	require.Equal(t, ConditionExhausted, h.c.Status().Condition)

	_ = h.c.Connect(context.Background())
	assert.Equal(t, ConditionReconnecting, h.c.Status().Condition)
	assert.Equal(t, 1, h.clk.Pending())
	h.clk.Advance(100 * time.Millisecond)

	st := h.c.Status()
	assert.Equal(t, 4, h.dialer.dials())
	assert.Equal(t, ConditionExhausted, st.Condition)
	assert.Equal(t, "connection lost, reconnect manually", st.Text())
	assert.Equal(t, transport.StateDisconnected, st.Stats.State)
	assert.Equal(t, 0, h.clk.Pending())
}

func TestDisconnectDuringDialClosesSocket(t *testing.T) {
	h := newHarness(t, "ABC123", nil)
	var once sync.Once
	h.c.dialHook = func() { once.Do(h.c.Disconnect) }

	err := h.c.Connect(context.Background())
	assert.ErrorIs(t, err, transport.ErrSuperseded)
	require.Equal(t, 1, h.dialer.dials())
	assert.True(t, h.dialer.lastConn().isClosed())
	st := h.c.Status()
	assert.Equal(t, ConditionIdle, st.Condition)
	assert.Equal(t, transport.StateDisconnected, st.Stats.State)
	assert.Equal(t, 0, h.clk.Pending())
}

func TestReconnectRefreshesStaleTokenAndResumes(t *testing.T) {
	h := newHarness(t, "ABC123", func(cfg *Config) {
		cfg.Transport.MaxReconnectAttempts = 3
		cfg.Transport.ReconnectDelay = 100 * time.Millisecond
	})
	require.NoError(t, h.c.Connect(context.Background()))
	assert.Equal(t, 0, h.auth.resumeCount(), "a first open is not a resume")

	h.auth.mu.Lock()
	h.auth.needsRefresh = true
	h.auth.mu.Unlock()
	_ = h.dialer.lastConn().Close()
	require.Eventually(t, func() bool { return h.clk.Pending() == 1 }, time.Second, 5*time.Millisecond)
	h.clk.Advance(100 * time.Millisecond)

	require.Equal(t, ConditionConnected, h.c.Status().Condition)
	refreshes, _ := h.auth.counts()
	assert.Equal(t, 1, refreshes, "redial refreshes a token inside the buffer")
	require.Eventually(t, func() bool { return h.auth.resumeCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestZeroTransportRetriesAreHonoured(t *testing.T) {
	h := newHarness(t, "ABC123", func(cfg *Config) {
		cfg.Transport.ReconnectDelay = 0
		cfg.Transport.MaxReconnectAttempts = 0
	})
	require.NoError(t, h.c.Connect(context.Background()))

	_ = h.dialer.lastConn().Close()
	require.Eventually(t, func() bool {
		return h.c.Status().Condition == ConditionExhausted
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, h.clk.Pending())
	assert.Equal(t, 1, h.dialer.dials())
}

func TestNilTransportConfigUsesDefaults(t *testing.T) {
	c, err := New(Config{BaseURL: "http://game.test", Session: "ABC123", Auth: newFakeAuth(testIdentity())})
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, transport.DefaultConfig(), c.trCfg)
}
