// Package transport owns the single websocket to the game server. It tracks
// connection state, retries unexpected closures with exponential backoff and
// frames envelopes through the protocol codec.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/prtfnx/ttrpg-system-sub008/internal/clock"
	"github.com/prtfnx/ttrpg-system-sub008/internal/metrics"
	"github.com/prtfnx/ttrpg-system-sub008/internal/protocol"
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
)

var (
	ErrNotConnected     = errors.New("transport not connected")
	ErrQueueFull        = errors.New("send queue full")
	ErrSuperseded       = errors.New("connect superseded")
	ErrUnauthorized     = errors.New("connection rejected: unauthorized")
	ErrRetriesExhausted = errors.New("reconnect attempts exhausted")
)

const (
	DefaultReconnectDelay       = time.Second
	DefaultMaxReconnectAttempts = 5
)

type HeaderFunc func() http.Header

type Config struct {
	// ReconnectDelay is the base delay; retry n waits ReconnectDelay * 2^n.
	ReconnectDelay time.Duration
	// MaxReconnectAttempts caps scheduled retries. Zero disables retrying.
	MaxReconnectAttempts int
	QueueSize            int
	WriteTimeout         time.Duration

	Dialer  Dialer
	Header  HeaderFunc
	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	OnMessage     func(protocol.Envelope)
	OnStateChange func(Stats)
}

func DefaultConfig() Config {
	return Config{
		ReconnectDelay:       DefaultReconnectDelay,
		MaxReconnectAttempts: DefaultMaxReconnectAttempts,
	}
}

type Stats struct {
	State                  State
	ReconnectAttempts      int
	MaxReconnectAttempts   int
	IsManuallyDisconnected bool
	RetryPending           bool
	Exhausted              bool
	LastError              error
}

type Transport struct {
	cfg Config
	log *slog.Logger

	mu         sync.Mutex
	state      State
	url        string
	live       *liveConn
	attempts   int
	manual     bool
	exhausted  bool
	once       bool
	lastErr    error
	retryTimer clock.Timer
	cancelDial context.CancelFunc
	// gen is bumped by every explicit Connect and Disconnect so that dials,
	// timers and socket callbacks from an older generation are discarded.
	gen uint64
}

func New(cfg Config) *Transport {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.MaxReconnectAttempts < 0 {
		cfg.MaxReconnectAttempts = 0
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.Dialer == nil {
		cfg.Dialer = WebsocketDialer{}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	t := &Transport{cfg: cfg, log: log, state: StateDisconnected}
	cfg.Metrics.SetConnectionState(string(StateDisconnected))
	return t
}

// Backoff returns the delay before retry n (0-based).
func Backoff(base time.Duration, n int) time.Duration {
	if n < 0 {
		n = 0
	}
	if base <= 0 {
		return 0
	}
	if n >= 63 || base > time.Duration(math.MaxInt64>>uint(n)) {
		return time.Duration(math.MaxInt64)
	}
	return base << uint(n)
}

// Connect opens the socket against url and blocks until it is open or the
// attempt failed. It is a no-op when already connected. Any in-flight attempt
// or live socket is superseded first, so at most one socket exists per
// Transport. A failed attempt still schedules background retries; callers
// that do not wait observe them through OnStateChange and Stats.
func (t *Transport) Connect(ctx context.Context, url string) error {
	return t.connect(ctx, url, true)
}

// ConnectOnce is Connect without background retries when this attempt fails.
// Once the socket has opened, later drops are retried as usual.
func (t *Transport) ConnectOnce(ctx context.Context, url string) error {
	return t.connect(ctx, url, false)
}

func (t *Transport) connect(ctx context.Context, url string, retry bool) error {
	t.mu.Lock()
	if t.state == StateConnected && t.live != nil {
		t.mu.Unlock()
		return nil
	}
	// An explicit connect is the manual intervention that re-arms the retry
	// budget after exhaustion.
	t.manual = false
	t.exhausted = false
	t.attempts = 0
	t.once = !retry
	t.url = url
	t.stopRetryLocked()
	t.cancelDialLocked()
	stale := t.live
	t.live = nil
	t.gen++
	gen := t.gen
	t.setStateLocked(StateConnecting)
	t.mu.Unlock()

	if stale != nil {
		stale.close()
	}
	t.log.Info("transport connecting", "url", url)
	t.notify()
	return t.dial(ctx, gen)
}

func (t *Transport) dial(ctx context.Context, gen uint64) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	t.mu.Lock()
	if gen != t.gen {
		t.mu.Unlock()
		return ErrSuperseded
	}
	t.cancelDial = cancel
	url := t.url
	t.mu.Unlock()

	var header http.Header
	if t.cfg.Header != nil {
		header = t.cfg.Header()
	}
	conn, err := t.cfg.Dialer.Dial(ctx, url, header)

	t.mu.Lock()
	if gen != t.gen {
		t.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		t.log.Debug("transport dial superseded", "url", url)
		return ErrSuperseded
	}
	t.cancelDial = nil
	if err != nil {
		t.lastErr = err
		t.setStateLocked(StateError)
		if errors.Is(err, ErrUnauthorized) {
			t.log.Warn("transport rejected as unauthorized, not retrying", "url", url, "err", err)
		} else if t.once {
			t.log.Warn("transport connect failed", "url", url, "err", err)
		} else {
			t.log.Warn("transport connect failed", "url", url, "err", err, "attempts", t.attempts)
			t.scheduleRetryLocked()
		}
		t.mu.Unlock()
		t.notify()
		return fmt.Errorf("connect %s: %w", url, err)
	}

	lc := newLiveConn(conn, t.cfg.QueueSize)
	t.live = lc
	t.attempts = 0
	t.once = false
	t.lastErr = nil
	t.setStateLocked(StateConnected)
	t.mu.Unlock()

	t.cfg.Metrics.SetReconnectAttempts(0)
	t.log.Info("transport connected", "url", url)
	go t.writeLoop(lc)
	go t.readLoop(lc)
	t.notify()
	return nil
}

// Disconnect closes the socket and suppresses reconnects until the next
// Connect. Calling it repeatedly is safe.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	t.manual = true
	t.gen++
	t.stopRetryLocked()
	t.cancelDialLocked()
	live := t.live
	t.live = nil
	changed := t.state != StateDisconnected
	t.setStateLocked(StateDisconnected)
	t.mu.Unlock()

	if live != nil {
		live.close()
	}
	if changed {
		t.log.Info("transport disconnected")
		t.notify()
	}
}

// Send queues env for delivery. When not connected it reports
// ErrNotConnected and logs the drop; callers racing a reconnect may ignore it.
func (t *Transport) Send(env protocol.Envelope) error {
	t.mu.Lock()
	live := t.live
	state := t.state
	t.mu.Unlock()

	if state != StateConnected || live == nil {
		t.log.Debug("transport send dropped", "type", env.Type, "state", state)
		t.cfg.Metrics.RecordDropped("not_connected")
		return ErrNotConnected
	}
	if err := live.queue.push(env); err != nil {
		t.log.Warn("transport send dropped", "type", env.Type, "err", err)
		t.cfg.Metrics.RecordDropped("queue_full")
		return err
	}
	return nil
}

func (t *Transport) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Stats{
		State:                  t.state,
		ReconnectAttempts:      t.attempts,
		MaxReconnectAttempts:   t.cfg.MaxReconnectAttempts,
		IsManuallyDisconnected: t.manual,
		RetryPending:           t.retryTimer != nil,
		Exhausted:              t.exhausted,
		LastError:              t.lastErr,
	}
}

func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transport) URL() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.url
}

func (t *Transport) scheduleRetryLocked() {
	if t.manual {
		return
	}
	if t.retryTimer != nil {
		return
	}
	if t.attempts >= t.cfg.MaxReconnectAttempts {
		if !t.exhausted {
			t.exhausted = true
			t.lastErr = fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, t.attempts, t.lastErr)
			t.cfg.Metrics.RecordExhausted()
			t.log.Error("transport giving up", "url", t.url, "attempts", t.attempts)
		}
		t.setStateLocked(StateError)
		return
	}
	delay := Backoff(t.cfg.ReconnectDelay, t.attempts)
	gen := t.gen
	t.retryTimer = t.cfg.Clock.AfterFunc(delay, func() { t.retry(gen) })
	t.log.Info("transport reconnect scheduled", "url", t.url, "delay", delay, "attempt", t.attempts+1)
}

func (t *Transport) retry(gen uint64) {
	defer func() {
		if r := recover(); r != nil {
			t.log.Error("transport reconnect panicked", "panic", r)
		}
	}()

	t.mu.Lock()
	if gen != t.gen || t.manual {
		t.mu.Unlock()
		return
	}
	t.retryTimer = nil
	if t.live != nil {
		t.mu.Unlock()
		return
	}
	t.attempts++
	attempts := t.attempts
	t.setStateLocked(StateConnecting)
	t.mu.Unlock()

	t.cfg.Metrics.RecordReconnect()
	t.cfg.Metrics.SetReconnectAttempts(attempts)
	t.notify()
	if err := t.dial(context.Background(), gen); err != nil {
		t.log.Debug("transport reconnect attempt failed", "attempt", attempts, "err", err)
	}
}

// handleClose runs when the read or write side of lc fails.
func (t *Transport) handleClose(lc *liveConn, err error) {
	t.mu.Lock()
	if t.live != lc {
		t.mu.Unlock()
		lc.close()
		return
	}
	t.live = nil
	t.lastErr = err
	t.setStateLocked(StateDisconnected)
	t.scheduleRetryLocked()
	t.mu.Unlock()

	lc.close()
	t.log.Warn("transport connection lost", "err", err)
	t.notify()
}

func (t *Transport) readLoop(lc *liveConn) {
	for {
		_, data, err := lc.conn.ReadMessage()
		if err != nil {
			t.handleClose(lc, err)
			return
		}
		env, err := protocol.Decode(data)
		if err != nil {
			t.cfg.Metrics.RecordDecodeError()
			t.log.Warn("dropping undecodable frame", "err", err, "bytes", len(data))
			continue
		}
		t.cfg.Metrics.RecordReceived(string(env.Type))
		t.deliver(env)
	}
}

func (t *Transport) deliver(env protocol.Envelope) {
	if t.cfg.OnMessage == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			t.log.Error("message callback panicked", "type", env.Type, "panic", r)
		}
	}()
	t.cfg.OnMessage(env)
}

func (t *Transport) writeLoop(lc *liveConn) {
	for {
		env, ok := lc.queue.pop()
		if !ok {
			return
		}
		data, err := protocol.Marshal(env)
		if err != nil {
			t.log.Error("dropping unencodable envelope", "type", env.Type, "err", err)
			t.cfg.Metrics.RecordDropped("encode")
			continue
		}
		_ = lc.conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
		if err := lc.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			t.handleClose(lc, err)
			return
		}
		t.cfg.Metrics.RecordSent(string(env.Type))
	}
}

func (t *Transport) notify() {
	if t.cfg.OnStateChange == nil {
		return
	}
	s := t.Stats()
	defer func() {
		if r := recover(); r != nil {
			t.log.Error("state callback panicked", "panic", r)
		}
	}()
	t.cfg.OnStateChange(s)
}

func (t *Transport) setStateLocked(s State) {
	if t.state == s {
		return
	}
	t.state = s
	t.cfg.Metrics.SetConnectionState(string(s))
}

func (t *Transport) stopRetryLocked() {
	if t.retryTimer != nil {
		t.retryTimer.Stop()
		t.retryTimer = nil
	}
}

func (t *Transport) cancelDialLocked() {
	if t.cancelDial != nil {
		t.cancelDial()
		t.cancelDial = nil
	}
}

type liveConn struct {
	conn      Conn
	queue     *sendQueue
	closeOnce sync.Once
}

func newLiveConn(conn Conn, queueSize int) *liveConn {
	return &liveConn{conn: conn, queue: newSendQueue(queueSize)}
}

func (lc *liveConn) close() {
	lc.closeOnce.Do(func() {
		lc.queue.close()
		_ = lc.conn.Close()
	})
}
