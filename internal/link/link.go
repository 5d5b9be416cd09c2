// Package link composes the transport and the authenticator into the single
// handle callers use for a live, authenticated channel to one game session.
package link

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/prtfnx/ttrpg-system-sub008/internal/auth"
	"github.com/prtfnx/ttrpg-system-sub008/internal/clock"
	"github.com/prtfnx/ttrpg-system-sub008/internal/events"
	"github.com/prtfnx/ttrpg-system-sub008/internal/metrics"
	"github.com/prtfnx/ttrpg-system-sub008/internal/protocol"
	"github.com/prtfnx/ttrpg-system-sub008/internal/transport"
)

var tracer = otel.Tracer("github.com/prtfnx/ttrpg-system-sub008/internal/link")

type Condition string

const (
	ConditionIdle         Condition = "idle"
	ConditionConnecting   Condition = "connecting"
	ConditionConnected    Condition = "connected"
	ConditionReconnecting Condition = "reconnecting"
	ConditionExhausted    Condition = "exhausted"
	ConditionAuthFailed   Condition = "auth_failed"
	ConditionFailed       Condition = "failed"
)

var (
	ErrNotConnected = errors.New("link: not connected")
	ErrNoSession    = errors.New("link: no session identifier")
	ErrClosed       = errors.New("link: coordinator closed")
)

const (
	DefaultRetryDelay        = 2 * time.Second
	DefaultMaxConnectRetries = 3

	resumeTimeout = 10 * time.Second
)

// Directions passed to a Recorder.
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// Authenticator is the part of *auth.Authenticator the coordinator needs.
type Authenticator interface {
	Identity() (auth.Identity, bool)
	AccessToken() string
	NeedsRefresh() bool
	Refresh(ctx context.Context) error
	Resume(ctx context.Context, reason auth.ResumeReason) error
	Logout(ctx context.Context) error
	ListSessions(ctx context.Context) ([]auth.SessionRef, error)
	Subscribe(fn func(auth.Snapshot)) func()
}

// Recorder receives every envelope sent or received, e.g. a session journal.
type Recorder interface {
	Record(direction string, env protocol.Envelope)
}

type Config struct {
	// BaseURL is the server's ws(s) or http(s) origin.
	BaseURL string
	// Session is the human-entered session code or name.
	Session string
	Auth    Authenticator

	RetryDelay        time.Duration
	MaxConnectRetries int
	// PingInterval enables keepalive pings while connected. Zero disables.
	PingInterval time.Duration

	// Transport is the template for the underlying transport. Nil uses
	// transport.DefaultConfig. Its callbacks, header and clock are set by
	// the coordinator.
	Transport *transport.Config

	Bus      *events.Bus
	Recorder Recorder
	Clock    clock.Clock
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

type Status struct {
	Condition   Condition
	SessionCode string
	ClientID    string
	Err         error
	Stats       transport.Stats
}

// Text is the user-facing description of the status.
func (s Status) Text() string {
	switch s.Condition {
	case ConditionIdle:
		return "not connected"
	case ConditionConnecting:
		return "connecting"
	case ConditionConnected:
		return "connected"
	case ConditionReconnecting:
		return "reconnecting"
	case ConditionExhausted:
		return "connection lost, reconnect manually"
	case ConditionAuthFailed:
		return "session expired, please sign in again"
	default:
		if s.Err != nil {
			return "connection failed: " + s.Err.Error()
		}
		return "connection failed"
	}
}

type Coordinator struct {
	cfg   Config
	trCfg transport.Config
	base  string
	log   *slog.Logger
	clock clock.Clock
	bus   *events.Bus
	seq   atomic.Uint64

	// dialHook runs between releasing the lock and dialing; tests only.
	dialHook func()

	mu          sync.Mutex
	tr          *transport.Transport
	cond        Condition
	code        string
	clientID    string
	err         error
	stats       transport.Stats
	established bool
	retries     int
	retryTimer  clock.Timer
	pingTimer   clock.Timer
	// gen changes on every explicit Connect, Disconnect and auth teardown;
	// retries and pings from an older generation are dropped.
	gen       uint64
	closed    bool
	nextWatch uint64
	watchers  map[uint64]func(Status)
	unsubs    []func()
}

func New(cfg Config) (*Coordinator, error) {
	if cfg.Auth == nil {
		return nil, errors.New("link: authenticator is required")
	}
	if strings.TrimSpace(cfg.Session) == "" {
		return nil, ErrNoSession
	}
	base, err := transport.NormalizeURL(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("link: base url: %w", err)
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.MaxConnectRetries < 0 {
		cfg.MaxConnectRetries = 0
	}
	trCfg := transport.DefaultConfig()
	if cfg.Transport != nil {
		trCfg = *cfg.Transport
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "link")
	bus := cfg.Bus
	if bus == nil {
		bus = events.NewBus(log)
	}

	c := &Coordinator{
		cfg:      cfg,
		trCfg:    trCfg,
		base:     base,
		log:      log,
		clock:    cfg.Clock,
		bus:      bus,
		cond:     ConditionIdle,
		watchers: make(map[uint64]func(Status)),
	}
	c.unsubs = append(c.unsubs,
		cfg.Auth.Subscribe(c.onAuth),
		bus.Subscribe(protocol.Welcome, c.onWelcome),
		bus.Subscribe(protocol.Ping, c.onPing),
	)
	return c, nil
}

// Connect opens an authenticated connection to the configured session. It
// is a no-op while connected. Failures other than authentication failures
// schedule a retry that re-checks identity and re-resolves the session.
func (c *Coordinator) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.tr != nil && c.cond == ConditionConnected {
		c.mu.Unlock()
		return nil
	}
	c.stopRetryLocked()
	c.stopPingLocked()
	// Retries are ours again until the next successful open.
	c.established = false
	c.retries = 0
	c.gen++
	gen := c.gen
	c.mu.Unlock()
	return c.attempt(ctx, gen)
}

func (c *Coordinator) attempt(ctx context.Context, gen uint64) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := tracer.Start(ctx, "link.connect")
	defer span.End()

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return transport.ErrSuperseded
	}
	if c.retries > 0 {
		c.cond = ConditionReconnecting
	} else {
		c.cond = ConditionConnecting
	}
	retries := c.retries
	c.mu.Unlock()
	span.SetAttributes(attribute.Int("ttrpg.connect_retry", retries))
	c.publish()

	id, ok := c.cfg.Auth.Identity()
	if !ok {
		return c.failAuth(gen, span, auth.ErrNotAuthenticated)
	}
	if c.cfg.Auth.NeedsRefresh() {
		if err := c.cfg.Auth.Refresh(ctx); err != nil {
			if errors.Is(err, auth.ErrUnauthorized) || errors.Is(err, auth.ErrNotAuthenticated) {
				return c.failAuth(gen, span, err)
			}
			c.log.Warn("token refresh before connect failed, using current token", "err", err)
		}
	}

	code := c.resolve(ctx, id)
	span.SetAttributes(attribute.String("ttrpg.session_code", code))
	url := SocketURL(c.base, code)

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return transport.ErrSuperseded
	}
	c.code = code
	tr := c.tr
	if tr == nil {
		tr = c.newTransport()
		c.tr = tr
	}
	c.mu.Unlock()

	if c.dialHook != nil {
		c.dialHook()
	}
	err := tr.ConnectOnce(ctx, url)
	if err == nil {
		c.mu.Lock()
		stale := gen != c.gen || c.tr != tr
		c.mu.Unlock()
		if stale {
			tr.Disconnect()
			span.SetStatus(codes.Error, transport.ErrSuperseded.Error())
			return transport.ErrSuperseded
		}
		span.SetStatus(codes.Ok, "")
		return nil
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if errors.Is(err, transport.ErrSuperseded) {
		return err
	}
	if errors.Is(err, transport.ErrUnauthorized) {
		_ = c.failAuth(gen, nil, err)
		var hs *transport.HandshakeError
		if errors.As(err, &hs) && hs.Status == http.StatusUnauthorized {
			c.log.Warn("session socket rejected credentials, signing out", "session", code)
			if lerr := c.cfg.Auth.Logout(context.Background()); lerr != nil {
				c.log.Warn("logout after rejected handshake failed", "err", lerr)
			}
		}
		return err
	}
	c.failRetry(gen, err)
	return err
}

func (c *Coordinator) failAuth(gen uint64, span trace.Span, err error) error {
	if span != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	c.mu.Lock()
	current := gen == c.gen
	if current {
		c.stopRetryLocked()
		c.cond = ConditionAuthFailed
		c.err = err
	}
	c.mu.Unlock()
	if current {
		c.log.Warn("session connect not authorized", "err", err)
		c.publish()
	}
	return err
}

func (c *Coordinator) failRetry(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.gen || c.cond == ConditionConnected {
		c.mu.Unlock()
		return
	}
	c.err = err
	var stop *transport.Transport
	if c.retries >= c.cfg.MaxConnectRetries {
		c.cond = ConditionExhausted
		stop = c.tr
		c.tr = nil
		c.stopPingLocked()
		c.log.Error("session connect giving up", "session", c.code, "retries", c.retries, "err", err)
	} else if c.retryTimer == nil {
		delay := transport.Backoff(c.cfg.RetryDelay, c.retries)
		c.cond = ConditionReconnecting
		c.retryTimer = c.clock.AfterFunc(delay, func() { c.retry(gen) })
		c.log.Warn("session connect failed, retrying", "session", c.code, "delay", delay, "retry", c.retries+1, "err", err)
	}
	c.mu.Unlock()

	if stop != nil {
		stop.Disconnect()
	}
	c.publish()
}

func (c *Coordinator) retry(gen uint64) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("session connect retry panicked", "panic", r)
		}
	}()
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.retryTimer = nil
	if c.cond == ConditionConnected {
		c.mu.Unlock()
		return
	}
	c.retries++
	c.mu.Unlock()
	_ = c.attempt(context.Background(), gen)
}

func (c *Coordinator) resolve(ctx context.Context, id auth.Identity) string {
	ctx, span := tracer.Start(ctx, "link.resolve_session")
	defer span.End()

	input := strings.TrimSpace(c.cfg.Session)
	span.SetAttributes(attribute.String("ttrpg.session_input", input))
	sessions := id.Sessions
	if len(sessions) == 0 {
		listed, err := c.cfg.Auth.ListSessions(ctx)
		if err != nil {
			span.RecordError(err)
			c.cfg.Metrics.RecordResolution("fallback")
			c.log.Warn("listing sessions failed, using raw session identifier", "session", input, "err", err)
			return input
		}
		sessions = listed
	}
	code, ok := ResolveSession(input, sessions)
	if !ok {
		c.cfg.Metrics.RecordResolution("fallback")
		c.log.Warn("session not among user sessions, using raw identifier", "session", input, "known", len(sessions))
		return input
	}
	c.cfg.Metrics.RecordResolution("resolved")
	if code != input {
		c.log.Info("session resolved", "input", input, "code", code)
	}
	return code
}

// Disconnect closes the connection and cancels any pending retry. It is
// safe to call repeatedly.
func (c *Coordinator) Disconnect() {
	c.teardown(ConditionIdle, nil)
}

// Close disconnects and detaches from the authenticator and bus.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	unsubs := c.unsubs
	c.unsubs = nil
	c.mu.Unlock()
	for _, u := range unsubs {
		u()
	}
	c.Disconnect()
}

func (c *Coordinator) teardown(cond Condition, err error) {
	c.mu.Lock()
	if c.tr == nil && c.retryTimer == nil && c.cond == cond {
		c.mu.Unlock()
		return
	}
	c.gen++
	tr := c.tr
	c.tr = nil
	c.stopRetryLocked()
	c.stopPingLocked()
	c.established = false
	c.clientID = ""
	c.retries = 0
	c.stats = transport.Stats{}
	c.cond = cond
	c.err = err
	c.mu.Unlock()

	if tr != nil {
		tr.Disconnect()
	}
	c.log.Info("session link down", "condition", cond)
	c.publish()
}

// Send frames payload as msgType and queues it on the live connection.
func (c *Coordinator) Send(msgType protocol.MessageType, payload map[string]any) error {
	return c.SendEnvelope(protocol.NewEnvelope(msgType, payload))
}

// SendEnvelope queues env, stamping a sequence id and the server-assigned
// client id when the envelope carries none.
func (c *Coordinator) SendEnvelope(env protocol.Envelope) error {
	c.mu.Lock()
	tr := c.tr
	clientID := c.clientID
	c.mu.Unlock()
	if tr == nil {
		return ErrNotConnected
	}
	if env.SequenceID == nil {
		env = env.WithSeq(c.NextSeq())
	}
	if env.ClientID == "" {
		env.ClientID = clientID
	}
	if err := tr.Send(env); err != nil {
		if errors.Is(err, transport.ErrNotConnected) {
			return ErrNotConnected
		}
		return err
	}
	if c.cfg.Recorder != nil {
		c.cfg.Recorder.Record(DirectionOut, env)
	}
	return nil
}

// NextSeq reserves a sequence id for callers that correlate replies.
func (c *Coordinator) NextSeq() uint64 {
	return c.seq.Add(1)
}

func (c *Coordinator) Bus() *events.Bus { return c.bus }

func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked()
}

func (c *Coordinator) IsConnected() bool {
	return c.Status().Condition == ConditionConnected
}

// Watch calls fn on every status change. The returned function stops it.
func (c *Coordinator) Watch(fn func(Status)) func() {
	c.mu.Lock()
	c.nextWatch++
	id := c.nextWatch
	c.watchers[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.watchers, id)
		c.mu.Unlock()
	}
}

func (c *Coordinator) statusLocked() Status {
	s := Status{
		Condition:   c.cond,
		SessionCode: c.code,
		ClientID:    c.clientID,
		Err:         c.err,
		Stats:       c.stats,
	}
	if c.tr == nil {
		s.Stats.State = transport.StateDisconnected
	}
	if !c.established {
		s.Stats.ReconnectAttempts = c.retries
		s.Stats.MaxReconnectAttempts = c.cfg.MaxConnectRetries
	}
	return s
}

func (c *Coordinator) newTransport() *transport.Transport {
	tc := c.trCfg
	tc.Clock = c.clock
	if tc.Logger == nil {
		tc.Logger = c.log
	}
	if tc.Metrics == nil {
		tc.Metrics = c.cfg.Metrics
	}
	tc.Header = c.header
	tc.OnMessage = c.onMessage
	var tr *transport.Transport
	tc.OnStateChange = func(s transport.Stats) { c.onTransportState(tr, s) }
	tr = transport.New(tc)
	return tr
}

func (c *Coordinator) header() http.Header {
	c.mu.Lock()
	redial := c.established
	c.mu.Unlock()
	// Transport redials bypass attempt, so the token may have gone stale
	// while the link was down.
	if redial && c.cfg.Auth.NeedsRefresh() {
		ctx, cancel := context.WithTimeout(context.Background(), resumeTimeout)
		if err := c.cfg.Auth.Refresh(ctx); err != nil {
			c.log.Warn("token refresh before redial failed", "err", err)
		}
		cancel()
	}
	h := http.Header{}
	if tok := c.cfg.Auth.AccessToken(); tok != "" {
		h.Set("Authorization", "Bearer "+tok)
	}
	return h
}

func (c *Coordinator) onTransportState(tr *transport.Transport, s transport.Stats) {
	c.mu.Lock()
	if tr == nil || c.tr != tr {
		c.mu.Unlock()
		if tr != nil && s.State == transport.StateConnected {
			c.log.Warn("closing socket opened after the link was torn down")
			tr.Disconnect()
		}
		return
	}
	c.stats = s
	resumed := false
	switch {
	case s.State == transport.StateConnected:
		resumed = c.established && c.cond != ConditionConnected
		c.established = true
		c.stopRetryLocked()
		c.retries = 0
		c.err = nil
		c.cond = ConditionConnected
		c.armPingLocked()
	case !c.established:
		// Until the first open the connect path owns the condition.
	case s.IsManuallyDisconnected:
		// Disconnects come from here; the caller sets the condition.
	case errors.Is(s.LastError, transport.ErrUnauthorized):
		c.stopPingLocked()
		c.cond = ConditionAuthFailed
		c.err = s.LastError
	case s.Exhausted:
		c.stopPingLocked()
		c.cond = ConditionExhausted
		c.err = s.LastError
	case s.State == transport.StateConnecting || s.RetryPending:
		c.stopPingLocked()
		c.cond = ConditionReconnecting
		c.err = s.LastError
	default:
		c.stopPingLocked()
		c.cond = ConditionFailed
		c.err = s.LastError
	}
	c.mu.Unlock()
	c.publish()
	if resumed {
		go c.resume()
	}
}

// resume tells the authenticator connectivity is back after a drop, since
// its refresh timer may not have fired while the host was offline.
func (c *Coordinator) resume() {
	ctx, cancel := context.WithTimeout(context.Background(), resumeTimeout)
	defer cancel()
	if err := c.cfg.Auth.Resume(ctx, auth.ResumeOnline); err != nil {
		c.log.Warn("token refresh after reconnect failed", "err", err)
	}
}

func (c *Coordinator) onMessage(env protocol.Envelope) {
	if c.cfg.Recorder != nil {
		c.cfg.Recorder.Record(DirectionIn, env)
	}
	c.bus.Publish(env)
}

func (c *Coordinator) onWelcome(env protocol.Envelope) {
	var w protocol.WelcomePayload
	if err := protocol.DecodePayload(env, &w); err != nil {
		c.log.Warn("malformed welcome", "err", err)
		return
	}
	id := w.ClientID
	if id == "" {
		id = env.ClientID
	}
	if id == "" {
		return
	}
	c.mu.Lock()
	c.clientID = id
	c.mu.Unlock()
	c.log.Info("session joined", "client_id", id, "session", w.SessionCode)
	c.publish()
}

func (c *Coordinator) onPing(env protocol.Envelope) {
	pong := protocol.Encode(protocol.Pong, nil, protocol.DefaultPriority+1)
	if env.SequenceID != nil {
		pong = pong.WithSeq(*env.SequenceID)
	}
	if err := c.SendEnvelope(pong); err != nil {
		c.log.Debug("pong not sent", "err", err)
	}
}

func (c *Coordinator) armPingLocked() {
	if c.cfg.PingInterval <= 0 || c.pingTimer != nil {
		return
	}
	gen := c.gen
	c.pingTimer = c.clock.AfterFunc(c.cfg.PingInterval, func() { c.ping(gen) })
}

func (c *Coordinator) ping(gen uint64) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.pingTimer = nil
	connected := c.cond == ConditionConnected
	c.mu.Unlock()
	if !connected {
		return
	}
	if err := c.Send(protocol.Ping, nil); err != nil {
		c.log.Debug("keepalive ping not sent", "err", err)
	}
	c.mu.Lock()
	if gen == c.gen && c.cond == ConditionConnected {
		c.armPingLocked()
	}
	c.mu.Unlock()
}

func (c *Coordinator) onAuth(snap auth.Snapshot) {
	if snap.Status != auth.StatusAnonymous {
		return
	}
	c.mu.Lock()
	active := c.tr != nil || c.retryTimer != nil || (c.cond != ConditionIdle && c.cond != ConditionAuthFailed)
	c.mu.Unlock()
	if !active {
		return
	}
	err := snap.Err
	if err == nil {
		err = auth.ErrNotAuthenticated
	}
	c.log.Warn("identity lost, closing session link", "err", err)
	c.teardown(ConditionAuthFailed, err)
}

func (c *Coordinator) publish() {
	c.mu.Lock()
	s := c.statusLocked()
	watchers := make([]func(Status), 0, len(c.watchers))
	for _, fn := range c.watchers {
		watchers = append(watchers, fn)
	}
	c.mu.Unlock()
	for _, fn := range watchers {
		c.notify(fn, s)
	}
}

func (c *Coordinator) notify(fn func(Status), s Status) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("status watcher panicked", "panic", r)
		}
	}()
	fn(s)
}

func (c *Coordinator) stopRetryLocked() {
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
}

func (c *Coordinator) stopPingLocked() {
	if c.pingTimer != nil {
		c.pingTimer.Stop()
		c.pingTimer = nil
	}
}
