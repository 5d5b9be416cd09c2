// Package auth keeps the authenticated identity that authorizes the session
// link valid: it logs in, refreshes ahead of expiry and notifies subscribers
// of every change.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"

	"github.com/prtfnx/ttrpg-system-sub008/internal/clock"
	"github.com/prtfnx/ttrpg-system-sub008/internal/metrics"
)

const (
	DefaultRefreshBuffer = 5 * time.Minute
	// ExternalLoginTimeout bounds popup/OAuth style logins.
	ExternalLoginTimeout = 2 * time.Minute
)

var tracer = otel.Tracer("github.com/prtfnx/ttrpg-system-sub008/internal/auth")

type ResumeReason string

const (
	ResumeVisible ResumeReason = "visible"
	ResumeOnline  ResumeReason = "online"
)

// ExternalFlow is a login completed outside this process, e.g. an OAuth
// provider redirect.
type ExternalFlow interface {
	Wait(ctx context.Context) (Identity, error)
}

type Config struct {
	Backend Backend
	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// RefreshBuffer is how long before expiry the refresh fires.
	RefreshBuffer time.Duration
	// RefreshTimeout bounds a timer-driven refresh call.
	RefreshTimeout time.Duration
	// RetryAfterFailure re-arms the timer after a transient refresh failure.
	RetryAfterFailure time.Duration
	ExternalTimeout   time.Duration
}

type Authenticator struct {
	cfg     Config
	backend Backend
	clock   clock.Clock
	log     *slog.Logger
	sf      singleflight.Group

	mu       sync.Mutex
	identity *Identity
	loading  bool
	lastErr  error
	timer    clock.Timer
	// gen changes whenever identity is replaced or cleared.
	gen       uint64
	nextSubID uint64
	subs      map[uint64]func(Snapshot)
}

func NewAuthenticator(cfg Config) *Authenticator {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.RefreshBuffer <= 0 {
		cfg.RefreshBuffer = DefaultRefreshBuffer
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = 15 * time.Second
	}
	if cfg.RetryAfterFailure <= 0 {
		cfg.RetryAfterFailure = 30 * time.Second
	}
	if cfg.ExternalTimeout <= 0 {
		cfg.ExternalTimeout = ExternalLoginTimeout
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Authenticator{
		cfg:     cfg,
		backend: cfg.Backend,
		clock:   cfg.Clock,
		log:     log,
		subs:    make(map[uint64]func(Snapshot)),
	}
}

// Login exchanges credentials for an identity. A definitive 401 clears any
// previous identity; other failures leave it in place.
func (a *Authenticator) Login(ctx context.Context, creds Credentials) error {
	a.setLoading()
	id, err := a.backend.Login(ctx, creds)
	if err != nil {
		a.fail(err, errors.Is(err, ErrUnauthorized))
		a.log.Warn("login failed", "username", creds.Username, "err", err)
		return err
	}
	a.install(id)
	a.log.Info("login succeeded", "user_id", id.UserID, "username", id.Username)
	return nil
}

// LoginExternal waits for an out-of-process login, giving up after the
// configured external timeout with ErrLoginTimeout.
func (a *Authenticator) LoginExternal(ctx context.Context, flow ExternalFlow) error {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.ExternalTimeout)
	defer cancel()

	a.setLoading()
	id, err := flow.Wait(ctx)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %v", ErrLoginTimeout, err)
		}
		a.fail(err, errors.Is(err, ErrUnauthorized))
		a.log.Warn("external login failed", "err", err)
		return err
	}
	a.install(id)
	a.log.Info("external login succeeded", "user_id", id.UserID)
	return nil
}

// Restore installs an identity obtained elsewhere, e.g. a validated cookie.
func (a *Authenticator) Restore(id Identity) {
	a.install(id)
}

// ScheduleRefresh arms the refresh timer for the current identity, replacing
// any armed timer.
func (a *Authenticator) ScheduleRefresh() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.scheduleRefreshLocked()
}

// Refresh renews the current credential. Concurrent callers share one call.
// A 401 clears the identity and returns ErrUnauthorized; a transient failure
// keeps the identity.
func (a *Authenticator) Refresh(ctx context.Context) error {
	_, err, _ := a.sf.Do("refresh", func() (any, error) {
		return nil, a.refresh(ctx)
	})
	return err
}

func (a *Authenticator) refresh(ctx context.Context) error {
	a.mu.Lock()
	if a.identity == nil {
		a.mu.Unlock()
		return ErrNotAuthenticated
	}
	current := a.identity.clone()
	gen := a.gen
	a.mu.Unlock()

	ctx, span := tracer.Start(ctx, "auth.refresh")
	defer span.End()
	span.SetAttributes(attribute.String("ttrpg.user_id", current.UserID))

	grant, err := a.backend.Refresh(ctx, current)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, ErrUnauthorized) {
			a.cfg.Metrics.RecordRefresh("unauthorized")
			a.mu.Lock()
			cleared := gen == a.gen
			if cleared {
				a.clearLocked()
				a.lastErr = err
			}
			a.mu.Unlock()
			if cleared {
				a.log.Warn("refresh rejected, signing out", "user_id", current.UserID)
				a.publish()
			}
			return err
		}
		a.cfg.Metrics.RecordRefresh("error")
		a.log.Warn("refresh failed, keeping identity", "user_id", current.UserID, "err", err)
		return fmt.Errorf("refresh: %w", err)
	}

	next := current.clone()
	next.AccessToken = grant.AccessToken
	if grant.RefreshToken != "" {
		next.RefreshToken = grant.RefreshToken
	}
	next.ExpiresAt = grant.ExpiresAt

	a.mu.Lock()
	if gen != a.gen {
		a.mu.Unlock()
		return errIdentityChanged
	}
	a.identity = &next
	a.gen++
	a.lastErr = nil
	a.rearmAfterRefreshLocked()
	a.mu.Unlock()

	span.SetStatus(codes.Ok, "")
	a.cfg.Metrics.RecordRefresh("ok")
	a.log.Info("token refreshed", "user_id", next.UserID, "expires_at", next.ExpiresAt)
	a.publish()
	return nil
}

// Resume refreshes immediately after the client becomes visible again or
// regains connectivity, since timers may not have run while it was away.
func (a *Authenticator) Resume(ctx context.Context, reason ResumeReason) error {
	if !a.IsAuthenticated() {
		return nil
	}
	a.log.Info("refreshing after resume", "reason", reason)
	return a.Refresh(ctx)
}

func (a *Authenticator) Logout(ctx context.Context) error {
	a.mu.Lock()
	if a.identity == nil {
		a.mu.Unlock()
		return nil
	}
	current := a.identity.clone()
	a.clearLocked()
	a.lastErr = nil
	a.mu.Unlock()

	a.publish()
	if err := a.backend.Logout(ctx, current); err != nil {
		a.log.Warn("server logout failed", "user_id", current.UserID, "err", err)
		return err
	}
	a.log.Info("logged out", "user_id", current.UserID)
	return nil
}

// Subscribe registers fn for every state change. The returned function
// unsubscribes.
func (a *Authenticator) Subscribe(fn func(Snapshot)) func() {
	a.mu.Lock()
	a.nextSubID++
	id := a.nextSubID
	a.subs[id] = fn
	a.mu.Unlock()
	return func() {
		a.mu.Lock()
		delete(a.subs, id)
		a.mu.Unlock()
	}
}

func (a *Authenticator) Identity() (Identity, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.identity == nil {
		return Identity{}, false
	}
	return a.identity.clone(), true
}

func (a *Authenticator) IsAuthenticated() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.identity != nil
}

func (a *Authenticator) AccessToken() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.identity == nil {
		return ""
	}
	return a.identity.AccessToken
}

// NeedsRefresh reports whether the credential is inside the refresh buffer.
func (a *Authenticator) NeedsRefresh() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.identity == nil || a.identity.ExpiresAt.IsZero() {
		return false
	}
	return a.identity.ExpiresAt.Sub(a.clock.Now()) <= a.cfg.RefreshBuffer
}

func (a *Authenticator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked()
}

// ListSessions uses the backend's optional session listing capability.
func (a *Authenticator) ListSessions(ctx context.Context) ([]SessionRef, error) {
	lister, ok := a.backend.(SessionLister)
	if !ok {
		return nil, errors.New("backend cannot list sessions")
	}
	id, ok := a.Identity()
	if !ok {
		return nil, ErrNotAuthenticated
	}
	return lister.ListSessions(ctx, id)
}

func (a *Authenticator) snapshotLocked() Snapshot {
	s := Snapshot{Status: StatusAnonymous, Err: a.lastErr}
	if a.identity != nil {
		id := a.identity.clone()
		s.Identity = &id
		s.Status = StatusAuthenticated
	}
	if a.loading {
		s.Status = StatusLoading
	}
	return s
}

func (a *Authenticator) setLoading() {
	a.mu.Lock()
	a.loading = true
	a.mu.Unlock()
	a.publish()
}

func (a *Authenticator) fail(err error, clear bool) {
	a.mu.Lock()
	a.loading = false
	a.lastErr = err
	if clear {
		a.clearLocked()
	}
	a.mu.Unlock()
	a.publish()
}

func (a *Authenticator) install(id Identity) {
	next := id.clone()
	a.mu.Lock()
	a.identity = &next
	a.gen++
	a.loading = false
	a.lastErr = nil
	a.scheduleRefreshLocked()
	a.mu.Unlock()
	a.publish()
}

func (a *Authenticator) clearLocked() {
	a.stopTimerLocked()
	a.identity = nil
	a.gen++
}

func (a *Authenticator) scheduleRefreshLocked() {
	a.stopTimerLocked()
	if a.identity == nil || a.identity.ExpiresAt.IsZero() {
		return
	}
	delay := a.identity.ExpiresAt.Sub(a.clock.Now()) - a.cfg.RefreshBuffer
	if delay < 0 {
		delay = 0
	}
	a.armLocked(delay)
}

// rearmAfterRefreshLocked schedules the next refresh for a fresh grant. A
// grant whose lifetime is inside the buffer is refreshed at half its lifetime
// instead of immediately, which would spin.
func (a *Authenticator) rearmAfterRefreshLocked() {
	a.stopTimerLocked()
	if a.identity.ExpiresAt.IsZero() {
		return
	}
	life := a.identity.ExpiresAt.Sub(a.clock.Now())
	switch {
	case life <= 0:
		a.armLocked(a.cfg.RetryAfterFailure)
	case life <= a.cfg.RefreshBuffer:
		a.armLocked(life / 2)
	default:
		a.scheduleRefreshLocked()
	}
}

func (a *Authenticator) armLocked(delay time.Duration) {
	gen := a.gen
	a.timer = a.clock.AfterFunc(delay, func() { a.onTimer(gen) })
}

func (a *Authenticator) stopTimerLocked() {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

func (a *Authenticator) onTimer(gen uint64) {
	defer func() {
		if r := recover(); r != nil {
			a.log.Error("refresh timer panicked", "panic", r)
		}
	}()
	a.mu.Lock()
	if gen != a.gen {
		a.mu.Unlock()
		return
	}
	a.timer = nil
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.RefreshTimeout)
	defer cancel()
	err := a.Refresh(ctx)
	if err == nil || errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrNotAuthenticated) {
		return
	}
	a.mu.Lock()
	if a.identity != nil && a.timer == nil {
		a.armLocked(a.cfg.RetryAfterFailure)
	}
	a.mu.Unlock()
}

func (a *Authenticator) publish() {
	a.mu.Lock()
	snap := a.snapshotLocked()
	subs := make([]func(Snapshot), 0, len(a.subs))
	for _, fn := range a.subs {
		subs = append(subs, fn)
	}
	a.mu.Unlock()

	for _, fn := range subs {
		a.notify(fn, snap)
	}
}

func (a *Authenticator) notify(fn func(Snapshot), snap Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			a.log.Error("auth listener panicked", "panic", r)
		}
	}()
	if snap.Identity != nil {
		id := snap.Identity.clone()
		snap.Identity = &id
	}
	fn(snap)
}
