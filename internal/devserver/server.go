// Package devserver is a small game server for local play and integration
// tests. It serves the auth and session HTTP API and the game socket the
// link package connects to.
package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/prtfnx/ttrpg-system-sub008/internal/journal"
)

const (
	sessionCookie = "ttrpg_session"
	resetTokenTTL = time.Hour
)

type Options struct {
	AccessTTL       time.Duration
	RefreshTTL      time.Duration
	LoginRatePerMin int
	// OAuthProviders names the providers whose callback accepts a known
	// username as the authorization code.
	OAuthProviders []string
	CheckOrigin    bool

	Journal  *journal.Journal
	Logger   *slog.Logger
	Registry *prometheus.Registry
	// OnResetToken receives password reset tokens in place of an email.
	OnResetToken func(user UserRecord, token string)
}

type Server struct {
	store   *Store
	opts    Options
	log     *slog.Logger
	limiter *RateLimiter
	hub     *hub

	upgrader websocket.Upgrader

	logins      *prometheus.CounterVec
	gameClients prometheus.Gauge
	frames      *prometheus.CounterVec
}

func New(store *Store, opts Options) *Server {
	if opts.AccessTTL <= 0 {
		opts.AccessTTL = 15 * time.Minute
	}
	if opts.RefreshTTL <= 0 {
		opts.RefreshTTL = 7 * 24 * time.Hour
	}
	if opts.Registry == nil {
		opts.Registry = prometheus.NewRegistry()
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		store:   store,
		opts:    opts,
		log:     log,
		limiter: NewRateLimiter(opts.LoginRatePerMin, time.Minute),
		hub:     newHub(),
	}
	if s.opts.OnResetToken == nil {
		s.opts.OnResetToken = func(u UserRecord, token string) {
			log.Info("password reset requested", "user", u.Username, "token", token)
		}
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if opts.CheckOrigin {
				return sameHostOrigin(r)
			}
			return true
		},
	}

	factory := promauto.With(opts.Registry)
	s.logins = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ttrpg",
		Subsystem: "devserver",
		Name:      "logins_total",
		Help:      "Login attempts by result",
	}, []string{"result"})
	s.gameClients = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "ttrpg",
		Subsystem: "devserver",
		Name:      "game_clients",
		Help:      "Connected game sockets",
	})
	s.frames = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ttrpg",
		Subsystem: "devserver",
		Name:      "frames_total",
		Help:      "Game socket frames received by type",
	}, []string{"type"})
	return s
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/api/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	r.Handle("/metrics", promhttp.HandlerFor(s.opts.Registry, promhttp.HandlerOpts{}))

	r.Route("/api/auth", func(r chi.Router) {
		r.Post("/login", s.handleLogin)
		r.Post("/register", s.handleRegister)
		r.Post("/refresh", s.handleRefresh)
		r.Post("/password-reset/request", s.handleResetRequest)
		r.Post("/password-reset/confirm", s.handleResetConfirm)
		r.Get("/oauth/providers", s.handleOAuthProviders)
		r.Get("/oauth/{provider}/callback", s.handleOAuthCallback)
		r.With(s.requireUser).Post("/logout", s.handleLogout)
		r.With(s.requireUser).Get("/me", s.handleMe)
	})
	r.With(s.requireUser).Get("/api/game/sessions", s.handleSessions)
	r.Get("/ws/game/{code}", s.handleGame)
	return r
}

type principal struct {
	token TokenRecord
	user  UserRecord
}

type principalKey struct{}

// authenticate resolves the access token from the bearer header, the token
// query parameter or the session cookie, in that order.
func (s *Server) authenticate(r *http.Request) (principal, error) {
	token := extractToken(r)
	if token == "" {
		if c, err := r.Cookie(sessionCookie); err == nil {
			token = c.Value
		}
	}
	rec, user, err := s.store.Lookup(token, TokenAccess)
	if err != nil {
		return principal{}, err
	}
	return principal{token: rec, user: user}, nil
}

func (s *Server) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := s.authenticate(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)))
	})
}

func principalFrom(ctx context.Context) principal {
	p, _ := ctx.Value(principalKey{}).(principal)
	return p
}

type userJSON struct {
	ID          string   `json:"id"`
	Username    string   `json:"username"`
	Email       string   `json:"email,omitempty"`
	Role        string   `json:"role,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

func userView(u UserRecord) userJSON {
	return userJSON{ID: u.ID, Username: u.Username, Email: u.Email, Role: u.Role, Permissions: u.Permissions}
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if key := "login:" + ip; !s.limiter.Allow(key) {
		s.logins.WithLabelValues("rate_limited").Inc()
		if wait := s.limiter.RetryAfter(key); wait > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(wait.Round(time.Second)/time.Second)))
		}
		writeError(w, http.StatusTooManyRequests, "rate_limited", "too many login attempts")
		return
	}
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}
	user, err := s.store.Authenticate(req.Username, req.Password)
	if err != nil {
		s.logins.WithLabelValues("rejected").Inc()
		s.opts.Journal.Audit(req.Username, "login_failed", map[string]any{"ip": ip})
		writeError(w, http.StatusUnauthorized, "invalid_credentials", err.Error())
		return
	}
	s.logins.WithLabelValues("ok").Inc()
	s.opts.Journal.Audit(user.Username, "login", map[string]any{"ip": ip})
	s.writeLogin(w, user)
}

// writeLogin issues a fresh token pair and mirrors the access token into
// the session cookie for cookie mode clients.
func (s *Server) writeLogin(w http.ResponseWriter, user UserRecord) {
	access, refresh, err := s.issuePair(user.ID)
	if err != nil {
		s.log.Error("issue tokens", "user", user.Username, "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "could not issue tokens")
		return
	}
	s.setSessionCookie(w, access)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":       true,
		"user":          userView(user),
		"access_token":  access,
		"refresh_token": refresh,
		"expires_in":    int64(s.opts.AccessTTL / time.Second),
	})
}

func (s *Server) issuePair(userID string) (access, refresh string, err error) {
	access, _, err = s.store.IssueToken(userID, TokenAccess, s.opts.AccessTTL)
	if err != nil {
		return "", "", err
	}
	refresh, _, err = s.store.IssueToken(userID, TokenRefresh, s.opts.RefreshTTL)
	if err != nil {
		return "", "", err
	}
	return access, refresh, nil
}

func (s *Server) setSessionCookie(w http.ResponseWriter, access string) {
	c := &http.Cookie{
		Name:     sessionCookie,
		Value:    access,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(s.opts.AccessTTL / time.Second),
	}
	if access == "" {
		c.MaxAge = -1
	}
	http.SetCookie(w, c)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	n := s.store.RevokeUser(p.user.ID, TokenAccess, TokenRefresh)
	s.opts.Journal.Audit(p.user.Username, "logout", map[string]any{"revoked": n})
	s.hub.kick(p.user.ID)
	s.setSessionCookie(w, "")
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}
	if strings.TrimSpace(req.Username) == "" || len(req.Password) < 4 {
		writeError(w, http.StatusBadRequest, "invalid_input", "username and a password of at least 4 characters required")
		return
	}
	user, err := s.store.CreateUser(req.Username, req.Email, req.Password, "player")
	if errors.Is(err, ErrUserExists) {
		writeError(w, http.StatusConflict, "user_exists", err.Error())
		return
	}
	if err != nil {
		s.log.Error("register", "user", req.Username, "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "could not create user")
		return
	}
	s.opts.Journal.Audit(user.Username, "register", nil)
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "user": userView(user)})
}

// handleRefresh rotates the refresh token: the presented one is revoked and
// a new pair is returned.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}
	_, user, err := s.store.Consume(req.RefreshToken, TokenRefresh)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid_token", "refresh token invalid or expired")
		return
	}
	access, refresh, err := s.issuePair(user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "could not issue tokens")
		return
	}
	s.setSessionCookie(w, access)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":       true,
		"access_token":  access,
		"refresh_token": refresh,
		"expires_in":    int64(s.opts.AccessTTL / time.Second),
	})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	remaining := time.UnixMilli(p.token.ExpiresAtMS).Sub(s.store.now())
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"user":       userView(p.user),
		"expires_in": int64(remaining / time.Second),
	})
}

func (s *Server) handleResetRequest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Email) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "email required")
		return
	}
	// The reply is the same whether or not the account exists.
	if user, ok := s.store.UserByEmail(req.Email); ok {
		token, _, err := s.store.IssueToken(user.ID, TokenReset, resetTokenTTL)
		if err != nil {
			s.log.Error("issue reset token", "user", user.Username, "err", err)
		} else {
			s.opts.OnResetToken(user, token)
			s.opts.Journal.Audit(user.Username, "password_reset_requested", nil)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "if the account exists a reset link was sent"})
}

func (s *Server) handleResetConfirm(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token       string `json:"token"`
		NewPassword string `json:"new_password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}
	if len(req.NewPassword) < 4 {
		writeError(w, http.StatusBadRequest, "invalid_input", "password of at least 4 characters required")
		return
	}
	_, user, err := s.store.Consume(req.Token, TokenReset)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_token", "reset token invalid or expired")
		return
	}
	if err := s.store.SetPassword(user.ID, req.NewPassword); err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "could not set password")
		return
	}
	s.store.RevokeUser(user.ID, TokenAccess, TokenRefresh)
	s.opts.Journal.Audit(user.Username, "password_reset", nil)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleOAuthProviders(w http.ResponseWriter, _ *http.Request) {
	out := make([]map[string]string, 0, len(s.opts.OAuthProviders))
	for _, name := range s.opts.OAuthProviders {
		if name == "" {
			continue
		}
		out = append(out, map[string]string{
			"name":     name,
			"label":    strings.ToUpper(name[:1]) + name[1:],
			"auth_url": "/api/auth/oauth/" + name + "/callback",
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "providers": out})
}

func (s *Server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	known := false
	for _, p := range s.opts.OAuthProviders {
		if p == provider {
			known = true
			break
		}
	}
	if !known {
		writeError(w, http.StatusNotFound, "unknown_provider", "oauth provider not configured")
		return
	}
	code := r.URL.Query().Get("code")
	if code == "" || r.URL.Query().Get("state") == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "code and state required")
		return
	}
	user, ok := s.store.UserByName(code)
	if !ok {
		s.logins.WithLabelValues("rejected").Inc()
		writeError(w, http.StatusUnauthorized, "invalid_credentials", "unknown oauth account")
		return
	}
	s.logins.WithLabelValues("ok").Inc()
	s.opts.Journal.Audit(user.Username, "login", map[string]any{"provider": provider})
	s.writeLogin(w, user)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	sessions := s.store.SessionsFor(p.user.Username)
	if sessions == nil {
		sessions = []GameSession{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "sessions": sessions})
}

func extractToken(r *http.Request) string {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[len("Bearer "):])
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"success": false,
		"error":   map[string]string{"code": code, "message": message},
	})
}

func sameHostOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}
