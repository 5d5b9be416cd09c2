package devserver

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prtfnx/ttrpg-system-sub008/internal/auth"
)

type testEnv struct {
	srv   *Server
	store *Store
	ts    *httptest.Server
	api   *auth.APIClient
}

func newTestEnv(t *testing.T, mutate func(*Options)) *testEnv {
	t.Helper()
	store := newTestStore(t)
	for _, u := range []struct{ name, email, role string }{
		{"gm", "gm@example.com", "gm"},
		{"alice", "alice@example.com", "player"},
		{"bob", "", "player"},
	} {
		_, err := store.CreateUser(u.name, u.email, "pw-"+u.name, u.role)
		require.NoError(t, err)
	}
	require.NoError(t, store.AddSession("ABC123", "Dragon Hoard", []string{"gm", "alice"}))
	require.NoError(t, store.AddSession("ZZZ999", "Goblin Market", []string{"bob"}))

	opts := Options{LoginRatePerMin: 100}
	if mutate != nil {
		mutate(&opts)
	}
	srv := New(store, opts)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &testEnv{srv: srv, store: store, ts: ts, api: auth.NewAPIClient(ts.URL, nil)}
}

func (e *testEnv) login(t *testing.T, user string) auth.LoginResponse {
	t.Helper()
	resp, err := e.api.Login(context.Background(), auth.Credentials{Username: user, Password: "pw-" + user})
	require.NoError(t, err)
	return resp
}

func apiStatus(t *testing.T, err error) (int, string) {
	t.Helper()
	var apiErr *auth.APIError
	require.True(t, errors.As(err, &apiErr), "want *auth.APIError, got %v", err)
	return apiErr.Status, apiErr.Code
}

func TestLogin(t *testing.T) {
	env := newTestEnv(t, nil)
	resp := env.login(t, "gm")
	assert.True(t, resp.Success)
	assert.Equal(t, "gm", resp.User.Username)
	assert.Equal(t, "gm", resp.User.Role)
	assert.NotEmpty(t, resp.AccessToken)
	assert.NotEmpty(t, resp.RefreshToken)
	assert.EqualValues(t, 900, resp.ExpiresIn)

	_, err := env.api.Login(context.Background(), auth.Credentials{Username: "gm", Password: "nope"})
	status, code := apiStatus(t, err)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "invalid_credentials", code)
	assert.ErrorIs(t, err, auth.ErrUnauthorized)
}

func TestLoginRateLimited(t *testing.T) {
	env := newTestEnv(t, func(o *Options) { o.LoginRatePerMin = 2 })
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := env.api.Login(ctx, auth.Credentials{Username: "gm", Password: "nope"})
		status, _ := apiStatus(t, err)
		assert.Equal(t, http.StatusUnauthorized, status)
	}
	_, err := env.api.Login(ctx, auth.Credentials{Username: "gm", Password: "pw-gm"})
	status, code := apiStatus(t, err)
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.Equal(t, "rate_limited", code)
}

func TestListSessions(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	resp := env.login(t, "alice")

	sessions, err := env.api.ListSessions(ctx, resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, []auth.SessionRef{{Code: "ABC123", Name: "Dragon Hoard"}}, sessions)

	_, err = auth.NewAPIClient(env.ts.URL, nil).ListSessions(ctx, "")
	status, _ := apiStatus(t, err)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestRefreshRotates(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	first := env.login(t, "gm")

	next, err := env.api.Refresh(ctx, first.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, first.AccessToken, next.AccessToken)
	assert.NotEqual(t, first.RefreshToken, next.RefreshToken)
	assert.EqualValues(t, 900, next.ExpiresIn)

	_, err = env.api.Refresh(ctx, first.RefreshToken)
	status, code := apiStatus(t, err)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "invalid_token", code)

	me, err := env.api.Me(ctx, next.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "gm", me.User.Username)
	assert.InDelta(t, 900, me.ExpiresIn, 2)
}

func TestLogoutRevokes(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	resp := env.login(t, "gm")
	require.NoError(t, env.api.Logout(ctx, resp.AccessToken))

	_, err := env.api.Me(ctx, resp.AccessToken)
	status, _ := apiStatus(t, err)
	assert.Equal(t, http.StatusUnauthorized, status)
	_, err = env.api.Refresh(ctx, resp.RefreshToken)
	assert.ErrorIs(t, err, auth.ErrUnauthorized)
}

func TestRegister(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	require.NoError(t, env.api.Register(ctx, auth.RegisterRequest{Username: "carol", Email: "c@example.com", Password: "pw-carol"}))
	resp := env.login(t, "carol")
	assert.Equal(t, "player", resp.User.Role)

	err := env.api.Register(ctx, auth.RegisterRequest{Username: "Carol", Password: "whatever"})
	status, code := apiStatus(t, err)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "user_exists", code)

	err = env.api.Register(ctx, auth.RegisterRequest{Username: "dave", Password: "x"})
	status, _ = apiStatus(t, err)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestPasswordReset(t *testing.T) {
	var mu sync.Mutex
	var issued string
	env := newTestEnv(t, func(o *Options) {
		o.OnResetToken = func(_ UserRecord, token string) {
			mu.Lock()
			defer mu.Unlock()
			issued = token
		}
	})
	ctx := context.Background()
	old := env.login(t, "alice")

	require.NoError(t, env.api.RequestPasswordReset(ctx, "nobody@example.com"))
	mu.Lock()
	assert.Empty(t, issued, "unknown accounts get the same reply and no token")
	mu.Unlock()

	require.NoError(t, env.api.RequestPasswordReset(ctx, "ALICE@example.com"))
	mu.Lock()
	token := issued
	mu.Unlock()
	require.NotEmpty(t, token)

	require.NoError(t, env.api.ConfirmPasswordReset(ctx, token, "changed"))
	_, err := env.api.Login(ctx, auth.Credentials{Username: "alice", Password: "changed"})
	require.NoError(t, err)

	_, err = env.api.Me(ctx, old.AccessToken)
	assert.ErrorIs(t, err, auth.ErrUnauthorized, "a reset signs out existing sessions")

	err = env.api.ConfirmPasswordReset(ctx, token, "again")
	status, code := apiStatus(t, err)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid_token", code)
}

func TestOAuth(t *testing.T) {
	env := newTestEnv(t, func(o *Options) { o.OAuthProviders = []string{"discord"} })
	ctx := context.Background()

	providers, err := env.api.OAuthProviders(ctx)
	require.NoError(t, err)
	require.Len(t, providers, 1)
	assert.Equal(t, "discord", providers[0].Name)
	assert.Equal(t, "Discord", providers[0].Label)

	resp, err := env.api.OAuthCallback(ctx, "discord", "bob", "xyz")
	require.NoError(t, err)
	assert.Equal(t, "bob", resp.User.Username)
	assert.NotEmpty(t, resp.AccessToken)

	_, err = env.api.OAuthCallback(ctx, "github", "bob", "xyz")
	status, _ := apiStatus(t, err)
	assert.Equal(t, http.StatusNotFound, status)

	_, err = env.api.OAuthCallback(ctx, "discord", "bob", "")
	status, _ = apiStatus(t, err)
	assert.Equal(t, http.StatusBadRequest, status)

	_, err = env.api.OAuthCallback(ctx, "discord", "mallory", "xyz")
	assert.ErrorIs(t, err, auth.ErrUnauthorized)
}

func TestCookieBackend(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	backend := &auth.CookieBackend{API: env.api}

	id, err := backend.Login(ctx, auth.Credentials{Username: "gm", Password: "pw-gm"})
	require.NoError(t, err)
	assert.Empty(t, id.AccessToken, "cookie mode keeps no tokens")
	assert.Equal(t, "gm", id.Username)

	restored, err := backend.Validate(ctx)
	require.NoError(t, err)
	assert.Equal(t, id.UserID, restored.UserID)

	sessions, err := backend.ListSessions(ctx, id)
	require.NoError(t, err)
	assert.Len(t, sessions, 1)

	require.NoError(t, backend.Logout(ctx, id))
	_, err = backend.Validate(ctx)
	assert.ErrorIs(t, err, auth.ErrUnauthorized)
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t, nil)
	env.login(t, "gm")

	resp, err := http.Get(env.ts.URL + "/api/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(env.ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `ttrpg_devserver_logins_total{result="ok"} 1`)
}

func TestMeUsesTokenQueryParam(t *testing.T) {
	env := newTestEnv(t, nil)
	resp := env.login(t, "gm")
	req, err := http.NewRequest(http.MethodGet, env.ts.URL+"/api/auth/me?token="+resp.AccessToken, nil)
	require.NoError(t, err)
	client := &http.Client{Timeout: 5 * time.Second}
	res, err := client.Do(req)
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestConcurrentRefreshRotatesOnce(t *testing.T) {
	env := newTestEnv(t, nil)
	first := env.login(t, "gm")

	var wg sync.WaitGroup
	var mu sync.Mutex
	rotated := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := env.api.Refresh(context.Background(), first.RefreshToken); err == nil {
				mu.Lock()
				rotated++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, rotated)
}

func TestSameHostOrigin(t *testing.T) {
	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"http://game.test", true},
		{"https://GAME.test", true},
		{"http://game.test.evil.com", false},
		{"http://evil.com/?game.test", false},
		{"http://game.test:8080", false},
		{"game.test", false},
	}
	for _, tc := range tests {
		r := httptest.NewRequest(http.MethodGet, "http://game.test/ws/game/ABC123", nil)
		if tc.origin != "" {
			r.Header.Set("Origin", tc.origin)
		}
		assert.Equal(t, tc.want, sameHostOrigin(r), "origin %q", tc.origin)
	}
}
