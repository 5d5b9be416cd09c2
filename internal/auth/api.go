package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"
)

// APIClient talks to the server's auth and session HTTP endpoints.
type APIClient struct {
	BaseURL string
	HTTP    *http.Client
}

func NewAPIClient(baseURL string, httpClient *http.Client) *APIClient {
	if httpClient == nil {
		jar, _ := cookiejar.New(nil)
		httpClient = &http.Client{Timeout: 15 * time.Second, Jar: jar}
	}
	return &APIClient{BaseURL: strings.TrimRight(baseURL, "/"), HTTP: httpClient}
}

type UserPayload struct {
	ID          string   `json:"id"`
	Username    string   `json:"username"`
	Role        string   `json:"role,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

type LoginResponse struct {
	Success      bool        `json:"success"`
	User         UserPayload `json:"user"`
	AccessToken  string      `json:"access_token,omitempty"`
	RefreshToken string      `json:"refresh_token,omitempty"`
	// ExpiresIn is the access token (or cookie session) lifetime in seconds.
	ExpiresIn int64 `json:"expires_in,omitempty"`
}

type TokenResponse struct {
	Success      bool   `json:"success"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int64  `json:"expires_in"`
}

type MeResponse struct {
	Success   bool        `json:"success"`
	User      UserPayload `json:"user"`
	ExpiresIn int64       `json:"expires_in,omitempty"`
}

type RegisterRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type OAuthProvider struct {
	Name    string `json:"name"`
	Label   string `json:"label,omitempty"`
	AuthURL string `json:"auth_url"`
}

type sessionsResponse struct {
	Success  bool         `json:"success"`
	Sessions []SessionRef `json:"sessions"`
}

type errorBody struct {
	Success bool      `json:"success"`
	Error   *APIError `json:"error"`
}

func (c *APIClient) Login(ctx context.Context, creds Credentials) (LoginResponse, error) {
	var out LoginResponse
	err := c.do(ctx, http.MethodPost, "/api/auth/login", "", creds, &out)
	return out, err
}

func (c *APIClient) Logout(ctx context.Context, accessToken string) error {
	return c.do(ctx, http.MethodPost, "/api/auth/logout", accessToken, nil, nil)
}

func (c *APIClient) Register(ctx context.Context, req RegisterRequest) error {
	return c.do(ctx, http.MethodPost, "/api/auth/register", "", req, nil)
}

// Me is the "who am I" call; in cookie mode accessToken is empty and the
// session cookie in the jar authenticates.
func (c *APIClient) Me(ctx context.Context, accessToken string) (MeResponse, error) {
	var out MeResponse
	err := c.do(ctx, http.MethodGet, "/api/auth/me", accessToken, nil, &out)
	return out, err
}

func (c *APIClient) Refresh(ctx context.Context, refreshToken string) (TokenResponse, error) {
	var out TokenResponse
	err := c.do(ctx, http.MethodPost, "/api/auth/refresh", "", map[string]string{"refresh_token": refreshToken}, &out)
	return out, err
}

func (c *APIClient) RequestPasswordReset(ctx context.Context, email string) error {
	return c.do(ctx, http.MethodPost, "/api/auth/password-reset/request", "", map[string]string{"email": email}, nil)
}

func (c *APIClient) ConfirmPasswordReset(ctx context.Context, token, newPassword string) error {
	body := map[string]string{"token": token, "new_password": newPassword}
	return c.do(ctx, http.MethodPost, "/api/auth/password-reset/confirm", "", body, nil)
}

func (c *APIClient) OAuthProviders(ctx context.Context) ([]OAuthProvider, error) {
	var out struct {
		Providers []OAuthProvider `json:"providers"`
	}
	err := c.do(ctx, http.MethodGet, "/api/auth/oauth/providers", "", nil, &out)
	return out.Providers, err
}

func (c *APIClient) OAuthCallback(ctx context.Context, provider, code, state string) (LoginResponse, error) {
	q := url.Values{}
	q.Set("code", code)
	q.Set("state", state)
	path := "/api/auth/oauth/" + url.PathEscape(provider) + "/callback?" + q.Encode()
	var out LoginResponse
	err := c.do(ctx, http.MethodGet, path, "", nil, &out)
	return out, err
}

// ListSessions returns the game sessions the user belongs to.
func (c *APIClient) ListSessions(ctx context.Context, accessToken string) ([]SessionRef, error) {
	var out sessionsResponse
	err := c.do(ctx, http.MethodGet, "/api/game/sessions", accessToken, nil, &out)
	return out.Sessions, err
}

func (c *APIClient) do(ctx context.Context, method, path, token string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%s %s: read body: %w", method, path, err)
	}
	if resp.StatusCode >= 400 {
		return decodeAPIError(resp.StatusCode, data)
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return nil
}

func decodeAPIError(status int, data []byte) error {
	var body errorBody
	if err := json.Unmarshal(data, &body); err == nil && body.Error != nil {
		body.Error.Status = status
		return body.Error
	}
	msg := strings.TrimSpace(string(data))
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &APIError{Status: status, Message: msg}
}
