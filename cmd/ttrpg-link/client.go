package main

import (
	"crypto/tls"
	"errors"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"time"

	"github.com/prtfnx/ttrpg-system-sub008/internal/auth"
	"github.com/prtfnx/ttrpg-system-sub008/internal/config"
	"github.com/prtfnx/ttrpg-system-sub008/internal/metrics"
)

// httpBase maps a ws(s) server URL onto the matching http(s) origin for the
// REST endpoints.
func httpBase(u string) string {
	switch {
	case strings.HasPrefix(u, "ws://"):
		return "http://" + strings.TrimPrefix(u, "ws://")
	case strings.HasPrefix(u, "wss://"):
		return "https://" + strings.TrimPrefix(u, "wss://")
	}
	return u
}

func newAPIClient(cfg config.Config) *auth.APIClient {
	jar, _ := cookiejar.New(nil)
	hc := &http.Client{Timeout: 15 * time.Second, Jar: jar}
	if cfg.Server.TLSSkipVerify {
		hc.Transport = &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}} //nolint:gosec
	}
	return auth.NewAPIClient(httpBase(cfg.Server.URL), hc)
}

func newBackend(cfg config.Config, api *auth.APIClient) auth.Backend {
	if cfg.Auth.Mode == "cookie" {
		return &auth.CookieBackend{API: api}
	}
	return &auth.TokenBackend{API: api}
}

func newAuthenticator(cfg config.Config, log *slog.Logger, m *metrics.Metrics) *auth.Authenticator {
	return auth.NewAuthenticator(auth.Config{
		Backend:       newBackend(cfg, newAPIClient(cfg)),
		Logger:        log,
		Metrics:       m,
		RefreshBuffer: cfg.Auth.RefreshBuffer,
	})
}

func credentials(cfg config.Config) (auth.Credentials, error) {
	if cfg.Auth.Username == "" {
		return auth.Credentials{}, errors.New("username required (--username or TTRPG_USERNAME)")
	}
	if cfg.Auth.Password == "" {
		return auth.Credentials{}, errors.New("password required (TTRPG_PASSWORD)")
	}
	return auth.Credentials{Username: cfg.Auth.Username, Password: cfg.Auth.Password}, nil
}
