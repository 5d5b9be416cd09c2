// Package config loads client and dev server settings from a YAML file,
// TTRPG_* environment variables and command line flags, in that order.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Session   SessionConfig   `yaml:"session"`
	Transport TransportConfig `yaml:"transport"`
	Journal   JournalConfig   `yaml:"journal"`
	Log       LogConfig       `yaml:"log"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	DevServer DevServerConfig `yaml:"devserver"`
}

type ServerConfig struct {
	// URL is the game server origin; http(s) and ws(s) are both accepted.
	URL           string `yaml:"url"`
	TLSSkipVerify bool   `yaml:"tls_skip_verify"`
}

type AuthConfig struct {
	// Mode is "token" or "cookie".
	Mode          string        `yaml:"mode"`
	Username      string        `yaml:"username"`
	Password      string        `yaml:"-"`
	RefreshBuffer time.Duration `yaml:"refresh_buffer"`
}

type SessionConfig struct {
	// ID is the session code or display name to join.
	ID                string        `yaml:"id"`
	RetryDelay        time.Duration `yaml:"retry_delay"`
	MaxConnectRetries int           `yaml:"max_connect_retries"`
	PingInterval      time.Duration `yaml:"ping_interval"`
}

type TransportConfig struct {
	ReconnectDelay       time.Duration `yaml:"reconnect_delay"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	QueueSize            int           `yaml:"queue_size"`
	WriteTimeout         time.Duration `yaml:"write_timeout"`
	HandshakeTimeout     time.Duration `yaml:"handshake_timeout"`
}

type JournalConfig struct {
	Path     string `yaml:"path"`
	Payloads bool   `yaml:"payloads"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	Namespace string `yaml:"namespace"`
	// Addr serves /metrics for the client when set.
	Addr string `yaml:"addr"`
}

type DevServerConfig struct {
	Addr string `yaml:"addr"`
	// DBPath is the sqlite file for users and tokens; empty keeps them in
	// memory.
	DBPath          string        `yaml:"db_path"`
	AccessTokenTTL  time.Duration `yaml:"access_token_ttl"`
	RefreshTokenTTL time.Duration `yaml:"refresh_token_ttl"`
	LoginRatePerMin int           `yaml:"login_rate_per_min"`
	// Users seeds accounts as "name:password[:role]" entries.
	Users    []string      `yaml:"users"`
	Sessions []SessionSeed `yaml:"sessions"`
	Journal  string        `yaml:"journal"`
}

type SessionSeed struct {
	Code    string   `yaml:"code"`
	Name    string   `yaml:"name"`
	Members []string `yaml:"members"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{URL: "http://127.0.0.1:12345"},
		Auth:   AuthConfig{Mode: "token", RefreshBuffer: 5 * time.Minute},
		Session: SessionConfig{
			RetryDelay:        2 * time.Second,
			MaxConnectRetries: 3,
			PingInterval:      30 * time.Second,
		},
		Transport: TransportConfig{
			ReconnectDelay:       time.Second,
			MaxReconnectAttempts: 5,
			QueueSize:            256,
			WriteTimeout:         10 * time.Second,
			HandshakeTimeout:     10 * time.Second,
		},
		Log:     LogConfig{Level: "info", Format: "json"},
		Metrics: MetricsConfig{Namespace: "ttrpg"},
		DevServer: DevServerConfig{
			Addr:            ":12345",
			AccessTokenTTL:  15 * time.Minute,
			RefreshTokenTTL: 7 * 24 * time.Hour,
			LoginRatePerMin: 20,
		},
	}
}

// Load reads path over the defaults and applies environment overrides. An
// empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.ApplyEnv(os.Getenv)
	return cfg, nil
}

// ApplyEnv overrides fields from TTRPG_* variables read through getenv.
func (c *Config) ApplyEnv(getenv func(string) string) {
	e := envReader{get: getenv}
	c.Server.URL = e.str("TTRPG_SERVER_URL", c.Server.URL)
	c.Server.TLSSkipVerify = e.boolean("TTRPG_TLS_SKIP_VERIFY", c.Server.TLSSkipVerify)
	c.Auth.Mode = e.str("TTRPG_AUTH_MODE", c.Auth.Mode)
	c.Auth.Username = e.str("TTRPG_USERNAME", c.Auth.Username)
	c.Auth.Password = e.str("TTRPG_PASSWORD", c.Auth.Password)
	c.Auth.RefreshBuffer = e.duration("TTRPG_REFRESH_BUFFER", c.Auth.RefreshBuffer)
	c.Session.ID = e.str("TTRPG_SESSION", c.Session.ID)
	c.Session.MaxConnectRetries = e.integer("TTRPG_MAX_CONNECT_RETRIES", c.Session.MaxConnectRetries)
	c.Session.PingInterval = e.duration("TTRPG_PING_INTERVAL", c.Session.PingInterval)
	c.Transport.ReconnectDelay = e.duration("TTRPG_RECONNECT_DELAY", c.Transport.ReconnectDelay)
	c.Transport.MaxReconnectAttempts = e.integer("TTRPG_MAX_RECONNECT_ATTEMPTS", c.Transport.MaxReconnectAttempts)
	c.Journal.Path = e.str("TTRPG_JOURNAL", c.Journal.Path)
	c.Log.Level = e.str("TTRPG_LOG_LEVEL", c.Log.Level)
	c.Log.Format = e.str("TTRPG_LOG_FORMAT", c.Log.Format)
	c.Metrics.Addr = e.str("TTRPG_METRICS_ADDR", c.Metrics.Addr)
	c.DevServer.Addr = e.str("TTRPG_DEVSERVER_ADDR", c.DevServer.Addr)
	c.DevServer.DBPath = e.str("TTRPG_DEVSERVER_DB", c.DevServer.DBPath)
	if users := ParseCSV(e.get("TTRPG_DEVSERVER_USERS")); len(users) > 0 {
		c.DevServer.Users = users
	}
	c.DevServer.Journal = e.str("TTRPG_DEVSERVER_JOURNAL", c.DevServer.Journal)
}

func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Server.URL) == "" {
		errs = append(errs, errors.New("server.url is required"))
	} else if u, err := url.Parse(c.Server.URL); err != nil {
		errs = append(errs, fmt.Errorf("server.url: %w", err))
	} else {
		switch u.Scheme {
		case "http", "https", "ws", "wss":
		default:
			errs = append(errs, fmt.Errorf("server.url: unsupported scheme %q", u.Scheme))
		}
	}
	switch c.Auth.Mode {
	case "token", "cookie":
	default:
		errs = append(errs, fmt.Errorf("auth.mode must be token or cookie, got %q", c.Auth.Mode))
	}
	if c.Auth.RefreshBuffer < 0 {
		errs = append(errs, errors.New("auth.refresh_buffer must not be negative"))
	}
	if c.Session.MaxConnectRetries < 0 || c.Transport.MaxReconnectAttempts < 0 {
		errs = append(errs, errors.New("retry limits must not be negative"))
	}
	if c.Transport.ReconnectDelay <= 0 || c.Session.RetryDelay <= 0 {
		errs = append(errs, errors.New("retry delays must be positive"))
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format must be json or text, got %q", c.Log.Format))
	}
	for _, u := range c.DevServer.Users {
		if _, _, _, err := ParseUser(u); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Logger builds the process logger the way Log describes.
func (l LogConfig) Logger(w io.Writer) (*slog.Logger, error) {
	level, err := ParseLevel(l.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts)), nil
	}
	return slog.New(slog.NewJSONHandler(w, opts)), nil
}

func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return level, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

func ParseCSV(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		s := strings.TrimSpace(r)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// ParseUser splits a "name:password[:role]" seed entry. Role defaults to
// "player".
func ParseUser(v string) (name, password, role string, err error) {
	parts := strings.SplitN(v, ":", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", "", fmt.Errorf("invalid user seed %q: want name:password[:role]", v)
	}
	role = "player"
	if len(parts) == 3 && parts[2] != "" {
		role = parts[2]
	}
	return parts[0], parts[1], role, nil
}

type envReader struct {
	get func(string) string
}

func (e envReader) str(k, fallback string) string {
	v := e.get(k)
	if v == "" {
		return fallback
	}
	return v
}

func (e envReader) boolean(k string, fallback bool) bool {
	v := e.get(k)
	if v == "" {
		return fallback
	}
	return v == "1" || strings.EqualFold(v, "true") || v == "yes"
}

func (e envReader) integer(k string, fallback int) int {
	v := e.get(k)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func (e envReader) duration(k string, fallback time.Duration) time.Duration {
	v := e.get(k)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
