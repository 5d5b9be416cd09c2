package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/prtfnx/ttrpg-system-sub008/internal/auth"
	"github.com/prtfnx/ttrpg-system-sub008/internal/collab"
	"github.com/prtfnx/ttrpg-system-sub008/internal/events"
	"github.com/prtfnx/ttrpg-system-sub008/internal/journal"
	"github.com/prtfnx/ttrpg-system-sub008/internal/link"
	"github.com/prtfnx/ttrpg-system-sub008/internal/metrics"
	"github.com/prtfnx/ttrpg-system-sub008/internal/registry"
	"github.com/prtfnx/ttrpg-system-sub008/internal/transport"
)

func connectCmd(root *rootOptions) *cobra.Command {
	var username, journalPath string
	cmd := &cobra.Command{
		Use:   "connect [session]",
		Short: "Sign in and stay joined to a game session",
		Long: `Sign in, resolve the session code or name and hold the game socket open
until interrupted. Drops are retried with exponential backoff; tokens are
refreshed before they expire.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := root.load()
			if err != nil {
				return err
			}
			if len(args) == 1 {
				cfg.Session.ID = args[0]
			}
			if username != "" {
				cfg.Auth.Username = username
			}
			if journalPath != "" {
				cfg.Journal.Path = journalPath
			}
			creds, err := credentials(cfg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			reg := prometheus.NewRegistry()
			m := metrics.New(metrics.WithNamespace(cfg.Metrics.Namespace), metrics.WithRegistry(reg))
			if cfg.Metrics.Addr != "" {
				srv := &http.Server{
					Addr:              cfg.Metrics.Addr,
					Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
					ReadHeaderTimeout: 10 * time.Second,
				}
				go func() {
					log.Info("metrics listening", "addr", cfg.Metrics.Addr)
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						log.Error("metrics listener", "err", err)
					}
				}()
				defer srv.Close()
			}

			authn := newAuthenticator(cfg, log, m)
			if err := authn.Login(ctx, creds); err != nil {
				return fmt.Errorf("login: %w", err)
			}

			var rec link.Recorder
			var j *journal.Journal
			if cfg.Journal.Path != "" {
				if j, err = journal.Open(cfg.Journal.Path); err != nil {
					return err
				}
				defer j.Close()
				j.Session = cfg.Session.ID
				j.Payloads = cfg.Journal.Payloads
				j.Audit(creds.Username, "login", nil)
				rec = j
			}

			c, err := link.New(link.Config{
				BaseURL:           cfg.Server.URL,
				Session:           cfg.Session.ID,
				Auth:              authn,
				RetryDelay:        cfg.Session.RetryDelay,
				MaxConnectRetries: cfg.Session.MaxConnectRetries,
				PingInterval:      cfg.Session.PingInterval,
				Transport: &transport.Config{
					ReconnectDelay:       cfg.Transport.ReconnectDelay,
					MaxReconnectAttempts: cfg.Transport.MaxReconnectAttempts,
					QueueSize:            cfg.Transport.QueueSize,
					WriteTimeout:         cfg.Transport.WriteTimeout,
					Dialer: transport.WebsocketDialer{
						HandshakeTimeout: cfg.Transport.HandshakeTimeout,
						TLSSkipVerify:    cfg.Server.TLSSkipVerify,
					},
				},
				Bus:      events.NewBus(log),
				Recorder: rec,
				Logger:   log,
				Metrics:  m,
			})
			if err != nil {
				return err
			}
			defer c.Close()
			registry.Set(c)
			defer registry.Clear()

			scene := collab.NewScene()
			unbind := collab.BindEngine(c, scene, log)
			defer unbind()

			done := make(chan struct{}, 1)
			unwatch := c.Watch(func(s link.Status) {
				log.Info("link status", "condition", s.Condition, "status", s.Text(), "session", s.SessionCode, "client_id", s.ClientID)
				j.Audit(creds.Username, "link_"+string(s.Condition), map[string]any{"session": s.SessionCode, "status": s.Text()})
				if s.Condition == link.ConditionAuthFailed {
					select {
					case done <- struct{}{}:
					default:
					}
				}
			})
			defer unwatch()

			if err := c.Connect(ctx); err != nil {
				if errors.Is(err, transport.ErrUnauthorized) || errors.Is(err, auth.ErrNotAuthenticated) || errors.Is(err, link.ErrNoSession) {
					return err
				}
				log.Warn("initial connect failed, retrying", "err", err)
			}

			select {
			case <-ctx.Done():
				log.Info("shutting down", "tables", len(scene.TableIDs()))
				return nil
			case <-done:
				return errors.New(c.Status().Text())
			}
		},
	}
	cmd.Flags().StringVarP(&username, "username", "u", "", "account name (default from config or TTRPG_USERNAME)")
	cmd.Flags().StringVar(&journalPath, "journal", "", "append session traffic and lifecycle events to this JSONL file")
	return cmd
}
