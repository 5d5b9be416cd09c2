package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/prtfnx/ttrpg-system-sub008/internal/devserver"
	"github.com/prtfnx/ttrpg-system-sub008/internal/journal"
)

func devserverCmd(root *rootOptions) *cobra.Command {
	var addr string
	var oauth []string
	cmd := &cobra.Command{
		Use:   "devserver",
		Short: "Run a local game server for development and tests",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := root.load()
			if err != nil {
				return err
			}
			dc := cfg.DevServer
			if addr != "" {
				dc.Addr = addr
			}

			store := devserver.NewStore()
			if dc.DBPath != "" {
				if store, err = devserver.OpenStore(dc.DBPath); err != nil {
					return err
				}
			}
			defer store.Close()
			if err := devserver.Seed(store, dc); err != nil {
				return err
			}

			var j *journal.Journal
			if dc.Journal != "" {
				if j, err = journal.Open(dc.Journal); err != nil {
					return err
				}
				defer j.Close()
			}

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
			api := devserver.New(store, devserver.Options{
				AccessTTL:       dc.AccessTokenTTL,
				RefreshTTL:      dc.RefreshTokenTTL,
				LoginRatePerMin: dc.LoginRatePerMin,
				OAuthProviders:  oauth,
				Journal:         j,
				Logger:          log,
				Registry:        reg,
			})

			srv := &http.Server{
				Addr:              dc.Addr,
				Handler:           api.Router(),
				ReadHeaderTimeout: 10 * time.Second,
			}
			errc := make(chan error, 1)
			go func() {
				log.Info("devserver listening", "addr", dc.Addr)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errc <- err
				}
			}()

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
			select {
			case <-stop:
			case err := <-errc:
				return err
			}
			log.Info("devserver shutting down")
			ctx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
			defer cancel()
			return srv.Shutdown(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config, :12345)")
	cmd.Flags().StringSliceVar(&oauth, "oauth-provider", nil, "enable a dev OAuth provider by name (repeatable)")
	return cmd
}
