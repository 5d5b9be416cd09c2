package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/prtfnx/ttrpg-system-sub008/internal/auth"
)

func loginCmd(root *rootOptions) *cobra.Command {
	var username string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Check credentials and list the sessions the account can join",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := root.load()
			if err != nil {
				return err
			}
			if username != "" {
				cfg.Auth.Username = username
			}
			creds, err := credentials(cfg)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			authn := newAuthenticator(cfg, log, nil)
			if err := authn.Login(ctx, creds); err != nil {
				return fmt.Errorf("login: %w", err)
			}
			id, _ := authn.Identity()
			sessions, err := authn.ListSessions(ctx)
			if err != nil {
				return fmt.Errorf("list sessions: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "signed in as %s (%s)\n", id.Username, id.Role)
			if !id.ExpiresAt.IsZero() {
				fmt.Fprintf(out, "credential valid until %s\n", id.ExpiresAt.Format(time.RFC3339))
			}
			if len(sessions) == 0 {
				fmt.Fprintln(out, "no sessions")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "CODE\tNAME")
			for _, s := range sessions {
				fmt.Fprintf(tw, "%s\t%s\n", s.Code, s.Name)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVarP(&username, "username", "u", "", "account name")
	return cmd
}

func registerCmd(root *rootOptions) *cobra.Command {
	var username, email string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create an account (password from TTRPG_PASSWORD)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := root.load()
			if err != nil {
				return err
			}
			if username != "" {
				cfg.Auth.Username = username
			}
			creds, err := credentials(cfg)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			err = newAPIClient(cfg).Register(ctx, auth.RegisterRequest{
				Username: creds.Username,
				Email:    email,
				Password: creds.Password,
			})
			if err != nil {
				return fmt.Errorf("register: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "registered %s\n", creds.Username)
			return nil
		},
	}
	cmd.Flags().StringVarP(&username, "username", "u", "", "account name")
	cmd.Flags().StringVar(&email, "email", "", "email for password resets")
	return cmd
}
