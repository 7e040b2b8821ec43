package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Tyrowin/gochat-gateway/internal/auth"
	"github.com/Tyrowin/gochat-gateway/internal/push"
	"github.com/Tyrowin/gochat-gateway/internal/server"
)

func buildMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Long: `Apply the embedded schema migrations to the database selected by
STORE_DRIVER and DATABASE_URL. Already applied migrations are skipped.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := server.LoadConfig()
			if err != nil {
				return err
			}
			s, err := openSQL(cmd.Context(), cfg.Store)
			if err != nil {
				return err
			}
			defer s.Close()
			if err := s.Migrate(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "migrations applied (%s)\n", cfg.Store.Driver)
			return nil
		},
	}
}

func buildTokenCmd() *cobra.Command {
	var (
		id     auth.Identity
		ttl    time.Duration
		secret string
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a session token for local testing",
		Example: `  AUTH_SECRET=dev server token --user u1 --name Alice
  server token --secret dev --user u1 --ttl 1h`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if secret == "" {
				cfg, err := server.LoadConfig()
				if err != nil {
					return err
				}
				secret = cfg.AuthSecret
			}
			token, err := auth.Issue(secret, id, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&id.ID, "user", "", "User id placed in the token subject")
	cmd.Flags().StringVar(&id.Name, "name", "", "Display name")
	cmd.Flags().StringVar(&id.Email, "email", "", "Email address")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime; 0 issues a token without expiry")
	cmd.Flags().StringVar(&secret, "secret", "", "Signing secret (default AUTH_SECRET)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func buildVAPIDCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "vapid",
		Short: "Generate a VAPID key pair for web push",
		RunE: func(cmd *cobra.Command, _ []string) error {
			privateKey, publicKey, err := push.GenerateVAPIDKeys()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "VAPID_PUBLIC_KEY=%s\n", publicKey)
			fmt.Fprintf(out, "VAPID_PRIVATE_KEY=%s\n", privateKey)
			return nil
		},
	}
}
