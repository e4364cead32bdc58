package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"plantpod-gateway/internal/auth"
	"plantpod-gateway/internal/config"
)

// newTokenCmd mints a viewer token with the configured secret, for local testing.
func newTokenCmd(configPath *string) *cobra.Command {
	var (
		owner string
		ttl   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a viewer JWT for an owner id",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if owner == "" {
				return errors.New("--owner is required")
			}
			cfg, err := config.LoadConfig(*configPath)
			if err != nil {
				return err
			}
			tok, err := auth.NewAuthManager(cfg.Auth.JWTSecret, nil).GenerateJWT(owner, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "Owner id to put in the token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	return cmd
}
