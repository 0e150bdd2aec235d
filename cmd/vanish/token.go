package main

import (
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"vanish/svc/auth"
)

var (
	tokenUser  string
	tokenAdmin bool
	tokenTTL   time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Sign a caller token with JWT_SECRET",
	RunE: func(cmd *cobra.Command, args []string) error {
		loadDotEnv()
		secret := os.Getenv("JWT_SECRET")
		if secret == "" {
			return errors.New("JWT_SECRET is not set")
		}
		tokens, err := auth.NewTokens([]byte(secret))
		if err != nil {
			return err
		}
		tok, err := tokens.Issue(auth.Caller{Username: tokenUser, Admin: tokenAdmin}, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenUser, "user", "", "username carried by the token")
	tokenCmd.Flags().BoolVar(&tokenAdmin, "admin", false, "grant admin privileges (never-expiring secrets)")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")
	_ = tokenCmd.MarkFlagRequired("user")
}
