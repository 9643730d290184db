// Package token implements the command that issues API bearer tokens.
package token

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tphakala/trafficsat/internal/api/auth"
	"github.com/tphakala/trafficsat/internal/conf"
	"github.com/tphakala/trafficsat/internal/errors"
	"github.com/tphakala/trafficsat/internal/logger"
)

// Command creates the token command.
func Command(settings *conf.Settings) *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the analyze endpoints",
		Long:  "Sign a token with webserver.tokensecret for POST /api/v2/traffic/analyze/*.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if settings.WebServer.TokenSecret == "" {
				return errors.Newf("webserver.tokensecret is not set, the analyze endpoints are unauthenticated").
					Component("token").
					Category(errors.CategoryConfiguration).
					Build()
			}
			svc, err := auth.NewTokenService(settings.WebServer.TokenSecret, logger.Global().Module("api"))
			if err != nil {
				return err
			}
			tok, err := svc.Issue(subject, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), tok)
			return err
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "operator", "Token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", auth.DefaultTokenTTL, "Token lifetime")

	return cmd
}
