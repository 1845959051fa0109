package cmd

import (
	"fmt"
	"time"

	"warden/api"
	"warden/config"

	"github.com/spf13/cobra"
)

func newTokenCmd() *cobra.Command {
	var (
		operator string
		roles    []string
		ttl      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an operator bearer token",
		Long:  "Sign an operator JWT with the configured auth.jwt_secret and auth.issuer.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			if !cfg.Auth.Enabled {
				warningColor.Fprintln(cmd.ErrOrStderr(), "warning: auth.enabled is false; the service will not check this token")
			}

			token, err := api.GenerateToken(cfg.Auth, operator, roles, ttl)
			if err != nil {
				return fmt.Errorf("failed to issue token: %w", err)
			}

			out := cmd.OutOrStdout()
			if outputJSON {
				return writeJSON(out, map[string]interface{}{
					"token":      token,
					"operator":   operator,
					"expires_at": time.Now().Add(ttl).UTC(),
				})
			}
			fmt.Fprintln(out, token)
			return nil
		},
	}

	cmd.Flags().StringVar(&operator, "operator", "", "Operator identity (token subject)")
	cmd.Flags().StringSliceVar(&roles, "roles", nil, "Comma-separated roles")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("operator")
	return cmd
}
