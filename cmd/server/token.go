package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/remote-agent-terminal/gateway/internal/auth"
	"github.com/remote-agent-terminal/gateway/internal/model"
)

var tokenFlags struct {
	name string
	ext  string
	ttl  time.Duration
}

var tokenCmd = &cobra.Command{
	Use:   "token <identity-id>",
	Short: "Issue a bearer token for an identity",
	Long: `Issue a bearer token signed with the configured auth secret. Intended for
development and for service accounts of the commit and deployment pipelines.`,
	Args: cobra.ExactArgs(1),
	RunE: runToken,
}

func init() {
	tokenCmd.Flags().StringVar(&tokenFlags.name, "name", "", "display name")
	tokenCmd.Flags().StringVar(&tokenFlags.ext, "external-id", "", "external account id")
	tokenCmd.Flags().DurationVar(&tokenFlags.ttl, "ttl", 24*time.Hour, "token lifetime")
	rootCmd.AddCommand(tokenCmd)
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Auth.Secret == "" {
		return errors.New("auth secret is required (AUTH_SECRET)")
	}
	if tokenFlags.ttl <= 0 {
		return errors.New("--ttl must be positive")
	}

	guard := auth.NewGuard(cfg.Auth.Secret, cfg.Auth.Issuer)
	token, err := guard.Issue(model.Identity{
		ID:         args[0],
		ExternalID: tokenFlags.ext,
		Name:       tokenFlags.name,
	}, tokenFlags.ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
