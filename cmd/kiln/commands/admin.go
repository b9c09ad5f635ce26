package commands

import (
	"fmt"
	"os"
	"time"

	"github.com/dyluth/kiln/internal/api"
	"github.com/dyluth/kiln/internal/config"
	"github.com/dyluth/kiln/internal/printer"
	"github.com/dyluth/kiln/internal/validator"
	"github.com/spf13/cobra"
)

var (
	tokenSubject string
	tokenRoles   []string
	tokenTTL     time.Duration
)

var enableCmd = &cobra.Command{
	Use:   "enable",
	Short: "Allow lifecycle operations and candidate overrides",
	Args:  cobra.NoArgs,
	RunE:  func(cmd *cobra.Command, args []string) error { return setEnabled(cmd, true) },
}

var disableCmd = &cobra.Command{
	Use:   "disable",
	Short: "Reject lifecycle operations and resolve stable artifacts only",
	Args:  cobra.NoArgs,
	RunE:  func(cmd *cobra.Command, args []string) error { return setEnabled(cmd, false) },
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether kiln is enabled and when kilnd last checked in",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an API token signed with the configured secret",
	Long: `Issue an HS256 bearer token for the kilnd API. The signing secret is read
from the environment variable named by api.jwt_secret_env.

Example:
  kiln token --subject ops --role operator --ttl 12h`,
	Args: cobra.NoArgs,
	RunE: runToken,
}

// smokeCmd is the child side of process-isolated smoke tests.
var smokeCmd = &cobra.Command{
	Use:    validator.SmokeCommand,
	Short:  "Run one smoke test read from stdin (internal)",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return validator.ServeChild(cmd.Context(), validator.ChildInput(cmd.InOrStdin()), cmd.OutOrStdout())
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "", "Token subject (required)")
	tokenCmd.Flags().StringSliceVar(&tokenRoles, "role", nil, "Role to grant; repeatable")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "Token lifetime")
	tokenCmd.MarkFlagRequired("subject")

	rootCmd.AddCommand(enableCmd, disableCmd, statusCmd, tokenCmd, smokeCmd)
}

func setEnabled(cmd *cobra.Command, enabled bool) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.Lifecycle.SetEnabled(cmd.Context(), enabled); err != nil {
		return printer.Error("failed to update the enable flag", err.Error(), nil)
	}

	if enabled {
		printer.Success("Kiln enabled for instance %s\n", a.Config.Instance)
	} else {
		printer.Success("Kiln disabled for instance %s; only stable artifacts resolve\n", a.Config.Instance)
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	enabled, err := a.Lifecycle.Enabled(cmd.Context())
	if err != nil {
		return printer.Error("failed to read the enable flag", err.Error(), nil)
	}
	last, err := a.Store.LastHeartbeat(cmd.Context())
	if err != nil {
		return printer.Error("failed to read the heartbeat", err.Error(), nil)
	}

	state := "disabled"
	if enabled {
		state = "enabled"
	}
	printer.Info("Instance:  %s\n", a.Config.Instance)
	printer.Info("State:     %s\n", state)
	if last.IsZero() {
		printer.Info("Heartbeat: none (kilnd not running)\n")
	} else {
		printer.Info("Heartbeat: %s (%s ago)\n", last.Format(time.RFC3339), a.Store.Now().Sub(last).Truncate(time.Second))
	}
	return nil
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return printer.Error("invalid configuration", err.Error(), nil)
	}

	auth := api.NewAuthenticator(os.Getenv(cfg.API.JWTSecretEnv))
	if !auth.Enabled() {
		return printer.Error(
			"no signing secret",
			fmt.Sprintf("%s is not set.", cfg.API.JWTSecretEnv),
			[]string{fmt.Sprintf("Export the secret kilnd uses:\n  export %s=...", cfg.API.JWTSecretEnv)},
		)
	}

	token, err := auth.Issue(tokenSubject, tokenRoles, tokenTTL)
	if err != nil {
		return printer.Error("failed to sign token", err.Error(), nil)
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
