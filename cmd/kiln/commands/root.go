package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/dyluth/kiln/internal/app"
	"github.com/dyluth/kiln/internal/artifacts"
	"github.com/dyluth/kiln/internal/config"
	"github.com/dyluth/kiln/internal/generator"
	"github.com/dyluth/kiln/internal/lifecycle"
	"github.com/dyluth/kiln/internal/printer"
	"github.com/dyluth/kiln/internal/shortid"
	"github.com/dyluth/kiln/pkg/candidates"
	"github.com/spf13/cobra"
)

var (
	version string
	commit  string
	date    string

	configPath string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "kiln",
	Short: "Kiln - generate, smoke-test and promote host plugins and platforms",
	Long: `Kiln turns natural-language requests into candidate plugins and platform
adapters, smoke-tests them in isolation, and promotes tested candidates into
the stable tree the host loads.

Candidate metadata lives in Redis; artifact sources live on disk under the
configured artifact root.`,
	Version: version,
	// Prevent silent success when unknown flags are passed to root command
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
	FParseErrWhitelist: cobra.FParseErrWhitelist{},
}

// Execute runs the root command with ctx.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute(ctx context.Context) error {
	// Errors are printed by the printer package
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	return rootCmd.ExecuteContext(ctx)
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "Path to kiln.yml")
}

// openApp loads the configuration and connects every component.
func openApp(ctx context.Context) (*app.App, error) {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return nil, printer.Error(
			"invalid configuration",
			err.Error(),
			[]string{fmt.Sprintf("Fix %s and retry", configPath)},
		)
	}

	a, err := app.New(ctx, cfg, app.Options{})
	if err != nil {
		return nil, printer.ErrorWithContext(
			"failed to start kiln",
			err.Error(),
			map[string]string{"Redis": cfg.RedisURL, "Instance": cfg.Instance},
			[]string{
				"Start Redis:\n  docker run -d -p 6379:6379 redis:7-alpine",
				fmt.Sprintf("Point kiln at a running Redis:\n  export %s=redis://host:6379/0", config.EnvRedisURL),
			},
		)
	}
	return a, nil
}

// parseKind validates the KIND argument shared by most commands.
func parseKind(s string) (candidates.Kind, error) {
	kind, err := candidates.ParseKind(s)
	if err != nil {
		return "", printer.Error(
			"unknown kind",
			err.Error(),
			[]string{"Valid kinds: plugin, platform"},
		)
	}
	return kind, nil
}

// resolveID expands a unique id prefix typed by the user to the full
// candidate id. An id that has a record is never expanded; an expansion is
// announced so the user sees which candidate is acted on.
func resolveID(ctx context.Context, a *app.App, kind candidates.Kind, input string) (string, error) {
	id, err := shortid.Resolve(ctx, a.Store, kind, input)
	if err == nil {
		if id != input {
			printer.Warning("'%s' expanded to %s/%s\n", input, kind, id)
		}
		return id, nil
	}

	var amb *shortid.AmbiguousError
	if errors.As(err, &amb) {
		return "", printer.ErrorWithContext(
			"ambiguous id",
			fmt.Sprintf("'%s' matches several %s candidates:\n%s", input, kind, amb.Describe()),
			map[string]string{"Kind": string(kind)},
			[]string{"Type more of the id", fmt.Sprintf("List candidates:\n  kiln list %s", kind)},
		)
	}
	if candidates.ValidateID(input) != nil {
		return "", printer.Error("invalid id", err.Error(), []string{
			"Ids may contain letters, digits, '-' and '_' only",
		})
	}
	return "", printer.Error("failed to resolve id", err.Error(), nil)
}

// exactID checks an id that must not be expanded, such as the target of
// update which may name a candidate that does not exist yet.
func exactID(input string) (string, error) {
	if err := candidates.ValidateID(input); err != nil {
		return "", printer.Error("invalid id", err.Error(), []string{
			"Ids may contain letters, digits, '-' and '_' only",
		})
	}
	return input, nil
}

// operationError renders a lifecycle failure with the next step to take.
func operationError(op string, kind candidates.Kind, id string, err error) error {
	title := fmt.Sprintf("%s failed", op)
	ctx := map[string]string{"Kind": string(kind)}
	if id != "" {
		ctx["ID"] = id
	}

	switch {
	case errors.Is(err, lifecycle.ErrNotFound):
		return printer.ErrorWithContext(title, err.Error(), ctx, []string{
			fmt.Sprintf("List existing candidates:\n  kiln list %s", kind),
		})
	case errors.Is(err, artifacts.ErrMissingArtifact):
		return printer.ErrorWithContext(title, err.Error(), ctx, []string{
			fmt.Sprintf("Regenerate the candidate file:\n  kiln update %s %s --goal \"...\"", kind, id),
		})
	case errors.Is(err, lifecycle.ErrNotTested):
		return printer.ErrorWithContext(title, err.Error(), ctx, []string{
			fmt.Sprintf("Run the smoke test first:\n  kiln validate %s %s", kind, id),
		})
	case errors.Is(err, lifecycle.ErrDisabled):
		return printer.ErrorWithContext(title, err.Error(), ctx, []string{
			"Re-enable kiln:\n  kiln enable",
		})
	case errors.Is(err, generator.ErrGeneration):
		return printer.ErrorWithContext(title, err.Error(), ctx, []string{
			"Check generator.endpoint in kiln.yml",
			"Check that the generator API key variable is exported",
		})
	case errors.Is(err, candidates.ErrConflict):
		return printer.ErrorWithContext(title, err.Error(), ctx, []string{
			"Another writer kept changing this candidate; retry the command",
		})
	}
	return printer.ErrorWithContext(title, err.Error(), ctx, nil)
}
