package commands

import (
	"fmt"
	"strconv"

	"github.com/dyluth/kiln/internal/printer"
	"github.com/dyluth/kiln/pkg/candidates"
	"github.com/spf13/cobra"
)

var (
	createSpec string
	createBase string
	updateGoal string
)

var createCmd = &cobra.Command{
	Use:   "create KIND --spec TEXT",
	Short: "Generate a new candidate from a description",
	Long: `Generate a new candidate plugin or platform from a natural-language
description. The candidate id is --base when given, otherwise a slug of the
description. When --base names a stable artifact, its source is sent to the
generator as a starting point.

The new candidate is a draft; run 'kiln validate' before promoting it.

Examples:
  kiln create plugin --spec "Send a daily weather digest"
  kiln create plugin --spec "Add hourly forecasts" --base weather`,
	Args: cobra.ExactArgs(1),
	RunE: runCreate,
}

var updateCmd = &cobra.Command{
	Use:   "update KIND ID --goal TEXT",
	Short: "Regenerate an existing candidate toward a goal",
	Long: `Regenerate candidate ID using its current source and a goal description.
The candidate returns to draft and its last smoke test is discarded. ID is
taken as typed; an ID with no candidate yet is generated from the goal alone.

Example:
  kiln update plugin weather_digest --goal "Include a usage string"`,
	Args: cobra.ExactArgs(2),
	RunE: runUpdate,
}

var validateCmd = &cobra.Command{
	Use:   "validate KIND ID",
	Short: "Smoke-test a candidate",
	Long: `Load the candidate file in an isolated sandbox, check it against the
capability contract and run its self-check. The outcome is recorded on the
candidate. A failing smoke test exits non-zero.`,
	Args: cobra.ExactArgs(2),
	RunE: runValidate,
}

var promoteCmd = &cobra.Command{
	Use:   "promote KIND ID",
	Short: "Copy a tested candidate over its stable artifact",
	Long: `Promote a candidate whose last smoke test passed. The candidate file
replaces the stable artifact, the candidate is marked promoted and its
override is cleared.`,
	Args: cobra.ExactArgs(2),
	RunE: runPromote,
}

var overrideCmd = &cobra.Command{
	Use:   "override KIND ID on|off",
	Short: "Let a candidate shadow its stable artifact",
	Long: `Turn the override flag of a candidate on or off. While on, the registry
resolves ID to the candidate file instead of the stable artifact, as long as
the candidate loads.`,
	Args: cobra.ExactArgs(3),
	RunE: runOverride,
}

func init() {
	createCmd.Flags().StringVarP(&createSpec, "spec", "s", "", "Description of the capability to generate (required)")
	createCmd.Flags().StringVarP(&createBase, "base", "b", "", "Existing id to build on; also the candidate id")
	createCmd.MarkFlagRequired("spec")

	updateCmd.Flags().StringVarP(&updateGoal, "goal", "g", "", "Goal for the regeneration (required)")
	updateCmd.MarkFlagRequired("goal")

	rootCmd.AddCommand(createCmd, updateCmd, validateCmd, promoteCmd, overrideCmd)
}

func runCreate(cmd *cobra.Command, args []string) error {
	kind, err := parseKind(args[0])
	if err != nil {
		return err
	}
	if createBase != "" {
		if err := candidates.ValidateID(createBase); err != nil {
			return printer.Error("invalid --base", err.Error(), nil)
		}
	}

	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	printer.Step("Generating %s...\n", kind)
	cand, err := a.Lifecycle.Create(cmd.Context(), kind, createSpec, createBase)
	if err != nil {
		return operationError("create", kind, createBase, err)
	}

	printer.Success("Created %s candidate %s\n", kind, cand.ID)
	printer.Info("  Path: %s\n", cand.Path)
	printer.Info("\nNext:\n  kiln validate %s %s\n", kind, cand.ID)
	return nil
}

func runUpdate(cmd *cobra.Command, args []string) error {
	kind, err := parseKind(args[0])
	if err != nil {
		return err
	}

	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	id, err := exactID(args[1])
	if err != nil {
		return err
	}

	printer.Step("Regenerating %s/%s...\n", kind, id)
	cand, err := a.Lifecycle.Update(cmd.Context(), kind, id, updateGoal)
	if err != nil {
		return operationError("update", kind, id, err)
	}

	printer.Success("Updated %s candidate %s (status %s)\n", kind, cand.ID, printer.Status(cand.Status))
	return nil
}

func runValidate(cmd *cobra.Command, args []string) error {
	kind, err := parseKind(args[0])
	if err != nil {
		return err
	}

	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	id, err := resolveID(cmd.Context(), a, kind, args[1])
	if err != nil {
		return err
	}

	printer.Step("Smoke-testing %s/%s...\n", kind, id)
	result, _, err := a.Lifecycle.Validate(cmd.Context(), kind, id)
	if err != nil {
		return operationError("validate", kind, id, err)
	}

	if !result.OK {
		return printer.ErrorWithContext(
			"smoke test failed",
			result.Details,
			map[string]string{"Kind": string(kind), "ID": id},
			[]string{fmt.Sprintf("Regenerate with a goal:\n  kiln update %s %s --goal \"...\"", kind, id)},
		)
	}

	printer.Success("Smoke test passed: %s\n", result.Details)
	printer.Info("\nNext:\n  kiln promote %s %s\n", kind, id)
	return nil
}

func runPromote(cmd *cobra.Command, args []string) error {
	kind, err := parseKind(args[0])
	if err != nil {
		return err
	}

	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	id, err := resolveID(cmd.Context(), a, kind, args[1])
	if err != nil {
		return err
	}

	cand, err := a.Lifecycle.Promote(cmd.Context(), kind, id)
	if err != nil {
		return operationError("promote", kind, id, err)
	}

	printer.Success("Promoted %s/%s to %s\n", kind, cand.ID, a.Repo.StablePath(kind, cand.ID))
	return nil
}

func runOverride(cmd *cobra.Command, args []string) error {
	kind, err := parseKind(args[0])
	if err != nil {
		return err
	}

	enabled, err := parseSwitch(args[2])
	if err != nil {
		return printer.Error("invalid override state", err.Error(), []string{"Use 'on' or 'off'"})
	}

	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	id, err := resolveID(cmd.Context(), a, kind, args[1])
	if err != nil {
		return err
	}

	cand, err := a.Lifecycle.ToggleOverride(cmd.Context(), kind, id, enabled)
	if err != nil {
		return operationError("override", kind, id, err)
	}

	state := "off"
	if cand.OverrideEnabled {
		state = "on"
	}
	printer.Success("Override for %s/%s is %s\n", kind, id, state)
	if cand.OverrideEnabled && (cand.LastTest == nil || !cand.LastTest.OK) {
		printer.Warning("%s/%s has no passing smoke test\n", kind, id)
	}
	return nil
}

// parseSwitch accepts on/off as well as any strconv boolean.
func parseSwitch(s string) (bool, error) {
	switch s {
	case "on":
		return true, nil
	case "off":
		return false, nil
	}
	return strconv.ParseBool(s)
}
