package commands

import (
	"time"

	"github.com/dyluth/kiln/internal/inspect"
	"github.com/dyluth/kiln/internal/printer"
	"github.com/dyluth/kiln/internal/timespec"
	"github.com/dyluth/kiln/pkg/candidates"
	"github.com/spf13/cobra"
)

var (
	listOutput string

	eventsOutput string
	eventsSince  string
	eventsUntil  string
	eventsType   string
	eventsKind   string
	eventsID     string
	eventsLimit  int
	eventsLog    string
)

var listCmd = &cobra.Command{
	Use:   "list KIND",
	Short: "List candidates of a kind",
	Long: `List every candidate of KIND in id order.

Output Formats:
  table - Human-readable table (default)
  jsonl - One candidate record per line
  json  - A single JSON array`,
	Args: cobra.ExactArgs(1),
	RunE: runList,
}

var showCmd = &cobra.Command{
	Use:   "show KIND ID",
	Short: "Show one candidate record as JSON",
	Args:  cobra.ExactArgs(2),
	RunE:  runShow,
}

var resolveCmd = &cobra.Command{
	Use:   "resolve KIND",
	Short: "Show the registry the host would load",
	Long: `Resolve the id to artifact mapping for KIND: stable artifacts first,
then candidates whose override is on and whose file loads. When kiln is
disabled only stable artifacts are resolved.`,
	Args: cobra.ExactArgs(1),
	RunE: runResolve,
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Show the lifecycle event, change or error log",
	Long: `Show the most recent entries of one of kiln's bounded logs, newest first.

Logs:
  events  - every lifecycle operation (default)
  changes - promotions only
  errors  - failed operations

Time Filters:
  --since  - Show entries at or after this time
  --until  - Show entries before this time

Examples:
  kiln events --since=1h
  kiln events --log=errors --kind=plugin
  kiln events --type="promot*" --output=jsonl | jq .candidate_id`,
	Args: cobra.NoArgs,
	RunE: runEvents,
}

func init() {
	listCmd.Flags().StringVarP(&listOutput, "output", "o", "table", "Output format: table, jsonl or json")

	eventsCmd.Flags().StringVarP(&eventsOutput, "output", "o", "table", "Output format: table, jsonl or json")
	eventsCmd.Flags().StringVar(&eventsSince, "since", "", "Show entries after time (duration or RFC3339)")
	eventsCmd.Flags().StringVar(&eventsUntil, "until", "", "Show entries before time (duration or RFC3339)")
	eventsCmd.Flags().StringVar(&eventsType, "type", "", "Filter by event type (glob pattern)")
	eventsCmd.Flags().StringVar(&eventsKind, "kind", "", "Filter by kind")
	eventsCmd.Flags().StringVar(&eventsID, "id", "", "Filter by candidate id")
	eventsCmd.Flags().IntVarP(&eventsLimit, "limit", "l", 100, "Maximum entries to read before filtering")
	eventsCmd.Flags().StringVar(&eventsLog, "log", "events", "Log to read: events, changes or errors")

	rootCmd.AddCommand(listCmd, showCmd, resolveCmd, eventsCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	kind, err := parseKind(args[0])
	if err != nil {
		return err
	}
	format, err := inspect.ParseOutputFormat(listOutput)
	if err != nil {
		return printer.Error("invalid output format", err.Error(), nil)
	}

	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	list, err := a.Lifecycle.List(cmd.Context(), kind)
	if err != nil {
		return operationError("list", kind, "", err)
	}

	w := cmd.OutOrStdout()
	switch format {
	case inspect.OutputFormatJSONL:
		return inspect.FormatJSONL(w, list)
	case inspect.OutputFormatJSON:
		return inspect.FormatJSON(w, list)
	}
	inspect.FormatCandidates(w, kind, list, a.Store.Now())
	return nil
}

func runShow(cmd *cobra.Command, args []string) error {
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

	cand, err := a.Lifecycle.Get(cmd.Context(), kind, id)
	if err != nil {
		return operationError("show", kind, id, err)
	}
	return inspect.FormatJSON(cmd.OutOrStdout(), cand)
}

func runResolve(cmd *cobra.Command, args []string) error {
	kind, err := parseKind(args[0])
	if err != nil {
		return err
	}

	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	reg, err := a.Resolver.Resolve(cmd.Context(), kind)
	if err != nil {
		return operationError("resolve", kind, "", err)
	}
	inspect.FormatRegistry(cmd.OutOrStdout(), reg)
	return nil
}

func runEvents(cmd *cobra.Command, args []string) error {
	format, err := inspect.ParseOutputFormat(eventsOutput)
	if err != nil {
		return printer.Error("invalid output format", err.Error(), nil)
	}
	if eventsLimit < 1 || eventsLimit > candidates.MaxEvents {
		return printer.Error("invalid --limit", "limit must be between 1 and the event log capacity", nil)
	}

	window, err := timespec.ParseRange(eventsSince, eventsUntil, time.Now())
	if err != nil {
		return printer.Error("invalid time filter", err.Error(), []string{
			"Use a duration like '1h30m' or an RFC3339 time like '2026-03-14T09:00:00Z'",
		})
	}

	filter := inspect.EventFilter{Window: window, TypeGlob: eventsType, ID: eventsID}
	if eventsKind != "" {
		if filter.Kind, err = parseKind(eventsKind); err != nil {
			return err
		}
	}

	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	var entries []*candidates.Event
	switch eventsLog {
	case "events":
		entries, err = a.Store.Events(cmd.Context(), eventsLimit)
	case "changes":
		entries, err = a.Store.Changes(cmd.Context(), eventsLimit)
	case "errors":
		entries, err = a.Store.Errors(cmd.Context(), eventsLimit)
	default:
		return printer.Error("invalid --log", "unknown log "+eventsLog, []string{"Valid logs: events, changes, errors"})
	}
	if err != nil {
		return printer.Error("failed to read "+eventsLog, err.Error(), nil)
	}

	entries = filter.Apply(entries)

	w := cmd.OutOrStdout()
	switch format {
	case inspect.OutputFormatJSONL:
		return inspect.FormatJSONL(w, entries)
	case inspect.OutputFormatJSON:
		return inspect.FormatJSON(w, entries)
	}
	inspect.FormatEvents(w, entries)
	return nil
}
