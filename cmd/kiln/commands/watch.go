package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/dyluth/kiln/internal/printer"
	"github.com/dyluth/kiln/internal/watch"
	"github.com/dyluth/kiln/pkg/candidates"
	"github.com/spf13/cobra"
)

var (
	watchOutput  string
	watchUntil   []string
	watchTimeout time.Duration
)

var watchCmd = &cobra.Command{
	Use:   "watch [KIND [ID]]",
	Short: "Stream candidate changes as they happen",
	Long: `Print every candidate record write, optionally limited to one kind or one
candidate, until interrupted.

With --until, wait for candidate KIND ID to reach one of the given statuses
instead, print its record and exit. A timeout exits non-zero.

Examples:
  kiln watch
  kiln watch plugin --output=json
  kiln watch plugin weather --until=tested,failed --timeout=2m`,
	Args: cobra.MaximumNArgs(2),
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVarP(&watchOutput, "output", "o", "default", "Output format: default or json")
	watchCmd.Flags().StringSliceVar(&watchUntil, "until", nil, "Exit once the candidate reaches one of these statuses")
	watchCmd.Flags().DurationVar(&watchTimeout, "timeout", 5*time.Minute, "How long --until waits")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	format := watch.OutputFormat(watchOutput)
	if format != watch.OutputFormatDefault && format != watch.OutputFormatJSON {
		return printer.Error("invalid output format", fmt.Sprintf("unknown format %q", watchOutput), []string{
			"Valid formats: default, json",
		})
	}

	var filter watch.Filter
	if len(args) > 0 {
		kind, err := parseKind(args[0])
		if err != nil {
			return err
		}
		filter.Kind = kind
	}

	want, err := parseStatuses(watchUntil)
	if err != nil {
		return printer.Error("invalid --until", err.Error(), []string{"Valid statuses: draft, tested, failed, promoted"})
	}
	if len(want) > 0 && len(args) != 2 {
		return printer.Error("--until needs a candidate", "name the candidate to wait for", []string{
			"kiln watch KIND ID --until=tested",
		})
	}

	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	if len(args) == 2 {
		if filter.ID, err = resolveID(cmd.Context(), a, filter.Kind, args[1]); err != nil {
			return err
		}
	}

	if len(want) > 0 {
		cand, err := watch.WaitForStatus(cmd.Context(), a.Store, filter.Kind, filter.ID, watchTimeout, want...)
		if err != nil {
			return printer.ErrorWithContext("watch failed", err.Error(),
				map[string]string{"Kind": string(filter.Kind), "ID": filter.ID}, nil)
		}
		printer.Success("%s/%s is %s\n", cand.Kind, cand.ID, printer.Status(cand.Status))
		return nil
	}

	sub, err := a.Store.SubscribeCandidateEvents(cmd.Context())
	if err != nil {
		return printer.Error("watch failed", err.Error(), nil)
	}
	defer sub.Close()

	if format == watch.OutputFormatDefault {
		printer.Info("Watching %s (Ctrl-C to stop)\n", describeFilter(filter))
	}
	return watch.Stream(cmd.Context(), sub, cmd.OutOrStdout(), format, filter)
}

func parseStatuses(values []string) ([]candidates.Status, error) {
	var out []candidates.Status
	for _, v := range values {
		s := candidates.Status(strings.TrimSpace(v))
		if err := s.Validate(); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func describeFilter(f watch.Filter) string {
	switch {
	case f.ID != "":
		return fmt.Sprintf("%s/%s", f.Kind, f.ID)
	case f.Kind != "":
		return fmt.Sprintf("%s candidates", f.Kind)
	}
	return "all candidates"
}
