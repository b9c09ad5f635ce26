package commands

import (
	"github.com/dyluth/kiln/internal/printer"
	"github.com/dyluth/kiln/internal/scaffold"
	"github.com/spf13/cobra"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init [DIR]",
	Short: "Create kiln.yml and the artifact trees",
	Long: `Initialize a kiln workspace in DIR (default: the current directory).

Creates:
  kiln.yml              - configuration with every default spelled out
  stable/plugins/       - promoted plugins, with an _example.go to copy
  stable/platforms/     - promoted platforms, with an _example.go to copy
  candidates/plugins/   - generated plugin candidates
  candidates/platforms/ - generated platform candidates

Files whose name starts with an underscore are never resolved.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVarP(&initForce, "force", "f", false, "Remove an existing kiln.yml and artifact trees first")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	dir := "."
	if len(args) == 1 {
		dir = args[0]
	}

	if !initForce {
		if err := scaffold.CheckExisting(dir); err != nil {
			return printer.Error("init failed", err.Error(), nil)
		}
	}

	if err := scaffold.Initialize(dir, initForce); err != nil {
		return printer.Error("init failed", err.Error(), nil)
	}

	scaffold.PrintSuccess()
	return nil
}
