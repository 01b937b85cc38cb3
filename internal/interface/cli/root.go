// Package cli wires the deepatch commands. Commands stay thin: they parse
// flags, load configuration, and hand off to the runner or the studio.
package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/YoshitsuguKoike/deepatch/internal/buildinfo"
)

type rootFlags struct {
	root  string
	runID string
}

// NewRootCmd builds the deepatch command tree.
func NewRootCmd() *cobra.Command {
	flags := &rootFlags{}

	cmd := &cobra.Command{
		Use:           "deepatch",
		Short:         "Model-assisted, symbol-level source modification",
		Long:          "deepatch plans, reviews, and edits Go files one symbol at a time,\nwith every change gated, approved, and logged under .deepatch/.",
		Version:       buildinfo.GetVersion(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&flags.root, "root", ".", "repository root")
	cmd.PersistentFlags().StringVar(&flags.runID, "run-id", "", "run id (a new one is allocated when empty)")

	cmd.AddCommand(newInitCmd(flags))
	for _, stage := range []string{"plan", "review", "select", "edit", "repair", "run"} {
		cmd.AddCommand(newStageCmd(flags, stage))
	}
	cmd.AddCommand(newStatusCmd(flags))
	cmd.AddCommand(newStudioCmd(flags))
	cmd.AddCommand(newJobsCmd(flags))
	cmd.AddCommand(newApprovalsCmd(flags))
	return cmd
}

func (f *rootFlags) repoRoot() (string, error) {
	abs, err := filepath.Abs(f.root)
	if err != nil {
		return "", fmt.Errorf("resolve --root: %w", err)
	}
	return abs, nil
}
