package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/YoshitsuguKoike/deepatch/internal/app"
	"github.com/YoshitsuguKoike/deepatch/internal/infrastructure/persistence/file"
)

func newStatusCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show a run's record and per-file progress",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := flags.repoRoot()
			if err != nil {
				return err
			}
			runID := flags.runID
			if runID == "" {
				runID = app.LatestRunID(root)
			}
			if runID == "" {
				return fmt.Errorf("no runs found under %s", app.RunsDir(root))
			}
			paths, err := app.EnsureRunPaths(root, runID)
			if err != nil {
				return err
			}

			fs := afero.NewOsFs()
			runs := file.NewRunStore(fs)
			// A run whose process died is finalized at read time
			if _, err := runs.MarkFailedIfPIDGone(paths.RunStatePath()); err != nil {
				return err
			}
			st, err := runs.Load(paths.RunStatePath())
			if err != nil {
				return err
			}
			tasks, err := file.NewTaskStore(fs).List(paths.TasksDir)
			if err != nil {
				return err
			}

			out := map[string]interface{}{"run": st, "tasks": tasks}
			data, err := json.MarshalIndent(out, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
}
