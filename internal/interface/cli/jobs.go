package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/YoshitsuguKoike/deepatch/internal/app"
	"github.com/YoshitsuguKoike/deepatch/internal/domain/model/job"
	"github.com/YoshitsuguKoike/deepatch/internal/domain/model/run"
	"github.com/YoshitsuguKoike/deepatch/internal/domain/model/task"
	"github.com/YoshitsuguKoike/deepatch/internal/infrastructure/persistence/sqlite"
)

func newJobsCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and feed the studio job queue",
	}
	cmd.AddCommand(newJobsEnqueueCmd(flags))
	cmd.AddCommand(newJobsListCmd(flags))
	return cmd
}

func newJobsEnqueueCmd(flags *rootFlags) *cobra.Command {
	var stage string

	cmd := &cobra.Command{
		Use:   "enqueue <file>...",
		Short: "Queue a pipeline invocation for the studio daemon",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := flags.repoRoot()
			if err != nil {
				return err
			}
			st := task.Stage(stage)
			if !task.ValidStage(st) {
				return fmt.Errorf("unknown stage %q", stage)
			}
			db, err := sqlite.Open(app.StudioDBPath(root))
			if err != nil {
				return err
			}
			defer db.Close()

			id, err := sqlite.NewJobRepository(db).Enqueue(cmd.Context(), &job.Job{
				RepoRoot:  root,
				Stage:     st,
				RelPaths:  args,
				CreatedAt: run.NowISO(),
				Status:    job.StatusQueued,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "queued job %d\n", id)
			return nil
		},
	}
	cmd.Flags().StringVar(&stage, "stage", "run", "pipeline stage to run")
	return cmd
}

func newJobsListCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List queued and finished jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := flags.repoRoot()
			if err != nil {
				return err
			}
			db, err := sqlite.Open(app.StudioDBPath(root))
			if err != nil {
				return err
			}
			defer db.Close()

			jobs, err := sqlite.NewJobRepository(db).List(cmd.Context(), root, 100)
			if err != nil {
				return err
			}
			data, err := json.MarshalIndent(jobs, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
}
