package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/YoshitsuguKoike/deepatch/internal/app"
	"github.com/YoshitsuguKoike/deepatch/internal/domain/model/run"
	"github.com/YoshitsuguKoike/deepatch/internal/domain/model/task"
	"github.com/YoshitsuguKoike/deepatch/internal/infrastructure/config"
	"github.com/YoshitsuguKoike/deepatch/internal/infrastructure/persistence/file"
	"github.com/YoshitsuguKoike/deepatch/internal/infrastructure/persistence/sqlite"
	"github.com/YoshitsuguKoike/deepatch/internal/interface/external/linttool"
	"github.com/YoshitsuguKoike/deepatch/internal/interface/external/modelclient"
	"github.com/YoshitsuguKoike/deepatch/internal/runner"
)

var stageShort = map[string]string{
	"plan":   "Draft an improvement plan for each file",
	"review": "Review each file and label it N, P or W",
	"select": "Pick edit targets from the latest review",
	"edit":   "Rewrite selected symbols with gating and approvals",
	"repair": "Gate the working copy and propose a full-file fix if broken",
	"run":    "Run the full pipeline until files are well-formed",
}

func newStageCmd(flags *rootFlags, stage string) *cobra.Command {
	return &cobra.Command{
		Use:   stage + " <file>...",
		Short: stageShort[stage],
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStage(flags, task.Stage(stage), args)
		},
	}
}

func runStage(flags *rootFlags, stage task.Stage, relPaths []string) error {
	root, err := flags.repoRoot()
	if err != nil {
		return err
	}
	cfg, err := config.Load(root)
	if err != nil {
		return err
	}
	paths, err := app.EnsureRunPaths(root, flags.runID)
	if err != nil {
		return err
	}

	runs := file.NewRunStore(afero.NewOsFs())
	if _, err := runs.Load(paths.RunStatePath()); err != nil {
		st := &run.State{
			RunID:     paths.RunID,
			RepoRoot:  root,
			Stage:     stage,
			Status:    run.StatusStarting,
			Pack:      cfg.Pack,
			StartedAt: run.NowISO(),
			UpdatedAt: run.NowISO(),
		}
		if err := runs.Save(paths.RunStatePath(), st); err != nil {
			return err
		}
	}

	model := modelclient.New(cfg.BaseURL, cfg.APIKey, cfg.Model,
		time.Duration(cfg.TimeoutSec)*time.Second)
	var lint runner.Linter
	if len(cfg.LintCheckCmd) > 0 {
		lint = linttool.New(cfg.LintCheckCmd, cfg.LintFixCmd,
			time.Duration(cfg.TimeoutSec)*time.Second)
	}

	r, err := runner.New(cfg, paths, root, model, lint)
	if err != nil {
		return err
	}
	if index, err := sqlite.OpenIndex(paths.SymbolDBPath()); err == nil {
		r.Index = index
		defer index.Close()
	} else {
		r.Log.Warn("symbol index unavailable: %v", err)
	}

	r.Interrupts.Listen()
	defer r.Interrupts.Close()

	fmt.Fprintf(os.Stderr, "run %s: %s over %d file(s)\n", paths.RunID, stage, len(relPaths))
	return r.Run(context.Background(), stage, relPaths)
}
