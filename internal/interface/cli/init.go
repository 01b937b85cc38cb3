package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/YoshitsuguKoike/deepatch/internal/app"
	"github.com/YoshitsuguKoike/deepatch/internal/infrastructure/config"
)

const defaultConfigTOML = `# deepatch configuration

# base_url = "http://localhost:11434"
# api_key = ""
# model = "gpt-4o-mini"
# timeout_sec = 120

# max_passes = 5
# max_targets_per_pass = 3
# micro_repair_rounds = 2

# allow_apply = false
# pack = "strict"

# lint_check_cmd = ["gofmt", "-l"]
# lint_fix_cmd = ["gofmt", "-w"]

# [policy_packs.team]
# auto_approve_max_diff_lines = 10
# auto_approve_globs = ["*_test.go"]
# max_diff_lines = 60
`

func newInitCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the cache directory and a commented config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := flags.repoRoot()
			if err != nil {
				return err
			}
			for _, dir := range []string{app.RunsDir(root), app.OverridesDir(root)} {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return err
				}
			}
			cfgPath := filepath.Join(root, config.FileName)
			if _, err := os.Stat(cfgPath); err == nil {
				fmt.Fprintf(cmd.OutOrStdout(), "%s already exists\n", cfgPath)
				return nil
			}
			if err := os.WriteFile(cfgPath, []byte(defaultConfigTOML), 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "initialized %s\n", cfgPath)
			return nil
		},
	}
}
