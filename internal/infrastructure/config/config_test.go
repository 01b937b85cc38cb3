package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "default", cfg.Source)
	assert.Equal(t, 5, cfg.MaxPasses)
	assert.Equal(t, 3, cfg.MaxTargetsPerPass)
	assert.Equal(t, 2, cfg.MicroRepairRounds)
	assert.Equal(t, 1000, cfg.PollIntervalMillis)
	assert.False(t, cfg.AllowApply)
	assert.Equal(t, "balanced", cfg.Pack)
	assert.Equal(t, []string{"gofmt", "-l"}, cfg.LintCheckCmd)
	assert.Equal(t, []string{"gofmt", "-w"}, cfg.LintFixCmd)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	root := t.TempDir()
	content := `
base_url = "https://api.example.com/v1"
model = "test-model"
max_passes = 2
allow_apply = true
pack = "strict"
lint_check_cmd = ["golangci-lint", "run"]

[policy_packs.strict]
auto_approve_max_diff_lines = 5
auto_approve_globs = ["*_test.go"]

[policy_packs.custom]
auto_approve_max_diff_lines = 10
max_diff_lines = 30
`
	require.NoError(t, os.WriteFile(filepath.Join(root, FileName), []byte(content), 0o644))

	cfg, err := Load(root)
	require.NoError(t, err)

	assert.Equal(t, "https://api.example.com/v1", cfg.BaseURL)
	assert.Equal(t, "test-model", cfg.Model)
	assert.Equal(t, 2, cfg.MaxPasses)
	assert.True(t, cfg.AllowApply)
	assert.Equal(t, []string{"golangci-lint", "run"}, cfg.LintCheckCmd)
	// Untouched fields keep defaults
	assert.Equal(t, 3, cfg.MaxTargetsPerPass)

	strict := cfg.ActivePack()
	assert.Equal(t, "strict", strict.Name)
	assert.Equal(t, 5, strict.AutoApproveMaxDiffLines)
	// Built-in field not overridden survives the merge
	assert.Equal(t, 40, strict.MaxDiffLines)

	custom, ok := cfg.PolicyPacks["custom"]
	require.True(t, ok)
	assert.Equal(t, 30, custom.MaxDiffLines)
}

func TestEnvOverridesFillUnsetCredentials(t *testing.T) {
	t.Setenv("DEEPATCH_BASE_URL", "https://env.example.com/v1")
	t.Setenv("DEEPATCH_API_KEY", "env-key")

	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "https://env.example.com/v1", cfg.BaseURL)
	assert.Equal(t, "env-key", cfg.APIKey)

	// The file wins over the environment
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, FileName), []byte(`base_url = "https://file.example.com/v1"`), 0o644))
	cfg, err = Load(root)
	require.NoError(t, err)
	assert.Equal(t, "https://file.example.com/v1", cfg.BaseURL)
	assert.Equal(t, "env-key", cfg.APIKey)
}

func TestActivePackFallsBackToStrict(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	cfg.Pack = "no-such-pack"

	pack := cfg.ActivePack()
	assert.Equal(t, "strict", pack.Name)
	assert.False(t, pack.AutoApproves("a.go", 1))
}

func TestPackAutoApproves(t *testing.T) {
	balanced := builtinPacks()["balanced"]
	assert.True(t, balanced.AutoApproves("pkg/deep/file.go", 20))
	assert.False(t, balanced.AutoApproves("pkg/deep/file.go", 21))

	testOnly := Pack{Name: "t", AutoApproveMaxDiffLines: 50, AutoApproveGlobs: []string{"*_test.go"}}
	assert.True(t, testOnly.AutoApproves("pkg/server_test.go", 10))
	assert.False(t, testOnly.AutoApproves("pkg/server.go", 10))
}
