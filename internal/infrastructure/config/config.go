// Package config loads deepatch.toml and the policy packs that govern
// auto-approval. Priority: deepatch.toml > environment > defaults for
// credentials, deepatch.toml > defaults for everything else.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// RawSettings represents the structure of the deepatch.toml file.
// Pointer fields distinguish "absent" from zero values.
type RawSettings struct {
	// Model endpoint
	BaseURL    *string `toml:"base_url"`
	APIKey     *string `toml:"api_key"`
	Model      *string `toml:"model"`
	TimeoutSec *int    `toml:"timeout_sec"`

	// Pipeline limits
	MaxPasses          *int `toml:"max_passes"`
	MaxTargetsPerPass  *int `toml:"max_targets_per_pass"`
	MicroRepairRounds  *int `toml:"micro_repair_rounds"`
	PollIntervalMillis *int `toml:"poll_interval_ms"`

	// Apply policy
	AllowApply *bool   `toml:"allow_apply"`
	Pack       *string `toml:"pack"`
	Profile    *string `toml:"profile"`

	// Lint tool
	LintCheckCmd []string `toml:"lint_check_cmd"`
	LintFixCmd   []string `toml:"lint_fix_cmd"`

	// Logging
	StderrLevel *string `toml:"stderr_level"`

	// Policy pack overrides, keyed by pack name
	PolicyPacks map[string]RawPack `toml:"policy_packs"`
}

// RawPack is one [policy_packs.<name>] section.
type RawPack struct {
	AutoApproveMaxDiffLines *int     `toml:"auto_approve_max_diff_lines"`
	AutoApproveGlobs        []string `toml:"auto_approve_globs"`
	MaxDiffLines            *int     `toml:"max_diff_lines"`
}

// Config is the resolved runtime configuration.
type Config struct {
	BaseURL    string
	APIKey     string
	Model      string
	TimeoutSec int

	MaxPasses          int
	MaxTargetsPerPass  int
	MicroRepairRounds  int
	PollIntervalMillis int

	AllowApply bool
	Pack       string
	Profile    string

	LintCheckCmd []string
	LintFixCmd   []string

	StderrLevel string

	PolicyPacks map[string]Pack

	// Source records where the settings came from ("default" or the file)
	Source string
}

// FileName is the per-repository configuration file.
const FileName = "deepatch.toml"

// Load reads <repoRoot>/deepatch.toml when present and resolves the full
// configuration. A missing file yields pure defaults, not an error.
func Load(repoRoot string) (*Config, error) {
	settings := &RawSettings{}
	source := "default"

	path := filepath.Join(repoRoot, FileName)
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, settings); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
		source = path
	}

	applyEnvOverrides(settings)
	applyDefaults(settings)

	return buildConfig(settings, source), nil
}

// applyEnvOverrides fills credentials from the environment when the file
// left them unset.
func applyEnvOverrides(settings *RawSettings) {
	if settings.BaseURL == nil {
		if v := os.Getenv("DEEPATCH_BASE_URL"); v != "" {
			settings.BaseURL = &v
		}
	}
	if settings.APIKey == nil {
		if v := os.Getenv("DEEPATCH_API_KEY"); v != "" {
			settings.APIKey = &v
		}
	}
	if settings.Model == nil {
		if v := os.Getenv("DEEPATCH_MODEL"); v != "" {
			settings.Model = &v
		}
	}
}

// applyDefaults fills in default values for any nil fields
func applyDefaults(settings *RawSettings) {
	if settings.BaseURL == nil {
		v := "http://localhost:11434"
		settings.BaseURL = &v
	}
	if settings.APIKey == nil {
		v := ""
		settings.APIKey = &v
	}
	if settings.Model == nil {
		v := "gpt-4o-mini"
		settings.Model = &v
	}
	if settings.TimeoutSec == nil {
		v := 300
		settings.TimeoutSec = &v
	}
	if settings.MaxPasses == nil {
		v := 5
		settings.MaxPasses = &v
	}
	if settings.MaxTargetsPerPass == nil {
		v := 3
		settings.MaxTargetsPerPass = &v
	}
	if settings.MicroRepairRounds == nil {
		v := 2
		settings.MicroRepairRounds = &v
	}
	if settings.PollIntervalMillis == nil {
		v := 1000
		settings.PollIntervalMillis = &v
	}
	if settings.AllowApply == nil {
		v := false
		settings.AllowApply = &v
	}
	if settings.Pack == nil {
		v := "balanced"
		settings.Pack = &v
	}
	if settings.Profile == nil {
		v := ""
		settings.Profile = &v
	}
	if settings.LintCheckCmd == nil {
		settings.LintCheckCmd = []string{"gofmt", "-l"}
	}
	if settings.LintFixCmd == nil {
		settings.LintFixCmd = []string{"gofmt", "-w"}
	}
	if settings.StderrLevel == nil {
		v := "INFO"
		settings.StderrLevel = &v
	}
}

func buildConfig(settings *RawSettings, source string) *Config {
	cfg := &Config{
		BaseURL:            *settings.BaseURL,
		APIKey:             *settings.APIKey,
		Model:              *settings.Model,
		TimeoutSec:         *settings.TimeoutSec,
		MaxPasses:          *settings.MaxPasses,
		MaxTargetsPerPass:  *settings.MaxTargetsPerPass,
		MicroRepairRounds:  *settings.MicroRepairRounds,
		PollIntervalMillis: *settings.PollIntervalMillis,
		AllowApply:         *settings.AllowApply,
		Pack:               *settings.Pack,
		Profile:            *settings.Profile,
		LintCheckCmd:       settings.LintCheckCmd,
		LintFixCmd:         settings.LintFixCmd,
		StderrLevel:        *settings.StderrLevel,
		PolicyPacks:        builtinPacks(),
		Source:             source,
	}
	for name, raw := range settings.PolicyPacks {
		pack := cfg.PolicyPacks[name]
		pack.Name = name
		if raw.AutoApproveMaxDiffLines != nil {
			pack.AutoApproveMaxDiffLines = *raw.AutoApproveMaxDiffLines
		}
		if raw.AutoApproveGlobs != nil {
			pack.AutoApproveGlobs = raw.AutoApproveGlobs
		}
		if raw.MaxDiffLines != nil {
			pack.MaxDiffLines = *raw.MaxDiffLines
		}
		cfg.PolicyPacks[name] = pack
	}
	return cfg
}

// ActivePack resolves the configured pack, falling back to the strict
// built-in when the name is unknown.
func (c *Config) ActivePack() Pack {
	if pack, ok := c.PolicyPacks[c.Pack]; ok {
		return pack
	}
	return c.PolicyPacks["strict"]
}
