package config

import "path/filepath"

// Pack is a resolved approval policy. A change may be auto-approved when it
// is small enough and its path matches one of the pack's globs; everything
// else waits for a human decision.
type Pack struct {
	Name                    string
	AutoApproveMaxDiffLines int
	AutoApproveGlobs        []string
	// MaxDiffLines is the risk budget: risk = min(1, diffLines/MaxDiffLines)
	MaxDiffLines int
}

// builtinPacks returns the default policy packs. A [policy_packs.<name>]
// section in deepatch.toml overrides fields of the matching built-in or
// defines a new pack.
func builtinPacks() map[string]Pack {
	return map[string]Pack{
		"strict": {
			Name:         "strict",
			MaxDiffLines: 40,
		},
		"balanced": {
			Name:                    "balanced",
			AutoApproveMaxDiffLines: 20,
			AutoApproveGlobs:        []string{"**"},
			MaxDiffLines:            80,
		},
		"permissive": {
			Name:                    "permissive",
			AutoApproveMaxDiffLines: 120,
			AutoApproveGlobs:        []string{"**"},
			MaxDiffLines:            200,
		},
	}
}

// AutoApproves reports whether the pack approves a change without a human:
// the diff stays under the pack's line budget and the path matches one of
// its globs.
func (p Pack) AutoApproves(relPath string, diffLines int) bool {
	if p.AutoApproveMaxDiffLines <= 0 || diffLines > p.AutoApproveMaxDiffLines {
		return false
	}
	for _, glob := range p.AutoApproveGlobs {
		if glob == "**" {
			return true
		}
		if ok, err := filepath.Match(glob, relPath); err == nil && ok {
			return true
		}
		// Also match against the basename so "*.go" covers nested files
		if ok, err := filepath.Match(glob, filepath.Base(relPath)); err == nil && ok {
			return true
		}
	}
	return false
}
