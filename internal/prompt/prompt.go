// Package prompt resolves the pipeline's prompt templates. Defaults are
// embedded; a repository overrides them by dropping files (or a manifest)
// into .deepatch/overrides/.
package prompt

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed templates/*.md
var templatesFS embed.FS

// Name identifies one prompt template.
type Name string

const (
	Plan     Name = "plan"
	Review   Name = "review"
	Select   Name = "select"
	Edit     Name = "edit"
	Repair   Name = "repair"
	FullFile Name = "fullfile"
)

// Manifest maps prompt names to override files, relative to the overrides
// directory. Optional; a file named <name>.md in the overrides directory
// works without one.
type Manifest struct {
	Prompts map[string]string `yaml:"prompts"`
}

// ManifestFile is the optional manifest inside the overrides directory.
const ManifestFile = "prompts.yaml"

// Loader resolves prompt text with overrides layered over the embedded
// defaults.
type Loader struct {
	overridesDir string
	manifest     Manifest
}

// NewLoader creates a loader for a repository's overrides directory. The
// directory (and its manifest) may be absent.
func NewLoader(overridesDir string) (*Loader, error) {
	l := &Loader{overridesDir: overridesDir}

	manifestPath := filepath.Join(overridesDir, ManifestFile)
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		if os.IsNotExist(err) {
			return l, nil
		}
		return nil, fmt.Errorf("failed to read prompt manifest: %w", err)
	}
	if err := yaml.Unmarshal(data, &l.manifest); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", manifestPath, err)
	}
	return l, nil
}

// Get returns the prompt text for a name. Resolution order: manifest entry,
// <name>.md in the overrides directory, embedded default.
func (l *Loader) Get(name Name) (string, error) {
	if l.overridesDir != "" {
		if rel, ok := l.manifest.Prompts[string(name)]; ok {
			data, err := os.ReadFile(filepath.Join(l.overridesDir, rel))
			if err != nil {
				return "", fmt.Errorf("failed to read prompt override for %s: %w", name, err)
			}
			return string(data), nil
		}
		if data, err := os.ReadFile(filepath.Join(l.overridesDir, string(name)+".md")); err == nil {
			return string(data), nil
		}
	}

	data, err := templatesFS.ReadFile("templates/" + string(name) + ".md")
	if err != nil {
		return "", fmt.Errorf("unknown prompt %q: %w", name, err)
	}
	return string(data), nil
}

// Render expands {key} placeholders in a template. Unknown placeholders are
// left as-is so a template typo is visible in the artifact rather than
// silently dropped.
func Render(template string, vars map[string]string) string {
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(template)
}
