package runner

import (
	"bytes"
	"context"
	"fmt"
	"go/parser"
	"go/token"
	"os/exec"
	"strings"
	"time"

	"github.com/YoshitsuguKoike/deepatch/internal/domain/model/symbol"
)

// Evidence assembles supporting context for review and selection prompts:
// the file's imports and, when ripgrep is installed, callsites of the file's
// top-level symbols elsewhere in the repository. Best effort; any failure
// degrades to less evidence, never to an error.
func Evidence(ctx context.Context, repoRoot, relPath string, source []byte) string {
	var b strings.Builder

	if imports := topLevelImports(source); len(imports) > 0 {
		b.WriteString("Imports:\n")
		for _, imp := range imports {
			fmt.Fprintf(&b, "  %s\n", imp)
		}
	}

	syms, err := symbol.Extract(source)
	if err == nil && len(syms) > 0 {
		if sites := callsites(ctx, repoRoot, relPath, syms); sites != "" {
			b.WriteString("Callsites elsewhere in the repository:\n")
			b.WriteString(sites)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func topLevelImports(source []byte) []string {
	fset := token.NewFileSet()
	f, err := parser.ParseFile(fset, "", source, parser.ImportsOnly)
	if err != nil {
		return nil
	}
	var out []string
	for _, imp := range f.Imports {
		out = append(out, strings.Trim(imp.Path.Value, `"`))
	}
	return out
}

// callsites greps for uses of the file's symbols outside the file itself.
// Output is capped so a popular symbol cannot flood the prompt.
func callsites(ctx context.Context, repoRoot, relPath string, syms []symbol.Symbol) string {
	rg, err := exec.LookPath("rg")
	if err != nil {
		return ""
	}

	const maxLines = 40
	var b strings.Builder
	lines := 0
	for _, sym := range syms {
		name := sym.QualifiedName
		if i := strings.IndexByte(name, '.'); i >= 0 {
			name = name[i+1:]
		}
		// Unexported identifiers cannot be referenced from other packages
		// anyway and grep noisily; skip them.
		if name == "" || name[0] >= 'a' && name[0] <= 'z' {
			continue
		}

		rgCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		cmd := exec.CommandContext(rgCtx, rg, "-n", "--word-regexp", "--glob", "!"+relPath, "--glob", "*.go", name, repoRoot)
		var out bytes.Buffer
		cmd.Stdout = &out
		err := cmd.Run()
		cancel()
		if err != nil {
			continue
		}
		for _, ln := range strings.Split(strings.TrimSpace(out.String()), "\n") {
			if ln == "" {
				continue
			}
			fmt.Fprintf(&b, "  %s\n", ln)
			lines++
			if lines >= maxLines {
				return b.String()
			}
		}
	}
	return b.String()
}
