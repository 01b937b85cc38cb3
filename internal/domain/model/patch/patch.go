// Package patch implements symbol-level source splicing. ReplaceSymbol is
// pure: it computes an updated file body and never touches disk.
package patch

import (
	"errors"
	"fmt"
	"strings"

	"github.com/YoshitsuguKoike/deepatch/internal/domain/model/symbol"
)

// ErrSymbolNotFound indicates the qualified name is absent after re-parsing
// the original. The specific edit is abandoned, not the whole file.
var ErrSymbolNotFound = errors.New("symbol not found")

// ErrOriginalUnparseable indicates the original body failed to parse.
// No edit is attempted in that case.
var ErrOriginalUnparseable = errors.New("original file not parseable")

// ApplyError describes a failed symbol replacement.
type ApplyError struct {
	QualifiedName string
	Err           error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("apply %s: %v", e.QualifiedName, e.Err)
}

func (e *ApplyError) Unwrap() error { return e.Err }

// DetectNewline returns the file's newline convention: "\r\n" if it appears
// anywhere in the data, "\n" otherwise.
func DetectNewline(data []byte) string {
	if strings.Contains(string(data), "\r\n") {
		return "\r\n"
	}
	return "\n"
}

// ReplaceSymbol splices newCode over the line span of qualifiedName inside
// original. The original newline convention is preserved, the replacement is
// re-indented to the original symbol's leading whitespace, and every line
// outside the span survives byte-for-byte.
func ReplaceSymbol(original []byte, qualifiedName, newCode string) ([]byte, error) {
	newline := DetectNewline(original)
	text := string(original)

	syms, err := symbol.Extract(original)
	if err != nil {
		return nil, &ApplyError{QualifiedName: qualifiedName, Err: fmt.Errorf("%w: %v", ErrOriginalUnparseable, err)}
	}
	target, ok := symbol.Locate(syms, qualifiedName)
	if !ok {
		return nil, &ApplyError{QualifiedName: qualifiedName, Err: ErrSymbolNotFound}
	}

	// Indentation comes from the original first line of the symbol.
	normalized := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	indent := ""
	if target.StartLine-1 >= 0 && target.StartLine-1 < len(normalized) {
		indent = leadingWhitespace(normalized[target.StartLine-1])
	}
	block := reindent(newCode, indent, newline)

	keep := splitKeepEnds(text)
	startIdx := target.StartLine - 1
	endIdx := target.EndLine // exclusive in the keep-ends slice
	if startIdx < 0 {
		startIdx = 0
	}
	if endIdx > len(keep) {
		endIdx = len(keep)
	}

	var b strings.Builder
	for _, ln := range keep[:startIdx] {
		b.WriteString(ln)
	}
	b.WriteString(block)
	for _, ln := range keep[endIdx:] {
		b.WriteString(ln)
	}
	return []byte(b.String()), nil
}

func leadingWhitespace(line string) string {
	trimmed := strings.TrimLeft(line, " \t")
	return line[:len(line)-len(trimmed)]
}

// reindent strips the minimum common leading-space indentation from code
// (tabs are not counted when computing the minimum) and reapplies indent.
// The result ends with exactly one trailing newline in the file convention.
func reindent(code, indent, newline string) string {
	code = strings.ReplaceAll(code, "\r\n", "\n")
	code = strings.TrimRight(code, "\n \t") + "\n"
	lines := strings.Split(code, "\n")

	minIndent := -1
	for _, ln := range lines {
		if strings.TrimSpace(ln) == "" {
			continue
		}
		leading := len(ln) - len(strings.TrimLeft(ln, " "))
		if minIndent < 0 || leading < minIndent {
			minIndent = leading
		}
	}
	if minIndent < 0 {
		minIndent = 0
	}

	out := make([]string, 0, len(lines))
	for _, ln := range lines {
		if strings.TrimSpace(ln) == "" {
			out = append(out, "")
			continue
		}
		if len(ln) >= minIndent && strings.HasPrefix(ln, strings.Repeat(" ", minIndent)) {
			ln = ln[minIndent:]
		} else {
			ln = strings.TrimLeft(ln, " ")
		}
		out = append(out, indent+ln)
	}
	joined := strings.Join(out, newline)
	return strings.TrimRight(joined, newline) + newline
}

// splitKeepEnds splits text into lines, each retaining its line terminator.
func splitKeepEnds(text string) []string {
	if text == "" {
		return nil
	}
	var lines []string
	start := 0
	for i := 0; i < len(text); i++ {
		if text[i] == '\n' {
			lines = append(lines, text[start:i+1])
			start = i + 1
		}
	}
	if start < len(text) {
		lines = append(lines, text[start:])
	}
	return lines
}
