package runner

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNoJSON is returned when no decodable JSON value is found in model
// output.
var ErrNoJSON = errors.New("no JSON value found in model output")

// ExtractJSON finds the first decodable JSON object or array in free-form
// model output. Contract:
//   - A fenced ```json block is tried first, then the whole text, then every
//     '{' or '[' position in order.
//   - The first candidate that decodes as a complete JSON value wins;
//     trailing prose after the value is ignored.
//   - Returns ErrNoJSON when nothing decodes. Never panics on any input.
func ExtractJSON(text string) (json.RawMessage, error) {
	if block, ok := fencedBlock(text, "json"); ok {
		if raw, ok := decodeValue(block); ok {
			return raw, nil
		}
	}
	for i := 0; i < len(text); i++ {
		if text[i] != '{' && text[i] != '[' {
			continue
		}
		if raw, ok := decodeValue(text[i:]); ok {
			return raw, nil
		}
	}
	return nil, ErrNoJSON
}

func decodeValue(s string) (json.RawMessage, bool) {
	dec := json.NewDecoder(strings.NewReader(s))
	var raw json.RawMessage
	if err := dec.Decode(&raw); err != nil {
		return nil, false
	}
	if len(raw) == 0 || (raw[0] != '{' && raw[0] != '[') {
		return nil, false
	}
	return raw, true
}

// ExtractCodeBlock returns the contents of the first fenced code block in
// model output. Fences tagged go (or untagged) are accepted. When the text
// has no fence at all, the trimmed text itself is returned so a model that
// answered with bare code still works; ok is false only for empty output.
func ExtractCodeBlock(text string) (string, bool) {
	for _, tag := range []string{"go", ""} {
		if block, ok := fencedBlock(text, tag); ok {
			return block, true
		}
	}
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", false
	}
	return trimmed, true
}

// fencedBlock finds the first ``` fence with the given tag ("" matches any
// tag) and returns its body.
func fencedBlock(text, tag string) (string, bool) {
	rest := text
	for {
		start := strings.Index(rest, "```")
		if start < 0 {
			return "", false
		}
		rest = rest[start+3:]
		nl := strings.IndexByte(rest, '\n')
		if nl < 0 {
			return "", false
		}
		fenceTag := strings.TrimSpace(rest[:nl])
		body := rest[nl+1:]
		end := strings.Index(body, "```")
		if end < 0 {
			return "", false
		}
		if tag == "" || fenceTag == tag {
			return strings.TrimRight(body[:end], "\n") + "\n", true
		}
		rest = body[end+3:]
	}
}

// Target is one selected edit target.
type Target struct {
	QualifiedName string `json:"qname"`
	Reason        string `json:"reason,omitempty"`
}

// ParseTargets extracts the selection list from model output, capping it at
// maxTargets. Unparsable output yields an error and an empty list, never a
// partial guess.
func ParseTargets(text string, maxTargets int) ([]Target, error) {
	raw, err := ExtractJSON(text)
	if err != nil {
		return nil, err
	}
	var targets []Target
	if err := json.Unmarshal(raw, &targets); err != nil {
		// Tolerate a single object instead of a list
		var one Target
		if err2 := json.Unmarshal(raw, &one); err2 != nil || one.QualifiedName == "" {
			return nil, fmt.Errorf("selection is not a target list: %w", err)
		}
		targets = []Target{one}
	}
	var out []Target
	for _, t := range targets {
		if strings.TrimSpace(t.QualifiedName) == "" {
			continue
		}
		out = append(out, t)
		if maxTargets > 0 && len(out) == maxTargets {
			break
		}
	}
	return out, nil
}
