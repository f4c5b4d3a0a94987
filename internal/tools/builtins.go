package tools

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/gobwas/glob"
)

// parseArgs unmarshals raw into a typed argument struct. On failure it
// returns a ready-to-use ToolOutput{ExitCode: 2} so every builtin's
// "invalid arguments" path is one shape.
func parseArgs[T any](raw json.RawMessage) (T, *ToolOutput) {
	var args T
	if err := json.Unmarshal(raw, &args); err != nil {
		return args, &ToolOutput{Stderr: []string{fmt.Sprintf("invalid arguments: %v", err)}, ExitCode: 2}
	}
	return args, nil
}

// argsValidator builds an ArgsValidator that checks raw args unmarshal into
// the tool's typed argument struct, mirroring what parseArgs will do when
// the handler actually runs.
func argsValidator[T any]() ArgsValidator {
	return func(raw json.RawMessage) error {
		var args T
		if err := json.Unmarshal(raw, &args); err != nil {
			return fmt.Errorf("invalid arguments: %w", err)
		}
		return nil
	}
}

func invalidArgs(message string) ToolOutput {
	return ToolOutput{Stderr: []string{message}, ExitCode: 2}
}

func opFailure(message string) ToolOutput {
	return ToolOutput{Stderr: []string{message}, ExitCode: 1}
}

// normalizeRelPath renders resolved relative to root with forward slashes,
// the display form every builtin reports in its artifacts payload.
func normalizeRelPath(root, resolved string) string {
	rel, err := filepath.Rel(root, resolved)
	if err != nil {
		rel = resolved
	}
	return filepath.ToSlash(rel)
}

// truncateUTF8 trims data to at most maxBytes, backing off to the last
// complete UTF-8 codepoint boundary so the returned string is always valid.
// It reports whether truncation happened and how many bytes were kept.
func truncateUTF8(data []byte, maxBytes int) (string, bool, int) {
	if maxBytes < 0 {
		maxBytes = 0
	}
	if len(data) <= maxBytes {
		return string(data), false, len(data)
	}
	cut := maxBytes
	for cut > 0 && !utf8.RuneStart(data[cut]) {
		cut--
	}
	// RuneStart found the start of a possibly-incomplete trailing rune;
	// drop it if it doesn't fully fit within the budget.
	if cut > 0 {
		r, size := utf8.DecodeRuneInString(string(data[cut:]))
		if r == utf8.RuneError && size <= 1 {
			// leave cut as-is (already at a boundary)
		}
	}
	return string(data[:cut]), true, cut
}

// globMatcher is a compiled set of glob patterns for the ls/grep
// include/exclude sets.
type globMatcher struct {
	globs []glob.Glob
}

func buildGlobSet(patterns []string) (*globMatcher, error) {
	if len(patterns) == 0 {
		return nil, nil
	}
	m := &globMatcher{globs: make([]glob.Glob, 0, len(patterns))}
	for _, pattern := range patterns {
		compiled, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid glob %q: %w", pattern, err)
		}
		m.globs = append(m.globs, compiled)
	}
	return m, nil
}

func (m *globMatcher) matchesAny(rel string) bool {
	if m == nil {
		return false
	}
	for _, g := range m.globs {
		if g.Match(rel) {
			return true
		}
	}
	return false
}

// globsetsMatch applies the include/exclude pair the way ls/grep do: an
// unset include set matches everything; exclude always wins.
func globsetsMatch(include, exclude *globMatcher, rel string) bool {
	if exclude.matchesAny(rel) {
		return false
	}
	if include == nil {
		return true
	}
	return include.matchesAny(rel)
}

// isHidden reports whether any path component of rel starts with a dot.
func isHidden(rel string) bool {
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if strings.HasPrefix(part, ".") && part != "." && part != ".." {
			return true
		}
	}
	return false
}
