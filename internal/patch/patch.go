// Package patch implements the "*** Begin Patch" diff format and its
// line-vector, forward-cursor applier. Deliberately regex-free: a linear
// scan for the hunk's context keeps the algorithm O(n*m) with simple,
// auditable correctness.
package patch

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Op is one operation in a parsed patch.
type OpKind int

const (
	OpAddFile OpKind = iota
	OpDeleteFile
	OpUpdateFile
)

type Op struct {
	Kind    OpKind
	Path    string
	Content string // OpAddFile only
	MovedTo string // OpUpdateFile only, "" if no move
	Hunks   []Hunk // OpUpdateFile only
}

// Hunk is one `@@`-separated block: before is the context+removed lines,
// after is the context+added lines.
type Hunk struct {
	Before []string
	After  []string
}

// Patch is a fully parsed patch body.
type Patch struct {
	Ops []Op
}

// AffectedPaths lists every path an op touches, in op order, including move
// destinations.
func (p Patch) AffectedPaths() []string {
	var paths []string
	for _, op := range p.Ops {
		paths = append(paths, op.Path)
		if op.Kind == OpUpdateFile && op.MovedTo != "" {
			paths = append(paths, op.MovedTo)
		}
	}
	return paths
}

// ParseError is returned for any malformed patch body (exit_code=2 at the
// builtin layer).
type ParseError struct{ Message string }

func (e *ParseError) Error() string { return e.Message }

func parseErr(format string, args ...any) error {
	return &ParseError{Message: fmt.Sprintf(format, args...)}
}

// Parse parses a patch body delimited by "*** Begin Patch"/"*** End Patch".
func Parse(input string) (Patch, error) {
	lines := strings.Split(input, "\n")
	if len(lines) == 0 || lines[0] != "*** Begin Patch" {
		return Patch{}, parseErr("missing '*** Begin Patch' header")
	}
	rest := lines[1:]

	var ops []Op
	i := 0
	for i < len(rest) {
		line := rest[i]
		if line == "*** End Patch" {
			return Patch{Ops: ops}, nil
		}

		switch {
		case strings.HasPrefix(line, "*** Add File: "):
			rel, err := parseRelPath(strings.TrimPrefix(line, "*** Add File: "))
			if err != nil {
				return Patch{}, err
			}
			i++
			var content []string
			for i < len(rest) && !strings.HasPrefix(rest[i], "*** ") {
				next := rest[i]
				body, ok := strings.CutPrefix(next, "+")
				if !ok {
					return Patch{}, parseErr("add file line must start with '+': %s", next)
				}
				content = append(content, body)
				i++
			}
			joined := strings.Join(content, "\n")
			if joined != "" {
				joined += "\n"
			}
			ops = append(ops, Op{Kind: OpAddFile, Path: rel, Content: joined})

		case strings.HasPrefix(line, "*** Delete File: "):
			rel, err := parseRelPath(strings.TrimPrefix(line, "*** Delete File: "))
			if err != nil {
				return Patch{}, err
			}
			i++
			ops = append(ops, Op{Kind: OpDeleteFile, Path: rel})

		case strings.HasPrefix(line, "*** Update File: "):
			rel, err := parseRelPath(strings.TrimPrefix(line, "*** Update File: "))
			if err != nil {
				return Patch{}, err
			}
			i++
			movedTo := ""
			if i < len(rest) {
				if dest, ok := strings.CutPrefix(rest[i], "*** Move to: "); ok {
					movedTo, err = parseRelPath(dest)
					if err != nil {
						return Patch{}, err
					}
					i++
				}
			}

			type rawLine struct {
				prefix byte
				text   string
			}
			var hunksRaw [][]rawLine
			var current []rawLine
			for i < len(rest) {
				next := rest[i]
				if next == "*** End of File" {
					i++
					continue
				}
				if strings.HasPrefix(next, "*** ") {
					break
				}
				i++
				if strings.HasPrefix(next, "@@") {
					if len(current) > 0 {
						hunksRaw = append(hunksRaw, current)
						current = nil
					}
					continue
				}
				if next == "" {
					return Patch{}, parseErr("empty patch line")
				}
				prefix, body := next[0], next[1:]
				switch prefix {
				case ' ', '+', '-':
					current = append(current, rawLine{prefix: prefix, text: body})
				default:
					return Patch{}, parseErr("invalid patch line prefix '%c': %s", prefix, next)
				}
			}
			if len(current) > 0 {
				hunksRaw = append(hunksRaw, current)
			}
			if len(hunksRaw) == 0 {
				return Patch{}, parseErr("update file has no hunks: %s", rel)
			}

			hunks := make([]Hunk, 0, len(hunksRaw))
			for _, raw := range hunksRaw {
				var before, after []string
				for _, l := range raw {
					switch l.prefix {
					case ' ':
						before = append(before, l.text)
						after = append(after, l.text)
					case '-':
						before = append(before, l.text)
					case '+':
						after = append(after, l.text)
					}
				}
				hunks = append(hunks, Hunk{Before: before, After: after})
			}
			ops = append(ops, Op{Kind: OpUpdateFile, Path: rel, MovedTo: movedTo, Hunks: hunks})

		default:
			return Patch{}, parseErr("unexpected line: %s", line)
		}
	}

	return Patch{}, parseErr("missing '*** End Patch' footer")
}

func parseRelPath(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", parseErr("path cannot be empty")
	}
	if filepath.IsAbs(trimmed) {
		return "", parseErr("absolute paths are not allowed")
	}
	for _, part := range strings.Split(filepath.ToSlash(trimmed), "/") {
		if part == ".." {
			return "", parseErr("path escapes workspace root")
		}
	}
	return trimmed, nil
}

// ApplyError is returned when a hunk's context cannot be found (exit_code=1
// at the builtin layer — distinct from ParseError's exit_code=2).
type ApplyError struct{ Message string }

func (e *ApplyError) Error() string { return e.Message }

// ApplyHunksToText applies hunks to original in forward-cursor order,
// preserving the original's CRLF/LF line ending discipline.
func ApplyHunksToText(original string, hunks []Hunk, fileDisplay string) (string, error) {
	lineEnding := detectLineEnding(original)
	lines, trailingNewline := splitLines(original)
	cursor := 0

	for _, hunk := range hunks {
		if len(hunk.Before) == 0 {
			lines = append(lines, hunk.After...)
			cursor = len(lines)
			continue
		}
		pos := findSubsliceFrom(lines, hunk.Before, cursor)
		if pos < 0 {
			return "", &ApplyError{Message: fmt.Sprintf("patch hunk does not apply to %s (missing context)", fileDisplay)}
		}
		end := pos + len(hunk.Before)
		merged := make([]string, 0, len(lines)-(end-pos)+len(hunk.After))
		merged = append(merged, lines[:pos]...)
		merged = append(merged, hunk.After...)
		merged = append(merged, lines[end:]...)
		lines = merged
		cursor = pos + len(hunk.After)
	}

	return joinLines(lines, trailingNewline, lineEnding), nil
}

func detectLineEnding(text string) string {
	if strings.Contains(text, "\r\n") {
		return "\r\n"
	}
	return "\n"
}

func splitLines(text string) ([]string, bool) {
	trailing := strings.HasSuffix(text, "\n")
	parts := strings.Split(text, "\n")
	lines := make([]string, len(parts))
	for i, line := range parts {
		lines[i] = strings.TrimSuffix(line, "\r")
	}
	if trailing {
		lines = lines[:len(lines)-1]
	}
	return lines, trailing
}

func joinLines(lines []string, trailingNewline bool, lineEnding string) string {
	if len(lines) == 0 {
		return ""
	}
	out := strings.Join(lines, lineEnding)
	if trailingNewline {
		out += lineEnding
	}
	return out
}

func findSubsliceFrom(haystack, needle []string, start int) int {
	if len(needle) == 0 {
		if start > len(haystack) {
			return len(haystack)
		}
		return start
	}
	if len(needle) > len(haystack) {
		return -1
	}
	for idx := start; idx <= len(haystack)-len(needle); idx++ {
		if equalSlice(haystack[idx:idx+len(needle)], needle) {
			return idx
		}
	}
	return -1
}

func equalSlice(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
