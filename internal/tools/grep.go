package tools

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

type grepArgs struct {
	Pattern        string   `json:"pattern"`
	Path           *string  `json:"path"`
	Regex          *bool    `json:"regex"`
	CaseSensitive  *bool    `json:"case_sensitive"`
	Include        []string `json:"include"`
	Exclude        []string `json:"exclude"`
	MaxResults     *int     `json:"max_results"`
	MaxBytes       *int     `json:"max_bytes"`
	MaxDepth       *int     `json:"max_depth"`
	IncludeHidden  *bool    `json:"include_hidden"`
	FollowSymlinks *bool    `json:"follow_symlinks"`
}

// NewGrepTool builds the "grep" builtin: regex (or literal) line search
// across a directory tree, binary files skipped, global result cap across
// files.
func NewGrepTool(sandbox *Sandbox, config BuiltinToolConfig) ToolHandler {
	return func(ctx context.Context, inv ToolInvocation) (ToolOutput, error) {
		args, errOut := parseArgs[grepArgs](inv.Args)
		if errOut != nil {
			return *errOut, nil
		}

		root := "."
		if args.Path != nil {
			root = *args.Path
		}
		rootPath, err := sandbox.ResolvePath(root, true)
		if err != nil {
			return opFailure(err.Error()), nil
		}

		regexEnabled := args.Regex == nil || *args.Regex
		caseSensitive := args.CaseSensitive == nil || *args.CaseSensitive
		maxResults := config.MaxResults
		if args.MaxResults != nil {
			maxResults = *args.MaxResults
		}
		maxBytes := int(config.MaxBytes)
		if args.MaxBytes != nil {
			maxBytes = *args.MaxBytes
		}
		maxDepth := config.MaxDepth
		if args.MaxDepth != nil {
			maxDepth = *args.MaxDepth
		}
		includeHidden := config.IncludeHidden
		if args.IncludeHidden != nil {
			includeHidden = *args.IncludeHidden
		}

		includeSet, err := buildGlobSet(args.Include)
		if err != nil {
			return invalidArgs(err.Error()), nil
		}
		excludeSet, err := buildGlobSet(args.Exclude)
		if err != nil {
			return invalidArgs(err.Error()), nil
		}

		pattern := args.Pattern
		if !regexEnabled {
			pattern = regexp.QuoteMeta(pattern)
		}
		if !caseSensitive {
			pattern = "(?i)" + pattern
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return invalidArgs("invalid regex: " + err.Error()), nil
		}

		var stdout, stderr []string
		matches := 0
		rootRel := normalizeRelPath(sandbox.Root, rootPath)

		walkErr := filepath.WalkDir(rootPath, func(path string, entry fs.DirEntry, err error) error {
			if matches >= maxResults {
				return fs.SkipAll
			}
			if err != nil {
				stderr = append(stderr, err.Error())
				return nil
			}
			if entry.IsDir() {
				if path != rootPath {
					rel := normalizeRelPath(sandbox.Root, path)
					if dirDepth(rootRel, rel) > maxDepth || (!includeHidden && isHidden(entry.Name())) {
						return filepath.SkipDir
					}
				}
				return nil
			}
			if !includeHidden && isHidden(entry.Name()) {
				return nil
			}
			rel := normalizeRelPath(sandbox.Root, path)
			if !globsetsMatch(includeSet, excludeSet, rel) {
				return nil
			}
			grepFile(path, rel, re, maxBytes, maxResults, &matches, &stdout, &stderr)
			return nil
		})
		if walkErr != nil && walkErr != fs.SkipAll {
			stderr = append(stderr, walkErr.Error())
		}

		artifacts, _ := json.Marshal(map[string]any{
			"root":    rootRel,
			"matches": matches,
		})

		return ToolOutput{Stdout: stdout, Stderr: stderr, ExitCode: 0, Artifacts: artifacts}, nil
	}
}

// dirDepth counts path segments of rel beyond root ("." when rel==root).
func dirDepth(rootRel, rel string) int {
	if rel == rootRel || rel == "." {
		return 0
	}
	trimmed := strings.TrimPrefix(rel, rootRel+"/")
	return strings.Count(trimmed, "/") + 1
}

func grepFile(path, rel string, re *regexp.Regexp, maxBytes int, maxResults int, matches *int, stdout, stderr *[]string) {
	file, err := os.Open(path)
	if err != nil {
		*stderr = append(*stderr, rel+": "+err.Error())
		return
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	lineNo := 0
	bytesRead := 0
	var found []string
	for {
		line, readErr := reader.ReadBytes('\n')
		if len(line) > 0 {
			lineNo++
			bytesRead += len(line)
			if bytesRead > maxBytes {
				break
			}
			if bytes.IndexByte(line, 0) != -1 {
				return
			}
			trimmed := string(bytes.TrimRight(line, "\r\n"))
			if re.MatchString(trimmed) {
				found = append(found, rel+":"+strconv.Itoa(lineNo)+":"+trimmed)
				if *matches+len(found) >= maxResults {
					break
				}
			}
		}
		if readErr != nil {
			break
		}
	}
	*stdout = append(*stdout, found...)
	*matches += len(found)
}
