package tools

import (
	"context"
	"encoding/json"
	"io/fs"
	"path/filepath"
	"strings"
)

type lsArgs struct {
	Path           *string  `json:"path"`
	Recursive      *bool    `json:"recursive"`
	MaxDepth       *int     `json:"max_depth"`
	Include        []string `json:"include"`
	Exclude        []string `json:"exclude"`
	IncludeHidden  *bool    `json:"include_hidden"`
	FollowSymlinks *bool    `json:"follow_symlinks"`
}

// NewLsTool builds the "ls" builtin: depth-capped directory walk with glob
// include/exclude, one relative entry per line.
func NewLsTool(sandbox *Sandbox, config BuiltinToolConfig) ToolHandler {
	return func(ctx context.Context, inv ToolInvocation) (ToolOutput, error) {
		args, errOut := parseArgs[lsArgs](inv.Args)
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

		includeHidden := config.IncludeHidden
		if args.IncludeHidden != nil {
			includeHidden = *args.IncludeHidden
		}
		maxResults := config.MaxResults
		recursive := args.Recursive != nil && *args.Recursive
		maxDepth := config.MaxDepth
		if args.MaxDepth != nil {
			maxDepth = *args.MaxDepth
		}
		if !recursive {
			maxDepth = 1
		}

		includeSet, err := buildGlobSet(args.Include)
		if err != nil {
			return invalidArgs(err.Error()), nil
		}
		excludeSet, err := buildGlobSet(args.Exclude)
		if err != nil {
			return invalidArgs(err.Error()), nil
		}

		var stdout, stderr []string
		walkErr := filepath.WalkDir(rootPath, func(path string, entry fs.DirEntry, err error) error {
			if len(stdout) >= maxResults {
				return fs.SkipAll
			}
			if err != nil {
				stderr = append(stderr, err.Error())
				if entry != nil && entry.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if path == rootPath {
				return nil
			}
			rel := normalizeRelPath(sandbox.Root, path)
			depth := strings.Count(strings.TrimPrefix(rel, normalizeRelPath(sandbox.Root, rootPath)+"/"), "/") + 1
			if depth > maxDepth {
				if entry.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if !includeHidden && isHidden(entry.Name()) {
				if entry.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if !globsetsMatch(includeSet, excludeSet, rel) {
				return nil
			}
			stdout = append(stdout, rel)
			return nil
		})
		if walkErr != nil && walkErr != fs.SkipAll {
			stderr = append(stderr, walkErr.Error())
		}

		artifacts, _ := json.Marshal(map[string]any{
			"root": normalizeRelPath(sandbox.Root, rootPath),
		})

		return ToolOutput{Stdout: stdout, Stderr: stderr, ExitCode: 0, Artifacts: artifacts}, nil
	}
}
