package tools

// RegisterBuiltinTools installs read/write/ls/grep/apply_patch/
// artifact_fetch/bash/shell into registry.
func RegisterBuiltinTools(registry *ToolRegistry, config BuiltinToolConfig) {
	sandbox := NewSandbox(config.WorkspaceRoot, config.FollowSymlinks)

	registry.Register("read", NewReadTool(sandbox, config))
	registry.Register("write", NewWriteTool(sandbox))
	registry.Register("ls", NewLsTool(sandbox, config))
	registry.Register("grep", NewGrepTool(sandbox, config))
	registry.Register("apply_patch", NewApplyPatchTool(sandbox))
	registry.Register("artifact_fetch", NewArtifactFetchTool(sandbox, config))
	registry.Register("bash", NewBashTool("bash", sandbox))
	registry.Register("shell", NewBashTool("shell", sandbox))

	registry.RegisterValidator("read", argsValidator[readArgs]())
	registry.RegisterValidator("write", argsValidator[writeArgs]())
	registry.RegisterValidator("ls", argsValidator[lsArgs]())
	registry.RegisterValidator("grep", argsValidator[grepArgs]())
	registry.RegisterValidator("apply_patch", argsValidator[applyPatchArgs]())
	registry.RegisterValidator("artifact_fetch", argsValidator[artifactFetchArgs]())
	registry.RegisterValidator("bash", argsValidator[bashArgs]())
	registry.RegisterValidator("shell", argsValidator[bashArgs]())
}
