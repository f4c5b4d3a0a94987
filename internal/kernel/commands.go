package kernel

import (
	"fmt"
	"sync"
)

// CommandContext carries the session and raw argument string a command
// handler runs with.
type CommandContext struct {
	SessionID string
	Args      string
}

// CommandHandler executes a registered command and returns its textual
// result, or an error if the command failed.
type CommandHandler func(ctx CommandContext) (string, error)

// Command pairs a name with its handler.
type Command struct {
	Name    string
	Handler CommandHandler
}

// CommandRegistry is a mutex-guarded name->Command map, independent of the
// tool registry, used for slash-style structured commands (e.g. "/compact").
type CommandRegistry struct {
	mu       sync.Mutex
	commands map[string]Command
}

func NewCommandRegistry() *CommandRegistry {
	return &CommandRegistry{commands: map[string]Command{}}
}

func (r *CommandRegistry) Register(cmd Command) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands[cmd.Name] = cmd
}

func (r *CommandRegistry) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.commands))
	for name := range r.commands {
		names = append(names, name)
	}
	return names
}

func (r *CommandRegistry) Execute(name string, ctx CommandContext) (string, error) {
	r.mu.Lock()
	cmd, ok := r.commands[name]
	r.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("kernel: unknown command %q", name)
	}
	return cmd.Handler(ctx)
}
