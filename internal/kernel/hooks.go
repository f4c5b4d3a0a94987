package kernel

import "sync"

// HookEventKind names the lifecycle point a hook runs at.
type HookEventKind string

const (
	HookEventSessionStart HookEventKind = "session_start"
	HookEventBeforeTool   HookEventKind = "before_tool"
	HookEventAfterTool    HookEventKind = "after_tool"
	HookEventSessionEnd   HookEventKind = "session_end"
)

// HookContext carries whatever a hook needs to decide Continue vs Abort.
type HookContext struct {
	SessionID string
	Event     HookEventKind
	ToolName  string
}

// HookOutcome is returned by a hook: either let the lifecycle proceed, or
// abort it with a reason.
type HookOutcome struct {
	Aborted bool
	Reason  string
}

func Continue() HookOutcome            { return HookOutcome{} }
func Abort(reason string) HookOutcome  { return HookOutcome{Aborted: true, Reason: reason} }

// HookHandler runs for a single registered hook.
type HookHandler func(ctx HookContext) HookOutcome

// Hook pairs a name with its handler and the event it fires on.
type Hook struct {
	Name    string
	Event   HookEventKind
	Handler HookHandler
}

// HookEngine runs registered hooks in order for a given lifecycle event,
// short-circuiting on the first Abort. The tool runner's checkpoint hook is
// separate: it is handed to tools.NewRunner directly and is not registered
// here.
type HookEngine struct {
	mu    sync.Mutex
	hooks []Hook
}

func NewHookEngine() *HookEngine {
	return &HookEngine{}
}

func (e *HookEngine) Register(hook Hook) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hooks = append(e.hooks, hook)
}

// Run executes every hook registered for ctx.Event in registration order,
// stopping at the first Abort outcome.
func (e *HookEngine) Run(ctx HookContext) HookOutcome {
	e.mu.Lock()
	hooks := make([]Hook, len(e.hooks))
	copy(hooks, e.hooks)
	e.mu.Unlock()

	for _, hook := range hooks {
		if hook.Event != ctx.Event {
			continue
		}
		if outcome := hook.Handler(ctx); outcome.Aborted {
			return outcome
		}
	}
	return Continue()
}
