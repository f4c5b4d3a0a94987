package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/rip-run/rip/internal/authority"
	"github.com/rip-run/rip/internal/broadcast"
	"github.com/rip-run/rip/internal/config"
	"github.com/rip-run/rip/internal/kernel"
)

// attachCommand subscribes to a session's SSE stream and renders frames as
// they arrive. It is a read-only viewer: a single scrolling viewport over
// the frame history held in a broadcast.FrameStore.
func attachCommand() *cobra.Command {
	var bufferSize int

	cmd := &cobra.Command{
		Use:   "attach <session-id>",
		Short: "Attach to a rip session's live frame stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAttach(cmd.Context(), args[0], bufferSize)
		},
	}
	cmd.Flags().IntVar(&bufferSize, "buffer", 2000, "number of recent frames to retain in the viewer")
	return cmd
}

func runAttach(ctx context.Context, sessionID string, bufferSize int) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("rip attach: load config: %w", err)
	}
	endpoint, err := authority.EnsureLocalAuthority(cfg.DataDir, cfg.WorkspaceRoot)
	if err != nil {
		return fmt.Errorf("rip attach: %w", err)
	}

	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return fmt.Errorf("rip attach: stdout is not a terminal")
	}
	width, height, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil {
		width, height = 80, 24
	}

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	m := newAttachModel(streamCtx, endpoint, sessionID, bufferSize, width, height)
	m.cancel = cancel
	program := tea.NewProgram(m, tea.WithAltScreen())
	_, err = program.Run()
	return err
}

// attachFrameMsg and attachErrMsg carry SSE events into the bubbletea
// Update loop; attachDoneMsg signals the stream closed (session_ended or
// transport EOF).
type attachFrameMsg struct{ frame *kernel.Frame }
type attachErrMsg struct{ err error }
type attachDoneMsg struct{}

type attachModel struct {
	ctx       context.Context
	cancel    context.CancelFunc
	endpoint  string
	sessionID string
	store     *broadcast.FrameStore
	view      viewport.Model
	theme     attachTheme
	events    chan tea.Msg
	width     int
	height    int
	status    string
	done      bool
}

type attachTheme struct {
	Text      lipgloss.AdaptiveColor
	Secondary lipgloss.AdaptiveColor
	Tool      lipgloss.AdaptiveColor
	Error     lipgloss.AdaptiveColor
	Success   lipgloss.AdaptiveColor
}

func defaultAttachTheme() attachTheme {
	return attachTheme{
		Text:      lipgloss.AdaptiveColor{Light: "#000000", Dark: "#ffffff"},
		Secondary: lipgloss.AdaptiveColor{Light: "#666666", Dark: "#999999"},
		Tool:      lipgloss.AdaptiveColor{Light: "#0057ff", Dark: "#6fb8ff"},
		Error:     lipgloss.AdaptiveColor{Light: "#d70000", Dark: "#ff6b6b"},
		Success:   lipgloss.AdaptiveColor{Light: "#008700", Dark: "#6bff9d"},
	}
}

func newAttachModel(ctx context.Context, endpoint, sessionID string, bufferSize, width, height int) *attachModel {
	view := viewport.New(width, height-2)
	return &attachModel{
		width:     width,
		height:    height,
		ctx:       ctx,
		endpoint:  endpoint,
		sessionID: sessionID,
		store:     broadcast.NewFrameStore(bufferSize),
		view:      view,
		theme:     defaultAttachTheme(),
		events:    make(chan tea.Msg, 256),
		status:    "connecting…",
	}
}

func (m *attachModel) Init() tea.Cmd {
	go m.pump()
	return m.waitForEvent()
}

// pump dials the SSE endpoint and decodes "data: <frame>" lines, pushing
// each onto m.events; it never blocks the render loop.
func (m *attachModel) pump() {
	req, err := http.NewRequestWithContext(m.ctx, http.MethodGet, m.endpoint+"/sessions/"+m.sessionID+"/events", nil)
	if err != nil {
		m.events <- attachErrMsg{err}
		return
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		m.events <- attachErrMsg{err}
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		m.events <- attachErrMsg{fmt.Errorf("unexpected status %s", resp.Status)}
		return
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		payload, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var frame kernel.Frame
		if err := json.Unmarshal([]byte(payload), &frame); err != nil {
			continue
		}
		m.events <- attachFrameMsg{frame: &frame}
		if _, ok := frame.Kind.(*kernel.SessionEnded); ok {
			m.events <- attachDoneMsg{}
			return
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, context.Canceled) {
		m.events <- attachErrMsg{err}
		return
	}
	m.events <- attachDoneMsg{}
}

func (m *attachModel) waitForEvent() tea.Cmd {
	return func() tea.Msg {
		return <-m.events
	}
}

func (m *attachModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.view.Width = msg.Width
		m.view.Height = msg.Height - 2
		m.render()
		return m, nil
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			if m.cancel != nil {
				m.cancel()
			}
			return m, tea.Quit
		}
		var cmd tea.Cmd
		m.view, cmd = m.view.Update(msg)
		return m, cmd
	case attachFrameMsg:
		m.store.Push(msg.frame)
		m.render()
		return m, m.waitForEvent()
	case attachErrMsg:
		m.status = "error: " + msg.err.Error()
		m.done = true
		m.render()
		return m, m.waitForEvent()
	case attachDoneMsg:
		m.status = "stream closed"
		m.done = true
		m.render()
		return m, nil
	}
	return m, nil
}

func (m *attachModel) render() {
	var b strings.Builder
	for _, frame := range m.store.All() {
		b.WriteString(m.renderFrame(frame))
		b.WriteByte('\n')
	}
	atBottom := m.view.AtBottom()
	m.view.SetContent(b.String())
	if atBottom {
		m.view.GotoBottom()
	}
}

func (m *attachModel) renderFrame(f *kernel.Frame) string {
	ts := time.UnixMilli(f.TimestampMs).Format("15:04:05.000")
	prefix := lipgloss.NewStyle().Foreground(m.theme.Secondary).Render(fmt.Sprintf("[%s #%d]", ts, f.Seq))

	switch k := f.Kind.(type) {
	case *kernel.SessionStarted:
		return prefix + " " + lipgloss.NewStyle().Foreground(m.theme.Text).Bold(true).Render("session_started ") + k.Input
	case *kernel.SessionEnded:
		return prefix + " " + lipgloss.NewStyle().Foreground(m.theme.Success).Bold(true).Render("session_ended ") + k.Reason
	case *kernel.OutputTextDelta:
		return prefix + " " + k.Delta
	case *kernel.ToolStarted:
		return prefix + " " + lipgloss.NewStyle().Foreground(m.theme.Tool).Render(fmt.Sprintf("tool_started %s (%s)", k.Name, k.ToolID))
	case *kernel.ToolStdout:
		return prefix + "   " + strings.TrimRight(k.Chunk, "\n")
	case *kernel.ToolStderr:
		return prefix + "   " + lipgloss.NewStyle().Foreground(m.theme.Error).Render(strings.TrimRight(k.Chunk, "\n"))
	case *kernel.ToolEnded:
		return prefix + " " + lipgloss.NewStyle().Foreground(m.theme.Tool).Render(fmt.Sprintf("tool_ended exit=%d dur=%dms", k.ExitCode, k.DurationMs))
	case *kernel.ToolFailed:
		return prefix + " " + lipgloss.NewStyle().Foreground(m.theme.Error).Render("tool_failed "+k.Error)
	case *kernel.CheckpointCreated:
		return prefix + " " + fmt.Sprintf("checkpoint_created %s (%s, auto=%v)", k.CheckpointID, k.Label, k.Auto)
	case *kernel.CheckpointRewound:
		return prefix + " " + fmt.Sprintf("checkpoint_rewound %s", k.CheckpointID)
	case *kernel.CheckpointFailed:
		return prefix + " " + lipgloss.NewStyle().Foreground(m.theme.Error).Render(fmt.Sprintf("checkpoint_failed action=%s %s", k.Action, k.Error))
	case *kernel.ToolTaskStatus:
		return prefix + " " + fmt.Sprintf("task %s status=%s", k.TaskID, k.Status)
	case *kernel.ToolTaskOutputDelta:
		return prefix + "   " + fmt.Sprintf("[%s] %s", k.Stream, strings.TrimRight(k.Chunk, "\n"))
	case *kernel.ToolTaskCancelRequested:
		return prefix + " " + fmt.Sprintf("task %s cancel_requested: %s", k.TaskID, k.Reason)
	case *kernel.ToolTaskCancelled:
		return prefix + " " + fmt.Sprintf("task %s cancelled: %s (%dms)", k.TaskID, k.Reason, k.WallTimeMs)
	case *kernel.ProviderEvent:
		return prefix + " " + fmt.Sprintf("provider_event %s %s", k.Provider, k.Status)
	default:
		return prefix + " " + f.Kind.Type()
	}
}

func (m *attachModel) View() string {
	status := lipgloss.NewStyle().Foreground(m.theme.Secondary).Render(
		fmt.Sprintf("rip attach %s — %s — q to quit", m.sessionID, m.status))
	return m.view.View() + "\n" + status
}
