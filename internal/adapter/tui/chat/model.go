// Package chat is the interactive terminal client. It drives one session
// and renders each turn as it streams: text as markdown, tool groups as
// status lines, artifact commands as notes.
package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"agentdeck/internal/adapter/tui/components"
	"agentdeck/internal/adapter/tui/theme"
	"agentdeck/internal/adapter/tui/uxerror"
	"agentdeck/internal/domain"
)

const maxMessages = 1000

// ChatModelDeps are dependencies injected into the chat model.
type ChatModelDeps struct {
	Conversation Conversation
	Context      context.Context // parent of every turn; Background when nil
	Logger       *slog.Logger
	Assistant    string // shown in the status bar
}

// ChatModel is the root Bubble Tea model for the chat TUI.
type ChatModel struct {
	deps ChatModelDeps

	chatView  components.ChatViewModel
	input     components.InputAreaModel
	statusBar components.StatusBarModel
	spinner   spinner.Model

	// waiting is true from submit until the turn's snapshot channel closes.
	waiting    bool
	cancelling bool
	width      int
	height     int
	quitting   bool

	// gen is incremented on every submit. Messages from an older generation
	// are discarded.
	gen     uint64
	updates <-chan domain.Turn
}

// NewChatModel creates the root chat model.
func NewChatModel(deps ChatModelDeps) ChatModel {
	if deps.Context == nil {
		deps.Context = context.Background()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(theme.ColorInfo)

	sb := components.NewStatusBar()
	sb.Assistant = deps.Assistant
	sb.ThreadID = deps.Conversation.ThreadID()
	sb.Hints = defaultHints()

	chatView := components.NewChatView()
	chatView.SetMaxMessages(maxMessages)

	return ChatModel{
		deps:      deps,
		chatView:  chatView,
		input:     components.NewInputArea(),
		statusBar: sb,
		spinner:   s,
	}
}

// Init initializes sub-models.
func (m ChatModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, textinput.Blink)
}

// Update handles all incoming messages.
func (m ChatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.layout()
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case components.InputSubmitMsg:
		return m.handleSubmit(msg.Value)

	case TurnStartedMsg:
		if msg.Gen != m.gen {
			return m, nil
		}
		m.updates = msg.Updates
		return m, waitForUpdate(msg.Updates, msg.Gen)

	case TurnUpdatedMsg:
		if msg.Gen != m.gen {
			return m, nil
		}
		m.chatView.UpdateTurn(msg.Turn)
		if msg.Turn.ThreadID != "" {
			m.statusBar.ThreadID = msg.Turn.ThreadID
		}
		if !m.cancelling {
			m.statusBar.Extra = activity(msg.Turn)
		}
		return m, waitForUpdate(m.updates, msg.Gen)

	case TurnDoneMsg:
		if msg.Gen != m.gen {
			return m, nil
		}
		m.finishTurn()
		return m, nil

	case SendFailedMsg:
		if msg.Gen != m.gen {
			return m, nil
		}
		if !errors.Is(msg.Err, context.Canceled) {
			m.addError(msg.Err)
		}
		m.finishTurn()
		return m, nil

	case ArtifactMsg:
		if note := describeBatch(msg.Batch); note != "" {
			m.chatView.AddMessage(components.ChatMessage{
				Role:    components.RoleArtifact,
				Source:  msg.Batch.ToolName,
				Content: note,
			})
		}
		return m, nil

	case QuitMsg:
		m.quitting = true
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)
	}

	if _, isMouse := msg.(tea.MouseMsg); !isMouse {
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		cmds = append(cmds, cmd)
	}

	var cmd tea.Cmd
	m.chatView, cmd = m.chatView.Update(msg)
	cmds = append(cmds, cmd)

	return m, tea.Batch(cmds...)
}

// View renders the entire chat UI.
func (m ChatModel) View() string {
	if m.quitting {
		return "Goodbye!\n"
	}
	if m.width == 0 {
		return "  Initializing..."
	}

	activityLine := ""
	if m.waiting {
		extra := m.statusBar.Extra
		if extra == "" {
			extra = "Thinking..."
		}
		activityLine = m.spinner.View() + " " + lipgloss.NewStyle().Faint(true).Render(extra)
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		m.chatView.View(),
		activityLine,
		components.Divider(m.width),
		m.input.View(),
		m.statusBar.View(),
	)
}

// layout recalculates sizes for all sub-models.
func (m *ChatModel) layout() {
	inputH := 1
	activityH := 1
	statusH := 1
	dividerH := 1
	contentH := m.height - inputH - activityH - statusH - dividerH
	if contentH < 5 {
		contentH = 5
	}
	m.statusBar.SetWidth(m.width)
	m.chatView.SetSize(m.width, contentH)
	m.input.SetWidth(m.width)
}

// handleKey processes keyboard input.
func (m ChatModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if isMouseEscapeLeak(msg.String()) {
		return m, nil
	}

	switch msg.Type {
	case tea.KeyCtrlC:
		if m.waiting {
			m.cancelTurn()
			return m, nil
		}
		m.quitting = true
		return m, tea.Quit

	case tea.KeyEsc:
		if m.waiting {
			m.cancelTurn()
		}
		return m, nil

	case tea.KeyPgUp, tea.KeyPgDown:
		var cmd tea.Cmd
		m.chatView, cmd = m.chatView.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// handleSubmit processes a submitted line.
func (m ChatModel) handleSubmit(value string) (tea.Model, tea.Cmd) {
	if cmd, args, ok := components.ParseSlashCommand(value); ok {
		return m.handleSlashCommand(cmd, args)
	}
	if m.waiting {
		m.addSystem("A reply is still streaming. Wait for it or /cancel it first.")
		return m, nil
	}

	m.chatView.AddMessage(components.ChatMessage{
		Role:    components.RoleUser,
		Content: value,
	})

	m.gen++
	m.updates = nil
	m.waiting = true
	m.cancelling = false
	m.statusBar.Extra = "Thinking..."
	m.statusBar.Hints = streamingHints()

	m.deps.Logger.Debug("tui message submitted", "gen", m.gen, "length", len(value))
	return m, sendMessageCmd(m.deps.Context, m.deps.Conversation, m.gen, value)
}

func (m ChatModel) handleSlashCommand(cmd string, _ []string) (tea.Model, tea.Cmd) {
	switch cmd {
	case "/quit", "/exit":
		if m.waiting {
			m.deps.Conversation.Cancel()
		}
		m.quitting = true
		return m, tea.Quit

	case "/cancel":
		if m.waiting {
			m.cancelTurn()
		} else {
			m.addSystem("Nothing to cancel.")
		}
		return m, nil

	case "/new":
		m.deps.Conversation.Reset()
		if m.waiting {
			// The cancelled turn belongs to the old thread; drop its tail.
			m.gen++
			m.finishTurn()
		}
		m.chatView.Clear()
		m.statusBar.ThreadID = ""
		m.addSystem("Started a new thread. The next message opens a fresh conversation.")
		return m, nil

	case "/clear":
		m.chatView.Clear()
		return m, nil

	case "/help":
		m.addSystem(helpText)
		return m, nil

	default:
		m.addSystem("Unknown command " + cmd + ". Type /help for the list.")
		return m, nil
	}
}

const helpText = `Commands:
  /new     forget the thread and start a new conversation
  /cancel  stop the streaming reply
  /clear   clear the screen
  /quit    exit
Keys: Enter sends, Esc cancels, Ctrl+C cancels or quits when idle.`

// cancelTurn asks the session to stop. The turn stays on screen and closes
// with the cancellation marker once the run winds down.
func (m *ChatModel) cancelTurn() {
	if m.cancelling {
		return
	}
	m.cancelling = true
	m.statusBar.Extra = "Cancelling..."
	if !m.deps.Conversation.Cancel() {
		m.deps.Logger.Debug("cancel requested with no active run", "gen", m.gen)
	}
}

func (m *ChatModel) finishTurn() {
	m.waiting = false
	m.cancelling = false
	m.updates = nil
	m.statusBar.Extra = ""
	m.statusBar.Hints = defaultHints()
	if id := m.deps.Conversation.ThreadID(); id != "" {
		m.statusBar.ThreadID = id
	}
}

func (m *ChatModel) addSystem(text string) {
	m.chatView.AddMessage(components.ChatMessage{Role: components.RoleSystem, Content: text})
}

func (m *ChatModel) addError(err error) {
	m.chatView.AddMessage(components.ChatMessage{
		Role:    components.RoleError,
		Content: uxerror.Humanize(err).Render(),
	})
}

// activity describes what the turn is doing for the spinner line.
func activity(t domain.Turn) string {
	for i := len(t.Segments) - 1; i >= 0; i-- {
		seg := t.Segments[i]
		if seg.Kind != domain.SegmentToolGroup || seg.Complete {
			continue
		}
		var running []string
		for _, c := range seg.Calls {
			if c.Status == domain.ToolCallRunning {
				running = append(running, c.Name)
			}
		}
		if len(running) > 0 {
			return "Calling " + strings.Join(running, ", ") + "..."
		}
	}
	if len(t.Segments) > 0 && t.Segments[len(t.Segments)-1].Kind == domain.SegmentText {
		return "Writing..."
	}
	return "Thinking..."
}

func defaultHints() []components.KeyHint {
	return []components.KeyHint{
		{Key: "Enter", Desc: "Send"},
		{Key: "/help", Desc: "Commands"},
		{Key: "Ctrl+C", Desc: "Quit"},
	}
}

func streamingHints() []components.KeyHint {
	return []components.KeyHint{
		{Key: "Esc", Desc: "Cancel"},
		{Key: "/cancel", Desc: "Stop"},
		{Key: "PgUp/PgDn", Desc: "Scroll"},
	}
}

// isMouseEscapeLeak detects mouse escape sequences that leaked through as
// key input instead of tea.MouseMsg. Covers SGR, X11 basic and URXVT forms.
func isMouseEscapeLeak(s string) bool {
	if len(s) >= 5 && s[0] == '<' && (s[len(s)-1] == 'M' || s[len(s)-1] == 'm') {
		return digitsAndSemicolons(s[1 : len(s)-1])
	}
	if len(s) >= 2 && s[0] == '[' && (s[1] == 'M' || s[1] == 'm') {
		return true
	}
	if len(s) >= 5 && s[0] == '[' && s[len(s)-1] == 'M' {
		return digitsAndSemicolons(s[1 : len(s)-1])
	}
	return false
}

func digitsAndSemicolons(s string) bool {
	for _, r := range s {
		if r != ';' && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}
