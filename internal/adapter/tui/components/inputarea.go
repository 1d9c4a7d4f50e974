package components

import (
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"agentdeck/internal/adapter/tui/theme"
)

// InputSubmitMsg is sent when the user presses Enter to submit input.
type InputSubmitMsg struct {
	Value string
}

// InputAreaModel wraps a single-line text input with submit handling.
type InputAreaModel struct {
	Input   textinput.Model
	Enabled bool
	width   int
}

// NewInputArea creates an input area with sensible defaults.
func NewInputArea() InputAreaModel {
	ti := textinput.New()
	ti.Placeholder = "Type your message..."
	ti.Prompt = "> "
	ti.CharLimit = 65536
	ti.PromptStyle = theme.InputPrompt
	ti.PlaceholderStyle = theme.InputPlaceholder
	ti.Focus()

	return InputAreaModel{
		Input:   ti,
		Enabled: true,
	}
}

// SetWidth updates the input width.
func (m *InputAreaModel) SetWidth(w int) {
	m.width = w
	m.Input.Width = w - 4 // prompt and padding
}

// SetEnabled enables or disables input.
func (m *InputAreaModel) SetEnabled(enabled bool) {
	m.Enabled = enabled
	if enabled {
		m.Input.Focus()
	} else {
		m.Input.Blur()
	}
}

// Reset clears the input.
func (m *InputAreaModel) Reset() {
	m.Input.Reset()
}

// Value returns the current input text.
func (m InputAreaModel) Value() string {
	return m.Input.Value()
}

// ParseSlashCommand extracts command and args from slash command input.
func ParseSlashCommand(input string) (cmd string, args []string, ok bool) {
	input = strings.TrimSpace(input)
	if !strings.HasPrefix(input, "/") {
		return "", nil, false
	}
	parts := strings.Fields(input)
	return strings.ToLower(parts[0]), parts[1:], true
}

// Update handles key events. Enter submits non-blank input.
func (m InputAreaModel) Update(msg tea.Msg) (InputAreaModel, tea.Cmd) {
	if !m.Enabled {
		return m, nil
	}
	if _, ok := msg.(tea.MouseMsg); ok {
		return m, nil
	}

	if keyMsg, ok := msg.(tea.KeyMsg); ok && keyMsg.Type == tea.KeyEnter {
		value := strings.TrimSpace(m.Input.Value())
		if value == "" {
			return m, nil
		}
		m.Input.Reset()
		return m, func() tea.Msg {
			return InputSubmitMsg{Value: value}
		}
	}

	var cmd tea.Cmd
	m.Input, cmd = m.Input.Update(msg)
	return m, cmd
}

// View renders the input line.
func (m InputAreaModel) View() string {
	return m.Input.View()
}
