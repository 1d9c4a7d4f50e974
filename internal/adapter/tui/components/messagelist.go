package components

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"agentdeck/internal/adapter/tui/theme"
	"agentdeck/internal/domain"
)

// MessageRole identifies the sender of a chat message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
	RoleArtifact  MessageRole = "artifact"
	RoleError     MessageRole = "error"
)

// ChatMessage represents a single message in the chat history. Assistant
// messages carry the turn they render; Content is unused for them.
type ChatMessage struct {
	Role      MessageRole
	Content   string
	Rendered  string // cached output; empty means not yet rendered
	Timestamp time.Time
	Source    string       // tool name for RoleArtifact
	Turn      *domain.Turn // only for RoleAssistant
}

// MessageListModel manages an ordered list of chat messages with optional ring buffer.
type MessageListModel struct {
	Messages    []ChatMessage
	MaxMessages int // 0 = unlimited; positive = ring buffer cap
	trimCount   int // number of messages trimmed so far
	width       int
	mdRenderer  *glamour.TermRenderer
}

// NewMessageList creates an empty message list.
func NewMessageList() MessageListModel {
	return MessageListModel{}
}

// SetWidth updates the rendering width and clears cached renders.
func (m *MessageListModel) SetWidth(w int) {
	if w == m.width {
		return
	}
	m.width = w
	m.mdRenderer = nil // force re-creation with new width
	// Clear cached renders so they get re-rendered at new width.
	for i := range m.Messages {
		m.Messages[i].Rendered = ""
	}
}

// SetMaxMessages sets the ring buffer capacity. 0 means unlimited.
func (m *MessageListModel) SetMaxMessages(max int) {
	m.MaxMessages = max
}

// TrimmedIndicator returns a message if older messages were trimmed, empty otherwise.
func (m *MessageListModel) TrimmedIndicator() string {
	if m.trimCount == 0 {
		return ""
	}
	return fmt.Sprintf("(%d older messages trimmed)", m.trimCount)
}

// Add appends a message. If MaxMessages is set, trims oldest messages.
func (m *MessageListModel) Add(msg ChatMessage) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	m.Messages = append(m.Messages, msg)
	if m.MaxMessages > 0 && len(m.Messages) > m.MaxMessages {
		excess := len(m.Messages) - m.MaxMessages
		m.Messages = m.Messages[excess:]
		m.trimCount += excess
	}
}

// Clear removes all messages.
func (m *MessageListModel) Clear() {
	m.Messages = nil
}

// UpdateTurn replaces the assistant message rendering turn t. Snapshots
// older than the one already shown are ignored. It reports whether a message
// changed; an unknown turn is appended.
func (m *MessageListModel) UpdateTurn(t domain.Turn) bool {
	for i := len(m.Messages) - 1; i >= 0; i-- {
		msg := &m.Messages[i]
		if msg.Role != RoleAssistant || msg.Turn == nil || msg.Turn.ID != t.ID {
			continue
		}
		if t.Revision < msg.Turn.Revision {
			return false
		}
		snap := t.Clone()
		msg.Turn = &snap
		msg.Rendered = ""
		return true
	}
	snap := t.Clone()
	m.Add(ChatMessage{Role: RoleAssistant, Turn: &snap, Timestamp: t.StartedAt})
	return true
}

// View renders all messages as a single string.
func (m *MessageListModel) View() string {
	if len(m.Messages) == 0 {
		return theme.TextMuted.Render("  No messages yet. Start a conversation!")
	}

	contentWidth := m.width - 4 // padding
	if contentWidth > theme.MaxContentWidth {
		contentWidth = theme.MaxContentWidth
	}
	if contentWidth < 40 {
		contentWidth = 40
	}

	var sb strings.Builder
	if indicator := m.TrimmedIndicator(); indicator != "" {
		sb.WriteString(theme.TextMuted.Render("  "+indicator) + "\n\n")
	}
	for i := range m.Messages {
		msg := &m.Messages[i]
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(m.renderMessage(msg, contentWidth))
	}
	return sb.String()
}

func (m *MessageListModel) renderMessage(msg *ChatMessage, width int) string {
	label := m.roleLabel(msg.Role, msg.Source)
	header := label + " " + theme.Timestamp.Render(RelativeTime(msg.Timestamp))
	headerWidth := lipgloss.Width(header)

	var body string
	switch msg.Role {
	case RoleAssistant:
		if msg.Rendered == "" {
			msg.Rendered = m.renderTurn(msg.Turn, width)
		}
		body = msg.Rendered
		if body == "" {
			return header
		}
		return header + "\n" + body
	case RoleError:
		body = theme.TextError.Render(wrapText(msg.Content, width-2))
	default:
		inlineW := width - headerWidth - 2
		if inlineW < 20 {
			inlineW = width - 2
		}
		body = wrapText(msg.Content, inlineW)
	}
	if body == "" {
		return header
	}

	// Inline: put header and first line of body on the same line.
	if width-headerWidth-2 < 20 {
		return header + "\n  " + body
	}
	lines := strings.SplitN(body, "\n", 2)
	result := header + "  " + strings.TrimSpace(lines[0])
	if len(lines) > 1 {
		result += "\n" + lines[1]
	}
	return result
}

// renderTurn renders segments in order: text as markdown, tool groups as a
// compact call list. A turn that closed with an error ends with the error.
func (m *MessageListModel) renderTurn(t *domain.Turn, width int) string {
	if t == nil {
		return ""
	}
	var parts []string
	for _, seg := range t.Segments {
		switch seg.Kind {
		case domain.SegmentText:
			if strings.TrimSpace(seg.Content) == "" {
				continue
			}
			parts = append(parts, strings.TrimRight(m.renderMarkdown(seg.Content, width), "\n"))
		case domain.SegmentToolGroup:
			if g := renderToolGroup(seg.Calls, width); g != "" {
				parts = append(parts, g)
			}
		}
	}
	if t.Error != "" && !t.Cancelled {
		parts = append(parts, "  "+theme.TextError.Render(theme.SymbolError+" "+t.Error))
	}
	return strings.Join(parts, "\n")
}

// renderToolGroup renders one line per call. Width is used to truncate long
// tool names on narrow terminals.
func renderToolGroup(calls []domain.ToolCallState, width int) string {
	if len(calls) == 0 {
		return ""
	}
	// Reserve space for indent(2) + icon(1) + space(1) + duration(~12).
	maxNameLen := width - 16
	if maxNameLen < 10 {
		maxNameLen = 10
	}

	lines := make([]string, 0, len(calls))
	for _, c := range calls {
		icon := theme.TextInfo.Render(theme.SymbolSpinner)
		if c.Status == domain.ToolCallCompleted {
			icon = theme.TextSuccess.Render(theme.SymbolSuccess)
		}
		name := c.Name
		if len(name) > maxNameLen {
			name = name[:maxNameLen-1] + theme.SymbolEllipsis
		}
		dur := ""
		if !c.EndTime.IsZero() && c.EndTime.After(c.StartTime) {
			dur = " " + theme.TextMuted.Render(c.EndTime.Sub(c.StartTime).Round(time.Millisecond).String())
		}
		lines = append(lines, "  "+icon+" "+theme.ToolLabel.Render(name)+dur)
	}
	return strings.Join(lines, "\n")
}

func (m *MessageListModel) roleLabel(role MessageRole, source string) string {
	switch role {
	case RoleUser:
		return theme.UserLabel.Render(theme.SymbolUser)
	case RoleAssistant:
		return theme.BotLabel.Render(theme.SymbolBot)
	case RoleSystem:
		return theme.SystemLabel.Render("System")
	case RoleArtifact:
		name := "Artifact"
		if source != "" {
			name = source
		}
		return theme.ArtifactLabel.Render(theme.SymbolArrowR + " " + name)
	case RoleError:
		return theme.ErrorLabel.Render(theme.SymbolError + " Error")
	default:
		return theme.TextMuted.Render(string(role))
	}
}

func (m *MessageListModel) renderMarkdown(content string, width int) string {
	if m.mdRenderer == nil {
		r, err := glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(width),
		)
		if err != nil {
			return "  " + content
		}
		m.mdRenderer = r
	}
	rendered, err := m.mdRenderer.Render(content)
	if err != nil {
		return "  " + content
	}
	return rendered
}

// RelativeTime returns a human-readable relative time string.
func RelativeTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		m := int(d.Minutes())
		return fmt.Sprintf("%dm ago", m)
	case d < 24*time.Hour:
		h := int(d.Hours())
		return fmt.Sprintf("%dh ago", h)
	default:
		return t.Format("Jan 2 15:04")
	}
}

// wrapText wraps text to the given width with a 2-space indent on continuation lines.
// Uses rune-based indexing to safely handle multibyte UTF-8.
func wrapText(s string, width int) string {
	runes := []rune(s)
	if width <= 0 || len(runes) <= width {
		return s
	}
	var lines []string
	for len(runes) > width {
		// Find a good break point (space) within width.
		idx := -1
		for i := width - 1; i > 0; i-- {
			if runes[i] == ' ' {
				idx = i
				break
			}
		}
		if idx <= 0 {
			idx = width
		}
		lines = append(lines, string(runes[:idx]))
		runes = runes[idx:]
		// Trim leading spaces.
		for len(runes) > 0 && runes[0] == ' ' {
			runes = runes[1:]
		}
	}
	if len(runes) > 0 {
		lines = append(lines, string(runes))
	}
	return strings.Join(lines, "\n  ")
}

// Divider renders a horizontal line at the given width.
func Divider(width int) string {
	return lipgloss.NewStyle().
		Foreground(theme.ColorBorder).
		Render(strings.Repeat("─", width))
}
