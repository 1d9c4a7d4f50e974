package components

import (
	"strings"

	"github.com/charmbracelet/lipgloss"

	"agentdeck/internal/adapter/tui/theme"
)

// KeyHint represents a single keybinding hint shown in the status bar.
type KeyHint struct {
	Key  string // e.g. "Enter"
	Desc string // e.g. "Send"
}

// StatusBarModel renders a bottom status bar with keybinding hints and the
// current assistant and thread.
type StatusBarModel struct {
	Hints     []KeyHint // show 3-4 most important hints
	Assistant string
	ThreadID  string
	Extra     string // additional status text (e.g. "Streaming...")
	width     int
}

// NewStatusBar creates a status bar with default hints.
func NewStatusBar() StatusBarModel {
	return StatusBarModel{}
}

// SetWidth updates the available width.
func (m *StatusBarModel) SetWidth(w int) {
	m.width = w
}

// View renders the status bar as a single line.
func (m StatusBarModel) View() string {
	// Left side: keybinding hints.
	var hints []string
	for _, h := range m.Hints {
		key := theme.StatusKey.Render(h.Key)
		hints = append(hints, key+": "+h.Desc)
	}
	left := strings.Join(hints, "  "+theme.Dim.Render("|")+"  ")

	// Right side: assistant and thread.
	var right string
	if m.Assistant != "" || m.ThreadID != "" {
		var parts []string
		if m.Assistant != "" {
			parts = append(parts, m.Assistant)
		}
		if m.ThreadID != "" {
			parts = append(parts, shortID(m.ThreadID))
		}
		right = theme.TextMuted.Render(strings.Join(parts, " "+theme.SymbolBullet+" "))
	}

	if m.Extra != "" {
		if right != "" {
			right += "  "
		}
		right += theme.TextInfo.Render(m.Extra)
	}

	// Join left and right, padding the gap.
	leftW := lipgloss.Width(left)
	rightW := lipgloss.Width(right)
	gap := m.width - leftW - rightW
	if gap < 1 {
		gap = 1
	}

	bar := left + strings.Repeat(" ", gap) + right
	return theme.StatusBar.Width(m.width).Render(bar)
}

// shortID keeps the first 8 characters of an identifier.
func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
