package chat

import (
	"context"

	tea "github.com/charmbracelet/bubbletea"

	"agentdeck/internal/domain"
)

// sendMessageCmd starts a turn in the background.
func sendMessageCmd(ctx context.Context, conv Conversation, gen uint64, content string) tea.Cmd {
	return func() tea.Msg {
		updates, err := conv.Send(ctx, content)
		if err != nil {
			return SendFailedMsg{Gen: gen, Err: err}
		}
		return TurnStartedMsg{Gen: gen, Updates: updates}
	}
}

// waitForUpdate blocks for the next snapshot. The model re-issues it after
// every TurnUpdatedMsg until the channel closes.
func waitForUpdate(updates <-chan domain.Turn, gen uint64) tea.Cmd {
	return func() tea.Msg {
		t, ok := <-updates
		if !ok {
			return TurnDoneMsg{Gen: gen}
		}
		return TurnUpdatedMsg{Gen: gen, Turn: t}
	}
}
