package main

import (
	"context"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"

	"agentdeck/internal/adapter/tui/chat"
	"agentdeck/internal/infra/logger"
	"agentdeck/internal/usecase/artifact"
)

// runChat runs the terminal client against a fresh session.
func runChat(ctx context.Context, opts options) error {
	c, err := buildCore(ctx, opts, modeTerminal)
	if err != nil {
		return err
	}
	defer c.Close()

	ctrl, err := c.newSession()
	if err != nil {
		return err
	}

	sink := chat.NewSink()
	artifact.NewDispatcher(nil, sink, logger.Component(c.log, "artifact")).Attach(c.bus)

	model := chat.NewChatModel(chat.ChatModelDeps{
		Conversation: chat.NewControllerConversation(ctrl, opts.ThreadID),
		Context:      ctx,
		Logger:       logger.Component(c.log, "tui"),
		Assistant:    c.cfg.Backend.AssistantID,
	})
	p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithMouseCellMotion(), tea.WithContext(ctx))
	sink.Bind(p)

	if _, err := p.Run(); err != nil {
		return fmt.Errorf("chat: %w", err)
	}
	if thread := ctrl.ThreadID(); thread != "" {
		fmt.Printf("Resume with: agentdeck chat -thread %s\n", thread)
	}
	return nil
}
