package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"agentdeck/internal/domain"
	"agentdeck/internal/infra/logger"
	"agentdeck/internal/usecase/artifact"
)

// runAsk sends one message and prints the closed turn to stdout. The thread
// ID goes to stderr so the conversation can be resumed with -thread.
func runAsk(ctx context.Context, opts options, message string, stdout, stderr io.Writer) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c, err := buildCore(ctx, opts, modeTerminal)
	if err != nil {
		return err
	}
	defer c.Close()

	ctrl, err := c.newSession()
	if err != nil {
		return err
	}
	notes := artifact.SinkFunc(func(_ context.Context, b domain.CommandBatch) error {
		return writeBatch(stderr, b)
	})
	artifact.NewDispatcher(nil, notes, logger.Component(c.log, "artifact")).Attach(c.bus)

	run, err := ctrl.StartTurn(ctx, opts.ThreadID, message)
	if err != nil {
		return err
	}
	go func() {
		select {
		case <-ctx.Done():
			ctrl.Cancel()
		case <-run.Done():
		}
	}()

	final, runErr := run.Wait(context.Background())
	fmt.Fprint(stdout, formatTurn(final))
	if thread := run.ThreadID(); thread != "" {
		fmt.Fprintf(stderr, "thread: %s\n", thread)
	}
	return runErr
}

// formatTurn renders a turn as plain text: text segments verbatim, one line
// per tool call.
func formatTurn(t domain.Turn) string {
	var sb strings.Builder
	for _, seg := range t.Segments {
		switch seg.Kind {
		case domain.SegmentText:
			if strings.TrimSpace(seg.Content) == "" {
				continue
			}
			sb.WriteString(strings.TrimRight(seg.Content, "\n"))
			sb.WriteString("\n")
		case domain.SegmentToolGroup:
			for _, call := range seg.Calls {
				sb.WriteString("[tool] " + call.Name)
				if !call.EndTime.IsZero() && call.EndTime.After(call.StartTime) {
					sb.WriteString(" (" + call.EndTime.Sub(call.StartTime).Round(time.Millisecond).String() + ")")
				}
				sb.WriteString("\n")
			}
		}
	}
	if t.Error != "" && !t.Cancelled {
		sb.WriteString("error: " + t.Error + "\n")
	}
	return sb.String()
}

// writeBatch prints one artifact batch as a JSON line.
func writeBatch(w io.Writer, b domain.CommandBatch) error {
	line := struct {
		Tool     string             `json:"tool"`
		Commands []domain.UICommand `json:"commands,omitempty"`
		Text     string             `json:"text,omitempty"`
	}{b.ToolName, b.Commands, b.Text}
	data, err := json.Marshal(line)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "artifact: %s\n", data)
	return err
}
