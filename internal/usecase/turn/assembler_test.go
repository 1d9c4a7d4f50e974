package turn

import (
	"bytes"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentdeck/internal/domain"
)

func newTestAssembler(opts ...Option) *Assembler {
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	tick := 0
	clock := func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	return New("turn1", "th1", "question", append([]Option{WithClock(clock)}, opts...)...)
}

func applyAll(a *Assembler, evs ...domain.NormalizedEvent) {
	for _, ev := range evs {
		a.Apply(ev)
	}
}

func TestScenarioA_ExtendingDeltas(t *testing.T) {
	a := newTestAssembler()
	applyAll(a,
		domain.RunStarted{RunID: "run1"},
		domain.MessageDelta{Text: "Hello"},
		domain.MessageDelta{Text: "Hello world"},
		domain.StreamEnded{},
	)

	turn := a.Snapshot()
	require.Len(t, turn.Segments, 1)
	seg := turn.Segments[0]
	assert.Equal(t, domain.SegmentText, seg.Kind)
	assert.Equal(t, "Hello world", seg.Content)
	assert.True(t, seg.Complete)
	assert.True(t, turn.Closed)
	assert.Equal(t, "run1", turn.RunID)
	assert.Equal(t, "completed", turn.Status())
}

func TestScenarioB_ToolThenText(t *testing.T) {
	a := newTestAssembler()
	applyAll(a,
		domain.ToolStarted{ToolCallID: "1", ToolName: "search"},
		domain.ToolEnded{ToolCallID: "1", Result: "3 hits"},
		domain.MessageDelta{Text: "Found 3 results"},
		domain.StreamEnded{},
	)

	turn := a.Snapshot()
	require.Len(t, turn.Segments, 2)

	group := turn.Segments[0]
	assert.Equal(t, domain.SegmentToolGroup, group.Kind)
	assert.True(t, group.Complete)
	require.Len(t, group.Calls, 1)
	assert.Equal(t, domain.ToolCallCompleted, group.Calls[0].Status)
	assert.Equal(t, "3 hits", group.Calls[0].Result)
	assert.False(t, group.Calls[0].EndTime.IsZero())

	text := turn.Segments[1]
	assert.Equal(t, domain.SegmentText, text.Kind)
	assert.Equal(t, "Found 3 results", text.Content)
	assert.True(t, text.Complete)
}

func TestScenarioC_TextToolText(t *testing.T) {
	a := newTestAssembler()
	applyAll(a,
		domain.MessageDelta{Text: "Thinking..."},
		domain.ToolStarted{ToolCallID: "2", ToolName: "lookup"},
		domain.MessageDelta{Text: "Done"},
		domain.StreamEnded{},
	)

	turn := a.Snapshot()
	require.Len(t, turn.Segments, 3)
	assert.Equal(t, "Thinking...", turn.Segments[0].Content)
	assert.Equal(t, domain.SegmentToolGroup, turn.Segments[1].Kind)
	require.Len(t, turn.Segments[1].Calls, 1)
	assert.Equal(t, domain.ToolCallRunning, turn.Segments[1].Calls[0].Status, "unresolved call stays running")
	assert.Equal(t, "Done", turn.Segments[2].Content)
	for _, s := range turn.Segments {
		assert.True(t, s.Complete, "segment %s", s.ID)
	}
}

func TestStrictExtensionsProduceOneSegment(t *testing.T) {
	a := newTestAssembler()
	text := ""
	for i := 0; i < 20; i++ {
		text += fmt.Sprintf("w%d ", i)
		a.Apply(domain.MessageDelta{Text: text})
	}
	turn := a.Snapshot()
	require.Len(t, turn.Segments, 1)
	assert.Equal(t, text, turn.Segments[0].Content)
	assert.False(t, turn.Segments[0].Complete)
}

func TestUnrelatedDeltaOpensSegment(t *testing.T) {
	a := newTestAssembler()
	a.Apply(domain.MessageDelta{Text: "first answer"})
	out := a.Apply(domain.MessageDelta{Text: "second thought"})

	assert.True(t, out.Changed)
	turn := a.Snapshot()
	require.Len(t, turn.Segments, 2)
	assert.True(t, turn.Segments[0].Complete)
	assert.False(t, turn.Segments[1].Complete)
	assert.Equal(t, "turn1/1", turn.Segments[0].ID)
	assert.Equal(t, "turn1/2", turn.Segments[1].ID)
}

func TestDeltaIdempotence(t *testing.T) {
	a := newTestAssembler()
	a.Apply(domain.MessageDelta{Text: "Hello world"})
	rev := a.Snapshot().Revision

	for _, text := range []string{"Hello world", "Hello", ""} {
		out := a.Apply(domain.MessageDelta{Text: text})
		assert.False(t, out.Changed, "delta %q", text)
	}
	turn := a.Snapshot()
	require.Len(t, turn.Segments, 1)
	assert.Equal(t, "Hello world", turn.Segments[0].Content)
	assert.Equal(t, rev, turn.Revision)
}

func TestSnapshotReplayIgnored(t *testing.T) {
	// A full values snapshot replays the earlier answer after the tool ran.
	a := newTestAssembler()
	applyAll(a,
		domain.MessageDelta{Text: "Let me search.", Final: true},
		domain.ToolCallRequested{ToolCallID: "c1", ToolName: "search"},
		domain.MessageDelta{Text: "Let me search.", Final: true},
		domain.ToolCallRequested{ToolCallID: "c1", ToolName: "search"},
		domain.ToolEnded{ToolCallID: "c1", ToolName: "search", Result: "hits"},
		domain.MessageDelta{Text: "Let me search.", Final: true},
		domain.ToolCallRequested{ToolCallID: "c1", ToolName: "search"},
		domain.ToolEnded{ToolCallID: "c1", ToolName: "search", Result: "hits"},
		domain.MessageDelta{Text: "Here are the hits.", Final: true},
		domain.StreamEnded{},
	)

	turn := a.Snapshot()
	require.Len(t, turn.Segments, 3)
	assert.Equal(t, "Let me search.", turn.Segments[0].Content)
	require.Len(t, turn.Segments[1].Calls, 1)
	assert.Equal(t, domain.ToolCallCompleted, turn.Segments[1].Calls[0].Status)
	assert.Equal(t, "Here are the hits.", turn.Segments[2].Content)
}

func TestStreamedRepeatAfterToolOpensSegment(t *testing.T) {
	a := newTestAssembler()
	applyAll(a,
		domain.MessageDelta{Text: "Let me check."},
		domain.ToolStarted{ToolCallID: "t1", ToolName: "search"},
		domain.ToolEnded{ToolCallID: "t1", ToolName: "search", Result: "ok"},
		domain.MessageDelta{Text: "Let me check."},
		domain.StreamEnded{},
	)

	turn := a.Snapshot()
	require.Len(t, turn.Segments, 3)
	assert.Equal(t, domain.SegmentText, turn.Segments[2].Kind)
	assert.Equal(t, "Let me check.", turn.Segments[2].Content)
}

func TestToolStartDoesNotPairWithFinishedCall(t *testing.T) {
	a := newTestAssembler()
	applyAll(a,
		domain.ToolCallRequested{ToolCallID: "call_1", ToolName: "search"},
		domain.ToolEnded{ToolCallID: "call_1", ToolName: "search", Result: "first"},
	)

	out := a.Apply(domain.ToolStarted{ToolCallID: "run-2", ToolName: "search"})
	assert.True(t, out.Changed, "a second call is recorded")
	end := a.Apply(domain.ToolEnded{ToolCallID: "run-2", ToolName: "search", Result: "second"})
	require.NotNil(t, end.Completed)
	assert.Equal(t, "run-2", end.Completed.ID)

	calls := a.Snapshot().Segments[0].Calls
	require.Len(t, calls, 2)
	assert.Equal(t, "first", calls[0].Result)
	assert.Equal(t, "second", calls[1].Result)
}

func TestLateSnapshotRequestPairsWithFinishedTrace(t *testing.T) {
	a := newTestAssembler()
	applyAll(a,
		domain.ToolStarted{ToolCallID: "trace-1", ToolName: "search"},
		domain.ToolEnded{ToolCallID: "trace-1", ToolName: "search", Result: "ok"},
		domain.ToolCallRequested{ToolCallID: "call-1", ToolName: "search"},
	)
	dup := a.Apply(domain.ToolEnded{ToolCallID: "call-1", ToolName: "search", Result: "ok"})
	assert.Nil(t, dup.Completed)
	assert.Len(t, a.Snapshot().Segments[0].Calls, 1)
}

func TestToolPairingAcrossTraceAndSnapshot(t *testing.T) {
	a := newTestAssembler()
	applyAll(a,
		domain.ToolStarted{ToolCallID: "trace-1", ToolName: "search"},
		domain.ToolCallRequested{ToolCallID: "call-1", ToolName: "search"},
	)
	out := a.Apply(domain.ToolEnded{ToolCallID: "trace-1", ToolName: "search", Result: "ok"})
	require.NotNil(t, out.Completed)
	assert.Equal(t, "trace-1", out.Completed.ID)

	dup := a.Apply(domain.ToolEnded{ToolCallID: "call-1", ToolName: "search", Result: "ok"})
	assert.Nil(t, dup.Completed, "snapshot tool message duplicates the trace end")

	turn := a.Snapshot()
	require.Len(t, turn.Segments, 1)
	assert.Len(t, turn.Segments[0].Calls, 1)
}

func TestToolPairingSequentialSameName(t *testing.T) {
	a := newTestAssembler()
	applyAll(a,
		domain.ToolCallRequested{ToolCallID: "c1", ToolName: "search"},
		domain.ToolStarted{ToolCallID: "t1", ToolName: "search"},
		domain.ToolEnded{ToolCallID: "t1", ToolName: "search", Result: "a"},
		domain.ToolCallRequested{ToolCallID: "c2", ToolName: "search"},
		domain.ToolStarted{ToolCallID: "t2", ToolName: "search"},
		domain.ToolEnded{ToolCallID: "c2", ToolName: "search", Result: "b"},
	)

	calls := a.Snapshot().Segments[0].Calls
	require.Len(t, calls, 2)
	assert.Equal(t, "a", calls[0].Result)
	assert.Equal(t, "b", calls[1].Result)
}

func TestToolEndedInterleaved(t *testing.T) {
	a := newTestAssembler()
	applyAll(a,
		domain.ToolStarted{ToolCallID: "a", ToolName: "one"},
		domain.ToolStarted{ToolCallID: "b", ToolName: "two"},
		domain.MessageDelta{Text: "meanwhile"},
		domain.RunStarted{RunID: "r"},
		domain.ToolEnded{ToolCallID: "a", Result: "A"},
		domain.MessageDelta{Text: "meanwhile, more"},
		domain.ToolEnded{ToolCallID: "b", Result: "B"},
	)

	group := a.Snapshot().Segments[0]
	require.Len(t, group.Calls, 2)
	assert.Equal(t, domain.ToolCallCompleted, group.Calls[0].Status)
	assert.Equal(t, "A", group.Calls[0].Result)
	assert.Equal(t, domain.ToolCallCompleted, group.Calls[1].Status)
	assert.Equal(t, "B", group.Calls[1].Result)
}

func TestToolEndedFallsBackToName(t *testing.T) {
	a := newTestAssembler()
	applyAll(a,
		domain.ToolStarted{ToolCallID: "x", ToolName: "fetch"},
		domain.ToolStarted{ToolCallID: "y", ToolName: "fetch"},
	)
	out := a.Apply(domain.ToolEnded{ToolName: "fetch", Result: "latest"})
	require.NotNil(t, out.Completed)
	assert.Equal(t, "y", out.Completed.ID, "most recent running call wins")

	out = a.Apply(domain.ToolEnded{ToolName: "fetch", Result: "older"})
	require.NotNil(t, out.Completed)
	assert.Equal(t, "x", out.Completed.ID)
}

func TestToolEndedWithoutMatchIsDropped(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	a := newTestAssembler(WithLogger(logger))

	out := a.Apply(domain.ToolEnded{ToolCallID: "nope", ToolName: "ghost", Result: "r"})
	assert.False(t, out.Changed)
	assert.Nil(t, out.Completed)
	assert.Empty(t, a.Snapshot().Segments)
	assert.Contains(t, buf.String(), "dropping tool result without matching call")
}

func TestToolGroupStaysOpenAfterEnd(t *testing.T) {
	a := newTestAssembler()
	applyAll(a,
		domain.ToolStarted{ToolCallID: "1", ToolName: "a"},
		domain.ToolEnded{ToolCallID: "1", Result: "done"},
		domain.ToolStarted{ToolCallID: "2", ToolName: "b"},
	)
	turn := a.Snapshot()
	require.Len(t, turn.Segments, 1)
	assert.Len(t, turn.Segments[0].Calls, 2)
	assert.False(t, turn.Segments[0].Complete)
}

func TestCancelAfterDeltas(t *testing.T) {
	a := newTestAssembler()
	applyAll(a,
		domain.MessageDelta{Text: "Partial"},
		domain.MessageDelta{Text: "Partial answer"},
		domain.StreamError{Message: "cancelled", Cancelled: true},
		domain.StreamEnded{},
	)

	turn := a.Snapshot()
	require.Len(t, turn.Segments, 1)
	assert.Equal(t, "Partial answer"+domain.CancelMarker, turn.Segments[0].Content)
	assert.True(t, turn.Segments[0].Complete)
	assert.True(t, turn.Cancelled)
	assert.Empty(t, turn.Error)
	assert.Equal(t, "cancelled", turn.Status())
}

func TestCancelMarksLastTextSegment(t *testing.T) {
	a := newTestAssembler()
	applyAll(a,
		domain.MessageDelta{Text: "Checking"},
		domain.ToolStarted{ToolCallID: "1", ToolName: "slow"},
		domain.StreamError{Cancelled: true},
		domain.StreamEnded{},
	)
	turn := a.Snapshot()
	require.Len(t, turn.Segments, 2)
	assert.Equal(t, "Checking"+domain.CancelMarker, turn.Segments[0].Content)
}

func TestCancelWithoutText(t *testing.T) {
	a := newTestAssembler()
	applyAll(a,
		domain.ToolStarted{ToolCallID: "1", ToolName: "slow"},
		domain.StreamError{Cancelled: true},
	)
	turn := a.Snapshot()
	require.Len(t, turn.Segments, 2)
	assert.Equal(t, "[cancelled]", turn.Segments[1].Content)
	assert.True(t, turn.Segments[0].Complete)
	assert.True(t, turn.Segments[1].Complete)

	// A second cancel does not stack markers.
	a.Apply(domain.StreamError{Cancelled: true})
	assert.Len(t, a.Snapshot().Segments, 2)
}

func TestStreamErrorSetsError(t *testing.T) {
	a := newTestAssembler()
	applyAll(a,
		domain.MessageDelta{Text: "so far"},
		domain.StreamError{Message: "backend exploded"},
		domain.StreamError{Message: "second error"},
		domain.StreamEnded{},
	)
	turn := a.Snapshot()
	assert.Equal(t, "backend exploded", turn.Error)
	assert.Equal(t, "so far", turn.Segments[0].Content, "partial text survives")
	assert.Equal(t, "failed", turn.Status())
}

func TestStreamEndedClosesEverything(t *testing.T) {
	a := newTestAssembler()
	applyAll(a,
		domain.MessageDelta{Text: "a"},
		domain.ToolStarted{ToolCallID: "1", ToolName: "t"},
	)
	out := a.Apply(domain.StreamEnded{})
	assert.True(t, out.Closed)
	assert.True(t, a.Closed())

	turn := a.Snapshot()
	for _, s := range turn.Segments {
		assert.True(t, s.Complete)
	}
	assert.False(t, turn.ClosedAt.IsZero())
}

func TestEventsAfterCloseIgnored(t *testing.T) {
	a := newTestAssembler()
	applyAll(a, domain.MessageDelta{Text: "final"}, domain.StreamEnded{})
	rev := a.Snapshot().Revision

	out := a.Apply(domain.MessageDelta{Text: "late"})
	assert.Equal(t, Outcome{}, out)
	out = a.Apply(domain.StreamEnded{})
	assert.False(t, out.Closed)
	assert.Equal(t, rev, a.Snapshot().Revision)
}

func TestRunStartedDoesNotOverrideBind(t *testing.T) {
	a := newTestAssembler()
	assert.True(t, a.Bind("th-header", "run-header"))
	a.Apply(domain.RunStarted{RunID: "run-meta", ThreadID: "th-meta"})

	turn := a.Snapshot()
	assert.Equal(t, "run-header", turn.RunID)
	assert.Equal(t, "th-header", turn.ThreadID)
	assert.False(t, a.Bind("th-header", ""))
}

func TestRevisionIncreases(t *testing.T) {
	a := newTestAssembler()
	var last uint64
	for _, ev := range []domain.NormalizedEvent{
		domain.MessageDelta{Text: "a"},
		domain.MessageDelta{Text: "ab"},
		domain.ToolStarted{ToolCallID: "1", ToolName: "t"},
		domain.ToolEnded{ToolCallID: "1"},
		domain.StreamEnded{},
	} {
		a.Apply(ev)
		rev := a.Snapshot().Revision
		assert.Greater(t, rev, last)
		last = rev
	}
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	a := newTestAssembler()
	a.Apply(domain.ToolStarted{ToolCallID: "1", ToolName: "t"})
	snap := a.Snapshot()
	snap.Segments[0].Calls[0].Name = "mutated"
	assert.Equal(t, "t", a.Snapshot().Segments[0].Calls[0].Name)
}

func TestCancelMarkerNotRepeated(t *testing.T) {
	a := newTestAssembler()
	applyAll(a,
		domain.MessageDelta{Text: "text"},
		domain.StreamError{Cancelled: true},
		domain.StreamError{Cancelled: true},
	)
	assert.Equal(t, "text"+domain.CancelMarker, a.Snapshot().Segments[0].Content)
}
