package chat

import "agentdeck/internal/domain"

// TurnStartedMsg is sent once the session accepted a message.
type TurnStartedMsg struct {
	Gen     uint64
	Updates <-chan domain.Turn
}

// TurnUpdatedMsg carries a turn snapshot for request generation Gen.
type TurnUpdatedMsg struct {
	Gen  uint64
	Turn domain.Turn
}

// TurnDoneMsg is sent when the snapshot channel of generation Gen closes.
type TurnDoneMsg struct {
	Gen uint64
}

// SendFailedMsg reports a turn that could not be started.
type SendFailedMsg struct {
	Gen uint64
	Err error
}

// ArtifactMsg carries a command batch from the artifact dispatcher.
type ArtifactMsg struct {
	Batch domain.CommandBatch
}

// QuitMsg signals the TUI to exit.
type QuitMsg struct{}
