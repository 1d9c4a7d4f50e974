package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDomainErrorFormat(t *testing.T) {
	err := NewDomainError("Client.StreamRun", ErrStreamTransport, "status 502")
	want := "Client.StreamRun: status 502: stream transport failed"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestDomainErrorFormatNoDetail(t *testing.T) {
	err := NewDomainError("Controller.StartTurn", ErrEmptyMessage, "")
	want := "Controller.StartTurn: message is empty"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestDomainErrorUnwrap(t *testing.T) {
	err := NewDomainError("Sandbox.ValidatePath", ErrPathOutsideSandbox, "/etc/passwd")
	if !errors.Is(err, ErrPathOutsideSandbox) {
		t.Error("errors.Is should match ErrPathOutsideSandbox")
	}
}

func TestWrapOpNil(t *testing.T) {
	assert.NoError(t, WrapOp("op", nil))
	err := WrapOp("history.Save", ErrHistoryStore)
	assert.ErrorIs(t, err, ErrHistoryStore)
	assert.Equal(t, "history.Save: history store failed", err.Error())
}

func TestIsRetryableError(t *testing.T) {
	assert.True(t, IsRetryableError(fmt.Errorf("wrap: %w", ErrRateLimit)))
	assert.True(t, IsRetryableError(ErrBackendUnavailable))
	assert.False(t, IsRetryableError(ErrCancelled))
}

func TestErrorCodeOf_DirectSentinel(t *testing.T) {
	assert.Equal(t, CodeCancelled, ErrorCodeOf(ErrCancelled))
	assert.Equal(t, CodeSessionNotFound, ErrorCodeOf(ErrSessionNotFound))
	assert.Equal(t, CodeRateLimit, ErrorCodeOf(ErrRateLimit))
	assert.Equal(t, CodeUnknown, ErrorCodeOf(nil))
}

func TestErrorCodeOf_Wrapped(t *testing.T) {
	err := fmt.Errorf("dispatch: %w", ErrRPCInvalidPayload)
	assert.Equal(t, CodeRPCInvalidPayload, ErrorCodeOf(err))
	assert.Equal(t, CodeGatewayAuth, ErrorCodeOf(fmt.Errorf("x: %w", ErrGatewayAuthFailed)))
	assert.Equal(t, CodeUnknown, ErrorCodeOf(errors.New("plain")))
}

func TestErrorCodeOf_SubSystem(t *testing.T) {
	tests := []struct {
		subsystem string
		sentinel  error
		want      ErrorCode
	}{
		{"thread", ErrNotFound, CodeThreadNotFound},
		{"workspace", ErrNotFound, CodeWorkspaceNotFound},
		{"run", ErrTimeout, CodeRunTimeout},
		{"artifact", ErrInvalidInput, CodeUnknownArtifact},
		{"other", ErrNotFound, CodeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.subsystem, func(t *testing.T) {
			err := NewSubSystemError(tt.subsystem, "op", tt.sentinel, "")
			require.ErrorIs(t, err, tt.sentinel)
			assert.Equal(t, tt.want, ErrorCodeOf(fmt.Errorf("outer: %w", err)))
			assert.Equal(t, tt.want, err.Code())
		})
	}
}
