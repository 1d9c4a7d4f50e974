package gateway

import (
	"encoding/json"

	"agentdeck/internal/domain"
)

// FrameType identifies the kind of frame sent over the WebSocket connection.
type FrameType string

const (
	FrameTypeRequest  FrameType = "request"
	FrameTypeResponse FrameType = "response"
	FrameTypeEvent    FrameType = "event"
)

// MethodTurnUpdated names event frames carrying turn snapshots for a
// chat.send issued on the same connection.
const MethodTurnUpdated = "turn.updated"

// Frame is the envelope exchanged between client and server over WebSocket.
// Event frames carry the event type in Method.
type Frame struct {
	Type    FrameType       `json:"type"`
	ID      uint64          `json:"id,omitempty"`     // request/response correlation ID
	Method  string          `json:"method,omitempty"` // RPC method or event type
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *FrameError     `json:"error,omitempty"` // response only
}

// FrameError is the error body of a failed response.
type FrameError struct {
	Code    domain.ErrorCode `json:"code"`
	Message string           `json:"message"`
}

func newFrameError(err error) *FrameError {
	if err == nil {
		return nil
	}
	code := domain.ErrorCodeOf(err)
	msg := err.Error()
	// Internal details stay in the server log.
	if code == domain.CodeUnknown {
		msg = "internal error"
	}
	return &FrameError{Code: code, Message: msg}
}

func eventFrame(method string, v any) (Frame, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: FrameTypeEvent, Method: method, Payload: payload}, nil
}
