package domain

import (
	"errors"
	"fmt"
)

// Category sentinels. Combine with NewSubSystemError for subsystem-specific codes.
var (
	ErrNotFound         = fmt.Errorf("not found")
	ErrDuplicate        = fmt.Errorf("duplicate")
	ErrTimeout          = fmt.Errorf("operation timed out")
	ErrLimitReached     = fmt.Errorf("limit reached")
	ErrPermissionDenied = fmt.Errorf("permission denied")
	ErrInvalidInput     = fmt.Errorf("invalid input")
)

// Sentinel errors for the domain layer.
var (
	ErrCancelled          = fmt.Errorf("run cancelled")
	ErrStreamTransport    = fmt.Errorf("stream transport failed")
	ErrRunFailed          = fmt.Errorf("agent run failed")
	ErrBackendUnavailable = fmt.Errorf("agent backend unavailable")
	ErrMalformedFrame     = fmt.Errorf("malformed stream frame")
	ErrSessionNotFound    = fmt.Errorf("session not found")
	ErrSessionClosed      = fmt.Errorf("session closed")
	ErrEmptyMessage       = fmt.Errorf("message is empty")
	ErrPathOutsideSandbox = fmt.Errorf("path is outside sandbox boundary")
	ErrFileTooLarge       = fmt.Errorf("file exceeds size limit")
	ErrConfigLoad         = fmt.Errorf("failed to load configuration")
	ErrDecryption         = fmt.Errorf("decryption failed")
	ErrHistoryStore       = fmt.Errorf("history store failed")
	ErrArtifactInvalid    = fmt.Errorf("artifact failed validation")

	// Gateway / RPC errors.
	ErrGatewayAuthFailed = fmt.Errorf("gateway: %w", ErrAuthInvalid)
	ErrRPCMethodNotFound = fmt.Errorf("rpc method not found")
	ErrRPCInvalidPayload = fmt.Errorf("rpc payload invalid")

	// Resilience errors.
	ErrRateLimit   = fmt.Errorf("rate limit exceeded")
	ErrAuthInvalid = fmt.Errorf("authentication failed")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Client.StreamRun")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "workspace", "history"); used for ErrorCode dispatch
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// NewSubSystemError creates a DomainError tagged with a subsystem for ErrorCode dispatch.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsRetryableError reports whether err is a transient error that may succeed on retry.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrRateLimit) || errors.Is(err, ErrBackendUnavailable)
}

// ErrorCode is a machine-parseable error category returned to gateway clients.
type ErrorCode string

const (
	CodeUnknown            ErrorCode = "UNKNOWN"
	CodeCancelled          ErrorCode = "CANCELLED"
	CodeStreamTransport    ErrorCode = "STREAM_TRANSPORT"
	CodeRunFailed          ErrorCode = "RUN_FAILED"
	CodeBackendUnavailable ErrorCode = "BACKEND_UNAVAILABLE"
	CodeMalformedFrame     ErrorCode = "MALFORMED_FRAME"
	CodeSessionNotFound    ErrorCode = "SESSION_NOT_FOUND"
	CodeSessionClosed      ErrorCode = "SESSION_CLOSED"
	CodeEmptyMessage       ErrorCode = "EMPTY_MESSAGE"
	CodePathOutsideSandbox ErrorCode = "PATH_OUTSIDE_SANDBOX"
	CodeFileTooLarge       ErrorCode = "FILE_TOO_LARGE"
	CodeConfigLoad         ErrorCode = "CONFIG_LOAD"
	CodeDecryption         ErrorCode = "DECRYPTION"
	CodeHistoryStore       ErrorCode = "HISTORY_STORE"
	CodeArtifactInvalid    ErrorCode = "ARTIFACT_INVALID"
	CodeGatewayAuth        ErrorCode = "GATEWAY_AUTH"
	CodeRPCMethodNotFound  ErrorCode = "RPC_METHOD_NOT_FOUND"
	CodeRPCInvalidPayload  ErrorCode = "RPC_INVALID_PAYLOAD"
	CodeRateLimit          ErrorCode = "RATE_LIMIT"
	CodeAuthInvalid        ErrorCode = "AUTH_INVALID"

	// Subsystem-specific codes resolved through subSystemCodeMap.
	CodeThreadNotFound    ErrorCode = "THREAD_NOT_FOUND"
	CodeRunNotFound       ErrorCode = "RUN_NOT_FOUND"
	CodeWorkspaceNotFound ErrorCode = "WORKSPACE_NOT_FOUND"
	CodeRunTimeout        ErrorCode = "RUN_TIMEOUT"
	CodeUnknownArtifact   ErrorCode = "UNKNOWN_ARTIFACT"

	// Category error codes: fallback codes when no subsystem-specific code matches.
	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodeDuplicate        ErrorCode = "DUPLICATE"
	CodeTimeout          ErrorCode = "TIMEOUT"
	CodeLimitReached     ErrorCode = "LIMIT_REACHED"
	CodePermissionDenied ErrorCode = "PERMISSION_DENIED"
	CodeInvalidInput     ErrorCode = "INVALID_INPUT"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:         CodeNotFound,
	ErrDuplicate:        CodeDuplicate,
	ErrTimeout:          CodeTimeout,
	ErrLimitReached:     CodeLimitReached,
	ErrPermissionDenied: CodePermissionDenied,
	ErrInvalidInput:     CodeInvalidInput,

	ErrCancelled:          CodeCancelled,
	ErrStreamTransport:    CodeStreamTransport,
	ErrRunFailed:          CodeRunFailed,
	ErrBackendUnavailable: CodeBackendUnavailable,
	ErrMalformedFrame:     CodeMalformedFrame,
	ErrSessionNotFound:    CodeSessionNotFound,
	ErrSessionClosed:      CodeSessionClosed,
	ErrEmptyMessage:       CodeEmptyMessage,
	ErrPathOutsideSandbox: CodePathOutsideSandbox,
	ErrFileTooLarge:       CodeFileTooLarge,
	ErrConfigLoad:         CodeConfigLoad,
	ErrDecryption:         CodeDecryption,
	ErrHistoryStore:       CodeHistoryStore,
	ErrArtifactInvalid:    CodeArtifactInvalid,
	ErrGatewayAuthFailed:  CodeGatewayAuth,
	ErrRPCMethodNotFound:  CodeRPCMethodNotFound,
	ErrRPCInvalidPayload:  CodeRPCInvalidPayload,
	ErrRateLimit:          CodeRateLimit,
	ErrAuthInvalid:        CodeAuthInvalid,
}

// subSystemCodeMap maps (category sentinel, subsystem) pairs to specific ErrorCodes.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrNotFound: {
		"thread":    CodeThreadNotFound,
		"run":       CodeRunNotFound,
		"workspace": CodeWorkspaceNotFound,
		"session":   CodeSessionNotFound,
	},
	ErrTimeout: {
		"run": CodeRunTimeout,
	},
	ErrInvalidInput: {
		"artifact": CodeUnknownArtifact,
	},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code := de.Code(); code != CodeUnknown {
			return code
		}
	}

	// Specific sentinels first so that wrapped category sentinels
	// (ErrGatewayAuthFailed wraps ErrAuthInvalid) resolve deterministically.
	for _, sentinel := range []error{ErrGatewayAuthFailed} {
		if errors.Is(err, sentinel) {
			return errorCodeMap[sentinel]
		}
	}
	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
// If SubSystem is set, checks the subSystemCodeMap for a specific code.
func (e *DomainError) Code() ErrorCode {
	if e.SubSystem != "" {
		if subsysMap, ok := subSystemCodeMap[e.Err]; ok {
			if code, ok := subsysMap[e.SubSystem]; ok {
				return code
			}
		}
	}
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return CodeUnknown
}
