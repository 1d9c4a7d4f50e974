package gateway

import (
	"context"
	"log/slog"

	"agentdeck/internal/domain"
	"agentdeck/internal/usecase/scheduling"
	"agentdeck/internal/usecase/session"
)

const defaultHistoryLimit = 50

// HandlerDeps holds dependencies needed by RPC and REST handlers.
type HandlerDeps struct {
	Sessions  *session.Manager
	History   domain.TurnStore              // can be nil (history disabled)
	Workspace domain.Workspace              // can be nil (workspace disabled)
	Jobs      func() []scheduling.EntryInfo // can be nil
	Bus       domain.EventBus
	Logger    *slog.Logger
	Version   string
}

// RegisterDefaultHandlers registers the built-in RPC methods.
func RegisterDefaultHandlers(s *Server, deps HandlerDeps) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	s.RegisterHandler("chat.send", chatSendHandler(deps))
	s.RegisterHandler("chat.cancel", chatCancelHandler(deps))
	s.RegisterHandler("session.get", sessionGetHandler(deps))
	if deps.History != nil {
		s.RegisterHandler("history.list", historyListHandler(deps))
		s.RegisterHandler("history.threads", historyThreadsHandler(deps))
	}
}

// --- chat ---

type chatSendRequest struct {
	SessionID string `json:"session_id"`
	ThreadID  string `json:"thread_id"`
	Content   string `json:"content"`
}

type chatSendResponse struct {
	SessionID string `json:"session_id"`
	TurnID    string `json:"turn_id"`
	ThreadID  string `json:"thread_id,omitempty"`
}

// TurnUpdate is the payload of a turn.updated event frame.
type TurnUpdate struct {
	SessionID string      `json:"session_id"`
	Turn      domain.Turn `json:"turn"`
}

// chatSendHandler starts a turn and, after the response, streams its
// snapshots to the caller in revision order. The final frame carries the
// closed turn.
func chatSendHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, call *Call) (any, error) {
		var req chatSendRequest
		if err := call.Decode(&req); err != nil {
			return nil, err
		}
		ctrl, _, err := deps.Sessions.GetOrCreate(req.SessionID)
		if err != nil {
			return nil, err
		}
		call.Watch(ctrl.ID())

		run, err := ctrl.StartTurn(ctx, req.ThreadID, req.Content)
		if err != nil {
			return nil, err
		}
		deps.Logger.Debug("chat.send accepted",
			"session_id", ctrl.ID(),
			"turn_id", run.TurnID,
			"client", call.Client.Name,
		)

		call.AfterReply(func() {
			go func() {
				for t := range run.Updates() {
					if !call.Send(MethodTurnUpdated, TurnUpdate{SessionID: ctrl.ID(), Turn: t}) {
						return
					}
				}
			}()
		})
		return chatSendResponse{SessionID: ctrl.ID(), TurnID: run.TurnID, ThreadID: run.ThreadID()}, nil
	}
}

type sessionRequest struct {
	SessionID string `json:"session_id"`
}

func chatCancelHandler(deps HandlerDeps) RPCHandler {
	return func(_ context.Context, call *Call) (any, error) {
		var req sessionRequest
		if err := call.Decode(&req); err != nil {
			return nil, err
		}
		ctrl, err := deps.Sessions.Get(req.SessionID)
		if err != nil {
			return nil, err
		}
		return map[string]bool{"cancelled": ctrl.Cancel()}, nil
	}
}

// --- sessions ---

// sessionGetHandler returns the session state and subscribes the caller to
// its events, which lets a reconnecting client resume.
func sessionGetHandler(deps HandlerDeps) RPCHandler {
	return func(_ context.Context, call *Call) (any, error) {
		var req sessionRequest
		if err := call.Decode(&req); err != nil {
			return nil, err
		}
		ctrl, err := deps.Sessions.Get(req.SessionID)
		if err != nil {
			return nil, err
		}
		call.Watch(ctrl.ID())
		return ctrl.Snapshot(), nil
	}
}

// --- history ---

type historyListRequest struct {
	ThreadID string `json:"thread_id"`
	Limit    int    `json:"limit"`
}

func historyListHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, call *Call) (any, error) {
		var req historyListRequest
		if err := call.Decode(&req); err != nil {
			return nil, err
		}
		if req.Limit <= 0 {
			req.Limit = defaultHistoryLimit
		}
		turns, err := deps.History.ListTurns(ctx, req.ThreadID, req.Limit)
		if err != nil {
			return nil, err
		}
		if turns == nil {
			turns = []domain.Turn{}
		}
		return map[string]any{"thread_id": req.ThreadID, "turns": turns}, nil
	}
}

func historyThreadsHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *Call) (any, error) {
		threads, err := deps.History.Threads(ctx)
		if err != nil {
			return nil, err
		}
		if threads == nil {
			threads = []domain.ThreadSummary{}
		}
		return threads, nil
	}
}
