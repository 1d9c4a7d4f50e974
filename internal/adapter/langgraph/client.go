package langgraph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/sony/gobreaker/v2"

	"agentdeck/internal/domain"
	"agentdeck/internal/infra/config"
	"agentdeck/internal/infra/tracer"
)

// Client talks to a LangGraph agent server over HTTP and SSE.
type Client struct {
	baseURL     string
	apiKey      string
	assistantID string
	streamModes []string
	http        *http.Client
	breaker     *gobreaker.CircuitBreaker[*http.Response]
	logger      *slog.Logger
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the pooled HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// NewClient creates a backend client from cfg.
func NewClient(cfg config.BackendConfig, logger *slog.Logger, opts ...ClientOption) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	modes := cfg.StreamModes
	if len(modes) == 0 {
		modes = config.DefaultStreamModes
	}
	c := &Client{
		baseURL:     cfg.URL,
		apiKey:      cfg.APIKey,
		assistantID: cfg.AssistantID,
		streamModes: modes,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = NewHTTPClient(cfg)
	}
	c.breaker = newBreaker(cfg.AssistantID, cfg.CircuitBreaker, logger)
	return c
}

// HTTPClient exposes the pooled client so sibling adapters (workspace) share it.
func (c *Client) HTTPClient() *http.Client { return c.http }

// State returns the circuit breaker state for status reporting.
func (c *Client) State() gobreaker.State { return c.breaker.State() }

type threadResponse struct {
	ThreadID string `json:"thread_id"`
}

// CreateThread implements domain.AgentBackend.
func (c *Client) CreateThread(ctx context.Context) (string, error) {
	ctx, span := tracer.StartSpan(ctx, "langgraph.create_thread")
	defer span.End()

	req, err := newJSONRequest(ctx, http.MethodPost, c.baseURL, "/threads", c.apiKey, struct{}{})
	if err != nil {
		tracer.RecordError(span, err)
		return "", err
	}
	resp, err := c.breaker.Execute(func() (*http.Response, error) {
		return doRequest(c.http, req)
	})
	if err != nil {
		err = breakerError(err)
		tracer.RecordError(span, err)
		return "", domain.WrapOp("create thread", err)
	}

	var out threadResponse
	if err := decodeJSON(resp, &out); err != nil {
		tracer.RecordError(span, err)
		return "", domain.WrapOp("create thread", err)
	}
	if out.ThreadID == "" {
		err := fmt.Errorf("%w: response without thread_id", domain.ErrStreamTransport)
		tracer.RecordError(span, err)
		return "", domain.WrapOp("create thread", err)
	}

	span.SetAttributes(tracer.StringAttr("thread_id", out.ThreadID))
	tracer.SetOK(span)
	c.logger.Debug("thread created", "thread_id", out.ThreadID)
	return out.ThreadID, nil
}

type runInputMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type runInput struct {
	Messages []runInputMessage `json:"messages"`
}

type streamRunRequest struct {
	AssistantID  string   `json:"assistant_id"`
	Input        runInput `json:"input"`
	StreamMode   []string `json:"stream_mode"`
	IfNotExists  string   `json:"if_not_exists,omitempty"`
	OnDisconnect string   `json:"on_disconnect,omitempty"`
}

// StreamRun implements domain.AgentBackend. The returned stream reads the
// response body; cancelling ctx aborts it.
func (c *Client) StreamRun(ctx context.Context, rr domain.RunRequest) (*domain.RunStream, error) {
	if rr.ThreadID == "" {
		return nil, domain.NewDomainError("stream run", domain.ErrInvalidInput, "thread id is required")
	}
	assistant := rr.AssistantID
	if assistant == "" {
		assistant = c.assistantID
	}

	_, span := tracer.StartSpan(ctx, "langgraph.stream_run")
	defer span.End()
	span.SetAttributes(
		tracer.StringAttr("thread_id", rr.ThreadID),
		tracer.StringAttr("assistant_id", assistant),
	)

	body := streamRunRequest{
		AssistantID:  assistant,
		Input:        runInput{Messages: []runInputMessage{{Role: "user", Content: rr.Message}}},
		StreamMode:   c.streamModes,
		IfNotExists:  "create",
		OnDisconnect: "cancel",
	}
	path := "/threads/" + url.PathEscape(rr.ThreadID) + "/runs/stream"
	// The span covers connect only; the request lives on ctx because the
	// body is read long after the span ends.
	req, err := newJSONRequest(ctx, http.MethodPost, c.baseURL, path, c.apiKey, body)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.breaker.Execute(func() (*http.Response, error) {
		return doRequest(c.http, req)
	})
	if err != nil {
		err = breakerError(err)
		tracer.RecordError(span, err)
		return nil, domain.WrapOp("stream run", err)
	}

	runID, threadID := runIDsFromHeaders(resp.Header)
	if threadID == "" {
		threadID = rr.ThreadID
	}
	span.SetAttributes(tracer.StringAttr("run_id", runID))
	tracer.SetOK(span)
	c.logger.Debug("run stream connected", "thread_id", threadID, "run_id", runID)

	return &domain.RunStream{
		RunID:    runID,
		ThreadID: threadID,
		Events:   NewEventStream(resp.Body, c.logger.With("thread_id", threadID, "run_id", runID)),
	}, nil
}

// CancelRun implements domain.AgentBackend. With no runID every active run on
// the thread is cancelled. A run that no longer exists is not an error.
func (c *Client) CancelRun(ctx context.Context, threadID, runID string) error {
	if threadID == "" {
		return domain.NewDomainError("cancel run", domain.ErrInvalidInput, "thread id is required")
	}
	ctx, span := tracer.StartSpan(ctx, "langgraph.cancel_run")
	span.SetAttributes(tracer.StringAttr("thread_id", threadID), tracer.StringAttr("run_id", runID))

	path := "/threads/" + url.PathEscape(threadID) + "/runs/cancel"
	if runID != "" {
		path = "/threads/" + url.PathEscape(threadID) + "/runs/" + url.PathEscape(runID) + "/cancel"
	}
	path += "?wait=false&action=interrupt"

	var err error
	defer func() { tracer.EndWithError(span, err) }()

	req, err := newJSONRequest(ctx, http.MethodPost, c.baseURL, path, c.apiKey, nil)
	if err != nil {
		return err
	}
	resp, err := doRequest(c.http, req)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			c.logger.Debug("cancel target not found", "thread_id", threadID, "run_id", runID)
			err = nil
			return nil
		}
		err = domain.WrapOp("cancel run", err)
		return err
	}
	resp.Body.Close()
	c.logger.Debug("run cancel requested", "thread_id", threadID, "run_id", runID)
	return nil
}

var _ domain.AgentBackend = (*Client)(nil)

// GetJSON issues a breaker-guarded GET against the backend and decodes the
// JSON response into v. Sibling adapters (workspace) use it for auxiliary
// endpoints so they share the pool and error mapping.
func (c *Client) GetJSON(ctx context.Context, path string, query url.Values, v any) error {
	ctx, span := tracer.StartSpan(ctx, "langgraph.get")
	span.SetAttributes(tracer.StringAttr("http.path", path))
	var err error
	defer func() { tracer.EndWithError(span, err) }()

	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	req, err := newJSONRequest(ctx, http.MethodGet, c.baseURL, path, c.apiKey, nil)
	if err != nil {
		return err
	}
	resp, err := c.breaker.Execute(func() (*http.Response, error) {
		return doRequest(c.http, req)
	})
	if err != nil {
		err = breakerError(err)
		return err
	}
	err = decodeJSON(resp, v)
	return err
}
