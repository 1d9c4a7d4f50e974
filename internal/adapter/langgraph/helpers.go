package langgraph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"agentdeck/internal/domain"
)

// maxErrorBody caps how much of a failed response body is read for diagnostics.
const maxErrorBody = 4096

// maxResponseBody is the maximum JSON response body read from the backend.
const maxResponseBody = 10 * 1024 * 1024 // 10 MB

// newJSONRequest builds a request against baseURL with the API key and JSON
// body set. A nil body sends no payload.
func newJSONRequest(ctx context.Context, method, baseURL, path, apiKey string, body any) (*http.Request, error) {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		rdr = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(baseURL, "/")+path, rdr)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if apiKey != "" {
		req.Header.Set("X-Api-Key", apiKey)
	}
	return req, nil
}

// doRequest executes req and returns the open response on 2xx. Any other
// status is drained (up to maxErrorBody) and mapped to a domain error.
func doRequest(client *http.Client, req *http.Request) (*http.Response, error) {
	resp, err := client.Do(req)
	if err != nil {
		if req.Context().Err() != nil {
			return nil, context.Cause(req.Context())
		}
		return nil, fmt.Errorf("%w: %s %s: %w", domain.ErrBackendUnavailable, req.Method, req.URL.Path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, mapHTTPError(resp.StatusCode, body)
	}
	return resp, nil
}

// decodeJSON reads a bounded JSON body into v and closes it.
func decodeJSON(resp *http.Response, v any) error {
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return fmt.Errorf("%w: read response: %w", domain.ErrStreamTransport, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: decode response: %w", domain.ErrStreamTransport, err)
	}
	return nil
}

// mapHTTPError maps an HTTP status code + response body to a domain error so
// the session controller and circuit breaker can classify backend failures.
func mapHTTPError(statusCode int, body []byte) error {
	detail := fmt.Sprintf("backend error %d: %s", statusCode, strings.TrimSpace(string(body)))

	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden: // 401, 403
		return fmt.Errorf("%w: %s", domain.ErrAuthInvalid, detail)
	case statusCode == http.StatusNotFound: // 404
		return fmt.Errorf("%w: %s", domain.ErrNotFound, detail)
	case statusCode == http.StatusTooManyRequests: // 429
		return fmt.Errorf("%w: %s", domain.ErrRateLimit, detail)
	case statusCode >= 500: // 500, 502, 503, etc.
		return fmt.Errorf("%w: %s", domain.ErrBackendUnavailable, detail)
	default:
		return fmt.Errorf("%w: %s", domain.ErrStreamTransport, detail)
	}
}

// runIDsFromHeaders reads the run and thread identifiers from response
// headers, falling back to Content-Location: /threads/{tid}/runs/{rid}.
func runIDsFromHeaders(h http.Header) (runID, threadID string) {
	runID = h.Get("X-Run-Id")
	threadID = h.Get("X-Thread-Id")
	if runID != "" && threadID != "" {
		return runID, threadID
	}

	loc := h.Get("Content-Location")
	if loc == "" {
		return runID, threadID
	}
	if u, err := url.Parse(loc); err == nil {
		loc = u.Path
	}
	parts := strings.Split(strings.Trim(loc, "/"), "/")
	for i := 0; i+1 < len(parts); i++ {
		switch parts[i] {
		case "threads":
			if threadID == "" {
				threadID = parts[i+1]
			}
		case "runs":
			if runID == "" && parts[i+1] != "stream" {
				runID = parts[i+1]
			}
		}
	}
	return runID, threadID
}
