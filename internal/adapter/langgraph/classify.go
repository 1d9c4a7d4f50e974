package langgraph

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"slices"
	"strings"

	"agentdeck/internal/domain"
)

// Stream modes and trace event names the classifier recognises.
const (
	modeError            = "error"
	modeEnd              = "end"
	modeMetadata         = "metadata"
	modeUpdates          = "updates"
	modeValues           = "values"
	modeEvents           = "events"
	modeMessages         = "messages"
	modeMessagesPartial  = "messages/partial"
	modeMessagesComplete = "messages/complete"
	modeMessagesMetadata = "messages/metadata"
	modeDebug            = "debug"

	traceToolStart = "on_tool_start"
	traceToolEnd   = "on_tool_end"
)

// Classifier maps StreamFrames to normalized events. It keeps no state
// between frames and performs no deduplication.
type Classifier struct {
	logger *slog.Logger
}

// NewClassifier creates a Classifier that reports discarded data at Debug.
func NewClassifier(logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{logger: logger}
}

var quietClassifier = &Classifier{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}

// Classify maps one frame without logging.
func Classify(frame domain.StreamFrame) []domain.NormalizedEvent {
	return quietClassifier.Classify(frame)
}

// Classify maps one frame to zero or more normalized events, in order.
func (c *Classifier) Classify(frame domain.StreamFrame) []domain.NormalizedEvent {
	if frame.Done {
		return nil
	}
	mode, _, _ := strings.Cut(frame.Event, "|")

	payload, ok := decodePayload(frame.Data)
	if !ok {
		return nil
	}

	switch mode {
	case modeError:
		return []domain.NormalizedEvent{domain.StreamError{Message: errorMessage(payload, frame.Data)}}
	case modeEnd:
		return []domain.NormalizedEvent{domain.StreamEnded{}}
	case modeMetadata:
		obj, _ := payload.(map[string]any)
		runID := str(obj, "run_id")
		if runID == "" {
			return nil
		}
		return []domain.NormalizedEvent{domain.RunStarted{RunID: runID, ThreadID: str(obj, "thread_id")}}
	}

	obj, isObj := payload.(map[string]any)
	traceEvent := mode
	if isObj && str(obj, "event") != "" {
		traceEvent = str(obj, "event")
	}
	switch traceEvent {
	case traceToolStart:
		if !isObj {
			return nil
		}
		return []domain.NormalizedEvent{toolStartFromTrace(obj)}
	case traceToolEnd:
		if !isObj {
			return nil
		}
		return []domain.NormalizedEvent{toolEndFromTrace(obj)}
	}

	switch mode {
	case modeUpdates, modeValues:
		return c.fromSnapshot(obj)
	case modeMessagesPartial, modeMessagesComplete:
		return c.fromMessageArray(mode, payload)
	case modeEvents, modeMessages, modeMessagesMetadata, modeDebug:
		// Other trace events and incremental message tuples are covered by
		// the snapshot modes requested alongside them.
		return nil
	}

	// Trace-shaped payloads under an unknown mode are not fallback shapes.
	if isObj && str(obj, "event") != "" {
		return nil
	}
	return fromFallback(payload)
}

func toolStartFromTrace(obj map[string]any) domain.NormalizedEvent {
	data := object(obj, "data")
	input := object(data, "input")
	if input == nil {
		input = object(obj, "input")
	}

	name := str(obj, "name")
	if name == "" {
		name = str(input, "name")
	}

	var args any
	if v, ok := data["input"]; ok {
		args = v
	} else if v, ok := obj["input"]; ok {
		args = v
	}

	id := str(obj, "run_id")
	if id == "" {
		id = str(input, "tool_call_id")
	}
	return domain.ToolStarted{ToolCallID: id, ToolName: name, Args: rawJSON(args)}
}

func toolEndFromTrace(obj map[string]any) domain.NormalizedEvent {
	data := object(obj, "data")
	output, ok := data["output"]
	if !ok {
		output = obj["output"]
	}

	id := str(obj, "run_id")
	if id == "" {
		if out, isObj := output.(map[string]any); isObj {
			id = str(out, "tool_call_id")
		}
	}
	name := str(obj, "name")
	if name == "" {
		if out, isObj := output.(map[string]any); isObj {
			name = str(out, "name")
		}
	}
	return domain.ToolEnded{ToolCallID: id, ToolName: name, Result: flattenResult(output)}
}

// fromSnapshot extracts events from an updates or values payload.
func (c *Classifier) fromSnapshot(obj map[string]any) []domain.NormalizedEvent {
	if obj == nil {
		return nil
	}
	var records []any
	switch {
	case hasList(obj, "messages"):
		records = list(obj, "messages")
	case hasList(object(obj, "state"), "messages"):
		records = list(object(obj, "state"), "messages")
	default:
		// Node-keyed updates: {"agent": {"messages": [...]}}.
		keys := make([]string, 0, len(obj))
		for k := range obj {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			if nested := object(obj, k); hasList(nested, "messages") {
				records = append(records, list(nested, "messages")...)
			}
		}
	}
	if len(records) == 0 {
		return nil
	}

	var out []domain.NormalizedEvent
	for _, rec := range tailAfterHuman(records) {
		m, ok := rec.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, fromMessageRecord(m, true)...)
	}
	return out
}

func (c *Classifier) fromMessageArray(mode string, payload any) []domain.NormalizedEvent {
	arr, ok := payload.([]any)
	if !ok || len(arr) == 0 {
		return nil
	}
	if len(arr) > 1 {
		c.logger.Debug("dropping extra message entries", "mode", mode, "dropped", len(arr)-1)
	}
	first, ok := arr[0].(map[string]any)
	if !ok || !isAIMessage(first) {
		return nil
	}
	return fromAIMessage(first, mode == modeMessagesComplete)
}

// fromFallback handles custom or untyped payloads: an object or an array of
// objects that look like an assistant message or a bare tool record.
func fromFallback(payload any) []domain.NormalizedEvent {
	var items []any
	switch v := payload.(type) {
	case map[string]any:
		items = []any{v}
	case []any:
		items = v
	default:
		return nil
	}

	var out []domain.NormalizedEvent
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		kind := messageKind(m)
		switch {
		case kind == "ai" || kind == "assistant":
			out = append(out, fromAIMessage(m, false)...)
		case isToolMessage(m):
			out = append(out, fromMessageRecord(m, false)...)
		case kind != "":
			// Human, system and chunk records are not ours to render.
		default:
			out = append(out, fromBareTool(m)...)
		}
	}
	return out
}

func fromBareTool(m map[string]any) []domain.NormalizedEvent {
	name := str(m, "tool_name")
	if name == "" {
		name = str(m, "name")
	}
	if name == "" {
		return nil
	}
	id := str(m, "tool_call_id")
	if id == "" {
		id = str(m, "id")
	}

	for _, key := range []string{"output", "result"} {
		if v, ok := m[key]; ok {
			return []domain.NormalizedEvent{domain.ToolEnded{ToolCallID: id, ToolName: name, Result: flattenResult(v)}}
		}
	}

	var args any
	if v, ok := m["args"]; ok {
		args = v
	} else if v, ok := m["input"]; ok {
		args = v
	}
	return []domain.NormalizedEvent{domain.ToolStarted{ToolCallID: id, ToolName: name, Args: rawJSON(args)}}
}

// fromMessageRecord normalizes one message from a snapshot list.
func fromMessageRecord(m map[string]any, final bool) []domain.NormalizedEvent {
	switch {
	case isToolMessage(m):
		name := str(m, "name")
		id := str(m, "tool_call_id")
		if name == "" && id == "" {
			return nil
		}
		return []domain.NormalizedEvent{domain.ToolEnded{ToolCallID: id, ToolName: name, Result: flattenResult(m["content"])}}
	case isAIMessage(m):
		return fromAIMessage(m, final)
	}
	return nil
}

func fromAIMessage(m map[string]any, final bool) []domain.NormalizedEvent {
	var out []domain.NormalizedEvent
	if text := flattenText(m["content"]); text != "" {
		out = append(out, domain.MessageDelta{Text: text, Final: final})
	}
	calls, _ := m["tool_calls"].([]any)
	for _, c := range calls {
		call, ok := c.(map[string]any)
		if !ok {
			continue
		}
		name := str(call, "name")
		args, hasArgs := call["args"]
		// OpenAI-style {"function": {"name", "arguments"}} entries.
		if fn := object(call, "function"); fn != nil {
			if name == "" {
				name = str(fn, "name")
			}
			if !hasArgs {
				if s := str(fn, "arguments"); s != "" && json.Valid([]byte(s)) {
					args = json.RawMessage(s)
				}
			}
		}
		if name == "" {
			continue
		}
		out = append(out, domain.ToolCallRequested{ToolCallID: str(call, "id"), ToolName: name, Args: rawJSON(args)})
	}
	return out
}

// tailAfterHuman drops every record up to and including the last human
// message so a full-history snapshot only yields the current turn.
func tailAfterHuman(records []any) []any {
	for i := len(records) - 1; i >= 0; i-- {
		m, ok := records[i].(map[string]any)
		if !ok {
			continue
		}
		switch messageKind(m) {
		case "human", "user", "humanmessage", "humanmessagechunk":
			return records[i+1:]
		}
	}
	return records
}

func messageKind(m map[string]any) string {
	kind := str(m, "type")
	if kind == "" {
		kind = str(m, "role")
	}
	return strings.ToLower(kind)
}

func isAIMessage(m map[string]any) bool {
	switch messageKind(m) {
	case "ai", "assistant", "aimessage", "aimessagechunk":
		return true
	}
	return false
}

func isToolMessage(m map[string]any) bool {
	switch messageKind(m) {
	case "tool", "toolmessage":
		return true
	}
	return false
}

// flattenText returns string content as-is and concatenates text blocks of
// block-list content. Any other shape yields "".
func flattenText(v any) string {
	switch c := v.(type) {
	case string:
		return c
	case []any:
		text, _ := textBlocks(c)
		return text
	}
	return ""
}

// flattenResult renders a tool result. Objects carrying content are
// unwrapped; other values without text blocks are rendered as compact JSON.
func flattenResult(v any) string {
	switch c := v.(type) {
	case nil:
		return ""
	case string:
		return c
	case []any:
		if text, ok := textBlocks(c); ok {
			return text
		}
	case map[string]any:
		if inner, ok := c["content"]; ok {
			return flattenResult(inner)
		}
	}
	return string(rawJSON(v))
}

func textBlocks(blocks []any) (string, bool) {
	var sb strings.Builder
	found := false
	for _, b := range blocks {
		switch block := b.(type) {
		case string:
			sb.WriteString(block)
			found = true
		case map[string]any:
			t, hasText := block["text"].(string)
			if !hasText {
				continue
			}
			if kind := str(block, "type"); kind != "" && kind != "text" {
				continue
			}
			sb.WriteString(t)
			found = true
		}
	}
	return sb.String(), found
}

func errorMessage(payload any, raw json.RawMessage) string {
	switch v := payload.(type) {
	case string:
		return v
	case map[string]any:
		if msg := str(v, "message"); msg != "" {
			return msg
		}
		if msg := str(v, "error"); msg != "" {
			return msg
		}
	}
	return string(raw)
}

// --- JSON helpers ---

func decodePayload(data json.RawMessage) (any, bool) {
	if len(data) == 0 {
		return nil, false
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, false
	}
	return v, true
}

func str(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

func object(m map[string]any, key string) map[string]any {
	if m == nil {
		return nil
	}
	o, _ := m[key].(map[string]any)
	return o
}

func list(m map[string]any, key string) []any {
	if m == nil {
		return nil
	}
	l, _ := m[key].([]any)
	return l
}

func hasList(m map[string]any, key string) bool {
	if m == nil {
		return false
	}
	_, ok := m[key].([]any)
	return ok
}

func rawJSON(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
