// Package artifact turns finished tool results into UI commands and forwards
// them to presentation surfaces.
package artifact

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/kaptinlin/jsonschema"

	"agentdeck/internal/domain"
)

// Interpretation is the outcome of reading one tool result. Text is set only
// when the result carried no commands.
type Interpretation struct {
	Commands []domain.UICommand
	Text     string
}

// Empty reports whether there is nothing to present.
func (i Interpretation) Empty() bool {
	return len(i.Commands) == 0 && i.Text == ""
}

// documentExts are the file types a viewer can open.
var documentExts = map[string]bool{
	".md": true, ".markdown": true, ".pdf": true, ".txt": true,
	".html": true, ".htm": true, ".csv": true, ".json": true,
	".docx": true, ".xlsx": true, ".png": true, ".jpg": true,
	".jpeg": true, ".svg": true,
}

const maxDocumentPath = 1024

// Interpreter validates command payloads against compiled schemas.
type Interpreter struct {
	schemas  map[domain.CommandType]*jsonschema.Schema
	registry *Registry
	logger   *slog.Logger
}

// NewInterpreter compiles the command schemas. registry may be nil, in which
// case the built-in components are used.
func NewInterpreter(registry *Registry, logger *slog.Logger) *Interpreter {
	if registry == nil {
		registry = NewRegistry()
	}
	if logger == nil {
		logger = slog.Default()
	}
	compiler := jsonschema.NewCompiler()
	schemas := make(map[domain.CommandType]*jsonschema.Schema, len(commandSchemas))
	for t, raw := range commandSchemas {
		s, err := compiler.Compile([]byte(raw))
		if err != nil {
			panic(fmt.Sprintf("artifact: command schema %q: %v", t, err))
		}
		schemas[t] = s
	}
	return &Interpreter{schemas: schemas, registry: registry, logger: logger}
}

var defaultInterpreter = sync.OnceValue(func() *Interpreter {
	return NewInterpreter(nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
})

// Interpret reads result with the built-in schemas and components.
func Interpret(result string) Interpretation {
	return defaultInterpreter().Interpret(result)
}

// Interpret maps a tool result to UI commands. A command container is a
// {"commands":[...]} object, a bare array or a single {"type":...} object,
// optionally JSON-encoded inside a string. Invalid commands are dropped;
// the rest keep their order. A container with no valid command, like
// anything else unrecognized, is returned as Text. A bare document path
// becomes open_document.
func (i *Interpreter) Interpret(result string) Interpretation {
	trimmed := strings.TrimSpace(result)
	if trimmed == "" {
		return Interpretation{}
	}

	if items, ok := commandItems(trimmed); ok {
		if cmds := i.commands(items); len(cmds) > 0 {
			return Interpretation{Commands: cmds}
		}
		return Interpretation{Text: result}
	}
	if path, ok := documentPath(trimmed); ok {
		return Interpretation{Commands: []domain.UICommand{{
			Type:  domain.CommandOpenDocument,
			Path:  path,
			Title: filepath.Base(path),
		}}}
	}
	return Interpretation{Text: result}
}

// commandItems extracts raw command candidates from a JSON container.
func commandItems(s string) ([]json.RawMessage, bool) {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, false
	}
	// One level of string encoding is unwrapped.
	if inner, ok := v.(string); ok {
		inner = strings.TrimSpace(inner)
		if err := json.Unmarshal([]byte(inner), &v); err != nil {
			return nil, false
		}
		s = inner
	}

	switch t := v.(type) {
	case []any:
		var items []json.RawMessage
		if json.Unmarshal([]byte(s), &items) != nil || !looksLikeCommands(t) {
			return nil, false
		}
		return items, true
	case map[string]any:
		if _, ok := t["commands"].([]any); ok {
			var wrapper struct {
				Commands []json.RawMessage `json:"commands"`
			}
			if json.Unmarshal([]byte(s), &wrapper) != nil {
				return nil, false
			}
			return wrapper.Commands, true
		}
		if typ, ok := t["type"].(string); ok && isCommandType(typ) {
			return []json.RawMessage{json.RawMessage(s)}, true
		}
	}
	return nil, false
}

// looksLikeCommands requires a bare array to hold at least one object with
// a known command type, so arbitrary JSON arrays stay opaque.
func looksLikeCommands(items []any) bool {
	for _, it := range items {
		m, ok := it.(map[string]any)
		if !ok {
			continue
		}
		if typ, ok := m["type"].(string); ok && isCommandType(typ) {
			return true
		}
	}
	return false
}

func isCommandType(t string) bool {
	_, ok := commandSchemas[domain.CommandType(t)]
	return ok
}

func (i *Interpreter) commands(items []json.RawMessage) []domain.UICommand {
	var out []domain.UICommand
	for idx, raw := range items {
		cmd, err := i.command(raw)
		if err != nil {
			i.logger.Warn("dropping invalid ui command", "index", idx, "error", err)
			continue
		}
		out = append(out, cmd)
	}
	return out
}

func (i *Interpreter) command(raw json.RawMessage) (domain.UICommand, error) {
	var data any
	if err := json.Unmarshal(raw, &data); err != nil {
		return domain.UICommand{}, domain.NewDomainError("Interpreter.command", domain.ErrArtifactInvalid, err.Error())
	}
	obj, ok := data.(map[string]any)
	if !ok {
		return domain.UICommand{}, domain.NewDomainError("Interpreter.command", domain.ErrArtifactInvalid, "command is not an object")
	}
	typ, _ := obj["type"].(string)
	schema, ok := i.schemas[domain.CommandType(typ)]
	if !ok {
		return domain.UICommand{}, domain.NewDomainError("Interpreter.command", domain.ErrArtifactInvalid,
			fmt.Sprintf("unknown command type %q", typ))
	}
	if result := schema.Validate(obj); !result.IsValid() {
		return domain.UICommand{}, domain.NewDomainError("Interpreter.command", domain.ErrArtifactInvalid,
			fmt.Sprintf("%s: %s", typ, result.Error()))
	}

	var cmd domain.UICommand
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return domain.UICommand{}, domain.NewDomainError("Interpreter.command", domain.ErrArtifactInvalid, err.Error())
	}
	if cmd.Type == domain.CommandRenderArtifact {
		if err := i.registry.Validate(cmd.Component, cmd.Props); err != nil {
			return domain.UICommand{}, err
		}
	}
	return cmd, nil
}

// documentPath reports whether s is a single path token with a renderable
// extension.
func documentPath(s string) (string, bool) {
	if len(s) > maxDocumentPath || strings.ContainsAny(s, " \t\r\n\"'<>|") || strings.Contains(s, "://") {
		return "", false
	}
	ext := strings.ToLower(filepath.Ext(s))
	if !documentExts[ext] || len(s) == len(ext) {
		return "", false
	}
	return s, true
}
