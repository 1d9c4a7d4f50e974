package artifact

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/kaptinlin/jsonschema"

	"agentdeck/internal/domain"
)

// Registry maps artifact component names to the schema their props must
// satisfy. Only registered components can be rendered.
type Registry struct {
	mu         sync.RWMutex
	compiler   *jsonschema.Compiler
	components map[string]*jsonschema.Schema
}

// NewRegistry returns a registry holding the built-in components.
func NewRegistry() *Registry {
	r := &Registry{
		compiler:   jsonschema.NewCompiler(),
		components: make(map[string]*jsonschema.Schema),
	}
	for name, schema := range builtinComponents {
		if err := r.Register(name, []byte(schema)); err != nil {
			panic(fmt.Sprintf("artifact: built-in component %q: %v", name, err))
		}
	}
	return r
}

// Register adds or replaces a component schema.
func (r *Registry) Register(name string, schema []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	compiled, err := r.compiler.Compile(schema)
	if err != nil {
		return fmt.Errorf("compile schema for component %q: %w", name, err)
	}
	r.components[name] = compiled
	return nil
}

// Components lists registered component names in order.
func (r *Registry) Components() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.components))
	for name := range r.components {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks props against the component's schema. Missing props are
// validated as an empty object.
func (r *Registry) Validate(component string, props json.RawMessage) error {
	r.mu.RLock()
	schema, ok := r.components[component]
	r.mu.RUnlock()
	if !ok {
		return domain.NewSubSystemError("artifact", "Registry.Validate", domain.ErrInvalidInput,
			fmt.Sprintf("unknown component %q", component))
	}

	var data any = map[string]any{}
	if len(props) > 0 {
		if err := json.Unmarshal(props, &data); err != nil {
			return domain.NewDomainError("Registry.Validate", domain.ErrArtifactInvalid, err.Error())
		}
	}
	if result := schema.Validate(data); !result.IsValid() {
		return domain.NewDomainError("Registry.Validate", domain.ErrArtifactInvalid,
			fmt.Sprintf("component %q: %s", component, result.Error()))
	}
	return nil
}
