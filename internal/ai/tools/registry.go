package tools

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// Registry holds tools by name and validates inputs against their JSON schemas.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*gojsonschema.Schema
}

func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*gojsonschema.Schema),
	}
}

// Register adds or replaces a tool. The schema is compiled up front so a broken schema fails here.
func (r *Registry) Register(t Tool) error {
	name := strings.TrimSpace(t.Name)
	if name == "" {
		return fmt.Errorf("tool name is required")
	}
	if t.Handler == nil {
		return fmt.Errorf("tool %s: missing handler", name)
	}
	t.Name = name
	if len(t.InputSchema) == 0 {
		t.InputSchema = json.RawMessage(`{"type":"object","properties":{}}`)
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(t.InputSchema))
	if err != nil {
		return fmt.Errorf("tool %s: compile schema: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[name] = t
	r.schemas[name] = schema
	return nil
}

func (r *Registry) Lookup(name string) (Tool, bool) {
	if r == nil {
		return Tool{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[strings.TrimSpace(name)]
	return t, ok
}

// List returns tools sorted by name. A nil enabled list returns every tool; otherwise only the
// named ones that exist.
func (r *Registry) List(enabled []string) []Tool {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Tool
	if enabled == nil {
		out = make([]Tool, 0, len(r.tools))
		for _, t := range r.tools {
			out = append(out, t)
		}
	} else {
		seen := make(map[string]struct{}, len(enabled))
		for _, name := range enabled {
			name = strings.TrimSpace(name)
			if _, dup := seen[name]; dup {
				continue
			}
			seen[name] = struct{}{}
			if t, ok := r.tools[name]; ok {
				out = append(out, t)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Validate checks input against the named tool's schema.
func (r *Registry) Validate(name string, input json.RawMessage) error {
	r.mu.RLock()
	schema, ok := r.schemas[strings.TrimSpace(name)]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	return validateAgainst(schema, input)
}

func validateAgainst(schema *gojsonschema.Schema, input json.RawMessage) error {
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	if !json.Valid(input) {
		return fmt.Errorf("%w: input is not valid JSON", ErrInvalidInput)
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(input))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("%w: %s", ErrInvalidInput, strings.Join(msgs, "; "))
	}
	return nil
}
