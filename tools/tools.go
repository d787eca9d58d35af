// Package tools mediates discovery and invocation of external tools. It
// validates arguments against declared schemas before any dispatch and
// normalizes every outcome into a single Result shape.
package tools

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
)

// FieldType is the closed set of argument type tags.
type FieldType string

const (
	TypeString  FieldType = "string"
	TypeInteger FieldType = "integer"
	TypeNumber  FieldType = "number"
	TypeBoolean FieldType = "boolean"
	TypeObject  FieldType = "object"
	TypeArray   FieldType = "array"
)

// Field describes one argument of a tool.
type Field struct {
	Name        string    `json:"name"`
	Type        FieldType `json:"type"`
	Description string    `json:"description,omitempty"`
	Required    bool      `json:"required"`
}

// Schema is a flat list of tagged fields. Validation is a pure function
// over this structure; no schema-description library is involved.
type Schema struct {
	Fields []Field `json:"fields"`
}

// Field returns the named field.
func (s Schema) Field(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Required returns the names of required fields.
func (s Schema) Required() []string {
	var out []string
	for _, f := range s.Fields {
		if f.Required {
			out = append(out, f.Name)
		}
	}
	return out
}

// Tool is a discovered capability.
type Tool struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Schema      Schema `json:"input_schema"`
}

// ParseSchema converts a JSON-Schema-shaped payload ({"type":"object",
// "properties":{...},"required":[...]}) into the flat field descriptor.
// Unknown type tags degrade to string so a sloppy provider does not block
// discovery.
func ParseSchema(raw map[string]any) Schema {
	var schema Schema
	props, _ := raw["properties"].(map[string]any)
	required := map[string]bool{}
	if reqList, ok := raw["required"].([]any); ok {
		for _, r := range reqList {
			if name, ok := r.(string); ok {
				required[name] = true
			}
		}
	}
	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		f := Field{Name: name, Type: TypeString, Required: required[name]}
		if spec, ok := props[name].(map[string]any); ok {
			if t, ok := spec["type"].(string); ok {
				switch FieldType(t) {
				case TypeString, TypeInteger, TypeNumber, TypeBoolean, TypeObject, TypeArray:
					f.Type = FieldType(t)
				}
			}
			if d, ok := spec["description"].(string); ok {
				f.Description = d
			}
		}
		schema.Fields = append(schema.Fields, f)
	}
	return schema
}

// SchemaFromJSON parses a schema from raw JSON bytes.
func SchemaFromJSON(data []byte) Schema {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return Schema{}
	}
	return ParseSchema(raw)
}

// Result is the uniform outcome of one tool invocation.
type Result struct {
	Success bool   `json:"success"`
	Data    string `json:"data,omitempty"`
	Err     string `json:"error,omitempty"`
}

// Registry holds the most recent discovery snapshot. Re-discovery replaces
// the whole snapshot atomically; callers never observe a partial overwrite.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	order []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Replace installs a new snapshot. Later duplicates of a name win, which
// keeps names unique per snapshot.
func (r *Registry) Replace(ts []Tool) {
	tools := make(map[string]Tool, len(ts))
	order := make([]string, 0, len(ts))
	for _, t := range ts {
		if _, seen := tools[t.Name]; !seen {
			order = append(order, t.Name)
		}
		tools[t.Name] = t
	}
	r.mu.Lock()
	r.tools = tools
	r.order = order
	r.mu.Unlock()
}

// Get returns the named tool from the current snapshot.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns the snapshot in discovery order.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name])
	}
	return out
}

// Len reports the snapshot size.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Filter returns the tools whose names match any of the glob patterns.
// An empty pattern list means no filtering.
func (r *Registry) Filter(patterns []string) []Tool {
	all := r.List()
	if len(patterns) == 0 {
		return all
	}
	var out []Tool
	for _, t := range all {
		if matchAny(patterns, t.Name) {
			out = append(out, t)
		}
	}
	return out
}

func matchAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if ok, err := doublestar.Match(p, name); err == nil && ok {
			return true
		}
	}
	return false
}
