// Package tool defines the interface for tools agents can invoke, the
// registry that holds them, and the executor that validates, approves,
// dispatches, and records tool invocations.
package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/obra/lace/types"
)

// Tool is the interface that all tools must implement.
type Tool interface {
	// Name returns the tool's unique identifier.
	// Must be unique across all tools registered on an executor.
	Name() string

	// Description explains what the tool does.
	// This description is shown to the model to help it decide when to
	// use the tool.
	Description() string

	// InputSchema returns the JSON Schema for the tool's input.
	// Must have Type = "object".
	InputSchema() ToolSchema

	// Annotations describe the tool's execution characteristics.
	Annotations() Annotations

	// Execute runs the tool with the given input. The input is the raw
	// JSON arguments from the model's tool call. A returned error is
	// captured as an is_error result; it never propagates further.
	Execute(ctx context.Context, input json.RawMessage, tctx Context) (*Output, error)
}

// Annotations describe a tool's execution characteristics.
type Annotations struct {
	// SafeInternal marks tools that only touch runtime-internal state
	// and can bypass approval policies that auto-allow them.
	SafeInternal bool `json:"safe_internal,omitempty"`

	// DestructiveHint marks tools whose effects are hard to reverse.
	DestructiveHint bool `json:"destructive_hint,omitempty"`

	// ConcurrencySafe marks tools that may run in parallel with other
	// concurrency-safe tools in the same batch.
	ConcurrencySafe bool `json:"concurrency_safe,omitempty"`
}

// Context carries per-invocation information: the thread the call
// belongs to, the acting agent, and scoped resources.
type Context struct {
	// ThreadID is the thread the tool call was appended to.
	ThreadID string

	// ActorID is the id of the agent executing the call (equal to
	// ThreadID for top-level agents, the child id for delegates).
	ActorID string

	// WorkingDir is the working directory scoped to this invocation.
	WorkingDir string

	// Env holds environment values scoped to this invocation.
	Env map[string]string

	// Capabilities holds opaque capability handles (task manager,
	// sub-agent factory) keyed by name.
	Capabilities map[string]any
}

// Capability returns a typed capability handle by name.
func Capability[T any](tctx Context, name string) (T, bool) {
	val, ok := tctx.Capabilities[name]
	if !ok {
		var zero T
		return zero, false
	}
	typed, ok := val.(T)
	return typed, ok
}

// Output is the raw return of a tool before the executor marshals it
// into a ToolResult.
type Output struct {
	Content  []types.ContentBlock `json:"content"`
	IsError  bool                 `json:"is_error,omitempty"`
	Metadata map[string]any       `json:"metadata,omitempty"`
}

// TextOutput builds a single-text-block output.
func TextOutput(text string) *Output {
	return &Output{Content: []types.ContentBlock{types.NewTextBlock(text)}}
}

// ErrorOutput builds a single-text-block error output.
func ErrorOutput(text string) *Output {
	return &Output{
		Content: []types.ContentBlock{types.NewTextBlock(text)},
		IsError: true,
	}
}

// TimeoutHinter is implemented by tools that declare their own
// execution timeout instead of the executor default.
type TimeoutHinter interface {
	TimeoutHint() time.Duration
}

// ToolSchema represents a JSON Schema for tool input.
type ToolSchema struct {
	// Type must be "object" for tool schemas.
	Type string `json:"type"`

	// Properties defines the parameters the tool accepts.
	Properties map[string]PropertyDef `json:"properties,omitempty"`

	// Required lists the names of required parameters.
	Required []string `json:"required,omitempty"`

	// Description provides additional context about the schema.
	Description string `json:"description,omitempty"`
}

// PropertyDef defines a single property in the schema.
type PropertyDef struct {
	// Type is the JSON type: "string", "number", "integer", "boolean", "array", "object"
	Type string `json:"type"`

	// Description explains what this property is for.
	Description string `json:"description,omitempty"`

	// Enum restricts the value to a set of allowed values.
	Enum []string `json:"enum,omitempty"`

	// Numeric constraints
	Minimum *float64 `json:"minimum,omitempty"`
	Maximum *float64 `json:"maximum,omitempty"`

	// String constraints
	MinLength *int   `json:"minLength,omitempty"`
	MaxLength *int   `json:"maxLength,omitempty"`
	Pattern   string `json:"pattern,omitempty"`

	// Array constraints
	Items    *PropertyDef `json:"items,omitempty"`
	MinItems *int         `json:"minItems,omitempty"`
	MaxItems *int         `json:"maxItems,omitempty"`

	// Object constraints (for nested objects)
	Properties map[string]PropertyDef `json:"properties,omitempty"`
	Required   []string               `json:"required,omitempty"`
}

// Validate validates the tool schema.
func (s *ToolSchema) Validate() error {
	if s.Type != "object" {
		return fmt.Errorf("schema type must be 'object', got '%s'", s.Type)
	}
	return nil
}

// ToJSON converts the schema to a JSON-serializable map, the format
// expected by provider APIs.
func (s *ToolSchema) ToJSON() map[string]any {
	result := map[string]any{
		"type": s.Type,
	}

	if s.Description != "" {
		result["description"] = s.Description
	}

	if len(s.Properties) > 0 {
		props := make(map[string]any)
		for name, prop := range s.Properties {
			props[name] = prop.ToJSON()
		}
		result["properties"] = props
	}

	if len(s.Required) > 0 {
		result["required"] = s.Required
	}

	return result
}

// ToJSON converts the property definition to a JSON-serializable map.
func (p *PropertyDef) ToJSON() map[string]any {
	result := map[string]any{
		"type": p.Type,
	}

	if p.Description != "" {
		result["description"] = p.Description
	}
	if len(p.Enum) > 0 {
		result["enum"] = p.Enum
	}
	if p.Minimum != nil {
		result["minimum"] = *p.Minimum
	}
	if p.Maximum != nil {
		result["maximum"] = *p.Maximum
	}
	if p.MinLength != nil {
		result["minLength"] = *p.MinLength
	}
	if p.MaxLength != nil {
		result["maxLength"] = *p.MaxLength
	}
	if p.Pattern != "" {
		result["pattern"] = p.Pattern
	}
	if p.Items != nil {
		result["items"] = p.Items.ToJSON()
	}
	if p.MinItems != nil {
		result["minItems"] = *p.MinItems
	}
	if p.MaxItems != nil {
		result["maxItems"] = *p.MaxItems
	}
	if len(p.Properties) > 0 {
		props := make(map[string]any)
		for name, prop := range p.Properties {
			props[name] = prop.ToJSON()
		}
		result["properties"] = props
	}
	if len(p.Required) > 0 {
		result["required"] = p.Required
	}

	return result
}

// FuncTool is a convenience implementation of Tool using a function.
type FuncTool struct {
	name        string
	description string
	schema      ToolSchema
	annotations Annotations
	execute     func(ctx context.Context, input json.RawMessage, tctx Context) (*Output, error)
}

// NewFuncTool creates a new FuncTool with the given parameters.
func NewFuncTool(
	name string,
	description string,
	schema ToolSchema,
	annotations Annotations,
	execute func(ctx context.Context, input json.RawMessage, tctx Context) (*Output, error),
) *FuncTool {
	return &FuncTool{
		name:        name,
		description: description,
		schema:      schema,
		annotations: annotations,
		execute:     execute,
	}
}

// Name returns the tool's name.
func (t *FuncTool) Name() string {
	return t.name
}

// Description returns the tool's description.
func (t *FuncTool) Description() string {
	return t.description
}

// InputSchema returns the tool's input schema.
func (t *FuncTool) InputSchema() ToolSchema {
	return t.schema
}

// Annotations returns the tool's annotations.
func (t *FuncTool) Annotations() Annotations {
	return t.annotations
}

// Execute runs the tool with the given input.
func (t *FuncTool) Execute(ctx context.Context, input json.RawMessage, tctx Context) (*Output, error) {
	return t.execute(ctx, input, tctx)
}
