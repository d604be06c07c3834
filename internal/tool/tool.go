// Package tool provides the tool framework for LLM tool execution.
package tool

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cloudwego/eino/schema"
)

// Tool defines the interface for all tools, built-in and
// extension-contributed.
type Tool interface {
	// ID returns the tool identifier.
	ID() string

	// Description returns the tool description.
	Description() string

	// Parameters returns the JSON Schema for tool parameters.
	Parameters() json.RawMessage

	// Execute executes the tool with the given input.
	Execute(ctx context.Context, input json.RawMessage, toolCtx *Context) (*Result, error)
}

// Context provides execution context to tools.
type Context struct {
	SessionID string
	CallID    string
	WorkDir   string

	// AbortCh is closed when the turn is cancelled. Tools that run
	// subprocesses must observe it and kill the process tree.
	AbortCh <-chan struct{}

	// OnUpdate, when set, receives incremental {content, details} snapshots
	// while the tool runs. Used for streaming long shell output.
	OnUpdate func(content string, details map[string]any)
}

// Update delivers an incremental snapshot if a sink is attached.
func (c *Context) Update(content string, details map[string]any) {
	if c != nil && c.OnUpdate != nil {
		c.OnUpdate(content, details)
	}
}

// Aborted checks whether the tool execution has been cancelled.
func (c *Context) Aborted() bool {
	if c == nil || c.AbortCh == nil {
		return false
	}
	select {
	case <-c.AbortCh:
		return true
	default:
		return false
	}
}

// Result represents the output of a tool execution.
//
// Content is the text returned to the LLM; tools truncate it at 50 KB or
// 2000 lines (whichever first) via Truncate, spilling full output to a file.
// Details is opaque state for UI/rendering and is never sent to the LLM.
type Result struct {
	Content string         `json:"content"`
	Details map[string]any `json:"details,omitempty"`
	IsError bool           `json:"isError,omitempty"`
}

// Errorf builds an error result the LLM can react to.
func Errorf(format string, args ...any) *Result {
	return &Result{Content: fmt.Sprintf(format, args...), IsError: true}
}

// ParamInfos converts a tool's JSON Schema into Eino parameter infos.
func ParamInfos(schemaJSON json.RawMessage) map[string]*schema.ParameterInfo {
	var jsonSchema struct {
		Properties map[string]struct {
			Type        string `json:"type"`
			Description string `json:"description"`
		} `json:"properties"`
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(schemaJSON, &jsonSchema); err != nil {
		return nil
	}

	requiredSet := make(map[string]bool)
	for _, r := range jsonSchema.Required {
		requiredSet[r] = true
	}

	params := make(map[string]*schema.ParameterInfo)
	for name, prop := range jsonSchema.Properties {
		paramType := schema.String
		switch prop.Type {
		case "integer":
			paramType = schema.Integer
		case "number":
			paramType = schema.Number
		case "boolean":
			paramType = schema.Boolean
		case "array":
			paramType = schema.Array
		case "object":
			paramType = schema.Object
		}
		params[name] = &schema.ParameterInfo{
			Type:     paramType,
			Desc:     prop.Description,
			Required: requiredSet[name],
		}
	}
	return params
}

// Info builds the Eino ToolInfo for a tool.
func Info(t Tool) *schema.ToolInfo {
	return &schema.ToolInfo{
		Name:        t.ID(),
		Desc:        t.Description(),
		ParamsOneOf: schema.NewParamsOneOfByParams(ParamInfos(t.Parameters())),
	}
}
