package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const writeDescription = `Writes a file to the local filesystem, creating
parent directories as needed. Overwrites an existing file.`

// WriteTool implements file writing.
type WriteTool struct {
	workDir string
}

// WriteInput represents the input for the write tool.
type WriteInput struct {
	FilePath string `json:"filePath"`
	Content  string `json:"content"`
}

// NewWriteTool creates a new write tool.
func NewWriteTool(workDir string) *WriteTool {
	return &WriteTool{workDir: workDir}
}

func (t *WriteTool) ID() string          { return "write" }
func (t *WriteTool) Description() string { return writeDescription }

func (t *WriteTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"filePath": {
				"type": "string",
				"description": "The path of the file to write"
			},
			"content": {
				"type": "string",
				"description": "The content to write"
			}
		},
		"required": ["filePath", "content"]
	}`)
}

func (t *WriteTool) Execute(ctx context.Context, input json.RawMessage, toolCtx *Context) (*Result, error) {
	var params WriteInput
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}

	path := resolvePath(params.FilePath, toolCtx, t.workDir)

	var before string
	if data, err := os.ReadFile(path); err == nil {
		before = string(data)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(params.Content), 0644); err != nil {
		return nil, fmt.Errorf("failed to write file: %w", err)
	}

	diff, additions, deletions := buildDiff(path, before, params.Content, t.workDir)
	return &Result{
		Content: fmt.Sprintf("Wrote %d bytes to %s", len(params.Content), path),
		Details: map[string]any{
			"file":      path,
			"bytes":     len(params.Content),
			"created":   before == "",
			"diff":      diff,
			"additions": additions,
			"deletions": deletions,
		},
	}, nil
}
