package tool

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const readDescription = `Reads a file from the local filesystem.

Usage:
- The filePath parameter should be an absolute path; relative paths resolve
  against the working directory
- By default, reads up to 2000 lines from the beginning
- You can optionally specify offset and limit for pagination
- Returns file contents with line numbers`

// ReadTool implements file reading.
type ReadTool struct {
	workDir string
}

// ReadInput represents the input for the read tool.
type ReadInput struct {
	FilePath string `json:"filePath"`
	Offset   int    `json:"offset,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

// NewReadTool creates a new read tool.
func NewReadTool(workDir string) *ReadTool {
	return &ReadTool{workDir: workDir}
}

func (t *ReadTool) ID() string          { return "read" }
func (t *ReadTool) Description() string { return readDescription }

func (t *ReadTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"filePath": {
				"type": "string",
				"description": "The path to the file to read"
			},
			"offset": {
				"type": "integer",
				"description": "Line number to start reading from"
			},
			"limit": {
				"type": "integer",
				"description": "Number of lines to read (default: 2000)"
			}
		},
		"required": ["filePath"]
	}`)
}

func (t *ReadTool) Execute(ctx context.Context, input json.RawMessage, toolCtx *Context) (*Result, error) {
	var params ReadInput
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}

	if params.Limit <= 0 {
		params.Limit = MaxContentLines
	}

	path := resolvePath(params.FilePath, toolCtx, t.workDir)

	info, err := os.Stat(path)
	if err != nil {
		return Errorf("file not found: %s", path), nil
	}
	if info.IsDir() {
		return Errorf("path is a directory, not a file: %s", path), nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var b strings.Builder
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	lineNum := 0
	emitted := 0
	for scanner.Scan() {
		lineNum++
		if params.Offset > 0 && lineNum < params.Offset {
			continue
		}
		if emitted >= params.Limit {
			break
		}
		fmt.Fprintf(&b, "%6d\t%s\n", lineNum, scanner.Text())
		emitted++
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	content, truncated := Truncate(b.String())
	return &Result{
		Content: content,
		Details: map[string]any{
			"file":      path,
			"lines":     emitted,
			"truncated": truncated,
		},
	}, nil
}

// resolvePath resolves a possibly-relative tool path against the execution
// working directory.
func resolvePath(path string, toolCtx *Context, workDir string) string {
	if filepath.IsAbs(path) {
		return path
	}
	if toolCtx != nil && toolCtx.WorkDir != "" {
		return filepath.Join(toolCtx.WorkDir, path)
	}
	if workDir != "" {
		return filepath.Join(workDir, path)
	}
	return path
}
