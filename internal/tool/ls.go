package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
)

const lsDescription = `Lists one directory level.

Usage:
- path defaults to the working directory
- Directories are suffixed with "/", entries sorted directories first`

// LsTool implements directory listing.
type LsTool struct {
	workDir string
}

// LsInput represents the input for the ls tool.
type LsInput struct {
	Path string `json:"path,omitempty"`
}

// NewLsTool creates a new ls tool.
func NewLsTool(workDir string) *LsTool {
	return &LsTool{workDir: workDir}
}

func (t *LsTool) ID() string          { return "ls" }
func (t *LsTool) Description() string { return lsDescription }

func (t *LsTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {
				"type": "string",
				"description": "Directory to list (default: working directory)"
			}
		}
	}`)
}

func (t *LsTool) Execute(ctx context.Context, input json.RawMessage, toolCtx *Context) (*Result, error) {
	var params LsInput
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}

	path := params.Path
	if path == "" {
		path = t.workDir
	}
	path = resolvePath(path, toolCtx, t.workDir)

	entries, err := os.ReadDir(path)
	if err != nil {
		return Errorf("failed to list directory: %v", err), nil
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].IsDir() != entries[j].IsDir() {
			return entries[i].IsDir()
		}
		return entries[i].Name() < entries[j].Name()
	})

	var b strings.Builder
	dirs, files := 0, 0
	for _, e := range entries {
		if e.IsDir() {
			fmt.Fprintf(&b, "%s/\n", e.Name())
			dirs++
			continue
		}
		var size int64
		if info, err := e.Info(); err == nil {
			size = info.Size()
		}
		fmt.Fprintf(&b, "%s\t%d\n", e.Name(), size)
		files++
	}

	content, truncated := Truncate(b.String())
	return &Result{
		Content: content,
		Details: map[string]any{
			"path":      path,
			"dirs":      dirs,
			"files":     files,
			"truncated": truncated,
		},
	}, nil
}
