package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

const findDescription = `Finds files by glob pattern.

Usage:
- pattern supports doublestar globs (e.g. "**/*.ts", "src/**/config.*")
- path defaults to the working directory
- Returns matching paths sorted by modification time, newest first`

const findMaxResults = 500

// FindTool implements glob file search.
type FindTool struct {
	workDir string
}

// FindInput represents the input for the find tool.
type FindInput struct {
	Pattern string `json:"pattern"`
	Path    string `json:"path,omitempty"`
}

// NewFindTool creates a new find tool.
func NewFindTool(workDir string) *FindTool {
	return &FindTool{workDir: workDir}
}

func (t *FindTool) ID() string          { return "find" }
func (t *FindTool) Description() string { return findDescription }

func (t *FindTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"pattern": {
				"type": "string",
				"description": "The glob pattern to match files against"
			},
			"path": {
				"type": "string",
				"description": "Directory to search in (default: working directory)"
			}
		},
		"required": ["pattern"]
	}`)
}

func (t *FindTool) Execute(ctx context.Context, input json.RawMessage, toolCtx *Context) (*Result, error) {
	var params FindInput
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	if params.Pattern == "" {
		return Errorf("pattern is required"), nil
	}

	root := params.Path
	if root == "" {
		root = t.workDir
	}
	root = resolvePath(root, toolCtx, t.workDir)

	type hit struct {
		path    string
		modTime int64
	}
	var hits []hit

	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if toolCtx.Aborted() || ctx.Err() != nil {
			return filepath.SkipAll
		}
		if d.IsDir() {
			if skipDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if len(hits) >= findMaxResults {
			return filepath.SkipAll
		}

		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			rel = path
		}
		ok, matchErr := doublestar.Match(params.Pattern, rel)
		if matchErr != nil || !ok {
			return nil
		}

		info, infoErr := d.Info()
		var mod int64
		if infoErr == nil {
			mod = info.ModTime().UnixMilli()
		}
		hits = append(hits, hit{path: rel, modTime: mod})
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(hits) == 0 {
		return &Result{
			Content: "No files found",
			Details: map[string]any{"matches": 0},
		}, nil
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].modTime > hits[j].modTime })

	var b strings.Builder
	for _, h := range hits {
		b.WriteString(h.path)
		b.WriteByte('\n')
	}

	content, truncated := Truncate(b.String())
	return &Result{
		Content: content,
		Details: map[string]any{
			"matches":   len(hits),
			"capped":    len(hits) >= findMaxResults,
			"truncated": truncated,
		},
	}, nil
}
