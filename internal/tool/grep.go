package tool

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

const grepDescription = `Searches file contents with a regular expression.

Usage:
- pattern is a Go regular expression
- path defaults to the working directory
- include optionally filters files by glob (e.g. "**/*.go")
- Returns matching lines as file:line:text, capped at 200 matches`

const grepMaxMatches = 200

// GrepTool implements content search.
type GrepTool struct {
	workDir string
}

// GrepInput represents the input for the grep tool.
type GrepInput struct {
	Pattern string `json:"pattern"`
	Path    string `json:"path,omitempty"`
	Include string `json:"include,omitempty"`
}

// NewGrepTool creates a new grep tool.
func NewGrepTool(workDir string) *GrepTool {
	return &GrepTool{workDir: workDir}
}

func (t *GrepTool) ID() string          { return "grep" }
func (t *GrepTool) Description() string { return grepDescription }

func (t *GrepTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"pattern": {
				"type": "string",
				"description": "The regular expression to search for"
			},
			"path": {
				"type": "string",
				"description": "Directory to search in (default: working directory)"
			},
			"include": {
				"type": "string",
				"description": "Glob filter for files to search (e.g. \"**/*.go\")"
			}
		},
		"required": ["pattern"]
	}`)
}

func (t *GrepTool) Execute(ctx context.Context, input json.RawMessage, toolCtx *Context) (*Result, error) {
	var params GrepInput
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}

	re, err := regexp.Compile(params.Pattern)
	if err != nil {
		return Errorf("invalid pattern: %v", err), nil
	}

	root := params.Path
	if root == "" {
		root = t.workDir
	}
	root = resolvePath(root, toolCtx, t.workDir)

	var b strings.Builder
	matches := 0
	scanned := 0

	err = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
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
		if matches >= grepMaxMatches {
			return filepath.SkipAll
		}

		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			rel = path
		}
		if params.Include != "" {
			ok, matchErr := doublestar.Match(params.Include, rel)
			if matchErr != nil || !ok {
				return nil
			}
		}

		f, err := os.Open(path)
		if err != nil {
			return nil
		}
		defer f.Close()
		scanned++

		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
		lineNum := 0
		for scanner.Scan() {
			lineNum++
			line := scanner.Text()
			if !re.MatchString(line) {
				continue
			}
			fmt.Fprintf(&b, "%s:%d:%s\n", rel, lineNum, line)
			matches++
			if matches >= grepMaxMatches {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if matches == 0 {
		return &Result{
			Content: "No matches found",
			Details: map[string]any{"matches": 0, "filesScanned": scanned},
		}, nil
	}

	content, truncated := Truncate(b.String())
	return &Result{
		Content: content,
		Details: map[string]any{
			"matches":      matches,
			"filesScanned": scanned,
			"capped":       matches >= grepMaxMatches,
			"truncated":    truncated,
		},
	}, nil
}

// skipDir filters directories that never hold interesting matches.
func skipDir(name string) bool {
	switch name {
	case ".git", "node_modules", ".svn", ".hg", "__pycache__", ".idea", "vendor":
		return true
	}
	return false
}
