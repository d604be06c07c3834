package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/agnivade/levenshtein"
)

const editDescription = `Performs exact string replacement in a file.

Usage:
- oldString must match the file exactly, including indentation
- oldString must be unique in the file unless replaceAll is set
- oldString and newString must differ`

// EditTool implements exact string replacement.
type EditTool struct {
	workDir string
}

// EditInput represents the input for the edit tool.
type EditInput struct {
	FilePath   string `json:"filePath"`
	OldString  string `json:"oldString"`
	NewString  string `json:"newString"`
	ReplaceAll bool   `json:"replaceAll,omitempty"`
}

// NewEditTool creates a new edit tool.
func NewEditTool(workDir string) *EditTool {
	return &EditTool{workDir: workDir}
}

func (t *EditTool) ID() string          { return "edit" }
func (t *EditTool) Description() string { return editDescription }

func (t *EditTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"filePath": {
				"type": "string",
				"description": "The path of the file to modify"
			},
			"oldString": {
				"type": "string",
				"description": "The exact text to replace"
			},
			"newString": {
				"type": "string",
				"description": "The text to replace it with"
			},
			"replaceAll": {
				"type": "boolean",
				"description": "Replace all occurrences (default: false)"
			}
		},
		"required": ["filePath", "oldString", "newString"]
	}`)
}

func (t *EditTool) Execute(ctx context.Context, input json.RawMessage, toolCtx *Context) (*Result, error) {
	var params EditInput
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	if params.OldString == params.NewString {
		return Errorf("oldString and newString must be different"), nil
	}

	path := resolvePath(params.FilePath, toolCtx, t.workDir)

	data, err := os.ReadFile(path)
	if err != nil {
		return Errorf("failed to read file: %v", err), nil
	}
	text := string(data)

	count := strings.Count(text, params.OldString)
	if count == 0 {
		// Point the model at the closest match so it can correct itself.
		match, sim := closestMatch(text, params.OldString)
		if match != "" {
			return Errorf("oldString not found in file. Closest match (%.0f%% similar):\n%s", sim*100, match), nil
		}
		return Errorf("oldString not found in file"), nil
	}

	var newText string
	if params.ReplaceAll {
		newText = strings.ReplaceAll(text, params.OldString, params.NewString)
	} else {
		if count > 1 {
			return Errorf("oldString appears %d times in file; use replaceAll or provide more context", count), nil
		}
		newText = strings.Replace(text, params.OldString, params.NewString, 1)
		count = 1
	}

	if err := os.WriteFile(path, []byte(newText), 0644); err != nil {
		return nil, fmt.Errorf("failed to write file: %w", err)
	}

	diff, additions, deletions := buildDiff(path, text, newText, t.workDir)
	return &Result{
		Content: fmt.Sprintf("Replaced %d occurrence(s) in %s", count, path),
		Details: map[string]any{
			"file":         path,
			"replacements": count,
			"diff":         diff,
			"additions":    additions,
			"deletions":    deletions,
		},
	}, nil
}

// closestMatch finds the block of lines most similar to target.
func closestMatch(text, target string) (string, float64) {
	lines := strings.Split(text, "\n")
	targetLines := strings.Split(target, "\n")
	window := len(targetLines)
	if window > len(lines) {
		window = len(lines)
	}
	if window == 0 {
		return "", 0
	}

	bestMatch := ""
	bestSim := 0.0
	for i := 0; i+window <= len(lines); i++ {
		block := strings.Join(lines[i:i+window], "\n")
		sim := similarity(block, target)
		if sim > bestSim {
			bestSim = sim
			bestMatch = block
		}
	}
	if bestSim < 0.5 {
		return "", bestSim
	}
	return bestMatch, bestSim
}

// similarity computes normalized Levenshtein similarity.
func similarity(a, b string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	if len(a) == 0 || len(b) == 0 {
		return 0.0
	}
	if len(a) > 10000 || len(b) > 10000 {
		maxLen := max(len(a), len(b))
		minLen := min(len(a), len(b))
		return float64(minLen) / float64(maxLen)
	}
	dist := levenshtein.ComputeDistance(a, b)
	return 1.0 - float64(dist)/float64(max(len(a), len(b)))
}
