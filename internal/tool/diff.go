package tool

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// buildDiff calculates a unified diff and line counts to enrich tool
// details. Returns the diff text (prefixed with file headers when a path is
// provided), the number of added lines, and the number of deleted lines.
func buildDiff(path, before, after, baseDir string) (string, int, int) {
	if before == after {
		return "", 0, 0
	}

	dmp := diffmatchpatch.New()
	a, b, lineArray := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffMain(a, b, false)
	diffs = dmp.DiffCharsToLines(diffs, lineArray)

	additions, deletions := 0, 0
	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			additions += countLines(d.Text)
		case diffmatchpatch.DiffDelete:
			deletions += countLines(d.Text)
		}
	}

	patches := dmp.PatchMake(before, diffs)
	diffText := dmp.PatchToText(patches)
	if diffText == "" {
		return "", additions, deletions
	}

	relPath := path
	if baseDir != "" {
		if rel, err := filepath.Rel(baseDir, path); err == nil {
			relPath = rel
		}
	}

	var builder strings.Builder
	if relPath != "" {
		fmt.Fprintf(&builder, "--- %s\n+++ %s\n", relPath, relPath)
	}
	builder.WriteString(diffText)
	return builder.String(), additions, deletions
}

func countLines(text string) int {
	if text == "" {
		return 0
	}
	lines := strings.Count(text, "\n")
	if !strings.HasSuffix(text, "\n") {
		lines++
	}
	return lines
}
