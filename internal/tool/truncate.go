package tool

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/oklog/ulid/v2"
)

const (
	// MaxContentBytes caps the text a tool may return to the LLM.
	MaxContentBytes = 50 * 1024
	// MaxContentLines caps the line count a tool may return to the LLM.
	MaxContentLines = 2000
)

// Truncate enforces the shared output contract: content beyond 50 KB or 2000
// lines (whichever first) is reduced to its head, plus a tail when the line
// cap is exceeded, and the full text is
// spilled to a file whose path is appended so the LLM can read more on
// demand. Returns the possibly-truncated content and whether truncation
// happened.
func Truncate(content string) (string, bool) {
	if len(content) <= MaxContentBytes && strings.Count(content, "\n") < MaxContentLines {
		return content, false
	}

	spillPath := spill(content)

	lines := strings.Split(content, "\n")
	head := lines
	var tail []string
	if len(head) > MaxContentLines {
		head = lines[:MaxContentLines*3/4]
		tail = lines[len(lines)-MaxContentLines/8:]
	}
	out := strings.Join(head, "\n")
	for len(out) > MaxContentBytes*3/4 && len(head) > 1 {
		head = head[:len(head)/2]
		out = strings.Join(head, "\n")
	}
	// A single enormous line still gets cut.
	if len(out) > MaxContentBytes*3/4 {
		out = out[:MaxContentBytes*3/4]
	}

	var b strings.Builder
	b.WriteString(out)
	b.WriteString(fmt.Sprintf("\n\n... output truncated (%d bytes, %d lines total)", len(content), len(lines)))
	if spillPath != "" {
		b.WriteString(fmt.Sprintf("\nFull output: %s", spillPath))
	}
	if len(tail) > 0 {
		b.WriteString("\n\n... tail:\n")
		b.WriteString(strings.Join(tail, "\n"))
	}
	return b.String(), true
}

// spill writes the full content to a temp file and returns its path, or ""
// when the write fails.
func spill(content string) string {
	dir := filepath.Join(os.TempDir(), "agentd-tool-output")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return ""
	}
	path := filepath.Join(dir, ulid.Make().String()+".txt")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return ""
	}
	return path
}
