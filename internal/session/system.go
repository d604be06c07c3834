package session

import (
	"fmt"
	"runtime"
	"strings"
	"time"
)

// buildSystemPrompt assembles the default system prompt for a turn. An
// extension may replace it wholesale through before_agent_start.
func (s *Scheduler) buildSystemPrompt() string {
	var b strings.Builder

	b.WriteString("You are a coding agent operating on the user's machine through tools.\n\n")
	b.WriteString("Guidelines:\n")
	b.WriteString("- Use the available tools to read, modify, and run code; do not guess file contents.\n")
	b.WriteString("- Prefer minimal, focused changes.\n")
	b.WriteString("- Report what you did and what you observed, not what you intend.\n\n")

	fmt.Fprintf(&b, "Environment:\n- Working directory: %s\n- Platform: %s/%s\n- Date: %s\n",
		s.tools.WorkDir(), runtime.GOOS, runtime.GOARCH, time.Now().Format("2006-01-02"))

	if name := s.log.Name(); name != "" {
		fmt.Fprintf(&b, "- Session: %s\n", name)
	}

	if ids := s.tools.IDs(); len(ids) > 0 {
		fmt.Fprintf(&b, "\nAvailable tools: %s\n", strings.Join(ids, ", "))
	}

	return b.String()
}
