// Package export renders a session branch to a standalone HTML file.
package export

import (
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"time"

	"github.com/agentd-ai/agentd/internal/sessionlog"
	"github.com/agentd-ai/agentd/pkg/types"
)

const pageTemplate = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
body { font-family: ui-monospace, monospace; max-width: 60rem; margin: 2rem auto; padding: 0 1rem; background: #fdfdfd; color: #222; }
.entry { border-left: 3px solid #ddd; margin: 1rem 0; padding: 0.5rem 1rem; white-space: pre-wrap; }
.user { border-color: #3b82f6; }
.assistant { border-color: #10b981; }
.toolResult { border-color: #f59e0b; background: #fafaf5; }
.compaction { border-color: #8b5cf6; font-style: italic; }
.role { font-weight: bold; font-size: 0.8rem; text-transform: uppercase; color: #666; }
.meta { font-size: 0.75rem; color: #999; }
.error { color: #dc2626; }
</style>
</head>
<body>
<h1>{{.Title}}</h1>
<p class="meta">Exported {{.Exported}} · {{len .Entries}} entries on the active branch</p>
{{range .Entries}}
<div class="entry {{.Class}}">
<div class="role">{{.Role}}{{if .IsError}} <span class="error">(error)</span>{{end}}</div>
{{.Body}}
{{if .Meta}}<div class="meta">{{.Meta}}</div>{{end}}
</div>
{{end}}
</body>
</html>
`

type renderedEntry struct {
	Class   string
	Role    string
	Body    string
	Meta    string
	IsError bool
}

type page struct {
	Title    string
	Exported string
	Entries  []renderedEntry
}

// WriteHTML renders the active branch to path (or a default next to the
// session file) and returns the written path.
func WriteHTML(log *sessionlog.Log, path string) (string, error) {
	if path == "" {
		path = filepath.Join(log.Dir(), log.ID()+".html")
	}

	branch, err := log.Branch(log.Leaf())
	if err != nil {
		return "", err
	}

	title := log.Name()
	if title == "" {
		title = "Session " + log.ID()
	}

	p := page{
		Title:    title,
		Exported: time.Now().Format(time.RFC1123),
	}
	for _, e := range branch {
		if r, keep := render(e); keep {
			p.Entries = append(p.Entries, r)
		}
	}

	tmpl, err := template.New("session").Parse(pageTemplate)
	if err != nil {
		return "", err
	}
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if err := tmpl.Execute(f, p); err != nil {
		return "", err
	}
	return path, nil
}

func render(e *types.Entry) (renderedEntry, bool) {
	switch e.Type {
	case types.EntryMessage:
		m := e.Message
		if m == nil {
			return renderedEntry{}, false
		}
		body := m.Text()
		meta := ""
		switch m.Role {
		case types.RoleAssistant:
			for _, tc := range m.ToolCalls {
				meta += fmt.Sprintf("tool call %s(%s) ", tc.Name, string(tc.Input))
			}
			if m.Tokens != nil {
				meta += fmt.Sprintf("· %d in / %d out tokens", m.Tokens.Input, m.Tokens.Output)
			}
		case types.RoleToolResult:
			meta = "result for " + m.ToolName
		}
		return renderedEntry{
			Class:   string(m.Role),
			Role:    string(m.Role),
			Body:    body,
			Meta:    meta,
			IsError: m.IsError || m.Error != nil,
		}, true
	case types.EntryCompaction:
		return renderedEntry{
			Class: "compaction",
			Role:  "summary",
			Body:  e.Summary,
			Meta:  fmt.Sprintf("%d → %d tokens", e.TokensBefore, e.TokensAfter),
		}, true
	case types.EntryBranchSummary:
		return renderedEntry{Class: "compaction", Role: "branch summary", Body: e.Summary}, true
	default:
		return renderedEntry{}, false
	}
}
