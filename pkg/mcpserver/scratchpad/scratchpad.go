// Package scratchpad provides an MCP server with persistent-note tools.
// It doubles as the reference extension server for agentd: point an `mcp`
// config entry at the scratchpad-mcp binary and its tools join the session.
package scratchpad

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// NewServer creates an MCP server exposing note_set, note_get, and
// note_list tools over an in-memory store.
func NewServer() *server.MCPServer {
	s := server.NewMCPServer(
		"scratchpad",
		"1.0.0",
		server.WithToolCapabilities(true),
	)

	store := &noteStore{notes: make(map[string]string)}

	setTool := mcp.NewTool("note_set",
		mcp.WithDescription("Stores a named note for later retrieval"),
		mcp.WithString("name",
			mcp.Required(),
			mcp.Description("Note name"),
		),
		mcp.WithString("text",
			mcp.Required(),
			mcp.Description("Note contents"),
		),
	)
	s.AddTool(setTool, store.set)

	getTool := mcp.NewTool("note_get",
		mcp.WithDescription("Retrieves a previously stored note"),
		mcp.WithString("name",
			mcp.Required(),
			mcp.Description("Note name"),
		),
	)
	s.AddTool(getTool, store.get)

	listTool := mcp.NewTool("note_list",
		mcp.WithDescription("Lists the names of all stored notes"),
	)
	s.AddTool(listTool, store.list)

	return s
}

type noteStore struct {
	mu    sync.Mutex
	notes map[string]string
}

func (n *noteStore) set(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	name, _ := args["name"].(string)
	text, _ := args["text"].(string)
	if name == "" {
		return mcp.NewToolResultError("name is required"), nil
	}

	n.mu.Lock()
	n.notes[name] = text
	n.mu.Unlock()
	return mcp.NewToolResultText(fmt.Sprintf("stored %q (%d bytes)", name, len(text))), nil
}

func (n *noteStore) get(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, _ := request.GetArguments()["name"].(string)

	n.mu.Lock()
	text, ok := n.notes[name]
	n.mu.Unlock()
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("no note named %q", name)), nil
	}
	return mcp.NewToolResultText(text), nil
}

func (n *noteStore) list(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	n.mu.Lock()
	names := make([]string, 0, len(n.notes))
	for name := range n.notes {
		names = append(names, name)
	}
	n.mu.Unlock()

	sort.Strings(names)
	if len(names) == 0 {
		return mcp.NewToolResultText("no notes stored"), nil
	}
	out := ""
	for _, name := range names {
		out += name + "\n"
	}
	return mcp.NewToolResultText(out), nil
}
