// Command scratchpad-mcp runs the scratchpad MCP server over stdio.
// It serves as the reference extension tool server for agentd.
package main

import (
	"log"

	"github.com/mark3labs/mcp-go/server"

	"github.com/agentd-ai/agentd/pkg/mcpserver/scratchpad"
)

func main() {
	s := scratchpad.NewServer()
	if err := server.ServeStdio(s); err != nil {
		log.Fatal(err)
	}
}
