// Package main provides the entry point for the agentd daemon.
package main

import (
	"fmt"
	"os"

	"github.com/agentd-ai/agentd/cmd/agentd/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
