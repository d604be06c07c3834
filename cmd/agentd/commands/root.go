// Package commands provides the CLI commands for agentd.
package commands

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/agentd-ai/agentd/internal/logging"
)

// Version is set at build time.
var Version = "0.1.0"

var (
	printLogs bool
	logLevel  string
	logFile   bool
	workDir   string
)

var rootCmd = &cobra.Command{
	Use:   "agentd",
	Short: "agentd - headless agent session daemon",
	Long: `agentd exposes an AI coding agent session to external hosts: a
tree-structured session log, a turn scheduler, and a control plane of RPC
commands plus an SSE event stream.

Run 'agentd serve' for the HTTP surface or 'agentd stdio' for the
line-delimited JSON surface.`,
	Version: Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logCfg := logging.Config{
			Level:     logging.ParseLevel(logLevel),
			Output:    os.Stderr,
			Pretty:    printLogs,
			LogToFile: logFile,
		}
		if !printLogs && !logFile {
			logCfg.Level = logging.ErrorLevel
		}
		logging.Init(logCfg)
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&printLogs, "print-logs", false, "print logs to stderr")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logFile, "log-file", false, "also log to a file")
	rootCmd.PersistentFlags().StringVarP(&workDir, "directory", "C", "", "working directory (default: cwd)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(stdioCmd)
}
