package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentd-ai/agentd/internal/logging"
	"github.com/agentd-ai/agentd/internal/stdio"
)

var stdioCmd = &cobra.Command{
	Use:   "stdio",
	Short: "Serve the line-delimited JSON control surface on stdin/stdout",
	Long: `Reads commands and extension_ui_response messages from stdin and
writes responses, session events, and UI requests to stdout, one JSON object
per line. Logs go to stderr.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		host, events, _, err := bootstrap(ctx)
		if err != nil {
			logging.Error().Err(err).Msg("startup failed")
			os.Exit(1)
		}

		if w := watchConfig(workDir, host); w != nil {
			defer w.Stop()
		}

		runner := stdio.NewRunner(host, events, os.Stdout)
		runErr := runner.Run(ctx, os.Stdin)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		host.Shutdown(shutdownCtx)

		if runErr != nil {
			logging.Error().Err(runErr).Msg("stdio loop failed")
			os.Exit(1)
		}
		return nil
	},
}
