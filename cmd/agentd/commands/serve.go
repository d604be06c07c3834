package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/agentd-ai/agentd/internal/logging"
	"github.com/agentd-ai/agentd/internal/server"
)

var (
	servePort int
	serveHost string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP control surface",
	Long: `Starts the HTTP control surface: GET /health, GET /events (SSE),
POST /rpc, POST /extension_ui_response, POST /shutdown.

Port and bind address default from AGENTD_PORT / AGENTD_HOST (19000,
127.0.0.1).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		host, events, cfg, err := bootstrap(ctx)
		if err != nil {
			logging.Error().Err(err).Msg("startup failed")
			os.Exit(1)
		}

		if servePort > 0 {
			cfg.Server.Port = servePort
		}
		if serveHost != "" {
			cfg.Server.Host = serveHost
		}

		if w := watchConfig(workDir, host); w != nil {
			defer w.Stop()
		}

		srv := server.New(&server.Config{
			Port:       cfg.Server.Port,
			Host:       cfg.Server.Host,
			EnableCORS: true,
		}, host, events)

		if err := srv.Start(ctx); err != nil {
			logging.Error().Err(err).Msg("server failed")
			os.Exit(1)
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "listen port (default $AGENTD_PORT or 19000)")
	serveCmd.Flags().StringVar(&serveHost, "host", "", "bind address (default $AGENTD_HOST or 127.0.0.1)")
}
