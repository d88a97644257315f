package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/tchughesiv/self-service-agent-blueprint-sub002/internal/status"
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Operator status server commands",
	}
	cmd.AddCommand(newStatusServeCmd())
	return cmd
}

func newStatusServeCmd() *cobra.Command {
	var (
		configPath string
		port       int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve read-only JSON views of coordination state",
		Long:  "Serves /healthz and /api endpoints for sessions, token stats, the request journal and deliveries.",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd, configPath)
			if err != nil {
				return err
			}
			defer a.close()

			if port == 0 {
				port = a.cfg.Status.Port
			}

			ctx, stop := signal.NotifyContext(cmdContext(cmd), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return status.Start(ctx, status.StartOpts{
				Deps: status.Deps{
					DB:         a.db,
					Sessions:   a.sessions,
					Ledger:     a.ledger,
					Journal:    a.journal,
					Deliveries: a.deliveries,
					PodName:    a.cfg.PodName,
				},
				Port: port,
				Out:  cmd.OutOrStdout(),
			})
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().IntVarP(&port, "port", "p", 0, "listen port (default from config)")
	return cmd
}
