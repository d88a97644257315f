package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/tchughesiv/self-service-agent-blueprint-sub002/internal/maintenance"
)

func newMaintainCmd() *cobra.Command {
	var (
		configPath string
		once       bool
	)

	cmd := &cobra.Command{
		Use:   "maintain",
		Short: "Run the singleton maintenance duty",
		Long: `Expires stale sessions and overdue deliveries on the configured cron schedule.

Every replica may run this; a cycle only proceeds on the replica holding the
reaper lock. With --once, runs a single cycle and prints its report.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMaintain(cmd, configPath, once)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().BoolVar(&once, "once", false, "run one cycle and exit")
	return cmd
}

func runMaintain(cmd *cobra.Command, configPath string, once bool) error {
	out := cmd.OutOrStdout()

	a, err := loadApp(cmd, configPath)
	if err != nil {
		return err
	}
	defer a.close()

	reaper := maintenance.New(a.locks, a.sessions, a.deliveries, a.cfg.Maintenance, a.log)

	if once {
		rep, err := reaper.RunOnce(cmdContext(cmd))
		if err != nil {
			return err
		}
		return writeJSON(out, rep)
	}

	ctx, stop := signal.NotifyContext(cmdContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := reaper.Start(ctx); err != nil {
		return err
	}
	fmt.Fprintf(out, "Maintenance running on %s as %s (schedule %q, lock backend %s)\n",
		a.cfg.Database.Driver, a.cfg.PodName, a.cfg.Maintenance.Schedule, a.locks.Backend())

	<-ctx.Done()
	fmt.Fprintln(out, "Shutting down maintenance...")
	reaper.Stop()
	return nil
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
