package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/tchughesiv/self-service-agent-blueprint-sub002/internal/models"
)

func newDeliveryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delivery",
		Short: "Outbound delivery commands",
	}

	cmd.AddCommand(newDeliveryListCmd())
	cmd.AddCommand(newDeliverySweepCmd())
	return cmd
}

func newDeliveryListCmd() *cobra.Command {
	var (
		configPath string
		sessionID  string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List deliveries for a session, or every retryable delivery",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd, configPath)
			if err != nil {
				return err
			}
			defer a.close()

			ctx := cmdContext(cmd)
			var rows []models.DeliveryLog
			if sessionID != "" {
				rows, err = a.deliveries.ListBySession(ctx, sessionID)
			} else {
				rows, err = a.deliveries.ListRetryable(ctx, time.Now(), limit)
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(rows) == 0 {
				fmt.Fprintln(out, "No deliveries found.")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSESSION\tINTEGRATION\tCHANNEL\tSTATUS\tATTEMPTS\tLAST ERROR")
			for _, d := range rows {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d/%d\t%s\n",
					d.ID, d.SessionID, d.IntegrationType, d.Channel, d.Status,
					d.AttemptCount, d.MaxAttempts, orDash(truncate(d.LastError, 50)))
			}
			w.Flush()
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&sessionID, "session", "", "list every delivery of this session")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum retryable rows")
	return cmd
}

func newDeliverySweepCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Expire overdue deliveries now, without taking the reaper lock",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd, configPath)
			if err != nil {
				return err
			}
			defer a.close()

			n, err := a.deliveries.SweepExpired(cmdContext(cmd), time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Expired %d deliveries\n", n)
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
