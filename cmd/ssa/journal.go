package main

import (
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/tchughesiv/self-service-agent-blueprint-sub002/internal/journal"
)

func newJournalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Request journal commands",
	}

	cmd.AddCommand(newJournalPendingCmd())
	cmd.AddCommand(newJournalCompleteCmd())
	return cmd
}

func newJournalPendingCmd() *cobra.Command {
	var (
		configPath string
		pod        string
		limit      int
		all        bool
	)

	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List incomplete requests owned by a pod",
		Long:  "Lists incomplete requests owned by --pod (default: this replica). With --all, prints pending counts for every pod.",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd, configPath)
			if err != nil {
				return err
			}
			defer a.close()

			if all {
				return printPendingCounts(cmd, a.journal)
			}

			if pod == "" {
				pod = a.cfg.PodName
			}
			rows, err := a.journal.PollPending(cmdContext(cmd), pod, limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(rows) == 0 {
				fmt.Fprintf(out, "No pending requests for %s.\n", pod)
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "REQUEST\tSESSION\tINTEGRATION\tTYPE\tAGE")
			now := time.Now()
			for _, r := range rows {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					r.RequestID, orDash(r.SessionID), orDash(string(r.IntegrationType)), orDash(r.RequestType),
					now.Sub(r.CreatedAt).Truncate(time.Second))
			}
			w.Flush()
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&pod, "pod", "", "pod name (default from config)")
	cmd.Flags().IntVarP(&limit, "limit", "n", journal.DefaultPollLimit, "maximum rows")
	cmd.Flags().BoolVar(&all, "all", false, "print pending counts per pod")
	return cmd
}

func printPendingCounts(cmd *cobra.Command, j *journal.Journal) error {
	counts, err := j.CountPending(cmdContext(cmd))
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(counts) == 0 {
		fmt.Fprintln(out, "No pending requests.")
		return nil
	}
	pods := make([]string, 0, len(counts))
	for p := range counts {
		pods = append(pods, p)
	}
	sort.Strings(pods)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "POD\tPENDING")
	for _, p := range pods {
		fmt.Fprintf(w, "%s\t%d\n", p, counts[p])
	}
	w.Flush()
	return nil
}

func newJournalCompleteCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "complete <request-id>",
		Short: "Mark a journaled request complete",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd, configPath)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.journal.RecordCompletion(cmdContext(cmd), args[0], time.Now()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Request %s complete\n", args[0])
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
