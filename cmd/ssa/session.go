package main

import (
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/tchughesiv/self-service-agent-blueprint-sub002/internal/models"
)

func newSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Request session commands",
	}

	cmd.AddCommand(newSessionOpenCmd())
	cmd.AddCommand(newSessionGetCmd())
	cmd.AddCommand(newSessionListCmd())
	cmd.AddCommand(newSessionStatsCmd())
	cmd.AddCommand(newSessionSyncCmd())
	cmd.AddCommand(newSessionCloseCmd())
	cmd.AddCommand(newSessionExpireCmd())
	return cmd
}

func newSessionOpenCmd() *cobra.Command {
	var configPath, user, integration, external string

	cmd := &cobra.Command{
		Use:   "open",
		Short: "Return the active session for a user, creating one if needed",
		RunE: func(cmd *cobra.Command, args []string) error {
			it, err := models.ParseIntegrationType(integration)
			if err != nil {
				return err
			}
			a, err := loadApp(cmd, configPath)
			if err != nil {
				return err
			}
			defer a.close()

			s, created, err := a.sessions.GetOrCreateActive(cmdContext(cmd), user, it, external)
			if err != nil {
				return err
			}
			verb := "Found"
			if created {
				verb = "Created"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s session %s (version %d)\n", verb, s.ID, s.Version)
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVarP(&user, "user", "u", "", "user id (required)")
	cmd.Flags().StringVarP(&integration, "integration", "i", "", "integration type, e.g. slack (required)")
	cmd.Flags().StringVar(&external, "external-id", "", "external session id")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("integration")
	return cmd
}

func newSessionGetCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Show session details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd, configPath)
			if err != nil {
				return err
			}
			defer a.close()

			s, err := a.sessions.Get(cmdContext(cmd), args[0])
			if err != nil {
				return err
			}
			printSession(cmd.OutOrStdout(), s)
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func printSession(out io.Writer, s *models.RequestSession) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "ID:\t%s\n", s.ID)
	fmt.Fprintf(w, "User:\t%s\n", s.UserID)
	fmt.Fprintf(w, "Integration:\t%s\n", s.IntegrationType)
	fmt.Fprintf(w, "Status:\t%s\n", s.Status)
	fmt.Fprintf(w, "Version:\t%d\n", s.Version)
	fmt.Fprintf(w, "Agent:\t%s\n", deref(s.CurrentAgentID))
	fmt.Fprintf(w, "Thread:\t%s\n", deref(s.ConversationThreadID))
	fmt.Fprintf(w, "Last request:\t%s\n", deref(s.LastRequestID))
	fmt.Fprintf(w, "Tokens:\t%s in / %s out / %s total over %d calls\n",
		formatCount(s.TotalInputTokens), formatCount(s.TotalOutputTokens), formatCount(s.TotalTokens), s.LLMCallCount)
	fmt.Fprintf(w, "Last active:\t%s\n", formatTime(s.LastRequestAt))
	fmt.Fprintf(w, "Expires:\t%s\n", formatTime(s.ExpiresAt))
	fmt.Fprintf(w, "Created:\t%s\n", s.CreatedAt.Format(time.RFC3339))
	w.Flush()
}

func newSessionListCmd() *cobra.Command {
	var configPath, user, statusFlag string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a user's sessions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			var st models.SessionStatus
			if statusFlag != "" {
				var err error
				if st, err = models.ParseSessionStatus(statusFlag); err != nil {
					return err
				}
			}
			a, err := loadApp(cmd, configPath)
			if err != nil {
				return err
			}
			defer a.close()

			ctx := cmdContext(cmd)
			rows, err := a.sessions.List(ctx, user, st, limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(rows) == 0 {
				fmt.Fprintln(out, "No sessions found.")
				return nil
			}

			// Token columns come from the ledger; the shadow counters may lag.
			ids := make([]string, len(rows))
			for i, s := range rows {
				ids[i] = s.ID
			}
			usage, err := a.ledger.StatsMap(ctx, ids)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tINTEGRATION\tSTATUS\tVERSION\tCALLS\tTOKENS\tLAST ACTIVE")
			for _, s := range rows {
				u := usage[s.ID]
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
					s.ID, s.IntegrationType, s.Status, s.Version, u.CallCount, formatCount(u.TotalTokens), formatTime(s.LastRequestAt))
			}
			w.Flush()
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVarP(&user, "user", "u", "", "user id (required)")
	cmd.Flags().StringVarP(&statusFlag, "status", "s", "", "filter by status")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum rows")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newSessionStatsCmd() *cobra.Command {
	var configPath string
	var history bool

	cmd := &cobra.Command{
		Use:   "stats <id>",
		Short: "Show token usage aggregated from the ledger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd, configPath)
			if err != nil {
				return err
			}
			defer a.close()

			ctx := cmdContext(cmd)
			st, err := a.ledger.SessionStats(ctx, args[0])
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "Calls:\t%d\n", st.CallCount)
			fmt.Fprintf(w, "Input tokens:\t%s (max %s)\n", formatCount(st.TotalInputTokens), formatCount(st.MaxInputTokens))
			fmt.Fprintf(w, "Output tokens:\t%s (max %s)\n", formatCount(st.TotalOutputTokens), formatCount(st.MaxOutputTokens))
			fmt.Fprintf(w, "Total tokens:\t%s (max %s)\n", formatCount(st.TotalTokens), formatCount(st.MaxTotalTokens))
			w.Flush()
			if !history {
				return nil
			}

			rows, err := a.ledger.History(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout())
			w = tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tREQUEST\tAGENT\tMODEL\tIN\tOUT\tTOTAL")
			for _, r := range rows {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\n",
					r.CreatedAt.Format(time.RFC3339), orDash(r.RequestID), orDash(r.AgentID), orDash(r.Model),
					r.InputTokens, r.OutputTokens, r.TotalTokens)
			}
			w.Flush()
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().BoolVar(&history, "history", false, "also list each recorded call, oldest first")
	return cmd
}

func newSessionSyncCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "sync <id>",
		Short: "Refresh a session's token counters from the ledger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd, configPath)
			if err != nil {
				return err
			}
			defer a.close()

			s, err := a.ledger.SyncShadow(cmdContext(cmd), a.sessions, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Session %s synced: %s tokens over %d calls (version %d)\n",
				s.ID, formatCount(s.TotalTokens), s.LLMCallCount, s.Version)
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func newSessionCloseCmd() *cobra.Command {
	var configPath, statusFlag string
	var version int64

	cmd := &cobra.Command{
		Use:   "close <id>",
		Short: "Move a session to INACTIVE, EXPIRED or ARCHIVED",
		Long:  "Closes a session with an optimistic version check. Pass --version -1 to use the current version.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := models.ParseSessionStatus(statusFlag)
			if err != nil {
				return err
			}
			a, err := loadApp(cmd, configPath)
			if err != nil {
				return err
			}
			defer a.close()

			ctx := cmdContext(cmd)
			if version < 0 {
				cur, err := a.sessions.Get(ctx, args[0])
				if err != nil {
					return err
				}
				version = cur.Version
			}
			s, err := a.sessions.Close(ctx, args[0], version, target)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Session %s is now %s (version %d)\n", s.ID, s.Status, s.Version)
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVarP(&statusFlag, "status", "s", string(models.SessionInactive), "target status")
	cmd.Flags().Int64Var(&version, "version", -1, "expected version")
	return cmd
}

func newSessionExpireCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "expire",
		Short: "Expire stale sessions now, without taking the reaper lock",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd, configPath)
			if err != nil {
				return err
			}
			defer a.close()

			res, err := a.sessions.ExpireStale(cmdContext(cmd), time.Now(), nil)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Scanned %d, expired %d, conflicts %d\n", res.Scanned, res.Expired, res.Conflicts)
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func deref(s *string) string {
	if s == nil || *s == "" {
		return "-"
	}
	return *s
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

// formatCount formats an integer with comma separators (e.g. 45230 -> "45,230").
func formatCount(n int64) string {
	if n < 0 {
		return "-" + formatCount(-n)
	}
	s := strconv.FormatInt(n, 10)
	if len(s) <= 3 {
		return s
	}
	lead := len(s) % 3
	if lead == 0 {
		lead = 3
	}
	b := []byte(s[:lead])
	for i := lead; i < len(s); i += 3 {
		b = append(b, ',')
		b = append(b, s[i:i+3]...)
	}
	return string(b)
}
