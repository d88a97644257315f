package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/tchughesiv/self-service-agent-blueprint-sub002/internal/storeerr"
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

const defaultConfigPath = "ssa.yaml"

// exitTempFail is sysexits EX_TEMPFAIL.
const exitTempFail = 75

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ssa",
		Short: "Self-service agent session and delivery coordination",
		Long: "ssa operates the coordination layer shared by every self-service agent replica: " +
			"request sessions, token accounting, the request journal, outbound deliveries and singleton maintenance.",
		SilenceUsage: true,
	}

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newDBCmd())
	cmd.AddCommand(newMaintainCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newSessionCmd())
	cmd.AddCommand(newJournalCmd())
	cmd.AddCommand(newDeliveryCmd())
	cmd.AddCommand(newLockCmd())
	cmd.AddCommand(newNotifyCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "ssa %s (commit: %s, built: %s)\n", Version, Commit, Date)
		},
	}
}

func execute(cmd *cobra.Command) int {
	cmd.SilenceErrors = true
	err := cmd.Execute()
	if err == nil {
		return 0
	}
	return reportError(cmd.ErrOrStderr(), err)
}

// reportError prints err and picks the exit status. Retryable store errors
// exit with EX_TEMPFAIL so wrappers can rerun the command. A constraint
// violation means another replica won the race, so it is reported as that
// rather than as a raw error.
func reportError(w io.Writer, err error) int {
	if !storeerr.IsUserVisible(err) {
		fmt.Fprintln(w, "ssa: another replica changed the same session concurrently; rerun to see its result")
		return exitTempFail
	}
	fmt.Fprintf(w, "Error: %v\n", err)
	if storeerr.IsRetryable(err) {
		fmt.Fprintln(w, "ssa: the store reported a transient failure; retrying may succeed")
		return exitTempFail
	}
	return 1
}

func main() {
	os.Exit(execute(newRootCmd()))
}
