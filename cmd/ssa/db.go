package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/tchughesiv/self-service-agent-blueprint-sub002/internal/db"
	"golang.org/x/term"
)

func newDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Database management commands",
	}

	cmd.AddCommand(newDBInitCmd())
	cmd.AddCommand(newDBResetCmd())
	return cmd
}

func newDBInitCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create or upgrade the coordination tables",
		Long:  "Migrates every coordination table and creates the single-active-session index. Safe to run repeatedly.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBInit(cmd, configPath)
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func runDBInit(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	a, err := loadApp(cmd, configPath)
	if err != nil {
		return err
	}
	defer a.close()
	fmt.Fprintf(out, "Connected to %s database %q\n", a.cfg.Database.Driver, a.cfg.Database.Name)

	if err := db.AutoMigrate(a.db); err != nil {
		return err
	}
	fmt.Fprintf(out, "Migrated %d tables\n", len(db.AllModels()))
	fmt.Fprintln(out, "\nDatabase initialized successfully.")
	return nil
}

func newDBResetCmd() *cobra.Command {
	var (
		configPath string
		yes        bool
	)

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Drop and re-create the coordination tables",
		Long:  "Drops every coordination table, discarding all sessions, usage, journal, delivery and lock rows, then migrates again.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBReset(cmd, configPath, yes)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip confirmation prompt")
	return cmd
}

func runDBReset(cmd *cobra.Command, configPath string, skipConfirm bool) error {
	out := cmd.OutOrStdout()

	a, err := loadApp(cmd, configPath)
	if err != nil {
		return err
	}
	defer a.close()

	if !skipConfirm {
		if !interactive(cmd.InOrStdin()) {
			return fmt.Errorf("refusing to reset without --yes: stdin is not a terminal")
		}
		if !confirmReset(cmd, a.cfg.Database.Name) {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	if err := db.DropAll(a.db); err != nil {
		return err
	}
	fmt.Fprintf(out, "Dropped %d tables\n", len(db.AllModels()))

	if err := db.AutoMigrate(a.db); err != nil {
		return err
	}
	fmt.Fprintf(out, "Migrated %d tables\n", len(db.AllModels()))
	fmt.Fprintln(out, "\nDatabase reset successfully.")
	return nil
}

// interactive reports whether in can answer a prompt. Readers other than
// a file (tests, pipes set with SetIn) are assumed to carry scripted input.
func interactive(in io.Reader) bool {
	f, ok := in.(*os.File)
	if !ok {
		return true
	}
	return term.IsTerminal(int(f.Fd()))
}

func confirmReset(cmd *cobra.Command, dbName string) bool {
	out := cmd.OutOrStdout()
	in := cmd.InOrStdin()

	fmt.Fprintf(out, "WARNING: This will permanently delete all coordination data in database %q.\n", dbName)
	fmt.Fprintln(out, "This action cannot be undone.")
	fmt.Fprintln(out)
	fmt.Fprint(out, "Type \"yes\" to confirm: ")

	scanner := bufio.NewScanner(in)
	if scanner.Scan() {
		return strings.TrimSpace(scanner.Text()) == "yes"
	}
	return false
}
