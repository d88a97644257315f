package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/tchughesiv/self-service-agent-blueprint-sub002/internal/lock"
)

func newLockCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Singleton lock commands",
	}
	cmd.AddCommand(newLockCheckCmd())
	return cmd
}

func newLockCheckCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "check <duty>",
		Short: "Report whether a duty's lock is free",
		Long:  "Tries the duty's lock once and releases it immediately. Prints the lock key and backend either way.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd, configPath)
			if err != nil {
				return err
			}
			defer a.close()

			ctx := cmdContext(cmd)
			key := lock.KeyFor(args[0])
			h, err := a.locks.Open(ctx)
			if err != nil {
				return err
			}
			defer h.Close()

			ok, err := h.TryAcquire(ctx, key)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !ok {
				fmt.Fprintf(out, "Lock %q (key %d, %s) is held by another session\n", args[0], key, a.locks.Backend())
				return nil
			}
			if err := h.Release(ctx, key); err != nil {
				return err
			}
			fmt.Fprintf(out, "Lock %q (key %d, %s) is free\n", args[0], key, a.locks.Backend())
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}
