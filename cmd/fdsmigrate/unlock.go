package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/fds-service/contracts/internal/ledger"
)

var olderThan time.Duration

func unlockCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unlock",
		Short: "Fail in-flight attempts abandoned by a crashed run",
		Long: `A run that dies mid-step leaves its attempt in flight, and further runs
on the network fail with "attempt already in progress". unlock appends a
failed record for every in-flight attempt older than --older-than so the
step can be retried.

Only use it when no other run against the network is alive.`,
		Args: cobra.NoArgs,
		RunE: runUnlock,
	}
	addNetworkFlag(cmd)
	cmd.Flags().DurationVar(&olderThan, "older-than", 30*time.Minute, "minimum age of attempts to fail")
	return cmd
}

func runUnlock(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	n, err := selectedNetwork()
	if err != nil {
		return err
	}
	s, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	reaped, err := ledger.New(s, ledger.Config{Logger: env.logger}).ReapStale(ctx, n.Name, olderThan)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(cmd.OutOrStdout(), reaped)
	}

	if len(reaped) == 0 {
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "No in-flight attempts older than %s on %s.\n", olderThan, n.Name)
		return nil
	}
	for _, rec := range reaped {
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s failed attempt %s of step %s\n", colorYellow("⚠"), rec.AttemptID, rec.StepID)
	}
	return nil
}
