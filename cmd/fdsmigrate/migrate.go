package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	contracts "github.com/fds-service/contracts"
	"github.com/fds-service/contracts/internal/chain"
	"github.com/fds-service/contracts/internal/ledger"
	"github.com/fds-service/contracts/internal/metrics"
	"github.com/fds-service/contracts/internal/network"
	"github.com/fds-service/contracts/internal/runner"
)

var (
	resubmit        bool
	metricsTextfile string
)

// newTransport connects to the network's node with its configured signer.
// A zero sender in desc is filled with the signer's address. Replaced in tests.
var newTransport = func(ctx context.Context, n network.NetworkConfig, desc *contracts.NetworkDescriptor, logger *slog.Logger) (chain.Transport, func(), error) {
	signer, err := n.NewSigner()
	if err != nil {
		return nil, nil, err
	}
	if desc.From == (common.Address{}) {
		desc.From = signer.Address()
	}
	eth, err := chain.Dial(ctx, *desc, signer, logger)
	if err != nil {
		return nil, nil, err
	}
	return eth, eth.Close, nil
}

// offline stands in for the chain when no step is pending.
type offline struct{}

func (offline) SubmitDeployment(context.Context, []byte, []byte, common.Address) (common.Hash, error) {
	return common.Hash{}, fmt.Errorf("%w: not connected to a node", contracts.ErrConfiguration)
}

func (offline) AwaitConfirmation(context.Context, common.Hash, uint64) (*chain.Receipt, error) {
	return nil, fmt.Errorf("%w: not connected to a node", contracts.ErrConfiguration)
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run pending migration steps on a network",
		Long: `Run every migration step not yet completed on the network, in index order.

The run halts at the first failing step. Re-running resumes at that step;
completed steps are never executed again. A transaction that was submitted
but not confirmed before a failure is awaited again instead of resubmitted,
unless --resubmit is given.

Examples:
  fdsmigrate migrate --network sepolia
  fdsmigrate migrate --network 11155111 --json
  fdsmigrate migrate --network sepolia --metrics-textfile /var/lib/node_exporter/fdsmigrate.prom`,
		Args: cobra.NoArgs,
		RunE: runMigrate,
	}
	addNetworkFlag(cmd)
	cmd.Flags().BoolVar(&resubmit, "resubmit", false, "submit fresh transactions instead of awaiting unconfirmed ones")
	cmd.Flags().StringVar(&metricsTextfile, "metrics-textfile", "", "write Prometheus metrics to this file after the run")
	return cmd
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	n, err := selectedNetwork()
	if err != nil {
		return err
	}
	desc := n.Descriptor()

	steps, err := loadSteps()
	if err != nil {
		return err
	}

	s, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	reg, err := loadRegistry(s)
	if err != nil {
		return err
	}

	led := ledger.New(s, ledger.Config{Logger: env.logger})

	// A fully applied network needs neither a node nor a key.
	pending, err := led.PendingSteps(ctx, steps, n.Name)
	if err != nil {
		return err
	}
	var transport chain.Transport = offline{}
	if len(pending) > 0 {
		tr, closeTransport, err := newTransport(ctx, n, &desc, env.logger)
		if err != nil {
			return err
		}
		defer closeTransport()
		transport = tr
	}

	var m *metrics.Metrics
	if metricsTextfile != "" {
		m = metrics.New()
	}

	r := runner.New(reg, led, transport, runner.Config{
		Logger:   env.logger,
		Metrics:  m,
		Resubmit: resubmit,
	})

	sum, runErr := r.Run(ctx, steps, desc)

	if m != nil {
		if err := m.WriteTextfile(metricsTextfile); err != nil {
			env.logger.Error("failed to write metrics", slog.String("error", err.Error()))
		}
	}

	if sum != nil {
		if jsonOut {
			if err := printJSON(cmd.OutOrStdout(), sum); err != nil {
				return err
			}
		} else {
			printSummary(cmd.OutOrStdout(), sum)
		}
	}
	return runErr
}

func printSummary(w io.Writer, sum *runner.Summary) {
	_, _ = fmt.Fprintf(w, "Network: %s  run %s\n\n", colorBold(sum.NetworkID), sum.RunID)

	for _, id := range sum.Skipped {
		_, _ = fmt.Fprintf(w, "%s %s (already completed)\n", colorYellow("-"), id)
	}
	for _, res := range sum.Executed {
		_, _ = fmt.Fprintf(w, "%s %s\n", colorGreen("✓"), res.StepID)
		for _, d := range res.Deployments {
			note := ""
			switch {
			case d.Reused:
				note = " (existing)"
			case d.Recovered:
				note = " (recovered)"
			}
			_, _ = fmt.Fprintf(w, "    %-16s %s  tx %s%s\n", d.Artifact, d.Address.Hex(), shortHash(d.TxHash.Hex()), note)
		}
	}
	if sum.Failure != nil {
		_, _ = fmt.Fprintf(w, "%s %s: %s\n", colorRed("✗"), sum.Failure.StepID, sum.Failure.Reason)
	}

	switch {
	case sum.State == runner.StateCompleted && len(sum.Executed) == 0:
		_, _ = fmt.Fprintf(w, "\nNothing to do: all %d steps already completed.\n", len(sum.Skipped))
	case sum.State == runner.StateCompleted:
		_, _ = fmt.Fprintf(w, "\n%s %d step(s) executed.\n", colorGreen("Completed:"), len(sum.Executed))
	default:
		_, _ = fmt.Fprintf(w, "\n%s %d step(s) executed before the failure.\n", colorRed("Failed:"), len(sum.Executed))
	}
}
