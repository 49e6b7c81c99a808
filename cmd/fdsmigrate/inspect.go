package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/fds-service/contracts/internal/ledger"
	"github.com/fds-service/contracts/internal/registry"
)

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the ledger state of every step on a network",
		Args:  cobra.NoArgs,
		RunE:  runStatus,
	}
	addNetworkFlag(cmd)
	return cmd
}

func runStatus(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	n, err := selectedNetwork()
	if err != nil {
		return err
	}
	steps, err := loadSteps()
	if err != nil {
		return err
	}
	s, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	statuses, err := ledger.New(s, ledger.Config{Logger: env.logger}).Status(ctx, steps, n.Name)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(cmd.OutOrStdout(), statuses)
	}

	w := newTable(cmd.OutOrStdout())
	printTableHeader(w, "INDEX", "STEP", "STATE", "ATTEMPTS", "LAST UPDATE")
	for _, st := range statuses {
		last := "-"
		if st.Last != nil {
			last = st.Last.RecordedAt.Local().Format(time.RFC3339)
		}
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\n", st.Index, st.StepID, stateLabel(st.State), st.Attempts, last)
	}
	return w.Flush()
}

func stateLabel(s ledger.StepState) string {
	switch s {
	case ledger.StateCompleted:
		return colorGreen(string(s))
	case ledger.StateInFlight:
		return colorYellow(string(s))
	default:
		return string(s)
	}
}

func historyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print the append-only ledger of a network",
		Args:  cobra.NoArgs,
		RunE:  runHistory,
	}
	addNetworkFlag(cmd)
	return cmd
}

func runHistory(cmd *cobra.Command, _ []string) error {
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

	records, err := ledger.New(s, ledger.Config{Logger: env.logger}).History(ctx, n.Name)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(cmd.OutOrStdout(), records)
	}

	w := newTable(cmd.OutOrStdout())
	printTableHeader(w, "RECORDED", "STEP", "STATUS", "ATTEMPT", "TX / REASON")
	for _, rec := range records {
		detail := rec.Reason
		if detail == "" && rec.TxHash != (common.Hash{}) {
			detail = rec.TxHash.Hex()
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			rec.RecordedAt.Local().Format(time.RFC3339), rec.StepID, rec.Status, rec.AttemptID.String()[:8], detail)
	}
	return w.Flush()
}

func deploymentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deployments",
		Short: "Print the deployed addresses of a network",
		Long: `Print every artifact address recorded on the network. With --json the
output includes the ABI snapshot taken at deployment time, suitable as an
address book for clients.`,
		Args: cobra.NoArgs,
		RunE: runDeployments,
	}
	addNetworkFlag(cmd)
	return cmd
}

func runDeployments(cmd *cobra.Command, _ []string) error {
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

	deployments, err := registry.New(s, registry.Config{Logger: env.logger}).Deployments(ctx, n.Name)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(cmd.OutOrStdout(), deployments)
	}

	w := newTable(cmd.OutOrStdout())
	printTableHeader(w, "ARTIFACT", "ADDRESS", "TX", "BLOCK", "STEP")
	for _, d := range deployments {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
			d.Artifact, d.Address.Hex(), shortHash(d.TxHash.Hex()), d.BlockNumber, d.StepID)
	}
	return w.Flush()
}

func networksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "networks",
		Short: "List configured networks",
		Args:  cobra.NoArgs,
		RunE:  runNetworks,
	}
}

type networkRow struct {
	Name          string `json:"name"`
	ChainID       uint64 `json:"chain_id"`
	RPCURL        string `json:"rpc_url"`
	From          string `json:"from,omitempty"`
	Confirmations uint64 `json:"confirmations"`
	Signer        string `json:"signer"`
}

func runNetworks(cmd *cobra.Command, _ []string) error {
	rows := make([]networkRow, 0, len(env.config.Networks))
	for _, name := range env.config.Names() {
		n := env.config.Networks[name]
		d := n.Descriptor()
		row := networkRow{
			Name:          name,
			ChainID:       n.ChainID,
			RPCURL:        n.RPCURL,
			From:          n.From,
			Confirmations: d.Confirmations,
			Signer:        "local key",
		}
		if n.Signer.RemoteURL != "" {
			row.Signer = "remote " + n.Signer.RemoteURL
		}
		rows = append(rows, row)
	}
	if jsonOut {
		return printJSON(cmd.OutOrStdout(), rows)
	}

	if len(rows) == 0 {
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No networks configured.")
		return nil
	}
	w := newTable(cmd.OutOrStdout())
	printTableHeader(w, "NAME", "CHAIN ID", "RPC", "FROM", "CONFIRMATIONS", "SIGNER")
	for _, r := range rows {
		from := r.From
		if from == "" {
			from = "(signer)"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			r.Name, strconv.FormatUint(r.ChainID, 10), r.RPCURL, from, r.Confirmations, r.Signer)
	}
	return w.Flush()
}
