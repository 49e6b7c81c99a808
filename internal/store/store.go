// Package store defines the persistence contract for the deployment ledger and
// the artifact registry.
package store

import (
	"context"

	contracts "github.com/fds-service/contracts"
)

// Store persists ledger records, the transaction log and deployed addresses,
// partitioned by network id.
type Store interface {
	// Ledger operations

	// BeginAttempt atomically claims the (network, step) in-flight slot for
	// rec.AttemptID and appends rec. It returns contracts.ErrAttemptInProgress
	// when another attempt holds the slot.
	BeginAttempt(ctx context.Context, rec contracts.LedgerRecord) error
	// FinishAttempt atomically releases the in-flight slot held by
	// rec.AttemptID and appends rec. It returns contracts.ErrAttemptClosed when
	// the attempt does not hold the slot.
	FinishAttempt(ctx context.Context, rec contracts.LedgerRecord) error
	// LedgerRecords returns the network's records in append order.
	LedgerRecords(ctx context.Context, networkID string) ([]contracts.LedgerRecord, error)
	// InFlight returns the pending records of attempts still holding a slot.
	InFlight(ctx context.Context, networkID string) ([]contracts.LedgerRecord, error)

	// Transaction log operations
	AppendTransaction(ctx context.Context, tx contracts.Transaction) error
	Transactions(ctx context.Context, networkID string) ([]contracts.Transaction, error)

	// Registry operations

	// PutDeployment inserts d. An existing entry with the same address is
	// left untouched; a different address fails with
	// contracts.ErrAddressConflict unless replace is set.
	PutDeployment(ctx context.Context, d contracts.Deployment, replace bool) error
	// GetDeployment returns contracts.ErrNotFound when the artifact has no
	// address on the network.
	GetDeployment(ctx context.Context, networkID, artifact string) (*contracts.Deployment, error)
	ListDeployments(ctx context.Context, networkID string) ([]contracts.Deployment, error)

	Close() error
}

// AttemptKey identifies an in-flight slot.
type AttemptKey struct {
	NetworkID string
	StepID    string
}

// Slot returns the in-flight slot claimed by a record.
func Slot(rec contracts.LedgerRecord) AttemptKey {
	return AttemptKey{NetworkID: rec.NetworkID, StepID: rec.StepID}
}
