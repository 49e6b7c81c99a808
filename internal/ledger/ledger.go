// Package ledger implements the deployment ledger: an append-only record of
// step attempts per network, with at most one in-flight attempt per step.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	contracts "github.com/fds-service/contracts"
	"github.com/fds-service/contracts/internal/step"
	"github.com/fds-service/contracts/internal/store"
)

// ReapedReason is the failure reason written for stale attempts.
const ReapedReason = "attempt abandoned: reaped as stale"

// Config contains optional ledger settings.
type Config struct {
	// Logger for structured logging
	Logger *slog.Logger

	// Now stamps records. Defaults to time.Now.
	Now func() time.Time
}

// Ledger records step attempts in a store.
type Ledger struct {
	store  store.Store
	logger *slog.Logger
	now    func() time.Time
}

// New creates a ledger over s.
func New(s store.Store, cfg Config) *Ledger {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Ledger{store: s, logger: logger, now: now}
}

// Attempt is the handle of one in-flight execution of a step.
type Attempt struct {
	ID        uuid.UUID
	StepID    string
	NetworkID string
	StartedAt time.Time
}

func (l *Ledger) record(a *Attempt, status contracts.AttemptStatus) contracts.LedgerRecord {
	at := l.now().UTC()
	return contracts.LedgerRecord{
		ID:         ulid.MustNew(ulid.Timestamp(at), ulid.DefaultEntropy()).String(),
		AttemptID:  a.ID,
		StepID:     a.StepID,
		NetworkID:  a.NetworkID,
		Status:     status,
		RecordedAt: at,
	}
}

// Completed returns the completion record of every completed step on the
// network, keyed by step id.
func (l *Ledger) Completed(ctx context.Context, networkID string) (map[string]contracts.LedgerRecord, error) {
	records, err := l.store.LedgerRecords(ctx, networkID)
	if err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	done := make(map[string]contracts.LedgerRecord)
	for _, rec := range records {
		if rec.Status == contracts.AttemptCompleted {
			if _, ok := done[rec.StepID]; !ok {
				done[rec.StepID] = rec
			}
		}
	}
	return done, nil
}

// PendingSteps returns, in the given order, the steps not completed on the
// network. It does not modify the ledger.
func (l *Ledger) PendingSteps(ctx context.Context, steps []step.Step, networkID string) ([]step.Step, error) {
	done, err := l.Completed(ctx, networkID)
	if err != nil {
		return nil, err
	}
	var pending []step.Step
	for _, s := range steps {
		if _, ok := done[s.ID]; !ok {
			pending = append(pending, s)
		}
	}
	return pending, nil
}

// BeginAttempt appends a pending record for a new attempt. It fails with
// ErrAttemptInProgress while another attempt of the step is in flight.
func (l *Ledger) BeginAttempt(ctx context.Context, stepID, networkID string) (*Attempt, error) {
	a := &Attempt{
		ID:        uuid.New(),
		StepID:    stepID,
		NetworkID: networkID,
	}
	rec := l.record(a, contracts.AttemptPending)
	a.StartedAt = rec.RecordedAt

	if err := l.store.BeginAttempt(ctx, rec); err != nil {
		return nil, err
	}

	l.logger.Debug("attempt started",
		slog.String("attempt_id", a.ID.String()),
		slog.String("step_id", stepID),
		slog.String("network", networkID),
	)
	return a, nil
}

// CompleteAttempt appends the completed record of a.
func (l *Ledger) CompleteAttempt(ctx context.Context, a *Attempt, txHash common.Hash) error {
	rec := l.record(a, contracts.AttemptCompleted)
	rec.TxHash = txHash
	if err := l.store.FinishAttempt(ctx, rec); err != nil {
		return err
	}

	l.logger.Debug("attempt completed",
		slog.String("attempt_id", a.ID.String()),
		slog.String("step_id", a.StepID),
		slog.String("tx_hash", txHash.Hex()),
	)
	return nil
}

// FailAttempt appends the failed record of a.
func (l *Ledger) FailAttempt(ctx context.Context, a *Attempt, reason string) error {
	rec := l.record(a, contracts.AttemptFailed)
	rec.Reason = reason
	if err := l.store.FinishAttempt(ctx, rec); err != nil {
		return err
	}

	l.logger.Debug("attempt failed",
		slog.String("attempt_id", a.ID.String()),
		slog.String("step_id", a.StepID),
		slog.String("reason", reason),
	)
	return nil
}

// RecordTransaction appends tx to the transaction log under attempt a.
func (l *Ledger) RecordTransaction(ctx context.Context, a *Attempt, tx contracts.Transaction) error {
	tx.AttemptID = a.ID
	tx.StepID = a.StepID
	tx.NetworkID = a.NetworkID
	if tx.RecordedAt.IsZero() {
		tx.RecordedAt = l.now().UTC()
	}
	if err := l.store.AppendTransaction(ctx, tx); err != nil {
		return fmt.Errorf("record transaction %s: %w", tx.Hash.Hex(), err)
	}
	return nil
}

// LatestTransaction returns the most recent transaction log entry for
// artifact on the network, or nil when none was ever submitted.
func (l *Ledger) LatestTransaction(ctx context.Context, networkID, artifact string) (*contracts.Transaction, error) {
	txs, err := l.store.Transactions(ctx, networkID)
	if err != nil {
		return nil, fmt.Errorf("read transactions: %w", err)
	}
	for i := len(txs) - 1; i >= 0; i-- {
		if txs[i].Artifact == artifact {
			tx := txs[i]
			return &tx, nil
		}
	}
	return nil, nil
}

// PendingTransaction returns the latest submitted deployment of artifact on
// the network that was never confirmed or reverted, or nil. A settled entry
// supersedes older submissions.
func (l *Ledger) PendingTransaction(ctx context.Context, networkID, artifact string) (*contracts.Transaction, error) {
	tx, err := l.LatestTransaction(ctx, networkID, artifact)
	if err != nil || tx == nil || tx.Status != contracts.TxSubmitted {
		return nil, err
	}
	return tx, nil
}

// History returns the network's ledger in append order.
func (l *Ledger) History(ctx context.Context, networkID string) ([]contracts.LedgerRecord, error) {
	return l.store.LedgerRecords(ctx, networkID)
}

// Transactions returns the network's transaction log in append order.
func (l *Ledger) Transactions(ctx context.Context, networkID string) ([]contracts.Transaction, error) {
	return l.store.Transactions(ctx, networkID)
}

// StepState is the ledger state of a step on a network.
type StepState string

const (
	StateCompleted StepState = "completed"
	StatePending   StepState = "pending"
	StateInFlight  StepState = "in-flight"
)

// StepStatus summarizes one step's ledger history.
type StepStatus struct {
	Index    int                     `json:"index"`
	StepID   string                  `json:"step_id"`
	State    StepState               `json:"state"`
	Attempts int                     `json:"attempts"`
	Last     *contracts.LedgerRecord `json:"last,omitempty"`
}

// Status reports the state of each step on the network.
func (l *Ledger) Status(ctx context.Context, steps []step.Step, networkID string) ([]StepStatus, error) {
	records, err := l.store.LedgerRecords(ctx, networkID)
	if err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	inflight, err := l.store.InFlight(ctx, networkID)
	if err != nil {
		return nil, fmt.Errorf("read in-flight attempts: %w", err)
	}

	running := make(map[string]bool, len(inflight))
	for _, rec := range inflight {
		running[rec.StepID] = true
	}

	type summary struct {
		attempts  int
		completed bool
		last      contracts.LedgerRecord
	}
	byStep := make(map[string]*summary)
	for _, rec := range records {
		s := byStep[rec.StepID]
		if s == nil {
			s = &summary{}
			byStep[rec.StepID] = s
		}
		if rec.Status == contracts.AttemptPending {
			s.attempts++
		}
		if rec.Status == contracts.AttemptCompleted {
			s.completed = true
		}
		s.last = rec
	}

	out := make([]StepStatus, 0, len(steps))
	for _, st := range steps {
		status := StepStatus{Index: st.Index, StepID: st.ID, State: StatePending}
		if s, ok := byStep[st.ID]; ok {
			last := s.last
			status.Last = &last
			status.Attempts = s.attempts
			switch {
			case s.completed:
				status.State = StateCompleted
			case running[st.ID]:
				status.State = StateInFlight
			}
		}
		out = append(out, status)
	}
	return out, nil
}

// ReapStale fails in-flight attempts on the network that started more than
// olderThan ago, releasing their steps for a new attempt. A process that
// crashed mid-step never closes its attempt.
func (l *Ledger) ReapStale(ctx context.Context, networkID string, olderThan time.Duration) ([]contracts.LedgerRecord, error) {
	inflight, err := l.store.InFlight(ctx, networkID)
	if err != nil {
		return nil, fmt.Errorf("read in-flight attempts: %w", err)
	}

	cutoff := l.now().Add(-olderThan)
	var reaped []contracts.LedgerRecord
	for _, rec := range inflight {
		if !rec.RecordedAt.Before(cutoff) {
			continue
		}
		a := &Attempt{ID: rec.AttemptID, StepID: rec.StepID, NetworkID: rec.NetworkID, StartedAt: rec.RecordedAt}
		if err := l.FailAttempt(ctx, a, ReapedReason); err != nil {
			if errors.Is(err, contracts.ErrAttemptClosed) {
				// Finished concurrently.
				continue
			}
			return reaped, err
		}

		l.logger.Warn("reaped stale attempt",
			slog.String("attempt_id", rec.AttemptID.String()),
			slog.String("step_id", rec.StepID),
			slog.String("network", networkID),
			slog.Duration("age", l.now().Sub(rec.RecordedAt)),
		)
		reaped = append(reaped, rec)
	}
	return reaped, nil
}
