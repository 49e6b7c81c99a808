// Package memory provides an in-process store, used for tests and dry runs.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	contracts "github.com/fds-service/contracts"
	"github.com/fds-service/contracts/internal/store"
)

type deploymentKey struct {
	networkID string
	artifact  string
}

// Store keeps all state in maps guarded by a single mutex.
type Store struct {
	mu           sync.Mutex
	records      map[string][]contracts.LedgerRecord
	inflight     map[store.AttemptKey]uuid.UUID
	pending      map[uuid.UUID]contracts.LedgerRecord
	transactions map[string][]contracts.Transaction
	deployments  map[deploymentKey]contracts.Deployment
	order        map[string][]string
}

// New creates an empty store.
func New() *Store {
	return &Store{
		records:      make(map[string][]contracts.LedgerRecord),
		inflight:     make(map[store.AttemptKey]uuid.UUID),
		pending:      make(map[uuid.UUID]contracts.LedgerRecord),
		transactions: make(map[string][]contracts.Transaction),
		deployments:  make(map[deploymentKey]contracts.Deployment),
		order:        make(map[string][]string),
	}
}

func (s *Store) BeginAttempt(ctx context.Context, rec contracts.LedgerRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := store.Slot(rec)
	if holder, ok := s.inflight[key]; ok {
		return fmt.Errorf("%w: step %s on %s held by attempt %s",
			contracts.ErrAttemptInProgress, rec.StepID, rec.NetworkID, holder)
	}
	s.inflight[key] = rec.AttemptID
	s.pending[rec.AttemptID] = rec
	s.records[rec.NetworkID] = append(s.records[rec.NetworkID], rec)
	return nil
}

func (s *Store) FinishAttempt(ctx context.Context, rec contracts.LedgerRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := store.Slot(rec)
	if holder, ok := s.inflight[key]; !ok || holder != rec.AttemptID {
		return fmt.Errorf("%w: attempt %s", contracts.ErrAttemptClosed, rec.AttemptID)
	}
	delete(s.inflight, key)
	delete(s.pending, rec.AttemptID)
	s.records[rec.NetworkID] = append(s.records[rec.NetworkID], rec)
	return nil
}

func (s *Store) LedgerRecords(ctx context.Context, networkID string) ([]contracts.LedgerRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]contracts.LedgerRecord, len(s.records[networkID]))
	copy(out, s.records[networkID])
	return out, nil
}

func (s *Store) InFlight(ctx context.Context, networkID string) ([]contracts.LedgerRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []contracts.LedgerRecord
	for _, rec := range s.records[networkID] {
		if _, ok := s.pending[rec.AttemptID]; ok && rec.Status == contracts.AttemptPending {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *Store) AppendTransaction(ctx context.Context, tx contracts.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.transactions[tx.NetworkID] = append(s.transactions[tx.NetworkID], tx)
	return nil
}

func (s *Store) Transactions(ctx context.Context, networkID string) ([]contracts.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]contracts.Transaction, len(s.transactions[networkID]))
	copy(out, s.transactions[networkID])
	return out, nil
}

func (s *Store) PutDeployment(ctx context.Context, d contracts.Deployment, replace bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := deploymentKey{networkID: d.NetworkID, artifact: d.Artifact}
	existing, ok := s.deployments[key]
	switch {
	case !ok:
		s.order[d.NetworkID] = append(s.order[d.NetworkID], d.Artifact)
	case existing.Address == d.Address:
		return nil
	case !replace:
		return fmt.Errorf("%w: %s on %s is %s, got %s", contracts.ErrAddressConflict,
			d.Artifact, d.NetworkID, existing.Address.Hex(), d.Address.Hex())
	}
	s.deployments[key] = d
	return nil
}

func (s *Store) GetDeployment(ctx context.Context, networkID, artifact string) (*contracts.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.deployments[deploymentKey{networkID: networkID, artifact: artifact}]
	if !ok {
		return nil, fmt.Errorf("%w: deployment of %s on %s", contracts.ErrNotFound, artifact, networkID)
	}
	return &d, nil
}

func (s *Store) ListDeployments(ctx context.Context, networkID string) ([]contracts.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]contracts.Deployment, 0, len(s.order[networkID]))
	for _, name := range s.order[networkID] {
		out = append(out, s.deployments[deploymentKey{networkID: networkID, artifact: name}])
	}
	return out, nil
}

func (s *Store) Close() error {
	return nil
}

var _ store.Store = (*Store)(nil)
