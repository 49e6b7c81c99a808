package storetest

import (
	"context"

	"github.com/stretchr/testify/mock"

	contracts "github.com/fds-service/contracts"
	"github.com/fds-service/contracts/internal/store"
)

// MockStore is a mock implementation of store.Store for testing.
type MockStore struct {
	mock.Mock
}

func (m *MockStore) BeginAttempt(ctx context.Context, rec contracts.LedgerRecord) error {
	args := m.Called(ctx, rec)
	return args.Error(0)
}

func (m *MockStore) FinishAttempt(ctx context.Context, rec contracts.LedgerRecord) error {
	args := m.Called(ctx, rec)
	return args.Error(0)
}

func (m *MockStore) LedgerRecords(ctx context.Context, networkID string) ([]contracts.LedgerRecord, error) {
	args := m.Called(ctx, networkID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]contracts.LedgerRecord), args.Error(1)
}

func (m *MockStore) InFlight(ctx context.Context, networkID string) ([]contracts.LedgerRecord, error) {
	args := m.Called(ctx, networkID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]contracts.LedgerRecord), args.Error(1)
}

func (m *MockStore) AppendTransaction(ctx context.Context, tx contracts.Transaction) error {
	args := m.Called(ctx, tx)
	return args.Error(0)
}

func (m *MockStore) Transactions(ctx context.Context, networkID string) ([]contracts.Transaction, error) {
	args := m.Called(ctx, networkID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]contracts.Transaction), args.Error(1)
}

func (m *MockStore) PutDeployment(ctx context.Context, d contracts.Deployment, replace bool) error {
	args := m.Called(ctx, d, replace)
	return args.Error(0)
}

func (m *MockStore) GetDeployment(ctx context.Context, networkID, artifact string) (*contracts.Deployment, error) {
	args := m.Called(ctx, networkID, artifact)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*contracts.Deployment), args.Error(1)
}

func (m *MockStore) ListDeployments(ctx context.Context, networkID string) ([]contracts.Deployment, error) {
	args := m.Called(ctx, networkID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]contracts.Deployment), args.Error(1)
}

func (m *MockStore) Close() error {
	args := m.Called()
	return args.Error(0)
}

var _ store.Store = (*MockStore)(nil)
