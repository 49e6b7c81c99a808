// Package storetest is the conformance suite every store backend runs.
package storetest

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	contracts "github.com/fds-service/contracts"
	"github.com/fds-service/contracts/internal/store"
)

// Factory opens a fresh store for one subtest.
type Factory func(t *testing.T) store.Store

// Run exercises the store contract. Network ids are randomized so the suite
// can run against shared databases.
func Run(t *testing.T, open Factory) {
	t.Helper()

	t.Run("attempt exclusion", func(t *testing.T) { testAttemptExclusion(t, open(t)) })
	t.Run("finish releases slot", func(t *testing.T) { testFinishReleasesSlot(t, open(t)) })
	t.Run("finish requires holder", func(t *testing.T) { testFinishRequiresHolder(t, open(t)) })
	t.Run("concurrent begin", func(t *testing.T) { testConcurrentBegin(t, open(t)) })
	t.Run("in flight", func(t *testing.T) { testInFlight(t, open(t)) })
	t.Run("transactions", func(t *testing.T) { testTransactions(t, open(t)) })
	t.Run("deployments", func(t *testing.T) { testDeployments(t, open(t)) })
	t.Run("deployment replace", func(t *testing.T) { testDeploymentReplace(t, open(t)) })
	t.Run("network isolation", func(t *testing.T) { testNetworkIsolation(t, open(t)) })
}

func network() string {
	return "net-" + uuid.NewString()[:8]
}

func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// Record builds a ledger record for tests.
func Record(networkID, stepID string, attempt uuid.UUID, status contracts.AttemptStatus) contracts.LedgerRecord {
	return contracts.LedgerRecord{
		ID:         ulid.Make().String(),
		AttemptID:  attempt,
		StepID:     stepID,
		NetworkID:  networkID,
		Status:     status,
		RecordedAt: now(),
	}
}

func testAttemptExclusion(t *testing.T, s store.Store) {
	ctx := context.Background()
	net := network()

	require.NoError(t, s.BeginAttempt(ctx, Record(net, "deploy_token", uuid.New(), contracts.AttemptPending)))

	err := s.BeginAttempt(ctx, Record(net, "deploy_token", uuid.New(), contracts.AttemptPending))
	assert.ErrorIs(t, err, contracts.ErrAttemptInProgress)

	// Other steps and other networks are independent slots.
	assert.NoError(t, s.BeginAttempt(ctx, Record(net, "deploy_resonance", uuid.New(), contracts.AttemptPending)))
	assert.NoError(t, s.BeginAttempt(ctx, Record(network(), "deploy_token", uuid.New(), contracts.AttemptPending)))

	records, err := s.LedgerRecords(ctx, net)
	require.NoError(t, err)
	assert.Len(t, records, 2, "rejected attempt must not be appended")
}

func testFinishReleasesSlot(t *testing.T, s store.Store) {
	ctx := context.Background()
	net := network()
	first := uuid.New()

	require.NoError(t, s.BeginAttempt(ctx, Record(net, "deploy_token", first, contracts.AttemptPending)))

	failed := Record(net, "deploy_token", first, contracts.AttemptFailed)
	failed.Reason = "rpc unavailable"
	require.NoError(t, s.FinishAttempt(ctx, failed))

	second := uuid.New()
	require.NoError(t, s.BeginAttempt(ctx, Record(net, "deploy_token", second, contracts.AttemptPending)))

	done := Record(net, "deploy_token", second, contracts.AttemptCompleted)
	done.TxHash = common.HexToHash("0xabc")
	require.NoError(t, s.FinishAttempt(ctx, done))

	records, err := s.LedgerRecords(ctx, net)
	require.NoError(t, err)
	require.Len(t, records, 4)

	statuses := make([]contracts.AttemptStatus, len(records))
	for i, rec := range records {
		statuses[i] = rec.Status
	}
	assert.Equal(t, []contracts.AttemptStatus{
		contracts.AttemptPending,
		contracts.AttemptFailed,
		contracts.AttemptPending,
		contracts.AttemptCompleted,
	}, statuses)
	assert.Equal(t, "rpc unavailable", records[1].Reason)
	assert.Equal(t, first, records[1].AttemptID)
	assert.Equal(t, done.TxHash, records[3].TxHash)
	assert.Equal(t, done.ID, records[3].ID)
	assert.WithinDuration(t, done.RecordedAt, records[3].RecordedAt, time.Millisecond)
}

func testFinishRequiresHolder(t *testing.T, s store.Store) {
	ctx := context.Background()
	net := network()
	holder := uuid.New()

	require.NoError(t, s.BeginAttempt(ctx, Record(net, "deploy_token", holder, contracts.AttemptPending)))

	err := s.FinishAttempt(ctx, Record(net, "deploy_token", uuid.New(), contracts.AttemptCompleted))
	assert.ErrorIs(t, err, contracts.ErrAttemptClosed)

	require.NoError(t, s.FinishAttempt(ctx, Record(net, "deploy_token", holder, contracts.AttemptCompleted)))

	err = s.FinishAttempt(ctx, Record(net, "deploy_token", holder, contracts.AttemptFailed))
	assert.ErrorIs(t, err, contracts.ErrAttemptClosed, "an attempt finishes exactly once")
}

func testConcurrentBegin(t *testing.T, s store.Store) {
	ctx := context.Background()
	net := network()

	const workers = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		won      int
		rejected int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.BeginAttempt(ctx, Record(net, "deploy_token", uuid.New(), contracts.AttemptPending))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				won++
			case assert.ErrorIs(t, err, contracts.ErrAttemptInProgress):
				rejected++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, won)
	assert.Equal(t, workers-1, rejected)
}

func testInFlight(t *testing.T, s store.Store) {
	ctx := context.Background()
	net := network()
	open := uuid.New()
	closed := uuid.New()

	require.NoError(t, s.BeginAttempt(ctx, Record(net, "deploy_token", closed, contracts.AttemptPending)))
	require.NoError(t, s.FinishAttempt(ctx, Record(net, "deploy_token", closed, contracts.AttemptCompleted)))
	require.NoError(t, s.BeginAttempt(ctx, Record(net, "deploy_resonance", open, contracts.AttemptPending)))

	inflight, err := s.InFlight(ctx, net)
	require.NoError(t, err)
	require.Len(t, inflight, 1)
	assert.Equal(t, open, inflight[0].AttemptID)
	assert.Equal(t, "deploy_resonance", inflight[0].StepID)
}

func testTransactions(t *testing.T, s store.Store) {
	ctx := context.Background()
	net := network()
	attempt := uuid.New()

	submitted := contracts.Transaction{
		AttemptID:  attempt,
		StepID:     "deploy_token",
		NetworkID:  net,
		Artifact:   "FDSToken",
		Hash:       common.HexToHash("0x01"),
		Status:     contracts.TxSubmitted,
		RecordedAt: now(),
	}
	confirmed := submitted
	confirmed.Status = contracts.TxConfirmed
	confirmed.Address = common.HexToAddress("0xAAA")
	confirmed.BlockNumber = 42

	require.NoError(t, s.AppendTransaction(ctx, submitted))
	require.NoError(t, s.AppendTransaction(ctx, confirmed))

	txs, err := s.Transactions(ctx, net)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, contracts.TxSubmitted, txs[0].Status)
	assert.Equal(t, contracts.TxConfirmed, txs[1].Status)
	assert.Equal(t, confirmed.Address, txs[1].Address)
	assert.Equal(t, uint64(42), txs[1].BlockNumber)
	assert.Equal(t, attempt, txs[1].AttemptID)
	assert.Equal(t, "FDSToken", txs[1].Artifact)
}

func deployment(net, artifact, addr string) contracts.Deployment {
	return contracts.Deployment{
		Artifact:    artifact,
		NetworkID:   net,
		Address:     common.HexToAddress(addr),
		TxHash:      common.HexToHash(addr),
		BlockNumber: 7,
		StepID:      "deploy_" + artifact,
		CodeHash:    common.HexToHash("0xc0de"),
		ABI:         json.RawMessage(`[{"type":"constructor","inputs":[]}]`),
		DeployedAt:  now(),
	}
}

func testDeployments(t *testing.T, s store.Store) {
	ctx := context.Background()
	net := network()

	_, err := s.GetDeployment(ctx, net, "FDSToken")
	assert.ErrorIs(t, err, contracts.ErrNotFound)

	token := deployment(net, "FDSToken", "0xAAA")
	require.NoError(t, s.PutDeployment(ctx, token, false))

	again := token
	again.TxHash = common.HexToHash("0xfff")
	assert.NoError(t, s.PutDeployment(ctx, again, false), "same address is a no-op")

	conflict := deployment(net, "FDSToken", "0xCCC")
	assert.ErrorIs(t, s.PutDeployment(ctx, conflict, false), contracts.ErrAddressConflict)

	got, err := s.GetDeployment(ctx, net, "FDSToken")
	require.NoError(t, err)
	assert.Equal(t, token.Address, got.Address)
	assert.Equal(t, token.TxHash, got.TxHash, "no-op must keep the first record")
	assert.Equal(t, token.StepID, got.StepID)
	assert.Equal(t, token.CodeHash, got.CodeHash)
	assert.Equal(t, uint64(7), got.BlockNumber)
	assert.JSONEq(t, string(token.ABI), string(got.ABI))

	require.NoError(t, s.PutDeployment(ctx, deployment(net, "FDSResonance", "0xBBB"), false))

	all, err := s.ListDeployments(ctx, net)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "FDSToken", all[0].Artifact)
	assert.Equal(t, "FDSResonance", all[1].Artifact)
}

func testDeploymentReplace(t *testing.T, s store.Store) {
	ctx := context.Background()
	net := network()

	require.NoError(t, s.PutDeployment(ctx, deployment(net, "FDSToken", "0xAAA"), false))
	require.NoError(t, s.PutDeployment(ctx, deployment(net, "FDSToken", "0xCCC"), true))

	got, err := s.GetDeployment(ctx, net, "FDSToken")
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress("0xCCC"), got.Address)

	all, err := s.ListDeployments(ctx, net)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func testNetworkIsolation(t *testing.T, s store.Store) {
	ctx := context.Background()
	mainnet, sepolia := network(), network()

	require.NoError(t, s.PutDeployment(ctx, deployment(mainnet, "FDSToken", "0xAAA"), false))
	require.NoError(t, s.PutDeployment(ctx, deployment(sepolia, "FDSToken", "0xDDD"), false))
	require.NoError(t, s.BeginAttempt(ctx, Record(mainnet, "deploy_token", uuid.New(), contracts.AttemptPending)))

	got, err := s.GetDeployment(ctx, sepolia, "FDSToken")
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress("0xDDD"), got.Address)

	records, err := s.LedgerRecords(ctx, sepolia)
	require.NoError(t, err)
	assert.Empty(t, records)
}
