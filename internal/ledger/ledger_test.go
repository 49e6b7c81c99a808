package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	contracts "github.com/fds-service/contracts"
	"github.com/fds-service/contracts/internal/step"
	"github.com/fds-service/contracts/internal/store/memory"
	"github.com/fds-service/contracts/internal/store/storetest"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newLedger() (*Ledger, *clock) {
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return New(memory.New(), Config{Now: c.Now}), c
}

func steps() []step.Step {
	return []step.Step{
		step.Declare(1, "deploy_token", step.Deploy("FDSToken")),
		step.Declare(2, "deploy_resonance", step.Deploy("FDSResonance", step.AddressOf("FDSToken"))),
	}
}

func ids(steps []step.Step) []string {
	out := make([]string, len(steps))
	for i, s := range steps {
		out[i] = s.ID
	}
	return out
}

func TestPendingSteps(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger()

	pending, err := l.PendingSteps(ctx, steps(), "sepolia")
	require.NoError(t, err)
	assert.Equal(t, []string{"deploy_token", "deploy_resonance"}, ids(pending))

	a, err := l.BeginAttempt(ctx, "deploy_token", "sepolia")
	require.NoError(t, err)

	pending, err = l.PendingSteps(ctx, steps(), "sepolia")
	require.NoError(t, err)
	assert.Len(t, pending, 2, "an in-flight step is still pending")

	require.NoError(t, l.CompleteAttempt(ctx, a, common.HexToHash("0x01")))

	pending, err = l.PendingSteps(ctx, steps(), "sepolia")
	require.NoError(t, err)
	assert.Equal(t, []string{"deploy_resonance"}, ids(pending))

	other, err := l.PendingSteps(ctx, steps(), "mainnet")
	require.NoError(t, err)
	assert.Len(t, other, 2)

	history, err := l.History(ctx, "sepolia")
	require.NoError(t, err)
	assert.Len(t, history, 2, "projection must not append records")
}

func TestAttemptLifecycle(t *testing.T) {
	ctx := context.Background()
	l, c := newLedger()

	first, err := l.BeginAttempt(ctx, "deploy_token", "sepolia")
	require.NoError(t, err)
	assert.Equal(t, c.Now(), first.StartedAt)

	_, err = l.BeginAttempt(ctx, "deploy_token", "sepolia")
	assert.ErrorIs(t, err, contracts.ErrAttemptInProgress)

	c.Advance(time.Second)
	require.NoError(t, l.FailAttempt(ctx, first, "transaction reverted"))
	assert.ErrorIs(t, l.CompleteAttempt(ctx, first, common.Hash{}), contracts.ErrAttemptClosed)

	second, err := l.BeginAttempt(ctx, "deploy_token", "sepolia")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	c.Advance(time.Second)
	require.NoError(t, l.CompleteAttempt(ctx, second, common.HexToHash("0x02")))

	history, err := l.History(ctx, "sepolia")
	require.NoError(t, err)
	require.Len(t, history, 4)

	assert.Equal(t, contracts.AttemptPending, history[0].Status)
	assert.Equal(t, contracts.AttemptFailed, history[1].Status)
	assert.Equal(t, "transaction reverted", history[1].Reason)
	assert.Equal(t, first.ID, history[1].AttemptID)
	assert.Equal(t, contracts.AttemptPending, history[2].Status)
	assert.Equal(t, contracts.AttemptCompleted, history[3].Status)
	assert.Equal(t, common.HexToHash("0x02"), history[3].TxHash)

	for i, rec := range history {
		id, err := ulid.Parse(rec.ID)
		require.NoError(t, err)
		assert.Equal(t, ulid.Timestamp(rec.RecordedAt), id.Time())
		if i > 0 {
			assert.Greater(t, rec.ID, history[i-1].ID, "record ids sort in append order")
		}
	}
}

func TestBeginAttemptPassesStoreErrors(t *testing.T) {
	s := &storetest.MockStore{}
	boom := errors.New("disk full")
	s.On("BeginAttempt", mock.Anything, mock.MatchedBy(func(rec contracts.LedgerRecord) bool {
		return rec.StepID == "deploy_token" && rec.Status == contracts.AttemptPending
	})).Return(boom)

	l := New(s, Config{})
	a, err := l.BeginAttempt(context.Background(), "deploy_token", "sepolia")
	assert.Nil(t, a)
	assert.ErrorIs(t, err, boom)
	s.AssertExpectations(t)
}

func TestPendingTransaction(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger()

	a, err := l.BeginAttempt(ctx, "deploy_token", "sepolia")
	require.NoError(t, err)

	tx, err := l.PendingTransaction(ctx, "sepolia", "FDSToken")
	require.NoError(t, err)
	assert.Nil(t, tx)

	require.NoError(t, l.RecordTransaction(ctx, a, contracts.Transaction{
		Artifact: "FDSToken", Hash: common.HexToHash("0x01"), Status: contracts.TxSubmitted,
	}))

	tx, err = l.PendingTransaction(ctx, "sepolia", "FDSToken")
	require.NoError(t, err)
	require.NotNil(t, tx)
	assert.Equal(t, common.HexToHash("0x01"), tx.Hash)
	assert.Equal(t, a.ID, tx.AttemptID)
	assert.Equal(t, "deploy_token", tx.StepID)

	other, err := l.PendingTransaction(ctx, "sepolia", "FDSResonance")
	require.NoError(t, err)
	assert.Nil(t, other)

	require.NoError(t, l.RecordTransaction(ctx, a, contracts.Transaction{
		Artifact: "FDSToken", Hash: common.HexToHash("0x01"), Status: contracts.TxReverted,
	}))

	tx, err = l.PendingTransaction(ctx, "sepolia", "FDSToken")
	require.NoError(t, err)
	assert.Nil(t, tx, "reverted transactions are settled")

	txs, err := l.Transactions(ctx, "sepolia")
	require.NoError(t, err)
	assert.Len(t, txs, 2)
}

func TestLatestTransaction(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger()

	tx, err := l.LatestTransaction(ctx, "sepolia", "FDSToken")
	require.NoError(t, err)
	assert.Nil(t, tx)

	a, err := l.BeginAttempt(ctx, "deploy_token", "sepolia")
	require.NoError(t, err)
	require.NoError(t, l.RecordTransaction(ctx, a, contracts.Transaction{
		Artifact: "FDSToken", Hash: common.HexToHash("0x01"), Status: contracts.TxSubmitted,
	}))
	require.NoError(t, l.RecordTransaction(ctx, a, contracts.Transaction{
		Artifact: "FDSToken", Hash: common.HexToHash("0x01"), Status: contracts.TxConfirmed,
		Address: common.HexToAddress("0xAAA"), BlockNumber: 12,
	}))
	require.NoError(t, l.RecordTransaction(ctx, a, contracts.Transaction{
		Artifact: "FDSResonance", Hash: common.HexToHash("0x02"), Status: contracts.TxSubmitted,
	}))

	tx, err = l.LatestTransaction(ctx, "sepolia", "FDSToken")
	require.NoError(t, err)
	require.NotNil(t, tx)
	assert.Equal(t, contracts.TxConfirmed, tx.Status)
	assert.Equal(t, common.HexToAddress("0xAAA"), tx.Address)
	assert.Equal(t, "deploy_token", tx.StepID)

	pending, err := l.PendingTransaction(ctx, "sepolia", "FDSToken")
	require.NoError(t, err)
	assert.Nil(t, pending, "confirmed transactions are settled")

	tx, err = l.LatestTransaction(ctx, "mainnet", "FDSToken")
	require.NoError(t, err)
	assert.Nil(t, tx)
}

func TestStatus(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger()

	token, err := l.BeginAttempt(ctx, "deploy_token", "sepolia")
	require.NoError(t, err)
	require.NoError(t, l.FailAttempt(ctx, token, "timeout"))
	token, err = l.BeginAttempt(ctx, "deploy_token", "sepolia")
	require.NoError(t, err)
	require.NoError(t, l.CompleteAttempt(ctx, token, common.HexToHash("0x01")))

	_, err = l.BeginAttempt(ctx, "deploy_resonance", "sepolia")
	require.NoError(t, err)

	all := append(steps(), step.Declare(3, "deploy_vault", step.Deploy("FDSVault")))
	status, err := l.Status(ctx, all, "sepolia")
	require.NoError(t, err)
	require.Len(t, status, 3)

	assert.Equal(t, StateCompleted, status[0].State)
	assert.Equal(t, 2, status[0].Attempts)
	require.NotNil(t, status[0].Last)
	assert.Equal(t, common.HexToHash("0x01"), status[0].Last.TxHash)

	assert.Equal(t, StateInFlight, status[1].State)
	assert.Equal(t, 1, status[1].Attempts)

	assert.Equal(t, StatePending, status[2].State)
	assert.Nil(t, status[2].Last)
}

func TestReapStale(t *testing.T) {
	ctx := context.Background()
	l, c := newLedger()

	stale, err := l.BeginAttempt(ctx, "deploy_token", "sepolia")
	require.NoError(t, err)

	c.Advance(time.Hour)
	fresh, err := l.BeginAttempt(ctx, "deploy_resonance", "sepolia")
	require.NoError(t, err)

	c.Advance(time.Minute)
	reaped, err := l.ReapStale(ctx, "sepolia", 30*time.Minute)
	require.NoError(t, err)
	require.Len(t, reaped, 1)
	assert.Equal(t, stale.ID, reaped[0].AttemptID)

	// The reaped step can be attempted again; the fresh one is untouched.
	_, err = l.BeginAttempt(ctx, "deploy_token", "sepolia")
	assert.NoError(t, err)
	_, err = l.BeginAttempt(ctx, "deploy_resonance", "sepolia")
	assert.ErrorIs(t, err, contracts.ErrAttemptInProgress)
	assert.NoError(t, l.CompleteAttempt(ctx, fresh, common.Hash{}))

	history, err := l.History(ctx, "sepolia")
	require.NoError(t, err)
	var reasons []string
	for _, rec := range history {
		if rec.Status == contracts.AttemptFailed {
			reasons = append(reasons, rec.Reason)
		}
	}
	assert.Equal(t, []string{ReapedReason}, reasons)
}
