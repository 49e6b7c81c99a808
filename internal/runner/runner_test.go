package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	contracts "github.com/fds-service/contracts"
	"github.com/fds-service/contracts/internal/chain/chaintest"
	"github.com/fds-service/contracts/internal/ledger"
	"github.com/fds-service/contracts/internal/metrics"
	"github.com/fds-service/contracts/internal/registry"
	"github.com/fds-service/contracts/internal/step"
	"github.com/fds-service/contracts/internal/store"
	"github.com/fds-service/contracts/internal/store/memory"
	"github.com/fds-service/contracts/migration"
)

var (
	addrToken     = common.HexToAddress("0xAAA")
	addrResonance = common.HexToAddress("0xBBB")
	deployer      = common.HexToAddress("0xc88DC709Dec2fb564f7365915f11A819310c6391")
)

func artifacts() []contracts.Artifact {
	return []contracts.Artifact{
		{
			Name:     migration.Token,
			ABI:      json.RawMessage(`[{"type":"constructor","inputs":[]}]`),
			Bytecode: common.FromHex("0x6080604052"),
		},
		{
			Name: migration.Resonance,
			ABI: json.RawMessage(`[{"type":"constructor","inputs":[
				{"name":"token","type":"address"},
				{"name":"owner","type":"address"},
				{"name":"feeRecipient","type":"address"},
				{"name":"numerator","type":"uint256"},
				{"name":"denominator","type":"uint256"}
			]}]`),
			Bytecode: common.FromHex("0x6080604053"),
		},
	}
}

type fixture struct {
	registry  *registry.Registry
	ledger    *ledger.Ledger
	transport *chaintest.Transport
	network   contracts.NetworkDescriptor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithStore(t, memory.New())
}

func newFixtureWithStore(t *testing.T, s store.Store) *fixture {
	t.Helper()
	reg := registry.New(s, registry.Config{})
	require.NoError(t, reg.RegisterAll(artifacts()))

	return &fixture{
		registry:  reg,
		ledger:    ledger.New(s, ledger.Config{}),
		transport: chaintest.New(),
		network: contracts.NetworkDescriptor{
			ID:            "sepolia",
			ChainID:       11155111,
			From:          deployer,
			Confirmations: 2,
		},
	}
}

func (f *fixture) runner(cfg Config) *Runner {
	return New(f.registry, f.ledger, f.transport, cfg)
}

func (f *fixture) address(t *testing.T, artifact string) common.Address {
	t.Helper()
	d, err := f.registry.ResolveAddress(context.Background(), artifact, f.network.ID)
	require.NoError(t, err)
	return d.Address
}

var errStoreDown = errors.New("store unavailable")

// flakyStore fails the next failPut deployment writes and the next
// failComplete attempt completions.
type flakyStore struct {
	*memory.Store

	mu           sync.Mutex
	failPut      int
	failComplete int
}

func (s *flakyStore) take(n *int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if *n == 0 {
		return false
	}
	*n--
	return true
}

func (s *flakyStore) PutDeployment(ctx context.Context, d contracts.Deployment, replace bool) error {
	if s.take(&s.failPut) {
		return errStoreDown
	}
	return s.Store.PutDeployment(ctx, d, replace)
}

func (s *flakyStore) FinishAttempt(ctx context.Context, rec contracts.LedgerRecord) error {
	if rec.Status == contracts.AttemptCompleted && s.take(&s.failComplete) {
		return errStoreDown
	}
	return s.Store.FinishAttempt(ctx, rec)
}

// submissionsOf counts the submissions carrying the bytecode of artifact.
func submissionsOf(f *fixture, artifact string) int {
	var code []byte
	for _, a := range artifacts() {
		if a.Name == artifact {
			code = a.Bytecode
		}
	}
	n := 0
	for _, sub := range f.transport.Submissions() {
		if string(sub.Bytecode) == string(code) {
			n++
		}
	}
	return n
}

func statuses(t *testing.T, l *ledger.Ledger, networkID string) []string {
	t.Helper()
	recs, err := l.History(context.Background(), networkID)
	require.NoError(t, err)
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.StepID + ":" + string(r.Status)
	}
	return out
}

func TestRunFDS(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.transport.AssignAddresses(addrToken, addrResonance)
	r := f.runner(Config{})

	sum, err := r.Run(ctx, migration.FDS(), f.network)
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, sum.State)
	assert.Equal(t, StateCompleted, r.State())
	assert.Equal(t, "sepolia", sum.NetworkID)
	assert.Nil(t, sum.Failure)
	require.Len(t, sum.Executed, 2)
	assert.Equal(t, "deploy_token", sum.Executed[0].StepID)
	assert.Equal(t, "deploy_resonance", sum.Executed[1].StepID)
	assert.Equal(t, map[string]common.Address{
		migration.Token:     addrToken,
		migration.Resonance: addrResonance,
	}, sum.Addresses())

	assert.Equal(t, addrToken, f.address(t, migration.Token))
	assert.Equal(t, addrResonance, f.address(t, migration.Resonance))

	subs := f.transport.Submissions()
	require.Len(t, subs, 2)
	assert.Empty(t, subs[0].ConstructorArgs)
	require.Len(t, subs[1].ConstructorArgs, 5*32)
	assert.Equal(t, common.LeftPadBytes(addrToken.Bytes(), 32), subs[1].ConstructorArgs[:32])
	assert.Equal(t, common.LeftPadBytes(deployer.Bytes(), 32), subs[1].ConstructorArgs[32:64])
	assert.Equal(t, common.LeftPadBytes([]byte{1}, 32), subs[1].ConstructorArgs[128:160])
	for _, s := range subs {
		assert.Equal(t, deployer, s.Sender)
	}

	assert.Equal(t, []string{
		"deploy_token:pending", "deploy_token:completed",
		"deploy_resonance:pending", "deploy_resonance:completed",
	}, statuses(t, f.ledger, "sepolia"))

	txs, err := f.ledger.Transactions(ctx, "sepolia")
	require.NoError(t, err)
	require.Len(t, txs, 4)
	assert.Equal(t, contracts.TxSubmitted, txs[0].Status)
	assert.Equal(t, contracts.TxConfirmed, txs[1].Status)
	assert.Equal(t, addrToken, txs[1].Address)
}

func TestRunIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.transport.AssignAddresses(addrToken, addrResonance)
	r := f.runner(Config{})

	_, err := r.Run(ctx, migration.FDS(), f.network)
	require.NoError(t, err)
	before, err := f.registry.Deployments(ctx, "sepolia")
	require.NoError(t, err)

	sum, err := r.Run(ctx, migration.FDS(), f.network)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, sum.State)
	assert.Empty(t, sum.Executed)
	assert.Equal(t, []string{"deploy_token", "deploy_resonance"}, sum.Skipped)
	assert.Len(t, f.transport.Submissions(), 2, "no new transactions")

	after, err := f.registry.Deployments(ctx, "sepolia")
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Len(t, statuses(t, f.ledger, "sepolia"), 4)
}

func TestRunNetworksAreIndependent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	r := f.runner(Config{})

	_, err := r.Run(ctx, migration.FDS(), f.network)
	require.NoError(t, err)

	other := f.network
	other.ID = "mainnet"
	sum, err := r.Run(ctx, migration.FDS(), other)
	require.NoError(t, err)
	assert.Len(t, sum.Executed, 2)
	assert.Len(t, f.transport.Submissions(), 4)
	assert.NotEqual(t, f.address(t, migration.Token), sum.Addresses()[migration.Token])
}

func TestRunResumesAfterTransactionFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.transport.FailSubmission(1, fmt.Errorf("%w: insufficient funds", contracts.ErrTransactionFailure))
	r := f.runner(Config{})

	sum, err := r.Run(ctx, migration.FDS(), f.network)
	require.Error(t, err)

	var stepErr *contracts.StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, "deploy_resonance", stepErr.StepID)
	assert.ErrorIs(t, err, contracts.ErrTransactionFailure)
	assert.Contains(t, err.Error(), "step deploy_resonance failed:")
	assert.True(t, contracts.Resumable(err))

	assert.Equal(t, StateFailed, sum.State)
	require.Len(t, sum.Executed, 1)
	assert.Equal(t, "deploy_token", sum.Executed[0].StepID)
	require.NotNil(t, sum.Failure)
	assert.Equal(t, "deploy_resonance", sum.Failure.StepID)
	assert.True(t, sum.Failure.Resumable)

	assert.Equal(t, []string{
		"deploy_token:pending", "deploy_token:completed",
		"deploy_resonance:pending", "deploy_resonance:failed",
	}, statuses(t, f.ledger, "sepolia"))

	sum, err = r.Run(ctx, migration.FDS(), f.network)
	require.NoError(t, err)
	assert.Equal(t, []string{"deploy_token"}, sum.Skipped)
	require.Len(t, sum.Executed, 1)
	assert.Equal(t, "deploy_resonance", sum.Executed[0].StepID)
	assert.Len(t, f.transport.Submissions(), 2, "token is not redeployed")
}

func TestRunOrdersByIndex(t *testing.T) {
	f := newFixture(t)

	var (
		mu     sync.Mutex
		events []string
	)
	r := f.runner(Config{OnStateChange: func(s State, stepID string) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, fmt.Sprintf("%s(%s)", s, stepID))
	}})

	fds := migration.FDS()
	reversed := []step.Step{fds[1], fds[0]}

	sum, err := r.Run(context.Background(), reversed, f.network)
	require.NoError(t, err)
	assert.Equal(t, "deploy_token", sum.Executed[0].StepID)
	assert.Equal(t, []string{
		"idle()",
		"resolving()",
		"executing(deploy_token)",
		"executing(deploy_resonance)",
		"completed()",
	}, events)
}

func TestRunRejectsInvalidSequence(t *testing.T) {
	f := newFixture(t)
	r := f.runner(Config{})

	bad := []step.Step{
		step.Declare(1, "deploy_resonance", step.Deploy(migration.Resonance, step.AddressOf(migration.Token))),
		step.Declare(2, "deploy_token", step.Deploy(migration.Token)),
	}
	sum, err := r.Run(context.Background(), bad, f.network)
	assert.ErrorIs(t, err, contracts.ErrInvalidStep)
	assert.Equal(t, StateFailed, sum.State)
	assert.Nil(t, sum.Failure)
	assert.Empty(t, f.transport.Submissions())

	_, err = r.Run(context.Background(), migration.FDS(), contracts.NetworkDescriptor{})
	assert.ErrorIs(t, err, contracts.ErrConfiguration)
}

func TestRunAttemptInProgress(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.ledger.BeginAttempt(ctx, "deploy_token", "sepolia")
	require.NoError(t, err)

	sum, err := f.runner(Config{}).Run(ctx, migration.FDS(), f.network)
	assert.ErrorIs(t, err, contracts.ErrAttemptInProgress)
	assert.True(t, contracts.Fatal(err))
	assert.False(t, sum.Failure.Resumable)
	assert.Empty(t, f.transport.Submissions())
	assert.Equal(t, []string{"deploy_token:pending"}, statuses(t, f.ledger, "sepolia"),
		"the other attempt is left alone")
}

func TestRunConcurrentOnSameNetwork(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	const runs = 4
	var wg sync.WaitGroup
	errs := make([]error, runs)
	for i := 0; i < runs; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.runner(Config{}).Run(ctx, migration.FDS(), f.network)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			assert.ErrorIs(t, err, contracts.ErrAttemptInProgress)
		}
	}

	deployments, err := f.registry.Deployments(ctx, "sepolia")
	require.NoError(t, err)
	counts := make(map[string]int)
	for _, d := range deployments {
		counts[d.Artifact]++
	}
	for artifact, n := range counts {
		assert.Equal(t, 1, n, artifact)
	}
	assert.LessOrEqual(t, len(f.transport.Submissions()), 2, "no artifact deployed twice")
}

func TestRunBusy(t *testing.T) {
	f := newFixture(t)
	release := make(chan struct{})
	entered := make(chan struct{})

	r := f.runner(Config{OnStateChange: func(s State, stepID string) {
		if s == StateExecuting && stepID == "deploy_token" {
			close(entered)
			<-release
		}
	}})

	done := make(chan error, 1)
	go func() {
		_, err := r.Run(context.Background(), migration.FDS(), f.network)
		done <- err
	}()

	<-entered
	_, err := r.Run(context.Background(), migration.FDS(), f.network)
	assert.ErrorIs(t, err, ErrBusy)
	close(release)
	require.NoError(t, <-done)
}

func TestRunCanceledBeforeStart(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sum, err := f.runner(Config{}).Run(ctx, migration.FDS(), f.network)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateFailed, sum.State)
	assert.Equal(t, "deploy_token", sum.Failure.StepID)
	assert.Empty(t, statuses(t, f.ledger, "sepolia"), "no attempt begins after cancellation")
}

func TestRunCancellationFinishesCurrentStep(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := f.runner(Config{OnStateChange: func(s State, stepID string) {
		if s == StateExecuting && stepID == "deploy_token" {
			cancel()
		}
	}})

	sum, err := r.Run(ctx, migration.FDS(), f.network)
	assert.ErrorIs(t, err, context.Canceled)
	require.Len(t, sum.Executed, 1)
	assert.Equal(t, "deploy_token", sum.Executed[0].StepID)
	assert.Equal(t, "deploy_resonance", sum.Failure.StepID)
	assert.Len(t, f.transport.Submissions(), 1)
	assert.Equal(t, []string{"deploy_token:pending", "deploy_token:completed"}, statuses(t, f.ledger, "sepolia"))

	sum, err = r.Run(context.Background(), migration.FDS(), f.network)
	require.NoError(t, err)
	assert.Equal(t, "deploy_resonance", sum.Executed[0].StepID)
}

func TestRunConfirmationTimeoutRecoversTransaction(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.transport.AssignAddresses(addrToken, addrResonance)
	f.transport.FailConfirmation(1, fmt.Errorf("%w: no receipt after 5m", contracts.ErrConfirmationTimeout))
	r := f.runner(Config{})

	_, err := r.Run(ctx, migration.FDS(), f.network)
	assert.ErrorIs(t, err, contracts.ErrConfirmationTimeout)
	assert.True(t, contracts.Resumable(err))

	pending, err := f.ledger.PendingTransaction(ctx, "sepolia", migration.Resonance)
	require.NoError(t, err)
	require.NotNil(t, pending, "timed out transaction stays submitted")

	sum, err := r.Run(ctx, migration.FDS(), f.network)
	require.NoError(t, err)
	require.Len(t, sum.Executed, 1)
	res := sum.Executed[0].Deployments[0]
	assert.True(t, res.Recovered)
	assert.Equal(t, pending.Hash, res.TxHash)
	assert.Equal(t, addrResonance, f.address(t, migration.Resonance))

	assert.Len(t, f.transport.Submissions(), 2, "the timed out transaction is not resubmitted")
	awaited := f.transport.Awaited()
	assert.Equal(t, pending.Hash, awaited[len(awaited)-1])

	pending, err = f.ledger.PendingTransaction(ctx, "sepolia", migration.Resonance)
	require.NoError(t, err)
	assert.Nil(t, pending)
}

func TestRunResubmit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.transport.FailConfirmation(1, contracts.ErrConfirmationTimeout)

	_, err := f.runner(Config{}).Run(ctx, migration.FDS(), f.network)
	require.Error(t, err)

	sum, err := f.runner(Config{Resubmit: true}).Run(ctx, migration.FDS(), f.network)
	require.NoError(t, err)
	assert.False(t, sum.Executed[0].Deployments[0].Recovered)
	assert.Len(t, f.transport.Submissions(), 3)
}

func TestRunRevertedTransactionIsResubmitted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.transport.FailConfirmation(0, fmt.Errorf("%w: execution reverted", contracts.ErrTransactionFailure))
	r := f.runner(Config{})

	_, err := r.Run(ctx, migration.FDS(), f.network)
	assert.ErrorIs(t, err, contracts.ErrTransactionFailure)

	txs, err := f.ledger.Transactions(ctx, "sepolia")
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, contracts.TxReverted, txs[1].Status)

	_, err = r.Run(ctx, migration.FDS(), f.network)
	require.NoError(t, err)
	assert.Len(t, f.transport.Submissions(), 3)
}

func TestRunUnresolvedDependency(t *testing.T) {
	f := newFixture(t)
	only := []step.Step{migration.FDS()[1]}

	sum, err := f.runner(Config{}).Run(context.Background(), only, f.network)
	assert.ErrorIs(t, err, contracts.ErrUnresolvedDependency)
	assert.False(t, sum.Failure.Resumable)
	assert.Equal(t, []string{"deploy_resonance:pending", "deploy_resonance:failed"}, statuses(t, f.ledger, "sepolia"))
	assert.Empty(t, f.transport.Submissions())
}

func TestRunReusesExistingDeployment(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.registry.RecordDeployment(ctx, contracts.Deployment{
		Artifact:  migration.Token,
		NetworkID: "sepolia",
		Address:   addrToken,
		TxHash:    common.HexToHash("0x01"),
	}))

	sum, err := f.runner(Config{}).Run(ctx, migration.FDS(), f.network)
	require.NoError(t, err)

	token := sum.Executed[0].Deployments[0]
	assert.True(t, token.Reused)
	assert.Equal(t, addrToken, token.Address)

	subs := f.transport.Submissions()
	require.Len(t, subs, 1)
	assert.Equal(t, common.LeftPadBytes(addrToken.Bytes(), 32), subs[0].ConstructorArgs[:32])
}

func TestRunRedeploy(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.transport.AssignAddresses(addrToken, common.HexToAddress("0xCCC"))
	require.NoError(t, f.registry.RecordDeployment(ctx, contracts.Deployment{
		Artifact: migration.Token, NetworkID: "sepolia", Address: common.HexToAddress("0x0DD"),
	}))

	redeploy := step.Deploy(migration.Token)
	redeploy.Redeploy = true
	steps := []step.Step{step.Declare(3, "redeploy_token", redeploy)}

	_, err := f.runner(Config{}).Run(ctx, steps, f.network)
	require.NoError(t, err)
	assert.Equal(t, addrToken, f.address(t, migration.Token))
}

func TestRunRecordsConfirmedDeploymentAfterStoreFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixtureWithStore(t, &flakyStore{Store: memory.New(), failPut: 1})
	f.transport.AssignAddresses(addrToken, addrResonance, common.HexToAddress("0xCCC"))
	r := f.runner(Config{})

	_, err := r.Run(ctx, migration.FDS(), f.network)
	require.ErrorIs(t, err, errStoreDown)
	_, err = f.registry.ResolveAddress(ctx, migration.Token, "sepolia")
	require.ErrorIs(t, err, contracts.ErrUnresolvedDependency)

	sum, err := r.Run(ctx, migration.FDS(), f.network)
	require.NoError(t, err)
	require.Len(t, sum.Executed, 2)
	token := sum.Executed[0].Deployments[0]
	assert.True(t, token.Recovered)
	assert.Equal(t, addrToken, token.Address)
	assert.Equal(t, addrToken, f.address(t, migration.Token))

	assert.Equal(t, 1, submissionsOf(f, migration.Token), "confirmed deployment is not sent again")
	subs := f.transport.Submissions()
	require.Len(t, subs, 2)
	assert.Equal(t, common.LeftPadBytes(addrToken.Bytes(), 32), subs[1].ConstructorArgs[:32])
}

func TestRunRedeployRetriedOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.transport.AssignAddresses(addrToken, addrResonance)
	f.transport.FailSubmission(1, fmt.Errorf("%w: nonce too low", contracts.ErrTransactionFailure))
	require.NoError(t, f.registry.RecordDeployment(ctx, contracts.Deployment{
		Artifact: migration.Token, NetworkID: "sepolia", Address: common.HexToAddress("0x0DD"),
	}))

	token := step.Deploy(migration.Token)
	token.Redeploy = true
	resonance := step.Deploy(migration.Resonance,
		step.Literal(deployer), step.Literal(deployer), step.Literal(deployer), step.Literal(1), step.Literal(1))
	steps := []step.Step{step.Declare(3, "rotate", token, resonance)}
	r := f.runner(Config{})

	_, err := r.Run(ctx, steps, f.network)
	require.ErrorIs(t, err, contracts.ErrTransactionFailure)
	assert.Equal(t, addrToken, f.address(t, migration.Token))

	sum, err := r.Run(ctx, steps, f.network)
	require.NoError(t, err)
	require.Len(t, sum.Executed, 1)
	assert.True(t, sum.Executed[0].Deployments[0].Recovered)

	assert.Equal(t, 1, submissionsOf(f, migration.Token), "a retried step redeploys once")
	assert.Equal(t, addrToken, f.address(t, migration.Token))
	assert.Equal(t, addrResonance, f.address(t, migration.Resonance))
}

func TestRunReleasesAttemptWhenCompletionFails(t *testing.T) {
	ctx := context.Background()
	f := newFixtureWithStore(t, &flakyStore{Store: memory.New(), failComplete: 1})
	r := f.runner(Config{})

	_, err := r.Run(ctx, migration.FDS(), f.network)
	require.ErrorIs(t, err, errStoreDown)
	assert.Equal(t, []string{"deploy_token:pending", "deploy_token:failed"}, statuses(t, f.ledger, "sepolia"))

	sum, err := r.Run(ctx, migration.FDS(), f.network)
	require.NoError(t, err, "the slot was released")
	assert.True(t, sum.Executed[0].Deployments[0].Reused)
	assert.Equal(t, 1, submissionsOf(f, migration.Token))
}

func TestRunRejectsUndeclaredProduct(t *testing.T) {
	f := newFixture(t)
	sneaky := step.Step{
		Index:   1,
		ID:      "sneaky",
		Resolve: step.Deploys(step.Deploy(migration.Token)),
	}

	_, err := f.runner(Config{}).Run(context.Background(), []step.Step{sneaky}, f.network)
	assert.ErrorIs(t, err, contracts.ErrInvalidStep)
	assert.Empty(t, f.transport.Submissions())
}

func TestRunPrefersRecordedAddress(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.transport.FailConfirmation(0, contracts.ErrConfirmationTimeout)
	r := f.runner(Config{})

	_, err := r.Run(ctx, migration.FDS(), f.network)
	require.ErrorIs(t, err, contracts.ErrConfirmationTimeout)

	// Someone recorded a different address out of band meanwhile.
	require.NoError(t, f.registry.RecordDeployment(ctx, contracts.Deployment{
		Artifact: migration.Token, NetworkID: "sepolia", Address: common.HexToAddress("0x0EE"),
	}))

	sum, err := r.Run(ctx, migration.FDS(), f.network)
	require.NoError(t, err, "existing address is reused")
	assert.True(t, sum.Executed[0].Deployments[0].Reused)

	err = f.registry.RecordDeployment(ctx, contracts.Deployment{
		Artifact: migration.Token, NetworkID: "sepolia", Address: common.HexToAddress("0x0FF"),
	})
	assert.ErrorIs(t, err, contracts.ErrAddressConflict)
	assert.True(t, contracts.Fatal(err))
}

func TestRunMetrics(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	m := metrics.New()
	r := f.runner(Config{Metrics: m})

	_, err := r.Run(ctx, migration.FDS(), f.network)
	require.NoError(t, err)
	_, err = r.Run(ctx, migration.FDS(), f.network)
	require.NoError(t, err)

	count, err := testutil.GatherAndCount(m.Registry(), "fdsmigrate_steps_total")
	require.NoError(t, err)
	assert.Equal(t, 4, count, "completed and skipped series for both steps")

	count, err = testutil.GatherAndCount(m.Registry(), "fdsmigrate_runs_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestSummaryTimes(t *testing.T) {
	f := newFixture(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := f.runner(Config{Now: func() time.Time {
		now = now.Add(time.Second)
		return now
	}})

	sum, err := r.Run(context.Background(), migration.FDS(), f.network)
	require.NoError(t, err)
	assert.True(t, sum.FinishedAt.After(sum.StartedAt))
	for _, res := range sum.Executed {
		assert.Equal(t, time.Second, res.Duration)
	}
}
