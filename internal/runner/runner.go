// Package runner executes migration steps against one network. Steps run
// strictly in index order; completed steps are skipped using the ledger, and
// the run halts on the first failing step.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	contracts "github.com/fds-service/contracts"
	"github.com/fds-service/contracts/internal/chain"
	"github.com/fds-service/contracts/internal/ledger"
	"github.com/fds-service/contracts/internal/metrics"
	"github.com/fds-service/contracts/internal/registry"
	"github.com/fds-service/contracts/internal/step"
)

// ErrBusy is returned when Run is called while another run is in progress on
// the same Runner.
var ErrBusy = errors.New("runner: run already in progress")

// StateFunc observes state transitions. stepID is set while executing.
type StateFunc func(state State, stepID string)

// Config contains configuration for the runner.
type Config struct {
	// Logger for structured logging
	Logger *slog.Logger

	// Metrics receives run, step and deployment counts. Optional.
	Metrics *metrics.Metrics

	// Resubmit sends a fresh transaction instead of re-awaiting one a
	// previous attempt submitted but never saw confirmed.
	Resubmit bool

	// OnStateChange is called on every transition. Optional.
	OnStateChange StateFunc

	Now func() time.Time
}

// Runner coordinates migration runs.
type Runner struct {
	registry  *registry.Registry
	ledger    *ledger.Ledger
	transport chain.Transport
	config    Config
	logger    *slog.Logger

	mu      sync.Mutex
	state   State
	running bool
}

// New creates a runner.
func New(reg *registry.Registry, led *ledger.Ledger, transport chain.Transport, cfg Config) *Runner {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Runner{
		registry:  reg,
		ledger:    led,
		transport: transport,
		config:    cfg,
		logger:    logger,
		state:     StateIdle,
	}
}

// State returns the current state.
func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Runner) setState(s State, stepID string) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
	if r.config.OnStateChange != nil {
		r.config.OnStateChange(s, stepID)
	}
}

// Run executes the pending steps on network. The summary is returned in both
// outcomes; on failure err is a *contracts.StepError naming the failing step,
// or the cancellation or validation error that stopped the run.
//
// Cancelling ctx stops the run before the next step begins. A step that has
// started runs to completion, since submitted transactions cannot be recalled.
func (r *Runner) Run(ctx context.Context, steps []step.Step, network contracts.NetworkDescriptor) (*Summary, error) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil, ErrBusy
	}
	r.running = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	sum := &Summary{
		RunID:     uuid.New(),
		NetworkID: network.ID,
		State:     StateIdle,
		Executed:  []StepResult{},
		Skipped:   []string{},
		StartedAt: r.config.Now().UTC(),
	}
	r.setState(StateIdle, "")

	logger := r.logger.With(
		slog.String("run_id", sum.RunID.String()),
		slog.String("network", network.ID),
	)
	logger.Info("starting migration run", slog.Int("steps", len(steps)))

	// 1. Validate the sequence and network
	r.setState(StateResolving, "")
	if network.ID == "" {
		return r.fail(sum, logger, nil, fmt.Errorf("%w: network has no id", contracts.ErrConfiguration))
	}
	if err := step.Validate(steps); err != nil {
		return r.fail(sum, logger, nil, err)
	}
	ordered := step.Sort(steps)

	// 2. Determine the pending suffix
	pending, err := r.ledger.PendingSteps(ctx, ordered, network.ID)
	if err != nil {
		return r.fail(sum, logger, nil, fmt.Errorf("read ledger: %w", err))
	}
	isPending := make(map[string]bool, len(pending))
	for _, s := range pending {
		isPending[s.ID] = true
	}
	for _, s := range ordered {
		if !isPending[s.ID] {
			sum.Skipped = append(sum.Skipped, s.ID)
			r.config.Metrics.StepFinished(network.ID, s.ID, metrics.OutcomeSkipped, 0)
			logger.Debug("step already completed", slog.String("step_id", s.ID))
		}
	}

	// 3. Execute pending steps in order
	for _, s := range pending {
		if err := ctx.Err(); err != nil {
			return r.fail(sum, logger, &s, fmt.Errorf("run canceled before step %s: %w", s.ID, err))
		}

		r.setState(StateExecuting, s.ID)
		started := r.config.Now()
		result, err := r.executeStep(context.WithoutCancel(ctx), s, network, logger)
		elapsed := r.config.Now().Sub(started)
		if err != nil {
			r.config.Metrics.StepFinished(network.ID, s.ID, metrics.OutcomeFailed, elapsed)
			return r.fail(sum, logger, &s, &contracts.StepError{StepID: s.ID, Index: s.Index, Err: err})
		}
		result.Duration = elapsed
		r.config.Metrics.StepFinished(network.ID, s.ID, metrics.OutcomeCompleted, elapsed)
		sum.Executed = append(sum.Executed, *result)
	}

	// 4. Done
	sum.State = StateCompleted
	sum.FinishedAt = r.config.Now().UTC()
	r.config.Metrics.RunFinished(network.ID, StateCompleted.String(), sum.FinishedAt)
	r.setState(StateCompleted, "")

	logger.Info("migration run completed",
		slog.Int("executed", len(sum.Executed)),
		slog.Int("skipped", len(sum.Skipped)),
	)
	return sum, nil
}

func (r *Runner) fail(sum *Summary, logger *slog.Logger, s *step.Step, err error) (*Summary, error) {
	sum.State = StateFailed
	sum.FinishedAt = r.config.Now().UTC()
	if s != nil {
		sum.Failure = &Failure{
			StepID:    s.ID,
			Index:     s.Index,
			Reason:    err.Error(),
			Resumable: contracts.Resumable(err) || errors.Is(err, context.Canceled),
		}
	}
	r.config.Metrics.RunFinished(sum.NetworkID, StateFailed.String(), sum.FinishedAt)
	r.setState(StateFailed, "")

	attrs := []any{slog.String("error", err.Error())}
	if s != nil {
		attrs = append(attrs, slog.String("step_id", s.ID), slog.Bool("resumable", sum.Failure.Resumable))
	}
	logger.Error("migration run failed", attrs...)
	return sum, err
}

// executeStep runs s inside one ledger attempt.
func (r *Runner) executeStep(ctx context.Context, s step.Step, network contracts.NetworkDescriptor, logger *slog.Logger) (*StepResult, error) {
	logger = logger.With(slog.String("step_id", s.ID), slog.Int("index", s.Index))

	attempt, err := r.ledger.BeginAttempt(ctx, s.ID, network.ID)
	if err != nil {
		return nil, err
	}
	logger.Info("executing step", slog.String("attempt_id", attempt.ID.String()))

	deployments, err := r.apply(ctx, attempt, s, network, logger)
	if err != nil {
		if failErr := r.ledger.FailAttempt(ctx, attempt, err.Error()); failErr != nil {
			logger.Error("failed to mark attempt as failed",
				slog.String("attempt_id", attempt.ID.String()),
				slog.String("error", failErr.Error()),
			)
		}
		return nil, err
	}

	var txHash common.Hash
	if n := len(deployments); n > 0 {
		txHash = deployments[n-1].TxHash
	}
	if err := r.ledger.CompleteAttempt(ctx, attempt, txHash); err != nil {
		// Release the slot so the next run can retry; its deployments are
		// already recorded and will be reused.
		if failErr := r.ledger.FailAttempt(ctx, attempt, "complete attempt: "+err.Error()); failErr != nil {
			return nil, fmt.Errorf("complete attempt: %w (attempt %s stays in flight, run unlock to release it)", err, attempt.ID)
		}
		return nil, fmt.Errorf("complete attempt: %w", err)
	}

	return &StepResult{
		Index:       s.Index,
		StepID:      s.ID,
		AttemptID:   attempt.ID,
		Deployments: deployments,
	}, nil
}

// apply resolves the step's plan and deploys each entry in order.
func (r *Runner) apply(ctx context.Context, attempt *ledger.Attempt, s step.Step, network contracts.NetworkDescriptor, logger *slog.Logger) ([]DeploymentResult, error) {
	plan, err := s.Resolve(ctx, r.registry.View(network.ID, s.Reads), network)
	if err != nil {
		return nil, fmt.Errorf("resolve: %w", err)
	}

	results := make([]DeploymentResult, 0, len(plan))
	for _, p := range plan {
		if !s.MayProduce(p.Artifact) {
			return nil, fmt.Errorf("%w: step %s plans %s but does not declare it", contracts.ErrInvalidStep, s.ID, p.Artifact)
		}
		artifact, err := r.registry.Artifact(p.Artifact)
		if err != nil {
			return nil, err
		}

		if !p.Redeploy {
			existing, err := r.registry.ResolveAddress(ctx, p.Artifact, network.ID)
			switch {
			case err == nil:
				logger.Info("reusing existing deployment",
					slog.String("artifact", p.Artifact),
					slog.String("address", existing.Address.Hex()),
				)
				r.config.Metrics.DeploymentRecorded(network.ID, p.Artifact, true)
				results = append(results, DeploymentResult{
					Artifact:    p.Artifact,
					Address:     existing.Address,
					TxHash:      existing.TxHash,
					BlockNumber: existing.BlockNumber,
					Reused:      true,
				})
				continue
			case !errors.Is(err, contracts.ErrUnresolvedDependency):
				return nil, err
			}
		}

		res, err := r.deploy(ctx, attempt, artifact, p, network, logger)
		if err != nil {
			return nil, err
		}

		d := contracts.Deployment{
			Artifact:    p.Artifact,
			NetworkID:   network.ID,
			Address:     res.Address,
			TxHash:      res.TxHash,
			BlockNumber: res.BlockNumber,
			StepID:      s.ID,
		}
		if p.Redeploy {
			err = r.registry.Redeploy(ctx, d)
		} else {
			err = r.registry.RecordDeployment(ctx, d)
		}
		if err != nil {
			return nil, err
		}
		r.config.Metrics.DeploymentRecorded(network.ID, p.Artifact, false)
		results = append(results, *res)
	}
	return results, nil
}

// deploy issues one deployment transaction and waits for it. The
// transaction log is consulted first: a deployment that already confirmed is
// recorded as is, and one a previous attempt left unconfirmed is awaited
// again unless Resubmit is set. A re-deployment only considers transactions
// of its own step, so retrying a step redeploys at most once.
func (r *Runner) deploy(ctx context.Context, attempt *ledger.Attempt, artifact contracts.Artifact, p step.Planned, network contracts.NetworkDescriptor, logger *slog.Logger) (*DeploymentResult, error) {
	logger = logger.With(slog.String("artifact", artifact.Name))

	prev, err := r.ledger.LatestTransaction(ctx, network.ID, artifact.Name)
	if err != nil {
		return nil, err
	}
	if prev != nil && (!p.Redeploy || prev.StepID == attempt.StepID) {
		switch prev.Status {
		case contracts.TxConfirmed:
			logger.Info("deployment already confirmed, recording it",
				slog.String("tx_hash", prev.Hash.Hex()),
				slog.String("address", prev.Address.Hex()),
				slog.String("previous_attempt_id", prev.AttemptID.String()),
			)
			return &DeploymentResult{
				Artifact:    artifact.Name,
				Address:     prev.Address,
				TxHash:      prev.Hash,
				BlockNumber: prev.BlockNumber,
				Recovered:   true,
			}, nil
		case contracts.TxSubmitted:
			if r.config.Resubmit {
				break
			}
			res, err := r.recoverPending(ctx, attempt, *prev, network, logger)
			if res != nil || !errors.Is(err, contracts.ErrTransactionFailure) {
				return res, err
			}
			logger.Warn("previous transaction reverted, submitting a new one",
				slog.String("tx_hash", prev.Hash.Hex()),
			)
		}
	}

	constructorArgs, err := chain.PackConstructor(artifact.ABI, p.Args)
	if err != nil {
		return nil, fmt.Errorf("%s constructor: %w", artifact.Name, err)
	}

	hash, err := r.transport.SubmitDeployment(ctx, artifact.Bytecode, constructorArgs, network.From)
	if err != nil {
		return nil, fmt.Errorf("submit %s: %w", artifact.Name, err)
	}
	logger.Info("deployment submitted", slog.String("tx_hash", hash.Hex()))

	tx := contracts.Transaction{Artifact: artifact.Name, Hash: hash, Status: contracts.TxSubmitted}
	if err := r.ledger.RecordTransaction(ctx, attempt, tx); err != nil {
		return nil, err
	}

	return r.confirm(ctx, attempt, tx, network, logger)
}

func (r *Runner) recoverPending(ctx context.Context, attempt *ledger.Attempt, prev contracts.Transaction, network contracts.NetworkDescriptor, logger *slog.Logger) (*DeploymentResult, error) {
	logger.Info("awaiting transaction from a previous attempt",
		slog.String("tx_hash", prev.Hash.Hex()),
		slog.String("previous_attempt_id", prev.AttemptID.String()),
	)
	res, err := r.confirm(ctx, attempt, prev, network, logger)
	if err != nil {
		return nil, err
	}
	res.Recovered = true
	return res, nil
}

// confirm waits for tx and appends the outcome to the transaction log. A
// timeout leaves the transaction submitted so a later attempt can recover it.
func (r *Runner) confirm(ctx context.Context, attempt *ledger.Attempt, tx contracts.Transaction, network contracts.NetworkDescriptor, logger *slog.Logger) (*DeploymentResult, error) {
	receipt, err := r.transport.AwaitConfirmation(ctx, tx.Hash, network.Confirmations)
	if err != nil {
		if receipt != nil || errors.Is(err, contracts.ErrTransactionFailure) {
			tx.Status = contracts.TxReverted
			if receipt != nil {
				tx.BlockNumber = receipt.BlockNumber
			}
			tx.RecordedAt = time.Time{}
			if recErr := r.ledger.RecordTransaction(ctx, attempt, tx); recErr != nil {
				logger.Error("failed to record reverted transaction", slog.String("error", recErr.Error()))
			}
		}
		return nil, fmt.Errorf("await %s: %w", tx.Artifact, err)
	}

	tx.Status = contracts.TxConfirmed
	tx.Address = receipt.ContractAddress
	tx.BlockNumber = receipt.BlockNumber
	tx.RecordedAt = time.Time{}
	if err := r.ledger.RecordTransaction(ctx, attempt, tx); err != nil {
		return nil, err
	}

	logger.Info("deployment confirmed",
		slog.String("address", receipt.ContractAddress.Hex()),
		slog.String("tx_hash", tx.Hash.Hex()),
		slog.Uint64("block_number", receipt.BlockNumber),
		slog.Uint64("confirmations", receipt.Confirmations),
	)

	return &DeploymentResult{
		Artifact:    tx.Artifact,
		Address:     receipt.ContractAddress,
		TxHash:      tx.Hash,
		BlockNumber: receipt.BlockNumber,
	}, nil
}
