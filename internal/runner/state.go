package runner

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// State is a state of the runner.
type State string

const (
	StateIdle      State = "idle"
	StateResolving State = "resolving"
	StateExecuting State = "executing"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

func (s State) String() string {
	return string(s)
}

// Terminal reports whether s ends a run.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Summary reports a finished run.
type Summary struct {
	RunID      uuid.UUID    `json:"run_id"`
	NetworkID  string       `json:"network_id"`
	State      State        `json:"state"`
	Executed   []StepResult `json:"executed"`
	Skipped    []string     `json:"skipped"`
	Failure    *Failure     `json:"failure,omitempty"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
}

// Addresses returns every address recorded or reused by the run, by artifact.
func (s *Summary) Addresses() map[string]common.Address {
	out := make(map[string]common.Address)
	for _, r := range s.Executed {
		for _, d := range r.Deployments {
			out[d.Artifact] = d.Address
		}
	}
	return out
}

// StepResult is a step that completed during the run.
type StepResult struct {
	Index       int                `json:"index"`
	StepID      string             `json:"step_id"`
	AttemptID   uuid.UUID          `json:"attempt_id"`
	Deployments []DeploymentResult `json:"deployments"`
	Duration    time.Duration      `json:"duration"`
}

// DeploymentResult is one planned deployment of a step. Reused deployments
// were found in the registry and issued no transaction.
type DeploymentResult struct {
	Artifact    string         `json:"artifact"`
	Address     common.Address `json:"address"`
	TxHash      common.Hash    `json:"tx_hash"`
	BlockNumber uint64         `json:"block_number"`
	Reused      bool           `json:"reused,omitempty"`
	Recovered   bool           `json:"recovered,omitempty"`
}

// Failure is the step a failed run halted on.
type Failure struct {
	StepID    string `json:"step_id"`
	Index     int    `json:"index"`
	Reason    string `json:"reason"`
	Resumable bool   `json:"resumable"`
}
