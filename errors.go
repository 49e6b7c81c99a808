package contracts

import (
	"errors"
	"fmt"
)

// Sentinel errors
var (
	ErrDuplicateArtifact    = errors.New("contracts: artifact already registered with different content")
	ErrUnknownArtifact      = errors.New("contracts: unknown artifact")
	ErrAddressConflict      = errors.New("contracts: conflicting address for deployed artifact")
	ErrUnresolvedDependency = errors.New("contracts: unresolved dependency")

	ErrAttemptInProgress = errors.New("contracts: attempt already in progress")
	ErrAttemptClosed     = errors.New("contracts: attempt is not in flight")

	ErrTransactionFailure  = errors.New("contracts: transaction failed")
	ErrConfirmationTimeout = errors.New("contracts: confirmation timeout")

	ErrConfiguration = errors.New("contracts: invalid configuration")
	ErrInvalidStep   = errors.New("contracts: invalid migration step")
	ErrNotFound      = errors.New("contracts: not found")
)

// StepError reports the migration step a run halted on.
type StepError struct {
	StepID string
	Index  int
	Err    error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s failed: %v", e.StepID, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// Fatal reports whether err is a registry or ledger contract violation.
// These halt a run immediately and are never retried.
func Fatal(err error) bool {
	return errors.Is(err, ErrDuplicateArtifact) ||
		errors.Is(err, ErrAddressConflict) ||
		errors.Is(err, ErrAttemptInProgress)
}

// Resumable reports whether a failed run can be re-invoked to continue at the
// failed step without operator intervention on the registry or ledger.
func Resumable(err error) bool {
	return errors.Is(err, ErrTransactionFailure) ||
		errors.Is(err, ErrConfirmationTimeout)
}
