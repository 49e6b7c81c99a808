// Package migration holds the built-in FDS deployment sequence.
package migration

import (
	"github.com/fds-service/contracts/internal/step"
)

// Artifact names.
const (
	Token     = "FDSToken"
	Resonance = "FDSResonance"
)

// Network params read by the resonance step.
const (
	ParamResonanceOwner        = "resonance_owner"
	ParamResonanceFeeRecipient = "resonance_fee_recipient"
	ParamResonanceNumerator    = "resonance_numerator"
	ParamResonanceDenominator  = "resonance_denominator"
)

// DefaultResonanceOwner owns FDSResonance and receives its fees unless a
// network overrides either role.
const DefaultResonanceOwner = "0xc88DC709Dec2fb564f7365915f11A819310c6391"

// FDS returns the FDS sequence: the token first, then the resonance contract
// constructed with the token's address.
func FDS() []step.Step {
	return []step.Step{
		step.Declare(1, "deploy_token",
			step.Deploy(Token),
		),
		step.Declare(2, "deploy_resonance",
			step.Deploy(Resonance,
				step.AddressOf(Token),
				step.NetworkParamOr(ParamResonanceOwner, DefaultResonanceOwner),
				step.NetworkParamOr(ParamResonanceFeeRecipient, DefaultResonanceOwner),
				step.NetworkParamOr(ParamResonanceNumerator, "1"),
				step.NetworkParamOr(ParamResonanceDenominator, "1"),
			),
		),
	}
}
