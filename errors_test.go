package contracts

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStepError(t *testing.T) {
	cause := fmt.Errorf("await FDSResonance: %w", ErrConfirmationTimeout)
	err := error(&StepError{StepID: "deploy_resonance", Index: 2, Err: cause})

	assert.Equal(t, "step deploy_resonance failed: await FDSResonance: contracts: confirmation timeout", err.Error())
	assert.ErrorIs(t, err, ErrConfirmationTimeout)

	var stepErr *StepError
	assert.True(t, errors.As(fmt.Errorf("run: %w", err), &stepErr))
	assert.Equal(t, 2, stepErr.Index)
}

func TestClassification(t *testing.T) {
	tests := []struct {
		err       error
		fatal     bool
		resumable bool
	}{
		{ErrDuplicateArtifact, true, false},
		{ErrAddressConflict, true, false},
		{ErrAttemptInProgress, true, false},
		{ErrTransactionFailure, false, true},
		{ErrConfirmationTimeout, false, true},
		{ErrUnresolvedDependency, false, false},
		{ErrConfiguration, false, false},
		{errors.New("boom"), false, false},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			wrapped := &StepError{StepID: "s", Err: fmt.Errorf("wrapped: %w", tt.err)}
			assert.Equal(t, tt.fatal, Fatal(wrapped))
			assert.Equal(t, tt.resumable, Resumable(wrapped))
		})
	}
}

func TestArtifactHashes(t *testing.T) {
	a := Artifact{
		Name:     "FDSToken",
		ABI:      json.RawMessage(`[{"type": "constructor", "inputs": []}]`),
		Bytecode: []byte{0x60, 0x80},
	}
	b := a
	b.ABI = json.RawMessage(`[ {"type":"constructor","inputs":[]} ]`)
	b.Source = "elsewhere"

	assert.Equal(t, a.ContentHash(), b.ContentHash(), "ABI formatting is ignored")
	assert.Equal(t, a.CodeHash(), b.CodeHash())

	b.Bytecode = []byte{0x60, 0x81}
	assert.NotEqual(t, a.ContentHash(), b.ContentHash())
	assert.NotEqual(t, a.CodeHash(), b.CodeHash())
}

func TestNetworkParam(t *testing.T) {
	n := NetworkDescriptor{ID: "dev", Params: map[string]string{"resonance_numerator": "3"}}
	v, ok := n.Param("resonance_numerator")
	assert.True(t, ok)
	assert.Equal(t, "3", v)

	_, ok = n.Param("missing")
	assert.False(t, ok)
	_, ok = NetworkDescriptor{}.Param("anything")
	assert.False(t, ok)
}
