// Package contracts provides the data model and error taxonomy shared by the
// FDS migration runner: compiled artifacts, deployed addresses, ledger records
// and network descriptors.
package contracts

import (
	"bytes"
	"encoding/json"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
)

// Defaults applied to network descriptors.
const (
	DefaultConfirmations       = 1
	DefaultConfirmationTimeout = 5 * time.Minute
	DefaultPollInterval        = 2 * time.Second
	DefaultGasMultiplier       = 120 // percent
)

// Artifact is the compiled definition of a deployable contract.
type Artifact struct {
	Name     string          `json:"name"`
	ABI      json.RawMessage `json:"abi"`
	Bytecode []byte          `json:"bytecode"`
	Source   string          `json:"source,omitempty"`
}

// CodeHash returns the keccak256 hash of the creation bytecode.
func (a Artifact) CodeHash() common.Hash {
	return crypto.Keccak256Hash(a.Bytecode)
}

// ContentHash identifies the artifact by ABI and bytecode. Formatting
// differences in the ABI JSON do not change the hash.
func (a Artifact) ContentHash() common.Hash {
	var abi bytes.Buffer
	if err := json.Compact(&abi, a.ABI); err != nil {
		abi.Reset()
		abi.Write(a.ABI)
	}
	return crypto.Keccak256Hash(abi.Bytes(), a.Bytecode)
}

// Deployment is the on-chain address of an artifact on one network.
type Deployment struct {
	Artifact    string          `json:"artifact"`
	NetworkID   string          `json:"network_id"`
	Address     common.Address  `json:"address"`
	TxHash      common.Hash     `json:"tx_hash"`
	BlockNumber uint64          `json:"block_number"`
	StepID      string          `json:"step_id"`
	CodeHash    common.Hash     `json:"code_hash"`
	ABI         json.RawMessage `json:"abi,omitempty"`
	DeployedAt  time.Time       `json:"deployed_at"`
}

// AttemptStatus is the status carried by a ledger record.
type AttemptStatus string

const (
	AttemptPending   AttemptStatus = "pending"
	AttemptCompleted AttemptStatus = "completed"
	AttemptFailed    AttemptStatus = "failed"
)

// LedgerRecord is one append-only entry of the deployment ledger.
type LedgerRecord struct {
	ID         string        `json:"id"`
	AttemptID  uuid.UUID     `json:"attempt_id"`
	StepID     string        `json:"step_id"`
	NetworkID  string        `json:"network_id"`
	Status     AttemptStatus `json:"status"`
	TxHash     common.Hash   `json:"tx_hash,omitempty"`
	Reason     string        `json:"reason,omitempty"`
	RecordedAt time.Time     `json:"recorded_at"`
}

// TxStatus is the status of a deployment transaction.
type TxStatus string

const (
	TxSubmitted TxStatus = "submitted"
	TxConfirmed TxStatus = "confirmed"
	TxReverted  TxStatus = "reverted"
)

// Transaction is an entry of the ledger's transaction log.
type Transaction struct {
	AttemptID   uuid.UUID      `json:"attempt_id"`
	StepID      string         `json:"step_id"`
	NetworkID   string         `json:"network_id"`
	Artifact    string         `json:"artifact"`
	Hash        common.Hash    `json:"hash"`
	Status      TxStatus       `json:"status"`
	Address     common.Address `json:"address,omitempty"`
	BlockNumber uint64         `json:"block_number,omitempty"`
	RecordedAt  time.Time      `json:"recorded_at"`
}

// GasPolicy controls gas limit and price of deployment transactions.
// Zero values mean "ask the node".
type GasPolicy struct {
	Limit             uint64
	Price             *big.Int
	MultiplierPercent uint64
}

// NetworkDescriptor holds connection and transaction defaults for one network.
// ID is the partition key of the ledger and the registry.
type NetworkDescriptor struct {
	ID                  string
	ChainID             uint64
	RPCURL              string
	From                common.Address
	Confirmations       uint64
	ConfirmationTimeout time.Duration
	PollInterval        time.Duration
	Gas                 GasPolicy
	Params              map[string]string
}

// Param returns a network-specific constant.
func (n NetworkDescriptor) Param(key string) (string, bool) {
	v, ok := n.Params[key]
	return v, ok
}
