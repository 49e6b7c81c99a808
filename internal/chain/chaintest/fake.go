// Package chaintest provides an in-memory chain transport for tests.
package chaintest

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	contracts "github.com/fds-service/contracts"
	"github.com/fds-service/contracts/internal/chain"
)

// Submission is a deployment the fake accepted.
type Submission struct {
	Hash            common.Hash
	Bytecode        []byte
	ConstructorArgs []byte
	Sender          common.Address
	Address         common.Address
}

// Transport mines every accepted submission immediately. Contract addresses
// follow the sender's nonce unless assigned with AssignAddresses.
type Transport struct {
	mu          sync.Mutex
	nonce       uint64
	block       uint64
	submitCalls int
	assigned    []common.Address
	submissions []Submission
	byHash      map[common.Hash]int
	awaits      []common.Hash

	failSubmit  map[int]error
	failAwait   map[int]error
	unconfirmed map[common.Hash]bool
}

// New creates an empty fake transport.
func New() *Transport {
	return &Transport{
		block:       100,
		byHash:      make(map[common.Hash]int),
		failSubmit:  make(map[int]error),
		failAwait:   make(map[int]error),
		unconfirmed: make(map[common.Hash]bool),
	}
}

// AssignAddresses sets the contract addresses of the next submissions.
func (t *Transport) AssignAddresses(addrs ...common.Address) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.assigned = append(t.assigned, addrs...)
}

// FailSubmission makes the n-th SubmitDeployment call (0-based, counted over
// the fake's lifetime) fail with err.
func (t *Transport) FailSubmission(n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failSubmit[n] = err
}

// FailConfirmation makes the n-th AwaitConfirmation call fail with err. The
// transaction stays mined, as after a timeout the node might still include it.
func (t *Transport) FailConfirmation(n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failAwait[n] = err
}

// Drop makes a submitted transaction never confirm.
func (t *Transport) Drop(hash common.Hash) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.unconfirmed[hash] = true
}

// Submissions returns every accepted submission in order.
func (t *Transport) Submissions() []Submission {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Submission, len(t.submissions))
	copy(out, t.submissions)
	return out
}

// Awaited returns the hashes passed to AwaitConfirmation in order.
func (t *Transport) Awaited() []common.Hash {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]common.Hash, len(t.awaits))
	copy(out, t.awaits)
	return out
}

func (t *Transport) SubmitDeployment(_ context.Context, bytecode, constructorArgs []byte, sender common.Address) (common.Hash, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	call := t.submitCalls
	t.submitCalls++
	if err, ok := t.failSubmit[call]; ok {
		return common.Hash{}, err
	}

	var nonce [8]byte
	binary.BigEndian.PutUint64(nonce[:], t.nonce)
	hash := crypto.Keccak256Hash(sender.Bytes(), nonce[:], bytecode, constructorArgs)

	addr := crypto.CreateAddress(sender, t.nonce)
	if len(t.assigned) > 0 {
		addr = t.assigned[0]
		t.assigned = t.assigned[1:]
	}
	t.nonce++

	t.byHash[hash] = len(t.submissions)
	t.submissions = append(t.submissions, Submission{
		Hash:            hash,
		Bytecode:        append([]byte(nil), bytecode...),
		ConstructorArgs: append([]byte(nil), constructorArgs...),
		Sender:          sender,
		Address:         addr,
	})
	return hash, nil
}

func (t *Transport) AwaitConfirmation(_ context.Context, hash common.Hash, threshold uint64) (*chain.Receipt, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	call := len(t.awaits)
	t.awaits = append(t.awaits, hash)
	if err, ok := t.failAwait[call]; ok {
		return nil, err
	}

	i, ok := t.byHash[hash]
	if !ok || t.unconfirmed[hash] {
		return nil, fmt.Errorf("%w: %s", contracts.ErrConfirmationTimeout, hash.Hex())
	}
	if threshold == 0 {
		threshold = 1
	}
	t.block++
	sub := t.submissions[i]
	return &chain.Receipt{
		TxHash:          hash,
		ContractAddress: sub.Address,
		BlockNumber:     t.block,
		Confirmations:   threshold,
	}, nil
}

var _ chain.Transport = (*Transport)(nil)
