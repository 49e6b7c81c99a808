// Package chain submits contract deployments to an EVM network and waits for
// their confirmation.
package chain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Transport is the chain collaborator the runner depends on.
type Transport interface {
	// SubmitDeployment sends a contract creation transaction carrying
	// bytecode followed by the ABI-encoded constructor arguments.
	SubmitDeployment(ctx context.Context, bytecode, constructorArgs []byte, sender common.Address) (common.Hash, error)
	// AwaitConfirmation blocks until the transaction has threshold
	// confirmations. A reverted transaction fails with
	// contracts.ErrTransactionFailure; running out of time fails with
	// contracts.ErrConfirmationTimeout.
	AwaitConfirmation(ctx context.Context, hash common.Hash, threshold uint64) (*Receipt, error)
}

// Receipt describes a confirmed deployment.
type Receipt struct {
	TxHash          common.Hash
	ContractAddress common.Address
	BlockNumber     uint64
	GasUsed         uint64
	Confirmations   uint64
}

// Client is the subset of ethclient.Client used by the transport.
type Client interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
	Close()
}

// Signer signs transactions for one sender address.
type Signer interface {
	Address() common.Address
	SignTx(ctx context.Context, tx *types.Transaction) (*types.Transaction, error)
}
