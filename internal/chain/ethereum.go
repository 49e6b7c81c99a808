package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	contracts "github.com/fds-service/contracts"
)

// Ethereum is a Transport over a JSON-RPC client.
type Ethereum struct {
	client  Client
	signer  Signer
	network contracts.NetworkDescriptor
	logger  *slog.Logger
}

// Dial connects to the network's RPC endpoint and verifies its chain id.
func Dial(ctx context.Context, network contracts.NetworkDescriptor, signer Signer, logger *slog.Logger) (*Ethereum, error) {
	client, err := ethclient.DialContext(ctx, network.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", network.ID, err)
	}

	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("get chain ID: %w", err)
	}
	if network.ChainID != 0 && chainID.Uint64() != network.ChainID {
		client.Close()
		return nil, fmt.Errorf("%w: network %s expects chain id %d, endpoint reports %d",
			contracts.ErrConfiguration, network.ID, network.ChainID, chainID.Uint64())
	}

	t, err := NewEthereum(client, signer, network, logger)
	if err != nil {
		client.Close()
		return nil, err
	}
	return t, nil
}

// NewEthereum creates a transport over an existing client.
func NewEthereum(client Client, signer Signer, network contracts.NetworkDescriptor, logger *slog.Logger) (*Ethereum, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if network.From != (common.Address{}) && signer.Address() != network.From {
		return nil, fmt.Errorf("%w: signer address %s does not match sender %s of network %s",
			contracts.ErrConfiguration, signer.Address().Hex(), network.From.Hex(), network.ID)
	}
	if network.ConfirmationTimeout <= 0 {
		network.ConfirmationTimeout = contracts.DefaultConfirmationTimeout
	}
	if network.PollInterval <= 0 {
		network.PollInterval = contracts.DefaultPollInterval
	}
	if network.Gas.MultiplierPercent == 0 {
		network.Gas.MultiplierPercent = contracts.DefaultGasMultiplier
	}
	return &Ethereum{client: client, signer: signer, network: network, logger: logger}, nil
}

// SubmitDeployment signs and sends a contract creation transaction.
func (e *Ethereum) SubmitDeployment(ctx context.Context, bytecode, constructorArgs []byte, sender common.Address) (common.Hash, error) {
	if sender != e.signer.Address() {
		return common.Hash{}, fmt.Errorf("%w: no signer for sender %s", contracts.ErrConfiguration, sender.Hex())
	}

	data := make([]byte, 0, len(bytecode)+len(constructorArgs))
	data = append(data, bytecode...)
	data = append(data, constructorArgs...)

	nonce, err := e.client.PendingNonceAt(ctx, sender)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: get nonce: %v", contracts.ErrTransactionFailure, err)
	}

	gasPrice, err := e.gasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: get gas price: %v", contracts.ErrTransactionFailure, err)
	}

	gasLimit, err := e.gasLimit(ctx, sender, gasPrice, data)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: estimate gas: %v", contracts.ErrTransactionFailure, err)
	}

	tx := types.NewContractCreation(nonce, big.NewInt(0), gasLimit, gasPrice, data)

	signedTx, err := e.signer.SignTx(ctx, tx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: sign transaction: %v", contracts.ErrTransactionFailure, err)
	}

	e.logger.Info("sending deployment transaction",
		slog.String("network", e.network.ID),
		slog.String("tx_hash", signedTx.Hash().Hex()),
		slog.Uint64("nonce", nonce),
		slog.Uint64("gas_limit", gasLimit),
		slog.String("gas_price", gasPrice.String()),
	)

	if err := e.client.SendTransaction(ctx, signedTx); err != nil {
		return common.Hash{}, fmt.Errorf("%w: send transaction: %v", contracts.ErrTransactionFailure, err)
	}
	return signedTx.Hash(), nil
}

// gasPrice returns the configured price, or the node's suggestion scaled by
// the multiplier.
func (e *Ethereum) gasPrice(ctx context.Context) (*big.Int, error) {
	if e.network.Gas.Price != nil && e.network.Gas.Price.Sign() > 0 {
		return new(big.Int).Set(e.network.Gas.Price), nil
	}
	suggested, err := e.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, err
	}
	boosted := new(big.Int).Mul(suggested, new(big.Int).SetUint64(e.network.Gas.MultiplierPercent))
	return boosted.Div(boosted, big.NewInt(100)), nil
}

func (e *Ethereum) gasLimit(ctx context.Context, sender common.Address, gasPrice *big.Int, data []byte) (uint64, error) {
	if e.network.Gas.Limit > 0 {
		return e.network.Gas.Limit, nil
	}
	estimated, err := e.client.EstimateGas(ctx, ethereum.CallMsg{
		From:     sender,
		GasPrice: gasPrice,
		Value:    big.NewInt(0),
		Data:     data,
	})
	if err != nil {
		return 0, err
	}
	return estimated * e.network.Gas.MultiplierPercent / 100, nil
}

// AwaitConfirmation polls for the receipt until it is threshold blocks deep
// or the network's confirmation timeout elapses.
func (e *Ethereum) AwaitConfirmation(ctx context.Context, hash common.Hash, threshold uint64) (*Receipt, error) {
	if threshold == 0 {
		threshold = 1
	}
	timeout := e.network.ConfirmationTimeout
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(e.network.PollInterval)
	defer ticker.Stop()

	for {
		receipt, done, err := e.checkReceipt(ctx, hash, threshold)
		if err != nil || done {
			return receipt, err
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: %s not confirmed after %s", contracts.ErrConfirmationTimeout, hash.Hex(), timeout)
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (e *Ethereum) checkReceipt(ctx context.Context, hash common.Hash, threshold uint64) (*Receipt, bool, error) {
	receipt, err := e.client.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return nil, false, nil
	}
	if err != nil {
		e.logger.Debug("receipt lookup failed, retrying",
			slog.String("tx_hash", hash.Hex()),
			slog.String("error", err.Error()),
		)
		return nil, false, nil
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		return &Receipt{
			TxHash:      hash,
			BlockNumber: receipt.BlockNumber.Uint64(),
			GasUsed:     receipt.GasUsed,
		}, true, fmt.Errorf("%w: %s reverted in block %d", contracts.ErrTransactionFailure, hash.Hex(), receipt.BlockNumber.Uint64())
	}
	if receipt.ContractAddress == (common.Address{}) {
		return nil, true, fmt.Errorf("%w: %s created no contract", contracts.ErrTransactionFailure, hash.Hex())
	}

	head, err := e.client.BlockNumber(ctx)
	if err != nil {
		return nil, false, nil
	}
	mined := receipt.BlockNumber.Uint64()
	var confirmations uint64
	if head >= mined {
		confirmations = head - mined + 1
	}
	if confirmations < threshold {
		e.logger.Debug("waiting for confirmations",
			slog.String("tx_hash", hash.Hex()),
			slog.Uint64("confirmations", confirmations),
			slog.Uint64("threshold", threshold),
		)
		return nil, false, nil
	}

	e.logger.Info("transaction confirmed",
		slog.String("tx_hash", hash.Hex()),
		slog.String("contract", receipt.ContractAddress.Hex()),
		slog.Uint64("block_number", mined),
	)
	return &Receipt{
		TxHash:          hash,
		ContractAddress: receipt.ContractAddress,
		BlockNumber:     mined,
		GasUsed:         receipt.GasUsed,
		Confirmations:   confirmations,
	}, true, nil
}

// Close releases the client connection.
func (e *Ethereum) Close() {
	e.client.Close()
}

var _ Transport = (*Ethereum)(nil)
