package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

// RemoteSignerConfig configures a RemoteSigner.
type RemoteSignerConfig struct {
	// Endpoint of the JSON-RPC signing service
	Endpoint string

	// APIKey sent in the X-API-Key header
	APIKey string

	// Address the service signs for
	Address common.Address

	ChainID *big.Int

	// HTTPClient defaults to a client with a 30s timeout.
	HTTPClient *http.Client
}

// RemoteSigner signs through a remote eth_signTransaction endpoint, keeping
// the key outside this process.
type RemoteSigner struct {
	endpoint   string
	apiKey     string
	address    common.Address
	chainID    *big.Int
	httpClient *http.Client
}

// NewRemoteSigner creates a remote signer.
func NewRemoteSigner(cfg RemoteSignerConfig) *RemoteSigner {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &RemoteSigner{
		endpoint:   cfg.Endpoint,
		apiKey:     cfg.APIKey,
		address:    cfg.Address,
		chainID:    cfg.ChainID,
		httpClient: client,
	}
}

// Address returns the configured sender.
func (s *RemoteSigner) Address() common.Address {
	return s.address
}

// SignTx sends tx to the signing service and verifies the returned signature
// recovers to the configured address.
func (s *RemoteSigner) SignTx(ctx context.Context, tx *types.Transaction) (*types.Transaction, error) {
	reqBody, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		Method:  "eth_signTransaction",
		Params:  []any{s.txArgs(tx)},
		ID:      1,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		httpReq.Header.Set("X-API-Key", s.apiKey)
	}

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("signing request failed: %d %s", resp.StatusCode, string(body))
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("JSON-RPC error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}

	var signedHex string
	if err := json.Unmarshal(rpcResp.Result, &signedHex); err != nil {
		return nil, fmt.Errorf("unmarshal result: %w", err)
	}
	raw, err := hexutil.Decode(signedHex)
	if err != nil {
		return nil, fmt.Errorf("decode hex: %w", err)
	}

	var signed types.Transaction
	if err := signed.UnmarshalBinary(raw); err != nil {
		return nil, fmt.Errorf("unmarshal transaction: %w", err)
	}

	from, err := types.Sender(types.LatestSignerForChainID(s.chainID), &signed)
	if err != nil {
		return nil, fmt.Errorf("recover signer: %w", err)
	}
	if from != s.address {
		return nil, fmt.Errorf("signing service signed as %s, expected %s", from.Hex(), s.address.Hex())
	}
	return &signed, nil
}

func (s *RemoteSigner) txArgs(tx *types.Transaction) txArgs {
	args := txArgs{
		From:    s.address.Hex(),
		Gas:     hexutil.EncodeUint64(tx.Gas()),
		Value:   hexutil.EncodeBig(tx.Value()),
		Nonce:   hexutil.EncodeUint64(tx.Nonce()),
		ChainID: hexutil.EncodeBig(s.chainID),
	}
	if tx.To() != nil {
		to := tx.To().Hex()
		args.To = &to
	}
	if len(tx.Data()) > 0 {
		args.Data = hexutil.Encode(tx.Data())
	}

	switch tx.Type() {
	case types.DynamicFeeTxType:
		maxFee := hexutil.EncodeBig(tx.GasFeeCap())
		maxTip := hexutil.EncodeBig(tx.GasTipCap())
		args.MaxFeePerGas = &maxFee
		args.MaxPriorityFeePerGas = &maxTip
	default:
		gasPrice := hexutil.EncodeBig(tx.GasPrice())
		args.GasPrice = &gasPrice
	}
	return args
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
	ID      int    `json:"id"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	ID      int             `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// txArgs are eth_signTransaction parameters. To is omitted for contract
// creation.
type txArgs struct {
	From                 string  `json:"from"`
	To                   *string `json:"to,omitempty"`
	Gas                  string  `json:"gas"`
	GasPrice             *string `json:"gasPrice,omitempty"`
	MaxFeePerGas         *string `json:"maxFeePerGas,omitempty"`
	MaxPriorityFeePerGas *string `json:"maxPriorityFeePerGas,omitempty"`
	Value                string  `json:"value"`
	Nonce                string  `json:"nonce"`
	Data                 string  `json:"data,omitempty"`
	ChainID              string  `json:"chainId"`
}

var _ Signer = (*RemoteSigner)(nil)
