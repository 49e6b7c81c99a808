package network

import (
	"fmt"
	"math/big"
	"os"

	"github.com/ethereum/go-ethereum/common"

	contracts "github.com/fds-service/contracts"
	"github.com/fds-service/contracts/internal/chain"
)

// NewSigner builds the transaction signer configured for the network. Secrets
// are read from the environment variables the config names.
func (n NetworkConfig) NewSigner() (chain.Signer, error) {
	chainID := new(big.Int).SetUint64(n.ChainID)

	if n.Signer.RemoteURL != "" {
		if n.From == "" {
			return nil, fmt.Errorf("%w: network %s uses a remote signer but sets no from address",
				contracts.ErrConfiguration, n.Name)
		}
		var apiKey string
		if n.Signer.APIKeyEnv != "" {
			apiKey = os.Getenv(n.Signer.APIKeyEnv)
			if apiKey == "" {
				return nil, fmt.Errorf("%w: %s is not set", contracts.ErrConfiguration, n.Signer.APIKeyEnv)
			}
		}
		return chain.NewRemoteSigner(chain.RemoteSignerConfig{
			Endpoint: n.Signer.RemoteURL,
			APIKey:   apiKey,
			Address:  common.HexToAddress(n.From),
			ChainID:  chainID,
		}), nil
	}

	envName := n.Signer.PrivateKeyEnv
	if envName == "" {
		envName = DefaultPrivateKeyEnv
	}
	key := os.Getenv(envName)
	if key == "" {
		return nil, fmt.Errorf("%w: network %s needs a private key in %s", contracts.ErrConfiguration, n.Name, envName)
	}
	signer, err := chain.NewKeySigner(key, chainID)
	if err != nil {
		return nil, err
	}
	return signer, nil
}
