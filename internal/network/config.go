// Package network loads per-network connection and transaction settings from
// configuration files, the environment and flags.
package network

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/params"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	contracts "github.com/fds-service/contracts"
)

// EnvPrefix prefixes every environment variable the tool reads.
const EnvPrefix = "FDSMIGRATE"

// DefaultPrivateKeyEnv names the variable holding the deployer key when a
// network does not configure one.
const DefaultPrivateKeyEnv = "FDSMIGRATE_PRIVATE_KEY"

// Defaults for top-level settings.
const (
	DefaultStore     = "sqlite://fdsmigrate.db"
	DefaultArtifacts = "build/contracts"
)

// GasConfig is the gas policy of a network.
type GasConfig struct {
	Limit             uint64  `mapstructure:"limit"`
	PriceGwei         float64 `mapstructure:"price_gwei" validate:"gte=0"`
	MultiplierPercent uint64  `mapstructure:"multiplier_percent" validate:"omitempty,gte=100,lte=1000"`
}

// SignerConfig selects how transactions are signed. RemoteURL takes
// precedence over a local key.
type SignerConfig struct {
	PrivateKeyEnv string `mapstructure:"private_key_env"`
	RemoteURL     string `mapstructure:"remote_url" validate:"omitempty,url"`
	APIKeyEnv     string `mapstructure:"api_key_env"`
}

// NetworkConfig is one entry under networks.
type NetworkConfig struct {
	Name                string            `mapstructure:"-"`
	ChainID             uint64            `mapstructure:"chain_id" validate:"required"`
	RPCURL              string            `mapstructure:"rpc_url" validate:"required,url"`
	From                string            `mapstructure:"from" validate:"omitempty,eth_addr"`
	Confirmations       uint64            `mapstructure:"confirmations"`
	ConfirmationTimeout time.Duration     `mapstructure:"confirmation_timeout" validate:"gte=0"`
	PollInterval        time.Duration     `mapstructure:"poll_interval" validate:"gte=0"`
	Gas                 GasConfig         `mapstructure:"gas"`
	Signer              SignerConfig      `mapstructure:"signer"`
	Params              map[string]string `mapstructure:"params"`
}

// Config is the full configuration.
type Config struct {
	Store     string                   `mapstructure:"store" validate:"required"`
	Artifacts string                   `mapstructure:"artifacts"`
	Manifest  string                   `mapstructure:"manifest"`
	Networks  map[string]NetworkConfig `mapstructure:"networks" validate:"dive"`
}

// NewViper returns a viper instance with defaults and environment binding.
// Nested keys map to variables with dots replaced by underscores, e.g.
// FDSMIGRATE_NETWORKS_SEPOLIA_RPC_URL.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetDefault("store", DefaultStore)
	v.SetDefault("artifacts", DefaultArtifacts)
	v.SetDefault("manifest", "")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// ReadConfigFile reads path into v. An empty path searches the working
// directory for fdsmigrate.{yaml,toml,json} and tolerates its absence.
func ReadConfigFile(v *viper.Viper, path string) error {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("%w: read %s: %v", contracts.ErrConfiguration, path, err)
		}
		return nil
	}

	v.AddConfigPath(".")
	v.SetConfigName("fdsmigrate")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("%w: %v", contracts.ErrConfiguration, err)
	}
	return nil
}

// LoadDotenv loads variables from a .env file without overriding the
// environment. An empty path loads ./.env when present.
func LoadDotenv(path string) error {
	if path == "" {
		if _, err := os.Stat(".env"); err != nil {
			return nil
		}
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("%w: load %s: %v", contracts.ErrConfiguration, path, err)
	}
	return nil
}

var validate = validator.New()

// Load decodes and validates the configuration held by v.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", contracts.ErrConfiguration, err)
	}

	for name, n := range cfg.Networks {
		n.Name = name
		cfg.Networks[name] = n
	}

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("%w: %s", contracts.ErrConfiguration, describe(err))
	}
	return &cfg, nil
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.TrimPrefix(fe.Namespace(), "Config.")
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s fails %s=%s", field, fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s fails %s", field, fe.Tag()))
		}
	}
	return strings.Join(msgs, "; ")
}

// Names returns the configured network names in sorted order.
func (c *Config) Names() []string {
	names := make([]string, 0, len(c.Networks))
	for name := range c.Networks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup finds a network by name, or by chain id when nameOrID is numeric.
func (c *Config) Lookup(nameOrID string) (NetworkConfig, error) {
	if nameOrID == "" {
		return NetworkConfig{}, fmt.Errorf("%w: no network selected", contracts.ErrConfiguration)
	}
	if n, ok := c.Networks[strings.ToLower(nameOrID)]; ok {
		return n, nil
	}

	if id, err := strconv.ParseUint(nameOrID, 10, 64); err == nil {
		var matches []NetworkConfig
		for _, name := range c.Names() {
			if n := c.Networks[name]; n.ChainID == id {
				matches = append(matches, n)
			}
		}
		switch len(matches) {
		case 1:
			return matches[0], nil
		case 0:
		default:
			return NetworkConfig{}, fmt.Errorf("%w: chain id %d matches %d networks, select one by name",
				contracts.ErrConfiguration, id, len(matches))
		}
	}

	return NetworkConfig{}, fmt.Errorf("%w: unknown network %q (configured: %s)",
		contracts.ErrConfiguration, nameOrID, strings.Join(c.Names(), ", "))
}

// Descriptor converts the entry to the runner's network descriptor, filling
// defaults.
func (n NetworkConfig) Descriptor() contracts.NetworkDescriptor {
	d := contracts.NetworkDescriptor{
		ID:                  n.Name,
		ChainID:             n.ChainID,
		RPCURL:              n.RPCURL,
		Confirmations:       n.Confirmations,
		ConfirmationTimeout: n.ConfirmationTimeout,
		PollInterval:        n.PollInterval,
		Gas: contracts.GasPolicy{
			Limit:             n.Gas.Limit,
			MultiplierPercent: n.Gas.MultiplierPercent,
		},
		Params: make(map[string]string, len(n.Params)),
	}
	if n.From != "" {
		d.From = common.HexToAddress(n.From)
	}
	if d.Confirmations == 0 {
		d.Confirmations = contracts.DefaultConfirmations
	}
	if d.ConfirmationTimeout == 0 {
		d.ConfirmationTimeout = contracts.DefaultConfirmationTimeout
	}
	if d.PollInterval == 0 {
		d.PollInterval = contracts.DefaultPollInterval
	}
	if d.Gas.MultiplierPercent == 0 {
		d.Gas.MultiplierPercent = contracts.DefaultGasMultiplier
	}
	if n.Gas.PriceGwei > 0 {
		wei, _ := new(big.Float).Mul(big.NewFloat(n.Gas.PriceGwei), big.NewFloat(params.GWei)).Int(nil)
		d.Gas.Price = wei
	}
	for k, v := range n.Params {
		d.Params[k] = v
	}
	return d
}
