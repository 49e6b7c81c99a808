package network

import (
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	contracts "github.com/fds-service/contracts"
	"github.com/fds-service/contracts/internal/chain"
)

const testKey = "b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291"

const sampleYAML = `
store: sqlite://state/ledger.db
artifacts: build/contracts
networks:
  sepolia:
    chain_id: 11155111
    rpc_url: https://rpc.sepolia.example
    from: "0xc88DC709Dec2fb564f7365915f11A819310c6391"
    confirmations: 3
    confirmation_timeout: 90s
    gas:
      price_gwei: 1.5
      multiplier_percent: 130
    params:
      resonance_numerator: 3
      resonance_denominator: 4
  local:
    chain_id: 1337
    rpc_url: http://127.0.0.1:8545
    signer:
      private_key_env: LOCAL_KEY
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func load(t *testing.T, content string) (*Config, error) {
	t.Helper()
	v := NewViper()
	require.NoError(t, ReadConfigFile(v, writeFile(t, "fdsmigrate.yaml", content)))
	return Load(v)
}

func TestLoad(t *testing.T) {
	cfg, err := load(t, sampleYAML)
	require.NoError(t, err)

	assert.Equal(t, "sqlite://state/ledger.db", cfg.Store)
	assert.Equal(t, "build/contracts", cfg.Artifacts)
	assert.Equal(t, []string{"local", "sepolia"}, cfg.Names())

	sepolia := cfg.Networks["sepolia"]
	assert.Equal(t, "sepolia", sepolia.Name)
	assert.Equal(t, uint64(11155111), sepolia.ChainID)
	assert.Equal(t, 90*time.Second, sepolia.ConfirmationTimeout)
	assert.Equal(t, "3", sepolia.Params["resonance_numerator"])
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(NewViper())
	require.NoError(t, err)
	assert.Equal(t, DefaultStore, cfg.Store)
	assert.Equal(t, DefaultArtifacts, cfg.Artifacts)
	assert.Empty(t, cfg.Networks)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("FDSMIGRATE_STORE", "memory://")
	t.Setenv("FDSMIGRATE_NETWORKS_SEPOLIA_RPC_URL", "https://override.example")

	cfg, err := load(t, sampleYAML)
	require.NoError(t, err)
	assert.Equal(t, "memory://", cfg.Store)
	assert.Equal(t, "https://override.example", cfg.Networks["sepolia"].RPCURL)
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "missing chain id",
			yaml: "networks:\n  dev:\n    rpc_url: http://localhost:8545\n",
			want: "ChainID",
		},
		{
			name: "bad rpc url",
			yaml: "networks:\n  dev:\n    chain_id: 1\n    rpc_url: not a url\n",
			want: "RPCURL",
		},
		{
			name: "bad from address",
			yaml: "networks:\n  dev:\n    chain_id: 1\n    rpc_url: http://localhost:8545\n    from: 0x123\n",
			want: "From",
		},
		{
			name: "multiplier below 100",
			yaml: "networks:\n  dev:\n    chain_id: 1\n    rpc_url: http://localhost:8545\n    gas:\n      multiplier_percent: 50\n",
			want: "MultiplierPercent",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := load(t, tt.yaml)
			assert.ErrorIs(t, err, contracts.ErrConfiguration)
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestReadConfigFile(t *testing.T) {
	v := NewViper()
	err := ReadConfigFile(v, filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, contracts.ErrConfiguration)

	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	assert.NoError(t, ReadConfigFile(NewViper(), ""), "no config file in the working directory is fine")

	toml := "store = \"memory://\"\n[networks.dev]\nchain_id = 1337\nrpc_url = \"http://127.0.0.1:8545\"\n"
	require.NoError(t, os.WriteFile("fdsmigrate.toml", []byte(toml), 0o600))
	v = NewViper()
	require.NoError(t, ReadConfigFile(v, ""))
	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, "memory://", cfg.Store)
	assert.Equal(t, uint64(1337), cfg.Networks["dev"].ChainID)
}

func TestLoadDotenv(t *testing.T) {
	path := writeFile(t, ".env", "FDSMIGRATE_DOTENV_PROBE=from-file\n")
	t.Setenv("FDSMIGRATE_DOTENV_PROBE", "")
	os.Unsetenv("FDSMIGRATE_DOTENV_PROBE")

	require.NoError(t, LoadDotenv(path))
	assert.Equal(t, "from-file", os.Getenv("FDSMIGRATE_DOTENV_PROBE"))

	err := LoadDotenv(filepath.Join(t.TempDir(), "absent.env"))
	assert.ErrorIs(t, err, contracts.ErrConfiguration)
}

func TestLookup(t *testing.T) {
	cfg, err := load(t, sampleYAML)
	require.NoError(t, err)

	n, err := cfg.Lookup("sepolia")
	require.NoError(t, err)
	assert.Equal(t, uint64(11155111), n.ChainID)

	n, err = cfg.Lookup("SEPOLIA")
	require.NoError(t, err)
	assert.Equal(t, "sepolia", n.Name)

	n, err = cfg.Lookup("1337")
	require.NoError(t, err)
	assert.Equal(t, "local", n.Name)

	_, err = cfg.Lookup("mainnet")
	assert.ErrorIs(t, err, contracts.ErrConfiguration)
	assert.ErrorContains(t, err, "local, sepolia")

	_, err = cfg.Lookup("")
	assert.ErrorIs(t, err, contracts.ErrConfiguration)
}

func TestLookupAmbiguousChainID(t *testing.T) {
	cfg := &Config{Networks: map[string]NetworkConfig{
		"a": {Name: "a", ChainID: 5},
		"b": {Name: "b", ChainID: 5},
	}}
	_, err := cfg.Lookup("5")
	assert.ErrorIs(t, err, contracts.ErrConfiguration)
	assert.ErrorContains(t, err, "matches 2 networks")
}

func TestDescriptor(t *testing.T) {
	cfg, err := load(t, sampleYAML)
	require.NoError(t, err)

	d := cfg.Networks["sepolia"].Descriptor()
	assert.Equal(t, "sepolia", d.ID)
	assert.Equal(t, common.HexToAddress("0xc88DC709Dec2fb564f7365915f11A819310c6391"), d.From)
	assert.Equal(t, uint64(3), d.Confirmations)
	assert.Equal(t, 90*time.Second, d.ConfirmationTimeout)
	assert.Equal(t, contracts.DefaultPollInterval, d.PollInterval)
	assert.Equal(t, uint64(130), d.Gas.MultiplierPercent)
	assert.Equal(t, big.NewInt(1_500_000_000), d.Gas.Price)

	v, ok := d.Param("resonance_denominator")
	assert.True(t, ok)
	assert.Equal(t, "4", v)

	local := cfg.Networks["local"].Descriptor()
	assert.Equal(t, uint64(contracts.DefaultConfirmations), local.Confirmations)
	assert.Equal(t, contracts.DefaultConfirmationTimeout, local.ConfirmationTimeout)
	assert.Equal(t, uint64(contracts.DefaultGasMultiplier), local.Gas.MultiplierPercent)
	assert.Nil(t, local.Gas.Price)
	assert.Equal(t, common.Address{}, local.From)
}

func TestNewSigner(t *testing.T) {
	cfg, err := load(t, sampleYAML)
	require.NoError(t, err)
	local := cfg.Networks["local"]

	t.Setenv("LOCAL_KEY", "")
	_, err = local.NewSigner()
	assert.ErrorIs(t, err, contracts.ErrConfiguration)
	assert.ErrorContains(t, err, "LOCAL_KEY")

	t.Setenv("LOCAL_KEY", testKey)
	signer, err := local.NewSigner()
	require.NoError(t, err)
	assert.IsType(t, &chain.KeySigner{}, signer)

	remote := cfg.Networks["sepolia"]
	remote.Signer = SignerConfig{RemoteURL: "https://signer.example/rpc", APIKeyEnv: "SIGNER_API_KEY"}

	t.Setenv("SIGNER_API_KEY", "")
	_, err = remote.NewSigner()
	assert.ErrorIs(t, err, contracts.ErrConfiguration)

	t.Setenv("SIGNER_API_KEY", "psk_live")
	signer, err = remote.NewSigner()
	require.NoError(t, err)
	assert.IsType(t, &chain.RemoteSigner{}, signer)
	assert.Equal(t, remote.Descriptor().From, signer.Address())

	remote.From = ""
	_, err = remote.NewSigner()
	assert.ErrorIs(t, err, contracts.ErrConfiguration)
}
