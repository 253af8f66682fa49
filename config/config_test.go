package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"merkledrop/core/epoch"
)

func writeFile(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadTOML(t *testing.T) {
	t.Setenv("MERKLEDROP_TEST_WEBHOOK_SECRET", "hook-secret")
	tokenFile := writeFile(t, "token", "ipfs-token\n")
	path := writeFile(t, "merkledrop.toml", `Environment = "staging"
DataDir = "/var/lib/merkledrop"
ChainID = 10
Concurrency = 2

[TokenClasses]
usdc = "0x7F5c764cBc14f9669B88837ca1490cCa17c31607"
op = ""

[epoch]
Genesis = "2023-11"
GenesisWindow = 4

[snapshots]
Backend = "bolt"

[publisher]
Enabled = true
Endpoint = " http://127.0.0.1:5001 "
TokenFile = "`+tokenFile+`"
Timeout = "5s"

[webhook]
Endpoint = "https://hooks.example/merkledrop"
SecretEnv = "MERKLEDROP_TEST_WEBHOOK_SECRET"
MinBackoff = "1s"
MaxBackoff = "4s"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "staging", cfg.Environment)
	require.Equal(t, uint64(10), cfg.ChainID)
	require.Equal(t, []string{"op", "usdc"}, cfg.Classes())
	require.Equal(t, epoch.Config{Genesis: "2023-11", GenesisWindow: 4}, cfg.EpochConfig())
	require.Equal(t, filepath.Join("/var/lib/merkledrop", "snapshots.db"), cfg.Snapshots.Path)
	require.Equal(t, filepath.Join("/var/lib/merkledrop", "registry.sqlite"), cfg.Registry.DSN)
	require.Equal(t, "http://127.0.0.1:5001", cfg.Publisher.Endpoint)
	require.Equal(t, "ipfs-token", cfg.Publisher.Token)
	require.Equal(t, 5*time.Second, cfg.Publisher.Timeout.Duration)
	require.Equal(t, "hook-secret", cfg.Webhook.Secret)
	require.True(t, cfg.Webhook.Enabled())
	require.Equal(t, 4*time.Second, cfg.Webhook.MaxBackoff.Duration)
	require.Equal(t, 5, cfg.Webhook.MaxAttempts)
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "merkledrop.yaml", `environment: prod
data_dir: ./data
chain_id: 1
token_classes:
  usdc: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"
snapshots:
  backend: memory
logging:
  level: debug
  file: ./merkledrop.log
publisher:
  timeout: 45s
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "prod", cfg.Environment)
	require.Equal(t, "memory", cfg.Snapshots.Backend)
	require.Empty(t, cfg.Snapshots.Path)
	require.Equal(t, "debug", cfg.Logging.Level)
	require.Equal(t, 45*time.Second, cfg.Publisher.Timeout.Duration)
	require.False(t, cfg.Webhook.Enabled())
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	_, err := Load(writeFile(t, "bad.toml", "ChainID = 1\nChainName = \"x\"\n"))
	require.ErrorContains(t, err, "ChainName")

	_, err = Load(writeFile(t, "bad.yaml", "chain_id: 1\nchain_name: x\n"))
	require.Error(t, err)
}

func TestValidateFailures(t *testing.T) {
	cases := map[string]string{
		"class name":     "[TokenClasses]\n\"USD C\" = \"\"\n",
		"token address":  "[TokenClasses]\nusdc = \"0x1234\"\n",
		"genesis":        "[epoch]\nGenesis = \"2023/11\"\n",
		"backend":        "[snapshots]\nBackend = \"redis\"\n",
		"publisher":      "[publisher]\nEnabled = true\n",
		"webhook secret": "[webhook]\nEndpoint = \"https://hooks.example\"\n",
		"backoff":        "[webhook]\nEndpoint = \"https://hooks.example\"\nSecret = \"s\"\nMinBackoff = \"10s\"\nMaxBackoff = \"1s\"\n",
		"bad duration":   "[publisher]\nTimeout = \"soon\"\n",
	}
	for name, contents := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeFile(t, "c.toml", contents))
			require.Error(t, err)
		})
	}
}

func TestSecretEnvMustBeSet(t *testing.T) {
	t.Setenv("MERKLEDROP_TEST_EMPTY", "")
	_, err := Load(writeFile(t, "c.toml", "[publisher]\nTokenEnv = \"MERKLEDROP_TEST_EMPTY\"\n"))
	require.ErrorContains(t, err, "MERKLEDROP_TEST_EMPTY")
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.Equal(t, "leveldb", cfg.Snapshots.Backend)
	require.Equal(t, filepath.Join("./merkledrop-data", "snapshots"), cfg.Snapshots.Path)
	require.Empty(t, cfg.Classes())
}

func TestWithDataDirDerivesPaths(t *testing.T) {
	path := writeFile(t, "c.toml", "DataDir = \"/srv/a\"\n[registry]\nDSN = \"postgres://db/merkledrop\"\n")
	cfg, err := Load(path, WithDataDir("/srv/b"))
	require.NoError(t, err)
	require.Equal(t, "/srv/b", cfg.DataDir)
	require.Equal(t, filepath.Join("/srv/b", "snapshots"), cfg.Snapshots.Path)
	require.Equal(t, "postgres://db/merkledrop", cfg.Registry.DSN)

	require.Equal(t, "/srv/c", Default(WithDataDir("/srv/c")).DataDir)
}
