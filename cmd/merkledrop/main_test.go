package main

import (
	"bytes"
	"encoding/json"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"merkledrop/core/claims"
	"merkledrop/core/epoch"
	"merkledrop/storage/files"
)

var token = common.HexToAddress("0x00000000000000000000000000000000000000ee")

func sampleInput(aggregate int64) *claims.DistributionInput {
	return &claims.DistributionInput{
		ChainID:          1,
		WindowIndex:      2,
		AggregateRewards: []claims.AggregateReward{{Token: token, Amount: big.NewInt(aggregate)}},
		Recipients: []claims.Recipient{
			{Address: common.HexToAddress("0x0000000000000000000000000000000000000001"), AccountIndex: 0, WindowIndex: 2, Rewards: []claims.Reward{{Token: token, Amount: big.NewInt(100)}}},
			{Address: common.HexToAddress("0x0000000000000000000000000000000000000002"), AccountIndex: 1, WindowIndex: 2, Rewards: []claims.Reward{{Token: token, Amount: big.NewInt(200)}}},
		},
	}
}

func setup(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	dataDir := filepath.Join(dir, "data")
	cfgPath := filepath.Join(dir, "merkledrop.toml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`ChainID = 1
DataDir = "`+dataDir+`"

[epoch]
Genesis = "2023-12"
GenesisWindow = 0

[snapshots]
Backend = "bolt"

[logging]
Level = "error"

[metrics]
Textfile = "`+filepath.Join(dir, "merkledrop.prom")+`"
`), 0o600))
	return cfgPath, dataDir
}

func invoke(args ...string) (int, string, string) {
	stdout, stderr := &bytes.Buffer{}, &bytes.Buffer{}
	code := run(args, stdout, stderr)
	return code, stdout.String(), stderr.String()
}

func TestBuildAndInspect(t *testing.T) {
	cfgPath, dataDir := setup(t)
	require.NoError(t, files.New(dataDir).WriteInput("2024-02", "usdc", sampleInput(300)))

	code, out, errOut := invoke("build", "-config", cfgPath, "-epoch", "2024-02")
	require.Equal(t, exitOK, code, errOut)
	var summary buildSummary
	require.NoError(t, json.Unmarshal([]byte(out), &summary))
	require.Len(t, summary.Classes, 1)
	require.NotEmpty(t, summary.Classes[0].Root)
	require.Equal(t, uint64(1), summary.SnapshotVersion)
	require.FileExists(t, filepath.Join(filepath.Dir(cfgPath), "merkledrop.prom"))

	code, out, errOut = invoke("validate", "-config", cfgPath, "-epoch", "2024-02", "-class", "usdc")
	require.Equal(t, exitOK, code, errOut)
	require.Contains(t, out, `"valid": true`)

	code, out, errOut = invoke("verify", "-config", cfgPath, "-epoch", "2024-02", "-class", "usdc", "-address", "0x0000000000000000000000000000000000000002")
	require.Equal(t, exitOK, code, errOut)
	var verified verifyOut
	require.NoError(t, json.Unmarshal([]byte(out), &verified))
	require.True(t, verified.Valid)
	require.Len(t, verified.Proof, 1)

	code, _, _ = invoke("verify", "-config", cfgPath, "-epoch", "2024-02", "-class", "usdc", "-address", "0x0000000000000000000000000000000000000009")
	require.Equal(t, exitFailed, code)

	code, out, errOut = invoke("export", "-config", cfgPath, "-epoch", "2024-02", "-class", "usdc", "-format", "jsonl")
	require.Equal(t, exitOK, code, errOut)
	require.Equal(t, 2, strings.Count(out, "\n"))

	code, out, errOut = invoke("show", "-config", cfgPath, "-address", "0x0000000000000000000000000000000000000001")
	require.Equal(t, exitOK, code, errOut)
	require.Contains(t, out, `"2024-02"`)

	code, out, errOut = invoke("show", "-config", cfgPath)
	require.Equal(t, exitOK, code, errOut)
	var listing epochsOut
	require.NoError(t, json.Unmarshal([]byte(out), &listing))
	require.Equal(t, 2, listing.Recipients)
	require.Equal(t, map[string][]epoch.Key{"usdc": {"2024-02"}}, listing.Classes)

	code, out, errOut = invoke("show", "-config", cfgPath, "-address", "0x0000000000000000000000000000000000000001", "-version", "1")
	require.Equal(t, exitOK, code, errOut)
	require.Contains(t, out, `"usdc"`)
}

func TestBuildFailsOnInvalidClass(t *testing.T) {
	cfgPath, dataDir := setup(t)
	store := files.New(dataDir)
	require.NoError(t, store.WriteInput("2024-02", "usdc", sampleInput(300)))
	require.NoError(t, store.WriteInput("2024-02", "weth", sampleInput(250)))

	code, out, _ := invoke("build", "-config", cfgPath, "-epoch", "2024-02")
	require.Equal(t, exitFailed, code)
	var summary buildSummary
	require.NoError(t, json.Unmarshal([]byte(out), &summary))
	require.Len(t, summary.Classes, 2)
	require.Empty(t, summary.Classes[0].Error)
	require.Equal(t, map[string]int{"reward_sum_mismatch": 1}, summary.Classes[1].Violations)

	_, err := store.ReadDistributor("2024-02", "usdc")
	require.NoError(t, err, "passing classes are still persisted")
}

func TestValidateReportsTamperedFile(t *testing.T) {
	cfgPath, dataDir := setup(t)
	store := files.New(dataDir)
	require.NoError(t, store.WriteInput("2024-02", "usdc", sampleInput(300)))
	code, _, errOut := invoke("build", "-config", cfgPath, "-epoch", "2024-02")
	require.Equal(t, exitOK, code, errOut)

	data, err := os.ReadFile(store.DistributorPath("2024-02", "usdc"))
	require.NoError(t, err)
	tampered := filepath.Join(t.TempDir(), "tampered.json")
	require.NoError(t, os.WriteFile(tampered, bytes.Replace(data, []byte(`"200"`), []byte(`"201"`), 1), 0o600))

	code, out, _ := invoke("validate", "-config", cfgPath, "-class", "usdc", "-file", tampered)
	require.Equal(t, exitFailed, code)
	require.Contains(t, out, "reward_sum_mismatch")
	require.Contains(t, out, "proof_verification_failed")
}

func TestUsage(t *testing.T) {
	code, _, errOut := invoke()
	require.Equal(t, exitUsage, code)
	require.Contains(t, errOut, "Usage")

	code, _, _ = invoke("frobnicate")
	require.Equal(t, exitUsage, code)

	code, out, _ := invoke("help")
	require.Equal(t, exitOK, code)
	require.Contains(t, out, "build")

	code, _, _ = invoke("build", "-epoch", "2024/02")
	require.Equal(t, exitUsage, code)
}

func TestConfigSecretsAreNotLogged(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "merkledrop.toml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`ChainID = 1
DataDir = "`+filepath.Join(dir, "data")+`"

[publisher]
Endpoint = "http://127.0.0.1:5001"
Token = "ipfs-bearer-value"

[webhook]
Endpoint = "http://127.0.0.1:9/hook"
Secret = "hmac-key-value"
`), 0o600))

	_, _, errOut := invoke("show", "-config", cfgPath, "-address", "0x0000000000000000000000000000000000000001")
	require.Contains(t, errOut, "configuration loaded")
	require.Contains(t, errOut, "http://127.0.0.1:5001")
	require.NotContains(t, errOut, "ipfs-bearer-value")
	require.NotContains(t, errOut, "hmac-key-value")
}
