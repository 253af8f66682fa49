package exports

import (
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"merkledrop/core/claims"
	"merkledrop/core/distribution"
)

func sampleDistributor(t *testing.T) *claims.Distributor {
	t.Helper()
	token := common.HexToAddress("0x00000000000000000000000000000000000000ee")
	input := &claims.DistributionInput{
		ChainID:          1,
		WindowIndex:      4,
		AggregateRewards: []claims.AggregateReward{{Token: token, Amount: big.NewInt(35)}},
		Recipients: []claims.Recipient{
			{Address: common.HexToAddress("0x0000000000000000000000000000000000000002"), AccountIndex: 1, WindowIndex: 4, Rewards: []claims.Reward{{Token: token, Amount: big.NewInt(25)}}},
			{Address: common.HexToAddress("0x0000000000000000000000000000000000000001"), AccountIndex: 0, WindowIndex: 4, Rewards: []claims.Reward{{Token: token, Amount: big.NewInt(10)}}},
		},
	}
	d, err := distribution.Build(input, "usdc")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return d
}

func TestDistributorCSV(t *testing.T) {
	d := sampleDistributor(t)
	data, checksum, err := DistributorCSV(d)
	if err != nil {
		t.Fatalf("csv: %v", err)
	}
	if len(data) == 0 || checksum != Checksum(data) {
		t.Fatalf("expected data and checksum")
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header and two rows, got %d", len(lines))
	}
	if lines[0] != "class,chain_id,window_index,root,address,account_index,token,amount,proof" {
		t.Fatalf("missing header: %s", lines[0])
	}
	if !strings.Contains(lines[1], "0x0000000000000000000000000000000000000001") || !strings.Contains(lines[1], ",10,") {
		t.Fatalf("rows not in leaf order: %s", lines[1])
	}
	if !strings.Contains(lines[1], d.Recipients[0].Proof[0].Hex()) {
		t.Fatalf("missing proof: %s", lines[1])
	}
}

func TestDistributorJSONL(t *testing.T) {
	data, checksum, err := DistributorJSONL(sampleDistributor(t))
	if err != nil {
		t.Fatalf("jsonl: %v", err)
	}
	if len(data) == 0 || checksum == "" {
		t.Fatalf("expected data and checksum")
	}
	output := string(data)
	if strings.Count(output, "\n") != 2 {
		t.Fatalf("expected two lines: %s", output)
	}
	if !strings.Contains(output, "\"windowIndex\":4") {
		t.Fatalf("unexpected payload: %s", output)
	}
	if !strings.Contains(output, "\"amount\":\"25\"") {
		t.Fatalf("missing amount: %s", output)
	}
}

func TestEmptyExports(t *testing.T) {
	data, _, err := DistributorJSONL(nil)
	if err != nil || len(data) != 0 {
		t.Fatalf("expected empty jsonl, got %q %v", data, err)
	}
	data, _, err = DistributorCSV(nil)
	if err != nil || !strings.HasPrefix(string(data), "class,") {
		t.Fatalf("expected header only, got %q %v", data, err)
	}
}
