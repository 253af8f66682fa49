package claims

import (
	"encoding/json"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"merkledrop/crypto/merkle"
)

const sampleClaims = `{
  "chainId": 10,
  "windowIndex": 4,
  "aggregateRewards": [{"token": "0x00000000000000000000000000000000000000ee", "amount": "300"}],
  "recipients": {
    "0x000000000000000000000000000000000000000a": {"windowIndex": 4, "accountIndex": 0, "rewards": [{"token": "0x00000000000000000000000000000000000000ee", "amount": "100"}]},
    "0x000000000000000000000000000000000000000b": {"windowIndex": 4, "accountIndex": 1, "rewards": [{"token": "0x00000000000000000000000000000000000000ee", "amount": 200}]}
  }
}`

func TestDecodeInput(t *testing.T) {
	input, err := DecodeInput([]byte(sampleClaims))
	require.NoError(t, err)
	require.Equal(t, uint64(10), input.ChainID)
	require.Equal(t, uint64(4), input.WindowIndex)
	require.Len(t, input.AggregateRewards, 1)
	require.Equal(t, addr(0xee), input.AggregateRewards[0].Token)
	require.Equal(t, big.NewInt(300), input.AggregateRewards[0].Amount)
	require.Len(t, input.Recipients, 2)
	require.Equal(t, addr(0x0a), input.Recipients[0].Address)
	require.Equal(t, big.NewInt(200), input.Recipients[1].Rewards[0].Amount)
}

func TestDecodeInputPreservesDuplicateKeys(t *testing.T) {
	doc := `{"chainId":1,"windowIndex":0,"aggregateRewards":[],"recipients":{
	  "0x000000000000000000000000000000000000000a":{"windowIndex":0,"accountIndex":0,"rewards":[]},
	  "0x000000000000000000000000000000000000000A":{"windowIndex":0,"accountIndex":1,"rewards":[]}
	}}`
	input, err := DecodeInput([]byte(doc))
	require.NoError(t, err)
	require.Len(t, input.Recipients, 2)
	require.Equal(t, input.Recipients[0].Address, input.Recipients[1].Address)
}

func TestDecodeInputZeroPaddedAmount(t *testing.T) {
	doc := `{"chainId":1,"windowIndex":0,"aggregateRewards":[{"token":"0x00000000000000000000000000000000000000ee","amount":"0100"}],"recipients":{
	  "0x000000000000000000000000000000000000000a":{"windowIndex":0,"accountIndex":0,"rewards":[{"token":"0x00000000000000000000000000000000000000ee","amount":"0100"}]}
	}}`
	input, err := DecodeInput([]byte(doc))
	require.NoError(t, err)
	require.Equal(t, big.NewInt(100), input.AggregateRewards[0].Amount)
	require.Equal(t, big.NewInt(100), input.Recipients[0].Rewards[0].Amount)
}

func TestDecodeInputSchemaErrors(t *testing.T) {
	cases := map[string]string{
		"chainId":          `{"windowIndex":0,"aggregateRewards":[],"recipients":{}}`,
		"windowIndex":      `{"chainId":1,"aggregateRewards":[],"recipients":{}}`,
		"aggregateRewards": `{"chainId":1,"windowIndex":0,"recipients":{}}`,
		"recipients":       `{"chainId":1,"windowIndex":0,"aggregateRewards":[]}`,
		"accountIndex":     `{"chainId":1,"windowIndex":0,"aggregateRewards":[],"recipients":{"0x000000000000000000000000000000000000000a":{"windowIndex":0,"rewards":[]}}}`,
		"address":          `{"chainId":1,"windowIndex":0,"aggregateRewards":[],"recipients":{"0xnothex":{"windowIndex":0,"accountIndex":0,"rewards":[]}}}`,
		"amount":           `{"chainId":1,"windowIndex":0,"aggregateRewards":[{"token":"0x000000000000000000000000000000000000000a","amount":"-1"}],"recipients":{}}`,
		"syntax":           `{"chainId":`,
		"unknownField":     `{"chainId":1,"windowIndex":0,"aggregateRewards":[],"recipients":{"0x000000000000000000000000000000000000000a":{"windowIndex":0,"accountIndex":0,"rewards":[],"amount":"5"}}}`,
		"underscoreAmount": `{"chainId":1,"windowIndex":0,"aggregateRewards":[{"token":"0x000000000000000000000000000000000000000a","amount":"1_000"}],"recipients":{}}`,
	}
	for name, doc := range cases {
		_, err := DecodeInput([]byte(doc))
		var inErr *InputError
		require.ErrorAs(t, err, &inErr, name)
	}
}

func TestEncodeInputRoundTrip(t *testing.T) {
	input, err := DecodeInput([]byte(sampleClaims))
	require.NoError(t, err)
	encoded, err := EncodeInput(input)
	require.NoError(t, err)
	decoded, err := DecodeInput(encoded)
	require.NoError(t, err)
	require.Equal(t, input, decoded)
	require.NotContains(t, string(encoded), "proof")
	require.NotContains(t, string(encoded), "root")
}

func TestDistributorDocument(t *testing.T) {
	d := &Distributor{
		Class:            "usdc",
		ChainID:          1,
		WindowIndex:      2,
		AggregateRewards: []AggregateReward{{Token: addr(0xee), Amount: big.NewInt(5)}},
		Root:             common.HexToHash("0x01"),
		Recipients: []RecipientWithProof{{
			Recipient: Recipient{Address: addr(1), AccountIndex: 0, WindowIndex: 2, Rewards: []Reward{{Token: addr(0xee), Amount: big.NewInt(5)}}},
			Proof:     merkle.Proof{},
		}},
	}
	encoded, err := EncodeDistributor(d)
	require.NoError(t, err)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(encoded, &raw))
	require.ElementsMatch(t, []string{"chainId", "windowIndex", "aggregateRewards", "recipients", "root"}, keys(raw))
	require.True(t, strings.Contains(string(encoded), `"proof": []`))

	decoded, err := DecodeDistributor(encoded, "usdc")
	require.NoError(t, err)
	require.Equal(t, d, decoded)
}

func TestDecodeDistributorRequiresRoot(t *testing.T) {
	_, err := DecodeDistributor([]byte(sampleClaims), "usdc")
	var inErr *InputError
	require.ErrorAs(t, err, &inErr)
	require.Equal(t, "root", inErr.Field)
}

func TestRecipientWithProofJSON(t *testing.T) {
	entry := RecipientWithProof{
		Recipient: Recipient{Address: addr(3), AccountIndex: 9, WindowIndex: 1, Rewards: []Reward{{Token: addr(4), Amount: big.NewInt(12)}}},
		Proof:     merkle.Proof{common.HexToHash("0xabc")},
	}
	data, err := json.Marshal(entry)
	require.NoError(t, err)
	require.NotContains(t, string(data), "address")

	decoded := RecipientWithProof{Recipient: Recipient{Address: addr(3)}}
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Equal(t, entry, decoded)
}

func keys(m map[string]json.RawMessage) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
