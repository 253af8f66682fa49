package exports

import (
	"bytes"
	"encoding/json"

	"merkledrop/core/claims"
)

type jsonlReward struct {
	Token  string `json:"token"`
	Amount string `json:"amount"`
}

type jsonlLine struct {
	Class        string        `json:"class"`
	ChainID      uint64        `json:"chainId"`
	WindowIndex  uint64        `json:"windowIndex"`
	Root         string        `json:"root"`
	Address      string        `json:"address"`
	AccountIndex uint64        `json:"accountIndex"`
	Rewards      []jsonlReward `json:"rewards"`
	Proof        []string      `json:"proof"`
}

// DistributorJSONL builds a JSON Lines export with one line per recipient and
// returns the serialised payload alongside a checksum.
func DistributorJSONL(d *claims.Distributor) ([]byte, string, error) {
	buffer := &bytes.Buffer{}
	encoder := json.NewEncoder(buffer)
	encoder.SetEscapeHTML(false)
	if d != nil {
		for _, r := range d.Recipients {
			line := jsonlLine{
				Class:        string(d.Class),
				ChainID:      d.ChainID,
				WindowIndex:  d.WindowIndex,
				Root:         d.Root.Hex(),
				Address:      r.Address.Hex(),
				AccountIndex: r.AccountIndex,
				Rewards:      make([]jsonlReward, len(r.Rewards)),
				Proof:        make([]string, len(r.Proof)),
			}
			for i, reward := range r.Rewards {
				line.Rewards[i] = jsonlReward{Token: reward.Token.Hex(), Amount: amountString(reward)}
			}
			for i, node := range r.Proof {
				line.Proof[i] = node.Hex()
			}
			if err := encoder.Encode(line); err != nil {
				return nil, "", err
			}
		}
	}
	data := buffer.Bytes()
	return data, Checksum(data), nil
}
