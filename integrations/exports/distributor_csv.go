package exports

import (
	"bytes"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"strconv"
	"strings"

	"merkledrop/core/claims"
)

// DistributorCSV builds a CSV export with one row per recipient reward and
// returns the serialised data alongside a SHA-256 checksum of the payload.
func DistributorCSV(d *claims.Distributor) ([]byte, string, error) {
	buffer := &bytes.Buffer{}
	writer := csv.NewWriter(buffer)
	header := []string{"class", "chain_id", "window_index", "root", "address", "account_index", "token", "amount", "proof"}
	if err := writer.Write(header); err != nil {
		return nil, "", err
	}
	if d != nil {
		for _, r := range d.Recipients {
			proof := make([]string, len(r.Proof))
			for i, node := range r.Proof {
				proof[i] = node.Hex()
			}
			for _, reward := range r.Rewards {
				record := []string{
					string(d.Class),
					strconv.FormatUint(d.ChainID, 10),
					strconv.FormatUint(d.WindowIndex, 10),
					d.Root.Hex(),
					r.Address.Hex(),
					strconv.FormatUint(r.AccountIndex, 10),
					reward.Token.Hex(),
					amountString(reward),
					strings.Join(proof, ";"),
				}
				if err := writer.Write(record); err != nil {
					return nil, "", err
				}
			}
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, "", err
	}
	data := buffer.Bytes()
	return data, Checksum(data), nil
}

// Checksum returns the hex SHA-256 of data.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func amountString(reward claims.Reward) string {
	if reward.Amount == nil {
		return "0"
	}
	return reward.Amount.String()
}
