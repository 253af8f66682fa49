package claims

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"merkledrop/crypto/merkle"
)

type rewardJSON struct {
	Token  string          `json:"token"`
	Amount json.RawMessage `json:"amount"`
}

type rewardOutJSON struct {
	Token  string `json:"token"`
	Amount string `json:"amount"`
}

type recipientJSON struct {
	WindowIndex  *uint64      `json:"windowIndex"`
	AccountIndex *uint64      `json:"accountIndex"`
	Rewards      []rewardJSON `json:"rewards"`
	Proof        []string     `json:"proof,omitempty"`
}

type recipientOutJSON struct {
	WindowIndex  uint64          `json:"windowIndex"`
	AccountIndex uint64          `json:"accountIndex"`
	Rewards      []rewardOutJSON `json:"rewards"`
	Proof        *[]string       `json:"proof,omitempty"`
}

type documentJSON struct {
	ChainID          *uint64         `json:"chainId"`
	WindowIndex      *uint64         `json:"windowIndex"`
	AggregateRewards []rewardJSON    `json:"aggregateRewards"`
	Recipients       json.RawMessage `json:"recipients"`
	Root             string          `json:"root,omitempty"`
}

type documentOutJSON struct {
	ChainID          uint64          `json:"chainId"`
	WindowIndex      uint64          `json:"windowIndex"`
	AggregateRewards []rewardOutJSON `json:"aggregateRewards"`
	Recipients       json.RawMessage `json:"recipients"`
	Root             string          `json:"root,omitempty"`
}

// DecodeInput parses a claims document. Recipients are returned in document
// order and duplicate keys are preserved.
func DecodeInput(data []byte) (*DistributionInput, error) {
	doc, entries, err := decodeDocument(data)
	if err != nil {
		return nil, err
	}
	input := &DistributionInput{
		ChainID:          *doc.ChainID,
		WindowIndex:      *doc.WindowIndex,
		AggregateRewards: nil,
		Recipients:       make([]Recipient, 0, len(entries)),
	}
	if input.AggregateRewards, err = decodeAggregates(doc.AggregateRewards); err != nil {
		return nil, err
	}
	for _, entry := range entries {
		input.Recipients = append(input.Recipients, entry.Recipient)
	}
	return input, nil
}

// DecodeDistributor parses a distributor document previously produced by
// EncodeDistributor. The class is supplied by the caller.
func DecodeDistributor(data []byte, class TokenClass) (*Distributor, error) {
	doc, entries, err := decodeDocument(data)
	if err != nil {
		return nil, err
	}
	if doc.Root == "" {
		return nil, inputErr("root", "missing")
	}
	rootBytes, err := hexutil.Decode(doc.Root)
	if err != nil || len(rootBytes) != common.HashLength {
		return nil, inputErr("root", "invalid hash %q", doc.Root)
	}
	d := &Distributor{
		Class:       class,
		ChainID:     *doc.ChainID,
		WindowIndex: *doc.WindowIndex,
		Root:        common.BytesToHash(rootBytes),
		Recipients:  entries,
	}
	if d.AggregateRewards, err = decodeAggregates(doc.AggregateRewards); err != nil {
		return nil, err
	}
	return d, nil
}

// EncodeInput renders a claims document.
func EncodeInput(input *DistributionInput) ([]byte, error) {
	if input == nil {
		return nil, errors.New("claims: nil input")
	}
	entries := make([]RecipientWithProof, len(input.Recipients))
	for i, r := range input.Recipients {
		entries[i] = RecipientWithProof{Recipient: r}
	}
	recipients, err := encodeRecipients(entries, false)
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(documentOutJSON{
		ChainID:          input.ChainID,
		WindowIndex:      input.WindowIndex,
		AggregateRewards: encodeAggregates(input.AggregateRewards),
		Recipients:       recipients,
	}, "", "  ")
}

// EncodeDistributor renders a distributor document. Recipient keys are written
// in leaf order and every recipient carries a proof array, empty for a
// single-leaf tree.
func EncodeDistributor(d *Distributor) ([]byte, error) {
	if d == nil {
		return nil, errors.New("claims: nil distributor")
	}
	recipients, err := encodeRecipients(d.Recipients, true)
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(documentOutJSON{
		ChainID:          d.ChainID,
		WindowIndex:      d.WindowIndex,
		AggregateRewards: encodeAggregates(d.AggregateRewards),
		Recipients:       recipients,
		Root:             d.Root.Hex(),
	}, "", "  ")
}

// MarshalJSON renders the entry without its address, which callers use as the
// enclosing object key.
func (r RecipientWithProof) MarshalJSON() ([]byte, error) {
	return json.Marshal(recipientOut(r, true))
}

// UnmarshalJSON parses an entry rendered by MarshalJSON. The address is left
// untouched.
func (r *RecipientWithProof) UnmarshalJSON(data []byte) error {
	var wire recipientJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	addr := r.Address
	parsed, err := recipientFromWire(addr, wire)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

func decodeDocument(data []byte) (*documentJSON, []RecipientWithProof, error) {
	var doc documentJSON
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, nil, &InputError{Err: fmt.Errorf("decode: %w", err)}
	}
	if doc.ChainID == nil {
		return nil, nil, inputErr("chainId", "missing")
	}
	if doc.WindowIndex == nil {
		return nil, nil, inputErr("windowIndex", "missing")
	}
	if doc.AggregateRewards == nil {
		return nil, nil, inputErr("aggregateRewards", "missing")
	}
	if len(doc.Recipients) == 0 || string(doc.Recipients) == "null" {
		return nil, nil, inputErr("recipients", "missing")
	}
	entries, err := decodeRecipients(doc.Recipients)
	if err != nil {
		return nil, nil, err
	}
	return &doc, entries, nil
}

func decodeRecipients(raw json.RawMessage) ([]RecipientWithProof, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	tok, err := dec.Token()
	if err != nil {
		return nil, inputErr("recipients", "%v", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, inputErr("recipients", "expected object keyed by address")
	}
	var out []RecipientWithProof
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, inputErr("recipients", "%v", err)
		}
		key, _ := keyTok.(string)
		addr, err := ParseAddress(key)
		if err != nil {
			return nil, &InputError{Field: "recipients", Err: err}
		}
		var wire recipientJSON
		if err := dec.Decode(&wire); err != nil {
			return nil, inputErr("recipients."+key, "%v", err)
		}
		entry, err := recipientFromWire(addr, wire)
		if err != nil {
			return nil, &InputError{Field: "recipients." + key, Err: err}
		}
		out = append(out, entry)
	}
	if _, err := dec.Token(); err != nil {
		return nil, inputErr("recipients", "%v", err)
	}
	return out, nil
}

func recipientFromWire(addr common.Address, wire recipientJSON) (RecipientWithProof, error) {
	if wire.AccountIndex == nil {
		return RecipientWithProof{}, errors.New("accountIndex missing")
	}
	if wire.WindowIndex == nil {
		return RecipientWithProof{}, errors.New("windowIndex missing")
	}
	if wire.Rewards == nil {
		return RecipientWithProof{}, errors.New("rewards missing")
	}
	rewards, err := decodeRewards(wire.Rewards)
	if err != nil {
		return RecipientWithProof{}, err
	}
	entry := RecipientWithProof{
		Recipient: Recipient{
			Address:      addr,
			AccountIndex: *wire.AccountIndex,
			WindowIndex:  *wire.WindowIndex,
			Rewards:      rewards,
		},
	}
	if wire.Proof != nil {
		entry.Proof = make(merkle.Proof, len(wire.Proof))
		for i, raw := range wire.Proof {
			b, err := hexutil.Decode(raw)
			if err != nil || len(b) != common.HashLength {
				return RecipientWithProof{}, fmt.Errorf("proof[%d]: invalid hash %q", i, raw)
			}
			entry.Proof[i] = common.BytesToHash(b)
		}
	}
	return entry, nil
}

func decodeRewards(in []rewardJSON) ([]Reward, error) {
	out := make([]Reward, len(in))
	for i, wire := range in {
		token, err := ParseAddress(wire.Token)
		if err != nil {
			return nil, fmt.Errorf("rewards[%d].token: %w", i, err)
		}
		amount, err := decodeAmount(wire.Amount)
		if err != nil {
			return nil, fmt.Errorf("rewards[%d].amount: %w", i, err)
		}
		out[i] = Reward{Token: token, Amount: amount}
	}
	return out, nil
}

func decodeAggregates(in []rewardJSON) ([]AggregateReward, error) {
	rewards, err := decodeRewards(in)
	if err != nil {
		return nil, &InputError{Field: "aggregateRewards", Err: err}
	}
	out := make([]AggregateReward, len(rewards))
	for i, r := range rewards {
		out[i] = AggregateReward(r)
	}
	return out, nil
}

// decodeAmount accepts both JSON strings and bare JSON numbers.
func decodeAmount(raw json.RawMessage) (*big.Int, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, errors.New("missing")
	}
	var text string
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &text); err != nil {
			return nil, err
		}
	} else {
		var number json.Number
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&number); err != nil {
			return nil, err
		}
		text = number.String()
	}
	return ParseAmount(text)
}

func encodeRecipients(entries []RecipientWithProof, withProof bool) (json.RawMessage, error) {
	buf := &bytes.Buffer{}
	buf.WriteByte('{')
	for i, entry := range entries {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(entry.Address.Hex())
		if err != nil {
			return nil, err
		}
		value, err := json.Marshal(recipientOut(entry, withProof))
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func recipientOut(entry RecipientWithProof, withProof bool) recipientOutJSON {
	out := recipientOutJSON{
		WindowIndex:  entry.WindowIndex,
		AccountIndex: entry.AccountIndex,
		Rewards:      make([]rewardOutJSON, len(entry.Rewards)),
	}
	for i, r := range entry.Rewards {
		out.Rewards[i] = rewardOutJSON{Token: r.Token.Hex(), Amount: amountOrZero(r.Amount)}
	}
	if withProof {
		proof := make([]string, len(entry.Proof))
		for i, h := range entry.Proof {
			proof[i] = h.Hex()
		}
		out.Proof = &proof
	}
	return out
}

func encodeAggregates(in []AggregateReward) []rewardOutJSON {
	out := make([]rewardOutJSON, len(in))
	for i, agg := range in {
		out[i] = rewardOutJSON{Token: agg.Token.Hex(), Amount: amountOrZero(agg.Amount)}
	}
	return out
}

func amountOrZero(value *big.Int) string {
	if value == nil {
		return "0"
	}
	return value.String()
}

// ReadInput decodes a claims document from r and tags errors with source.
func ReadInput(r io.Reader, source string) (*DistributionInput, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, &InputError{Source: source, Err: err}
	}
	input, err := DecodeInput(data)
	if err != nil {
		var inErr *InputError
		if errors.As(err, &inErr) && inErr.Source == "" {
			inErr.Source = source
		}
		return nil, err
	}
	return input, nil
}
