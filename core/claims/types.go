package claims

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"merkledrop/crypto/merkle"
)

// TokenClass names a category of claimable token governed by its own tree.
type TokenClass string

// Reward is one token amount owed to a recipient.
type Reward struct {
	Token  common.Address
	Amount *big.Int
}

// AggregateReward is the declared distribution-wide total for a token.
type AggregateReward struct {
	Token  common.Address
	Amount *big.Int
}

// Recipient captures one claimant of a distribution.
type Recipient struct {
	Address      common.Address
	AccountIndex uint64
	WindowIndex  uint64
	Rewards      []Reward
}

// DistributionInput is the finalised claims set for one epoch and token class.
// Recipients keep the order and multiplicity found in the source document so
// duplicate addresses can be reported rather than silently collapsed.
type DistributionInput struct {
	ChainID          uint64
	WindowIndex      uint64
	AggregateRewards []AggregateReward
	Recipients       []Recipient
}

// Clone produces a deep copy of the input.
func (in *DistributionInput) Clone() *DistributionInput {
	if in == nil {
		return nil
	}
	out := &DistributionInput{
		ChainID:          in.ChainID,
		WindowIndex:      in.WindowIndex,
		AggregateRewards: cloneAggregates(in.AggregateRewards),
		Recipients:       make([]Recipient, len(in.Recipients)),
	}
	for i := range in.Recipients {
		out.Recipients[i] = in.Recipients[i].Clone()
	}
	return out
}

// RecipientWithProof is a recipient together with its audit path.
type RecipientWithProof struct {
	Recipient
	Proof merkle.Proof
}

// Distributor is a built distribution: the input plus the Merkle root and a
// proof per recipient. Recipients are held in leaf order.
//
// Class is not part of the persisted document; it is derived from where the
// document lives and is required to recompute leaves.
type Distributor struct {
	Class            TokenClass
	ChainID          uint64
	WindowIndex      uint64
	AggregateRewards []AggregateReward
	Root             common.Hash
	Recipients       []RecipientWithProof
}

// Input strips the tree data from the distributor.
func (d *Distributor) Input() *DistributionInput {
	if d == nil {
		return nil
	}
	out := &DistributionInput{
		ChainID:          d.ChainID,
		WindowIndex:      d.WindowIndex,
		AggregateRewards: cloneAggregates(d.AggregateRewards),
		Recipients:       make([]Recipient, len(d.Recipients)),
	}
	for i := range d.Recipients {
		out.Recipients[i] = d.Recipients[i].Recipient.Clone()
	}
	return out
}

// Find returns the recipient entry for addr.
func (d *Distributor) Find(addr common.Address) (RecipientWithProof, bool) {
	if d == nil {
		return RecipientWithProof{}, false
	}
	for _, r := range d.Recipients {
		if r.Address == addr {
			return r, true
		}
	}
	return RecipientWithProof{}, false
}

// Clone produces a deep copy so callers can mutate the result freely.
func (r Recipient) Clone() Recipient {
	out := r
	out.Rewards = make([]Reward, len(r.Rewards))
	for i, reward := range r.Rewards {
		out.Rewards[i] = Reward{Token: reward.Token, Amount: copyBigInt(reward.Amount)}
	}
	return out
}

// Clone produces a deep copy of the entry.
func (r RecipientWithProof) Clone() RecipientWithProof {
	return RecipientWithProof{
		Recipient: r.Recipient.Clone(),
		Proof:     append(merkle.Proof{}, r.Proof...),
	}
}

// TotalFor sums the recipient's rewards for token.
func (r Recipient) TotalFor(token common.Address) *big.Int {
	total := big.NewInt(0)
	for _, reward := range r.Rewards {
		if reward.Token == token && reward.Amount != nil {
			total.Add(total, reward.Amount)
		}
	}
	return total
}

func cloneAggregates(in []AggregateReward) []AggregateReward {
	out := make([]AggregateReward, len(in))
	for i, agg := range in {
		out[i] = AggregateReward{Token: agg.Token, Amount: copyBigInt(agg.Amount)}
	}
	return out
}

func copyBigInt(value *big.Int) *big.Int {
	if value == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(value)
}
