package distribution

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"merkledrop/core/claims"
	"merkledrop/crypto/merkle"
)

// Build encodes every recipient of input, constructs the Merkle tree and
// attaches a proof to each recipient. The result is not validated.
//
// Leaves are ordered by recipient address (byte-wise ascending), ties broken
// by account index, so independent builds of the same input agree on the root.
func Build(input *claims.DistributionInput, class claims.TokenClass) (*claims.Distributor, error) {
	if input == nil {
		return nil, &claims.InputError{Err: errors.New("nil distribution input")}
	}
	if class == "" {
		return nil, &claims.InputError{Field: "tokenClass", Err: errors.New("token class required")}
	}
	if input.ChainID == 0 {
		return nil, &claims.InputError{Field: "chainId", Err: errors.New("must be non-zero")}
	}
	if len(input.Recipients) == 0 {
		return nil, fmt.Errorf("build %s: %w", class, merkle.ErrEmptyDistribution)
	}
	for _, r := range input.Recipients {
		if r.WindowIndex != input.WindowIndex {
			return nil, &claims.InputError{
				Field: "recipients." + r.Address.Hex() + ".windowIndex",
				Err:   fmt.Errorf("got %d, distribution window is %d", r.WindowIndex, input.WindowIndex),
			}
		}
	}

	recipients := make([]claims.Recipient, len(input.Recipients))
	for i, r := range input.Recipients {
		recipients[i] = r.Clone()
	}
	SortRecipients(recipients)

	leaves := make([]common.Hash, len(recipients))
	for i, r := range recipients {
		leaf, err := claims.LeafHash(r, class)
		if err != nil {
			return nil, fmt.Errorf("leaf %s: %w", r.Address.Hex(), err)
		}
		leaves[i] = leaf
	}
	tree, err := merkle.Build(leaves)
	if err != nil {
		return nil, fmt.Errorf("build %s: %w", class, err)
	}

	out := &claims.Distributor{
		Class:            class,
		ChainID:          input.ChainID,
		WindowIndex:      input.WindowIndex,
		AggregateRewards: input.Clone().AggregateRewards,
		Root:             tree.Root(),
		Recipients:       make([]claims.RecipientWithProof, len(recipients)),
	}
	for i, r := range recipients {
		proof, err := tree.Proof(i)
		if err != nil {
			return nil, err
		}
		out.Recipients[i] = claims.RecipientWithProof{Recipient: r, Proof: proof}
	}
	return out, nil
}

// SortRecipients orders recipients canonically in place.
func SortRecipients(recipients []claims.Recipient) {
	sort.SliceStable(recipients, func(i, j int) bool {
		cmp := bytes.Compare(recipients[i].Address[:], recipients[j].Address[:])
		if cmp != 0 {
			return cmp < 0
		}
		return recipients[i].AccountIndex < recipients[j].AccountIndex
	})
}
