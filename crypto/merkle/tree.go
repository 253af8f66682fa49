package merkle

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrEmptyDistribution is returned when a tree is requested for zero leaves.
var ErrEmptyDistribution = errors.New("merkle: empty distribution")

// Proof is the ordered list of sibling hashes required to recompute the root
// from a leaf. Siblings are emitted bottom-up.
type Proof []common.Hash

// Tree is an immutable binary hash tree whose internal nodes are computed with
// the sorted-pair rule, so verifiers never need left/right direction bits.
//
// When a layer holds an odd number of nodes the trailing node is promoted to
// the next layer unchanged. It is neither duplicated nor hashed with itself.
type Tree struct {
	levels [][]common.Hash
}

// HashPair combines two nodes as keccak256(min(a,b) || max(a,b)).
func HashPair(a, b common.Hash) common.Hash {
	if bytes.Compare(a[:], b[:]) > 0 {
		a, b = b, a
	}
	return crypto.Keccak256Hash(a[:], b[:])
}

// Build constructs the tree bottom-up from the supplied leaf hashes. The leaf
// order is preserved as layer zero.
func Build(leaves []common.Hash) (*Tree, error) {
	if len(leaves) == 0 {
		return nil, ErrEmptyDistribution
	}
	level := make([]common.Hash, len(leaves))
	copy(level, leaves)
	levels := [][]common.Hash{level}
	for len(level) > 1 {
		next := make([]common.Hash, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				next = append(next, level[i])
				continue
			}
			next = append(next, HashPair(level[i], level[i+1]))
		}
		levels = append(levels, next)
		level = next
	}
	return &Tree{levels: levels}, nil
}

// Root returns the commitment over every leaf.
func (t *Tree) Root() common.Hash {
	top := t.levels[len(t.levels)-1]
	return top[0]
}

// Len reports the number of leaves.
func (t *Tree) Len() int {
	return len(t.levels[0])
}

// Depth is ceil(log2(n)) for n leaves, or zero for a single leaf.
func (t *Tree) Depth() int {
	return len(t.levels) - 1
}

// Proof returns the audit path for the leaf at index. Layers in which the node
// was carried up without a sibling contribute no entry.
func (t *Tree) Proof(index int) (Proof, error) {
	if index < 0 || index >= t.Len() {
		return nil, fmt.Errorf("merkle: leaf index %d out of range [0,%d)", index, t.Len())
	}
	proof := make(Proof, 0, t.Depth())
	for _, level := range t.levels[:len(t.levels)-1] {
		sibling := index ^ 1
		if sibling < len(level) {
			proof = append(proof, level[sibling])
		}
		index /= 2
	}
	return proof, nil
}

// Verify folds proof over leaf with HashPair and compares the result to root.
// It does not need the tree.
func Verify(leaf common.Hash, proof Proof, root common.Hash) bool {
	return ProcessProof(leaf, proof) == root
}

// ProcessProof returns the root implied by leaf and proof.
func ProcessProof(leaf common.Hash, proof Proof) common.Hash {
	current := leaf
	for _, sibling := range proof {
		current = HashPair(current, sibling)
	}
	return current
}
