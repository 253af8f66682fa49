package cumulative

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"merkledrop/core/claims"
	"merkledrop/core/epoch"
)

// Index is the all-time lookup address -> token class -> epoch -> claim.
//
// Entries are treated as immutable values: Combine shares them between the
// prior and the returned index instead of deep-copying.
type Index map[common.Address]map[claims.TokenClass]map[epoch.Key]claims.RecipientWithProof

// Combine folds one epoch's per-class distributors into a copy of prior and
// returns it. prior is not modified. Cells for other epochs and classes are
// preserved; cells for (address, class, key) are overwritten, so re-running
// Combine with the same trees yields an identical index.
func Combine(key epoch.Key, trees map[claims.TokenClass]*claims.Distributor, prior Index) Index {
	next := prior.Clone()
	classes := make([]claims.TokenClass, 0, len(trees))
	for class := range trees {
		classes = append(classes, class)
	}
	sort.Slice(classes, func(i, j int) bool { return classes[i] < classes[j] })

	for _, class := range classes {
		d := trees[class]
		if d == nil {
			continue
		}
		for _, r := range d.Recipients {
			next.set(r.Address, class, key, r.Clone())
		}
	}
	return next
}

func (idx Index) set(addr common.Address, class claims.TokenClass, key epoch.Key, entry claims.RecipientWithProof) {
	byClass, ok := idx[addr]
	if !ok {
		byClass = make(map[claims.TokenClass]map[epoch.Key]claims.RecipientWithProof)
		idx[addr] = byClass
	}
	byEpoch, ok := byClass[class]
	if !ok {
		byEpoch = make(map[epoch.Key]claims.RecipientWithProof)
		byClass[class] = byEpoch
	}
	byEpoch[key] = entry
}

// Clone copies the map structure. A nil index clones to an empty one.
func (idx Index) Clone() Index {
	out := make(Index, len(idx))
	for addr, byClass := range idx {
		classes := make(map[claims.TokenClass]map[epoch.Key]claims.RecipientWithProof, len(byClass))
		for class, byEpoch := range byClass {
			epochs := make(map[epoch.Key]claims.RecipientWithProof, len(byEpoch))
			for key, entry := range byEpoch {
				epochs[key] = entry
			}
			classes[class] = epochs
		}
		out[addr] = classes
	}
	return out
}

// Lookup returns the claim for a single cell.
func (idx Index) Lookup(addr common.Address, class claims.TokenClass, key epoch.Key) (claims.RecipientWithProof, bool) {
	entry, ok := idx[addr][class][key]
	return entry, ok
}

// Cells counts the populated (address, class, epoch) cells.
func (idx Index) Cells() int {
	total := 0
	for _, byClass := range idx {
		for _, byEpoch := range byClass {
			total += len(byEpoch)
		}
	}
	return total
}

// Classes lists the token classes present in the index.
func (idx Index) Classes() []claims.TokenClass {
	seen := make(map[claims.TokenClass]struct{})
	for _, byClass := range idx {
		for class := range byClass {
			seen[class] = struct{}{}
		}
	}
	out := make([]claims.TokenClass, 0, len(seen))
	for class := range seen {
		out = append(out, class)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Epochs lists the distinct epochs present for class, oldest first.
func (idx Index) Epochs(class claims.TokenClass) []epoch.Key {
	seen := make(map[epoch.Key]struct{})
	for _, byClass := range idx {
		for key := range byClass[class] {
			seen[key] = struct{}{}
		}
	}
	out := make([]epoch.Key, 0, len(seen))
	for key := range seen {
		out = append(out, key)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// MarshalJSON renders {address: {class: {epoch: entry}}} with sorted keys so
// equal indexes always encode to identical bytes.
func (idx Index) MarshalJSON() ([]byte, error) {
	wire := make(map[string]map[string]map[string]claims.RecipientWithProof, len(idx))
	for addr, byClass := range idx {
		classes := make(map[string]map[string]claims.RecipientWithProof, len(byClass))
		for class, byEpoch := range byClass {
			epochs := make(map[string]claims.RecipientWithProof, len(byEpoch))
			for key, entry := range byEpoch {
				epochs[string(key)] = entry
			}
			classes[string(class)] = epochs
		}
		wire[addr.Hex()] = classes
	}
	return json.Marshal(wire)
}

// UnmarshalJSON parses the document produced by MarshalJSON.
func (idx *Index) UnmarshalJSON(data []byte) error {
	var wire map[string]map[string]map[string]json.RawMessage
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	out := make(Index, len(wire))
	for rawAddr, byClass := range wire {
		addr, err := claims.ParseAddress(rawAddr)
		if err != nil {
			return err
		}
		for class, byEpoch := range byClass {
			for rawKey, rawEntry := range byEpoch {
				key, err := epoch.Parse(rawKey)
				if err != nil {
					return err
				}
				entry := claims.RecipientWithProof{Recipient: claims.Recipient{Address: addr}}
				if err := json.Unmarshal(rawEntry, &entry); err != nil {
					return fmt.Errorf("%s/%s/%s: %w", rawAddr, class, rawKey, err)
				}
				if _, dup := out[addr][claims.TokenClass(class)][key]; dup {
					return fmt.Errorf("%s/%s/%s: duplicate cell", rawAddr, class, rawKey)
				}
				out.set(addr, claims.TokenClass(class), key, entry)
			}
		}
	}
	*idx = out
	return nil
}

// Encode renders the index as indented JSON.
func Encode(idx Index) ([]byte, error) {
	data, err := json.Marshal(idx)
	if err != nil {
		return nil, err
	}
	buf := &bytes.Buffer{}
	if err := json.Indent(buf, data, "", "  "); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode parses an index document. Empty input yields an empty index.
func Decode(data []byte) (Index, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Index{}, nil
	}
	var idx Index
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("decode cumulative index: %w", err)
	}
	return idx, nil
}
