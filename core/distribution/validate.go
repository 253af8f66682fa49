package distribution

import (
	"bytes"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"merkledrop/core/claims"
	"merkledrop/crypto/merkle"
)

// Mode selects how Validate reacts to the first violation.
type Mode int

const (
	// Diagnostic runs every check and reports every violation.
	Diagnostic Mode = iota
	// Gate stops at the first violation. Used before persisting.
	Gate
)

// Violation kinds, used as metric labels and in operator output.
const (
	KindDuplicateAddress        = "duplicate_address"
	KindDuplicateAccountIndex   = "duplicate_account_index"
	KindRewardSumMismatch       = "reward_sum_mismatch"
	KindProofVerificationFailed = "proof_verification_failed"
)

// Violation is a single broken publication invariant.
type Violation interface {
	error
	Kind() string
}

// DuplicateAddressError reports an address that appears more than once.
type DuplicateAddressError struct {
	Address     common.Address
	Occurrences int
}

func (e *DuplicateAddressError) Error() string {
	return fmt.Sprintf("duplicate address %s (%d occurrences)", e.Address.Hex(), e.Occurrences)
}

func (e *DuplicateAddressError) Kind() string { return KindDuplicateAddress }

// DuplicateAccountIndexError reports an account index shared by recipients.
type DuplicateAccountIndexError struct {
	AccountIndex uint64
	Addresses    []common.Address
}

func (e *DuplicateAccountIndexError) Error() string {
	addrs := make([]string, len(e.Addresses))
	for i, a := range e.Addresses {
		addrs[i] = a.Hex()
	}
	return fmt.Sprintf("duplicate account index %d shared by %s", e.AccountIndex, strings.Join(addrs, ", "))
}

func (e *DuplicateAccountIndexError) Kind() string { return KindDuplicateAccountIndex }

// RewardSumMismatchError reports a token whose recipient amounts do not add up
// to the declared aggregate.
type RewardSumMismatchError struct {
	Token    common.Address
	Expected *big.Int
	Actual   *big.Int
}

func (e *RewardSumMismatchError) Error() string {
	return fmt.Sprintf("reward sum mismatch for token %s: expected %s, actual %s", e.Token.Hex(), e.Expected, e.Actual)
}

func (e *RewardSumMismatchError) Kind() string { return KindRewardSumMismatch }

// ProofVerificationFailedError reports a recipient whose proof does not
// reproduce the root.
type ProofVerificationFailedError struct {
	Address common.Address
	Reason  string
}

func (e *ProofVerificationFailedError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("proof verification failed for %s: %s", e.Address.Hex(), e.Reason)
	}
	return fmt.Sprintf("proof verification failed for %s", e.Address.Hex())
}

func (e *ProofVerificationFailedError) Kind() string { return KindProofVerificationFailed }

// ValidationErrors aggregates the violations found in one distributor.
type ValidationErrors struct {
	Class      claims.TokenClass
	Violations []Violation
}

func (e *ValidationErrors) Error() string {
	lines := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		lines[i] = v.Error()
	}
	prefix := "validation failed"
	if e.Class != "" {
		prefix = fmt.Sprintf("validation failed for %s", e.Class)
	}
	return fmt.Sprintf("%s (%d violations): %s", prefix, len(e.Violations), strings.Join(lines, "; "))
}

// Unwrap exposes each violation to errors.As.
func (e *ValidationErrors) Unwrap() []error {
	out := make([]error, len(e.Violations))
	for i, v := range e.Violations {
		out[i] = v
	}
	return out
}

// Counts groups the violations by kind.
func (e *ValidationErrors) Counts() map[string]int {
	counts := make(map[string]int)
	for _, v := range e.Violations {
		counts[v.Kind()]++
	}
	return counts
}

// Validate checks the publication invariants of d. It returns nil or a
// *ValidationErrors. It has no side effects.
func Validate(d *claims.Distributor, mode Mode) error {
	if d == nil {
		return &ValidationErrors{Violations: []Violation{&ProofVerificationFailedError{Reason: "nil distributor"}}}
	}
	v := &validator{d: d, mode: mode}
	checks := []func(){v.addresses, v.accountIndices, v.sums, v.proofs}
	for _, check := range checks {
		if v.stop() {
			break
		}
		check()
	}
	if len(v.out) == 0 {
		return nil
	}
	return &ValidationErrors{Class: d.Class, Violations: v.out}
}

type validator struct {
	d    *claims.Distributor
	mode Mode
	out  []Violation
}

func (v *validator) report(violation Violation) {
	if v.stop() {
		return
	}
	v.out = append(v.out, violation)
}

func (v *validator) stop() bool {
	return v.mode == Gate && len(v.out) > 0
}

func (v *validator) addresses() {
	counts := make(map[common.Address]int, len(v.d.Recipients))
	order := make([]common.Address, 0)
	for _, r := range v.d.Recipients {
		if counts[r.Address] == 1 {
			order = append(order, r.Address)
		}
		counts[r.Address]++
	}
	for _, a := range order {
		v.report(&DuplicateAddressError{Address: a, Occurrences: counts[a]})
	}
}

func (v *validator) accountIndices() {
	holders := make(map[uint64][]common.Address, len(v.d.Recipients))
	for _, r := range v.d.Recipients {
		holders[r.AccountIndex] = append(holders[r.AccountIndex], r.Address)
	}
	indices := make([]uint64, 0)
	for idx, addrs := range holders {
		if len(addrs) > 1 {
			indices = append(indices, idx)
		}
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })
	for _, idx := range indices {
		v.report(&DuplicateAccountIndexError{AccountIndex: idx, Addresses: holders[idx]})
	}
}

// sums compares recipient totals with aggregates. Tokens paid to recipients
// but absent from aggregateRewards are reported with an expected sum of zero.
func (v *validator) sums() {
	expected := make(map[common.Address]*big.Int)
	for _, agg := range v.d.AggregateRewards {
		if _, ok := expected[agg.Token]; !ok {
			expected[agg.Token] = big.NewInt(0)
		}
		if agg.Amount != nil {
			expected[agg.Token].Add(expected[agg.Token], agg.Amount)
		}
	}
	actual := make(map[common.Address]*big.Int)
	for _, r := range v.d.Recipients {
		for _, reward := range r.Rewards {
			if _, ok := actual[reward.Token]; !ok {
				actual[reward.Token] = big.NewInt(0)
			}
			if reward.Amount != nil {
				actual[reward.Token].Add(actual[reward.Token], reward.Amount)
			}
		}
	}
	tokens := make([]common.Address, 0, len(expected)+len(actual))
	for token := range expected {
		tokens = append(tokens, token)
	}
	for token := range actual {
		if _, ok := expected[token]; !ok {
			tokens = append(tokens, token)
		}
	}
	sort.Slice(tokens, func(i, j int) bool { return bytes.Compare(tokens[i][:], tokens[j][:]) < 0 })
	for _, token := range tokens {
		want, got := expected[token], actual[token]
		if want == nil {
			want = big.NewInt(0)
		}
		if got == nil {
			got = big.NewInt(0)
		}
		if want.Cmp(got) != 0 {
			v.report(&RewardSumMismatchError{Token: token, Expected: want, Actual: got})
		}
	}
}

func (v *validator) proofs() {
	for _, r := range v.d.Recipients {
		if v.stop() {
			return
		}
		leaf, err := claims.LeafHash(r.Recipient, v.d.Class)
		if err != nil {
			v.report(&ProofVerificationFailedError{Address: r.Address, Reason: err.Error()})
			continue
		}
		if !merkle.Verify(leaf, r.Proof, v.d.Root) {
			v.report(&ProofVerificationFailedError{Address: r.Address})
		}
	}
}
