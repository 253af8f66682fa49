package claims

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// The leaf tuple is reconstructed independently by the on-chain verifier:
//
//	abi.encode(address account, uint256 accountIndex, uint256 windowIndex,
//	           (address token, uint256 amount)[] rewards, string tokenClass)
//
// Reordering a field or changing a width changes every leaf hash.
var leafArguments = abi.Arguments{
	{Name: "account", Type: mustType("address", nil)},
	{Name: "accountIndex", Type: mustType("uint256", nil)},
	{Name: "windowIndex", Type: mustType("uint256", nil)},
	{Name: "rewards", Type: mustType("tuple[]", []abi.ArgumentMarshaling{
		{Name: "token", Type: "address"},
		{Name: "amount", Type: "uint256"},
	})},
	{Name: "tokenClass", Type: mustType("string", nil)},
}

type leafReward struct {
	Token  common.Address
	Amount *big.Int
}

func mustType(t string, components []abi.ArgumentMarshaling) abi.Type {
	typ, err := abi.NewType(t, "", components)
	if err != nil {
		panic(fmt.Sprintf("claims: leaf type %s: %v", t, err))
	}
	return typ
}

// EncodeLeaf produces the canonical ABI encoding of a recipient claim within a
// token class.
func EncodeLeaf(r Recipient, class TokenClass) ([]byte, error) {
	rewards := make([]leafReward, len(r.Rewards))
	for i, reward := range r.Rewards {
		amount, err := CheckAmount(reward.Amount)
		if err != nil {
			return nil, &EncodingError{Field: fmt.Sprintf("rewards[%d].amount", i), Value: amountString(reward.Amount), Err: err}
		}
		rewards[i] = leafReward{Token: reward.Token, Amount: amount.ToBig()}
	}
	encoded, err := leafArguments.Pack(
		r.Address,
		new(big.Int).SetUint64(r.AccountIndex),
		new(big.Int).SetUint64(r.WindowIndex),
		rewards,
		string(class),
	)
	if err != nil {
		return nil, &EncodingError{Field: "leaf", Value: r.Address.Hex(), Err: err}
	}
	return encoded, nil
}

// HashLeaf hashes an encoded leaf. The double keccak keeps leaves distinct
// from 64-byte internal node preimages.
func HashLeaf(encoded []byte) common.Hash {
	return crypto.Keccak256Hash(crypto.Keccak256(encoded))
}

// LeafHash encodes and hashes r.
func LeafHash(r Recipient, class TokenClass) (common.Hash, error) {
	encoded, err := EncodeLeaf(r, class)
	if err != nil {
		return common.Hash{}, err
	}
	return HashLeaf(encoded), nil
}

// ParseAddress decodes a 0x-prefixed hex address. Mixed-case input must carry
// a valid EIP-55 checksum.
func ParseAddress(raw string) (common.Address, error) {
	trimmed := strings.TrimSpace(raw)
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, &EncodingError{Field: "address", Value: raw, Err: errors.New("not a 20-byte hex address")}
	}
	addr := common.HexToAddress(trimmed)
	body := strings.TrimPrefix(strings.TrimPrefix(trimmed, "0x"), "0X")
	if body != strings.ToLower(body) && body != strings.ToUpper(body) {
		if addr.Hex()[2:] != body {
			return common.Address{}, &EncodingError{Field: "address", Value: raw, Err: errors.New("checksum mismatch")}
		}
	}
	return addr, nil
}

// ParseAmount decodes a base-10 (or 0x-prefixed hex) token amount. Leading
// zeros are decimal; signs, underscores and other base prefixes are rejected.
func ParseAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, &EncodingError{Field: "amount", Err: errors.New("empty amount")}
	}
	digits, base := trimmed, 10
	if strings.HasPrefix(trimmed, "0x") || strings.HasPrefix(trimmed, "0X") {
		digits, base = trimmed[2:], 16
	}
	if !onlyDigits(digits, base) {
		return nil, &EncodingError{Field: "amount", Value: raw, Err: fmt.Errorf("not a base-%d integer", base)}
	}
	value, ok := new(big.Int).SetString(digits, base)
	if !ok {
		return nil, &EncodingError{Field: "amount", Value: raw, Err: errors.New("not an integer")}
	}
	if _, err := CheckAmount(value); err != nil {
		return nil, &EncodingError{Field: "amount", Value: raw, Err: err}
	}
	return value, nil
}

// CheckAmount ensures value is a non-negative integer that fits in uint256.
func CheckAmount(value *big.Int) (*uint256.Int, error) {
	if value == nil {
		return nil, errors.New("amount missing")
	}
	if value.Sign() < 0 {
		return nil, errors.New("amount must be non-negative")
	}
	out, overflow := uint256.FromBig(value)
	if overflow {
		return nil, errors.New("amount exceeds uint256")
	}
	return out, nil
}

func onlyDigits(s string, base int) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
		case base == 16 && (c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F'):
		default:
			return false
		}
	}
	return true
}

func amountString(value *big.Int) string {
	if value == nil {
		return ""
	}
	return value.String()
}
