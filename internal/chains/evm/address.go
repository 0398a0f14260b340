// Package evm holds the EVM-specific plumbing behind the bridge: address and
// token id parsing, RPC error classification and the eth_call backend.
package evm

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/pendergraft/campusbridge/internal/apperr"
)

// ParseAddress parses a 20-byte hex address in any casing.
func ParseAddress(s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return common.Address{}, apperr.Malformed("parse address", "invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}

// ParseOptionalAddress returns nil for an empty string.
func ParseOptionalAddress(s string) (*common.Address, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	a, err := ParseAddress(s)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// ParseTokenID accepts a decimal or 0x-prefixed hex token id.
func ParseTokenID(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	base := 10
	digits := s
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		base = 16
		digits = s[2:]
	}
	if digits == "" {
		return nil, apperr.Malformed("parse token id", "empty token id")
	}
	id, ok := new(big.Int).SetString(digits, base)
	if !ok || id.Sign() < 0 {
		return nil, apperr.Malformed("parse token id", "invalid token id %q", s)
	}
	return id, nil
}
