package rpc

import (
	"fmt"
	"math/big"
	"strings"

	"nusd/crypto"
)

// parseAmount decodes a positive base-10 integer amount.
func parseAmount(amount string) (*big.Int, error) {
	trimmed := strings.TrimSpace(amount)
	if trimmed == "" {
		return nil, fmt.Errorf("amount is required")
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount")
	}
	if value.Sign() <= 0 {
		return nil, fmt.Errorf("amount must be positive")
	}
	return value, nil
}

// parseAddress decodes a bech32 account address.
func parseAddress(addr string) (crypto.Address, error) {
	return crypto.DecodeAddress(strings.TrimSpace(addr))
}

// bigString renders nil-tolerant decimal output for big integers.
func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
