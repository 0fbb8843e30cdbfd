// Package oracle provides the price feeds consumed by the vault engine. A
// feed reports an integer answer together with its decimal scale; rescaling
// to the engine's fixed point happens at the consumer.
package oracle

import (
	"fmt"
	"math/big"
	"strings"
	"sync"
)

// decimalAnswer parses a decimal price string and scales it to an integer
// answer with the supplied number of decimals, truncating toward zero.
func decimalAnswer(value string, decimals uint8) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("oracle: price required")
	}
	rat, ok := new(big.Rat).SetString(trimmed)
	if !ok {
		return nil, fmt.Errorf("oracle: invalid price %q", value)
	}
	if rat.Sign() <= 0 {
		return nil, fmt.Errorf("oracle: price must be positive")
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	scaled := new(big.Rat).Mul(rat, new(big.Rat).SetInt(scale))
	return new(big.Int).Quo(scaled.Num(), scaled.Denom()), nil
}

// Manual is an operator-set feed used by tests, air-gapped deployments and
// manual overrides during incident response.
type Manual struct {
	mu       sync.RWMutex
	answer   *big.Int
	decimals uint8
	err      error
}

// NewManual constructs a manual feed. A nil answer leaves the feed empty
// until Set or SetDecimal is called.
func NewManual(answer *big.Int, decimals uint8) *Manual {
	m := &Manual{decimals: decimals}
	if answer != nil {
		m.answer = new(big.Int).Set(answer)
	}
	return m
}

// Set replaces the stored answer and clears any injected failure.
func (m *Manual) Set(answer *big.Int) {
	if m == nil || answer == nil {
		return
	}
	m.mu.Lock()
	m.answer = new(big.Int).Set(answer)
	m.err = nil
	m.mu.Unlock()
}

// SetDecimal parses a decimal price string ("2000.50") and stores it scaled
// to the feed's decimals.
func (m *Manual) SetDecimal(value string) error {
	if m == nil {
		return fmt.Errorf("oracle: manual feed not configured")
	}
	answer, err := decimalAnswer(value, m.decimals)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.answer = answer
	m.err = nil
	m.mu.Unlock()
	return nil
}

// Fail makes the feed return err until the next Set. Used to rehearse oracle
// outages.
func (m *Manual) Fail(err error) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

// LatestPrice returns the stored answer and its decimal scale.
func (m *Manual) LatestPrice() (*big.Int, uint8, error) {
	if m == nil {
		return nil, 0, fmt.Errorf("oracle: manual feed not configured")
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.err != nil {
		return nil, 0, m.err
	}
	if m.answer == nil {
		return nil, 0, fmt.Errorf("oracle: no manual price set")
	}
	return new(big.Int).Set(m.answer), m.decimals, nil
}
