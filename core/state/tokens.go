package state

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"nusd/crypto"
)

var (
	tokenPrefix   = []byte("token:")
	tokenListKey  = []byte("token-list")
	balancePrefix = []byte("balance:")
	supplyPrefix  = []byte("supply:")
)

var (
	// ErrTokenUnknown is returned when a symbol has not been registered.
	ErrTokenUnknown = errors.New("state: token not registered")
	// ErrInsufficientBalance is returned when a transfer or burn exceeds the
	// holder's balance.
	ErrInsufficientBalance = errors.New("state: insufficient token balance")
	// ErrSupplyCapExceeded is returned when a mint would push total supply
	// beyond the token's configured cap.
	ErrSupplyCapExceeded = errors.New("state: token supply cap exceeded")
)

// TokenMetadata describes a fungible token tracked by the ledger. A zero
// SupplyCap means the supply is unbounded.
type TokenMetadata struct {
	Symbol    string
	Name      string
	Decimals  uint8
	SupplyCap *big.Int
}

func normalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

func tokenMetadataKey(symbol string) []byte {
	buf := make([]byte, 0, len(tokenPrefix)+len(symbol))
	buf = append(buf, tokenPrefix...)
	return append(buf, symbol...)
}

func balanceKey(symbol string, addr []byte) []byte {
	buf := make([]byte, 0, len(balancePrefix)+len(symbol)+1+len(addr))
	buf = append(buf, balancePrefix...)
	buf = append(buf, symbol...)
	buf = append(buf, ':')
	return append(buf, addr...)
}

func supplyKey(symbol string) []byte {
	buf := make([]byte, 0, len(supplyPrefix)+len(symbol))
	buf = append(buf, supplyPrefix...)
	return append(buf, symbol...)
}

// RegisterToken persists metadata for a new token symbol. Re-registering an
// existing symbol is rejected so decimals and caps stay immutable.
func (m *Manager) RegisterToken(meta TokenMetadata) error {
	symbol := normalizeSymbol(meta.Symbol)
	if symbol == "" {
		return fmt.Errorf("state: token symbol must not be empty")
	}
	exists, err := m.KVGet(tokenMetadataKey(symbol), nil)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("state: token %s already registered", symbol)
	}
	stored := storedTokenMetadata{
		Symbol:   symbol,
		Name:     strings.TrimSpace(meta.Name),
		Decimals: meta.Decimals,
	}
	if meta.SupplyCap != nil && meta.SupplyCap.Sign() > 0 {
		stored.SupplyCap = new(big.Int).Set(meta.SupplyCap)
	} else {
		stored.SupplyCap = big.NewInt(0)
	}
	if err := m.KVPut(tokenMetadataKey(symbol), &stored); err != nil {
		return err
	}
	list, err := m.tokenList()
	if err != nil {
		return err
	}
	list = append(list, symbol)
	sort.Strings(list)
	return m.KVPut(tokenListKey, list)
}

// storedTokenMetadata is the RLP shape of TokenMetadata.
type storedTokenMetadata struct {
	Symbol    string
	Name      string
	Decimals  uint8
	SupplyCap *big.Int
}

// Token returns the metadata for a registered symbol.
func (m *Manager) Token(symbol string) (*TokenMetadata, error) {
	normalized := normalizeSymbol(symbol)
	var stored storedTokenMetadata
	ok, err := m.KVGet(tokenMetadataKey(normalized), &stored)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTokenUnknown, normalized)
	}
	meta := &TokenMetadata{
		Symbol:   stored.Symbol,
		Name:     stored.Name,
		Decimals: stored.Decimals,
	}
	if stored.SupplyCap != nil && stored.SupplyCap.Sign() > 0 {
		meta.SupplyCap = new(big.Int).Set(stored.SupplyCap)
	}
	return meta, nil
}

// TokenExists reports whether the provided token symbol is registered.
func (m *Manager) TokenExists(symbol string) bool {
	ok, err := m.KVGet(tokenMetadataKey(normalizeSymbol(symbol)), nil)
	return err == nil && ok
}

func (m *Manager) tokenList() ([]string, error) {
	var list []string
	if _, err := m.KVGet(tokenListKey, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// TokenList returns the registered token symbols in sorted order.
func (m *Manager) TokenList() ([]string, error) {
	return m.tokenList()
}

// TokenBalance returns the holder's balance for a symbol; absent entries read
// as zero.
func (m *Manager) TokenBalance(symbol string, addr crypto.Address) (*big.Int, error) {
	return m.amount(balanceKey(normalizeSymbol(symbol), addr.Bytes()))
}

// TokenSupply returns the total minted supply for a symbol.
func (m *Manager) TokenSupply(symbol string) (*big.Int, error) {
	return m.amount(supplyKey(normalizeSymbol(symbol)))
}

// TokenTransfer moves amount between two holders, failing when the sender's
// balance is insufficient.
func (m *Manager) TokenTransfer(symbol string, from, to crypto.Address, amount *big.Int) error {
	normalized := normalizeSymbol(symbol)
	if !m.TokenExists(normalized) {
		return fmt.Errorf("%w: %s", ErrTokenUnknown, normalized)
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("state: transfer amount must be positive")
	}
	fromBalance, err := m.TokenBalance(normalized, from)
	if err != nil {
		return err
	}
	if fromBalance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s", ErrInsufficientBalance, normalized)
	}
	toBalance, err := m.TokenBalance(normalized, to)
	if err != nil {
		return err
	}
	if err := m.setAmount(balanceKey(normalized, from.Bytes()), new(big.Int).Sub(fromBalance, amount)); err != nil {
		return err
	}
	return m.setAmount(balanceKey(normalized, to.Bytes()), new(big.Int).Add(toBalance, amount))
}

// TokenMint issues new supply to a holder, enforcing the symbol's supply cap.
func (m *Manager) TokenMint(symbol string, to crypto.Address, amount *big.Int) error {
	normalized := normalizeSymbol(symbol)
	meta, err := m.Token(normalized)
	if err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("state: mint amount must be positive")
	}
	supply, err := m.TokenSupply(normalized)
	if err != nil {
		return err
	}
	nextSupply := new(big.Int).Add(supply, amount)
	if meta.SupplyCap != nil && nextSupply.Cmp(meta.SupplyCap) > 0 {
		return fmt.Errorf("%w: %s", ErrSupplyCapExceeded, normalized)
	}
	balance, err := m.TokenBalance(normalized, to)
	if err != nil {
		return err
	}
	if err := m.setAmount(balanceKey(normalized, to.Bytes()), new(big.Int).Add(balance, amount)); err != nil {
		return err
	}
	return m.setAmount(supplyKey(normalized), nextSupply)
}

// TokenBurn destroys amount held by the holder, reducing total supply.
func (m *Manager) TokenBurn(symbol string, from crypto.Address, amount *big.Int) error {
	normalized := normalizeSymbol(symbol)
	if !m.TokenExists(normalized) {
		return fmt.Errorf("%w: %s", ErrTokenUnknown, normalized)
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("state: burn amount must be positive")
	}
	balance, err := m.TokenBalance(normalized, from)
	if err != nil {
		return err
	}
	if balance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s", ErrInsufficientBalance, normalized)
	}
	supply, err := m.TokenSupply(normalized)
	if err != nil {
		return err
	}
	if supply.Cmp(amount) < 0 {
		return fmt.Errorf("state: supply underflow for %s", normalized)
	}
	if err := m.setAmount(balanceKey(normalized, from.Bytes()), new(big.Int).Sub(balance, amount)); err != nil {
		return err
	}
	return m.setAmount(supplyKey(normalized), new(big.Int).Sub(supply, amount))
}

// TokenLedger binds a token symbol and the vault module account into the
// narrow capability surface the vault engine consumes. Transfer sends from the
// module's custody; Burn destroys custody holdings.
type TokenLedger struct {
	mgr    *Manager
	symbol string
	module crypto.Address
}

// NewTokenLedger returns a capability view over a registered token. The
// symbol must already be registered.
func (m *Manager) NewTokenLedger(symbol string, module crypto.Address) (*TokenLedger, error) {
	normalized := normalizeSymbol(symbol)
	if !m.TokenExists(normalized) {
		return nil, fmt.Errorf("%w: %s", ErrTokenUnknown, normalized)
	}
	return &TokenLedger{mgr: m, symbol: normalized, module: module}, nil
}

// Symbol returns the token symbol this ledger serves.
func (l *TokenLedger) Symbol() string {
	return l.symbol
}

// TransferFrom moves amount from a holder to an arbitrary recipient.
func (l *TokenLedger) TransferFrom(from, to crypto.Address, amount *big.Int) error {
	return l.mgr.TokenTransfer(l.symbol, from, to, amount)
}

// Transfer moves amount out of the module's custody.
func (l *TokenLedger) Transfer(to crypto.Address, amount *big.Int) error {
	return l.mgr.TokenTransfer(l.symbol, l.module, to, amount)
}

// Mint issues new supply to the recipient.
func (l *TokenLedger) Mint(to crypto.Address, amount *big.Int) error {
	return l.mgr.TokenMint(l.symbol, to, amount)
}

// Burn destroys amount held in the module's custody.
func (l *TokenLedger) Burn(amount *big.Int) error {
	return l.mgr.TokenBurn(l.symbol, l.module, amount)
}
