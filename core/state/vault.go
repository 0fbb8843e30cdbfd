package state

import (
	"math/big"

	"nusd/crypto"
)

var (
	vaultCollateralPrefix = []byte("vault/collateral/")
	vaultDebtPrefix       = []byte("vault/debt/")
)

func vaultCollateralKey(symbol string, addr []byte) []byte {
	buf := make([]byte, 0, len(vaultCollateralPrefix)+len(symbol)+1+len(addr))
	buf = append(buf, vaultCollateralPrefix...)
	buf = append(buf, symbol...)
	buf = append(buf, ':')
	return append(buf, addr...)
}

func vaultDebtKey(addr []byte) []byte {
	buf := make([]byte, 0, len(vaultDebtPrefix)+len(addr))
	buf = append(buf, vaultDebtPrefix...)
	return append(buf, addr...)
}

// VaultCollateral returns the amount of an asset a user has deposited with the
// vault module. Absent entries read as zero.
func (m *Manager) VaultCollateral(addr crypto.Address, symbol string) (*big.Int, error) {
	return m.amount(vaultCollateralKey(normalizeSymbol(symbol), addr.Bytes()))
}

// VaultSetCollateral overwrites a user's deposited amount for an asset.
func (m *Manager) VaultSetCollateral(addr crypto.Address, symbol string, amount *big.Int) error {
	return m.setAmount(vaultCollateralKey(normalizeSymbol(symbol), addr.Bytes()), amount)
}

// VaultDebt returns the synthetic debt recorded against a user.
func (m *Manager) VaultDebt(addr crypto.Address) (*big.Int, error) {
	return m.amount(vaultDebtKey(addr.Bytes()))
}

// VaultSetDebt overwrites the synthetic debt recorded against a user.
func (m *Manager) VaultSetDebt(addr crypto.Address, amount *big.Int) error {
	return m.setAmount(vaultDebtKey(addr.Bytes()), amount)
}
