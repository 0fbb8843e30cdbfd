package vault

import (
	"math/big"

	"nusd/crypto"
)

// Token is the capability surface the engine needs from a collateral asset.
// TransferFrom pulls deposits into module custody; Transfer releases custody
// back to users.
type Token interface {
	TransferFrom(from, to crypto.Address, amount *big.Int) error
	Transfer(to crypto.Address, amount *big.Int) error
}

// DebtToken is the capability surface for the synthetic dollar. The engine is
// the only authority allowed to mint, and burns only out of its own custody
// after pulling the repayment in via TransferFrom.
type DebtToken interface {
	Mint(to crypto.Address, amount *big.Int) error
	Burn(amount *big.Int) error
	TransferFrom(from, to crypto.Address, amount *big.Int) error
}

// PriceFeed reports the latest USD quote for one asset. Scale is the number
// of decimal places in the answer.
type PriceFeed interface {
	LatestPrice() (answer *big.Int, scale uint8, err error)
}
