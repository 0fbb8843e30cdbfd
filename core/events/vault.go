package events

import (
	"math/big"

	"nusd/core/types"
	"nusd/crypto"
)

const (
	// TypeCollateralDeposited is emitted when collateral is locked into the vault.
	TypeCollateralDeposited = "vault.collateral.deposited"
	// TypeCollateralRedeemed is emitted when collateral leaves the vault.
	TypeCollateralRedeemed = "vault.collateral.redeemed"
	// TypeDebtMinted is emitted when synthetic debt is issued against collateral.
	TypeDebtMinted = "vault.debt.minted"
	// TypeDebtBurned is emitted when synthetic debt is repaid and destroyed.
	TypeDebtBurned = "vault.debt.burned"
	// TypePositionLiquidated is emitted after a forced close of an unhealthy position.
	TypePositionLiquidated = "vault.position.liquidated"
)

// CollateralDeposited captures a collateral lock for a single asset.
type CollateralDeposited struct {
	User   crypto.Address
	Asset  string
	Amount *big.Int
}

func (CollateralDeposited) EventType() string { return TypeCollateralDeposited }

// Event renders the structured deposit record for downstream consumers.
func (e CollateralDeposited) Event() *types.Event {
	attrs := map[string]string{
		"user":   e.User.String(),
		"asset":  normalizeAsset(e.Asset),
		"amount": formatAmount(e.Amount),
	}
	return &types.Event{Type: TypeCollateralDeposited, Attributes: attrs}
}

// CollateralRedeemed captures collateral released from the vault. From and To
// differ when a liquidation routes seized collateral to the liquidator.
type CollateralRedeemed struct {
	From   crypto.Address
	To     crypto.Address
	Asset  string
	Amount *big.Int
}

func (CollateralRedeemed) EventType() string { return TypeCollateralRedeemed }

// Event renders the structured redeem record for downstream consumers.
func (e CollateralRedeemed) Event() *types.Event {
	attrs := map[string]string{
		"from":   e.From.String(),
		"to":     e.To.String(),
		"asset":  normalizeAsset(e.Asset),
		"amount": formatAmount(e.Amount),
	}
	return &types.Event{Type: TypeCollateralRedeemed, Attributes: attrs}
}

// DebtMinted captures newly issued synthetic debt.
type DebtMinted struct {
	User   crypto.Address
	Amount *big.Int
}

func (DebtMinted) EventType() string { return TypeDebtMinted }

func (e DebtMinted) Event() *types.Event {
	attrs := map[string]string{
		"user":   e.User.String(),
		"amount": formatAmount(e.Amount),
	}
	return &types.Event{Type: TypeDebtMinted, Attributes: attrs}
}

// DebtBurned captures repaid debt. Payer differs from User when a liquidator
// covers the target's debt.
type DebtBurned struct {
	User   crypto.Address
	Payer  crypto.Address
	Amount *big.Int
}

func (DebtBurned) EventType() string { return TypeDebtBurned }

func (e DebtBurned) Event() *types.Event {
	attrs := map[string]string{
		"user":   e.User.String(),
		"payer":  e.Payer.String(),
		"amount": formatAmount(e.Amount),
	}
	return &types.Event{Type: TypeDebtBurned, Attributes: attrs}
}

// PositionLiquidated summarises a completed liquidation.
type PositionLiquidated struct {
	Liquidator  crypto.Address
	User        crypto.Address
	Asset       string
	DebtCovered *big.Int
	Seized      *big.Int
	Bonus       *big.Int
}

func (PositionLiquidated) EventType() string { return TypePositionLiquidated }

// Event renders the structured liquidation record for downstream consumers.
func (e PositionLiquidated) Event() *types.Event {
	attrs := map[string]string{
		"liquidator":  e.Liquidator.String(),
		"user":        e.User.String(),
		"asset":       normalizeAsset(e.Asset),
		"debtCovered": formatAmount(e.DebtCovered),
		"seized":      formatAmount(e.Seized),
		"bonus":       formatAmount(e.Bonus),
	}
	return &types.Event{Type: TypePositionLiquidated, Attributes: attrs}
}
