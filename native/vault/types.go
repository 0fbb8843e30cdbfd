package vault

import (
	"math/big"

	"nusd/crypto"
)

// AssetConfig describes one collateral asset at registration time. The
// registry is append-only; configs are immutable once accepted.
type AssetConfig struct {
	// Symbol is the unique ledger identifier, normalized to upper case.
	Symbol string
	// FeedID names the external price feed backing the asset, informational
	// only.
	FeedID string
	// Decimals is the asset's native unit scale.
	Decimals uint8
}

// collateralAsset is a registry entry binding a config to its injected
// capabilities.
type collateralAsset struct {
	config AssetConfig
	token  Token
	feed   PriceFeed
}

// CollateralBalance reports one asset position inside an account snapshot.
type CollateralBalance struct {
	Symbol   string
	Amount   *big.Int
	UsdValue *big.Int
}

// AccountSnapshot summarises a user's position: outstanding debt, the USD
// value of all collateral, the solvency ratio and the per-asset breakdown.
type AccountSnapshot struct {
	Address       crypto.Address
	Debt          *big.Int
	CollateralUsd *big.Int
	HealthFactor  *big.Int
	Collateral    []CollateralBalance
}
