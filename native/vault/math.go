package vault

import "math/big"

// Risk parameters fixing the 200% overcollateralization requirement and the
// liquidator incentive. Values are percentages over liquidationPrecision.
const (
	liquidationThreshold = 50
	liquidationPrecision = 100
	liquidationBonus     = 10

	// usdDecimals is the fixed-point scale for USD values and debt units.
	usdDecimals = 18
)

var (
	precision       = mustBigInt("1000000000000000000") // 1e18
	minHealthFactor = mustBigInt("1000000000000000000") // ratio 1.0 in 18-dec fixed point
	threshold       = big.NewInt(liquidationThreshold)
	thresholdScale  = big.NewInt(liquidationPrecision)
	bonusNumerator  = big.NewInt(liquidationBonus)

	// maxHealthFactor is the sentinel reported for debt-free positions so the
	// solvency ratio never divides by zero.
	maxHealthFactor = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
)

func mustBigInt(value string) *big.Int {
	v, ok := new(big.Int).SetString(value, 10)
	if !ok {
		panic("invalid big integer constant")
	}
	return v
}

// pow10 returns 10^n for small decimal exponents.
func pow10(n uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}

// scaledPrice normalizes a feed answer quoted at feedDecimals into the
// 18-decimal USD fixed point.
func scaledPrice(answer *big.Int, feedDecimals uint8) *big.Int {
	if feedDecimals >= usdDecimals {
		return new(big.Int).Quo(answer, pow10(feedDecimals-usdDecimals))
	}
	return new(big.Int).Mul(answer, pow10(usdDecimals-feedDecimals))
}

// usdFromAmount converts an asset amount in native units into its 18-decimal
// USD value given a normalized price.
func usdFromAmount(price18, amount *big.Int, assetDecimals uint8) *big.Int {
	value := new(big.Int).Mul(price18, amount)
	return value.Quo(value, pow10(assetDecimals))
}

// amountFromUsd converts an 18-decimal USD value into the asset amount in
// native units given a normalized price. Division truncates toward zero.
func amountFromUsd(price18, usd *big.Int, assetDecimals uint8) *big.Int {
	amount := new(big.Int).Mul(usd, pow10(assetDecimals))
	return amount.Quo(amount, price18)
}

// healthFactorFrom computes the solvency ratio for a position in 18-decimal
// fixed point: the threshold-adjusted collateral value over the outstanding
// debt. Debt-free positions report maxHealthFactor.
func healthFactorFrom(collateralUsd, debt *big.Int) *big.Int {
	if debt == nil || debt.Sign() == 0 {
		return new(big.Int).Set(maxHealthFactor)
	}
	adjusted := new(big.Int).Mul(collateralUsd, threshold)
	adjusted.Quo(adjusted, thresholdScale)
	adjusted.Mul(adjusted, precision)
	return adjusted.Quo(adjusted, debt)
}

// bonusFor computes the liquidator incentive for a seized base amount.
func bonusFor(seize *big.Int) *big.Int {
	bonus := new(big.Int).Mul(seize, bonusNumerator)
	return bonus.Quo(bonus, thresholdScale)
}
