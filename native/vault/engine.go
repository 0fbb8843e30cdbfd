package vault

import (
	"fmt"
	"math/big"
	"strings"
	"sync/atomic"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"nusd/core/events"
	"nusd/crypto"
	nativecommon "nusd/native/common"
)

const moduleName = "vault"

// Operation families used for pause switches. Composite operations consult
// every family they touch.
const (
	opDeposit   = "deposit"
	opMint      = "mint"
	opRedeem    = "redeem"
	opBurn      = "burn"
	opLiquidate = "liquidate"
)

// engineState is the narrow persistence surface the engine mutates. Snapshot
// and RevertToSnapshot expose the journal that makes every public operation
// all-or-nothing.
type engineState interface {
	VaultCollateral(addr crypto.Address, symbol string) (*big.Int, error)
	VaultSetCollateral(addr crypto.Address, symbol string, amount *big.Int) error
	VaultDebt(addr crypto.Address) (*big.Int, error)
	VaultSetDebt(addr crypto.Address, amount *big.Int) error
	Snapshot() int
	RevertToSnapshot(int)
}

// Engine owns the collateral and debt ledgers for the synthetic dollar and
// enforces the 200% overcollateralization invariant on every mutation.
type Engine struct {
	state         engineState
	debtToken     DebtToken
	emitter       events.Emitter
	pauses        nativecommon.PauseView
	moduleAddress crypto.Address
	assets        map[string]*collateralAsset
	order         []string
	busy          atomic.Bool
}

// ModuleAddress derives the deterministic address of the vault's custody
// account.
func ModuleAddress() crypto.Address {
	digest := ethcrypto.Keccak256([]byte("module/" + moduleName))
	return crypto.NewAddress(crypto.AccountPrefix, digest[12:])
}

// NewEngine constructs an unwired engine. Callers attach persistence and
// capabilities through the setters and register collateral before use.
func NewEngine() *Engine {
	return &Engine{
		moduleAddress: ModuleAddress(),
		assets:        make(map[string]*collateralAsset),
	}
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state engineState) {
	if e == nil {
		return
	}
	e.state = state
}

// SetDebtToken wires the synthetic dollar capability.
func (e *Engine) SetDebtToken(token DebtToken) {
	if e == nil {
		return
	}
	e.debtToken = token
}

// SetEmitter wires the sink that receives events after an operation commits.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if e == nil {
		return
	}
	e.emitter = emitter
}

// SetPauses wires the per-operation pause switches.
func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
}

// ModuleAccount returns the custody address holding deposited collateral and
// in-flight debt repayments.
func (e *Engine) ModuleAccount() crypto.Address {
	if e == nil {
		return crypto.Address{}
	}
	return e.moduleAddress
}

func normalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// RegisterCollateral appends assets to the registry from parallel config,
// token and feed slices. Registration is construction-time only and rejects
// duplicates; the registry is read-only afterwards.
func (e *Engine) RegisterCollateral(configs []AssetConfig, tokens []Token, feeds []PriceFeed) error {
	if e == nil {
		return errNilState
	}
	if len(configs) != len(tokens) || len(configs) != len(feeds) {
		return ErrLengthMismatch
	}
	for i, cfg := range configs {
		symbol := normalizeSymbol(cfg.Symbol)
		if symbol == "" {
			return fmt.Errorf("vault engine: collateral symbol must not be empty")
		}
		if _, exists := e.assets[symbol]; exists {
			return fmt.Errorf("%w: %s", errDuplicateAsset, symbol)
		}
		if tokens[i] == nil {
			return fmt.Errorf("%w: %s", errNilToken, symbol)
		}
		if feeds[i] == nil {
			return fmt.Errorf("%w: %s", errNilFeed, symbol)
		}
		cfg.Symbol = symbol
		e.assets[symbol] = &collateralAsset{config: cfg, token: tokens[i], feed: feeds[i]}
		e.order = append(e.order, symbol)
	}
	return nil
}

// Assets returns the registered collateral configs in registration order.
func (e *Engine) Assets() []AssetConfig {
	if e == nil {
		return nil
	}
	out := make([]AssetConfig, 0, len(e.order))
	for _, symbol := range e.order {
		out = append(out, e.assets[symbol].config)
	}
	return out
}

func (e *Engine) asset(symbol string) (*collateralAsset, bool) {
	a, ok := e.assets[normalizeSymbol(symbol)]
	return a, ok
}

// begin acquires the engine-scoped call guard. A capability implementation
// that calls back into a mutating entry point trips it and the outer
// operation reverts.
func (e *Engine) begin() error {
	if !e.busy.CompareAndSwap(false, true) {
		return ErrReentrantCall
	}
	return nil
}

func (e *Engine) end() {
	e.busy.Store(false)
}

// Deposit locks caller collateral in the module's custody. The ledger is
// credited before the token pull; a refused transfer reverts the credit with
// the rest of the journal.
func (e *Engine) Deposit(caller crypto.Address, asset string, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := e.begin(); err != nil {
		return err
	}
	defer e.end()
	if err := nativecommon.Guard(e.pauses, opDeposit); err != nil {
		return err
	}
	rec := &events.Recorder{}
	snap := e.state.Snapshot()
	if err := e.depositLocked(rec, caller, asset, amount); err != nil {
		e.state.RevertToSnapshot(snap)
		return err
	}
	rec.FlushTo(e.emitter)
	return nil
}

// Mint issues synthetic debt against the caller's collateral. The solvency
// check runs on the updated ledger before the external mint so a refused mint
// leaves nothing to unwind beyond the journal.
func (e *Engine) Mint(caller crypto.Address, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := e.begin(); err != nil {
		return err
	}
	defer e.end()
	if err := nativecommon.Guard(e.pauses, opMint); err != nil {
		return err
	}
	rec := &events.Recorder{}
	snap := e.state.Snapshot()
	if err := e.mintLocked(rec, caller, amount); err != nil {
		e.state.RevertToSnapshot(snap)
		return err
	}
	rec.FlushTo(e.emitter)
	return nil
}

// DepositAndMint composes Deposit and Mint inside one guard and one journal
// scope. The solvency check is the mint step's, applied to the net effect.
func (e *Engine) DepositAndMint(caller crypto.Address, asset string, collateralAmount, debtAmount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := e.begin(); err != nil {
		return err
	}
	defer e.end()
	if err := nativecommon.Guard(e.pauses, opDeposit); err != nil {
		return err
	}
	if err := nativecommon.Guard(e.pauses, opMint); err != nil {
		return err
	}
	rec := &events.Recorder{}
	snap := e.state.Snapshot()
	if err := e.depositLocked(rec, caller, asset, collateralAmount); err != nil {
		e.state.RevertToSnapshot(snap)
		return err
	}
	if err := e.mintLocked(rec, caller, debtAmount); err != nil {
		e.state.RevertToSnapshot(snap)
		return err
	}
	rec.FlushTo(e.emitter)
	return nil
}

// Redeem releases caller collateral back to the caller, then verifies the
// remaining position still satisfies the solvency invariant.
func (e *Engine) Redeem(caller crypto.Address, asset string, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := e.begin(); err != nil {
		return err
	}
	defer e.end()
	if err := nativecommon.Guard(e.pauses, opRedeem); err != nil {
		return err
	}
	rec := &events.Recorder{}
	snap := e.state.Snapshot()
	if err := e.redeemLocked(rec, caller, caller, asset, amount); err != nil {
		e.state.RevertToSnapshot(snap)
		return err
	}
	if err := e.assertHealthy(caller); err != nil {
		e.state.RevertToSnapshot(snap)
		return err
	}
	rec.FlushTo(e.emitter)
	return nil
}

// Burn repays caller debt and destroys the repaid tokens. Burning can only
// improve solvency; the final check is kept anyway as a cheap post-condition.
func (e *Engine) Burn(caller crypto.Address, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := e.begin(); err != nil {
		return err
	}
	defer e.end()
	if err := nativecommon.Guard(e.pauses, opBurn); err != nil {
		return err
	}
	rec := &events.Recorder{}
	snap := e.state.Snapshot()
	if err := e.burnLocked(rec, caller, caller, amount); err != nil {
		e.state.RevertToSnapshot(snap)
		return err
	}
	if err := e.assertHealthy(caller); err != nil {
		e.state.RevertToSnapshot(snap)
		return err
	}
	rec.FlushTo(e.emitter)
	return nil
}

// RedeemForBurn composes Burn and Redeem inside one guard and one journal
// scope: debt is repaid first so the released collateral is judged against
// the reduced debt.
func (e *Engine) RedeemForBurn(caller crypto.Address, asset string, collateralAmount, debtAmount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := e.begin(); err != nil {
		return err
	}
	defer e.end()
	if err := nativecommon.Guard(e.pauses, opRedeem); err != nil {
		return err
	}
	if err := nativecommon.Guard(e.pauses, opBurn); err != nil {
		return err
	}
	rec := &events.Recorder{}
	snap := e.state.Snapshot()
	if err := e.burnLocked(rec, caller, caller, debtAmount); err != nil {
		e.state.RevertToSnapshot(snap)
		return err
	}
	if err := e.redeemLocked(rec, caller, caller, asset, collateralAmount); err != nil {
		e.state.RevertToSnapshot(snap)
		return err
	}
	if err := e.assertHealthy(caller); err != nil {
		e.state.RevertToSnapshot(snap)
		return err
	}
	rec.FlushTo(e.emitter)
	return nil
}

// Liquidate lets a third party cover part of an unhealthy position's debt in
// exchange for the equivalent collateral plus a bonus. The repaid debt and
// the total collateral seized are returned.
func (e *Engine) Liquidate(liquidator, user crypto.Address, asset string, debtToCover *big.Int) (*big.Int, *big.Int, error) {
	if e == nil || e.state == nil {
		return nil, nil, errNilState
	}
	if err := e.begin(); err != nil {
		return nil, nil, err
	}
	defer e.end()
	if err := nativecommon.Guard(e.pauses, opLiquidate); err != nil {
		return nil, nil, err
	}
	rec := &events.Recorder{}
	snap := e.state.Snapshot()
	repaid, seized, err := e.liquidateLocked(rec, liquidator, user, asset, debtToCover)
	if err != nil {
		e.state.RevertToSnapshot(snap)
		return nil, nil, err
	}
	rec.FlushTo(e.emitter)
	return repaid, seized, nil
}

func (e *Engine) depositLocked(rec *events.Recorder, caller crypto.Address, symbol string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	asset, ok := e.asset(symbol)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnsupportedAsset, normalizeSymbol(symbol))
	}
	balance, err := e.state.VaultCollateral(caller, asset.config.Symbol)
	if err != nil {
		return err
	}
	if err := e.state.VaultSetCollateral(caller, asset.config.Symbol, new(big.Int).Add(balance, amount)); err != nil {
		return err
	}
	rec.Emit(events.CollateralDeposited{User: caller, Asset: asset.config.Symbol, Amount: new(big.Int).Set(amount)})
	if err := asset.token.TransferFrom(caller, e.moduleAddress, amount); err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	return nil
}

func (e *Engine) mintLocked(rec *events.Recorder, caller crypto.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if e.debtToken == nil {
		return errNilDebtToken
	}
	debt, err := e.state.VaultDebt(caller)
	if err != nil {
		return err
	}
	if err := e.state.VaultSetDebt(caller, new(big.Int).Add(debt, amount)); err != nil {
		return err
	}
	rec.Emit(events.DebtMinted{User: caller, Amount: new(big.Int).Set(amount)})
	if err := e.assertHealthy(caller); err != nil {
		return err
	}
	if err := e.debtToken.Mint(caller, amount); err != nil {
		return fmt.Errorf("%w: %v", ErrMintFailed, err)
	}
	return nil
}

func (e *Engine) burnLocked(rec *events.Recorder, onBehalf, payer crypto.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if e.debtToken == nil {
		return errNilDebtToken
	}
	debt, err := e.state.VaultDebt(onBehalf)
	if err != nil {
		return err
	}
	if debt.Cmp(amount) < 0 {
		return ErrInsufficientDebt
	}
	if err := e.state.VaultSetDebt(onBehalf, new(big.Int).Sub(debt, amount)); err != nil {
		return err
	}
	rec.Emit(events.DebtBurned{User: onBehalf, Payer: payer, Amount: new(big.Int).Set(amount)})
	if err := e.debtToken.TransferFrom(payer, e.moduleAddress, amount); err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	if err := e.debtToken.Burn(amount); err != nil {
		return fmt.Errorf("vault engine: burn repaid debt: %w", err)
	}
	return nil
}

func (e *Engine) redeemLocked(rec *events.Recorder, from, to crypto.Address, symbol string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	asset, ok := e.asset(symbol)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnsupportedAsset, normalizeSymbol(symbol))
	}
	balance, err := e.state.VaultCollateral(from, asset.config.Symbol)
	if err != nil {
		return err
	}
	if balance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s", ErrInsufficientCollateral, asset.config.Symbol)
	}
	if err := e.state.VaultSetCollateral(from, asset.config.Symbol, new(big.Int).Sub(balance, amount)); err != nil {
		return err
	}
	rec.Emit(events.CollateralRedeemed{From: from, To: to, Asset: asset.config.Symbol, Amount: new(big.Int).Set(amount)})
	if err := asset.token.Transfer(to, amount); err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	return nil
}

func (e *Engine) liquidateLocked(rec *events.Recorder, liquidator, user crypto.Address, symbol string, debtToCover *big.Int) (*big.Int, *big.Int, error) {
	if debtToCover == nil || debtToCover.Sign() <= 0 {
		return nil, nil, ErrInvalidAmount
	}
	asset, ok := e.asset(symbol)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnsupportedAsset, normalizeSymbol(symbol))
	}
	startingHealth, err := e.healthFactor(user)
	if err != nil {
		return nil, nil, err
	}
	if startingHealth.Cmp(minHealthFactor) >= 0 {
		return nil, nil, ErrHealthFactorOk
	}

	seize, err := e.tokenAmountFromUsd(asset, debtToCover)
	if err != nil {
		return nil, nil, err
	}
	bonus := bonusFor(seize)
	totalSeize := new(big.Int).Add(seize, bonus)

	if err := e.redeemLocked(rec, user, liquidator, asset.config.Symbol, totalSeize); err != nil {
		return nil, nil, err
	}
	if err := e.burnLocked(rec, user, liquidator, debtToCover); err != nil {
		return nil, nil, err
	}

	endingHealth, err := e.healthFactor(user)
	if err != nil {
		return nil, nil, err
	}
	if endingHealth.Cmp(startingHealth) <= 0 {
		return nil, nil, ErrHealthFactorNotImproved
	}
	if err := e.assertHealthy(liquidator); err != nil {
		return nil, nil, err
	}

	rec.Emit(events.PositionLiquidated{
		Liquidator:  liquidator,
		User:        user,
		Asset:       asset.config.Symbol,
		DebtCovered: new(big.Int).Set(debtToCover),
		Seized:      new(big.Int).Set(totalSeize),
		Bonus:       bonus,
	})
	return new(big.Int).Set(debtToCover), totalSeize, nil
}

// healthFactor computes the solvency ratio for a user. Debt-free positions
// report the maximal sentinel without consulting any feed.
func (e *Engine) healthFactor(user crypto.Address) (*big.Int, error) {
	debt, err := e.state.VaultDebt(user)
	if err != nil {
		return nil, err
	}
	if debt.Sign() == 0 {
		return new(big.Int).Set(maxHealthFactor), nil
	}
	collateralUsd, err := e.collateralValueUsd(user)
	if err != nil {
		return nil, err
	}
	return healthFactorFrom(collateralUsd, debt), nil
}

// assertHealthy is the shared post-condition: it runs only after every ledger
// mutation of the enclosing call has been applied.
func (e *Engine) assertHealthy(user crypto.Address) error {
	health, err := e.healthFactor(user)
	if err != nil {
		return err
	}
	if health.Cmp(minHealthFactor) < 0 {
		return fmt.Errorf("%w: %s", ErrHealthFactorBroken, health)
	}
	return nil
}

// collateralValueUsd sums the USD value of every registered asset the user
// holds, taking one feed observation per non-zero balance.
func (e *Engine) collateralValueUsd(user crypto.Address) (*big.Int, error) {
	total := big.NewInt(0)
	for _, symbol := range e.order {
		asset := e.assets[symbol]
		balance, err := e.state.VaultCollateral(user, symbol)
		if err != nil {
			return nil, err
		}
		if balance.Sign() == 0 {
			continue
		}
		value, err := e.usdValue(asset, balance)
		if err != nil {
			return nil, err
		}
		total.Add(total, value)
	}
	return total, nil
}

func (e *Engine) observePrice(asset *collateralAsset) (*big.Int, error) {
	answer, scale, err := asset.feed.LatestPrice()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrOracleUnavailable, asset.config.Symbol, err)
	}
	if answer == nil || answer.Sign() <= 0 {
		return nil, fmt.Errorf("%w: %s: non-positive answer", ErrOracleUnavailable, asset.config.Symbol)
	}
	price := scaledPrice(answer, scale)
	if price.Sign() <= 0 {
		return nil, fmt.Errorf("%w: %s: answer truncated to zero", ErrOracleUnavailable, asset.config.Symbol)
	}
	return price, nil
}

func (e *Engine) usdValue(asset *collateralAsset, amount *big.Int) (*big.Int, error) {
	price, err := e.observePrice(asset)
	if err != nil {
		return nil, err
	}
	return usdFromAmount(price, amount, asset.config.Decimals), nil
}

func (e *Engine) tokenAmountFromUsd(asset *collateralAsset, usd *big.Int) (*big.Int, error) {
	price, err := e.observePrice(asset)
	if err != nil {
		return nil, err
	}
	return amountFromUsd(price, usd, asset.config.Decimals), nil
}

// HealthFactor reports the current solvency ratio for a user.
func (e *Engine) HealthFactor(user crypto.Address) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	return e.healthFactor(user)
}

// CollateralValueUsd reports the 18-decimal USD value of all collateral a
// user has deposited.
func (e *Engine) CollateralValueUsd(user crypto.Address) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	return e.collateralValueUsd(user)
}

// CollateralBalance reports the user's deposited amount for one asset in its
// native units.
func (e *Engine) CollateralBalance(user crypto.Address, symbol string) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	asset, ok := e.asset(symbol)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAsset, normalizeSymbol(symbol))
	}
	return e.state.VaultCollateral(user, asset.config.Symbol)
}

// DebtOf reports the user's outstanding synthetic debt.
func (e *Engine) DebtOf(user crypto.Address) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	return e.state.VaultDebt(user)
}

// UsdValue converts an asset amount into its 18-decimal USD value using one
// feed observation.
func (e *Engine) UsdValue(symbol string, amount *big.Int) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if amount == nil || amount.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	asset, ok := e.asset(symbol)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAsset, normalizeSymbol(symbol))
	}
	return e.usdValue(asset, amount)
}

// TokenAmountFromUsd converts an 18-decimal USD value into the equivalent
// asset amount using one feed observation. Division truncates toward zero.
func (e *Engine) TokenAmountFromUsd(symbol string, usd *big.Int) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if usd == nil || usd.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	asset, ok := e.asset(symbol)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAsset, normalizeSymbol(symbol))
	}
	return e.tokenAmountFromUsd(asset, usd)
}

// AccountInfo assembles the full position snapshot for a user: debt, total
// collateral value, health factor and the per-asset breakdown.
func (e *Engine) AccountInfo(user crypto.Address) (*AccountSnapshot, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	debt, err := e.state.VaultDebt(user)
	if err != nil {
		return nil, err
	}
	snapshot := &AccountSnapshot{
		Address:       user,
		Debt:          debt,
		CollateralUsd: big.NewInt(0),
	}
	for _, symbol := range e.order {
		asset := e.assets[symbol]
		balance, err := e.state.VaultCollateral(user, symbol)
		if err != nil {
			return nil, err
		}
		entry := CollateralBalance{Symbol: symbol, Amount: balance, UsdValue: big.NewInt(0)}
		if balance.Sign() > 0 {
			value, err := e.usdValue(asset, balance)
			if err != nil {
				return nil, err
			}
			entry.UsdValue = value
			snapshot.CollateralUsd.Add(snapshot.CollateralUsd, value)
		}
		snapshot.Collateral = append(snapshot.Collateral, entry)
	}
	snapshot.HealthFactor = healthFactorFrom(snapshot.CollateralUsd, debt)
	return snapshot, nil
}
