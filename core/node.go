package core

import (
	"fmt"
	"math/big"
	"strings"
	"sync"

	"nusd/core/events"
	"nusd/core/state"
	"nusd/crypto"
	nativecommon "nusd/native/common"
	"nusd/native/vault"
	"nusd/observability"
	"nusd/storage"
)

// debtDecimals is fixed so ledger debt amounts line up with 18-decimal USD
// values without per-token scaling.
const debtDecimals = 18

// DebtConfig describes the synthetic dollar the node issues against
// collateral. A nil or zero SupplyCap leaves the supply unbounded.
type DebtConfig struct {
	Symbol    string
	Name      string
	SupplyCap *big.Int
}

// Allocation credits an account with tokens when its token is first
// registered. Allocations run exactly once, so restarting a node over an
// existing database never re-mints them.
type Allocation struct {
	Account crypto.Address
	Amount  *big.Int
}

// CollateralConfig describes one collateral asset accepted by the vault and
// the price feed used to value it.
type CollateralConfig struct {
	Symbol      string
	Name        string
	Decimals    uint8
	FeedID      string
	Feed        vault.PriceFeed
	Allocations []Allocation
}

// Config assembles everything a node needs on top of an open database.
type Config struct {
	Debt       DebtConfig
	Collateral []CollateralConfig
	Pauses     map[string]bool
}

// Node hosts the vault engine over persistent state and serialises access to
// it. All exported methods are safe for concurrent use. Mutations commit the
// state journal before their events reach stream subscribers, so a consumer
// of the event stream never observes a change that was not persisted.
type Node struct {
	db         storage.Database
	manager    *state.Manager
	engine     *vault.Engine
	broker     *events.Broker
	debtSymbol string

	mu      sync.Mutex
	pending []events.Event
}

// nodeEmitter buffers engine events until the surrounding commit succeeds.
// The engine only flushes its recorder on success, so anything buffered here
// belongs to an operation that passed the solvency checks; the node still
// withholds it from the broker until the journal reaches disk.
type nodeEmitter struct {
	node *Node
}

func (e nodeEmitter) Emit(evt events.Event) {
	if e.node == nil || evt == nil {
		return
	}
	e.node.pending = append(e.node.pending, evt)
}

// NewNode opens the vault over db. The debt token and every configured
// collateral asset are registered on first use; reopening an existing
// database skips registration and genesis allocations.
func NewNode(db storage.Database, cfg Config) (*Node, error) {
	if db == nil {
		return nil, fmt.Errorf("node: database required")
	}
	if err := state.EnsureStateVersion(db, false); err != nil {
		return nil, err
	}
	debtSymbol := strings.ToUpper(strings.TrimSpace(cfg.Debt.Symbol))
	if debtSymbol == "" {
		return nil, fmt.Errorf("node: debt token symbol required")
	}

	manager := state.NewManager(db)
	node := &Node{
		db:         db,
		manager:    manager,
		engine:     vault.NewEngine(),
		broker:     events.NewBroker(),
		debtSymbol: debtSymbol,
	}
	node.engine.SetState(manager)
	node.engine.SetEmitter(nodeEmitter{node: node})
	if len(cfg.Pauses) > 0 {
		node.engine.SetPauses(nativecommon.PauseSet(cfg.Pauses))
	}
	module := node.engine.ModuleAccount()

	if !manager.TokenExists(debtSymbol) {
		meta := state.TokenMetadata{
			Symbol:    debtSymbol,
			Name:      cfg.Debt.Name,
			Decimals:  debtDecimals,
			SupplyCap: cfg.Debt.SupplyCap,
		}
		if err := manager.RegisterToken(meta); err != nil {
			return nil, err
		}
	}
	debtLedger, err := manager.NewTokenLedger(debtSymbol, module)
	if err != nil {
		return nil, err
	}
	node.engine.SetDebtToken(debtLedger)

	assets := make([]vault.AssetConfig, 0, len(cfg.Collateral))
	tokens := make([]vault.Token, 0, len(cfg.Collateral))
	feeds := make([]vault.PriceFeed, 0, len(cfg.Collateral))
	for _, col := range cfg.Collateral {
		symbol := strings.ToUpper(strings.TrimSpace(col.Symbol))
		if symbol == "" {
			return nil, fmt.Errorf("node: collateral symbol required")
		}
		if symbol == debtSymbol {
			return nil, fmt.Errorf("node: collateral %s collides with the debt token", symbol)
		}
		if !manager.TokenExists(symbol) {
			meta := state.TokenMetadata{Symbol: symbol, Name: col.Name, Decimals: col.Decimals}
			if err := manager.RegisterToken(meta); err != nil {
				return nil, err
			}
			for _, alloc := range col.Allocations {
				if alloc.Amount == nil || alloc.Amount.Sign() <= 0 {
					continue
				}
				if err := manager.TokenMint(symbol, alloc.Account, alloc.Amount); err != nil {
					return nil, fmt.Errorf("node: allocate %s: %w", symbol, err)
				}
			}
		}
		ledger, err := manager.NewTokenLedger(symbol, module)
		if err != nil {
			return nil, err
		}
		feedID := strings.TrimSpace(col.FeedID)
		if feedID == "" {
			feedID = strings.ToLower(symbol) + "-usd"
		}
		assets = append(assets, vault.AssetConfig{Symbol: symbol, FeedID: feedID, Decimals: col.Decimals})
		tokens = append(tokens, ledger)
		feeds = append(feeds, col.Feed)
	}
	if err := node.engine.RegisterCollateral(assets, tokens, feeds); err != nil {
		return nil, err
	}
	if err := manager.Commit(); err != nil {
		return nil, err
	}
	node.refreshDebtSupply()
	return node, nil
}

// run executes one mutating vault operation under the writer lock. On success
// the journal is committed and buffered events are published; on failure the
// engine has already reverted its journal writes and buffered events are
// dropped.
func (n *Node) run(op string, fn func() error) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	err := fn()
	if err == nil {
		if err = n.manager.Commit(); err != nil {
			// The operation already reported success at the engine level;
			// discard its buffered writes so a later commit cannot leak them.
			n.manager.Discard()
		}
	}
	observability.Vault().ObserveOperation(op, err)
	if err != nil {
		n.pending = n.pending[:0]
		return err
	}
	n.flushEvents()
	n.refreshDebtSupply()
	return nil
}

func (n *Node) flushEvents() {
	for _, evt := range n.pending {
		n.broker.Emit(evt)
	}
	n.pending = n.pending[:0]
}

// refreshDebtSupply mirrors the on-ledger debt supply into the exported
// gauge. Callers hold n.mu, or are the constructor.
func (n *Node) refreshDebtSupply() {
	supply, err := n.manager.TokenSupply(n.debtSymbol)
	if err != nil {
		return
	}
	observability.Vault().SetDebtSupply(supply)
}

// VaultDeposit moves caller collateral into module custody and credits the
// caller's vault balance.
func (n *Node) VaultDeposit(caller crypto.Address, asset string, amount *big.Int) error {
	return n.run("deposit", func() error {
		return n.engine.Deposit(caller, asset, amount)
	})
}

// VaultMint issues new debt tokens to the caller, provided the position stays
// above the minimum health factor.
func (n *Node) VaultMint(caller crypto.Address, amount *big.Int) error {
	return n.run("mint", func() error {
		return n.engine.Mint(caller, amount)
	})
}

// VaultDepositAndMint performs a deposit followed by a mint as one atomic
// operation: if the mint fails the deposit is rolled back as well.
func (n *Node) VaultDepositAndMint(caller crypto.Address, asset string, collateralAmount, debtAmount *big.Int) error {
	return n.run("depositAndMint", func() error {
		return n.engine.DepositAndMint(caller, asset, collateralAmount, debtAmount)
	})
}

// VaultRedeem returns collateral from module custody to the caller, provided
// the remaining position stays above the minimum health factor.
func (n *Node) VaultRedeem(caller crypto.Address, asset string, amount *big.Int) error {
	return n.run("redeem", func() error {
		return n.engine.Redeem(caller, asset, amount)
	})
}

// VaultBurn repays caller debt by pulling debt tokens from the caller and
// burning them.
func (n *Node) VaultBurn(caller crypto.Address, amount *big.Int) error {
	return n.run("burn", func() error {
		return n.engine.Burn(caller, amount)
	})
}

// VaultRedeemForBurn burns debt and redeems collateral as one atomic
// operation, letting the burn unlock collateral the debt was pinning.
func (n *Node) VaultRedeemForBurn(caller crypto.Address, asset string, collateralAmount, debtAmount *big.Int) error {
	return n.run("redeemForBurn", func() error {
		return n.engine.RedeemForBurn(caller, asset, collateralAmount, debtAmount)
	})
}

// VaultLiquidate repays part of an unhealthy user's debt from the liquidator
// and pays out seized collateral plus the liquidation bonus. It returns the
// debt repaid and the collateral seized. The target's pre-liquidation health
// factor is sampled under the same lock for metrics.
func (n *Node) VaultLiquidate(liquidator, user crypto.Address, asset string, debtToCover *big.Int) (*big.Int, *big.Int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	healthBefore, healthErr := n.engine.HealthFactor(user)
	repaid, seized, err := n.engine.Liquidate(liquidator, user, asset, debtToCover)
	if err == nil {
		if err = n.manager.Commit(); err != nil {
			n.manager.Discard()
		}
	}
	observability.Vault().ObserveOperation("liquidate", err)
	if err != nil {
		n.pending = n.pending[:0]
		return nil, nil, err
	}
	if healthErr == nil {
		observability.Vault().RecordLiquidation(asset, seized, healthBefore)
	}
	n.flushEvents()
	n.refreshDebtSupply()
	return repaid, seized, nil
}

// VaultAccount returns the aggregated view of a user's position.
func (n *Node) VaultAccount(user crypto.Address) (*vault.AccountSnapshot, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.AccountInfo(user)
}

// VaultHealthFactor returns the user's current health factor.
func (n *Node) VaultHealthFactor(user crypto.Address) (*big.Int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.HealthFactor(user)
}

// VaultCollateralValue returns the USD value of all collateral a user has
// deposited.
func (n *Node) VaultCollateralValue(user crypto.Address) (*big.Int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.CollateralValueUsd(user)
}

// VaultDebt returns the user's outstanding debt.
func (n *Node) VaultDebt(user crypto.Address) (*big.Int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.DebtOf(user)
}

// VaultCollateralBalance returns the user's deposited balance of one asset.
func (n *Node) VaultCollateralBalance(user crypto.Address, asset string) (*big.Int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.CollateralBalance(user, asset)
}

// VaultUsdValue converts a token amount of the given asset into USD at the
// current feed price.
func (n *Node) VaultUsdValue(asset string, amount *big.Int) (*big.Int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.UsdValue(asset, amount)
}

// VaultTokenAmountFromUsd converts a USD value into a token amount of the
// given asset at the current feed price.
func (n *Node) VaultTokenAmountFromUsd(asset string, usd *big.Int) (*big.Int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.TokenAmountFromUsd(asset, usd)
}

// VaultAssets lists the registered collateral assets. The registry is fixed
// at construction, so no lock is needed.
func (n *Node) VaultAssets() []vault.AssetConfig {
	return n.engine.Assets()
}

// DebtSupply returns the total outstanding debt token supply.
func (n *Node) DebtSupply() (*big.Int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.manager.TokenSupply(n.debtSymbol)
}

// TokenBalance returns an account's free balance of any registered token,
// debt token included.
func (n *Node) TokenBalance(symbol string, addr crypto.Address) (*big.Int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.manager.TokenBalance(symbol, addr)
}

// DebtSymbol returns the symbol of the synthetic dollar token.
func (n *Node) DebtSymbol() string {
	return n.debtSymbol
}

// ModuleAccount returns the address holding vault custody balances.
func (n *Node) ModuleAccount() crypto.Address {
	return n.engine.ModuleAccount()
}

// Broker exposes the event stream for RPC and websocket subscribers.
func (n *Node) Broker() *events.Broker {
	return n.broker
}
