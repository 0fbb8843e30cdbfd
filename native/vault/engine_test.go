package vault

import (
	"errors"
	"math/big"
	"testing"

	"nusd/core/events"
	"nusd/crypto"
)

type mockSnapshot struct {
	collateral map[string]*big.Int
	debt       map[string]*big.Int
}

type mockState struct {
	collateral map[string]*big.Int
	debt       map[string]*big.Int
	snapshots  []mockSnapshot
}

func newMockState() *mockState {
	return &mockState{
		collateral: make(map[string]*big.Int),
		debt:       make(map[string]*big.Int),
	}
}

func cloneAmounts(src map[string]*big.Int) map[string]*big.Int {
	out := make(map[string]*big.Int, len(src))
	for k, v := range src {
		out[k] = new(big.Int).Set(v)
	}
	return out
}

func (m *mockState) key(symbol string, addr crypto.Address) string {
	return symbol + "/" + string(addr.Bytes())
}

func (m *mockState) VaultCollateral(addr crypto.Address, symbol string) (*big.Int, error) {
	if v, ok := m.collateral[m.key(symbol, addr)]; ok {
		return new(big.Int).Set(v), nil
	}
	return big.NewInt(0), nil
}

func (m *mockState) VaultSetCollateral(addr crypto.Address, symbol string, amount *big.Int) error {
	m.collateral[m.key(symbol, addr)] = new(big.Int).Set(amount)
	return nil
}

func (m *mockState) VaultDebt(addr crypto.Address) (*big.Int, error) {
	if v, ok := m.debt[string(addr.Bytes())]; ok {
		return new(big.Int).Set(v), nil
	}
	return big.NewInt(0), nil
}

func (m *mockState) VaultSetDebt(addr crypto.Address, amount *big.Int) error {
	m.debt[string(addr.Bytes())] = new(big.Int).Set(amount)
	return nil
}

func (m *mockState) Snapshot() int {
	m.snapshots = append(m.snapshots, mockSnapshot{
		collateral: cloneAmounts(m.collateral),
		debt:       cloneAmounts(m.debt),
	})
	return len(m.snapshots) - 1
}

func (m *mockState) RevertToSnapshot(snap int) {
	restored := m.snapshots[snap]
	m.collateral = restored.collateral
	m.debt = restored.debt
	m.snapshots = m.snapshots[:snap]
}

type tokenMove struct {
	from   crypto.Address
	to     crypto.Address
	amount *big.Int
}

type capToken struct {
	transferFromErr error
	transferErr     error
	pulls           []tokenMove
	pushes          []tokenMove
}

func (t *capToken) TransferFrom(from, to crypto.Address, amount *big.Int) error {
	if t.transferFromErr != nil {
		return t.transferFromErr
	}
	t.pulls = append(t.pulls, tokenMove{from: from, to: to, amount: new(big.Int).Set(amount)})
	return nil
}

func (t *capToken) Transfer(to crypto.Address, amount *big.Int) error {
	if t.transferErr != nil {
		return t.transferErr
	}
	t.pushes = append(t.pushes, tokenMove{to: to, amount: new(big.Int).Set(amount)})
	return nil
}

type capDebtToken struct {
	mintErr         error
	transferFromErr error
	minted          []tokenMove
	pulls           []tokenMove
	burned          []*big.Int
}

func (t *capDebtToken) Mint(to crypto.Address, amount *big.Int) error {
	if t.mintErr != nil {
		return t.mintErr
	}
	t.minted = append(t.minted, tokenMove{to: to, amount: new(big.Int).Set(amount)})
	return nil
}

func (t *capDebtToken) Burn(amount *big.Int) error {
	t.burned = append(t.burned, new(big.Int).Set(amount))
	return nil
}

func (t *capDebtToken) TransferFrom(from, to crypto.Address, amount *big.Int) error {
	if t.transferFromErr != nil {
		return t.transferFromErr
	}
	t.pulls = append(t.pulls, tokenMove{from: from, to: to, amount: new(big.Int).Set(amount)})
	return nil
}

type staticFeed struct {
	answer *big.Int
	scale  uint8
	err    error
}

func (f *staticFeed) LatestPrice() (*big.Int, uint8, error) {
	return f.answer, f.scale, f.err
}

type captureEmitter struct {
	events []events.Event
}

func (c *captureEmitter) Emit(evt events.Event) {
	c.events = append(c.events, evt)
}

func makeAddress(suffix byte) crypto.Address {
	raw := make([]byte, 20)
	raw[len(raw)-1] = suffix
	return crypto.NewAddress(crypto.AccountPrefix, raw)
}

func ether(units int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(units), precision)
}

type testFixture struct {
	engine  *Engine
	state   *mockState
	token   *capToken
	debt    *capDebtToken
	feed    *staticFeed
	emitter *captureEmitter
}

// newTestFixture wires one engine with WETH collateral at $2000 quoted by an
// 8-decimal feed.
func newTestFixture(t *testing.T) *testFixture {
	t.Helper()
	f := &testFixture{
		state:   newMockState(),
		token:   &capToken{},
		debt:    &capDebtToken{},
		feed:    &staticFeed{answer: big.NewInt(200_000_000_000), scale: 8},
		emitter: &captureEmitter{},
	}
	f.engine = NewEngine()
	f.engine.SetState(f.state)
	f.engine.SetDebtToken(f.debt)
	f.engine.SetEmitter(f.emitter)
	if err := f.engine.RegisterCollateral(
		[]AssetConfig{{Symbol: "WETH", FeedID: "weth-usd", Decimals: 18}},
		[]Token{f.token},
		[]PriceFeed{f.feed},
	); err != nil {
		t.Fatalf("register collateral: %v", err)
	}
	return f
}

func TestRegisterCollateralValidation(t *testing.T) {
	engine := NewEngine()
	token := &capToken{}
	feed := &staticFeed{answer: big.NewInt(1), scale: 0}

	err := engine.RegisterCollateral(
		[]AssetConfig{{Symbol: "WETH", Decimals: 18}},
		[]Token{token, token},
		[]PriceFeed{feed},
	)
	if !errors.Is(err, ErrLengthMismatch) {
		t.Fatalf("expected ErrLengthMismatch, got %v", err)
	}

	if err := engine.RegisterCollateral(
		[]AssetConfig{{Symbol: "weth", Decimals: 18}},
		[]Token{token},
		[]PriceFeed{feed},
	); err != nil {
		t.Fatalf("register: %v", err)
	}
	err = engine.RegisterCollateral(
		[]AssetConfig{{Symbol: "WETH", Decimals: 18}},
		[]Token{token},
		[]PriceFeed{feed},
	)
	if err == nil {
		t.Fatalf("expected duplicate registration to fail")
	}

	assets := engine.Assets()
	if len(assets) != 1 || assets[0].Symbol != "WETH" {
		t.Fatalf("unexpected registry: %+v", assets)
	}
}

func TestDepositCreditsLedgerAndPullsTokens(t *testing.T) {
	f := newTestFixture(t)
	alice := makeAddress(0x01)

	if err := f.engine.Deposit(alice, "weth", ether(10)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	balance, err := f.engine.CollateralBalance(alice, "WETH")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Cmp(ether(10)) != 0 {
		t.Fatalf("unexpected collateral: %s", balance)
	}
	if len(f.token.pulls) != 1 {
		t.Fatalf("expected one token pull, got %d", len(f.token.pulls))
	}
	pull := f.token.pulls[0]
	if pull.from != alice || pull.to != f.engine.ModuleAccount() || pull.amount.Cmp(ether(10)) != 0 {
		t.Fatalf("unexpected pull: %+v", pull)
	}
	if len(f.emitter.events) != 1 {
		t.Fatalf("expected one event, got %d", len(f.emitter.events))
	}
	deposited, ok := f.emitter.events[0].(events.CollateralDeposited)
	if !ok {
		t.Fatalf("unexpected event type %T", f.emitter.events[0])
	}
	if deposited.Asset != "WETH" || deposited.Amount.Cmp(ether(10)) != 0 {
		t.Fatalf("unexpected event payload: %+v", deposited)
	}
}

func TestDepositValidation(t *testing.T) {
	f := newTestFixture(t)
	alice := makeAddress(0x01)

	if err := f.engine.Deposit(alice, "WETH", big.NewInt(0)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("zero amount: expected ErrInvalidAmount, got %v", err)
	}
	if err := f.engine.Deposit(alice, "WETH", nil); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("nil amount: expected ErrInvalidAmount, got %v", err)
	}
	if err := f.engine.Deposit(alice, "DOGE", ether(1)); !errors.Is(err, ErrUnsupportedAsset) {
		t.Fatalf("unregistered asset: expected ErrUnsupportedAsset, got %v", err)
	}
	if len(f.emitter.events) != 0 {
		t.Fatalf("rejected deposits must not emit events")
	}
}

func TestDepositRollsBackWhenTransferRefused(t *testing.T) {
	f := newTestFixture(t)
	alice := makeAddress(0x01)
	f.token.transferFromErr = errors.New("allowance exhausted")

	err := f.engine.Deposit(alice, "WETH", ether(10))
	if !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}

	balance, err := f.engine.CollateralBalance(alice, "WETH")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Sign() != 0 {
		t.Fatalf("ledger credit must roll back, got %s", balance)
	}
	if len(f.emitter.events) != 0 {
		t.Fatalf("aborted deposit must not emit events")
	}
}

func TestMintEnforcesSolvency(t *testing.T) {
	f := newTestFixture(t)
	alice := makeAddress(0x01)

	// 10 WETH at $2000 = $20,000 collateral; threshold-adjusted $10,000.
	if err := f.engine.Deposit(alice, "WETH", ether(10)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := f.engine.Mint(alice, ether(8000)); err != nil {
		t.Fatalf("mint: %v", err)
	}

	health, err := f.engine.HealthFactor(alice)
	if err != nil {
		t.Fatalf("health factor: %v", err)
	}
	want := new(big.Int).Mul(big.NewInt(125), new(big.Int).Quo(precision, big.NewInt(100)))
	if health.Cmp(want) != 0 {
		t.Fatalf("unexpected health factor: got %s want %s", health, want)
	}

	// Up to the threshold-adjusted value exactly: ratio 1.0, still accepted.
	if err := f.engine.Mint(alice, ether(2000)); err != nil {
		t.Fatalf("boundary mint: %v", err)
	}
	health, err = f.engine.HealthFactor(alice)
	if err != nil {
		t.Fatalf("health factor: %v", err)
	}
	if health.Cmp(minHealthFactor) != 0 {
		t.Fatalf("expected boundary health factor 1.0, got %s", health)
	}

	// One more unit pushes the ratio below 1 and must revert the increment.
	err = f.engine.Mint(alice, ether(1))
	if !errors.Is(err, ErrHealthFactorBroken) {
		t.Fatalf("expected ErrHealthFactorBroken, got %v", err)
	}
	debt, err := f.engine.DebtOf(alice)
	if err != nil {
		t.Fatalf("debt: %v", err)
	}
	if debt.Cmp(ether(10000)) != 0 {
		t.Fatalf("failed mint must leave debt unchanged, got %s", debt)
	}
	if len(f.debt.minted) != 2 {
		t.Fatalf("debt token must not mint on failure, got %d mints", len(f.debt.minted))
	}
}

func TestMintRollsBackWhenCapabilityRefuses(t *testing.T) {
	f := newTestFixture(t)
	alice := makeAddress(0x01)

	if err := f.engine.Deposit(alice, "WETH", ether(10)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	f.debt.mintErr = errors.New("supply cap")

	err := f.engine.Mint(alice, ether(100))
	if !errors.Is(err, ErrMintFailed) {
		t.Fatalf("expected ErrMintFailed, got %v", err)
	}
	debt, err := f.engine.DebtOf(alice)
	if err != nil {
		t.Fatalf("debt: %v", err)
	}
	if debt.Sign() != 0 {
		t.Fatalf("debt increment must roll back, got %s", debt)
	}
}

func TestMintWithoutCollateralFails(t *testing.T) {
	f := newTestFixture(t)
	alice := makeAddress(0x01)

	err := f.engine.Mint(alice, ether(1))
	if !errors.Is(err, ErrHealthFactorBroken) {
		t.Fatalf("expected ErrHealthFactorBroken, got %v", err)
	}
}

func TestRedeemKeepsPositionSolvent(t *testing.T) {
	f := newTestFixture(t)
	alice := makeAddress(0x01)

	if err := f.engine.Deposit(alice, "WETH", ether(10)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := f.engine.Mint(alice, ether(8000)); err != nil {
		t.Fatalf("mint: %v", err)
	}

	// Down to 9 WETH: adjusted $9,000 against $8,000 debt, still solvent.
	if err := f.engine.Redeem(alice, "WETH", ether(1)); err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if len(f.token.pushes) != 1 || f.token.pushes[0].to != alice || f.token.pushes[0].amount.Cmp(ether(1)) != 0 {
		t.Fatalf("unexpected token release: %+v", f.token.pushes)
	}

	// Down to 6 WETH: adjusted $6,000 < $8,000 debt, must roll back.
	err := f.engine.Redeem(alice, "WETH", ether(3))
	if !errors.Is(err, ErrHealthFactorBroken) {
		t.Fatalf("expected ErrHealthFactorBroken, got %v", err)
	}
	balance, err := f.engine.CollateralBalance(alice, "WETH")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Cmp(ether(9)) != 0 {
		t.Fatalf("failed redeem must leave collateral unchanged, got %s", balance)
	}
}

func TestRedeemRejectsOverdraw(t *testing.T) {
	f := newTestFixture(t)
	alice := makeAddress(0x01)

	if err := f.engine.Deposit(alice, "WETH", ether(2)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	err := f.engine.Redeem(alice, "WETH", ether(3))
	if !errors.Is(err, ErrInsufficientCollateral) {
		t.Fatalf("expected ErrInsufficientCollateral, got %v", err)
	}
}

func TestDepositRedeemRoundTrip(t *testing.T) {
	f := newTestFixture(t)
	alice := makeAddress(0x01)

	if err := f.engine.Deposit(alice, "WETH", ether(5)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := f.engine.Redeem(alice, "WETH", ether(5)); err != nil {
		t.Fatalf("redeem: %v", err)
	}
	balance, err := f.engine.CollateralBalance(alice, "WETH")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Sign() != 0 {
		t.Fatalf("round trip must restore the ledger, got %s", balance)
	}
}

func TestBurnReducesDebt(t *testing.T) {
	f := newTestFixture(t)
	alice := makeAddress(0x01)

	if err := f.engine.Deposit(alice, "WETH", ether(10)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := f.engine.Mint(alice, ether(4000)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := f.engine.Burn(alice, ether(1500)); err != nil {
		t.Fatalf("burn: %v", err)
	}

	debt, err := f.engine.DebtOf(alice)
	if err != nil {
		t.Fatalf("debt: %v", err)
	}
	if debt.Cmp(ether(2500)) != 0 {
		t.Fatalf("unexpected debt: %s", debt)
	}
	if len(f.debt.pulls) != 1 || f.debt.pulls[0].from != alice {
		t.Fatalf("burn must pull repayment from the payer: %+v", f.debt.pulls)
	}
	if len(f.debt.burned) != 1 || f.debt.burned[0].Cmp(ether(1500)) != 0 {
		t.Fatalf("unexpected burn amounts: %v", f.debt.burned)
	}
}

func TestBurnRejectsOverpay(t *testing.T) {
	f := newTestFixture(t)
	alice := makeAddress(0x01)

	if err := f.engine.Deposit(alice, "WETH", ether(10)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := f.engine.Mint(alice, ether(100)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	err := f.engine.Burn(alice, ether(101))
	if !errors.Is(err, ErrInsufficientDebt) {
		t.Fatalf("expected ErrInsufficientDebt, got %v", err)
	}
}

func TestDepositAndMintIsAtomic(t *testing.T) {
	f := newTestFixture(t)
	alice := makeAddress(0x01)

	// 1 WETH backs at most $1,000 of debt; asking for $1,001 must undo the
	// deposit as well.
	err := f.engine.DepositAndMint(alice, "WETH", ether(1), ether(1001))
	if !errors.Is(err, ErrHealthFactorBroken) {
		t.Fatalf("expected ErrHealthFactorBroken, got %v", err)
	}
	balance, err := f.engine.CollateralBalance(alice, "WETH")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Sign() != 0 {
		t.Fatalf("failed composite must roll back the deposit, got %s", balance)
	}
	if len(f.emitter.events) != 0 {
		t.Fatalf("failed composite must not emit events")
	}

	if err := f.engine.DepositAndMint(alice, "WETH", ether(1), ether(1000)); err != nil {
		t.Fatalf("composite: %v", err)
	}
	if len(f.emitter.events) != 2 {
		t.Fatalf("expected deposit+mint events, got %d", len(f.emitter.events))
	}
}

func TestRedeemForBurnReleasesAgainstReducedDebt(t *testing.T) {
	f := newTestFixture(t)
	alice := makeAddress(0x01)

	if err := f.engine.DepositAndMint(alice, "WETH", ether(10), ether(8000)); err != nil {
		t.Fatalf("seed position: %v", err)
	}

	// A plain redeem of 6 WETH would leave adjusted $4,000 against $8,000.
	if err := f.engine.Redeem(alice, "WETH", ether(6)); !errors.Is(err, ErrHealthFactorBroken) {
		t.Fatalf("expected plain redeem to fail, got %v", err)
	}

	// Burning 6,000 first leaves $2,000 debt against adjusted $4,000.
	if err := f.engine.RedeemForBurn(alice, "WETH", ether(6), ether(6000)); err != nil {
		t.Fatalf("redeem for burn: %v", err)
	}
	debt, err := f.engine.DebtOf(alice)
	if err != nil {
		t.Fatalf("debt: %v", err)
	}
	if debt.Cmp(ether(2000)) != 0 {
		t.Fatalf("unexpected debt: %s", debt)
	}
	balance, err := f.engine.CollateralBalance(alice, "WETH")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Cmp(ether(4)) != 0 {
		t.Fatalf("unexpected collateral: %s", balance)
	}
}

func TestViewsRejectUnknownAsset(t *testing.T) {
	f := newTestFixture(t)
	alice := makeAddress(0x01)

	if _, err := f.engine.CollateralBalance(alice, "DOGE"); !errors.Is(err, ErrUnknownAsset) {
		t.Fatalf("balance: expected ErrUnknownAsset, got %v", err)
	}
	if _, err := f.engine.UsdValue("DOGE", ether(1)); !errors.Is(err, ErrUnknownAsset) {
		t.Fatalf("usd value: expected ErrUnknownAsset, got %v", err)
	}
	if _, err := f.engine.TokenAmountFromUsd("DOGE", ether(1)); !errors.Is(err, ErrUnknownAsset) {
		t.Fatalf("token amount: expected ErrUnknownAsset, got %v", err)
	}
}

func TestOracleFailureSurfaces(t *testing.T) {
	f := newTestFixture(t)
	alice := makeAddress(0x01)

	if err := f.engine.Deposit(alice, "WETH", ether(1)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	f.feed.err = errors.New("upstream timeout")

	if _, err := f.engine.UsdValue("WETH", ether(1)); !errors.Is(err, ErrOracleUnavailable) {
		t.Fatalf("expected ErrOracleUnavailable, got %v", err)
	}
	if err := f.engine.Mint(alice, ether(1)); !errors.Is(err, ErrOracleUnavailable) {
		t.Fatalf("mint under oracle outage: expected ErrOracleUnavailable, got %v", err)
	}

	f.feed.err = nil
	f.feed.answer = big.NewInt(0)
	if _, err := f.engine.UsdValue("WETH", ether(1)); !errors.Is(err, ErrOracleUnavailable) {
		t.Fatalf("zero answer: expected ErrOracleUnavailable, got %v", err)
	}
}

func TestAccountInfoAggregates(t *testing.T) {
	f := newTestFixture(t)
	alice := makeAddress(0x01)

	if err := f.engine.DepositAndMint(alice, "WETH", ether(10), ether(8000)); err != nil {
		t.Fatalf("seed position: %v", err)
	}
	info, err := f.engine.AccountInfo(alice)
	if err != nil {
		t.Fatalf("account info: %v", err)
	}
	if info.Debt.Cmp(ether(8000)) != 0 {
		t.Fatalf("unexpected debt: %s", info.Debt)
	}
	if info.CollateralUsd.Cmp(ether(20000)) != 0 {
		t.Fatalf("unexpected collateral value: %s", info.CollateralUsd)
	}
	if len(info.Collateral) != 1 || info.Collateral[0].Symbol != "WETH" {
		t.Fatalf("unexpected breakdown: %+v", info.Collateral)
	}
	if info.Collateral[0].Amount.Cmp(ether(10)) != 0 {
		t.Fatalf("unexpected breakdown amount: %s", info.Collateral[0].Amount)
	}

	// Debt-free accounts report the sentinel instead of dividing.
	bob := makeAddress(0x02)
	info, err = f.engine.AccountInfo(bob)
	if err != nil {
		t.Fatalf("account info: %v", err)
	}
	if info.HealthFactor.Cmp(maxHealthFactor) != 0 {
		t.Fatalf("expected sentinel health factor, got %s", info.HealthFactor)
	}
}

func TestZeroDebtHealthFactorSkipsOracle(t *testing.T) {
	f := newTestFixture(t)
	alice := makeAddress(0x01)

	if err := f.engine.Deposit(alice, "WETH", ether(3)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	f.feed.err = errors.New("down")

	health, err := f.engine.HealthFactor(alice)
	if err != nil {
		t.Fatalf("health factor with zero debt must not consult the feed: %v", err)
	}
	if health.Cmp(maxHealthFactor) != 0 {
		t.Fatalf("expected sentinel, got %s", health)
	}
}
