package state

import (
	"errors"
	"math/big"
	"testing"

	"nusd/storage"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	db := storage.NewMemDB()
	t.Cleanup(func() { db.Close() })
	return NewManager(db)
}

func TestRegisterTokenRejectsDuplicate(t *testing.T) {
	mgr := newTestManager(t)

	meta := TokenMetadata{Symbol: "wbtc", Name: "Wrapped Bitcoin", Decimals: 8}
	if err := mgr.RegisterToken(meta); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := mgr.RegisterToken(meta); err == nil {
		t.Fatalf("expected duplicate registration to fail")
	}

	loaded, err := mgr.Token("WBTC")
	if err != nil {
		t.Fatalf("load metadata: %v", err)
	}
	if loaded.Symbol != "WBTC" || loaded.Decimals != 8 {
		t.Fatalf("unexpected metadata: %+v", loaded)
	}
	if loaded.SupplyCap != nil {
		t.Fatalf("expected unlimited supply cap, got %s", loaded.SupplyCap)
	}

	list, err := mgr.TokenList()
	if err != nil {
		t.Fatalf("token list: %v", err)
	}
	if len(list) != 1 || list[0] != "WBTC" {
		t.Fatalf("unexpected token list: %v", list)
	}
}

func TestTokenMintTransferBurn(t *testing.T) {
	mgr := newTestManager(t)
	alice := testAddr(0x01)
	bob := testAddr(0x02)

	if err := mgr.RegisterToken(TokenMetadata{Symbol: "NUSD", Name: "Synthetic Dollar", Decimals: 18}); err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := mgr.TokenMint("NUSD", alice, big.NewInt(1000)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := mgr.TokenTransfer("NUSD", alice, bob, big.NewInt(400)); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if err := mgr.TokenBurn("NUSD", bob, big.NewInt(100)); err != nil {
		t.Fatalf("burn: %v", err)
	}

	aliceBal, err := mgr.TokenBalance("NUSD", alice)
	if err != nil {
		t.Fatalf("alice balance: %v", err)
	}
	if aliceBal.Cmp(big.NewInt(600)) != 0 {
		t.Fatalf("unexpected alice balance: %s", aliceBal)
	}
	bobBal, err := mgr.TokenBalance("NUSD", bob)
	if err != nil {
		t.Fatalf("bob balance: %v", err)
	}
	if bobBal.Cmp(big.NewInt(300)) != 0 {
		t.Fatalf("unexpected bob balance: %s", bobBal)
	}
	supply, err := mgr.TokenSupply("NUSD")
	if err != nil {
		t.Fatalf("supply: %v", err)
	}
	if supply.Cmp(big.NewInt(900)) != 0 {
		t.Fatalf("unexpected supply: %s", supply)
	}
}

func TestTokenTransferInsufficientBalance(t *testing.T) {
	mgr := newTestManager(t)
	alice := testAddr(0x01)
	bob := testAddr(0x02)

	if err := mgr.RegisterToken(TokenMetadata{Symbol: "NUSD", Decimals: 18}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := mgr.TokenMint("NUSD", alice, big.NewInt(10)); err != nil {
		t.Fatalf("mint: %v", err)
	}

	err := mgr.TokenTransfer("NUSD", alice, bob, big.NewInt(11))
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	balance, err := mgr.TokenBalance("NUSD", alice)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("failed transfer mutated balance: %s", balance)
	}
}

func TestTokenMintEnforcesSupplyCap(t *testing.T) {
	mgr := newTestManager(t)
	alice := testAddr(0x01)

	if err := mgr.RegisterToken(TokenMetadata{Symbol: "NUSD", Decimals: 18, SupplyCap: big.NewInt(500)}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := mgr.TokenMint("NUSD", alice, big.NewInt(500)); err != nil {
		t.Fatalf("mint to cap: %v", err)
	}

	err := mgr.TokenMint("NUSD", alice, big.NewInt(1))
	if !errors.Is(err, ErrSupplyCapExceeded) {
		t.Fatalf("expected ErrSupplyCapExceeded, got %v", err)
	}
}

func TestTokenOpsRequireRegistration(t *testing.T) {
	mgr := newTestManager(t)
	alice := testAddr(0x01)

	if err := mgr.TokenMint("GHOST", alice, big.NewInt(1)); !errors.Is(err, ErrTokenUnknown) {
		t.Fatalf("mint: expected ErrTokenUnknown, got %v", err)
	}
	if err := mgr.TokenTransfer("GHOST", alice, alice, big.NewInt(1)); !errors.Is(err, ErrTokenUnknown) {
		t.Fatalf("transfer: expected ErrTokenUnknown, got %v", err)
	}
	if _, err := mgr.NewTokenLedger("GHOST", alice); !errors.Is(err, ErrTokenUnknown) {
		t.Fatalf("ledger: expected ErrTokenUnknown, got %v", err)
	}
}

func TestTokenLedgerModuleCustody(t *testing.T) {
	mgr := newTestManager(t)
	module := testAddr(0xff)
	alice := testAddr(0x01)

	if err := mgr.RegisterToken(TokenMetadata{Symbol: "WETH", Name: "Wrapped Ether", Decimals: 18}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := mgr.TokenMint("WETH", alice, big.NewInt(100)); err != nil {
		t.Fatalf("seed mint: %v", err)
	}

	ledger, err := mgr.NewTokenLedger("weth", module)
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	if ledger.Symbol() != "WETH" {
		t.Fatalf("unexpected ledger symbol: %s", ledger.Symbol())
	}

	if err := ledger.TransferFrom(alice, module, big.NewInt(60)); err != nil {
		t.Fatalf("transfer from: %v", err)
	}
	custody, err := mgr.TokenBalance("WETH", module)
	if err != nil {
		t.Fatalf("custody balance: %v", err)
	}
	if custody.Cmp(big.NewInt(60)) != 0 {
		t.Fatalf("unexpected custody balance: %s", custody)
	}

	if err := ledger.Transfer(alice, big.NewInt(10)); err != nil {
		t.Fatalf("transfer out: %v", err)
	}
	if err := ledger.Burn(big.NewInt(50)); err != nil {
		t.Fatalf("burn custody: %v", err)
	}

	custody, err = mgr.TokenBalance("WETH", module)
	if err != nil {
		t.Fatalf("custody balance after burn: %v", err)
	}
	if custody.Sign() != 0 {
		t.Fatalf("expected empty custody, got %s", custody)
	}
	supply, err := mgr.TokenSupply("WETH")
	if err != nil {
		t.Fatalf("supply: %v", err)
	}
	if supply.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("unexpected supply: %s", supply)
	}
}
