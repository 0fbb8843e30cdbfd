package config

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"nusd/crypto"
)

var testAllocAddress = func() string {
	buf := make([]byte, 20)
	buf[0] = 0x42
	buf[19] = 0x24
	return crypto.NewAddress(crypto.AccountPrefix, buf).String()
}()

func TestLoadParsesFullConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	contents := fmt.Sprintf(`RPCAddress = "0.0.0.0:9000"
DataDir = "./data"
StorageBackend = "bolt"
RPCAuthTokenEnv = "TEST_RPC_TOKEN"
RPCTrustProxyHeaders = true
RPCRequestsPerMinute = 120
RPCBurst = 5
StrayKey = "ignored"

[Log]
Level = "debug"
Format = "text"
File = "./nusd.log"

[Pauses]
Mint = true
Liquidate = true

[Debt]
Symbol = "NUSD"
Name = "Synthetic Dollar"
SupplyCap = "1000000000000000000000000"

[[Collateral]]
Symbol = "WETH"
Name = "Wrapped Ether"
Decimals = 18
FeedID = "weth-usd"

[Collateral.Feed]
Kind = "manual"
Decimals = 8
Price = "200000000000"

[[Collateral.Allocations]]
Account = "%s"
Amount = "100000000000000000000"

[[Collateral]]
Symbol = "WBTC"
Name = "Wrapped Bitcoin"
Decimals = 8

[Collateral.Feed]
Kind = "http"
AssetID = "bitcoin"
PollSeconds = 30
`, testAllocAddress)
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.RPCAddress != "0.0.0.0:9000" || cfg.DataDir != "./data" {
		t.Fatalf("unexpected listen settings: %+v", cfg)
	}
	if cfg.StorageBackend != BackendBolt {
		t.Fatalf("unexpected backend: %s", cfg.StorageBackend)
	}
	if cfg.RPCAuthTokenEnv != "TEST_RPC_TOKEN" {
		t.Fatalf("unexpected token env: %s", cfg.RPCAuthTokenEnv)
	}
	if !cfg.RPCTrustProxyHeaders {
		t.Fatalf("expected proxy header trust enabled")
	}
	if cfg.RPCRequestsPerMinute != 120 || cfg.RPCBurst != 5 {
		t.Fatalf("unexpected rate limits: %f/%d", cfg.RPCRequestsPerMinute, cfg.RPCBurst)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "text" || cfg.Log.File != "./nusd.log" {
		t.Fatalf("unexpected log settings: %+v", cfg.Log)
	}
	pauses := cfg.Pauses.Set()
	if !pauses["mint"] || !pauses["liquidate"] || pauses["deposit"] {
		t.Fatalf("unexpected pauses: %+v", pauses)
	}
	if cfg.Debt.Symbol != "NUSD" {
		t.Fatalf("unexpected debt symbol: %s", cfg.Debt.Symbol)
	}
	supplyCap, err := cfg.Debt.ParsedSupplyCap()
	if err != nil {
		t.Fatalf("parse supply cap: %v", err)
	}
	wantCap, _ := new(big.Int).SetString("1000000000000000000000000", 10)
	if supplyCap == nil || supplyCap.Cmp(wantCap) != 0 {
		t.Fatalf("unexpected supply cap: %v", supplyCap)
	}

	if len(cfg.Collateral) != 2 {
		t.Fatalf("expected 2 collateral entries, got %d", len(cfg.Collateral))
	}
	weth := cfg.Collateral[0]
	if weth.Symbol != "WETH" || weth.Decimals != 18 || weth.FeedID != "weth-usd" {
		t.Fatalf("unexpected WETH entry: %+v", weth)
	}
	if weth.Feed.Kind != "manual" || weth.Feed.Decimals != 8 {
		t.Fatalf("unexpected WETH feed: %+v", weth.Feed)
	}
	price, err := weth.Feed.ParsedPrice()
	if err != nil || price.Cmp(big.NewInt(200_000_000_000)) != 0 {
		t.Fatalf("unexpected WETH price: %v %v", price, err)
	}
	if len(weth.Allocations) != 1 {
		t.Fatalf("expected one allocation: %+v", weth.Allocations)
	}
	account, amount, err := weth.Allocations[0].Parse()
	if err != nil {
		t.Fatalf("parse allocation: %v", err)
	}
	if account.String() != testAllocAddress {
		t.Fatalf("unexpected allocation account: %s", account.String())
	}
	wantAmount, _ := new(big.Int).SetString("100000000000000000000", 10)
	if amount.Cmp(wantAmount) != 0 {
		t.Fatalf("unexpected allocation amount: %v", amount)
	}

	wbtc := cfg.Collateral[1]
	if wbtc.Feed.Kind != "http" || wbtc.Feed.AssetID != "bitcoin" || wbtc.Feed.PollSeconds != 30 {
		t.Fatalf("unexpected WBTC feed: %+v", wbtc.Feed)
	}
	if wbtc.Feed.Decimals != defaultFeedDecimals {
		t.Fatalf("expected default feed decimals, got %d", wbtc.Feed.Decimals)
	}

	found := false
	for _, key := range cfg.Undecoded {
		if key == "StrayKey" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected StrayKey in undecoded list: %v", cfg.Undecoded)
	}
}

func TestLoadCreatesDefaultConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected default file to exist: %v", err)
	}
	if cfg.StorageBackend != defaultStorageBackend {
		t.Fatalf("unexpected backend: %s", cfg.StorageBackend)
	}
	if cfg.RPCAuthTokenEnv != defaultAuthTokenEnv {
		t.Fatalf("unexpected token env: %s", cfg.RPCAuthTokenEnv)
	}
	if len(cfg.Collateral) != 1 || cfg.Collateral[0].Symbol != "WETH" {
		t.Fatalf("unexpected default collateral: %+v", cfg.Collateral)
	}
	if cfg.Collateral[0].Feed.Kind != "manual" {
		t.Fatalf("expected manual default feed: %+v", cfg.Collateral[0].Feed)
	}

	// The written file parses back to the same configuration.
	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload config: %v", err)
	}
	if reloaded.Debt.Symbol != cfg.Debt.Symbol || reloaded.RPCAddress != cfg.RPCAddress {
		t.Fatalf("reload mismatch: %+v vs %+v", reloaded, cfg)
	}
	if len(reloaded.Undecoded) != 0 {
		t.Fatalf("default file should carry no unknown keys: %v", reloaded.Undecoded)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	contents := `[Debt]
Symbol = "NUSD"
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.RPCAddress != defaultRPCAddress {
		t.Fatalf("unexpected rpc address: %s", cfg.RPCAddress)
	}
	if cfg.DataDir != defaultDataDir || cfg.StorageBackend != defaultStorageBackend {
		t.Fatalf("unexpected storage defaults: %+v", cfg)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "json" {
		t.Fatalf("unexpected log defaults: %+v", cfg.Log)
	}
	if cfg.Debt.Name != "Synthetic Dollar" {
		t.Fatalf("unexpected debt name default: %s", cfg.Debt.Name)
	}
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	base := func() *Config {
		return &Config{
			StorageBackend: BackendMemory,
			Debt:           DebtConfig{Symbol: "NUSD"},
			Collateral: []CollateralConfig{{
				Symbol: "WETH",
				Feed:   FeedConfig{Kind: "manual", Decimals: 8, Price: "200000000000"},
			}},
		}
	}

	cases := []struct {
		name    string
		mutate  func(*Config)
		message string
	}{
		{"unknown backend", func(c *Config) { c.StorageBackend = "etcd" }, "unknown backend"},
		{"negative rate", func(c *Config) { c.RPCRequestsPerMinute = -1 }, "RPCRequestsPerMinute"},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, "unknown format"},
		{"missing debt symbol", func(c *Config) { c.Debt.Symbol = " " }, "Symbol required"},
		{"bad supply cap", func(c *Config) { c.Debt.SupplyCap = "many" }, "SupplyCap"},
		{"collateral collides with debt", func(c *Config) { c.Collateral[0].Symbol = "nusd" }, "collides"},
		{"duplicate collateral", func(c *Config) {
			c.Collateral = append(c.Collateral, c.Collateral[0])
		}, "duplicate"},
		{"unknown feed kind", func(c *Config) { c.Collateral[0].Feed.Kind = "chainlink" }, "feed kind"},
		{"manual feed without price", func(c *Config) { c.Collateral[0].Feed.Price = "" }, "requires a Price"},
		{"http feed without asset id", func(c *Config) {
			c.Collateral[0].Feed = FeedConfig{Kind: "http"}
		}, "AssetID"},
		{"bad allocation account", func(c *Config) {
			c.Collateral[0].Allocations = []Allocation{{Account: "walrus", Amount: "5"}}
		}, "invalid Account"},
		{"zero allocation amount", func(c *Config) {
			c.Collateral[0].Allocations = []Allocation{{Account: testAllocAddress, Amount: "0"}}
		}, "must be positive"},
	}
	for _, tc := range cases {
		cfg := base()
		tc.mutate(cfg)
		err := Validate(cfg)
		if err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
		if !strings.Contains(err.Error(), tc.message) {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
	}

	if err := Validate(base()); err != nil {
		t.Fatalf("base config should validate: %v", err)
	}
}

func TestParsedSupplyCap(t *testing.T) {
	if value, err := (DebtConfig{SupplyCap: ""}).ParsedSupplyCap(); err != nil || value != nil {
		t.Fatalf("empty cap: %v %v", value, err)
	}
	if value, err := (DebtConfig{SupplyCap: "0"}).ParsedSupplyCap(); err != nil || value != nil {
		t.Fatalf("zero cap: %v %v", value, err)
	}
	value, err := (DebtConfig{SupplyCap: "123"}).ParsedSupplyCap()
	if err != nil || value.Cmp(big.NewInt(123)) != 0 {
		t.Fatalf("numeric cap: %v %v", value, err)
	}
	if _, err := (DebtConfig{SupplyCap: "-1"}).ParsedSupplyCap(); err == nil {
		t.Fatalf("expected error for negative cap")
	}
}

func TestResolveAuthToken(t *testing.T) {
	t.Setenv("NUSD_TEST_TOKEN", "from-env")
	cfg := &Config{RPCAuthToken: "inline", RPCAuthTokenEnv: "NUSD_TEST_TOKEN"}
	if token := cfg.ResolveAuthToken(); token != "from-env" {
		t.Fatalf("expected env token, got %q", token)
	}

	cfg.RPCAuthTokenEnv = "NUSD_TEST_TOKEN_UNSET"
	if token := cfg.ResolveAuthToken(); token != "inline" {
		t.Fatalf("expected inline fallback, got %q", token)
	}
}
