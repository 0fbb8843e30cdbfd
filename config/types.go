package config

import (
	"fmt"
	"math/big"
	"strings"

	"nusd/crypto"
)

// LogConfig selects the handler the daemon logs through.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `toml:"Level"`
	// Format is json for machine ingestion or text for terminals.
	Format string `toml:"Format"`
	// File, when set, mirrors log output into a size-rotated file.
	File string `toml:"File"`
}

// PauseConfig halts individual vault operations. Composite operations stop
// when either of their legs is paused.
type PauseConfig struct {
	Deposit   bool `toml:"Deposit"`
	Mint      bool `toml:"Mint"`
	Redeem    bool `toml:"Redeem"`
	Burn      bool `toml:"Burn"`
	Liquidate bool `toml:"Liquidate"`
}

// Set returns the paused operation names keyed for the engine guard.
func (p PauseConfig) Set() map[string]bool {
	set := make(map[string]bool)
	if p.Deposit {
		set["deposit"] = true
	}
	if p.Mint {
		set["mint"] = true
	}
	if p.Redeem {
		set["redeem"] = true
	}
	if p.Burn {
		set["burn"] = true
	}
	if p.Liquidate {
		set["liquidate"] = true
	}
	return set
}

// DebtConfig describes the synthetic token the vault issues.
type DebtConfig struct {
	Symbol string `toml:"Symbol"`
	Name   string `toml:"Name"`
	// SupplyCap bounds total issuance in base units. Empty or "0" leaves the
	// supply uncapped.
	SupplyCap string `toml:"SupplyCap"`
}

// ParsedSupplyCap returns the cap as an integer, nil when uncapped.
func (d DebtConfig) ParsedSupplyCap() (*big.Int, error) {
	raw := strings.TrimSpace(d.SupplyCap)
	if raw == "" || raw == "0" {
		return nil, nil
	}
	value, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("invalid SupplyCap %q", d.SupplyCap)
	}
	if value.Sign() < 0 {
		return nil, fmt.Errorf("SupplyCap must not be negative")
	}
	return value, nil
}

// FeedConfig wires the price source for one collateral asset.
type FeedConfig struct {
	// Kind is manual for an operator-set price or http for a polled
	// simple-price endpoint.
	Kind string `toml:"Kind"`
	// Decimals is the scale of the integer answers the feed reports.
	Decimals uint8 `toml:"Decimals"`
	// Price seeds a manual feed, in integer units at Decimals.
	Price string `toml:"Price"`
	// Endpoint overrides the default simple-price API for http feeds.
	Endpoint string `toml:"Endpoint"`
	// AssetID is the upstream identifier of the priced asset ("ethereum").
	AssetID string `toml:"AssetID"`
	// VsCurrency is the quote currency, defaulting to usd.
	VsCurrency string `toml:"VsCurrency"`
	// PollSeconds is the refresh cadence for http feeds.
	PollSeconds int `toml:"PollSeconds"`
}

// ParsedPrice returns the manual feed answer as an integer.
func (f FeedConfig) ParsedPrice() (*big.Int, error) {
	raw := strings.TrimSpace(f.Price)
	if raw == "" {
		return nil, fmt.Errorf("manual feed requires a Price")
	}
	price, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("invalid Price %q", f.Price)
	}
	if price.Sign() <= 0 {
		return nil, fmt.Errorf("Price must be positive")
	}
	return price, nil
}

// Allocation seeds a wallet balance when the collateral token is first
// registered. Reopening an existing data directory never re-applies it.
type Allocation struct {
	Account string `toml:"Account"`
	Amount  string `toml:"Amount"`
}

// Parse returns the decoded account and base-unit amount.
func (a Allocation) Parse() (crypto.Address, *big.Int, error) {
	var zero crypto.Address
	account, err := crypto.DecodeAddress(strings.TrimSpace(a.Account))
	if err != nil {
		return zero, nil, fmt.Errorf("invalid Account %q: %w", a.Account, err)
	}
	raw := strings.TrimSpace(a.Amount)
	amount, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return zero, nil, fmt.Errorf("invalid Amount %q", a.Amount)
	}
	if amount.Sign() <= 0 {
		return zero, nil, fmt.Errorf("Amount must be positive")
	}
	return account, amount, nil
}

// CollateralConfig describes one accepted collateral asset.
type CollateralConfig struct {
	Symbol   string `toml:"Symbol"`
	Name     string `toml:"Name"`
	Decimals uint8  `toml:"Decimals"`
	// FeedID labels the price source; defaults to <symbol>-usd.
	FeedID      string       `toml:"FeedID"`
	Feed        FeedConfig   `toml:"Feed"`
	Allocations []Allocation `toml:"Allocations"`
}
