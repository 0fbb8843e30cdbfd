package config

import (
	"fmt"
	"strings"
)

// Validate rejects configurations the node would refuse or misread at
// startup.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config: nil configuration")
	}
	switch cfg.StorageBackend {
	case BackendMemory, BackendLevelDB, BackendBolt:
	default:
		return fmt.Errorf("storage: unknown backend %q", cfg.StorageBackend)
	}
	if cfg.RPCRequestsPerMinute < 0 {
		return fmt.Errorf("rpc: RPCRequestsPerMinute must not be negative")
	}
	if cfg.RPCBurst < 0 {
		return fmt.Errorf("rpc: RPCBurst must not be negative")
	}
	switch cfg.Log.Format {
	case "", "json", "text":
	default:
		return fmt.Errorf("log: unknown format %q", cfg.Log.Format)
	}

	debtSymbol := strings.ToUpper(strings.TrimSpace(cfg.Debt.Symbol))
	if debtSymbol == "" {
		return fmt.Errorf("debt: Symbol required")
	}
	if _, err := cfg.Debt.ParsedSupplyCap(); err != nil {
		return fmt.Errorf("debt: %w", err)
	}

	seen := make(map[string]bool, len(cfg.Collateral))
	for i, entry := range cfg.Collateral {
		label := fmt.Sprintf("collateral[%d]", i)
		symbol := strings.ToUpper(strings.TrimSpace(entry.Symbol))
		if symbol == "" {
			return fmt.Errorf("%s: Symbol required", label)
		}
		if symbol == debtSymbol {
			return fmt.Errorf("%s: symbol %s collides with the debt token", label, symbol)
		}
		if seen[symbol] {
			return fmt.Errorf("%s: duplicate symbol %s", label, symbol)
		}
		seen[symbol] = true

		switch entry.Feed.Kind {
		case "manual":
			if _, err := entry.Feed.ParsedPrice(); err != nil {
				return fmt.Errorf("%s: %w", label, err)
			}
		case "http":
			if strings.TrimSpace(entry.Feed.AssetID) == "" {
				return fmt.Errorf("%s: http feed requires AssetID", label)
			}
		default:
			return fmt.Errorf("%s: unknown feed kind %q", label, entry.Feed.Kind)
		}

		for j, alloc := range entry.Allocations {
			if _, _, err := alloc.Parse(); err != nil {
				return fmt.Errorf("%s.allocations[%d]: %w", label, j, err)
			}
		}
	}
	return nil
}
