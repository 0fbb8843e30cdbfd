package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Storage backends accepted by StorageBackend.
const (
	BackendMemory  = "memory"
	BackendLevelDB = "leveldb"
	BackendBolt    = "bolt"
)

const (
	defaultRPCAddress      = ":8080"
	defaultDataDir         = "./nusd-data"
	defaultStorageBackend  = BackendLevelDB
	defaultAuthTokenEnv    = "NUSD_RPC_TOKEN"
	defaultFeedDecimals    = 8
	defaultFeedPollSeconds = 15
)

// Config is the daemon configuration loaded from TOML.
type Config struct {
	// RPCAddress is the listen address for JSON-RPC, the websocket event
	// stream, /metrics and /healthz.
	RPCAddress     string `toml:"RPCAddress"`
	DataDir        string `toml:"DataDir"`
	StorageBackend string `toml:"StorageBackend"`
	// RPCAuthToken carries an inline bearer token for mutating methods.
	// Prefer RPCAuthTokenEnv so the secret stays out of the file.
	RPCAuthToken         string  `toml:"RPCAuthToken,omitempty"`
	RPCAuthTokenEnv      string  `toml:"RPCAuthTokenEnv"`
	RPCTrustProxyHeaders bool    `toml:"RPCTrustProxyHeaders"`
	RPCRequestsPerMinute float64 `toml:"RPCRequestsPerMinute"`
	RPCBurst             int     `toml:"RPCBurst"`

	Log        LogConfig          `toml:"Log"`
	Pauses     PauseConfig        `toml:"Pauses"`
	Debt       DebtConfig         `toml:"Debt"`
	Collateral []CollateralConfig `toml:"Collateral"`

	// Undecoded lists keys present in the file but unknown to this version,
	// for the daemon to log at startup.
	Undecoded []string `toml:"-"`
}

// Load reads the configuration at path, creating a default file when none
// exists, and validates the result.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	cfg := &Config{}
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	for _, undecoded := range meta.Undecoded() {
		cfg.Undecoded = append(cfg.Undecoded, undecoded.String())
	}

	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ResolveAuthToken returns the bearer token for mutating RPC methods. The
// environment variable named by RPCAuthTokenEnv wins over the inline value.
func (c *Config) ResolveAuthToken() string {
	if env := strings.TrimSpace(c.RPCAuthTokenEnv); env != "" {
		if token := strings.TrimSpace(os.Getenv(env)); token != "" {
			return token
		}
	}
	return strings.TrimSpace(c.RPCAuthToken)
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.RPCAddress) == "" {
		cfg.RPCAddress = defaultRPCAddress
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = defaultDataDir
	}
	if strings.TrimSpace(cfg.StorageBackend) == "" {
		cfg.StorageBackend = defaultStorageBackend
	}
	if strings.TrimSpace(cfg.RPCAuthTokenEnv) == "" && strings.TrimSpace(cfg.RPCAuthToken) == "" {
		cfg.RPCAuthTokenEnv = defaultAuthTokenEnv
	}
	if strings.TrimSpace(cfg.Log.Level) == "" {
		cfg.Log.Level = "info"
	}
	if strings.TrimSpace(cfg.Log.Format) == "" {
		cfg.Log.Format = "json"
	}
	if strings.TrimSpace(cfg.Debt.Symbol) == "" {
		cfg.Debt.Symbol = "NUSD"
	}
	if strings.TrimSpace(cfg.Debt.Name) == "" {
		cfg.Debt.Name = "Synthetic Dollar"
	}
	for i := range cfg.Collateral {
		entry := &cfg.Collateral[i]
		if strings.TrimSpace(entry.Feed.Kind) == "" {
			entry.Feed.Kind = "manual"
		}
		if entry.Feed.Decimals == 0 {
			entry.Feed.Decimals = defaultFeedDecimals
		}
		if entry.Feed.PollSeconds <= 0 {
			entry.Feed.PollSeconds = defaultFeedPollSeconds
		}
	}
}

// createDefault writes a runnable starter configuration: one manually priced
// collateral asset and no allocations.
func createDefault(path string) (*Config, error) {
	cfg := &Config{
		RPCAddress:      defaultRPCAddress,
		DataDir:         defaultDataDir,
		StorageBackend:  defaultStorageBackend,
		RPCAuthTokenEnv: defaultAuthTokenEnv,
		Log:             LogConfig{Level: "info", Format: "json"},
		Debt:            DebtConfig{Symbol: "NUSD", Name: "Synthetic Dollar", SupplyCap: "0"},
		Collateral: []CollateralConfig{{
			Symbol:   "WETH",
			Name:     "Wrapped Ether",
			Decimals: 18,
			Feed: FeedConfig{
				Kind:     "manual",
				Decimals: defaultFeedDecimals,
				// $2,000.00000000
				Price: "200000000000",
			},
		}},
	}

	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
