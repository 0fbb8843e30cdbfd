package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// HTTPDoer abstracts http.Client for ease of testing.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

const (
	defaultSimplePriceEndpoint = "https://api.coingecko.com/api/v3/simple/price"
	defaultPollInterval        = 15 * time.Second
)

// HTTPFeedConfig wires an HTTPFeed to a simple-price endpoint.
type HTTPFeedConfig struct {
	// Endpoint defaults to the public CoinGecko simple price API.
	Endpoint string
	// AssetID is the upstream identifier of the priced asset ("ethereum").
	AssetID string
	// VsCurrency is the quote currency, defaulting to "usd".
	VsCurrency string
	// Decimals is the scale of the integer answers the feed reports.
	Decimals uint8
	// Client defaults to an http.Client with a 10s timeout.
	Client HTTPDoer
}

// HTTPFeed polls a simple-price HTTP endpoint and serves the last good
// observation between polls.
type HTTPFeed struct {
	client     HTTPDoer
	endpoint   string
	assetID    string
	vsCurrency string
	decimals   uint8

	mu     sync.RWMutex
	answer *big.Int
}

// NewHTTPFeed builds a feed from the supplied configuration.
func NewHTTPFeed(cfg HTTPFeedConfig) (*HTTPFeed, error) {
	assetID := strings.ToLower(strings.TrimSpace(cfg.AssetID))
	if assetID == "" {
		return nil, fmt.Errorf("oracle: asset id required")
	}
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		endpoint = defaultSimplePriceEndpoint
	}
	vs := strings.ToLower(strings.TrimSpace(cfg.VsCurrency))
	if vs == "" {
		vs = "usd"
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPFeed{
		client:     client,
		endpoint:   endpoint,
		assetID:    assetID,
		vsCurrency: vs,
		decimals:   cfg.Decimals,
	}, nil
}

// Refresh fetches one observation and replaces the cached answer. A failed
// fetch leaves the previous answer in place.
func (f *HTTPFeed) Refresh(ctx context.Context) error {
	if f == nil {
		return fmt.Errorf("oracle: http feed not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.endpoint, nil)
	if err != nil {
		return err
	}
	values := url.Values{}
	values.Set("ids", f.assetID)
	values.Set("vs_currencies", f.vsCurrency)
	req.URL.RawQuery = values.Encode()

	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("oracle: %s: status %d: %s", f.assetID, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload map[string]map[string]json.Number
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return fmt.Errorf("oracle: %s: decode: %w", f.assetID, err)
	}
	entry, ok := payload[f.assetID]
	if !ok {
		return fmt.Errorf("oracle: %s: quote missing", f.assetID)
	}
	price, ok := entry[f.vsCurrency]
	if !ok {
		return fmt.Errorf("oracle: %s: no %s quote", f.assetID, f.vsCurrency)
	}
	answer, err := decimalAnswer(price.String(), f.decimals)
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.answer = answer
	f.mu.Unlock()
	return nil
}

// Poll refreshes the cached observation on the supplied cadence until the
// context is cancelled. The first refresh runs immediately.
func (f *HTTPFeed) Poll(ctx context.Context, interval time.Duration) {
	if f == nil {
		return
	}
	if interval <= 0 {
		interval = defaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := f.Refresh(ctx); err != nil && ctx.Err() == nil {
			slog.Warn("price refresh failed",
				slog.String("asset", f.assetID),
				slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// LatestPrice serves the last good observation.
func (f *HTTPFeed) LatestPrice() (*big.Int, uint8, error) {
	if f == nil {
		return nil, 0, fmt.Errorf("oracle: http feed not configured")
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.answer == nil {
		return nil, 0, fmt.Errorf("oracle: %s: no observation yet", f.assetID)
	}
	return new(big.Int).Set(f.answer), f.decimals, nil
}
