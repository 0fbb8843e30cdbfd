package oracle

import (
	"context"
	"errors"
	"io"
	"math/big"
	"net/http"
	"strings"
	"testing"
)

func TestManualFeedLifecycle(t *testing.T) {
	feed := NewManual(nil, 8)
	if _, _, err := feed.LatestPrice(); err == nil {
		t.Fatalf("empty feed must error")
	}

	if err := feed.SetDecimal("2000.50"); err != nil {
		t.Fatalf("set decimal: %v", err)
	}
	answer, scale, err := feed.LatestPrice()
	if err != nil {
		t.Fatalf("latest price: %v", err)
	}
	if scale != 8 {
		t.Fatalf("unexpected scale: %d", scale)
	}
	if answer.Cmp(big.NewInt(200_050_000_000)) != 0 {
		t.Fatalf("unexpected answer: %s", answer)
	}

	outage := errors.New("maintenance")
	feed.Fail(outage)
	if _, _, err := feed.LatestPrice(); !errors.Is(err, outage) {
		t.Fatalf("expected injected failure, got %v", err)
	}

	feed.Set(big.NewInt(1))
	if _, _, err := feed.LatestPrice(); err != nil {
		t.Fatalf("set must clear the failure: %v", err)
	}
}

func TestManualFeedRejectsBadDecimals(t *testing.T) {
	feed := NewManual(nil, 8)
	for _, value := range []string{"", "abc", "-1", "0"} {
		if err := feed.SetDecimal(value); err == nil {
			t.Fatalf("value %q must be rejected", value)
		}
	}
}

func TestDecimalAnswerTruncates(t *testing.T) {
	answer, err := decimalAnswer("0.123456789", 8)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if answer.Cmp(big.NewInt(12_345_678)) != 0 {
		t.Fatalf("expected truncation toward zero, got %s", answer)
	}
}

type doerFunc func(req *http.Request) (*http.Response, error)

func (f doerFunc) Do(req *http.Request) (*http.Response, error) {
	return f(req)
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func TestHTTPFeedRefreshAndCache(t *testing.T) {
	var gotQuery string
	client := doerFunc(func(req *http.Request) (*http.Response, error) {
		gotQuery = req.URL.RawQuery
		return jsonResponse(http.StatusOK, `{"ethereum":{"usd":2000.5}}`), nil
	})
	feed, err := NewHTTPFeed(HTTPFeedConfig{AssetID: "Ethereum", Decimals: 8, Client: client})
	if err != nil {
		t.Fatalf("new feed: %v", err)
	}

	if _, _, err := feed.LatestPrice(); err == nil {
		t.Fatalf("feed without observations must error")
	}
	if err := feed.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if !strings.Contains(gotQuery, "ids=ethereum") || !strings.Contains(gotQuery, "vs_currencies=usd") {
		t.Fatalf("unexpected query: %s", gotQuery)
	}

	answer, scale, err := feed.LatestPrice()
	if err != nil {
		t.Fatalf("latest price: %v", err)
	}
	if scale != 8 || answer.Cmp(big.NewInt(200_050_000_000)) != 0 {
		t.Fatalf("unexpected observation: %s @ %d", answer, scale)
	}
}

func TestHTTPFeedKeepsLastGoodOnFailure(t *testing.T) {
	responses := []*http.Response{
		jsonResponse(http.StatusOK, `{"ethereum":{"usd":1500}}`),
		jsonResponse(http.StatusServiceUnavailable, "upstream down"),
	}
	calls := 0
	client := doerFunc(func(req *http.Request) (*http.Response, error) {
		resp := responses[calls]
		calls++
		return resp, nil
	})
	feed, err := NewHTTPFeed(HTTPFeedConfig{AssetID: "ethereum", Decimals: 8, Client: client})
	if err != nil {
		t.Fatalf("new feed: %v", err)
	}

	if err := feed.Refresh(context.Background()); err != nil {
		t.Fatalf("first refresh: %v", err)
	}
	if err := feed.Refresh(context.Background()); err == nil {
		t.Fatalf("second refresh must surface the upstream failure")
	}

	answer, _, err := feed.LatestPrice()
	if err != nil {
		t.Fatalf("latest price: %v", err)
	}
	if answer.Cmp(big.NewInt(150_000_000_000)) != 0 {
		t.Fatalf("last good answer must survive a failed poll, got %s", answer)
	}
}

func TestHTTPFeedRejectsBadPayloads(t *testing.T) {
	cases := map[string]string{
		"missing asset": `{"bitcoin":{"usd":1}}`,
		"missing quote": `{"ethereum":{"eur":1}}`,
		"not json":      `<!doctype html>`,
	}
	for name, body := range cases {
		client := doerFunc(func(req *http.Request) (*http.Response, error) {
			return jsonResponse(http.StatusOK, body), nil
		})
		feed, err := NewHTTPFeed(HTTPFeedConfig{AssetID: "ethereum", Decimals: 8, Client: client})
		if err != nil {
			t.Fatalf("%s: new feed: %v", name, err)
		}
		if err := feed.Refresh(context.Background()); err == nil {
			t.Fatalf("%s: refresh must fail", name)
		}
	}
}

func TestNewHTTPFeedRequiresAssetID(t *testing.T) {
	if _, err := NewHTTPFeed(HTTPFeedConfig{}); err == nil {
		t.Fatalf("missing asset id must be rejected")
	}
}
