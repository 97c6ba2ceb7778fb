package yahoo

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"stockfeed/internal/domain"

	"github.com/shopspring/decimal"
)

const twoQuoteBody = `{
	"quoteResponse": {
		"result": [
			{
				"symbol": "AAPL",
				"regularMarketPrice": 185.92,
				"regularMarketOpen": 184.35,
				"regularMarketDayHigh": 186.40,
				"regularMarketDayLow": 183.92,
				"regularMarketPreviousClose": 185.14,
				"regularMarketVolume": 52164013,
				"regularMarketTime": 1705347000
			},
			{
				"symbol": "MSFT",
				"regularMarketPrice": 390.27,
				"regularMarketVolume": 22091219
			}
		],
		"error": null
	}
}`

func newTestAdapter(t *testing.T, baseURL string) domain.Adapter {
	t.Helper()
	a, err := New(&domain.ProviderConfiguration{
		ID:       "test-config",
		Provider: Name,
		Settings: map[string]string{"base_url": baseURL},
	})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return a
}

func TestFetchPricesOneRequestForManySymbols(t *testing.T) {
	var requests int
	var gotSymbols string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		gotSymbols = r.URL.Query().Get("symbols")
		w.Write([]byte(twoQuoteBody))
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv.URL)
	quotes, err := a.FetchPrices(context.Background(), []string{"aapl", "msft"})
	if err != nil {
		t.Fatalf("FetchPrices() failed: %v", err)
	}

	if requests != 1 {
		t.Errorf("made %d requests, want 1 for the whole batch", requests)
	}
	if gotSymbols != "AAPL,MSFT" {
		t.Errorf("symbols param = %q, want AAPL,MSFT", gotSymbols)
	}
	if len(quotes) != 2 {
		t.Fatalf("got %d quotes, want 2", len(quotes))
	}

	aapl := quotes[0]
	if aapl.Symbol != "AAPL" {
		t.Errorf("symbol = %s, want AAPL", aapl.Symbol)
	}
	if !aapl.Price.Equal(decimal.NewFromFloat(185.92)) {
		t.Errorf("price = %s, want 185.92", aapl.Price)
	}
	if aapl.Open == nil || !aapl.Open.Equal(decimal.NewFromFloat(184.35)) {
		t.Errorf("open = %v, want 184.35", aapl.Open)
	}
	if aapl.Volume != 52164013 {
		t.Errorf("volume = %d, want 52164013", aapl.Volume)
	}
	if aapl.Timestamp.Unix() != 1705347000 {
		t.Errorf("timestamp = %v, want unix 1705347000", aapl.Timestamp)
	}

	// optional fields missing in the payload stay nil
	msft := quotes[1]
	if msft.Open != nil || msft.PreviousClose != nil {
		t.Error("MSFT open/previous close should be nil when absent")
	}
}

func TestFetchPriceSingleSymbol(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"quoteResponse": {"result": [{"symbol": "TSLA", "regularMarketPrice": 219.16}], "error": null}}`))
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv.URL)
	quote, err := a.FetchPrice(context.Background(), "tsla")
	if err != nil {
		t.Fatalf("FetchPrice() failed: %v", err)
	}
	if quote.Symbol != "TSLA" {
		t.Errorf("symbol = %s, want TSLA", quote.Symbol)
	}
}

func TestFetchPricesSkipsResultsWithoutPrice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"quoteResponse": {"result": [{"symbol": "HALTED"}], "error": null}}`))
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv.URL)
	_, err := a.FetchPrices(context.Background(), []string{"HALTED"})
	if !errors.Is(err, domain.ErrPriceNotFound) {
		t.Errorf("expected ErrPriceNotFound, got %v", err)
	}
}

func TestFetchPricesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"quoteResponse": {"result": [], "error": {"code": "argument-error", "description": "Missing value for the \"symbols\" argument"}}}`))
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv.URL)
	_, err := a.FetchPrices(context.Background(), []string{"AAPL"})
	if err == nil {
		t.Fatal("expected an error from the API error body")
	}
}

func TestFetchPricesRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv.URL)
	_, err := a.FetchPrices(context.Background(), []string{"AAPL"})
	var rl *domain.RateLimitError
	if !errors.As(err, &rl) {
		t.Fatalf("expected RateLimitError, got %v", err)
	}
	if !domain.IsRetriable(err) {
		t.Error("rate limit errors must be retriable")
	}
}

func TestFetchPricesAuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv.URL)
	_, err := a.FetchPrices(context.Background(), []string{"AAPL"})
	var auth *domain.AuthenticationError
	if !errors.As(err, &auth) {
		t.Fatalf("expected AuthenticationError, got %v", err)
	}
}

func TestFetchPricesRejectsEmptyBatch(t *testing.T) {
	a := newTestAdapter(t, "http://unused.invalid")
	_, err := a.FetchPrices(context.Background(), []string{" ", ""})
	if !errors.Is(err, domain.ErrInvalidSymbol) {
		t.Errorf("expected ErrInvalidSymbol, got %v", err)
	}
}

func TestValidateConfigRejectsBadURL(t *testing.T) {
	a := &Adapter{}
	err := a.ValidateConfig(map[string]string{"base_url": "not-a-url"})
	var cfgErr *domain.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
}
