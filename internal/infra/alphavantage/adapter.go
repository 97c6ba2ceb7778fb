package alphavantage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"stockfeed/internal/domain"

	"github.com/shopspring/decimal"
)

const (
	// Name is the registered provider type.
	Name = "alphavantage"

	defaultBaseURL     = "https://www.alphavantage.co"
	defaultProbeSymbol = "IBM"
	requestTimeout     = 10 * time.Second
)

// Capabilities declared at registration. The free tier allows 5 requests a
// minute and has no bulk endpoint.
var Capabilities = domain.ProviderCapabilities{
	SupportsRealTime:   false,
	SupportsHistorical: true,
	SupportsBulk:       false,
	RequestsPerMinute:  5,
}

// Adapter fetches quotes from the Alpha Vantage GLOBAL_QUOTE endpoint.
type Adapter struct {
	id          string
	apiKey      string
	baseURL     string
	probeSymbol string
	client      *http.Client
}

// New builds an adapter from a decrypted configuration.
func New(cfg *domain.ProviderConfiguration) (domain.Adapter, error) {
	a := &Adapter{
		id:          cfg.ID,
		apiKey:      cfg.Settings["api_key"],
		baseURL:     cfg.Settings["base_url"],
		probeSymbol: cfg.Settings["probe_symbol"],
		client:      &http.Client{Timeout: requestTimeout},
	}
	if a.baseURL == "" {
		a.baseURL = defaultBaseURL
	}
	if a.probeSymbol == "" {
		a.probeSymbol = defaultProbeSymbol
	}
	if err := a.ValidateConfig(cfg.Settings); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Adapter) Name() string { return Name }

// Connect is a no-op: the adapter is stateless HTTP.
func (a *Adapter) Connect(ctx context.Context) error { return nil }

func (a *Adapter) Disconnect() { a.client.CloseIdleConnections() }

// ValidateConfig reports every invalid field at once.
func (a *Adapter) ValidateConfig(settings map[string]string) error {
	var fields []domain.FieldError
	if strings.TrimSpace(settings["api_key"]) == "" {
		fields = append(fields, domain.FieldError{Field: "api_key", Reason: "required"})
	}
	if u := settings["base_url"]; u != "" && !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
		fields = append(fields, domain.FieldError{Field: "base_url", Reason: "must be an http(s) URL"})
	}
	if len(fields) > 0 {
		return &domain.ConfigurationError{Provider: Name, Fields: fields}
	}
	return nil
}

func (a *Adapter) Probe(ctx context.Context) error {
	_, err := a.FetchPrice(ctx, a.probeSymbol)
	return err
}

func (a *Adapter) FetchPrice(ctx context.Context, symbol string) (*domain.Quote, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, domain.ErrInvalidSymbol
	}

	q := url.Values{}
	q.Set("function", "GLOBAL_QUOTE")
	q.Set("symbol", symbol)
	q.Set("apikey", a.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/query?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "stockfeed/1.0")

	resp, err := a.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nil, &domain.TimeoutError{Provider: Name, Op: "quote", Err: err}
		}
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &domain.RateLimitError{Provider: Name}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &domain.AuthenticationError{Provider: Name, Err: fmt.Errorf("http %d", resp.StatusCode)}
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("alphavantage http %d", resp.StatusCode)
	}

	var raw map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, err
	}
	// The API reports throttling as a 200 with a "Note"/"Information" body
	if _, ok := raw["Note"]; ok {
		return nil, &domain.RateLimitError{Provider: Name, RetryAfter: time.Minute}
	}
	if _, ok := raw["Information"]; ok {
		return nil, &domain.RateLimitError{Provider: Name, RetryAfter: time.Minute}
	}

	var gq globalQuote
	if body, ok := raw["Global Quote"]; ok {
		if err := json.Unmarshal(body, &gq); err != nil {
			return nil, err
		}
	}
	if gq.Price == "" {
		return nil, fmt.Errorf("%w: %s", domain.ErrPriceNotFound, symbol)
	}

	price, err := decimal.NewFromString(gq.Price)
	if err != nil || price.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("%w: %s", domain.ErrPriceNotFound, symbol)
	}

	quote := &domain.Quote{
		Symbol:    symbol,
		Price:     price,
		Open:      parseOptional(gq.Open),
		High:      parseOptional(gq.High),
		Low:       parseOptional(gq.Low),
		Timestamp: parseTradingDay(gq.LatestTradingDay),
	}
	quote.PreviousClose = parseOptional(gq.PreviousClose)
	if v, err := decimal.NewFromString(gq.Volume); err == nil {
		quote.Volume = v.IntPart()
	}
	return quote, nil
}

// FetchPrices issues one GLOBAL_QUOTE call per symbol; the endpoint has no
// bulk form. Symbols that fail are skipped, a fully failed batch errors.
func (a *Adapter) FetchPrices(ctx context.Context, symbols []string) ([]*domain.Quote, error) {
	quotes := make([]*domain.Quote, 0, len(symbols))
	var lastErr error
	for _, s := range symbols {
		if err := ctx.Err(); err != nil {
			return quotes, err
		}
		q, err := a.FetchPrice(ctx, s)
		if err != nil {
			lastErr = err
			continue
		}
		quotes = append(quotes, q)
	}
	if len(quotes) == 0 && lastErr != nil {
		return nil, lastErr
	}
	return quotes, nil
}

type globalQuote struct {
	Symbol           string `json:"01. symbol"`
	Open             string `json:"02. open"`
	High             string `json:"03. high"`
	Low              string `json:"04. low"`
	Price            string `json:"05. price"`
	Volume           string `json:"06. volume"`
	LatestTradingDay string `json:"07. latest trading day"`
	PreviousClose    string `json:"08. previous close"`
}

func parseOptional(s string) *decimal.Decimal {
	if s == "" {
		return nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil
	}
	return &d
}

func parseTradingDay(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func isTimeout(err error) bool {
	var ne interface{ Timeout() bool }
	return errors.As(err, &ne) && ne.Timeout()
}
