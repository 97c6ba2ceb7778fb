package yahoo

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
	Name = "yahoo"

	defaultBaseURL     = "https://query1.finance.yahoo.com"
	defaultProbeSymbol = "AAPL"
	maxBulkSymbols     = 50
	requestTimeout     = 10 * time.Second
)

// Capabilities declared at registration. The v7 quote endpoint accepts a
// comma-joined symbol list, so this adapter is the bulk-capable one.
var Capabilities = domain.ProviderCapabilities{
	SupportsRealTime:   true,
	SupportsHistorical: true,
	SupportsBulk:       true,
	MaxBulkSymbols:     maxBulkSymbols,
	RequestsPerMinute:  60,
}

// Adapter fetches quotes from the Yahoo Finance v7 quote endpoint.
type Adapter struct {
	id          string
	baseURL     string
	probeSymbol string
	client      *http.Client
}

// New builds an adapter from a decrypted configuration.
func New(cfg *domain.ProviderConfiguration) (domain.Adapter, error) {
	a := &Adapter{
		id:          cfg.ID,
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

func (a *Adapter) Connect(ctx context.Context) error { return nil }

func (a *Adapter) Disconnect() { a.client.CloseIdleConnections() }

func (a *Adapter) ValidateConfig(settings map[string]string) error {
	var fields []domain.FieldError
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
	quotes, err := a.FetchPrices(ctx, []string{symbol})
	if err != nil {
		return nil, err
	}
	if len(quotes) == 0 {
		return nil, fmt.Errorf("%w: %s", domain.ErrPriceNotFound, symbol)
	}
	return quotes[0], nil
}

// FetchPrices issues one logical request for the whole symbol set.
func (a *Adapter) FetchPrices(ctx context.Context, symbols []string) ([]*domain.Quote, error) {
	cleaned := make([]string, 0, len(symbols))
	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s != "" {
			cleaned = append(cleaned, s)
		}
	}
	if len(cleaned) == 0 {
		return nil, domain.ErrInvalidSymbol
	}
	if len(cleaned) > maxBulkSymbols {
		cleaned = cleaned[:maxBulkSymbols]
	}

	q := url.Values{}
	q.Set("symbols", strings.Join(cleaned, ","))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/v7/finance/quote?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (stockfeed)")
	req.Header.Set("Accept", "application/json")

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
		return nil, fmt.Errorf("yahoo http %d", resp.StatusCode)
	}

	var body quoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	if body.QuoteResponse.Error != nil {
		return nil, fmt.Errorf("yahoo: %s", body.QuoteResponse.Error.Description)
	}

	quotes := make([]*domain.Quote, 0, len(body.QuoteResponse.Result))
	for _, r := range body.QuoteResponse.Result {
		if r.RegularMarketPrice == nil {
			continue
		}
		quote := &domain.Quote{
			Symbol:        strings.ToUpper(r.Symbol),
			Price:         decimal.NewFromFloat(*r.RegularMarketPrice),
			Open:          fromFloat(r.RegularMarketOpen),
			High:          fromFloat(r.RegularMarketDayHigh),
			Low:           fromFloat(r.RegularMarketDayLow),
			PreviousClose: fromFloat(r.RegularMarketPreviousClose),
			Volume:        r.RegularMarketVolume,
		}
		if r.RegularMarketTime > 0 {
			quote.Timestamp = time.Unix(r.RegularMarketTime, 0).UTC()
		}
		quotes = append(quotes, quote)
	}
	if len(quotes) == 0 {
		return nil, domain.ErrPriceNotFound
	}
	return quotes, nil
}

type quoteResponse struct {
	QuoteResponse struct {
		Result []quoteResult `json:"result"`
		Error  *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"quoteResponse"`
}

type quoteResult struct {
	Symbol                     string   `json:"symbol"`
	RegularMarketPrice         *float64 `json:"regularMarketPrice"`
	RegularMarketOpen          *float64 `json:"regularMarketOpen"`
	RegularMarketDayHigh       *float64 `json:"regularMarketDayHigh"`
	RegularMarketDayLow        *float64 `json:"regularMarketDayLow"`
	RegularMarketPreviousClose *float64 `json:"regularMarketPreviousClose"`
	RegularMarketVolume        int64    `json:"regularMarketVolume"`
	RegularMarketTime          int64    `json:"regularMarketTime"`
}

func fromFloat(f *float64) *decimal.Decimal {
	if f == nil {
		return nil
	}
	d := decimal.NewFromFloat(*f)
	return &d
}

func isTimeout(err error) bool {
	var ne interface{ Timeout() bool }
	return errors.As(err, &ne) && ne.Timeout()
}
