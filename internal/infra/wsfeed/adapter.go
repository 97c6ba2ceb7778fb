package wsfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"stockfeed/internal/domain"
	"stockfeed/internal/infra"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

const (
	// Name is the registered provider type.
	Name = "wsfeed"

	maxRetries       = 10
	handshakeTimeout = 10 * time.Second
	readTimeout      = 60 * time.Second
	tickTTL          = 2 * time.Minute
	maxBulkSymbols   = 100
)

// Capabilities declared at registration. The feed pushes ticks, so fetches
// are served from the last received tick and a "bulk" fetch is free.
var Capabilities = domain.ProviderCapabilities{
	SupportsRealTime:  true,
	SupportsBulk:      true,
	MaxBulkSymbols:    maxBulkSymbols,
	RequestsPerMinute: 0, // push feed, no request budget
}

// tickMessage is the wire shape of one streamed tick.
type tickMessage struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
	Open   string `json:"open,omitempty"`
	Volume int64  `json:"volume,omitempty"`
	Ts     int64  `json:"ts,omitempty"` // unix millis
}

type subscribeMessage struct {
	Op      string   `json:"op"`
	Symbols []string `json:"symbols"`
}

// Adapter maintains one websocket connection to a streaming tick feed and
// answers fetches from the last tick per symbol.
type Adapter struct {
	id  string
	url string

	conn      *websocket.Conn
	mu        sync.RWMutex
	writeMu   sync.Mutex
	connected bool
	ticks     map[string]*domain.Quote
	subs      map[string]bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds an adapter from a decrypted configuration.
func New(cfg *domain.ProviderConfiguration) (domain.Adapter, error) {
	a := &Adapter{
		id:    cfg.ID,
		url:   cfg.Settings["url"],
		ticks: make(map[string]*domain.Quote),
		subs:  make(map[string]bool),
	}
	if err := a.ValidateConfig(cfg.Settings); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Adapter) Name() string { return Name }

func (a *Adapter) ValidateConfig(settings map[string]string) error {
	var fields []domain.FieldError
	u := settings["url"]
	if u == "" {
		fields = append(fields, domain.FieldError{Field: "url", Reason: "required"})
	} else if !strings.HasPrefix(u, "ws://") && !strings.HasPrefix(u, "wss://") {
		fields = append(fields, domain.FieldError{Field: "url", Reason: "must be a ws(s) URL"})
	}
	if len(fields) > 0 {
		return &domain.ConfigurationError{Provider: Name, Fields: fields}
	}
	return nil
}

// Connect starts the connection loop.
func (a *Adapter) Connect(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)
	a.wg.Add(1)
	go a.connectionLoop(ctx)
	return nil
}

// Disconnect stops the loop and waits for it to exit.
func (a *Adapter) Disconnect() {
	if a.cancel != nil {
		a.cancel()
	}
	a.closeConnection()
	a.wg.Wait()
}

func (a *Adapter) IsConnected() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.connected
}

func (a *Adapter) connectionLoop(ctx context.Context) {
	defer a.wg.Done()
	retryCount := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := a.connect(ctx); err != nil {
			slog.Warn("feed connection failed", slog.Any("error", err), slog.Int("retry", retryCount))
			delay := infra.CalculateBackoff(retryCount)
			retryCount++
			if retryCount > maxRetries {
				retryCount = 0
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
				continue
			}
		} else {
			retryCount = 0
			a.readLoop(ctx)
		}
	}
}

func (a *Adapter) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, a.url, nil)
	if err != nil {
		return &domain.NetworkOpError{Op: "dial", Err: err}
	}

	a.mu.Lock()
	a.conn = conn
	a.connected = true
	resub := make([]string, 0, len(a.subs))
	for s := range a.subs {
		resub = append(resub, s)
	}
	a.mu.Unlock()

	// Re-subscribe everything after a reconnect
	if len(resub) > 0 {
		if err := a.sendSubscribe(resub); err != nil {
			a.closeConnection()
			return err
		}
	}

	slog.Info("feed connected", slog.String("url", a.url), slog.Int("subs", len(resub)))
	return nil
}

func (a *Adapter) readLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		a.mu.RLock()
		conn := a.conn
		a.mu.RUnlock()
		if conn == nil {
			return
		}

		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, payload, err := conn.ReadMessage()
		if err != nil {
			slog.Warn("feed read failed", slog.Any("error", err))
			a.closeConnection()
			return
		}

		var msg tickMessage
		if err := json.Unmarshal(payload, &msg); err != nil || msg.Symbol == "" {
			continue
		}
		a.storeTick(&msg)
	}
}

func (a *Adapter) storeTick(msg *tickMessage) {
	price, err := decimal.NewFromString(msg.Price)
	if err != nil {
		return
	}
	quote := &domain.Quote{
		Symbol: strings.ToUpper(msg.Symbol),
		Price:  price,
		Volume: msg.Volume,
	}
	if msg.Open != "" {
		if open, err := decimal.NewFromString(msg.Open); err == nil {
			quote.Open = &open
		}
	}
	if msg.Ts > 0 {
		quote.Timestamp = time.UnixMilli(msg.Ts).UTC()
	} else {
		quote.Timestamp = time.Now().UTC()
	}

	a.mu.Lock()
	a.ticks[quote.Symbol] = quote
	a.mu.Unlock()
}

func (a *Adapter) sendSubscribe(symbols []string) error {
	a.mu.RLock()
	conn := a.conn
	a.mu.RUnlock()
	if conn == nil {
		return &domain.NetworkOpError{Op: "subscribe", Err: fmt.Errorf("not connected")}
	}
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return conn.WriteJSON(subscribeMessage{Op: "subscribe", Symbols: symbols})
}

func (a *Adapter) closeConnection() {
	a.mu.Lock()
	if a.conn != nil {
		_ = a.conn.Close()
		a.conn = nil
	}
	a.connected = false
	a.mu.Unlock()
}

// Probe succeeds while the feed connection is up.
func (a *Adapter) Probe(ctx context.Context) error {
	if !a.IsConnected() {
		return &domain.NetworkOpError{Op: "probe", Err: fmt.Errorf("feed disconnected")}
	}
	return nil
}

// FetchPrice returns the last streamed tick for the symbol. Unknown symbols
// are subscribed so a later fetch can succeed.
func (a *Adapter) FetchPrice(ctx context.Context, symbol string) (*domain.Quote, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, domain.ErrInvalidSymbol
	}
	a.ensureSubscribed([]string{symbol})

	a.mu.RLock()
	quote := a.ticks[symbol]
	a.mu.RUnlock()
	if quote == nil || time.Since(quote.Timestamp) > tickTTL {
		return nil, fmt.Errorf("%w: no fresh tick for %s", domain.ErrPriceNotFound, symbol)
	}
	return quote, nil
}

// FetchPrices returns the cached ticks for every requested symbol that has
// one; it never issues a network round trip.
func (a *Adapter) FetchPrices(ctx context.Context, symbols []string) ([]*domain.Quote, error) {
	a.ensureSubscribed(symbols)

	quotes := make([]*domain.Quote, 0, len(symbols))
	a.mu.RLock()
	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if q := a.ticks[s]; q != nil && time.Since(q.Timestamp) <= tickTTL {
			quotes = append(quotes, q)
		}
	}
	a.mu.RUnlock()

	if len(quotes) == 0 {
		return nil, fmt.Errorf("%w: no fresh ticks", domain.ErrPriceNotFound)
	}
	return quotes, nil
}

func (a *Adapter) ensureSubscribed(symbols []string) {
	var missing []string
	a.mu.Lock()
	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s != "" && !a.subs[s] {
			a.subs[s] = true
			missing = append(missing, s)
		}
	}
	a.mu.Unlock()

	if len(missing) > 0 && a.IsConnected() {
		if err := a.sendSubscribe(missing); err != nil {
			slog.Warn("feed subscribe failed", slog.Any("error", err), slog.Int("symbols", len(missing)))
		}
	}
}
