package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Adapter is the live object speaking to one configured provider. Adapters
// are the only components touching the network; every outbound call honors
// the context deadline and surfaces timeouts as TimeoutError.
type Adapter interface {
	Name() string
	Connect(ctx context.Context) error
	Disconnect()
	FetchPrice(ctx context.Context, symbol string) (*Quote, error)
	FetchPrices(ctx context.Context, symbols []string) ([]*Quote, error)
	ValidateConfig(settings map[string]string) error
	Probe(ctx context.Context) error
}

// ConfigRepository persists provider configurations. Deletion is a soft
// deactivation done through Update; rows are never removed.
type ConfigRepository interface {
	Create(ctx context.Context, cfg *ProviderConfiguration) error
	GetByID(ctx context.Context, id string) (*ProviderConfiguration, error)
	List(ctx context.Context) ([]*ProviderConfiguration, error)
	ListActive(ctx context.Context) ([]*ProviderConfiguration, error)
	Update(ctx context.Context, cfg *ProviderConfiguration) error
}

// PriceRepository persists snapshots: append-only history plus one current
// record per symbol.
type PriceRepository interface {
	AppendSnapshot(ctx context.Context, snap *PriceSnapshot) error
	UpsertCurrent(ctx context.Context, cur *CurrentPrice) error
	Current(ctx context.Context, symbol string) (*CurrentPrice, error)
	CurrentMany(ctx context.Context, symbols []string) (map[string]*CurrentPrice, error)
}

// PortfolioRepository exposes the holdings graph to the valuation engine.
type PortfolioRepository interface {
	// FindBySymbols returns every portfolio holding any of the symbols with
	// quantity > 0, holdings preloaded. Each portfolio appears once.
	FindBySymbols(ctx context.Context, symbols []string) ([]*Portfolio, error)

	// SaveValuation writes the three derived fields atomically.
	SaveValuation(ctx context.Context, portfolioID string, total, change, changePct decimal.Decimal, at time.Time) error

	// HeldSymbols returns the distinct symbols held with quantity > 0.
	HeldSymbols(ctx context.Context) ([]string, error)
}

// ActivitySink accepts structured audit/alert records. Sink failures must
// never fail the operation that produced the record.
type ActivitySink interface {
	Record(ctx context.Context, a *Activity) error
}

// SecretDecryptor returns plaintext settings. The cipher lives outside the
// core.
type SecretDecryptor interface {
	Decrypt(settings map[string]string) (map[string]string, error)
}
