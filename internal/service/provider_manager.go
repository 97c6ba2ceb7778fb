package service

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"stockfeed/internal/domain"
	"stockfeed/internal/infra"
	"stockfeed/internal/registry"
)

// RoutingStrategy orders routing candidates.
type RoutingStrategy string

const (
	// StrategyPriority orders by configured priority, lowest first.
	StrategyPriority RoutingStrategy = "priority"
	// StrategyPerformance orders by success_rate − latency_ms/1000, best first.
	StrategyPerformance RoutingStrategy = "performance"
)

const recentSymbolTTL = 15 * time.Minute

// Recalculator is the downstream valuation trigger.
type Recalculator interface {
	OnSymbolUpdated(ctx context.Context, symbol string) error
	OnSymbolsUpdated(ctx context.Context, symbols []string) error
}

// ProviderManager is the routing brain: it selects an ordered candidate list
// of active, routable configurations and tries each in turn. Adapter errors
// never escape; the only failures a caller sees are the typed "no active
// providers", "invalid symbol" and "all providers failed".
type ProviderManager struct {
	configs  *ConfigManager
	registry *registry.Registry
	prices   domain.PriceRepository
	tracker  *HealthTracker
	metrics  *infra.Metrics
	log      *slog.Logger
	strategy RoutingStrategy

	valuation Recalculator // optional, set after construction

	recentMu sync.Mutex
	recent   map[string]time.Time
}

func NewProviderManager(configs *ConfigManager, reg *registry.Registry, prices domain.PriceRepository, tracker *HealthTracker, metrics *infra.Metrics, strategy RoutingStrategy, log *slog.Logger) *ProviderManager {
	if strategy == "" {
		strategy = StrategyPriority
	}
	return &ProviderManager{
		configs:  configs,
		registry: reg,
		prices:   prices,
		tracker:  tracker,
		metrics:  metrics,
		log:      log,
		strategy: strategy,
		recent:   make(map[string]time.Time),
	}
}

// SetValuation wires the recalculation trigger. Fetches before this is set
// only persist snapshots.
func (m *ProviderManager) SetValuation(r Recalculator) { m.valuation = r }

type candidate struct {
	cfg  *domain.ProviderConfiguration
	caps domain.ProviderCapabilities
}

// GetPrice fetches one symbol, trying candidates strictly in order and
// returning the first success.
func (m *ProviderManager) GetPrice(ctx context.Context, symbol, preferredID string) (*domain.PriceSnapshot, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, domain.ErrInvalidSymbol
	}
	m.rememberRequested(symbol)

	candidates, err := m.candidates(ctx, preferredID, false)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, domain.ErrNoActiveProviders
	}

	var lastErr error
	for _, c := range candidates {
		quote, err := m.tryFetchOne(ctx, c, symbol)
		if err != nil {
			lastErr = err
			continue
		}
		snap := domain.SnapshotFromQuote(quote, c.cfg.ID)
		m.store(ctx, snap)
		if m.valuation != nil {
			if err := m.valuation.OnSymbolUpdated(ctx, symbol); err != nil {
				m.log.Warn("valuation trigger failed", slog.String("symbol", symbol), slog.Any("error", err))
			}
		}
		return snap, nil
	}
	return nil, &domain.AllProvidersFailedError{Symbol: symbol, Attempts: len(candidates), LastErr: lastErr}
}

// GetPrices fetches many symbols. With preferBulk, bulk-capable candidates
// are tried first and each issues one logical request for the whole
// remaining set (capped at its bulk limit). Partially fulfilled batches
// continue down the candidate list for the leftovers.
func (m *ProviderManager) GetPrices(ctx context.Context, symbols []string, preferBulk bool) (map[string]*domain.PriceSnapshot, error) {
	cleaned := make([]string, 0, len(symbols))
	seen := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s != "" && !seen[s] {
			seen[s] = true
			cleaned = append(cleaned, s)
		}
	}
	if len(cleaned) == 0 {
		return nil, domain.ErrInvalidSymbol
	}
	m.rememberRequested(cleaned...)

	candidates, err := m.candidates(ctx, "", preferBulk)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, domain.ErrNoActiveProviders
	}

	results := make(map[string]*domain.PriceSnapshot, len(cleaned))
	remaining := cleaned
	var lastErr error

	for _, c := range candidates {
		if len(remaining) == 0 {
			break
		}
		batch := remaining
		if c.caps.MaxBulkSymbols > 0 && len(batch) > c.caps.MaxBulkSymbols {
			batch = batch[:c.caps.MaxBulkSymbols]
		}

		quotes, err := m.tryFetchMany(ctx, c, batch)
		if err != nil {
			lastErr = err
			continue
		}
		for _, q := range quotes {
			snap := domain.SnapshotFromQuote(q, c.cfg.ID)
			m.store(ctx, snap)
			results[snap.Symbol] = snap
		}
		next := remaining[:0]
		for _, s := range remaining {
			if _, ok := results[s]; !ok {
				next = append(next, s)
			}
		}
		remaining = next
	}

	if len(results) == 0 {
		return nil, &domain.AllProvidersFailedError{
			Symbol:   strings.Join(cleaned, ","),
			Attempts: len(candidates),
			LastErr:  lastErr,
		}
	}

	if m.valuation != nil {
		updated := make([]string, 0, len(results))
		for s := range results {
			updated = append(updated, s)
		}
		if err := m.valuation.OnSymbolsUpdated(ctx, updated); err != nil {
			m.log.Warn("valuation trigger failed", slog.Int("symbols", len(updated)), slog.Any("error", err))
		}
	}
	return results, nil
}

func (m *ProviderManager) tryFetchOne(ctx context.Context, c candidate, symbol string) (*domain.Quote, error) {
	adapter, err := m.configs.GetAdapter(ctx, c.cfg.ID)
	if err != nil {
		m.tracker.RecordOutcome(c.cfg.ID, false, 0)
		return nil, err
	}
	start := time.Now()
	quote, err := adapter.FetchPrice(ctx, symbol)
	latency := time.Since(start)
	m.metrics.RecordFetch(err == nil, latency)
	m.tracker.RecordOutcome(c.cfg.ID, err == nil, float64(latency.Milliseconds()))
	if err != nil {
		m.log.Warn("provider fetch failed",
			slog.String("provider", c.cfg.Provider),
			slog.String("config_id", c.cfg.ID),
			slog.String("symbol", symbol),
			slog.Any("error", err))
		return nil, err
	}
	return quote, nil
}

func (m *ProviderManager) tryFetchMany(ctx context.Context, c candidate, symbols []string) ([]*domain.Quote, error) {
	adapter, err := m.configs.GetAdapter(ctx, c.cfg.ID)
	if err != nil {
		m.tracker.RecordOutcome(c.cfg.ID, false, 0)
		return nil, err
	}
	start := time.Now()
	quotes, err := adapter.FetchPrices(ctx, symbols)
	latency := time.Since(start)
	m.metrics.RecordFetch(err == nil, latency)
	m.tracker.RecordOutcome(c.cfg.ID, err == nil, float64(latency.Milliseconds()))
	if err != nil {
		m.log.Warn("provider bulk fetch failed",
			slog.String("provider", c.cfg.Provider),
			slog.String("config_id", c.cfg.ID),
			slog.Int("symbols", len(symbols)),
			slog.Any("error", err))
		return nil, err
	}
	return quotes, nil
}

func (m *ProviderManager) store(ctx context.Context, snap *domain.PriceSnapshot) {
	if err := m.prices.AppendSnapshot(ctx, snap); err != nil {
		m.log.Warn("snapshot append failed", slog.String("symbol", snap.Symbol), slog.Any("error", err))
	}
	if err := m.prices.UpsertCurrent(ctx, snap.Current()); err != nil {
		m.log.Warn("current price upsert failed", slog.String("symbol", snap.Symbol), slog.Any("error", err))
	}
}

// candidates builds the ordered list: active configurations minus unroutable
// ones, ordered by the strategy, preferred id promoted, and (for bulk) the
// bulk-capable partition first with relative order preserved.
func (m *ProviderManager) candidates(ctx context.Context, preferredID string, bulkFirst bool) ([]candidate, error) {
	cfgs, err := m.configs.ListActive(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]candidate, 0, len(cfgs))
	for _, cfg := range cfgs {
		if !m.tracker.Get(cfg.ID).Status.Routable() {
			continue
		}
		caps, err := m.registry.Capabilities(cfg.Provider)
		if err != nil {
			// Configuration for a type no longer registered
			continue
		}
		out = append(out, candidate{cfg: cfg, caps: caps})
	}

	switch m.strategy {
	case StrategyPerformance:
		sort.SliceStable(out, func(i, j int) bool {
			return m.score(out[i].cfg.ID) > m.score(out[j].cfg.ID)
		})
	default:
		sort.SliceStable(out, func(i, j int) bool {
			return out[i].cfg.Priority < out[j].cfg.Priority
		})
	}

	if bulkFirst {
		bulk := make([]candidate, 0, len(out))
		rest := make([]candidate, 0, len(out))
		for _, c := range out {
			if c.caps.SupportsBulk {
				bulk = append(bulk, c)
			} else {
				rest = append(rest, c)
			}
		}
		out = append(bulk, rest...)
	}

	if preferredID != "" {
		for i, c := range out {
			if c.cfg.ID == preferredID {
				promoted := append([]candidate{c}, out[:i]...)
				out = append(promoted, out[i+1:]...)
				break
			}
		}
	}
	return out, nil
}

func (m *ProviderManager) score(id string) float64 {
	h := m.tracker.Get(id)
	return h.SuccessRate - h.AvgLatencyMS/1000
}

// CheckHealth returns the current health record for one configuration.
func (m *ProviderManager) CheckHealth(id string) domain.ProviderHealth {
	return m.tracker.Get(id)
}

// AllHealth returns the health record of every known configuration.
func (m *ProviderManager) AllHealth() map[string]domain.ProviderHealth {
	return m.tracker.All()
}

// BestBulkLimit returns the largest bulk capacity among active providers,
// or 0 when none supports bulk.
func (m *ProviderManager) BestBulkLimit(ctx context.Context) int {
	cfgs, err := m.configs.ListActive(ctx)
	if err != nil {
		return 0
	}
	best := 0
	for _, cfg := range cfgs {
		caps, err := m.registry.Capabilities(cfg.Provider)
		if err != nil {
			continue
		}
		if caps.SupportsBulk && caps.MaxBulkSymbols > best {
			best = caps.MaxBulkSymbols
		}
	}
	return best
}

func (m *ProviderManager) rememberRequested(symbols ...string) {
	now := time.Now()
	m.recentMu.Lock()
	for _, s := range symbols {
		m.recent[s] = now
	}
	m.recentMu.Unlock()
}

// RecentSymbols returns symbols requested within the recency window, used by
// the scheduler to keep actively watched symbols fresh.
func (m *ProviderManager) RecentSymbols() []string {
	cutoff := time.Now().Add(-recentSymbolTTL)
	m.recentMu.Lock()
	defer m.recentMu.Unlock()
	out := make([]string, 0, len(m.recent))
	for s, at := range m.recent {
		if at.Before(cutoff) {
			delete(m.recent, s)
			continue
		}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// IsSymbolError reports whether an error means the symbol itself was
// rejected rather than the provider failing.
func IsSymbolError(err error) bool {
	return errors.Is(err, domain.ErrInvalidSymbol)
}
