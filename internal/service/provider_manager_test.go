package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"stockfeed/internal/domain"
	"stockfeed/internal/infra"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quoteFor(symbol string, price float64) *domain.Quote {
	open := decimal.NewFromFloat(price).Sub(decimal.NewFromInt(1))
	return &domain.Quote{
		Symbol:    symbol,
		Price:     decimal.NewFromFloat(price),
		Open:      &open,
		Timestamp: time.Now().UTC(),
	}
}

func alwaysQuote(price float64) func(string) (*domain.Quote, error) {
	return func(symbol string) (*domain.Quote, error) {
		return quoteFor(symbol, price), nil
	}
}

func alwaysFail(err error) func(string) (*domain.Quote, error) {
	return func(string) (*domain.Quote, error) { return nil, err }
}

func newManager(env *testEnv, strategy RoutingStrategy) (*ProviderManager, *memPriceRepo) {
	prices := newMemPriceRepo()
	m := NewProviderManager(env.configs, env.registry, prices, env.tracker, &infra.Metrics{}, strategy, testLogger())
	return m, prices
}

func TestGetPriceStopsAtFirstSuccess(t *testing.T) {
	env := newTestEnv()
	primary := &fakeAdapter{name: "primary", quoteFn: alwaysQuote(100)}
	backup := &fakeAdapter{name: "backup", quoteFn: alwaysQuote(200)}
	env.addProvider("primary", 1, domain.ProviderCapabilities{}, primary)
	env.addProvider("backup", 2, domain.ProviderCapabilities{}, backup)

	m, prices := newManager(env, StrategyPriority)
	snap, err := m.GetPrice(context.Background(), "aapl", "")
	require.NoError(t, err)

	assert.Equal(t, "AAPL", snap.Symbol)
	assert.True(t, snap.Price.Equal(decimal.NewFromInt(100)))

	fetches, _ := primary.calls()
	assert.Equal(t, 1, fetches)
	fetches, _ = backup.calls()
	assert.Equal(t, 0, fetches, "backup must not be consulted after a success")

	// snapshot persisted as both history and current
	cur, err := prices.Current(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.True(t, cur.Price.Equal(decimal.NewFromInt(100)))
	assert.Len(t, prices.history, 1)
}

func TestGetPriceFallsThroughFailures(t *testing.T) {
	env := newTestEnv()
	bad := &fakeAdapter{name: "bad", quoteFn: alwaysFail(errors.New("upstream 500"))}
	good := &fakeAdapter{name: "good", quoteFn: alwaysQuote(42)}
	env.addProvider("bad", 1, domain.ProviderCapabilities{}, bad)
	env.addProvider("good", 2, domain.ProviderCapabilities{}, good)

	m, _ := newManager(env, StrategyPriority)
	snap, err := m.GetPrice(context.Background(), "MSFT", "")
	require.NoError(t, err)
	assert.True(t, snap.Price.Equal(decimal.NewFromInt(42)))

	fetches, _ := bad.calls()
	assert.Equal(t, 1, fetches)
}

func TestGetPriceAllProvidersFailed(t *testing.T) {
	env := newTestEnv()
	first := &fakeAdapter{name: "first", quoteFn: alwaysFail(errors.New("boom one"))}
	last := &fakeAdapter{name: "last", quoteFn: alwaysFail(errors.New("boom two"))}
	env.addProvider("first", 1, domain.ProviderCapabilities{}, first)
	env.addProvider("last", 2, domain.ProviderCapabilities{}, last)

	m, _ := newManager(env, StrategyPriority)
	_, err := m.GetPrice(context.Background(), "GOOG", "")
	require.Error(t, err)

	var all *domain.AllProvidersFailedError
	require.True(t, errors.As(err, &all))
	assert.Equal(t, "GOOG", all.Symbol)
	assert.Equal(t, 2, all.Attempts)
	assert.EqualError(t, all.LastErr, "boom two")
}

func TestGetPriceRejectsEmptySymbol(t *testing.T) {
	env := newTestEnv()
	m, _ := newManager(env, StrategyPriority)
	_, err := m.GetPrice(context.Background(), "   ", "")
	assert.ErrorIs(t, err, domain.ErrInvalidSymbol)
}

func TestGetPriceNoActiveProviders(t *testing.T) {
	env := newTestEnv()
	m, _ := newManager(env, StrategyPriority)
	_, err := m.GetPrice(context.Background(), "AAPL", "")
	assert.ErrorIs(t, err, domain.ErrNoActiveProviders)
}

func TestGetPricePreferredProviderGoesFirst(t *testing.T) {
	env := newTestEnv()
	primary := &fakeAdapter{name: "primary", quoteFn: alwaysQuote(100)}
	preferred := &fakeAdapter{name: "preferred", quoteFn: alwaysQuote(200)}
	env.addProvider("primary", 1, domain.ProviderCapabilities{}, primary)
	cfg := env.addProvider("preferred", 2, domain.ProviderCapabilities{}, preferred)

	m, _ := newManager(env, StrategyPriority)
	snap, err := m.GetPrice(context.Background(), "AAPL", cfg.ID)
	require.NoError(t, err)

	assert.True(t, snap.Price.Equal(decimal.NewFromInt(200)))
	fetches, _ := primary.calls()
	assert.Equal(t, 0, fetches)
}

func TestGetPriceSkipsUnroutableProviders(t *testing.T) {
	env := newTestEnv()
	down := &fakeAdapter{name: "down", quoteFn: alwaysQuote(1)}
	up := &fakeAdapter{name: "up", quoteFn: alwaysQuote(2)}
	downCfg := env.addProvider("down", 1, domain.ProviderCapabilities{}, down)
	env.addProvider("up", 2, domain.ProviderCapabilities{}, up)

	env.tracker.SetStatus(downCfg.ID, domain.StatusCircuitOpen)

	m, _ := newManager(env, StrategyPriority)
	snap, err := m.GetPrice(context.Background(), "AAPL", "")
	require.NoError(t, err)

	assert.True(t, snap.Price.Equal(decimal.NewFromInt(2)))
	fetches, _ := down.calls()
	assert.Equal(t, 0, fetches)
}

func TestPerformanceStrategyPrefersBetterScore(t *testing.T) {
	env := newTestEnv()
	slow := &fakeAdapter{name: "slow", quoteFn: alwaysQuote(1)}
	fast := &fakeAdapter{name: "fast", quoteFn: alwaysQuote(2)}
	slowCfg := env.addProvider("slow", 1, domain.ProviderCapabilities{}, slow)
	fastCfg := env.addProvider("fast", 2, domain.ProviderCapabilities{}, fast)

	// slow: full success rate but punishing latency; fast: quick and clean
	env.tracker.RecordOutcome(slowCfg.ID, true, 4000)
	env.tracker.RecordOutcome(fastCfg.ID, true, 50)

	m, _ := newManager(env, StrategyPerformance)
	snap, err := m.GetPrice(context.Background(), "AAPL", "")
	require.NoError(t, err)

	assert.True(t, snap.Price.Equal(decimal.NewFromInt(2)),
		"performance routing must pick the fast provider despite its lower priority")
}

func TestGetPricesBulkUsesOneLogicalRequest(t *testing.T) {
	env := newTestEnv()
	bulk := &fakeAdapter{name: "bulk", bulkFn: func(symbols []string) ([]*domain.Quote, error) {
		out := make([]*domain.Quote, len(symbols))
		for i, s := range symbols {
			out[i] = quoteFor(s, float64(10+i))
		}
		return out, nil
	}}
	env.addProvider("bulk", 1, domain.ProviderCapabilities{SupportsBulk: true, MaxBulkSymbols: 50}, bulk)

	m, _ := newManager(env, StrategyPriority)
	results, err := m.GetPrices(context.Background(), []string{"AAPL", "MSFT", "GOOGL"}, true)
	require.NoError(t, err)

	assert.Len(t, results, 3)
	fetches, bulks := bulk.calls()
	assert.Equal(t, 0, fetches)
	assert.Equal(t, 1, bulks, "three symbols must travel in one request")
}

func TestGetPricesBulkCapableGoesFirst(t *testing.T) {
	env := newTestEnv()
	single := &fakeAdapter{name: "single", quoteFn: alwaysQuote(1)}
	bulk := &fakeAdapter{name: "bulk", bulkFn: func(symbols []string) ([]*domain.Quote, error) {
		out := make([]*domain.Quote, len(symbols))
		for i, s := range symbols {
			out[i] = quoteFor(s, 5)
		}
		return out, nil
	}}
	env.addProvider("single", 1, domain.ProviderCapabilities{}, single)
	env.addProvider("bulk", 2, domain.ProviderCapabilities{SupportsBulk: true, MaxBulkSymbols: 10}, bulk)

	m, _ := newManager(env, StrategyPriority)
	_, err := m.GetPrices(context.Background(), []string{"AAPL", "MSFT"}, true)
	require.NoError(t, err)

	_, bulks := bulk.calls()
	assert.Equal(t, 1, bulks)
	fetches, _ := single.calls()
	assert.Equal(t, 0, fetches, "lower-priority bulk provider must still be tried first")
}

func TestGetPricesPartialBatchContinuesDownTheList(t *testing.T) {
	env := newTestEnv()
	partial := &fakeAdapter{name: "partial", bulkFn: func(symbols []string) ([]*domain.Quote, error) {
		// only ever knows AAPL
		for _, s := range symbols {
			if s == "AAPL" {
				return []*domain.Quote{quoteFor("AAPL", 11)}, nil
			}
		}
		return nil, domain.ErrPriceNotFound
	}}
	sweeper := &fakeAdapter{name: "sweeper", quoteFn: alwaysQuote(22)}
	env.addProvider("partial", 1, domain.ProviderCapabilities{SupportsBulk: true, MaxBulkSymbols: 10}, partial)
	env.addProvider("sweeper", 2, domain.ProviderCapabilities{}, sweeper)

	m, _ := newManager(env, StrategyPriority)
	results, err := m.GetPrices(context.Background(), []string{"AAPL", "MSFT"}, true)
	require.NoError(t, err)

	require.Len(t, results, 2)
	assert.True(t, results["AAPL"].Price.Equal(decimal.NewFromInt(11)))
	assert.True(t, results["MSFT"].Price.Equal(decimal.NewFromInt(22)))
}

func TestGetPricesRespectsBulkLimit(t *testing.T) {
	env := newTestEnv()
	var seen []int
	bulk := &fakeAdapter{name: "tiny"}
	bulk.bulkFn = func(symbols []string) ([]*domain.Quote, error) {
		seen = append(seen, len(symbols))
		out := make([]*domain.Quote, len(symbols))
		for i, s := range symbols {
			out[i] = quoteFor(s, 1)
		}
		return out, nil
	}
	env.addProvider("tiny", 1, domain.ProviderCapabilities{SupportsBulk: true, MaxBulkSymbols: 2}, bulk)

	m, _ := newManager(env, StrategyPriority)
	results, err := m.GetPrices(context.Background(), []string{"A", "B", "C"}, true)
	require.NoError(t, err)

	// only the capped batch fits in one pass; the leftover has no candidate left
	assert.Len(t, results, 2)
	require.Len(t, seen, 1)
	assert.Equal(t, 2, seen[0])
}

func TestGetPricesDeduplicatesAndNormalizes(t *testing.T) {
	env := newTestEnv()
	var batches [][]string
	bulk := &fakeAdapter{name: "dedup"}
	bulk.bulkFn = func(symbols []string) ([]*domain.Quote, error) {
		batches = append(batches, append([]string(nil), symbols...))
		out := make([]*domain.Quote, len(symbols))
		for i, s := range symbols {
			out[i] = quoteFor(s, 1)
		}
		return out, nil
	}
	env.addProvider("dedup", 1, domain.ProviderCapabilities{SupportsBulk: true, MaxBulkSymbols: 10}, bulk)

	m, _ := newManager(env, StrategyPriority)
	results, err := m.GetPrices(context.Background(), []string{" aapl ", "AAPL", "msft"}, true)
	require.NoError(t, err)

	assert.Len(t, results, 2)
	require.Len(t, batches, 1)
	assert.ElementsMatch(t, []string{"AAPL", "MSFT"}, batches[0])
}

func TestGetPriceTriggersSingleRecalc(t *testing.T) {
	env := newTestEnv()
	adapter := &fakeAdapter{name: "p", quoteFn: alwaysQuote(10)}
	env.addProvider("p", 1, domain.ProviderCapabilities{}, adapter)

	m, _ := newManager(env, StrategyPriority)
	rec := &recordingRecalc{}
	m.SetValuation(rec)

	_, err := m.GetPrice(context.Background(), "AAPL", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"AAPL"}, rec.singles)
	assert.Empty(t, rec.batches)
}

func TestGetPricesTriggersOneCoalescedRecalc(t *testing.T) {
	env := newTestEnv()
	bulk := &fakeAdapter{name: "p", bulkFn: func(symbols []string) ([]*domain.Quote, error) {
		out := make([]*domain.Quote, len(symbols))
		for i, s := range symbols {
			out[i] = quoteFor(s, 1)
		}
		return out, nil
	}}
	env.addProvider("p", 1, domain.ProviderCapabilities{SupportsBulk: true, MaxBulkSymbols: 10}, bulk)

	m, _ := newManager(env, StrategyPriority)
	rec := &recordingRecalc{}
	m.SetValuation(rec)

	_, err := m.GetPrices(context.Background(), []string{"AAPL", "MSFT", "GOOGL"}, true)
	require.NoError(t, err)

	assert.Empty(t, rec.singles)
	require.Len(t, rec.batches, 1, "a batch must coalesce into one recalculation")
	assert.ElementsMatch(t, []string{"AAPL", "MSFT", "GOOGL"}, rec.batches[0])
}

func TestFetchOutcomesFeedHealthTracker(t *testing.T) {
	env := newTestEnv()
	bad := &fakeAdapter{name: "bad", quoteFn: alwaysFail(errors.New("down"))}
	cfg := env.addProvider("bad", 1, domain.ProviderCapabilities{}, bad)

	m, _ := newManager(env, StrategyPriority)
	_, _ = m.GetPrice(context.Background(), "AAPL", "")

	h := m.CheckHealth(cfg.ID)
	assert.InDelta(t, 0.9, h.SuccessRate, 1e-9)
	assert.Equal(t, 1, h.ConsecutiveErrors)
}

func TestRecentSymbolsTracksRequests(t *testing.T) {
	env := newTestEnv()
	adapter := &fakeAdapter{name: "p", quoteFn: alwaysQuote(1)}
	env.addProvider("p", 1, domain.ProviderCapabilities{}, adapter)

	m, _ := newManager(env, StrategyPriority)
	_, _ = m.GetPrice(context.Background(), "tsla", "")
	_, _ = m.GetPrice(context.Background(), "AAPL", "")

	assert.Equal(t, []string{"AAPL", "TSLA"}, m.RecentSymbols())
}

func TestBestBulkLimit(t *testing.T) {
	env := newTestEnv()
	env.addProvider("small", 1, domain.ProviderCapabilities{SupportsBulk: true, MaxBulkSymbols: 10}, &fakeAdapter{name: "small"})
	env.addProvider("large", 2, domain.ProviderCapabilities{SupportsBulk: true, MaxBulkSymbols: 100}, &fakeAdapter{name: "large"})
	env.addProvider("none", 3, domain.ProviderCapabilities{}, &fakeAdapter{name: "none"})

	m, _ := newManager(env, StrategyPriority)
	assert.Equal(t, 100, m.BestBulkLimit(context.Background()))
}

type recordingRecalc struct {
	singles []string
	batches [][]string
}

func (r *recordingRecalc) OnSymbolUpdated(ctx context.Context, symbol string) error {
	r.singles = append(r.singles, symbol)
	return nil
}

func (r *recordingRecalc) OnSymbolsUpdated(ctx context.Context, symbols []string) error {
	r.batches = append(r.batches, append([]string(nil), symbols...))
	return nil
}
