package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"stockfeed/internal/domain"
	"stockfeed/internal/infra"

	"github.com/shopspring/decimal"
)

var oneHundred = decimal.NewFromInt(100)

// ValuationEngine recomputes portfolio totals whenever fresh prices land.
// The coalesced entry point exists so a batch of symbols touches each
// affected portfolio exactly once instead of once per symbol.
type ValuationEngine struct {
	prices     domain.PriceRepository
	portfolios domain.PortfolioRepository
	activities domain.ActivitySink
	metrics    *infra.Metrics
	log        *slog.Logger
}

func NewValuationEngine(prices domain.PriceRepository, portfolios domain.PortfolioRepository, activities domain.ActivitySink, metrics *infra.Metrics, log *slog.Logger) *ValuationEngine {
	return &ValuationEngine{
		prices:     prices,
		portfolios: portfolios,
		activities: activities,
		metrics:    metrics,
		log:        log,
	}
}

// OnSymbolUpdated recomputes every portfolio holding the symbol.
func (e *ValuationEngine) OnSymbolUpdated(ctx context.Context, symbol string) error {
	return e.process(ctx, []string{symbol}, "single")
}

// OnSymbolsUpdated is the coalesced path: numerically identical to calling
// OnSymbolUpdated once per symbol, but each portfolio is recomputed once.
func (e *ValuationEngine) OnSymbolsUpdated(ctx context.Context, symbols []string) error {
	return e.process(ctx, symbols, "bulk")
}

func (e *ValuationEngine) process(ctx context.Context, symbols []string, trigger string) error {
	start := time.Now()

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
		return domain.ErrInvalidSymbol
	}

	portfolios, err := e.portfolios.FindBySymbols(ctx, cleaned)
	if err != nil {
		e.metrics.RecordRecalc(false)
		e.recordMetrics(ctx, cleaned, trigger, 0, 1, time.Since(start))
		return err
	}

	var failures int
	for _, p := range portfolios {
		if err := e.recalculate(ctx, p); err != nil {
			// one portfolio failing must not abort the rest
			failures++
			e.log.Warn("portfolio recalculation failed",
				slog.String("portfolio_id", p.ID), slog.Any("error", err))
		}
	}

	e.metrics.RecordRecalc(failures == 0)
	e.recordMetrics(ctx, cleaned, trigger, len(portfolios), failures, time.Since(start))
	return nil
}

// recalculate recomputes the three derived fields of one portfolio from the
// current price record of every held symbol.
func (e *ValuationEngine) recalculate(ctx context.Context, p *domain.Portfolio) error {
	held := make([]string, 0, len(p.Holdings))
	for _, h := range p.Holdings {
		if h.Quantity.IsPositive() {
			held = append(held, h.Symbol)
		}
	}
	if len(held) == 0 {
		return nil
	}

	current, err := e.prices.CurrentMany(ctx, held)
	if err != nil {
		return err
	}

	total := decimal.Zero
	change := decimal.Zero
	unrealized := decimal.Zero
	for _, h := range p.Holdings {
		if !h.Quantity.IsPositive() {
			continue
		}
		cur, ok := current[h.Symbol]
		if !ok {
			// no snapshot yet; the holding contributes nothing
			continue
		}
		total = total.Add(h.MarketValue(cur.Price))
		unrealized = unrealized.Add(h.UnrealizedGain(cur.Price))
		if cur.Open != nil {
			change = change.Add(h.Quantity.Mul(cur.Price.Sub(*cur.Open)))
		}
	}

	// percent is change relative to the opening value; 0 when that value
	// is zero or negative, never an error
	changePct := decimal.Zero
	if openValue := total.Sub(change); openValue.IsPositive() {
		changePct = change.Div(openValue).Mul(oneHundred).Round(2)
	}

	e.log.Debug("portfolio revalued",
		slog.String("portfolio_id", p.ID),
		slog.String("total", total.String()),
		slog.String("unrealized_gain", unrealized.String()))

	return e.portfolios.SaveValuation(ctx, p.ID, total, change, changePct, time.Now().UTC())
}

// recordMetrics writes the update-metrics entry. A sink failure never fails
// the recalculation that produced it.
func (e *ValuationEngine) recordMetrics(ctx context.Context, symbols []string, trigger string, portfolios, failures int, took time.Duration) {
	a := &domain.Activity{
		Type:        "valuation_update",
		Severity:    domain.SeverityInfo,
		Description: fmt.Sprintf("revalued %d portfolios for %d symbols", portfolios, len(symbols)),
		Metadata: map[string]string{
			"trigger":     trigger,
			"symbols":     strings.Join(symbols, ","),
			"coalesced":   fmt.Sprintf("%d", len(symbols)),
			"portfolios":  fmt.Sprintf("%d", portfolios),
			"failures":    fmt.Sprintf("%d", failures),
			"duration_ms": fmt.Sprintf("%d", took.Milliseconds()),
		},
	}
	if failures > 0 {
		a.Severity = domain.SeverityWarning
	}
	if err := e.activities.Record(ctx, a); err != nil {
		e.log.Warn("activity record failed", slog.String("type", a.Type), slog.Any("error", err))
	}
}
