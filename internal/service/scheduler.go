package service

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"stockfeed/internal/domain"
	"stockfeed/internal/infra"
)

// SchedulerState is the run state of the background refresh loop.
type SchedulerState string

const (
	SchedulerStopped SchedulerState = "stopped"
	SchedulerRunning SchedulerState = "running"
	SchedulerPaused  SchedulerState = "paused"
)

// SchedulerConfig tunes the refresh loop.
type SchedulerConfig struct {
	Interval        time.Duration
	InitialDelay    time.Duration
	BulkFetch       bool
	FallbackSymbols []string
}

// SchedulerStatus is a point-in-time snapshot of the scheduler.
type SchedulerStatus struct {
	State      SchedulerState `json:"state"`
	PauseUntil *time.Time     `json:"pause_until,omitempty"`
	StopReason string         `json:"stop_reason,omitempty"`
	LastRun    time.Time      `json:"last_run"`
	NextRun    time.Time      `json:"next_run"`
	Interval   time.Duration  `json:"interval"`
	BulkFetch  bool           `json:"bulk_fetch"`
}

// SchedulerService periodically refreshes prices for the actively monitored
// symbol set (portfolio holdings plus recently requested symbols). Control
// actions invalid in the current state return a structured failure; only an
// explicit Stop ends the loop.
type SchedulerService struct {
	manager    *ProviderManager
	portfolios domain.PortfolioRepository
	activities domain.ActivitySink
	metrics    *infra.Metrics
	log        *slog.Logger
	cfg        SchedulerConfig

	mu         sync.Mutex
	state      SchedulerState
	pauseUntil time.Time
	stopReason string
	lastRun    time.Time
	nextRun    time.Time
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

func NewSchedulerService(manager *ProviderManager, portfolios domain.PortfolioRepository, activities domain.ActivitySink, metrics *infra.Metrics, cfg SchedulerConfig, log *slog.Logger) *SchedulerService {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if len(cfg.FallbackSymbols) == 0 {
		cfg.FallbackSymbols = []string{"AAPL", "MSFT", "GOOGL"}
	}
	return &SchedulerService{
		manager:    manager,
		portfolios: portfolios,
		activities: activities,
		metrics:    metrics,
		log:        log,
		cfg:        cfg,
		state:      SchedulerStopped,
	}
}

// Start transitions stopped -> running and launches the loop.
func (s *SchedulerService) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != SchedulerStopped {
		return &domain.SchedulerTransitionError{Action: "start", State: string(s.state)}
	}
	s.state = SchedulerRunning
	s.stopReason = ""
	s.pauseUntil = time.Time{}
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go s.loop(ctx)
	return nil
}

// Stop transitions running|paused -> stopped. It cancels any in-flight wait
// and returns only after the loop has fully exited.
func (s *SchedulerService) Stop(reason string) error {
	s.mu.Lock()
	if s.state == SchedulerStopped {
		s.mu.Unlock()
		return &domain.SchedulerTransitionError{Action: "stop", State: string(s.state)}
	}
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()

	s.mu.Lock()
	s.state = SchedulerStopped
	s.stopReason = reason
	s.pauseUntil = time.Time{}
	s.mu.Unlock()

	s.log.Info("scheduler stopped", slog.String("reason", reason))
	return nil
}

// Pause transitions running -> paused, optionally until a deadline after
// which the loop resumes on its own. The pause is observed before the next
// fetch, even when requested mid-wait.
func (s *SchedulerService) Pause(d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != SchedulerRunning {
		return &domain.SchedulerTransitionError{Action: "pause", State: string(s.state)}
	}
	s.state = SchedulerPaused
	if d > 0 {
		s.pauseUntil = time.Now().Add(d)
	} else {
		s.pauseUntil = time.Time{}
	}
	return nil
}

// Resume transitions paused -> running.
func (s *SchedulerService) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != SchedulerPaused {
		return &domain.SchedulerTransitionError{Action: "resume", State: string(s.state)}
	}
	s.state = SchedulerRunning
	s.pauseUntil = time.Time{}
	return nil
}

// Status returns a snapshot of the run state.
func (s *SchedulerService) Status() SchedulerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := SchedulerStatus{
		State:      s.state,
		StopReason: s.stopReason,
		LastRun:    s.lastRun,
		NextRun:    s.nextRun,
		Interval:   s.cfg.Interval,
		BulkFetch:  s.cfg.BulkFetch,
	}
	if !s.pauseUntil.IsZero() {
		until := s.pauseUntil
		st.PauseUntil = &until
	}
	return st
}

func (s *SchedulerService) loop(ctx context.Context) {
	defer s.wg.Done()

	if s.cfg.InitialDelay > 0 {
		if !s.sleep(ctx, s.cfg.InitialDelay) {
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		// Pause may have been requested during any wait; check before the
		// fetch, not just at cycle boundaries.
		if s.paused() {
			if !s.sleep(ctx, time.Second) {
				return
			}
			continue
		}

		s.runOnce(ctx)

		s.mu.Lock()
		s.lastRun = time.Now()
		s.nextRun = s.lastRun.Add(s.cfg.Interval)
		s.mu.Unlock()

		if !s.sleep(ctx, s.cfg.Interval) {
			return
		}
	}
}

// paused reports whether the loop should hold, auto-resuming when a timed
// pause has expired.
func (s *SchedulerService) paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != SchedulerPaused {
		return false
	}
	if !s.pauseUntil.IsZero() && time.Now().After(s.pauseUntil) {
		s.state = SchedulerRunning
		s.pauseUntil = time.Time{}
		return false
	}
	return true
}

// runOnce refreshes one batch. Any failure is logged and recorded; the loop
// always proceeds to the next iteration.
func (s *SchedulerService) runOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("scheduler iteration panic", slog.Any("panic", r))
		}
	}()

	symbols := s.discoverSymbols(ctx)
	if len(symbols) == 0 {
		return
	}

	start := time.Now()
	results, err := s.manager.GetPrices(ctx, symbols, s.cfg.BulkFetch)
	succeeded := len(results)
	failed := len(symbols) - succeeded
	if err != nil {
		s.log.Warn("scheduled refresh failed", slog.Int("symbols", len(symbols)), slog.Any("error", err))
	}
	s.metrics.RecordSchedulerBatch()

	a := &domain.Activity{
		Type:        "scheduler_batch",
		Severity:    domain.SeverityInfo,
		Description: fmt.Sprintf("refreshed %d/%d symbols", succeeded, len(symbols)),
		Metadata: map[string]string{
			"requested":   fmt.Sprintf("%d", len(symbols)),
			"succeeded":   fmt.Sprintf("%d", succeeded),
			"failed":      fmt.Sprintf("%d", failed),
			"duration_ms": fmt.Sprintf("%d", time.Since(start).Milliseconds()),
		},
	}
	if failed > 0 {
		a.Severity = domain.SeverityWarning
	}
	if err := s.activities.Record(ctx, a); err != nil {
		s.log.Warn("activity record failed", slog.String("type", a.Type), slog.Any("error", err))
	}
}

// discoverSymbols builds the active set: portfolio holdings plus recently
// requested symbols, capped at the best bulk limit, falling back to a small
// fixed sample when discovery yields nothing.
func (s *SchedulerService) discoverSymbols(ctx context.Context) []string {
	seen := make(map[string]bool)
	var symbols []string

	held, err := s.portfolios.HeldSymbols(ctx)
	if err != nil {
		s.log.Warn("holding discovery failed", slog.Any("error", err))
	}
	for _, sym := range held {
		if !seen[sym] {
			seen[sym] = true
			symbols = append(symbols, sym)
		}
	}
	for _, sym := range s.manager.RecentSymbols() {
		if !seen[sym] {
			seen[sym] = true
			symbols = append(symbols, sym)
		}
	}
	sort.Strings(symbols)

	if len(symbols) == 0 {
		return s.cfg.FallbackSymbols
	}
	if limit := s.manager.BestBulkLimit(ctx); limit > 0 && len(symbols) > limit {
		symbols = symbols[:limit]
	}
	return symbols
}

// sleep waits for d or until cancellation; false means the loop must exit.
func (s *SchedulerService) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
