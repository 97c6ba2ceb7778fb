package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"stockfeed/internal/domain"
	"stockfeed/internal/infra"

	"golang.org/x/sync/errgroup"
)

const (
	historyCapacity = 10
	failureStreak   = 3 // consecutive failed probes before the failure alert
	recoveryStreak  = 2 // consecutive good probes before the recovery alert
	unhealthyAfter  = 3 // consecutive errors before status unhealthy
	circuitAfter    = 5 // consecutive errors before the circuit opens
	degradedBelow   = 0.8
)

// HealthCheckConfig tunes the probe loop.
type HealthCheckConfig struct {
	Interval         time.Duration
	ProbeTimeout     time.Duration
	MaxConcurrent    int
	LatencyCeilingMS float64
}

// HealthService probes every active configuration on a fixed interval,
// independent of request traffic, and keeps a bounded rolling history per
// adapter. Probe failures never crash the loop; only Stop ends it.
type HealthService struct {
	configs    *ConfigManager
	tracker    *HealthTracker
	activities domain.ActivitySink
	metrics    *infra.Metrics
	log        *slog.Logger
	cfg        HealthCheckConfig

	mu        sync.Mutex
	history   map[string][]domain.ProbeResult
	perfAlert map[string]bool // latched while the performance condition holds
	running   bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func NewHealthService(configs *ConfigManager, tracker *HealthTracker, activities domain.ActivitySink, metrics *infra.Metrics, cfg HealthCheckConfig, log *slog.Logger) *HealthService {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 10 * time.Second
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.LatencyCeilingMS <= 0 {
		cfg.LatencyCeilingMS = 5000
	}
	return &HealthService{
		configs:    configs,
		tracker:    tracker,
		activities: activities,
		metrics:    metrics,
		log:        log,
		cfg:        cfg,
		history:    make(map[string][]domain.ProbeResult),
		perfAlert:  make(map[string]bool),
	}
}

// Start launches the probe loop.
func (s *HealthService) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("health service already running")
	}
	s.running = true
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(ctx)
	return nil
}

// Stop cancels the loop and returns only after it has fully exited.
func (s *HealthService) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
}

func (s *HealthService) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	// First pass immediately so routing has signals before the first tick
	s.RunChecks(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunChecks(ctx)
		}
	}
}

// RunChecks probes every active configuration once, with bounded
// concurrency so one slow probe does not block the rest.
func (s *HealthService) RunChecks(ctx context.Context) {
	cfgs, err := s.configs.ListActive(ctx)
	if err != nil {
		s.log.Warn("health check: listing configurations failed", slog.Any("error", err))
		return
	}

	var g errgroup.Group
	g.SetLimit(s.cfg.MaxConcurrent)
	for _, cfg := range cfgs {
		cfg := cfg
		g.Go(func() error {
			s.probeOne(ctx, cfg)
			return nil
		})
	}
	_ = g.Wait()
}

func (s *HealthService) probeOne(ctx context.Context, cfg *domain.ProviderConfiguration) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("health probe panic", slog.String("config_id", cfg.ID), slog.Any("panic", r))
			s.record(ctx, &domain.Activity{
				ProviderID:  cfg.ID,
				Type:        "health_check_error",
				Severity:    domain.SeverityError,
				Description: fmt.Sprintf("probe panic: %v", r),
			})
		}
	}()

	start := time.Now()
	probeErr := s.probe(ctx, cfg)
	latency := time.Since(start)
	s.metrics.RecordProbe()

	healthy := probeErr == nil
	rec := s.tracker.RecordOutcome(cfg.ID, healthy, float64(latency.Milliseconds()))
	status := s.evaluateStatus(rec, probeErr)
	prev := s.tracker.SetStatus(cfg.ID, status)

	result := domain.ProbeResult{
		Healthy:   healthy,
		Status:    status,
		LatencyMS: float64(latency.Milliseconds()),
		CheckedAt: time.Now().UTC(),
	}
	if probeErr != nil {
		result.Error = probeErr.Error()
	}
	hist := s.appendHistory(cfg.ID, result)

	if prev != status {
		sev := domain.SeverityInfo
		if !status.Routable() {
			sev = domain.SeverityWarning
		}
		s.record(ctx, &domain.Activity{
			ProviderID:  cfg.ID,
			Type:        "health_status_change",
			Severity:    sev,
			Description: fmt.Sprintf("%s: %s -> %s", cfg.DisplayName, prev, status),
			Metadata: map[string]string{
				"from":         string(prev),
				"to":           string(status),
				"success_rate": fmt.Sprintf("%.2f", rec.SuccessRate),
			},
		})
	}

	s.evaluateAlerts(ctx, cfg, hist, status, rec)
}

func (s *HealthService) probe(ctx context.Context, cfg *domain.ProviderConfiguration) error {
	adapter, err := s.configs.GetAdapter(ctx, cfg.ID)
	if err != nil {
		return err
	}
	pctx, cancel := context.WithTimeout(ctx, s.cfg.ProbeTimeout)
	defer cancel()
	return adapter.Probe(pctx)
}

func (s *HealthService) evaluateStatus(rec domain.ProviderHealth, probeErr error) domain.HealthStatus {
	var rl *domain.RateLimitError
	if errors.As(probeErr, &rl) {
		return domain.StatusRateLimited
	}
	switch {
	case rec.ConsecutiveErrors >= circuitAfter:
		return domain.StatusCircuitOpen
	case rec.ConsecutiveErrors >= unhealthyAfter:
		return domain.StatusUnhealthy
	case rec.SuccessRate < degradedBelow:
		return domain.StatusDegraded
	default:
		return domain.StatusHealthy
	}
}

func (s *HealthService) appendHistory(id string, r domain.ProbeResult) []domain.ProbeResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	hist := append(s.history[id], r)
	if len(hist) > historyCapacity {
		hist = hist[len(hist)-historyCapacity:]
	}
	s.history[id] = hist
	out := make([]domain.ProbeResult, len(hist))
	copy(out, hist)
	return out
}

// History returns a copy of the rolling probe history for one configuration.
func (s *HealthService) History(id string) []domain.ProbeResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	hist := s.history[id]
	out := make([]domain.ProbeResult, len(hist))
	copy(out, hist)
	return out
}

// evaluateAlerts applies the three independent alert rules to the rolling
// history. Each streak fires its alert exactly once: at the probe where the
// streak reaches the threshold.
func (s *HealthService) evaluateAlerts(ctx context.Context, cfg *domain.ProviderConfiguration, hist []domain.ProbeResult, status domain.HealthStatus, rec domain.ProviderHealth) {
	n := len(hist)

	// (a) failure streak
	if n >= failureStreak && allUnhealthy(hist[n-failureStreak:]) &&
		(n == failureStreak || hist[n-failureStreak-1].Healthy) {
		s.record(ctx, &domain.Activity{
			ProviderID:  cfg.ID,
			Type:        "health_failure_alert",
			Severity:    domain.SeverityError,
			Description: fmt.Sprintf("%s failed %d consecutive health checks", cfg.DisplayName, failureStreak),
			Metadata:    map[string]string{"status": string(status)},
		})
	}

	// (b) recovery streak right after a failing run
	if n > recoveryStreak && allHealthy(hist[n-recoveryStreak:]) && !hist[n-recoveryStreak-1].Healthy {
		s.record(ctx, &domain.Activity{
			ProviderID:  cfg.ID,
			Type:        "health_recovery_alert",
			Severity:    domain.SeverityInfo,
			Description: fmt.Sprintf("%s recovered after %d consecutive healthy checks", cfg.DisplayName, recoveryStreak),
		})
	}

	// (c) performance degradation while nominally healthy, latched so it
	// fires once per degradation episode
	degraded := status == domain.StatusHealthy &&
		(rec.SuccessRate < degradedBelow || rec.AvgLatencyMS > s.cfg.LatencyCeilingMS)
	s.mu.Lock()
	latched := s.perfAlert[cfg.ID]
	s.perfAlert[cfg.ID] = degraded
	s.mu.Unlock()
	if degraded && !latched {
		s.record(ctx, &domain.Activity{
			ProviderID:  cfg.ID,
			Type:        "health_performance_alert",
			Severity:    domain.SeverityWarning,
			Description: fmt.Sprintf("%s is healthy but degrading", cfg.DisplayName),
			Metadata: map[string]string{
				"success_rate":   fmt.Sprintf("%.2f", rec.SuccessRate),
				"avg_latency_ms": fmt.Sprintf("%.0f", rec.AvgLatencyMS),
			},
		})
	}
}

func allUnhealthy(rs []domain.ProbeResult) bool {
	for _, r := range rs {
		if r.Healthy {
			return false
		}
	}
	return true
}

func allHealthy(rs []domain.ProbeResult) bool {
	for _, r := range rs {
		if !r.Healthy {
			return false
		}
	}
	return true
}

func (s *HealthService) record(ctx context.Context, a *domain.Activity) {
	if err := s.activities.Record(ctx, a); err != nil {
		// sink failures never fail the health check
		s.log.Warn("activity record failed", slog.String("type", a.Type), slog.Any("error", err))
	}
}
