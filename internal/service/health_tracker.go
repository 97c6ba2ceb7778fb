package service

import (
	"sync"
	"time"

	"stockfeed/internal/domain"
)

const (
	successNudge = 0.1 // per-outcome adjustment, clamped to [0,1]
)

// HealthTracker keeps the per-configuration health records shared between
// the provider manager (per-attempt feedback) and the health check service
// (status transitions). Records are approximate signals; last writer wins,
// but reads never see a partial record.
type HealthTracker struct {
	mu      sync.RWMutex
	records map[string]*domain.ProviderHealth
}

func NewHealthTracker() *HealthTracker {
	return &HealthTracker{records: make(map[string]*domain.ProviderHealth)}
}

func (t *HealthTracker) record(id string) *domain.ProviderHealth {
	rec, ok := t.records[id]
	if !ok {
		rec = &domain.ProviderHealth{
			ProviderID:  id,
			Status:      domain.StatusHealthy,
			SuccessRate: 1.0,
		}
		t.records[id] = rec
	}
	return rec
}

// RecordOutcome nudges the success rate by ±0.1 and folds the latency into a
// two-point moving average. Returns a copy of the updated record.
func (t *HealthTracker) RecordOutcome(id string, ok bool, latencyMS float64) domain.ProviderHealth {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec := t.record(id)
	if ok {
		rec.SuccessRate += successNudge
		if rec.SuccessRate > 1 {
			rec.SuccessRate = 1
		}
		rec.ConsecutiveErrors = 0
	} else {
		rec.SuccessRate -= successNudge
		if rec.SuccessRate < 0 {
			rec.SuccessRate = 0
		}
		rec.ConsecutiveErrors++
	}
	if rec.AvgLatencyMS == 0 {
		rec.AvgLatencyMS = latencyMS
	} else {
		rec.AvgLatencyMS = (rec.AvgLatencyMS + latencyMS) / 2
	}
	rec.LastCheck = time.Now().UTC()
	return *rec
}

// SetStatus updates the status and returns the previous one.
func (t *HealthTracker) SetStatus(id string, status domain.HealthStatus) domain.HealthStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec := t.record(id)
	prev := rec.Status
	rec.Status = status
	return prev
}

// Get returns a copy of the record; unknown ids read as healthy.
func (t *HealthTracker) Get(id string) domain.ProviderHealth {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if rec, ok := t.records[id]; ok {
		return *rec
	}
	return domain.ProviderHealth{ProviderID: id, Status: domain.StatusHealthy, SuccessRate: 1.0}
}

// All returns a copy of every known record.
func (t *HealthTracker) All() map[string]domain.ProviderHealth {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]domain.ProviderHealth, len(t.records))
	for id, rec := range t.records {
		out[id] = *rec
	}
	return out
}
