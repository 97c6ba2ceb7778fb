package service

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"stockfeed/internal/domain"
	"stockfeed/internal/registry"

	"github.com/google/uuid"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memConfigRepo is an in-memory ConfigRepository.
type memConfigRepo struct {
	mu    sync.Mutex
	items map[string]*domain.ProviderConfiguration
}

func newMemConfigRepo() *memConfigRepo {
	return &memConfigRepo{items: make(map[string]*domain.ProviderConfiguration)}
}

func (r *memConfigRepo) Create(ctx context.Context, cfg *domain.ProviderConfiguration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *cfg
	r.items[cfg.ID] = &cp
	return nil
}

func (r *memConfigRepo) GetByID(ctx context.Context, id string) (*domain.ProviderConfiguration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cfg, ok := r.items[id]
	if !ok {
		return nil, domain.ErrConfigNotFound
	}
	cp := *cfg
	return &cp, nil
}

func (r *memConfigRepo) List(ctx context.Context) ([]*domain.ProviderConfiguration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*domain.ProviderConfiguration, 0, len(r.items))
	for _, cfg := range r.items {
		cp := *cfg
		out = append(out, &cp)
	}
	sortConfigs(out)
	return out, nil
}

func (r *memConfigRepo) ListActive(ctx context.Context) ([]*domain.ProviderConfiguration, error) {
	all, _ := r.List(ctx)
	out := all[:0]
	for _, cfg := range all {
		if cfg.IsActive {
			out = append(out, cfg)
		}
	}
	return out, nil
}

func (r *memConfigRepo) Update(ctx context.Context, cfg *domain.ProviderConfiguration) error {
	return r.Create(ctx, cfg)
}

func sortConfigs(cfgs []*domain.ProviderConfiguration) {
	sort.Slice(cfgs, func(i, j int) bool {
		if cfgs[i].Priority != cfgs[j].Priority {
			return cfgs[i].Priority < cfgs[j].Priority
		}
		return cfgs[i].ID < cfgs[j].ID
	})
}

// memPriceRepo is an in-memory PriceRepository.
type memPriceRepo struct {
	mu      sync.Mutex
	history []*domain.PriceSnapshot
	current map[string]*domain.CurrentPrice
}

func newMemPriceRepo() *memPriceRepo {
	return &memPriceRepo{current: make(map[string]*domain.CurrentPrice)}
}

func (r *memPriceRepo) AppendSnapshot(ctx context.Context, snap *domain.PriceSnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = append(r.history, snap)
	return nil
}

func (r *memPriceRepo) UpsertCurrent(ctx context.Context, cur *domain.CurrentPrice) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current[cur.Symbol] = cur
	return nil
}

func (r *memPriceRepo) Current(ctx context.Context, symbol string) (*domain.CurrentPrice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.current[symbol]
	if !ok {
		return nil, domain.ErrPriceNotFound
	}
	return cur, nil
}

func (r *memPriceRepo) CurrentMany(ctx context.Context, symbols []string) (map[string]*domain.CurrentPrice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]*domain.CurrentPrice)
	for _, s := range symbols {
		if cur, ok := r.current[s]; ok {
			out[s] = cur
		}
	}
	return out, nil
}

// captureSink records activities, optionally failing every write.
type captureSink struct {
	mu         sync.Mutex
	activities []*domain.Activity
	failWith   error
}

func (s *captureSink) Record(ctx context.Context, a *domain.Activity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	s.activities = append(s.activities, a)
	return nil
}

func (s *captureSink) byType(t string) []*domain.Activity {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Activity
	for _, a := range s.activities {
		if a.Type == t {
			out = append(out, a)
		}
	}
	return out
}

// fakeAdapter is a scriptable adapter with call counters.
type fakeAdapter struct {
	name string

	mu          sync.Mutex
	fetchCalls  int
	bulkCalls   int
	probeCalls  int
	disconnects int

	quoteFn  func(symbol string) (*domain.Quote, error)
	bulkFn   func(symbols []string) ([]*domain.Quote, error)
	probeErr error
}

func (a *fakeAdapter) Name() string { return a.name }

func (a *fakeAdapter) Connect(ctx context.Context) error { return nil }

func (a *fakeAdapter) ValidateConfig(settings map[string]string) error { return nil }

func (a *fakeAdapter) Disconnect() {
	a.mu.Lock()
	a.disconnects++
	a.mu.Unlock()
}

func (a *fakeAdapter) Probe(ctx context.Context) error {
	a.mu.Lock()
	a.probeCalls++
	err := a.probeErr
	a.mu.Unlock()
	return err
}

func (a *fakeAdapter) setProbeErr(err error) {
	a.mu.Lock()
	a.probeErr = err
	a.mu.Unlock()
}

func (a *fakeAdapter) FetchPrice(ctx context.Context, symbol string) (*domain.Quote, error) {
	a.mu.Lock()
	a.fetchCalls++
	fn := a.quoteFn
	a.mu.Unlock()
	if fn == nil {
		return nil, domain.ErrPriceNotFound
	}
	return fn(symbol)
}

func (a *fakeAdapter) FetchPrices(ctx context.Context, symbols []string) ([]*domain.Quote, error) {
	a.mu.Lock()
	a.bulkCalls++
	fn := a.bulkFn
	a.mu.Unlock()
	if fn != nil {
		return fn(symbols)
	}
	// default: one single fetch per symbol
	var out []*domain.Quote
	var lastErr error
	for _, s := range symbols {
		q, err := a.FetchPrice(ctx, s)
		if err != nil {
			lastErr = err
			continue
		}
		out = append(out, q)
	}
	if len(out) == 0 && lastErr != nil {
		return nil, lastErr
	}
	return out, nil
}

func (a *fakeAdapter) calls() (fetch, bulk int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.fetchCalls, a.bulkCalls
}

// testEnv wires a registry + config manager backed by fake adapters.
type testEnv struct {
	repo     *memConfigRepo
	registry *registry.Registry
	configs  *ConfigManager
	tracker  *HealthTracker
}

func newTestEnv() *testEnv {
	repo := newMemConfigRepo()
	reg := registry.New()
	return &testEnv{
		repo:     repo,
		registry: reg,
		configs:  NewConfigManager(repo, reg, passthrough{}, testLogger()),
		tracker:  NewHealthTracker(),
	}
}

type passthrough struct{}

func (passthrough) Decrypt(settings map[string]string) (map[string]string, error) {
	return settings, nil
}

// addProvider registers a fake provider type backed by the given adapter and
// creates an active configuration for it.
func (e *testEnv) addProvider(name string, priority int, caps domain.ProviderCapabilities, adapter *fakeAdapter) *domain.ProviderConfiguration {
	_ = e.registry.Register(name, func(cfg *domain.ProviderConfiguration) (domain.Adapter, error) {
		return adapter, nil
	}, caps)
	cfg := &domain.ProviderConfiguration{
		ID:          uuid.NewString(),
		Provider:    name,
		DisplayName: name,
		Priority:    priority,
		IsActive:    true,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	_ = e.repo.Create(context.Background(), cfg)
	return cfg
}
