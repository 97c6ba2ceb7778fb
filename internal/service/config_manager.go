package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"stockfeed/internal/domain"
	"stockfeed/internal/registry"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// ConfigManager owns provider configurations and the adapter cache. It is
// the boundary between persisted config rows and live adapters: at most one
// adapter exists per configuration id, shared by every caller.
type ConfigManager struct {
	repo      domain.ConfigRepository
	registry  *registry.Registry
	decryptor domain.SecretDecryptor
	log       *slog.Logger

	// baseCtx bounds adapter connections to the manager's lifetime, not to
	// whichever caller happened to trigger construction. Cancelled in Close.
	baseCtx context.Context
	stop    context.CancelFunc

	mu       sync.RWMutex
	adapters map[string]domain.Adapter
	group    singleflight.Group
}

func NewConfigManager(repo domain.ConfigRepository, reg *registry.Registry, dec domain.SecretDecryptor, log *slog.Logger) *ConfigManager {
	ctx, cancel := context.WithCancel(context.Background())
	return &ConfigManager{
		repo:      repo,
		registry:  reg,
		decryptor: dec,
		log:       log,
		baseCtx:   ctx,
		stop:      cancel,
		adapters:  make(map[string]domain.Adapter),
	}
}

// Create validates the settings against the provider type and persists a new
// active configuration.
func (m *ConfigManager) Create(ctx context.Context, provider, displayName string, settings map[string]string, priority int) (*domain.ProviderConfiguration, error) {
	if _, err := m.registry.Capabilities(provider); err != nil {
		return nil, err
	}
	cfg := &domain.ProviderConfiguration{
		ID:          uuid.NewString(),
		Provider:    provider,
		DisplayName: displayName,
		Settings:    settings,
		Priority:    priority,
		IsActive:    true,
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}
	// Construct a throwaway adapter so every invalid field surfaces now
	probe, err := m.registry.Create(provider, cfg)
	if err != nil {
		return nil, err
	}
	probe.Disconnect()

	if err := m.repo.Create(ctx, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ConfigUpdate carries partial changes; nil fields stay untouched. Settings
// merge key-by-key into the stored map.
type ConfigUpdate struct {
	DisplayName *string
	Priority    *int
	IsActive    *bool
	Settings    map[string]string
}

// Update applies the change and, if settings changed, invalidates the cached
// adapter so the next GetAdapter rebuilds it.
func (m *ConfigManager) Update(ctx context.Context, id string, upd ConfigUpdate) (*domain.ProviderConfiguration, error) {
	cfg, err := m.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	structural := false
	if upd.DisplayName != nil {
		cfg.DisplayName = *upd.DisplayName
	}
	if upd.Priority != nil {
		cfg.Priority = *upd.Priority
	}
	if upd.IsActive != nil && cfg.IsActive != *upd.IsActive {
		cfg.IsActive = *upd.IsActive
		structural = true
	}
	if len(upd.Settings) > 0 {
		if cfg.Settings == nil {
			cfg.Settings = make(map[string]string)
		}
		for k, v := range upd.Settings {
			cfg.Settings[k] = v
		}
		structural = true

		// Validate against the plaintext view, same as GetAdapter; the
		// stored row keeps the at-rest form.
		plain, err := m.decryptor.Decrypt(cfg.Settings)
		if err != nil {
			return nil, fmt.Errorf("decrypting settings for %s: %w", id, err)
		}
		live := *cfg
		live.Settings = plain
		probe, err := m.registry.Create(cfg.Provider, &live)
		if err != nil {
			return nil, err
		}
		probe.Disconnect()
	}
	cfg.UpdatedAt = time.Now().UTC()

	if err := m.repo.Update(ctx, cfg); err != nil {
		return nil, err
	}
	if structural {
		m.invalidate(id)
	}
	return cfg, nil
}

// Get returns one configuration by id.
func (m *ConfigManager) Get(ctx context.Context, id string) (*domain.ProviderConfiguration, error) {
	return m.repo.GetByID(ctx, id)
}

// List returns all configurations, including deactivated ones.
func (m *ConfigManager) List(ctx context.Context) ([]*domain.ProviderConfiguration, error) {
	return m.repo.List(ctx)
}

// ListActive returns configurations eligible for routing and probing.
func (m *ConfigManager) ListActive(ctx context.Context) ([]*domain.ProviderConfiguration, error) {
	return m.repo.ListActive(ctx)
}

// Delete deactivates the configuration. The row stays so historical metrics
// keep their reference; the cached adapter is released off the caller's path.
func (m *ConfigManager) Delete(ctx context.Context, id string) error {
	cfg, err := m.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	cfg.IsActive = false
	cfg.UpdatedAt = time.Now().UTC()
	if err := m.repo.Update(ctx, cfg); err != nil {
		return err
	}
	m.invalidate(id)
	return nil
}

// GetAdapter returns the live adapter for the configuration, building it on
// first use. Concurrent first callers share one construction via
// single-flight; everyone gets the identical instance.
func (m *ConfigManager) GetAdapter(ctx context.Context, id string) (domain.Adapter, error) {
	m.mu.RLock()
	adapter := m.adapters[id]
	m.mu.RUnlock()
	if adapter != nil {
		return adapter, nil
	}

	v, err, _ := m.group.Do(id, func() (interface{}, error) {
		// Re-check: another flight may have just filled the cache
		m.mu.RLock()
		cached := m.adapters[id]
		m.mu.RUnlock()
		if cached != nil {
			return cached, nil
		}

		cfg, err := m.repo.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if !cfg.IsActive {
			return nil, fmt.Errorf("%w: %s is deactivated", domain.ErrConfigNotFound, id)
		}

		settings, err := m.decryptor.Decrypt(cfg.Settings)
		if err != nil {
			return nil, fmt.Errorf("decrypting settings for %s: %w", id, err)
		}
		live := *cfg
		live.Settings = settings

		adapter, err := m.registry.Create(cfg.Provider, &live)
		if err != nil {
			return nil, err
		}
		// Connect against the manager's context: the cached adapter is
		// shared, so it must survive the first caller's cancellation.
		if err := adapter.Connect(m.baseCtx); err != nil {
			adapter.Disconnect()
			return nil, err
		}

		m.mu.Lock()
		m.adapters[id] = adapter
		m.mu.Unlock()
		return adapter, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(domain.Adapter), nil
}

// invalidate drops the cached adapter and releases its resources without
// blocking the caller.
func (m *ConfigManager) invalidate(id string) {
	m.mu.Lock()
	adapter := m.adapters[id]
	delete(m.adapters, id)
	m.mu.Unlock()

	if adapter != nil {
		go func() {
			adapter.Disconnect()
			m.log.Debug("adapter released", slog.String("config_id", id))
		}()
	}
}

// Close releases every cached adapter, blocking until done.
func (m *ConfigManager) Close() {
	m.stop()

	m.mu.Lock()
	adapters := m.adapters
	m.adapters = make(map[string]domain.Adapter)
	m.mu.Unlock()

	for id, a := range adapters {
		a.Disconnect()
		m.log.Debug("adapter released", slog.String("config_id", id))
	}
}
