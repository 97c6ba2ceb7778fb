package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"stockfeed/internal/domain"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Storage implements the repository contracts on SQLite.
type Storage struct {
	db *gorm.DB
}

// New creates a new SQLite storage instance at the given path.
func New(path string) (*Storage, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create DB directory: %w", err)
	}

	// Pure Go SQLite
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.AutoMigrate(
		&domain.ProviderConfiguration{},
		&domain.PriceSnapshot{},
		&domain.CurrentPrice{},
		&domain.Portfolio{},
		&domain.Holding{},
		&domain.Activity{},
	); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Storage{db: db}, nil
}

// ======================================================================================
// ConfigRepository
// ======================================================================================

func (s *Storage) Create(ctx context.Context, cfg *domain.ProviderConfiguration) error {
	return s.db.WithContext(ctx).Create(cfg).Error
}

func (s *Storage) GetByID(ctx context.Context, id string) (*domain.ProviderConfiguration, error) {
	var cfg domain.ProviderConfiguration
	err := s.db.WithContext(ctx).First(&cfg, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrConfigNotFound
	}
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (s *Storage) List(ctx context.Context) ([]*domain.ProviderConfiguration, error) {
	var cfgs []*domain.ProviderConfiguration
	err := s.db.WithContext(ctx).Order("priority, id").Find(&cfgs).Error
	return cfgs, err
}

func (s *Storage) ListActive(ctx context.Context) ([]*domain.ProviderConfiguration, error) {
	var cfgs []*domain.ProviderConfiguration
	err := s.db.WithContext(ctx).Where("is_active = ?", true).Order("priority, id").Find(&cfgs).Error
	return cfgs, err
}

func (s *Storage) Update(ctx context.Context, cfg *domain.ProviderConfiguration) error {
	return s.db.WithContext(ctx).Save(cfg).Error
}

// ======================================================================================
// PriceRepository
// ======================================================================================

func (s *Storage) AppendSnapshot(ctx context.Context, snap *domain.PriceSnapshot) error {
	return s.db.WithContext(ctx).Create(snap).Error
}

func (s *Storage) UpsertCurrent(ctx context.Context, cur *domain.CurrentPrice) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "symbol"}},
		UpdateAll: true,
	}).Create(cur).Error
}

func (s *Storage) Current(ctx context.Context, symbol string) (*domain.CurrentPrice, error) {
	var cur domain.CurrentPrice
	err := s.db.WithContext(ctx).First(&cur, "symbol = ?", symbol).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrPriceNotFound
	}
	if err != nil {
		return nil, err
	}
	return &cur, nil
}

func (s *Storage) CurrentMany(ctx context.Context, symbols []string) (map[string]*domain.CurrentPrice, error) {
	var rows []*domain.CurrentPrice
	if err := s.db.WithContext(ctx).Where("symbol IN ?", symbols).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[string]*domain.CurrentPrice, len(rows))
	for _, r := range rows {
		out[r.Symbol] = r
	}
	return out, nil
}

// History returns the most recent snapshots for a symbol, newest first.
func (s *Storage) History(ctx context.Context, symbol string, limit int) ([]*domain.PriceSnapshot, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []*domain.PriceSnapshot
	err := s.db.WithContext(ctx).Where("symbol = ?", symbol).
		Order("fetched_at DESC").Limit(limit).Find(&rows).Error
	return rows, err
}

// ======================================================================================
// PortfolioRepository
// ======================================================================================

func (s *Storage) FindBySymbols(ctx context.Context, symbols []string) ([]*domain.Portfolio, error) {
	var holdings []domain.Holding
	if err := s.db.WithContext(ctx).Where("symbol IN ?", symbols).Find(&holdings).Error; err != nil {
		return nil, err
	}

	// quantity is stored as text, so the > 0 filter happens here
	ids := make([]string, 0, len(holdings))
	seen := make(map[string]bool, len(holdings))
	for _, h := range holdings {
		if h.Quantity.IsPositive() && !seen[h.PortfolioID] {
			seen[h.PortfolioID] = true
			ids = append(ids, h.PortfolioID)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}

	var portfolios []*domain.Portfolio
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&portfolios).Error; err != nil {
		return nil, err
	}
	for _, p := range portfolios {
		var hs []domain.Holding
		if err := s.db.WithContext(ctx).Where("portfolio_id = ?", p.ID).Find(&hs).Error; err != nil {
			return nil, err
		}
		kept := hs[:0]
		for _, h := range hs {
			if h.Quantity.IsPositive() {
				kept = append(kept, h)
			}
		}
		p.Holdings = kept
	}
	return portfolios, nil
}

func (s *Storage) SaveValuation(ctx context.Context, portfolioID string, total, change, changePct decimal.Decimal, at time.Time) error {
	// Single UPDATE keeps the three derived fields atomic
	return s.db.WithContext(ctx).Model(&domain.Portfolio{}).
		Where("id = ?", portfolioID).
		Updates(map[string]interface{}{
			"total_value":          total,
			"daily_change":         change,
			"daily_change_percent": changePct,
			"updated_at":           at,
		}).Error
}

func (s *Storage) HeldSymbols(ctx context.Context) ([]string, error) {
	var holdings []domain.Holding
	if err := s.db.WithContext(ctx).Select("symbol", "quantity").Find(&holdings).Error; err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var symbols []string
	for _, h := range holdings {
		if h.Quantity.IsPositive() && !seen[h.Symbol] {
			seen[h.Symbol] = true
			symbols = append(symbols, h.Symbol)
		}
	}
	return symbols, nil
}

// SavePortfolio persists a portfolio with its holdings.
func (s *Storage) SavePortfolio(ctx context.Context, p *domain.Portfolio) error {
	return s.db.WithContext(ctx).Save(p).Error
}

// SaveHolding persists a holding. A zero-quantity holding is removed instead.
func (s *Storage) SaveHolding(ctx context.Context, h *domain.Holding) error {
	if h.Quantity.IsZero() {
		return s.db.WithContext(ctx).Delete(&domain.Holding{}, "id = ?", h.ID).Error
	}
	return s.db.WithContext(ctx).Save(h).Error
}

// ======================================================================================
// ActivitySink
// ======================================================================================

func (s *Storage) Record(ctx context.Context, a *domain.Activity) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	return s.db.WithContext(ctx).Create(a).Error
}

// RecentActivities returns the newest activity records.
func (s *Storage) RecentActivities(ctx context.Context, limit int) ([]*domain.Activity, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []*domain.Activity
	err := s.db.WithContext(ctx).Order("id DESC").Limit(limit).Find(&rows).Error
	return rows, err
}
