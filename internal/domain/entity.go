package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ProviderConfiguration is one configured instance of a registered provider
// type. Settings may carry secrets; they are stored encrypted and decrypted
// only when an adapter is built from them.
type ProviderConfiguration struct {
	ID          string            `gorm:"primaryKey" json:"id"`
	Provider    string            `gorm:"index" json:"provider"` // registered type name
	DisplayName string            `json:"display_name"`
	Settings    map[string]string `gorm:"serializer:json" json:"settings"`
	Priority    int               `json:"priority"` // lower = tried first
	IsActive    bool              `gorm:"index" json:"is_active"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Portfolio aggregates holdings. TotalValue, DailyChange and
// DailyChangePercent are derived; they are only ever written by the
// valuation engine, never edited directly.
type Portfolio struct {
	ID                 string          `gorm:"primaryKey" json:"id"`
	Name               string          `json:"name"`
	TotalValue         decimal.Decimal `json:"total_value"`
	DailyChange        decimal.Decimal `json:"daily_change"`
	DailyChangePercent decimal.Decimal `json:"daily_change_percent"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`

	Holdings []Holding `gorm:"foreignKey:PortfolioID" json:"holdings,omitempty"`
}

// Holding is one position inside a portfolio. A holding reduced to zero
// quantity is deleted, not kept as a zero row.
type Holding struct {
	ID          string          `gorm:"primaryKey" json:"id"`
	PortfolioID string          `gorm:"index" json:"portfolio_id"`
	Symbol      string          `gorm:"index" json:"symbol"`
	Quantity    decimal.Decimal `json:"quantity"`
	AverageCost decimal.Decimal `json:"average_cost"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// MarketValue is the holding's worth at the given price.
func (h *Holding) MarketValue(price decimal.Decimal) decimal.Decimal {
	return h.Quantity.Mul(price)
}

// UnrealizedGain is market value minus cost basis at the given price.
func (h *Holding) UnrealizedGain(price decimal.Decimal) decimal.Decimal {
	return h.Quantity.Mul(price.Sub(h.AverageCost))
}

// Activity is a structured audit/alert record handed to the activity sink.
type Activity struct {
	ID          uint              `gorm:"primaryKey;autoIncrement" json:"id"`
	ProviderID  string            `gorm:"index" json:"provider_id"`
	Type        string            `gorm:"index" json:"type"`
	Severity    string            `json:"severity"` // "info", "warning", "error"
	Description string            `json:"description"`
	Metadata    map[string]string `gorm:"serializer:json" json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Activity severities.
const (
	SeverityInfo    = "info"
	SeverityWarning = "warning"
	SeverityError   = "error"
)
