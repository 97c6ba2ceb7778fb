package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Quote is the normalized shape adapters return for one symbol.
type Quote struct {
	Symbol        string           `json:"symbol"`
	Price         decimal.Decimal  `json:"price"`
	Open          *decimal.Decimal `json:"open,omitempty"`
	High          *decimal.Decimal `json:"high,omitempty"`
	Low           *decimal.Decimal `json:"low,omitempty"`
	PreviousClose *decimal.Decimal `json:"previous_close,omitempty"`
	Volume        int64            `json:"volume"`
	Timestamp     time.Time        `json:"timestamp"` // source time, zero if unknown
}

// PriceSnapshot is one row of the append-only price history.
type PriceSnapshot struct {
	ID            uint             `gorm:"primaryKey;autoIncrement" json:"id"`
	Symbol        string           `gorm:"index" json:"symbol"`
	Price         decimal.Decimal  `json:"price"`
	Open          *decimal.Decimal `json:"open,omitempty"`
	High          *decimal.Decimal `json:"high,omitempty"`
	Low           *decimal.Decimal `json:"low,omitempty"`
	PreviousClose *decimal.Decimal `json:"previous_close,omitempty"`
	Volume        int64            `json:"volume"`
	SourceTime    time.Time        `json:"source_time"`
	FetchedAt     time.Time        `json:"fetched_at"`
	ProviderID    string           `gorm:"index" json:"provider_id"`
}

// CurrentPrice is the single latest snapshot per symbol. It is the record
// valuation reads; the history table is never consulted for "price right now".
type CurrentPrice struct {
	Symbol        string           `gorm:"primaryKey" json:"symbol"`
	Price         decimal.Decimal  `json:"price"`
	Open          *decimal.Decimal `json:"open,omitempty"`
	High          *decimal.Decimal `json:"high,omitempty"`
	Low           *decimal.Decimal `json:"low,omitempty"`
	PreviousClose *decimal.Decimal `json:"previous_close,omitempty"`
	Volume        int64            `json:"volume"`
	SourceTime    time.Time        `json:"source_time"`
	FetchedAt     time.Time        `json:"fetched_at"`
	ProviderID    string           `json:"provider_id"`
}

// SnapshotFromQuote builds a history row from an adapter quote.
func SnapshotFromQuote(q *Quote, providerID string) *PriceSnapshot {
	src := q.Timestamp
	if src.IsZero() {
		src = time.Now().UTC()
	}
	return &PriceSnapshot{
		Symbol:        q.Symbol,
		Price:         q.Price,
		Open:          q.Open,
		High:          q.High,
		Low:           q.Low,
		PreviousClose: q.PreviousClose,
		Volume:        q.Volume,
		SourceTime:    src,
		FetchedAt:     time.Now().UTC(),
		ProviderID:    providerID,
	}
}

// Current converts a history row into the current-price record for upsert.
func (s *PriceSnapshot) Current() *CurrentPrice {
	return &CurrentPrice{
		Symbol:        s.Symbol,
		Price:         s.Price,
		Open:          s.Open,
		High:          s.High,
		Low:           s.Low,
		PreviousClose: s.PreviousClose,
		Volume:        s.Volume,
		SourceTime:    s.SourceTime,
		FetchedAt:     s.FetchedAt,
		ProviderID:    s.ProviderID,
	}
}
